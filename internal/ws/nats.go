package ws

import (
	"encoding/json"
	"os"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

type relayed struct {
	Origin string          `json:"origin"`
	Server string          `json:"server"`
	Room   string          `json:"room"`
	Except string          `json:"except,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

// NATSRelay mirrors hub publications across instances over one NATS
// subject. Frames published by this instance are ignored on receipt.
type NATSRelay struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	origin  string
	server  string
}

// ConnectNATS joins the relay subject and attaches the relay to hub.
func ConnectNATS(url, subject string, hub *Hub) (*NATSRelay, error) {
	log.Infof("[WS] connecting realtime relay to NATS at %s", url)
	nc, err := nats.Connect(url, nats.Name("whatsapp-inbox"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	host, _ := os.Hostname()
	r := &NATSRelay{nc: nc, subject: subject, origin: uuid.NewString(), server: host}

	r.sub, err = nc.Subscribe(subject, func(m *nats.Msg) {
		var in relayed
		if err := json.Unmarshal(m.Data, &in); err != nil {
			log.WithError(err).Warn("[WS] bad relay frame")
			return
		}
		if in.Origin == r.origin {
			return
		}
		hub.Deliver(in.Room, in.Frame, in.Except)
	})
	if err != nil {
		nc.Close()
		return nil, err
	}
	hub.SetRelay(r)
	log.Infof("[WS] realtime relay subscribed to %s", subject)
	return r, nil
}

func (r *NATSRelay) Forward(room string, frame []byte, exceptSession string) {
	data, err := json.Marshal(relayed{Origin: r.origin, Server: r.server, Room: room, Except: exceptSession, Frame: frame})
	if err != nil {
		return
	}
	if err := r.nc.Publish(r.subject, data); err != nil {
		log.WithError(err).Warn("[WS] relay publish failed")
	}
}

func (r *NATSRelay) Close() {
	if r.sub != nil {
		r.sub.Unsubscribe()
	}
	r.nc.Drain()
}
