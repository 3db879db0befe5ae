// Package wstest records hub publications for tests.
package wstest

import "sync"

type Event struct {
	Room    string
	Name    string
	Payload interface{}
	Except  string
}

// Recorder implements ws.Publisher by remembering every publication.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(room, event string, payload interface{}) {
	r.PublishExcept(room, event, payload, "")
}

func (r *Recorder) PublishExcept(room, event string, payload interface{}, except string) {
	r.mu.Lock()
	r.events = append(r.events, Event{Room: room, Name: event, Payload: payload, Except: except})
	r.mu.Unlock()
}

// Events returns publications named name ("" for all).
func (r *Recorder) Events(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if name == "" || e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
