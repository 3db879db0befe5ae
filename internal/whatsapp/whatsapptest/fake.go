// Package whatsapptest provides an in-memory Provider for tests.
package whatsapptest

import (
	"context"
	"fmt"
	"sync"

	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/whatsapp"
)

// Call records one provider invocation.
type Call struct {
	Method     string
	To         string
	Body       string
	Template   string
	Language   string
	Components []whatsapp.ComponentObj
	Media      whatsapp.OutboundMedia
	Arg        string
}

// Provider is a scriptable whatsapp.Provider. Set the Err fields to make
// the matching calls fail.
type Provider struct {
	mu    sync.Mutex
	seq   int
	calls []Call

	SendErr     error
	UploadErr   error
	FetchErr    error
	DownloadErr error
	TemplateErr error

	// Media maps provider media ids to their bytes and mime type.
	Media     map[string][]byte
	MediaMime map[string]string
	// Templates maps provider template ids to the status FetchTemplate returns.
	Templates map[string]*whatsapp.TemplateStatus
}

func New() *Provider {
	return &Provider{
		Media:     map[string][]byte{},
		MediaMime: map[string]string{},
		Templates: map[string]*whatsapp.TemplateStatus{},
	}
}

func (p *Provider) record(c Call) {
	p.mu.Lock()
	p.calls = append(p.calls, c)
	p.mu.Unlock()
}

func (p *Provider) nextID(prefix string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return fmt.Sprintf("%s.%d", prefix, p.seq)
}

// Calls returns the recorded calls of method, or all calls if method is "".
func (p *Provider) Calls(method string) []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Call
	for _, c := range p.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (p *Provider) SendText(ctx context.Context, to, body, replyTo string) (string, error) {
	p.record(Call{Method: "SendText", To: to, Body: body, Arg: replyTo})
	if p.SendErr != nil {
		return "", p.SendErr
	}
	return p.nextID("wamid.OUT"), nil
}

func (p *Provider) SendMedia(ctx context.Context, to string, media whatsapp.OutboundMedia) (string, error) {
	p.record(Call{Method: "SendMedia", To: to, Media: media})
	if p.SendErr != nil {
		return "", p.SendErr
	}
	return p.nextID("wamid.OUT"), nil
}

func (p *Provider) SendTemplate(ctx context.Context, to, codeName, language string, components []whatsapp.ComponentObj) (string, error) {
	p.record(Call{Method: "SendTemplate", To: to, Template: codeName, Language: language, Components: components})
	if p.SendErr != nil {
		return "", p.SendErr
	}
	return p.nextID("wamid.TPL"), nil
}

func (p *Provider) UploadMedia(ctx context.Context, data []byte, mimeType, filename string) (string, error) {
	p.record(Call{Method: "UploadMedia", Arg: filename})
	if p.UploadErr != nil {
		return "", p.UploadErr
	}
	id := p.nextID("MEDIA")
	p.mu.Lock()
	p.Media[id] = data
	p.MediaMime[id] = mimeType
	p.mu.Unlock()
	return id, nil
}

func (p *Provider) FetchMediaURL(ctx context.Context, mediaID string) (*whatsapp.MediaInfo, error) {
	p.record(Call{Method: "FetchMediaURL", Arg: mediaID})
	if p.FetchErr != nil {
		return nil, p.FetchErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.Media[mediaID]
	if !ok {
		return nil, whatsapp.ErrMediaNotFound
	}
	return &whatsapp.MediaInfo{
		ID:       mediaID,
		URL:      "https://lookaside.example/" + mediaID,
		MimeType: p.MediaMime[mediaID],
		FileSize: int64(len(data)),
	}, nil
}

func (p *Provider) DownloadMedia(ctx context.Context, mediaURL string) ([]byte, error) {
	p.record(Call{Method: "DownloadMedia", Arg: mediaURL})
	if p.DownloadErr != nil {
		return nil, p.DownloadErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, data := range p.Media {
		if mediaURL == "https://lookaside.example/"+id {
			return data, nil
		}
	}
	return nil, whatsapp.ErrMediaNotFound
}

func (p *Provider) MarkRead(ctx context.Context, providerMessageID string) error {
	p.record(Call{Method: "MarkRead", Arg: providerMessageID})
	return p.SendErr
}

func (p *Provider) FetchTemplate(ctx context.Context, providerTemplateID string) (*whatsapp.TemplateStatus, error) {
	p.record(Call{Method: "FetchTemplate", Arg: providerTemplateID})
	if p.TemplateErr != nil {
		return nil, p.TemplateErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.Templates[providerTemplateID]
	if !ok {
		return nil, whatsapp.ErrNotFound
	}
	return st, nil
}

func (p *Provider) CreateTemplate(ctx context.Context, tpl whatsapp.TemplateRequest) (*whatsapp.TemplateStatus, error) {
	p.record(Call{Method: "CreateTemplate", Template: tpl.Name, Language: tpl.Language})
	if p.TemplateErr != nil {
		return nil, p.TemplateErr
	}
	return &whatsapp.TemplateStatus{ID: p.nextID("TPL"), Name: tpl.Name, Language: tpl.Language, Status: "PENDING"}, nil
}

// Factory hands out the same Provider for every account.
type Factory struct {
	Provider *Provider
	Err      error
}

func (f *Factory) ForAccount(acc *models.Account) (whatsapp.Provider, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Provider, nil
}
