package whatsapp

import (
	"context"
	"fmt"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/vault"
)

// Provider is the Cloud API surface the service uses. *Client
// implements it; retries are left to callers.
type Provider interface {
	SendText(ctx context.Context, to, body, replyTo string) (string, error)
	SendMedia(ctx context.Context, to string, media OutboundMedia) (string, error)
	SendTemplate(ctx context.Context, to, codeName, language string, components []ComponentObj) (string, error)
	UploadMedia(ctx context.Context, data []byte, mimeType, filename string) (string, error)
	FetchMediaURL(ctx context.Context, mediaID string) (*MediaInfo, error)
	DownloadMedia(ctx context.Context, mediaURL string) ([]byte, error)
	MarkRead(ctx context.Context, providerMessageID string) error
	FetchTemplate(ctx context.Context, providerTemplateID string) (*TemplateStatus, error)
	CreateTemplate(ctx context.Context, tpl TemplateRequest) (*TemplateStatus, error)
}

// ProviderFactory builds a Provider bound to one account's credentials.
type ProviderFactory interface {
	ForAccount(acc *models.Account) (Provider, error)
}

// Factory builds Clients, decrypting the account's access token.
type Factory struct {
	BaseURL string
	Vault   *vault.Vault
	HTTP    *http.Client
}

func NewFactory(baseURL string, v *vault.Vault) *Factory {
	return &Factory{
		BaseURL: baseURL,
		Vault:   v,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (f *Factory) ForAccount(acc *models.Account) (Provider, error) {
	token := f.Vault.Decrypt(acc.AccessToken)
	if token == "" {
		return nil, &Error{Kind: KindAuth, Message: fmt.Sprintf("account %s has no access token", acc.ID)}
	}
	return NewClient(f.BaseURL, acc.ProviderPhoneID, acc.ProviderBusinessID, token, f.HTTP), nil
}

// NormalizeE164 strips formatting from a phone number and ensures the
// leading "+". It returns "" when the result is not a plausible E.164
// number.
func NormalizeE164(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 8 || len(digits) > 15 || digits[0] == '0' {
		return ""
	}
	return "+" + digits
}

// ProviderNumber is the recipient format the Cloud API expects.
func ProviderNumber(e164 string) string {
	return strings.TrimPrefix(e164, "+")
}

func mimeHeader(filename, mimeType string) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`,
		strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(filename)))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h.Set("Content-Type", mimeType)
	return h
}
