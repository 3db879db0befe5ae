package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
)

const DefaultBaseURL = "https://graph.facebook.com/v19.0"

// Client talks to the Cloud API on behalf of one account. It holds the
// account's decrypted access token; never log it.
type Client struct {
	BaseURL           string
	PhoneNumberID     string
	BusinessAccountID string
	HTTP              *http.Client

	token string
}

func NewClient(baseURL, phoneNumberID, businessAccountID, accessToken string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		BaseURL:           strings.TrimRight(baseURL, "/"),
		PhoneNumberID:     phoneNumberID,
		BusinessAccountID: businessAccountID,
		HTTP:              httpClient,
		token:             accessToken,
	}
}

// --- Message Structures ---

type GenericMessage struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type,omitempty"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Context          *ContextObj  `json:"context,omitempty"`
	Text             *TextObj     `json:"text,omitempty"`
	Image            *MediaObj    `json:"image,omitempty"`
	Video            *MediaObj    `json:"video,omitempty"`
	Audio            *MediaObj    `json:"audio,omitempty"`
	Document         *MediaObj    `json:"document,omitempty"`
	Sticker          *MediaObj    `json:"sticker,omitempty"`
	Template         *TemplateObj `json:"template,omitempty"`
}

type ContextObj struct {
	MessageID string `json:"message_id"`
}

type TextObj struct {
	Body string `json:"body"`
}

type MediaObj struct {
	ID       string `json:"id,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"` // For documents
}

type TemplateObj struct {
	Name       string         `json:"name"`
	Language   LanguageObj    `json:"language"`
	Components []ComponentObj `json:"components,omitempty"`
}

type LanguageObj struct {
	Code string `json:"code"`
}

type ComponentObj struct {
	Type       string         `json:"type"`
	Parameters []ParameterObj `json:"parameters"`
}

type ParameterObj struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type graphError struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		ErrorData    struct {
			Details string `json:"details"`
		} `json:"error_data"`
	} `json:"error"`
}

// OutboundMedia describes uploaded media to send by provider id.
type OutboundMedia struct {
	Kind     string
	ID       string
	Caption  string
	Filename string
}

// MediaInfo is the provider's description of an uploaded media object.
type MediaInfo struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
	ID       string `json:"id"`
}

// TemplateStatus is the provider's view of a message template.
type TemplateStatus struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Language        string `json:"language"`
	Status          string `json:"status"`
	Category        string `json:"category"`
	RejectionReason string `json:"rejected_reason"`
}

// TemplateRequest is the body of a template creation call.
type TemplateRequest struct {
	Name       string              `json:"name"`
	Language   string              `json:"language"`
	Category   string              `json:"category"`
	Components []TemplateComponent `json:"components"`
}

type TemplateComponent struct {
	Type    string           `json:"type"`
	Format  string           `json:"format,omitempty"`
	Text    string           `json:"text,omitempty"`
	Example *TemplateExample `json:"example,omitempty"`
}

type TemplateExample struct {
	HeaderText []string   `json:"header_text,omitempty"`
	BodyText   [][]string `json:"body_text,omitempty"`
}

// --- Helper Functions ---

func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransientNetwork, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransientNetwork, Err: err}
	}

	if resp.StatusCode >= 400 {
		return nil, parseError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

func (c *Client) sendRequest(ctx context.Context, method, endpoint string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Kind: KindValidation, Err: err}
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req)
}

func parseError(status int, body []byte) *Error {
	var ge graphError
	if err := json.Unmarshal(body, &ge); err != nil || ge.Error.Message == "" {
		return &Error{
			Kind:    classify(status, -1, 0),
			Code:    status,
			Message: strings.TrimSpace(string(body)),
		}
	}
	msg := ge.Error.Message
	if d := ge.Error.ErrorData.Details; d != "" {
		msg += ": " + d
	}
	return &Error{
		Kind:    classify(status, ge.Error.Code, ge.Error.ErrorSubcode),
		Code:    ge.Error.Code,
		Message: msg,
	}
}

func (c *Client) url(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.BaseURL + "/" + strings.Join(escaped, "/")
}

// --- Messaging Methods ---

// SendRawMessage posts msg and returns the provider message id.
func (c *Client) SendRawMessage(ctx context.Context, msg GenericMessage) (string, error) {
	if msg.MessagingProduct == "" {
		msg.MessagingProduct = "whatsapp"
	}
	resp, err := c.sendRequest(ctx, http.MethodPost, c.url(c.PhoneNumberID, "messages"), msg)
	if err != nil {
		return "", err
	}

	var out sendResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return "", &Error{Kind: KindTransientNetwork, Err: fmt.Errorf("decode send response: %w", err)}
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return "", &Error{Kind: KindTransientNetwork, Message: "send response carried no message id"}
	}
	return out.Messages[0].ID, nil
}

func (c *Client) SendText(ctx context.Context, to, body, replyTo string) (string, error) {
	msg := GenericMessage{
		RecipientType: "individual",
		To:            to,
		Type:          "text",
		Text:          &TextObj{Body: body},
	}
	if replyTo != "" {
		msg.Context = &ContextObj{MessageID: replyTo}
	}
	return c.SendRawMessage(ctx, msg)
}

func (c *Client) SendMedia(ctx context.Context, to string, media OutboundMedia) (string, error) {
	obj := &MediaObj{ID: media.ID, Caption: media.Caption}
	msg := GenericMessage{RecipientType: "individual", To: to, Type: media.Kind}
	switch media.Kind {
	case "image":
		msg.Image = obj
	case "video":
		msg.Video = obj
	case "audio":
		obj.Caption = ""
		msg.Audio = obj
	case "sticker":
		obj.Caption = ""
		msg.Sticker = obj
	case "document":
		obj.Filename = media.Filename
		msg.Document = obj
	default:
		return "", &Error{Kind: KindValidation, Message: fmt.Sprintf("unsupported media kind %q", media.Kind)}
	}
	return c.SendRawMessage(ctx, msg)
}

func (c *Client) SendTemplate(ctx context.Context, to, codeName, language string, components []ComponentObj) (string, error) {
	msg := GenericMessage{
		To:   to,
		Type: "template",
		Template: &TemplateObj{
			Name:       codeName,
			Language:   LanguageObj{Code: language},
			Components: components,
		},
	}
	return c.SendRawMessage(ctx, msg)
}

func (c *Client) MarkRead(ctx context.Context, providerMessageID string) error {
	_, err := c.sendRequest(ctx, http.MethodPost, c.url(c.PhoneNumberID, "messages"), map[string]string{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        providerMessageID,
	})
	return err
}

// --- Media Methods ---

func (c *Client) UploadMedia(ctx context.Context, fileData []byte, mimeType, filename string) (string, error) {
	if len(fileData) == 0 {
		return "", &Error{Kind: KindValidation, Message: "empty media upload"}
	}
	if filename == "" {
		filename = "upload"
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", &Error{Kind: KindValidation, Err: err}
	}
	if err := writer.WriteField("type", mimeType); err != nil {
		return "", &Error{Kind: KindValidation, Err: err}
	}
	part, err := writer.CreatePart(mimeHeader(filename, mimeType))
	if err != nil {
		return "", &Error{Kind: KindValidation, Err: err}
	}
	if _, err := part.Write(fileData); err != nil {
		return "", &Error{Kind: KindValidation, Err: err}
	}
	if err := writer.Close(); err != nil {
		return "", &Error{Kind: KindValidation, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(c.PhoneNumberID, "media"), body)
	if err != nil {
		return "", &Error{Kind: KindValidation, Err: err}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	respBody, err := c.do(req)
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil || out.ID == "" {
		return "", &Error{Kind: KindTransientNetwork, Message: "upload response carried no media id"}
	}
	return out.ID, nil
}

// FetchMediaURL resolves a media id to a short-lived authenticated URL.
func (c *Client) FetchMediaURL(ctx context.Context, mediaID string) (*MediaInfo, error) {
	resp, err := c.sendRequest(ctx, http.MethodGet, c.url(mediaID), nil)
	if err != nil {
		return nil, err
	}
	var info MediaInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		return nil, &Error{Kind: KindTransientNetwork, Err: fmt.Errorf("decode media info: %w", err)}
	}
	if info.URL == "" {
		return nil, &Error{Kind: KindNotFound, Message: "media " + mediaID + " has no url"}
	}
	return &info, nil
}

// DownloadMedia fetches media bytes; the URL requires the bearer token.
func (c *Client) DownloadMedia(ctx context.Context, mediaURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Err: err}
	}
	data, err := c.do(req)
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) && pe.Kind == KindNotFound {
			pe.Kind = KindMediaNotFound
		}
		return nil, err
	}
	return data, nil
}

// --- Template Management Methods ---

func (c *Client) FetchTemplate(ctx context.Context, providerTemplateID string) (*TemplateStatus, error) {
	endpoint := c.url(providerTemplateID) + "?fields=id,name,language,status,category,rejected_reason"
	resp, err := c.sendRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var st TemplateStatus
	if err := json.Unmarshal(resp, &st); err != nil {
		return nil, &Error{Kind: KindTransientNetwork, Err: fmt.Errorf("decode template: %w", err)}
	}
	return &st, nil
}

func (c *Client) CreateTemplate(ctx context.Context, tpl TemplateRequest) (*TemplateStatus, error) {
	resp, err := c.sendRequest(ctx, http.MethodPost, c.url(c.BusinessAccountID, "message_templates"), tpl)
	if err != nil {
		return nil, err
	}
	var st TemplateStatus
	if err := json.Unmarshal(resp, &st); err != nil {
		return nil, &Error{Kind: KindTransientNetwork, Err: fmt.Errorf("decode template: %w", err)}
	}
	return &st, nil
}
