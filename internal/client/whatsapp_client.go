package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/LeventeLantos/whatsapp-crm/internal/model"
)

const defaultTemplateLanguage = "en_US"

type WhatsAppClient struct {
	baseURL       string
	phoneNumberID string
	token         string
	client        *http.Client
}

func NewWhatsAppClient(baseURL, phoneNumberID, token string, timeout time.Duration) *WhatsAppClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WhatsAppClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		phoneNumberID: phoneNumberID,
		token:         token,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// OutboundMessage is what the provider needs to deliver one message.
type OutboundMessage struct {
	To               string
	Kind             model.Kind
	Content          string
	MediaRef         string
	TemplateLanguage string
}

type sendRequest struct {
	MessagingProduct string        `json:"messaging_product"`
	RecipientType    string        `json:"recipient_type"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             *textBody     `json:"text,omitempty"`
	Image            *mediaBody    `json:"image,omitempty"`
	Document         *mediaBody    `json:"document,omitempty"`
	Audio            *mediaBody    `json:"audio,omitempty"`
	Video            *mediaBody    `json:"video,omitempty"`
	Template         *templateBody `json:"template,omitempty"`
}

type textBody struct {
	Body string `json:"body"`
}

type mediaBody struct {
	ID      string `json:"id,omitempty"`
	Link    string `json:"link,omitempty"`
	Caption string `json:"caption,omitempty"`
}

type templateBody struct {
	Name     string           `json:"name"`
	Language templateLanguage `json:"language"`
}

type templateLanguage struct {
	Code string `json:"code"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type errorResponse struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

// SendMessage posts one message to the Cloud API and returns the provider
// message id (wamid). Failures are always *ProviderError.
func (c *WhatsAppClient) SendMessage(ctx context.Context, msg OutboundMessage) (string, error) {
	payload, err := buildRequest(msg)
	if err != nil {
		return "", &ProviderError{Reason: ReasonInvalidRecipient, Message: err.Error()}
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return "", &ProviderError{Reason: ReasonUnknown, Message: err.Error()}
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return "", &ProviderError{Reason: ReasonUnknown, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", transportError(ctx, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", classifyResponse(resp.StatusCode, body)
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", &ProviderError{
			Reason:     ReasonUnknown,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("failed to decode json: %v body=%q", err, string(body)),
		}
	}
	if len(sr.Messages) == 0 || sr.Messages[0].ID == "" {
		return "", &ProviderError{
			Reason:     ReasonUnknown,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("missing message id in response body=%q", string(body)),
		}
	}

	return sr.Messages[0].ID, nil
}

func buildRequest(msg OutboundMessage) (sendRequest, error) {
	to := model.NormalizeAddress(msg.To)
	if to == "" {
		return sendRequest{}, fmt.Errorf("invalid recipient address %q", msg.To)
	}

	r := sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             string(msg.Kind),
	}

	switch msg.Kind {
	case model.KindText:
		r.Text = &textBody{Body: msg.Content}
	case model.KindImage:
		r.Image = media(msg.MediaRef, msg.Content)
	case model.KindDocument:
		r.Document = media(msg.MediaRef, msg.Content)
	case model.KindVideo:
		r.Video = media(msg.MediaRef, msg.Content)
	case model.KindAudio:
		// Audio messages carry no caption.
		r.Audio = media(msg.MediaRef, "")
	case model.KindTemplate:
		lang := msg.TemplateLanguage
		if lang == "" {
			lang = defaultTemplateLanguage
		}
		r.Template = &templateBody{Name: msg.Content, Language: templateLanguage{Code: lang}}
	default:
		return sendRequest{}, fmt.Errorf("unsupported message kind %q", msg.Kind)
	}
	return r, nil
}

// media references are either uploaded media ids or public links.
func media(ref, caption string) *mediaBody {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return &mediaBody{Link: ref, Caption: caption}
	}
	return &mediaBody{ID: ref, Caption: caption}
}

func transportError(ctx context.Context, err error) *ProviderError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ProviderError{Reason: ReasonTimeout, Message: err.Error()}
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return &ProviderError{Reason: ReasonTimeout, Message: err.Error()}
	}
	return &ProviderError{Reason: ReasonUnknown, Message: err.Error()}
}

func classifyResponse(status int, body []byte) *ProviderError {
	pe := &ProviderError{
		Reason:     ReasonUnknown,
		StatusCode: status,
		Message:    fmt.Sprintf("unexpected status code: %d body=%q", status, string(body)),
	}

	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error.Code != 0 {
		pe.Code = er.Error.Code
		pe.Message = er.Error.Message
	}
	pe.Reason = classify(status, pe.Code)
	return pe
}
