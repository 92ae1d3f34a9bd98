// Package webhook decodes WhatsApp Cloud API webhook deliveries into
// status events and inbound messages.
package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LeventeLantos/whatsapp-crm/internal/model"
)

// Batch is one webhook delivery split into its independent event lists.
// Events that could not be decoded are listed in Rejected.
type Batch struct {
	Inbound  []model.InboundMessage
	Statuses []model.StatusEvent
	Rejected []Rejection
}

type Rejection struct {
	Kind   string
	Reason string
}

type payload struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID      string   `json:"id"`
	Changes []change `json:"changes"`
}

type change struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

// value keeps each event raw so one badly typed event cannot sink the
// rest of the delivery.
type value struct {
	MessagingProduct string            `json:"messaging_product"`
	Messages         []json.RawMessage `json:"messages"`
	Statuses         []json.RawMessage `json:"statuses"`
}

type mediaJSON struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type textJSON struct {
	Body string `json:"body"`
}

type buttonJSON struct {
	Text string `json:"text"`
}

type inboundJSON struct {
	From      string      `json:"from"`
	ID        string      `json:"id"`
	Timestamp string      `json:"timestamp"`
	Type      string      `json:"type"`
	Text      *textJSON   `json:"text"`
	Image     *mediaJSON  `json:"image"`
	Document  *mediaJSON  `json:"document"`
	Audio     *mediaJSON  `json:"audio"`
	Voice     *mediaJSON  `json:"voice"`
	Video     *mediaJSON  `json:"video"`
	Sticker   *mediaJSON  `json:"sticker"`
	Button    *buttonJSON `json:"button"`
}

type statusJSON struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code  int    `json:"code"`
		Title string `json:"title"`
	} `json:"errors"`
}

// Decode parses a webhook body. Only an undecodable envelope is an error;
// individual bad events end up in Batch.Rejected.
func Decode(body []byte) (Batch, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Batch{}, fmt.Errorf("decode webhook: %w", err)
	}

	var b Batch
	for _, e := range p.Entry {
		for _, ch := range e.Changes {
			if ch.Field != "" && ch.Field != "messages" {
				continue
			}
			b.addChange(ch.Value)
		}
	}
	return b, nil
}

func (b *Batch) addChange(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var v value
	if err := json.Unmarshal(raw, &v); err != nil {
		b.reject("change", fmt.Errorf("value: %w", err))
		return
	}

	for i, rm := range v.Messages {
		var m inboundJSON
		if err := json.Unmarshal(rm, &m); err != nil {
			b.reject("message", fmt.Errorf("message %d: %w", i, err))
			continue
		}
		in, err := m.toInbound()
		if err != nil {
			b.reject("message", err)
			continue
		}
		b.Inbound = append(b.Inbound, in)
	}

	for i, rs := range v.Statuses {
		var s statusJSON
		if err := json.Unmarshal(rs, &s); err != nil {
			b.reject("status", fmt.Errorf("status %d: %w", i, err))
			continue
		}
		ev, err := s.toEvent()
		if err != nil {
			b.reject("status", err)
			continue
		}
		b.Statuses = append(b.Statuses, ev)
	}
}

func (b *Batch) reject(kind string, err error) {
	b.Rejected = append(b.Rejected, Rejection{Kind: kind, Reason: err.Error()})
}

func (m inboundJSON) toInbound() (model.InboundMessage, error) {
	if m.ID == "" {
		return model.InboundMessage{}, fmt.Errorf("message without id")
	}
	if m.From == "" {
		return model.InboundMessage{}, fmt.Errorf("message %s without sender", m.ID)
	}
	ts, err := parseUnix(m.Timestamp)
	if err != nil {
		return model.InboundMessage{}, fmt.Errorf("message %s: %w", m.ID, err)
	}

	in := model.InboundMessage{
		From:              m.From,
		ProviderMessageID: m.ID,
		Timestamp:         ts,
	}

	withMedia := func(kind model.Kind, md *mediaJSON) error {
		if md == nil || md.ID == "" {
			return fmt.Errorf("message %s: %s without media id", m.ID, m.Type)
		}
		in.Kind = kind
		in.MediaRef = md.ID
		in.MediaMime = md.MimeType
		in.Content = md.Caption
		if in.Content == "" && kind == model.KindDocument {
			in.Content = md.Filename
		}
		return nil
	}

	switch m.Type {
	case "text":
		if m.Text == nil {
			return model.InboundMessage{}, fmt.Errorf("message %s: text without body", m.ID)
		}
		in.Kind = model.KindText
		in.Content = m.Text.Body
	case "image":
		err = withMedia(model.KindImage, m.Image)
	case "sticker":
		err = withMedia(model.KindImage, m.Sticker)
	case "document":
		err = withMedia(model.KindDocument, m.Document)
	case "audio":
		err = withMedia(model.KindAudio, m.Audio)
	case "voice":
		err = withMedia(model.KindAudio, m.Voice)
	case "video":
		err = withMedia(model.KindVideo, m.Video)
	case "button":
		in.Kind = model.KindText
		if m.Button != nil {
			in.Content = m.Button.Text
		}
	default:
		// Keep the activity signal for kinds this service does not model.
		in.Kind = model.KindText
		in.Content = fmt.Sprintf("[unsupported message type: %s]", m.Type)
	}
	if err != nil {
		return model.InboundMessage{}, err
	}
	return in, nil
}

func (s statusJSON) toEvent() (model.StatusEvent, error) {
	if s.ID == "" {
		return model.StatusEvent{}, fmt.Errorf("status without id")
	}

	st := model.Status(strings.ToLower(s.Status))
	switch st {
	case model.Sent, model.Delivered, model.Read, model.Failed:
	default:
		return model.StatusEvent{}, fmt.Errorf("status %s: unsupported value %q", s.ID, s.Status)
	}

	ts, err := parseUnix(s.Timestamp)
	if err != nil {
		return model.StatusEvent{}, fmt.Errorf("status %s: %w", s.ID, err)
	}

	ev := model.StatusEvent{ProviderMessageID: s.ID, Status: st, Timestamp: ts}
	if st == model.Failed && len(s.Errors) > 0 {
		ev.FailureReason = fmt.Sprintf("provider %d: %s", s.Errors[0].Code, s.Errors[0].Title)
	}
	return ev, nil
}

// parseUnix reads the provider's string unix seconds. Missing timestamps
// are left zero for the reconciler to stamp.
func parseUnix(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
	}
	return time.Unix(sec, 0).UTC(), nil
}
