package model

import "time"

type Status string

const (
	Sending   Status = "sending"
	Sent      Status = "sent"
	Delivered Status = "delivered"
	Read      Status = "read"
	Failed    Status = "failed"
)

type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindDocument Kind = "document"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
	KindTemplate Kind = "template"
)

type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

type Message struct {
	ID                string    `json:"id"`
	ProviderMessageID *string   `json:"providerMessageId,omitempty"`
	ConversationID    string    `json:"conversationId"`
	Content           string    `json:"content"`
	Kind              Kind      `json:"kind"`
	MediaRef          string    `json:"mediaRef,omitempty"`
	MediaMime         string    `json:"mediaMime,omitempty"`
	TemplateLanguage  string    `json:"templateLanguage,omitempty"`
	Direction         Direction `json:"direction"`
	Status            Status    `json:"status"`
	FailureReason     *string   `json:"failureReason,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// StatusEvent is an asynchronous delivery report from the provider.
type StatusEvent struct {
	ProviderMessageID string
	Status            Status
	Timestamp         time.Time
	FailureReason     string
}

func (s Status) Valid() bool {
	switch s {
	case Sending, Sent, Delivered, Read, Failed:
		return true
	}
	return false
}

func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindDocument, KindAudio, KindVideo, KindTemplate:
		return true
	}
	return false
}

// IsMedia reports whether the kind carries a media reference.
func (k Kind) IsMedia() bool {
	switch k {
	case KindImage, KindDocument, KindAudio, KindVideo:
		return true
	}
	return false
}
