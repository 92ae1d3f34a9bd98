package model

import "time"

// InboundMessage is a customer message reported by the provider webhook.
type InboundMessage struct {
	From              string
	ProviderMessageID string
	Kind              Kind
	Content           string
	MediaRef          string
	MediaMime         string
	Timestamp         time.Time
}
