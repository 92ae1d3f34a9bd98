package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by LookupSent when no ledger entry exists.
var ErrMiss = errors.New("cache miss")

type SentEntry struct {
	MessageID         string    `json:"messageId"`
	ProviderMessageID string    `json:"providerMessageId"`
	SentAt            time.Time `json:"sentAt"`
}

// MessageCache records provider accepts independently of the message store
// and short-circuits redelivered inbound webhook events.
type MessageCache interface {
	StoreSent(ctx context.Context, messageID, providerMessageID string, sentAt time.Time) error
	LookupSent(ctx context.Context, providerMessageID string) (SentEntry, error)

	// SeenInbound reports whether MarkInbound recorded key within the TTL.
	// Keys are only marked after the store holds the message.
	SeenInbound(ctx context.Context, key string) (bool, error)
	MarkInbound(ctx context.Context, key string) error
}
