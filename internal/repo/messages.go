package repo

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/whatsapp-crm/internal/model"
)

var ErrNotFound = errors.New("not found")

// MessageUpdate is a partial update; nil fields are left untouched.
type MessageUpdate struct {
	Status            *model.Status
	ProviderMessageID *string
	FailureReason     *string
	UpdatedAt         time.Time
}

// StatusResult reports what a conditional status write did.
type StatusResult struct {
	Message model.Message
	Found   bool
	Applied bool
}

type MessageRepository interface {
	Get(ctx context.Context, id string) (model.Message, error)
	GetByProviderID(ctx context.Context, providerMessageID string) (model.Message, error)
	Insert(ctx context.Context, m model.Message) error
	Update(ctx context.Context, id string, upd MessageUpdate) (model.Message, error)

	// MarkSent moves a sending message to sent and records the provider id.
	// It fails with ErrNotFound if the message is missing or no longer sending.
	MarkSent(ctx context.Context, id, providerMessageID string, at time.Time) (model.Message, error)
	MarkFailed(ctx context.Context, id, reason string, at time.Time) (model.Message, error)

	// ApplyStatus applies a provider status event only if model.CanTransition
	// allows it, as one atomic write.
	ApplyStatus(ctx context.Context, ev model.StatusEvent) (StatusResult, error)

	// InsertInbound inserts an incoming message unless one with the same
	// (conversation, provider id) exists. created is false for duplicates.
	InsertInbound(ctx context.Context, m model.Message) (created bool, err error)

	ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error)
}
