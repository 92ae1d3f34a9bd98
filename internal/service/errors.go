package service

import (
	"errors"
	"fmt"

	"github.com/LeventeLantos/whatsapp-crm/internal/client"
)

// ErrMalformedEvent rejects a single webhook event that lacks required fields.
var ErrMalformedEvent = errors.New("malformed event")

// ValidationError is bad caller input; nothing was persisted or sent.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// SendError means the provider did not accept the message. The message is
// stored as failed; it is never retried without an explicit resend.
type SendError struct {
	MessageID string
	Reason    client.Reason
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s failed (%s): %v", e.MessageID, e.Reason, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// PersistenceInconsistencyError means the provider accepted the message but
// the local record could not be updated. The customer will still receive it.
type PersistenceInconsistencyError struct {
	MessageID         string
	ProviderMessageID string
	Err               error
}

func (e *PersistenceInconsistencyError) Error() string {
	return fmt.Sprintf("message %s accepted by provider as %s but not recorded: %v",
		e.MessageID, e.ProviderMessageID, e.Err)
}

func (e *PersistenceInconsistencyError) Unwrap() error { return e.Err }
