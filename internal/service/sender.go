package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/whatsapp-crm/internal/cache"
	"github.com/LeventeLantos/whatsapp-crm/internal/client"
	"github.com/LeventeLantos/whatsapp-crm/internal/events"
	"github.com/LeventeLantos/whatsapp-crm/internal/ids"
	"github.com/LeventeLantos/whatsapp-crm/internal/metrics"
	"github.com/LeventeLantos/whatsapp-crm/internal/model"
	"github.com/LeventeLantos/whatsapp-crm/internal/repo"
)

type SendClient interface {
	SendMessage(ctx context.Context, msg client.OutboundMessage) (providerMessageID string, err error)
}

type SenderConfig struct {
	ContentMax      int
	SendTimeout     time.Duration
	BulkConcurrency int
}

type Sender struct {
	client   SendClient
	messages repo.MessageRepository
	contacts repo.ContactRepository

	cache   cache.MessageCache
	events  events.Publisher
	metrics *metrics.Metrics
	log     *slog.Logger

	contentMax   int
	sendTimeout  time.Duration
	writeTimeout time.Duration
	bulkLimit    int

	now   func() time.Time
	newID func(time.Time) (string, error)
}

func NewSender(c SendClient, messages repo.MessageRepository, contacts repo.ContactRepository, cfg SenderConfig) *Sender {
	s := &Sender{
		client:       c,
		messages:     messages,
		contacts:     contacts,
		events:       events.Nop{},
		metrics:      metrics.NewNop(),
		log:          slog.Default(),
		contentMax:   cfg.ContentMax,
		sendTimeout:  cfg.SendTimeout,
		writeTimeout: 10 * time.Second,
		bulkLimit:    cfg.BulkConcurrency,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        ids.NewULID,
	}
	if s.contentMax <= 0 {
		s.contentMax = 4096
	}
	if s.sendTimeout <= 0 {
		s.sendTimeout = 30 * time.Second
	}
	if s.bulkLimit <= 0 {
		s.bulkLimit = 4
	}
	return s
}

// WithCache enables the Redis sent ledger. A nil cache disables it.
func (s *Sender) WithCache(c cache.MessageCache) *Sender {
	s.cache = c
	return s
}

func (s *Sender) WithEvents(p events.Publisher) *Sender {
	if p != nil {
		s.events = p
	}
	return s
}

func (s *Sender) WithMetrics(m *metrics.Metrics) *Sender {
	if m != nil {
		s.metrics = m
	}
	return s
}

func (s *Sender) WithLogger(l *slog.Logger) *Sender {
	if l != nil {
		s.log = l
	}
	return s
}

func (s *Sender) WithClock(now func() time.Time) *Sender {
	if now != nil {
		s.now = now
	}
	return s
}

type SendRequest struct {
	ConversationID   string     `json:"conversationId"`
	Content          string     `json:"content"`
	Kind             model.Kind `json:"kind"`
	MediaRef         string     `json:"mediaRef,omitempty"`
	MediaMime        string     `json:"mediaMime,omitempty"`
	TemplateLanguage string     `json:"templateLanguage,omitempty"`
}

// Pending is a provisional message that has been recorded in sending state
// but not yet handed to the provider.
type Pending struct {
	Message model.Message
	Contact model.Contact
}

// Send validates, records and delivers one message. On a provider failure
// both the failed message and a *SendError are returned.
func (s *Sender) Send(ctx context.Context, req SendRequest) (model.Message, error) {
	p, err := s.Prepare(ctx, req)
	if err != nil {
		return model.Message{}, err
	}
	return s.Deliver(ctx, p)
}

// Prepare validates the request and records the provisional message. It
// never contacts the provider.
func (s *Sender) Prepare(ctx context.Context, req SendRequest) (Pending, error) {
	if req.Kind == "" {
		req.Kind = model.KindText
	}
	if err := s.validate(&req); err != nil {
		return Pending{}, err
	}

	contact, err := s.contacts.Get(ctx, req.ConversationID)
	if errors.Is(err, repo.ErrNotFound) {
		return Pending{}, invalid("conversationId", "unknown contact")
	}
	if err != nil {
		return Pending{}, fmt.Errorf("load contact: %w", err)
	}
	if model.NormalizeAddress(contact.Phone) == "" {
		return Pending{}, invalid("conversationId", "contact has no phone address")
	}

	now := s.now()
	id, err := s.newID(now)
	if err != nil {
		return Pending{}, fmt.Errorf("generate message id: %w", err)
	}

	msg := model.Message{
		ID:             id,
		ConversationID: contact.ID,
		Content:        req.Content,
		Kind:           req.Kind,
		MediaRef:       req.MediaRef,
		MediaMime:      req.MediaMime,
		Direction:      model.Outgoing,
		Status:         model.Sending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.Kind == model.KindTemplate {
		msg.TemplateLanguage = req.TemplateLanguage
	}
	if err := s.messages.Insert(ctx, msg); err != nil {
		return Pending{}, fmt.Errorf("record message: %w", err)
	}

	s.publish(events.MessageCreated, msg)
	return Pending{Message: msg, Contact: contact}, nil
}

func (s *Sender) validate(req *SendRequest) error {
	if strings.TrimSpace(req.ConversationID) == "" {
		return invalid("conversationId", "required")
	}
	if !req.Kind.Valid() {
		return invalid("kind", fmt.Sprintf("unsupported kind %q", req.Kind))
	}

	switch {
	case req.Kind == model.KindText:
		req.Content = strings.TrimSpace(req.Content)
		if req.Content == "" {
			return invalid("content", "must not be empty")
		}
	case req.Kind == model.KindTemplate:
		req.Content = strings.TrimSpace(req.Content)
		if req.Content == "" {
			return invalid("content", "template name required")
		}
	case req.Kind.IsMedia():
		if strings.TrimSpace(req.MediaRef) == "" {
			return invalid("mediaRef", "required for "+string(req.Kind))
		}
	}

	if utf8.RuneCountInString(req.Content) > s.contentMax {
		return invalid("content", fmt.Sprintf("exceeds %d chars", s.contentMax))
	}
	return nil
}

// Deliver hands a prepared message to the provider and records the outcome.
func (s *Sender) Deliver(ctx context.Context, p Pending) (model.Message, error) {
	msg := p.Message

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	start := time.Now()
	remoteID, err := s.client.SendMessage(sendCtx, client.OutboundMessage{
		To:               p.Contact.Phone,
		Kind:             model.DeliveryKind(msg.Kind, msg.MediaMime),
		Content:          msg.Content,
		MediaRef:         msg.MediaRef,
		TemplateLanguage: msg.TemplateLanguage,
	})
	s.metrics.ProviderDuration.Observe(time.Since(start).Seconds())
	providerErr := asProviderError(sendCtx, err)
	cancel()

	// The provider outcome is final; record it even if the caller went away.
	writeCtx, cancelWrite := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancelWrite()

	if providerErr != nil {
		return s.recordFailure(writeCtx, msg, providerErr)
	}
	return s.recordSent(writeCtx, msg, remoteID)
}

func (s *Sender) recordSent(ctx context.Context, msg model.Message, remoteID string) (model.Message, error) {
	now := s.now()
	s.metrics.SendsTotal.WithLabelValues("sent", "").Inc()

	if s.cache != nil {
		if err := s.cache.StoreSent(ctx, msg.ID, remoteID, now); err != nil {
			s.log.Warn("sent ledger write failed", "message_id", msg.ID, "provider_message_id", remoteID, "err", err)
		}
	}

	sent, err := s.messages.MarkSent(ctx, msg.ID, remoteID, now)
	if err != nil {
		s.metrics.PersistenceConflicts.Inc()
		s.log.Error("provider accepted message but local write failed",
			"message_id", msg.ID,
			"provider_message_id", remoteID,
			"conversation_id", msg.ConversationID,
			"err", err,
		)
		msg.Status = model.Sent
		msg.ProviderMessageID = &remoteID
		msg.UpdatedAt = now
		return msg, &PersistenceInconsistencyError{MessageID: msg.ID, ProviderMessageID: remoteID, Err: err}
	}

	s.log.Info("message sent", "message_id", sent.ID, "provider_message_id", remoteID)
	s.publish(events.MessageStatus, sent)
	return sent, nil
}

func (s *Sender) recordFailure(ctx context.Context, msg model.Message, pe *client.ProviderError) (model.Message, error) {
	now := s.now()
	s.metrics.SendsTotal.WithLabelValues("failed", string(pe.Reason)).Inc()
	reason := fmt.Sprintf("%s: %s", pe.Reason, pe.Message)

	failed, err := s.messages.MarkFailed(ctx, msg.ID, reason, now)
	if err != nil {
		s.log.Error("failed to record send failure", "message_id", msg.ID, "reason", reason, "err", err)
		failed = msg
		failed.Status = model.Failed
		failed.FailureReason = &reason
		failed.UpdatedAt = now
	} else {
		s.publish(events.MessageStatus, failed)
	}

	s.log.Warn("message send failed", "message_id", msg.ID, "reason", pe.Reason, "err", pe.Message)
	return failed, &SendError{MessageID: msg.ID, Reason: pe.Reason, Err: pe}
}

// asProviderError normalizes whatever the client returned. A missed
// deadline is a timeout failure, never an unknown outcome.
func asProviderError(ctx context.Context, err error) *client.ProviderError {
	if err == nil {
		return nil
	}
	var pe *client.ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &client.ProviderError{Reason: client.ReasonTimeout, Message: err.Error()}
	}
	return &client.ProviderError{Reason: client.ReasonUnknown, Message: err.Error()}
}

// Resend is the explicit user retry of a failed outgoing message. It sends
// a new message; the failed record keeps its status.
func (s *Sender) Resend(ctx context.Context, messageID string) (model.Message, error) {
	orig, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return model.Message{}, fmt.Errorf("load message %s: %w", messageID, err)
	}
	if orig.Direction != model.Outgoing {
		return model.Message{}, invalid("id", "only outgoing messages can be resent")
	}
	if orig.Status != model.Failed {
		return model.Message{}, invalid("id", fmt.Sprintf("message is %s, not failed", orig.Status))
	}

	return s.Send(ctx, SendRequest{
		ConversationID:   orig.ConversationID,
		Content:          orig.Content,
		Kind:             orig.Kind,
		MediaRef:         orig.MediaRef,
		MediaMime:        orig.MediaMime,
		TemplateLanguage: orig.TemplateLanguage,
	})
}

type BulkRequest struct {
	ConversationIDs  []string   `json:"conversationIds"`
	Content          string     `json:"content"`
	Kind             model.Kind `json:"kind"`
	MediaRef         string     `json:"mediaRef,omitempty"`
	MediaMime        string     `json:"mediaMime,omitempty"`
	TemplateLanguage string     `json:"templateLanguage,omitempty"`
}

type BulkResult struct {
	ConversationID string
	Message        *model.Message
	Err            error
}

// SendBulk sends the same content to every conversation independently. A
// failing recipient never stops the others; results keep request order.
func (s *Sender) SendBulk(ctx context.Context, req BulkRequest) []BulkResult {
	results := make([]BulkResult, len(req.ConversationIDs))

	var g errgroup.Group
	g.SetLimit(s.bulkLimit)

	for i, convID := range req.ConversationIDs {
		results[i].ConversationID = convID
		g.Go(func() error {
			msg, err := s.Send(ctx, SendRequest{
				ConversationID:   convID,
				Content:          req.Content,
				Kind:             req.Kind,
				MediaRef:         req.MediaRef,
				MediaMime:        req.MediaMime,
				TemplateLanguage: req.TemplateLanguage,
			})
			if msg.ID != "" {
				results[i].Message = &msg
			}
			results[i].Err = err
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (s *Sender) publish(t events.Type, m model.Message) {
	s.events.Publish(events.Event{Type: t, Message: &m, At: s.now()})
}
