package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/LeventeLantos/whatsapp-crm/internal/cache"
	"github.com/LeventeLantos/whatsapp-crm/internal/events"
	"github.com/LeventeLantos/whatsapp-crm/internal/ids"
	"github.com/LeventeLantos/whatsapp-crm/internal/metrics"
	"github.com/LeventeLantos/whatsapp-crm/internal/model"
	"github.com/LeventeLantos/whatsapp-crm/internal/repo"
	"github.com/LeventeLantos/whatsapp-crm/internal/webhook"
)

// ActivityObserver is told when a contact proves recent activity.
type ActivityObserver interface {
	Touch(ctx context.Context, contactID string, seenAt time.Time)
}

type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeIgnored Outcome = "ignored"
	OutcomeDropped Outcome = "dropped"
)

type Reconciler struct {
	messages repo.MessageRepository
	contacts repo.ContactRepository

	cache    cache.MessageCache
	events   events.Publisher
	activity ActivityObserver
	metrics  *metrics.Metrics
	log      *slog.Logger

	now   func() time.Time
	newID func(time.Time) (string, error)
}

func NewReconciler(messages repo.MessageRepository, contacts repo.ContactRepository) *Reconciler {
	return &Reconciler{
		messages: messages,
		contacts: contacts,
		events:   events.Nop{},
		metrics:  metrics.NewNop(),
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    ids.NewULID,
	}
}

func (r *Reconciler) WithCache(c cache.MessageCache) *Reconciler {
	r.cache = c
	return r
}

func (r *Reconciler) WithEvents(p events.Publisher) *Reconciler {
	if p != nil {
		r.events = p
	}
	return r
}

func (r *Reconciler) WithActivity(a ActivityObserver) *Reconciler {
	r.activity = a
	return r
}

func (r *Reconciler) WithMetrics(m *metrics.Metrics) *Reconciler {
	if m != nil {
		r.metrics = m
	}
	return r
}

func (r *Reconciler) WithLogger(l *slog.Logger) *Reconciler {
	if l != nil {
		r.log = l
	}
	return r
}

func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	if now != nil {
		r.now = now
	}
	return r
}

// ApplyStatusEvent applies a delivery report if it moves the message forward.
// Duplicates, stale reports and reports for unknown ids are not errors.
func (r *Reconciler) ApplyStatusEvent(ctx context.Context, ev model.StatusEvent) (Outcome, error) {
	ev.ProviderMessageID = strings.TrimSpace(ev.ProviderMessageID)
	if ev.ProviderMessageID == "" {
		return "", fmt.Errorf("%w: missing message id", ErrMalformedEvent)
	}
	switch ev.Status {
	case model.Sent, model.Delivered, model.Read, model.Failed:
	default:
		return "", fmt.Errorf("%w: unsupported status %q", ErrMalformedEvent, ev.Status)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now()
	}

	res, err := r.messages.ApplyStatus(ctx, ev)
	if err != nil {
		return "", fmt.Errorf("apply status %s to %s: %w", ev.Status, ev.ProviderMessageID, err)
	}

	switch {
	case !res.Found:
		r.metrics.StatusEventsTotal.WithLabelValues(string(OutcomeDropped)).Inc()
		r.logDrop(ctx, ev)
		return OutcomeDropped, nil
	case !res.Applied:
		r.metrics.StatusEventsTotal.WithLabelValues(string(OutcomeIgnored)).Inc()
		r.log.Debug("status event ignored",
			"provider_message_id", ev.ProviderMessageID,
			"status", ev.Status,
			"current", res.Message.Status,
		)
		return OutcomeIgnored, nil
	}

	r.metrics.StatusEventsTotal.WithLabelValues(string(OutcomeApplied)).Inc()
	r.events.Publish(events.Event{Type: events.MessageStatus, Message: &res.Message, At: r.now()})
	return OutcomeApplied, nil
}

// logDrop distinguishes ids we never sent from ids the provider accepted
// but whose local record was lost.
func (r *Reconciler) logDrop(ctx context.Context, ev model.StatusEvent) {
	if r.cache != nil {
		entry, err := r.cache.LookupSent(ctx, ev.ProviderMessageID)
		switch {
		case err == nil:
			r.log.Warn("status event for message missing locally",
				"provider_message_id", ev.ProviderMessageID,
				"message_id", entry.MessageID,
				"sent_at", entry.SentAt,
				"status", ev.Status,
			)
			return
		case !errors.Is(err, cache.ErrMiss):
			r.log.Warn("sent ledger lookup failed", "provider_message_id", ev.ProviderMessageID, "err", err)
		}
	}
	r.log.Info("status event dropped: unknown message",
		"provider_message_id", ev.ProviderMessageID,
		"status", ev.Status,
	)
}

// ApplyInboundMessage records a customer message for every contact that
// shares the sender address and marks those contacts as recently seen.
func (r *Reconciler) ApplyInboundMessage(ctx context.Context, in model.InboundMessage) (int, error) {
	in.ProviderMessageID = strings.TrimSpace(in.ProviderMessageID)
	if in.ProviderMessageID == "" {
		return 0, fmt.Errorf("%w: missing message id", ErrMalformedEvent)
	}
	if model.NormalizeAddress(in.From) == "" {
		return 0, fmt.Errorf("%w: missing sender", ErrMalformedEvent)
	}
	if !in.Kind.Valid() {
		return 0, fmt.Errorf("%w: unsupported kind %q", ErrMalformedEvent, in.Kind)
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = r.now()
	}

	contacts, err := r.contacts.FindByAddress(ctx, in.From)
	if err != nil {
		return 0, fmt.Errorf("resolve sender %s: %w", in.From, err)
	}
	if len(contacts) == 0 {
		r.metrics.InboundMessagesTotal.WithLabelValues("no_contact").Inc()
		r.log.Info("inbound message dropped: unknown sender",
			"from", in.From,
			"provider_message_id", in.ProviderMessageID,
		)
		return 0, nil
	}

	var (
		created int
		errs    []error
	)
	for _, c := range contacts {
		ok, err := r.recordInbound(ctx, c, in)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			created++
		}
	}
	return created, errors.Join(errs...)
}

func (r *Reconciler) recordInbound(ctx context.Context, c model.Contact, in model.InboundMessage) (bool, error) {
	seenKey := c.ID + ":" + in.ProviderMessageID
	if r.cache != nil {
		seen, err := r.cache.SeenInbound(ctx, seenKey)
		if err != nil {
			// The store's unique index still de-duplicates.
			r.log.Warn("inbound seen lookup failed", "key", seenKey, "err", err)
		} else if seen {
			r.metrics.InboundMessagesTotal.WithLabelValues("duplicate").Inc()
			return false, nil
		}
	}

	now := r.now()
	id, err := r.newID(in.Timestamp)
	if err != nil {
		return false, fmt.Errorf("generate message id: %w", err)
	}

	providerID := in.ProviderMessageID
	msg := model.Message{
		ID:                id,
		ProviderMessageID: &providerID,
		ConversationID:    c.ID,
		Content:           in.Content,
		Kind:              in.Kind,
		MediaRef:          in.MediaRef,
		MediaMime:         in.MediaMime,
		Direction:         model.Incoming,
		Status:            model.Delivered,
		CreatedAt:         in.Timestamp.UTC(),
		UpdatedAt:         now,
	}

	inserted, err := r.messages.InsertInbound(ctx, msg)
	if err != nil {
		r.metrics.InboundMessagesTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("record inbound %s for contact %s: %w", providerID, c.ID, err)
	}
	r.markSeen(ctx, seenKey)
	if !inserted {
		r.metrics.InboundMessagesTotal.WithLabelValues("duplicate").Inc()
		return false, nil
	}

	r.metrics.InboundMessagesTotal.WithLabelValues("created").Inc()
	r.events.Publish(events.Event{Type: events.MessageCreated, Message: &msg, At: now})

	if err := r.contacts.TouchLastSeen(ctx, c.ID, in.Timestamp); err != nil {
		r.log.Warn("failed to update last seen", "contact_id", c.ID, "err", err)
	}
	if r.activity != nil {
		r.activity.Touch(ctx, c.ID, in.Timestamp)
	}
	return true, nil
}

// markSeen records a stored inbound message so redeliveries skip the store.
func (r *Reconciler) markSeen(ctx context.Context, key string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.MarkInbound(ctx, key); err != nil {
		r.log.Warn("failed to mark inbound as seen", "key", key, "err", err)
	}
}

type BatchReport struct {
	StatusApplied  int `json:"statusApplied"`
	StatusIgnored  int `json:"statusIgnored"`
	StatusDropped  int `json:"statusDropped"`
	InboundCreated int `json:"inboundCreated"`
	Rejected       int `json:"rejected"`
	Failed         int `json:"failed"`
}

// ApplyBatch processes every event of one webhook delivery independently.
// Nothing here is returned to the provider; problems are logged and counted.
func (r *Reconciler) ApplyBatch(ctx context.Context, b webhook.Batch) BatchReport {
	var rep BatchReport

	for _, rj := range b.Rejected {
		rep.Rejected++
		r.log.Warn("webhook event rejected", "kind", rj.Kind, "reason", rj.Reason)
	}

	for _, in := range b.Inbound {
		n, err := r.ApplyInboundMessage(ctx, in)
		rep.InboundCreated += n
		if err != nil {
			r.countFailure(&rep, err, "provider_message_id", in.ProviderMessageID, "from", in.From)
		}
	}

	for _, ev := range b.Statuses {
		out, err := r.ApplyStatusEvent(ctx, ev)
		if err != nil {
			r.countFailure(&rep, err, "provider_message_id", ev.ProviderMessageID, "status", ev.Status)
			continue
		}
		switch out {
		case OutcomeApplied:
			rep.StatusApplied++
		case OutcomeIgnored:
			rep.StatusIgnored++
		case OutcomeDropped:
			rep.StatusDropped++
		}
	}

	return rep
}

func (r *Reconciler) countFailure(rep *BatchReport, err error, attrs ...any) {
	if errors.Is(err, ErrMalformedEvent) {
		rep.Rejected++
		r.log.Warn("webhook event rejected", append(attrs, "err", err)...)
		return
	}
	rep.Failed++
	r.log.Error("webhook event failed", append(attrs, "err", err)...)
}
