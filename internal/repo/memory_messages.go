package repo

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/whatsapp-crm/internal/model"
)

// MemoryMessageRepo is the fallback message store used when POSTGRES_URL is
// not set, and the store the service tests run against.
type MemoryMessageRepo struct {
	mu       sync.Mutex
	messages map[string]model.Message
	byWamid  map[string]string // outgoing provider id -> message id
	inbound  map[string]struct{}
}

var _ MessageRepository = (*MemoryMessageRepo)(nil)

func NewMemoryMessageRepo() *MemoryMessageRepo {
	return &MemoryMessageRepo{
		messages: make(map[string]model.Message),
		byWamid:  make(map[string]string),
		inbound:  make(map[string]struct{}),
	}
}

func inboundKey(conversationID, providerID string) string {
	return conversationID + "\x00" + providerID
}

func (s *MemoryMessageRepo) Get(ctx context.Context, id string) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return model.Message{}, ErrNotFound
	}
	return clone(m), nil
}

func (s *MemoryMessageRepo) GetByProviderID(ctx context.Context, providerMessageID string) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byWamid[providerMessageID]
	if !ok {
		return model.Message{}, ErrNotFound
	}
	return clone(s.messages[id]), nil
}

func (s *MemoryMessageRepo) Insert(ctx context.Context, m model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.ID == "" {
		return errors.New("message id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[m.ID]; ok {
		return errors.New("duplicate message id")
	}
	s.messages[m.ID] = clone(m)
	s.indexLocked(m)
	return nil
}

func (s *MemoryMessageRepo) indexLocked(m model.Message) {
	if m.ProviderMessageID == nil {
		return
	}
	if m.Direction == model.Incoming {
		s.inbound[inboundKey(m.ConversationID, *m.ProviderMessageID)] = struct{}{}
		return
	}
	s.byWamid[*m.ProviderMessageID] = m.ID
}

func (s *MemoryMessageRepo) Update(ctx context.Context, id string, upd MessageUpdate) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return model.Message{}, ErrNotFound
	}
	if upd.Status != nil {
		m.Status = *upd.Status
	}
	if upd.ProviderMessageID != nil {
		m.ProviderMessageID = ptr(*upd.ProviderMessageID)
	}
	if upd.FailureReason != nil {
		m.FailureReason = ptr(*upd.FailureReason)
	}
	m.UpdatedAt = stamp(upd.UpdatedAt)
	s.messages[id] = m
	s.indexLocked(m)
	return clone(m), nil
}

func (s *MemoryMessageRepo) MarkSent(ctx context.Context, id, providerMessageID string, at time.Time) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok || m.Status != model.Sending {
		return model.Message{}, ErrNotFound
	}
	m.Status = model.Sent
	m.ProviderMessageID = ptr(providerMessageID)
	m.UpdatedAt = stamp(at)
	s.messages[id] = m
	s.indexLocked(m)
	return clone(m), nil
}

func (s *MemoryMessageRepo) MarkFailed(ctx context.Context, id, reason string, at time.Time) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok || m.Status.Terminal() {
		return model.Message{}, ErrNotFound
	}
	m.Status = model.Failed
	m.FailureReason = ptr(reason)
	m.UpdatedAt = stamp(at)
	s.messages[id] = m
	return clone(m), nil
}

func (s *MemoryMessageRepo) ApplyStatus(ctx context.Context, ev model.StatusEvent) (StatusResult, error) {
	if err := ctx.Err(); err != nil {
		return StatusResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byWamid[ev.ProviderMessageID]
	if !ok {
		return StatusResult{}, nil
	}
	m := s.messages[id]
	if !model.CanTransition(m.Status, ev.Status) {
		return StatusResult{Message: clone(m), Found: true}, nil
	}

	m.Status = ev.Status
	if ev.Status == model.Failed && ev.FailureReason != "" {
		m.FailureReason = ptr(ev.FailureReason)
	}
	m.UpdatedAt = stamp(ev.Timestamp)
	s.messages[id] = m
	return StatusResult{Message: clone(m), Found: true, Applied: true}, nil
}

func (s *MemoryMessageRepo) InsertInbound(ctx context.Context, m model.Message) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if m.ProviderMessageID == nil || *m.ProviderMessageID == "" {
		return false, errors.New("inbound message requires a provider id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.inbound[inboundKey(m.ConversationID, *m.ProviderMessageID)]; dup {
		return false, nil
	}
	s.messages[m.ID] = clone(m)
	s.indexLocked(m)
	return true, nil
}

func (s *MemoryMessageRepo) ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.Lock()
	var out []model.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, clone(m))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(m model.Message) model.Message {
	if m.ProviderMessageID != nil {
		m.ProviderMessageID = ptr(*m.ProviderMessageID)
	}
	if m.FailureReason != nil {
		m.FailureReason = ptr(*m.FailureReason)
	}
	return m
}

func ptr[T any](v T) *T { return &v }

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
