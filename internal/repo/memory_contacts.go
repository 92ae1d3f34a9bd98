package repo

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/whatsapp-crm/internal/model"
)

type MemoryContactRepo struct {
	mu       sync.Mutex
	contacts map[string]model.Contact
}

var _ ContactRepository = (*MemoryContactRepo)(nil)

func NewMemoryContactRepo() *MemoryContactRepo {
	return &MemoryContactRepo{contacts: make(map[string]model.Contact)}
}

func (s *MemoryContactRepo) Get(ctx context.Context, id string) (model.Contact, error) {
	if err := ctx.Err(); err != nil {
		return model.Contact{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[id]
	if !ok {
		return model.Contact{}, ErrNotFound
	}
	return cloneContact(c), nil
}

func (s *MemoryContactRepo) ListContacts(ctx context.Context) ([]model.Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, cloneContact(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryContactRepo) FindByAddress(ctx context.Context, address string) ([]model.Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := model.NormalizeAddress(address)
	if want == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Contact
	for _, c := range s.contacts {
		if model.NormalizeAddress(c.Phone) == want {
			out = append(out, cloneContact(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryContactRepo) UpdateOnlineStatus(ctx context.Context, id string, online bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[id]
	if !ok {
		return ErrNotFound
	}
	c.IsOnline = online
	s.contacts[id] = c
	return nil
}

func (s *MemoryContactRepo) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[id]
	if !ok {
		return ErrNotFound
	}
	if c.LastSeenAt == nil || at.After(*c.LastSeenAt) {
		t := at.UTC()
		c.LastSeenAt = &t
	}
	s.contacts[id] = c
	return nil
}

func (s *MemoryContactRepo) Upsert(ctx context.Context, c model.Contact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.ID == "" {
		return errors.New("contact id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.contacts[c.ID] = cloneContact(c)
	return nil
}

func cloneContact(c model.Contact) model.Contact {
	if c.LastSeenAt != nil {
		t := *c.LastSeenAt
		c.LastSeenAt = &t
	}
	return c
}
