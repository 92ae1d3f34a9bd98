// Package events fans out store changes to whoever renders them.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/LeventeLantos/whatsapp-crm/internal/model"
)

type Type string

const (
	MessageCreated  Type = "message.created"
	MessageStatus   Type = "message.status"
	ContactPresence Type = "contact.presence"
)

type Event struct {
	Type    Type           `json:"type"`
	Message *model.Message `json:"message,omitempty"`
	Contact *model.Contact `json:"contact,omitempty"`
	At      time.Time      `json:"at"`
}

// Publisher is the observer side consumed by the core components.
type Publisher interface {
	Publish(ev Event)
}

// Bus delivers events to subscribers without ever blocking the publisher;
// a subscriber whose buffer is full misses the event.
type Bus struct {
	log *slog.Logger

	mu   sync.RWMutex
	next int
	subs map[int]chan Event
}

var _ Publisher = (*Bus)(nil)

func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log:  log,
		subs: make(map[int]chan Event),
	}
}

// Subscribe registers a subscriber. The returned cancel func is idempotent
// and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn("event dropped for slow subscriber", "subscriber", id, "type", ev.Type)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}
