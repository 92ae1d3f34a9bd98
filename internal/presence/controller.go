// Package presence keeps each contact's derived online flag in line with
// its last observed activity.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/LeventeLantos/whatsapp-crm/internal/events"
	"github.com/LeventeLantos/whatsapp-crm/internal/metrics"
	"github.com/LeventeLantos/whatsapp-crm/internal/model"
	"github.com/LeventeLantos/whatsapp-crm/internal/repo"
	"github.com/LeventeLantos/whatsapp-crm/internal/scheduler"
)

type Config struct {
	BaseInterval    time.Duration
	MaxInterval     time.Duration
	BackoffStep     time.Duration
	Quiet           time.Duration
	OnlineThreshold time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseInterval:    15 * time.Second,
		MaxInterval:     90 * time.Second,
		BackoffStep:     15 * time.Second,
		Quiet:           10 * time.Minute,
		OnlineThreshold: 5 * time.Minute,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.BaseInterval <= 0 {
		errs = append(errs, errors.New("base interval must be > 0"))
	}
	if c.MaxInterval < c.BaseInterval {
		errs = append(errs, errors.New("max interval must be >= base interval"))
	}
	if c.BackoffStep < 0 {
		errs = append(errs, errors.New("backoff step must be >= 0"))
	}
	if c.Quiet < 0 {
		errs = append(errs, errors.New("quiet period must be >= 0"))
	}
	if c.OnlineThreshold <= 0 {
		errs = append(errs, errors.New("online threshold must be > 0"))
	}
	return errors.Join(errs...)
}

// Status is a point-in-time view of the refresh loop.
type Status struct {
	Running         bool      `json:"running"`
	IntervalSeconds float64   `json:"intervalSeconds"`
	LastChangeAt    time.Time `json:"lastChangeAt"`
	LastTickAt      time.Time `json:"lastTickAt,omitzero"`
}

type Controller struct {
	contacts repo.ContactRepository
	cfg      Config
	backoff  *Backoff
	sched    *scheduler.Scheduler

	events  events.Publisher
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	lastTick time.Time
}

func NewController(contacts repo.ContactRepository, cfg Config) (*Controller, error) {
	if contacts == nil {
		return nil, errors.New("contacts repository must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("presence config: %w", err)
	}

	c := &Controller{
		contacts: contacts,
		cfg:      cfg,
		events:   events.Nop{},
		metrics:  metrics.NewNop(),
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	c.backoff = NewBackoff(cfg, c.now())

	sched, err := scheduler.NewAdaptive(c.backoff.Interval, func(ctx context.Context) {
		_ = c.Tick(ctx)
	})
	if err != nil {
		return nil, err
	}
	c.sched = sched
	return c, nil
}

func (c *Controller) WithEvents(p events.Publisher) *Controller {
	if p != nil {
		c.events = p
	}
	return c
}

func (c *Controller) WithMetrics(m *metrics.Metrics) *Controller {
	if m != nil {
		c.metrics = m
	}
	return c
}

func (c *Controller) WithLogger(l *slog.Logger) *Controller {
	if l != nil {
		c.log = l
		c.sched.WithLogger(l)
	}
	return c
}

func (c *Controller) WithClock(now func() time.Time) *Controller {
	if now != nil {
		c.now = now
		c.backoff.Reset(now())
	}
	return c
}

// Start begins a refresh session. It returns false if one is running.
func (c *Controller) Start() bool {
	if c.sched.IsRunning() {
		return false
	}
	c.backoff.Reset(c.now())
	c.metrics.PresenceIntervalSeconds.Set(c.backoff.Interval().Seconds())
	return c.sched.Start()
}

// Stop ends the session and waits for an in-flight tick to return.
func (c *Controller) Stop() bool {
	return c.sched.Stop()
}

func (c *Controller) IsRunning() bool {
	return c.sched.IsRunning()
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	lastTick := c.lastTick
	c.mu.Unlock()

	return Status{
		Running:         c.sched.IsRunning(),
		IntervalSeconds: c.backoff.Interval().Seconds(),
		LastChangeAt:    c.backoff.LastChange(),
		LastTickAt:      lastTick,
	}
}

// Contact loads a contact with its online flag derived at read time, so a
// reader never sees a value older than the last activity allows.
func (c *Controller) Contact(ctx context.Context, id string) (model.Contact, error) {
	ct, err := c.contacts.Get(ctx, id)
	if err != nil {
		return model.Contact{}, err
	}
	ct.IsOnline = model.IsOnline(ct.LastSeenAt, c.now(), c.cfg.OnlineThreshold)
	return ct, nil
}

func (c *Controller) Contacts(ctx context.Context) ([]model.Contact, error) {
	list, err := c.contacts.ListContacts(ctx)
	if err != nil {
		return nil, err
	}
	now := c.now()
	for i := range list {
		list[i].IsOnline = model.IsOnline(list[i].LastSeenAt, now, c.cfg.OnlineThreshold)
	}
	return list, nil
}

// Tick recomputes every contact's online flag and writes the ones that
// flipped. A failed listing leaves the interval untouched.
func (c *Controller) Tick(ctx context.Context) error {
	now := c.now()

	c.mu.Lock()
	c.lastTick = now
	c.mu.Unlock()

	list, err := c.contacts.ListContacts(ctx)
	if err != nil {
		c.metrics.PresenceTicksTotal.WithLabelValues("error").Inc()
		c.log.Warn("presence refresh failed", "err", err)
		return fmt.Errorf("list contacts: %w", err)
	}

	changed := 0
	for _, ct := range list {
		ok, err := c.refresh(ctx, ct, now)
		if err != nil {
			c.log.Warn("presence update failed", "contact_id", ct.ID, "err", err)
			continue
		}
		if ok {
			changed++
		}
	}

	interval := c.backoff.Observe(now, changed > 0)
	c.metrics.PresenceTicksTotal.WithLabelValues("ok").Inc()
	c.metrics.PresenceIntervalSeconds.Set(interval.Seconds())
	c.log.Debug("presence refreshed",
		"contacts", len(list),
		"changed", changed,
		"next_interval", interval.String(),
	)
	return nil
}

// Touch handles fresh activity for one contact: its flag is recomputed
// right away and polling returns to the base interval.
func (c *Controller) Touch(ctx context.Context, contactID string, seenAt time.Time) {
	now := c.now()

	ct, err := c.contacts.Get(ctx, contactID)
	if err != nil {
		c.log.Warn("presence touch: load contact failed", "contact_id", contactID, "err", err)
	} else {
		if ct.LastSeenAt == nil || seenAt.After(*ct.LastSeenAt) {
			ct.LastSeenAt = &seenAt
		}
		if _, err := c.refresh(ctx, ct, now); err != nil {
			c.log.Warn("presence touch: update failed", "contact_id", contactID, "err", err)
		}
	}

	c.backoff.Reset(now)
	c.metrics.PresenceIntervalSeconds.Set(c.backoff.Interval().Seconds())
	c.sched.Wake()
}

func (c *Controller) refresh(ctx context.Context, ct model.Contact, now time.Time) (bool, error) {
	online := model.IsOnline(ct.LastSeenAt, now, c.cfg.OnlineThreshold)
	if online == ct.IsOnline {
		return false, nil
	}
	if err := c.contacts.UpdateOnlineStatus(ctx, ct.ID, online); err != nil {
		return false, err
	}

	ct.IsOnline = online
	c.metrics.PresenceChangesTotal.Inc()
	c.events.Publish(events.Event{Type: events.ContactPresence, Contact: &ct, At: now})
	return true, nil
}
