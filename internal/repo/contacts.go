package repo

import (
	"context"
	"time"

	"github.com/LeventeLantos/whatsapp-crm/internal/model"
)

type ContactRepository interface {
	Get(ctx context.Context, id string) (model.Contact, error)
	ListContacts(ctx context.Context) ([]model.Contact, error)
	// FindByAddress returns every contact whose normalized phone matches.
	FindByAddress(ctx context.Context, address string) ([]model.Contact, error)
	UpdateOnlineStatus(ctx context.Context, id string, online bool) error
	// TouchLastSeen moves last_seen_at forward; older observations are ignored.
	TouchLastSeen(ctx context.Context, id string, at time.Time) error
	Upsert(ctx context.Context, c model.Contact) error
}
