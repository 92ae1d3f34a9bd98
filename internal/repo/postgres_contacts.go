package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LeventeLantos/whatsapp-crm/internal/model"
)

type PostgresContactRepo struct {
	pool *pgxpool.Pool
}

var _ ContactRepository = (*PostgresContactRepo)(nil)

func NewPostgresContactRepo(pool *pgxpool.Pool) *PostgresContactRepo {
	return &PostgresContactRepo{pool: pool}
}

const contactColumns = `id, name, phone, last_seen_at, is_online`

func (r *PostgresContactRepo) Get(ctx context.Context, id string) (model.Contact, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id)
	c, err := scanContact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Contact{}, ErrNotFound
	}
	return c, err
}

func (r *PostgresContactRepo) ListContacts(ctx context.Context) ([]model.Contact, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+contactColumns+` FROM contacts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return collectContacts(rows)
}

func (r *PostgresContactRepo) FindByAddress(ctx context.Context, address string) ([]model.Contact, error) {
	digits := model.NormalizeAddress(address)
	if digits == "" {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE phone_digits = $1
		ORDER BY id
	`, digits)
	if err != nil {
		return nil, err
	}
	return collectContacts(rows)
}

func (r *PostgresContactRepo) UpdateOnlineStatus(ctx context.Context, id string, online bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE contacts SET is_online = $2 WHERE id = $1`, id, online)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresContactRepo) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE contacts
		SET last_seen_at = GREATEST(COALESCE(last_seen_at, $2), $2)
		WHERE id = $1
	`, id, at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresContactRepo) Upsert(ctx context.Context, c model.Contact) error {
	if c.ID == "" {
		return errors.New("contact id is required")
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO contacts (id, name, phone, phone_digits, last_seen_at, is_online)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    phone = EXCLUDED.phone,
		    phone_digits = EXCLUDED.phone_digits,
		    last_seen_at = EXCLUDED.last_seen_at,
		    is_online = EXCLUDED.is_online
	`, c.ID, c.Name, c.Phone, model.NormalizeAddress(c.Phone), c.LastSeenAt, c.IsOnline)
	return err
}

func collectContacts(rows pgx.Rows) ([]model.Contact, error) {
	defer rows.Close()

	var out []model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanContact(row pgx.Row) (model.Contact, error) {
	var c model.Contact
	err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.LastSeenAt, &c.IsOnline)
	return c, err
}
