package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LeventeLantos/whatsapp-crm/internal/model"
)

type PostgresMessageRepo struct {
	pool *pgxpool.Pool
}

var _ MessageRepository = (*PostgresMessageRepo)(nil)

func NewPostgresMessageRepo(pool *pgxpool.Pool) *PostgresMessageRepo {
	return &PostgresMessageRepo{pool: pool}
}

const messageColumns = `id, provider_message_id, conversation_id, content, kind, media_ref, media_mime,
	template_language, direction, status, failure_reason, created_at, updated_at`

// statusRankSQL mirrors model.Status.Rank for the guarded update.
const statusRankSQL = `CASE status
		WHEN 'sending' THEN -1
		WHEN 'sent' THEN 0
		WHEN 'delivered' THEN 1
		WHEN 'read' THEN 2
	END`

func (r *PostgresMessageRepo) Get(ctx context.Context, id string) (model.Message, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

func (r *PostgresMessageRepo) GetByProviderID(ctx context.Context, providerMessageID string) (model.Message, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE provider_message_id = $1 AND direction = 'outgoing'
	`, providerMessageID)
	return scanMessage(row)
}

func (r *PostgresMessageRepo) Insert(ctx context.Context, m model.Message) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		m.ID, m.ProviderMessageID, m.ConversationID, m.Content, string(m.Kind), m.MediaRef, m.MediaMime,
		m.TemplateLanguage, string(m.Direction), string(m.Status), m.FailureReason, m.CreatedAt.UTC(), stamp(m.UpdatedAt),
	)
	return err
}

func (r *PostgresMessageRepo) Update(ctx context.Context, id string, upd MessageUpdate) (model.Message, error) {
	var status *string
	if upd.Status != nil {
		s := string(*upd.Status)
		status = &s
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE messages
		SET status = COALESCE($2, status),
		    provider_message_id = COALESCE($3, provider_message_id),
		    failure_reason = COALESCE($4, failure_reason),
		    updated_at = $5
		WHERE id = $1
		RETURNING `+messageColumns,
		id, status, upd.ProviderMessageID, upd.FailureReason, stamp(upd.UpdatedAt),
	)
	return scanMessage(row)
}

func (r *PostgresMessageRepo) MarkSent(ctx context.Context, id, providerMessageID string, at time.Time) (model.Message, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE messages
		SET status = 'sent',
		    provider_message_id = $2,
		    updated_at = $3
		WHERE id = $1 AND status = 'sending'
		RETURNING `+messageColumns,
		id, providerMessageID, stamp(at),
	)
	return scanMessage(row)
}

func (r *PostgresMessageRepo) MarkFailed(ctx context.Context, id, reason string, at time.Time) (model.Message, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE messages
		SET status = 'failed',
		    failure_reason = $2,
		    updated_at = $3
		WHERE id = $1 AND status NOT IN ('failed', 'read')
		RETURNING `+messageColumns,
		id, reason, stamp(at),
	)
	return scanMessage(row)
}

// ApplyStatus performs the rank check inside the UPDATE so concurrent
// duplicate deliveries cannot interleave a read-modify-write.
func (r *PostgresMessageRepo) ApplyStatus(ctx context.Context, ev model.StatusEvent) (StatusResult, error) {
	newRank, ranked := ev.Status.Rank()
	if !ranked && ev.Status != model.Failed {
		return StatusResult{}, errors.New("unknown status " + string(ev.Status))
	}

	var reason *string
	if ev.Status == model.Failed && ev.FailureReason != "" {
		reason = &ev.FailureReason
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE messages
		SET status = $2,
		    failure_reason = COALESCE($4, failure_reason),
		    updated_at = $5
		WHERE provider_message_id = $1
		  AND direction = 'outgoing'
		  AND status NOT IN ('failed', 'read')
		  AND ($2 = 'failed' OR `+statusRankSQL+` < $3)
		RETURNING `+messageColumns,
		ev.ProviderMessageID, string(ev.Status), newRank, reason, stamp(ev.Timestamp),
	)

	m, err := scanMessage(row)
	if err == nil {
		return StatusResult{Message: m, Found: true, Applied: true}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return StatusResult{}, err
	}

	current, err := r.GetByProviderID(ctx, ev.ProviderMessageID)
	if errors.Is(err, ErrNotFound) {
		return StatusResult{}, nil
	}
	if err != nil {
		return StatusResult{}, err
	}
	return StatusResult{Message: current, Found: true}, nil
}

func (r *PostgresMessageRepo) InsertInbound(ctx context.Context, m model.Message) (bool, error) {
	if m.ProviderMessageID == nil || *m.ProviderMessageID == "" {
		return false, errors.New("inbound message requires a provider id")
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (conversation_id, provider_message_id) WHERE provider_message_id IS NOT NULL
		DO NOTHING
	`,
		m.ID, m.ProviderMessageID, m.ConversationID, m.Content, string(m.Kind), m.MediaRef, m.MediaMime,
		m.TemplateLanguage, string(model.Incoming), string(m.Status), m.FailureReason, m.CreatedAt.UTC(), stamp(m.UpdatedAt),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresMessageRepo) ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2 OFFSET $3
	`, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(row pgx.Row) (model.Message, error) {
	var (
		m                         model.Message
		kind, direction, status   string
		providerID, failureReason *string
	)
	err := row.Scan(
		&m.ID,
		&providerID,
		&m.ConversationID,
		&m.Content,
		&kind,
		&m.MediaRef,
		&m.MediaMime,
		&m.TemplateLanguage,
		&direction,
		&status,
		&failureReason,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, ErrNotFound
	}
	if err != nil {
		return model.Message{}, err
	}

	m.Kind = model.Kind(kind)
	m.Direction = model.Direction(direction)
	m.Status = model.Status(status)
	m.ProviderMessageID = providerID
	m.FailureReason = failureReason
	return m, nil
}
