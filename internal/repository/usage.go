package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/copypaste/relay-server-go/internal/model"
)

const usageSchema = `
CREATE TABLE IF NOT EXISTS usage_events (
	id         BIGSERIAL PRIMARY KEY,
	event_type TEXT NOT NULL,
	token_kind TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS usage_events_created_at_idx ON usage_events (created_at);
`

type UsageRepository interface {
	EnsureSchema(ctx context.Context) error
	Create(ctx context.Context, params model.CreateUsageEventParams) (*model.UsageEvent, error)
	FindLatest(ctx context.Context, eventType model.UsageEventType) (*model.UsageEvent, error)
	CountSince(ctx context.Context, since time.Time) ([]model.UsageCount, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type usageRepo struct {
	db *sqlx.DB
}

func NewUsageRepository(db *sqlx.DB) UsageRepository {
	return &usageRepo{db: db}
}

func (r *usageRepo) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, usageSchema)
	return err
}

func (r *usageRepo) Create(ctx context.Context, params model.CreateUsageEventParams) (*model.UsageEvent, error) {
	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var ev model.UsageEvent
	err := r.db.GetContext(ctx, &ev, `
		INSERT INTO usage_events (event_type, token_kind, created_at)
		VALUES ($1, $2, $3)
		RETURNING *
	`, params.Type, params.TokenKind, createdAt)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *usageRepo) FindLatest(ctx context.Context, eventType model.UsageEventType) (*model.UsageEvent, error) {
	var ev model.UsageEvent
	err := r.db.GetContext(ctx, &ev, `
		SELECT * FROM usage_events
		WHERE event_type = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, eventType)
	return HandleNotFound(&ev, err)
}

func (r *usageRepo) CountSince(ctx context.Context, since time.Time) ([]model.UsageCount, error) {
	var counts []model.UsageCount
	err := r.db.SelectContext(ctx, &counts, `
		SELECT event_type, COUNT(*) AS count
		FROM usage_events
		WHERE created_at >= $1
		GROUP BY event_type
		ORDER BY event_type
	`, since)
	return counts, err
}

func (r *usageRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM usage_events WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
