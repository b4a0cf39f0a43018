// Package persistence archives BUY triggers to Postgres for later analysis.
// The archive is optional; the pipeline runs fully without it.
package persistence

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

// TriggerRow is one archived BUY decision.
type TriggerRow struct {
	ID          int64     `db:"id"`
	Symbol      string    `db:"symbol"`
	Exchange    string    `db:"exchange"`
	Score       float64   `db:"score"`
	Strategy    string    `db:"strategy"`
	TriggeredAt time.Time `db:"triggered_at"`
}

// Repo is the trigger archive contract.
type Repo interface {
	SaveTrigger(ctx context.Context, row TriggerRow) error
	RecentTriggers(ctx context.Context, symbol string, limit int) ([]TriggerRow, error)
	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS trigger_history (
	id           BIGSERIAL PRIMARY KEY,
	symbol       TEXT NOT NULL,
	exchange     TEXT NOT NULL,
	score        DOUBLE PRECISION NOT NULL,
	strategy     TEXT NOT NULL,
	triggered_at TIMESTAMPTZ NOT NULL,
	UNIQUE (symbol, triggered_at)
);
CREATE INDEX IF NOT EXISTS idx_trigger_history_symbol ON trigger_history (symbol, triggered_at DESC);
`

// PostgresRepo is the sqlx-backed archive.
type PostgresRepo struct {
	db *sqlx.DB
}

// Open connects and ensures the schema.
func Open(ctx context.Context, dsn string) (*PostgresRepo, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ensure schema")
	}
	return &PostgresRepo{db: db}, nil
}

// NewPostgresRepo wraps an existing handle. Test constructor.
func NewPostgresRepo(db *sqlx.DB) *PostgresRepo { return &PostgresRepo{db: db} }

// SaveTrigger inserts one trigger; replays of the same (symbol, triggered_at)
// are no-ops so at-least-once archiving stays idempotent.
func (r *PostgresRepo) SaveTrigger(ctx context.Context, row TriggerRow) error {
	const q = `
		INSERT INTO trigger_history (symbol, exchange, score, strategy, triggered_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (symbol, triggered_at) DO NOTHING`
	_, err := r.db.ExecContext(ctx, q, row.Symbol, row.Exchange, row.Score, row.Strategy, row.TriggeredAt)
	return errors.Wrap(err, "save trigger")
}

// RecentTriggers returns the newest triggers for a symbol, newest first.
func (r *PostgresRepo) RecentTriggers(ctx context.Context, symbol string, limit int) ([]TriggerRow, error) {
	const q = `
		SELECT id, symbol, exchange, score, strategy, triggered_at
		FROM trigger_history
		WHERE symbol = $1
		ORDER BY triggered_at DESC
		LIMIT $2`
	var rows []TriggerRow
	if err := r.db.SelectContext(ctx, &rows, q, symbol, limit); err != nil {
		return nil, errors.Wrap(err, "recent triggers")
	}
	return rows, nil
}

func (r *PostgresRepo) Close() error { return r.db.Close() }
