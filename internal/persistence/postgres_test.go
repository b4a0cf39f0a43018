package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*PostgresRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresRepo(sqlx.NewDb(db, "postgres")), mock
}

func TestSaveTrigger(t *testing.T) {
	repo, mock := newMockRepo(t)
	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO trigger_history`).
		WithArgs("XYZ", "binance", 77.5, "alpha_tier1", ts).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.SaveTrigger(context.Background(), TriggerRow{
		Symbol:      "XYZ",
		Exchange:    "binance",
		Score:       77.5,
		Strategy:    "alpha_tier1",
		TriggeredAt: ts,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveTrigger_ConflictIsNoop(t *testing.T) {
	repo, mock := newMockRepo(t)
	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// ON CONFLICT DO NOTHING reports zero rows affected; not an error.
	mock.ExpectExec(`INSERT INTO trigger_history`).
		WithArgs("XYZ", "binance", 77.5, "alpha_tier1", ts).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SaveTrigger(context.Background(), TriggerRow{
		Symbol: "XYZ", Exchange: "binance", Score: 77.5, Strategy: "alpha_tier1", TriggeredAt: ts,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentTriggers(t *testing.T) {
	repo, mock := newMockRepo(t)
	t1 := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(-time.Hour)

	mock.ExpectQuery(`SELECT id, symbol, exchange, score, strategy, triggered_at`).
		WithArgs("XYZ", 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "symbol", "exchange", "score", "strategy", "triggered_at"}).
			AddRow(2, "XYZ", "binance", 80.0, "alpha_tier1", t1).
			AddRow(1, "XYZ", "okx", 66.0, "multi_confirm", t2))

	rows, err := repo.RecentTriggers(context.Background(), "XYZ", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "alpha_tier1", rows[0].Strategy)
	assert.True(t, rows[0].TriggeredAt.After(rows[1].TriggeredAt), "newest first")
	assert.NoError(t, mock.ExpectationsWereMet())
}
