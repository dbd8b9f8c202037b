package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cadence-cli/internal/progress"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS cycle_events (
        id          BIGSERIAL PRIMARY KEY,
        run_id      TEXT NOT NULL,
        session_id  TEXT NOT NULL,
        kind        TEXT NOT NULL,
        detail      TEXT NOT NULL DEFAULT '',
        vote_count  INTEGER NOT NULL DEFAULT 0,
        occurred_at TIMESTAMPTZ NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS cycle_events_run_session ON cycle_events (run_id, session_id)`,
	`CREATE TABLE IF NOT EXISTS session_totals (
        run_id     TEXT NOT NULL,
        session_id TEXT NOT NULL,
        votes      INTEGER NOT NULL DEFAULT 0,
        updated_at TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (run_id, session_id)
    )`,
}

var eventColumns = []string{"run_id", "session_id", "kind", "detail", "vote_count", "occurred_at"}

// Store persists progress events and per-session vote totals in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ progress.EventStore = (*Store)(nil)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the tables if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	s.log.Debug("Schema ensured.")
	return nil
}

// PersistEvents copies a batch of events and raises the session totals they
// imply, in one transaction.
func (s *Store) PersistEvents(ctx context.Context, events []progress.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if err := s.copyEvents(ctx, tx, events); err != nil {
		return err
	}
	if err := s.upsertTotals(ctx, tx, events); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) copyEvents(ctx context.Context, tx pgx.Tx, events []progress.Event) error {
	rows := make([][]any, len(events))
	for i, e := range events {
		rows[i] = []any{e.RunID, e.SessionID, string(e.Kind), e.Detail, e.VoteCount, e.Timestamp}
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"cycle_events"}, eventColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy events: %w", err)
	}
	if int(copyCount) != len(events) {
		return fmt.Errorf("mismatch in copied events count: expected %d, got %d", len(events), copyCount)
	}
	return nil
}

type sessionKey struct{ run, session string }

type sessionTotal struct {
	votes int
	at    time.Time
}

// upsertTotals keeps the highest vote count seen per session. Counts only
// grow, so GREATEST makes replays and out-of-order batches harmless.
func (s *Store) upsertTotals(ctx context.Context, tx pgx.Tx, events []progress.Event) error {
	totals := make(map[sessionKey]sessionTotal)
	var order []sessionKey
	for _, e := range events {
		if e.Kind != progress.VoteConfirmed {
			continue
		}
		k := sessionKey{e.RunID, e.SessionID}
		cur, ok := totals[k]
		if !ok {
			order = append(order, k)
		}
		if !ok || e.VoteCount > cur.votes {
			totals[k] = sessionTotal{votes: e.VoteCount, at: e.Timestamp}
		}
	}

	sql := `
        INSERT INTO session_totals (run_id, session_id, votes, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (run_id, session_id) DO UPDATE SET
            votes = GREATEST(session_totals.votes, EXCLUDED.votes),
            updated_at = EXCLUDED.updated_at;
    `
	for _, k := range order {
		t := totals[k]
		if _, err := tx.Exec(ctx, sql, k.run, k.session, t.votes, t.at); err != nil {
			return fmt.Errorf("failed to upsert total for session %s: %w", k.session, err)
		}
	}
	return nil
}

// HistoricalTotal returns the votes recorded by every run so far.
func (s *Store) HistoricalTotal(ctx context.Context) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(votes), 0) FROM session_totals`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to query historical total: %w", err)
	}
	return total, nil
}
