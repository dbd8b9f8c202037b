package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cadence-cli/internal/progress"
)

// -- Helpers --

// sqlPattern matches a statement regardless of whitespace layout.
func sqlPattern(sql string) string {
	quoted := regexp.QuoteMeta(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(quoted, `\s+`)
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing().WillReturnError(nil)
	store, err := New(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	return store, mockPool
}

const upsertSQL = `INSERT INTO session_totals (run_id, session_id, votes, updated_at)`

// -- Test Cases --

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestEnsureSchema(t *testing.T) {
	t.Run("should create both tables", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS cycle_events").WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mockPool.ExpectExec("CREATE INDEX IF NOT EXISTS cycle_events_run_session").WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS session_totals").WillReturnResult(pgxmock.NewResult("CREATE", 0))

		require.NoError(t, store.EnsureSchema(context.Background()))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should stop at the first failure", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		denied := errors.New("permission denied")
		mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS cycle_events").WillReturnError(denied)

		err := store.EnsureSchema(context.Background())
		assert.ErrorIs(t, err, denied)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPersistEvents(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("should copy events and keep the highest total per session", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		events := []progress.Event{
			{RunID: "r1", SessionID: "s1", Kind: progress.CycleStarted, Timestamp: now},
			{RunID: "r1", SessionID: "s1", Kind: progress.VoteConfirmed, VoteCount: 1, Timestamp: now},
			{RunID: "r1", SessionID: "s2", Kind: progress.VoteConfirmed, VoteCount: 4, Timestamp: now},
			{RunID: "r1", SessionID: "s1", Kind: progress.VoteConfirmed, VoteCount: 2, Timestamp: now.Add(time.Second)},
		}

		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(pgx.Identifier{"cycle_events"}, eventColumns).WillReturnResult(4)
		mockPool.ExpectExec(sqlPattern(upsertSQL)).
			WithArgs("r1", "s1", 2, now.Add(time.Second)).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(sqlPattern(upsertSQL)).
			WithArgs("r1", "s2", 4, now).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()

		require.NoError(t, store.PersistEvents(ctx, events))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should do nothing for an empty batch", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		require.NoError(t, store.PersistEvents(ctx, nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should handle transaction begin failure", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		beginErr := errors.New("cannot begin tx")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		err := store.PersistEvents(ctx, []progress.Event{{Kind: progress.CycleStarted}})
		assert.ErrorIs(t, err, beginErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should rollback if the copy fails", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		copyErr := errors.New("copy from failed")

		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(pgx.Identifier{"cycle_events"}, eventColumns).WillReturnError(copyErr)
		mockPool.ExpectRollback()

		err := store.PersistEvents(ctx, []progress.Event{{RunID: "r1", SessionID: "s1", Kind: progress.VoteConfirmed, VoteCount: 1}})
		assert.ErrorIs(t, err, copyErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should reject a short copy", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(pgx.Identifier{"cycle_events"}, eventColumns).WillReturnResult(1)
		mockPool.ExpectRollback()

		err := store.PersistEvents(ctx, []progress.Event{{Kind: progress.CycleStarted}, {Kind: progress.ActionClicked}})
		assert.ErrorContains(t, err, "mismatch")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestHistoricalTotal(t *testing.T) {
	t.Run("should sum every session", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		mockPool.ExpectQuery(sqlPattern(`SELECT COALESCE(SUM(votes), 0) FROM session_totals`)).
			WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow(int64(137)))

		total, err := store.HistoricalTotal(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(137), total)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should wrap query errors", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		mockPool.ExpectQuery("SELECT COALESCE").WillReturnError(errors.New("boom"))

		_, err := store.HistoricalTotal(context.Background())
		assert.ErrorContains(t, err, "historical total")
	})
}
