package orchestrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "saga.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLExecutionStore(t *testing.T) {
	db := openTestDB(t)
	store, err := NewSQLExecutionStore(context.Background(), db)
	require.NoError(t, err)
	testExecutionStore(t, store)
}

func TestSQLExecutionStoreUpsert(t *testing.T) {
	db := openTestDB(t)
	store, err := NewSQLExecutionStore(context.Background(), db)
	require.NoError(t, err)

	snap := sampleSnapshot("exec-up")
	require.NoError(t, store.Save(context.Background(), snap))
	snap.Status = ExecutionCompensated
	require.NoError(t, store.Save(context.Background(), snap))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM saga_executions`).Scan(&count))
	assert.Equal(t, 1, count)

	loaded, err := store.Load(context.Background(), "exec-up")
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompensated, loaded.Status)
}

func TestSQLDeadLetterStore(t *testing.T) {
	db := openTestDB(t)
	store, err := NewSQLDeadLetterStore(context.Background(), db)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := store.Add(ctx, FailedEvent{
		Reason:  MaxRetriesExceeded,
		Payload: json.RawMessage(`{"order_id":"o-1"}`),
		Error:   "gave up",
		Source:  "checkout",
		Target:  "charge",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, uint64(1), first.Seq)

	second, err := store.Add(ctx, FailedEvent{Reason: CompensationFailure, Source: "refunds", Target: "refund"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Seq)

	got, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, MaxRetriesExceeded, got.Reason)
	assert.Equal(t, StatusPendingReview, got.Status)
	assert.JSONEq(t, `{"order_id":"o-1"}`, string(got.Payload))

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestSQLDeadLetterListAndFilter(t *testing.T) {
	db := openTestDB(t)
	store, err := NewSQLDeadLetterStore(context.Background(), db)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Add(ctx, FailedEvent{Reason: MaxRetriesExceeded, Source: "checkout", Target: "charge"})
		require.NoError(t, err)
	}
	resolved, err := store.Add(ctx, FailedEvent{Reason: MaxRetriesExceeded, Source: "checkout", Target: "ship"})
	require.NoError(t, err)
	require.NoError(t, store.Resolve(ctx, resolved.ID, "handled"))

	page, err := store.List(ctx, DeadLetterFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total, "resolved entries are out of the default view")

	page, err = store.List(ctx, DeadLetterFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Events, 2)
	assert.Equal(t, uint64(2), page.Events[0].Seq)

	reason := MaxRetriesExceeded
	page, err = store.List(ctx, DeadLetterFilter{
		Statuses: []DeadLetterStatus{StatusResolved},
		Reason:   &reason,
	})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "handled", page.Events[0].Note)
}

func TestSQLDeadLetterRetryAndPurge(t *testing.T) {
	db := openTestDB(t)
	store, err := NewSQLDeadLetterStore(context.Background(), db)
	require.NoError(t, err)
	ctx := context.Background()

	event, err := store.Add(ctx, FailedEvent{Reason: MaxRetriesExceeded, Source: "checkout", Target: "charge"})
	require.NoError(t, err)

	require.NoError(t, store.Retry(ctx, event.ID, func(context.Context, FailedEvent) error { return nil }))
	got, err := store.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRetried, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	n, err := store.Purge(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = store.Get(ctx, event.ID)
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestSQLDeadLetterCounters(t *testing.T) {
	db := openTestDB(t)
	store, err := NewSQLDeadLetterStore(context.Background(), db)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Add(ctx, FailedEvent{Reason: MaxRetriesExceeded, Source: "checkout"})
	require.NoError(t, err)
	_, err = store.Add(ctx, FailedEvent{Reason: MaxRetriesExceeded, Source: "checkout"})
	require.NoError(t, err)
	_, err = store.Add(ctx, FailedEvent{Reason: CompensationFailure, Source: "refunds"})
	require.NoError(t, err)

	counters, err := store.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counters.Total)
	assert.Equal(t, 2, counters.ByReason[MaxRetriesExceeded.String()])
	assert.Equal(t, 2, counters.BySource["checkout"])
	assert.Equal(t, 3, counters.ByStatus[string(StatusPendingReview)])
}
