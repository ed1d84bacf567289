package orchestrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// OpenSQLite opens (or creates) a SQLite database at the given path, suitable
// for handing to NewSQLExecutionStore and NewSQLDeadLetterStore. Use
// ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY under
	// concurrent saga executions.
	db.SetMaxOpenConns(1)
	return db, nil
}

// SQLExecutionStore persists execution snapshots in a SQL table, one row per
// execution with the snapshot stored as JSON.
type SQLExecutionStore struct {
	db *sql.DB
}

// NewSQLExecutionStore constructs the store and ensures its table exists.
func NewSQLExecutionStore(ctx context.Context, db *sql.DB) (*SQLExecutionStore, error) {
	ddl := `
CREATE TABLE IF NOT EXISTS saga_executions (
	execution_id TEXT PRIMARY KEY,
	definition TEXT NOT NULL,
	status TEXT NOT NULL,
	snapshot TEXT NOT NULL,
	updated_at DATETIME NOT NULL
)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("ensure saga_executions table: %w", err)
	}
	return &SQLExecutionStore{db: db}, nil
}

// Save implements ExecutionStore.
func (s *SQLExecutionStore) Save(ctx context.Context, snap ExecutionSnapshot) error {
	if snap.ID == "" {
		return Validation(fmt.Errorf("snapshot without execution id"))
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	q := `
INSERT INTO saga_executions (execution_id, definition, status, snapshot, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(execution_id) DO UPDATE SET
	status=excluded.status,
	snapshot=excluded.snapshot,
	updated_at=excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q, snap.ID, snap.Definition, string(snap.Status), string(data), time.Now()); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load implements ExecutionStore.
func (s *SQLExecutionStore) Load(ctx context.Context, id string) (ExecutionSnapshot, error) {
	var data string
	row := s.db.QueryRowContext(ctx, `SELECT snapshot FROM saga_executions WHERE execution_id = ?`, id)
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ExecutionSnapshot{}, fmt.Errorf("%w: %q", ErrExecutionNotFound, id)
		}
		return ExecutionSnapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	var snap ExecutionSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return ExecutionSnapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// Delete implements ExecutionStore.
func (s *SQLExecutionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM saga_executions WHERE execution_id = ?`, id); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// IDs implements ExecutionStore.
func (s *SQLExecutionStore) IDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT execution_id FROM saga_executions ORDER BY execution_id`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan execution id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SQLDeadLetterStore is a DeadLetterStore backed by a SQL table. The
// autoincrement rowid provides the arrival sequence.
type SQLDeadLetterStore struct {
	db *sql.DB

	// now overrides the clock for tests.
	now func() time.Time
}

// NewSQLDeadLetterStore constructs the store and ensures its table exists.
func NewSQLDeadLetterStore(ctx context.Context, db *sql.DB) (*SQLDeadLetterStore, error) {
	ddl := `
CREATE TABLE IF NOT EXISTS dead_letters (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL UNIQUE,
	reason TEXT NOT NULL,
	payload TEXT,
	error TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	source TEXT,
	target TEXT,
	first_failure DATETIME NOT NULL,
	last_failure DATETIME NOT NULL,
	status TEXT NOT NULL,
	note TEXT
)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("ensure dead_letters table: %w", err)
	}
	return &SQLDeadLetterStore{db: db, now: time.Now}, nil
}

// Add implements DeadLetterStore.
func (s *SQLDeadLetterStore) Add(ctx context.Context, event FailedEvent) (FailedEvent, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	now := s.now()
	if event.FirstFailure.IsZero() {
		event.FirstFailure = now
	}
	event.LastFailure = now
	event.Status = StatusPendingReview

	q := `
INSERT INTO dead_letters (event_id, reason, payload, error, retry_count, source, target, first_failure, last_failure, status, note)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q,
		event.ID, event.Reason.String(), string(event.Payload), event.Error,
		event.RetryCount, event.Source, event.Target,
		event.FirstFailure, event.LastFailure, string(event.Status), event.Note)
	if err != nil {
		return FailedEvent{}, fmt.Errorf("add dead-letter entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return FailedEvent{}, fmt.Errorf("read dead-letter sequence: %w", err)
	}
	event.Seq = uint64(seq)
	return event, nil
}

// Get implements DeadLetterStore.
func (s *SQLDeadLetterStore) Get(ctx context.Context, id string) (FailedEvent, error) {
	row := s.db.QueryRowContext(ctx, selectDeadLetter+` WHERE event_id = ?`, id)
	event, err := scanDeadLetter(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FailedEvent{}, fmt.Errorf("%w: %q", ErrEntryNotFound, id)
		}
		return FailedEvent{}, err
	}
	return event, nil
}

// List implements DeadLetterStore.
func (s *SQLDeadLetterStore) List(ctx context.Context, filter DeadLetterFilter) (DeadLetterPage, error) {
	where, args := deadLetterWhere(filter)

	var page DeadLetterPage
	countQ := `SELECT COUNT(*) FROM dead_letters ` + where
	if err := s.db.QueryRowContext(ctx, countQ, args...).Scan(&page.Total); err != nil {
		return DeadLetterPage{}, fmt.Errorf("count dead-letter entries: %w", err)
	}

	q := selectDeadLetter + ` ` + where + ` ORDER BY seq LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, q, append(args, filter.limit(), filter.Offset)...)
	if err != nil {
		return DeadLetterPage{}, fmt.Errorf("list dead-letter entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		event, err := scanDeadLetter(rows)
		if err != nil {
			return DeadLetterPage{}, err
		}
		page.Events = append(page.Events, event)
	}
	return page, rows.Err()
}

// Retry implements DeadLetterStore.
func (s *SQLDeadLetterStore) Retry(ctx context.Context, id string, reinject ReinjectFunc) error {
	if reinject == nil {
		return Validation(fmt.Errorf("nil reinject func"))
	}
	event, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if event.Status != StatusPendingReview {
		return Validation(fmt.Errorf("dead-letter entry %q is %s, not %s", id, event.Status, StatusPendingReview))
	}

	if rerr := reinject(ctx, event); rerr != nil {
		q := `UPDATE dead_letters SET retry_count = retry_count + 1, last_failure = ?, error = ? WHERE event_id = ?`
		if _, err := s.db.ExecContext(ctx, q, s.now(), rerr.Error(), id); err != nil {
			return fmt.Errorf("record failed retry: %w", err)
		}
		return rerr
	}

	q := `UPDATE dead_letters SET retry_count = retry_count + 1, status = ? WHERE event_id = ?`
	if _, err := s.db.ExecContext(ctx, q, string(StatusRetried), id); err != nil {
		return fmt.Errorf("mark entry retried: %w", err)
	}
	return nil
}

// Resolve implements DeadLetterStore.
func (s *SQLDeadLetterStore) Resolve(ctx context.Context, id string, note string) error {
	q := `UPDATE dead_letters SET status = ?, note = ? WHERE event_id = ?`
	res, err := s.db.ExecContext(ctx, q, string(StatusResolved), note, id)
	if err != nil {
		return fmt.Errorf("resolve dead-letter entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve dead-letter entry: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrEntryNotFound, id)
	}
	return nil
}

// Purge implements DeadLetterStore.
func (s *SQLDeadLetterStore) Purge(ctx context.Context, before time.Time) (int, error) {
	q := `DELETE FROM dead_letters WHERE status != ? AND last_failure < ?`
	res, err := s.db.ExecContext(ctx, q, string(StatusPendingReview), before)
	if err != nil {
		return 0, fmt.Errorf("purge dead-letter entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge dead-letter entries: %w", err)
	}
	return int(n), nil
}

// Counters implements DeadLetterStore.
func (s *SQLDeadLetterStore) Counters(ctx context.Context) (DeadLetterCounters, error) {
	counters := DeadLetterCounters{
		ByReason: make(map[string]int),
		BySource: make(map[string]int),
		ByStatus: make(map[string]int),
	}
	rows, err := s.db.QueryContext(ctx, `SELECT reason, source, status, COUNT(*) FROM dead_letters GROUP BY reason, source, status`)
	if err != nil {
		return DeadLetterCounters{}, fmt.Errorf("count dead-letter entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var reason, source, status string
		var n int
		if err := rows.Scan(&reason, &source, &status, &n); err != nil {
			return DeadLetterCounters{}, fmt.Errorf("scan counters: %w", err)
		}
		counters.Total += n
		counters.ByReason[reason] += n
		if source != "" {
			counters.BySource[source] += n
		}
		counters.ByStatus[status] += n
	}
	return counters, rows.Err()
}

const selectDeadLetter = `
SELECT seq, event_id, reason, payload, error, retry_count, source, target, first_failure, last_failure, status, note
FROM dead_letters`

// deadLetterWhere builds the WHERE clause shared by List's count and page
// queries.
func deadLetterWhere(filter DeadLetterFilter) (string, []any) {
	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = []DeadLetterStatus{StatusPendingReview}
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+3)
	for i, status := range statuses {
		placeholders[i] = "?"
		args = append(args, string(status))
	}
	clauses := []string{fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", "))}
	if filter.Reason != nil {
		clauses = append(clauses, "reason = ?")
		args = append(args, filter.Reason.String())
	}
	if filter.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.Target != "" {
		clauses = append(clauses, "target = ?")
		args = append(args, filter.Target)
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "last_failure >= ?")
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		clauses = append(clauses, "last_failure <= ?")
		args = append(args, filter.Until)
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row rowScanner) (FailedEvent, error) {
	var event FailedEvent
	var reason, payload, status string
	if err := row.Scan(&event.Seq, &event.ID, &reason, &payload, &event.Error,
		&event.RetryCount, &event.Source, &event.Target,
		&event.FirstFailure, &event.LastFailure, &status, &event.Note); err != nil {
		return FailedEvent{}, err
	}
	kind, err := ParseFailureKind(reason)
	if err != nil {
		return FailedEvent{}, fmt.Errorf("dead-letter entry %q: %w", event.ID, err)
	}
	event.Reason = kind
	event.Status = DeadLetterStatus(status)
	if payload != "" {
		event.Payload = json.RawMessage(payload)
	}
	return event, nil
}
