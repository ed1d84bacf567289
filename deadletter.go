package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
)

// DeadLetterStatus is the review state of a dead-lettered event.
type DeadLetterStatus string

const (
	// StatusPendingReview is the initial state: the event awaits an operator.
	StatusPendingReview DeadLetterStatus = "pending_review"

	// StatusRetried means the event was successfully reinjected.
	StatusRetried DeadLetterStatus = "retried"

	// StatusResolved means an operator closed the event out manually.
	StatusResolved DeadLetterStatus = "resolved"
)

// FailedEvent is one unit of work that exhausted every recovery path and was
// parked for operator attention.
type FailedEvent struct {
	// ID is the event's stable identifier. Assigned on Add when empty.
	ID string `json:"id"`

	// Seq is the store-assigned arrival sequence. Listing walks Seq order, so
	// older entries always come first.
	Seq uint64 `json:"seq"`

	// Reason classifies why the work ended up here.
	Reason FailureKind `json:"-"`

	Payload json.RawMessage `json:"payload,omitempty"`

	// Error is the final error text observed before dead-lettering.
	Error string `json:"error,omitempty"`

	// RetryCount is how many reinjection attempts have been made from the
	// store, not how many retries the original execution performed.
	RetryCount int `json:"retry_count"`

	// Source names the saga (or component) that gave up on the work.
	Source string `json:"source,omitempty"`

	// Target names the step or dependency the work was destined for.
	Target string `json:"target,omitempty"`

	FirstFailure time.Time        `json:"first_failure"`
	LastFailure  time.Time        `json:"last_failure"`
	Status       DeadLetterStatus `json:"status"`

	// Note is the operator's resolution note.
	Note string `json:"note,omitempty"`
}

// MarshalJSON implements json.Marshaler. Reason travels as its string form so
// persisted entries stay readable.
func (e FailedEvent) MarshalJSON() ([]byte, error) {
	type alias FailedEvent
	return json.Marshal(struct {
		alias
		Reason string `json:"reason"`
	}{alias(e), e.Reason.String()})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *FailedEvent) UnmarshalJSON(data []byte) error {
	type alias FailedEvent
	aux := struct {
		*alias
		Reason string `json:"reason"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Reason == "" {
		return nil
	}
	kind, err := ParseFailureKind(aux.Reason)
	if err != nil {
		return err
	}
	e.Reason = kind
	return nil
}

// DeadLetterFilter narrows a List call. Zero fields match everything, except
// Statuses: when empty, only pending-review entries are listed, so the
// default view is the operator's work queue.
type DeadLetterFilter struct {
	Statuses []DeadLetterStatus
	Reason   *FailureKind
	Source   string
	Target   string

	// Since and Until bound the entries' last-failure time.
	Since time.Time
	Until time.Time

	// Limit caps the page size. Zero or negative applies the default of 100.
	Limit int

	// Offset skips that many matching entries, for pagination.
	Offset int
}

func (f DeadLetterFilter) matches(e *FailedEvent) bool {
	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = []DeadLetterStatus{StatusPendingReview}
	}
	ok := false
	for _, s := range statuses {
		if e.Status == s {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	if f.Reason != nil && e.Reason != *f.Reason {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if f.Target != "" && e.Target != f.Target {
		return false
	}
	if !f.Since.IsZero() && e.LastFailure.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.LastFailure.After(f.Until) {
		return false
	}
	return true
}

func (f DeadLetterFilter) limit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

// DeadLetterPage is one page of a filtered listing.
type DeadLetterPage struct {
	// Events holds at most Limit entries in arrival order.
	Events []FailedEvent

	// Total is the number of entries matching the filter across all pages.
	Total int
}

// ReinjectFunc pushes a dead-lettered event back into normal processing.
type ReinjectFunc func(ctx context.Context, event FailedEvent) error

// DeadLetterCounters summarizes the store's contents for monitoring.
type DeadLetterCounters struct {
	Total    int
	ByReason map[string]int
	BySource map[string]int
	ByStatus map[string]int
}

// DeadLetterStore parks failed work for later inspection, reinjection, or
// manual resolution.
type DeadLetterStore interface {
	// Add stores the event, assigning its ID (when empty), sequence number,
	// timestamps, and pending-review status. It returns the stored event.
	Add(ctx context.Context, event FailedEvent) (FailedEvent, error)

	// Get returns the event with the given id, or ErrEntryNotFound.
	Get(ctx context.Context, id string) (FailedEvent, error)

	// List returns a filtered, paginated page in arrival order.
	List(ctx context.Context, filter DeadLetterFilter) (DeadLetterPage, error)

	// Retry reinjects the event. On success the entry is marked retried; on
	// failure the retry count and last-failure time are updated and the entry
	// stays pending.
	Retry(ctx context.Context, id string, reinject ReinjectFunc) error

	// Resolve closes the entry out manually with an operator note.
	Resolve(ctx context.Context, id string, note string) error

	// Purge removes retried and resolved entries whose last failure precedes
	// the cutoff, and returns how many were removed.
	Purge(ctx context.Context, before time.Time) (int, error)

	// Counters summarizes the store's contents.
	Counters(ctx context.Context) (DeadLetterCounters, error)
}

// MemoryDeadLetterStore is an in-memory DeadLetterStore ordered by arrival.
type MemoryDeadLetterStore struct {
	mu     sync.RWMutex
	seq    uint64
	bySeq  btree.Map[uint64, *FailedEvent]
	seqIdx map[string]uint64

	// now overrides the clock for tests.
	now func() time.Time
}

// NewMemoryDeadLetterStore constructs an empty store.
func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{
		seqIdx: make(map[string]uint64),
		now:    time.Now,
	}
}

// Add implements DeadLetterStore.
func (s *MemoryDeadLetterStore) Add(_ context.Context, event FailedEvent) (FailedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if _, exists := s.seqIdx[event.ID]; exists {
		return FailedEvent{}, fmt.Errorf("dead-letter entry %q already exists", event.ID)
	}

	s.seq++
	event.Seq = s.seq
	event.Status = StatusPendingReview
	now := s.now()
	if event.FirstFailure.IsZero() {
		event.FirstFailure = now
	}
	event.LastFailure = now

	stored := event
	s.bySeq.Set(stored.Seq, &stored)
	s.seqIdx[stored.ID] = stored.Seq
	return stored, nil
}

// Get implements DeadLetterStore.
func (s *MemoryDeadLetterStore) Get(_ context.Context, id string) (FailedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, err := s.locked(id)
	if err != nil {
		return FailedEvent{}, err
	}
	return *event, nil
}

// List implements DeadLetterStore.
func (s *MemoryDeadLetterStore) List(_ context.Context, filter DeadLetterFilter) (DeadLetterPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var page DeadLetterPage
	limit := filter.limit()
	skip := filter.Offset
	s.bySeq.Scan(func(_ uint64, event *FailedEvent) bool {
		if !filter.matches(event) {
			return true
		}
		page.Total++
		if skip > 0 {
			skip--
			return true
		}
		if len(page.Events) < limit {
			page.Events = append(page.Events, *event)
		}
		return true
	})
	return page, nil
}

// Retry implements DeadLetterStore.
func (s *MemoryDeadLetterStore) Retry(ctx context.Context, id string, reinject ReinjectFunc) error {
	if reinject == nil {
		return Validation(fmt.Errorf("nil reinject func"))
	}

	s.mu.Lock()
	event, err := s.locked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if event.Status != StatusPendingReview {
		s.mu.Unlock()
		return Validation(fmt.Errorf("dead-letter entry %q is %s, not %s", id, event.Status, StatusPendingReview))
	}
	copied := *event
	s.mu.Unlock()

	// The reinject call runs outside the lock; it may itself reach back into
	// the store.
	rerr := reinject(ctx, copied)

	s.mu.Lock()
	defer s.mu.Unlock()
	event, err = s.locked(id)
	if err != nil {
		return err
	}
	if rerr != nil {
		event.RetryCount++
		event.LastFailure = s.now()
		event.Error = rerr.Error()
		return rerr
	}
	event.Status = StatusRetried
	event.RetryCount++
	return nil
}

// Resolve implements DeadLetterStore.
func (s *MemoryDeadLetterStore) Resolve(_ context.Context, id string, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, err := s.locked(id)
	if err != nil {
		return err
	}
	event.Status = StatusResolved
	event.Note = note
	return nil
}

// Purge implements DeadLetterStore.
func (s *MemoryDeadLetterStore) Purge(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var victims []uint64
	s.bySeq.Scan(func(seq uint64, event *FailedEvent) bool {
		if event.Status != StatusPendingReview && event.LastFailure.Before(before) {
			victims = append(victims, seq)
		}
		return true
	})
	for _, seq := range victims {
		if event, ok := s.bySeq.Get(seq); ok {
			delete(s.seqIdx, event.ID)
			s.bySeq.Delete(seq)
		}
	}
	return len(victims), nil
}

// Counters implements DeadLetterStore.
func (s *MemoryDeadLetterStore) Counters(_ context.Context) (DeadLetterCounters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counters := DeadLetterCounters{
		ByReason: make(map[string]int),
		BySource: make(map[string]int),
		ByStatus: make(map[string]int),
	}
	s.bySeq.Scan(func(_ uint64, event *FailedEvent) bool {
		counters.Total++
		counters.ByReason[event.Reason.String()]++
		if event.Source != "" {
			counters.BySource[event.Source]++
		}
		counters.ByStatus[string(event.Status)]++
		return true
	})
	return counters, nil
}

// locked returns the live entry for id. Callers hold the mutex.
func (s *MemoryDeadLetterStore) locked(id string) (*FailedEvent, error) {
	seq, ok := s.seqIdx[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEntryNotFound, id)
	}
	event, ok := s.bySeq.Get(seq)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEntryNotFound, id)
	}
	return event, nil
}
