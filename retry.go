package orchestrate

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// Operation is one logical call to an external collaborator. Implementations
// must honour ctx cancellation; the per-attempt timeout is delivered through
// the same ctx.
type Operation func(ctx context.Context) error

// RetryConfig controls the Retrier.
type RetryConfig struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int

	// Timeout bounds each individual attempt. Zero disables the deadline.
	Timeout time.Duration

	// Backoff computes the delay between attempts. The zero value falls back
	// to DefaultBackoff.
	Backoff Backoff

	// StopOn lists failure kinds that bypass retry entirely. When nil it
	// defaults to ValidationFailure and DependencyUnavailable.
	StopOn []FailureKind

	// RetryOn, when non-empty, restricts retry to the listed kinds. All
	// non-stop kinds are retryable otherwise.
	RetryOn []FailureKind

	Logger zerolog.Logger

	// Sleep overrides the inter-attempt wait for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// shouldRetry reports whether a failure of the given kind qualifies for
// another attempt under this config.
func (c RetryConfig) shouldRetry(kind FailureKind) bool {
	stop := c.StopOn
	if stop == nil {
		stop = []FailureKind{ValidationFailure, DependencyUnavailable}
	}
	for _, k := range stop {
		if kind == k {
			return false
		}
	}
	if len(c.RetryOn) > 0 {
		for _, k := range c.RetryOn {
			if kind == k {
				return true
			}
		}
		return false
	}
	return true
}

// Retrier executes operations under a per-attempt deadline with bounded,
// backed-off retries, and records per-operation statistics so callers can
// tune timeouts from observed latency.
type Retrier struct {
	cfg   RetryConfig
	log   zerolog.Logger
	sleep func(ctx context.Context, d time.Duration) error
	stats *xsync.MapOf[string, *operationStats]
}

// NewRetrier constructs a Retrier.
func NewRetrier(cfg RetryConfig) *Retrier {
	if cfg.Backoff.isZero() {
		cfg.Backoff = DefaultBackoff()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	return &Retrier{
		cfg:   cfg,
		log:   cfg.Logger,
		sleep: sleep,
		stats: xsync.NewMapOf[string, *operationStats](),
	}
}

// Do runs op until it succeeds, a non-retryable failure occurs, or the retry
// budget is exhausted. Exhaustion wraps the last error as MaxRetriesExceeded.
func (r *Retrier) Do(ctx context.Context, name string, op Operation) error {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := r.Once(ctx, name, op)
		if err == nil {
			return nil
		}
		lastErr = err

		kind := KindOf(err)
		if !r.cfg.shouldRetry(kind) {
			return err
		}
		if attempt == r.cfg.MaxRetries {
			break
		}

		delay := r.cfg.Backoff.Delay(attempt + 1)
		r.log.Debug().
			Str("operation", name).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Str("kind", kind.String()).
			Msg("retrying operation")
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return NewFailure(MaxRetriesExceeded, lastErr)
}

// Once runs a single attempt of op under the configured timeout and records
// its outcome in the operation's statistics. A deadline expiry is reported as
// a TransientFailure.
func (r *Retrier) Once(ctx context.Context, name string, op Operation) error {
	start := time.Now()
	err := runWithTimeout(ctx, r.cfg.Timeout, op)
	r.opStats(name).record(time.Since(start), err)
	return err
}

// Stats returns a snapshot of the named operation's statistics.
func (r *Retrier) Stats(name string) (StatsSnapshot, bool) {
	stats, ok := r.stats.Load(name)
	if !ok {
		return StatsSnapshot{}, false
	}
	return stats.snapshot(), true
}

// with derives a Retrier with per-call overrides, sharing the statistics of
// the parent. Negative maxRetries and non-positive timeout keep the parent's
// values.
func (r *Retrier) with(maxRetries int, timeout time.Duration) *Retrier {
	derived := *r
	if maxRetries >= 0 {
		derived.cfg.MaxRetries = maxRetries
	}
	if timeout > 0 {
		derived.cfg.Timeout = timeout
	}
	return &derived
}

func (r *Retrier) opStats(name string) *operationStats {
	stats, _ := r.stats.LoadOrCompute(name, newOperationStats)
	return stats
}

// runWithTimeout is the single-attempt timeout wrapper shared by the Retrier
// and the CircuitBreaker. A deadline expiry introduced by the wrapper is
// classified as transient so breaker and retry accounting treat it as a
// failure of the dependency, not of the caller.
func runWithTimeout(ctx context.Context, timeout time.Duration, op Operation) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := op(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		var f *Failure
		if !errors.As(err, &f) {
			return Transient(err)
		}
	}
	return err
}

// maxDurationSamples bounds the per-operation latency ring buffer.
const maxDurationSamples = 128

type operationStats struct {
	mu        sync.Mutex
	attempts  int64
	successes int64
	failures  int64
	samples   []time.Duration
	next      int
}

func newOperationStats() *operationStats {
	return &operationStats{samples: make([]time.Duration, 0, maxDurationSamples)}
}

func (s *operationStats) record(d time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if err != nil {
		s.failures++
	} else {
		s.successes++
	}
	if len(s.samples) < maxDurationSamples {
		s.samples = append(s.samples, d)
	} else {
		s.samples[s.next] = d
		s.next = (s.next + 1) % maxDurationSamples
	}
}

func (s *operationStats) snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sorted := make([]time.Duration, len(s.samples))
	copy(sorted, s.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return StatsSnapshot{
		Attempts:  s.attempts,
		Successes: s.successes,
		Failures:  s.failures,
		sorted:    sorted,
	}
}

// StatsSnapshot is a point-in-time view of one operation's history.
type StatsSnapshot struct {
	Attempts  int64
	Successes int64
	Failures  int64

	sorted []time.Duration
}

// Percentile returns the attempt duration at quantile p (0 < p <= 1) over the
// retained samples, e.g. Percentile(0.95) for a p95-plus-margin timeout.
func (s StatsSnapshot) Percentile(p float64) time.Duration {
	if len(s.sorted) == 0 || p <= 0 {
		return 0
	}
	if p > 1 {
		p = 1
	}
	idx := int(math.Ceil(p*float64(len(s.sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return s.sorted[idx]
}

// sleepWithContext waits for d or until ctx is done.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
