package orchestrate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// BreakerState is the circuit breaker's current disposition toward its
// dependency.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the BreakerState.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("breaker_state_%d", int(s))
	}
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker. Minimum 1.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before allowing a
	// half-open probe.
	RecoveryTimeout time.Duration

	// SuccessThreshold is the consecutive successes required in half-open
	// state to close the breaker again. Minimum 1.
	SuccessThreshold int

	// CallTimeout bounds each call routed through the breaker. Zero disables
	// the deadline.
	CallTimeout time.Duration

	Logger zerolog.Logger

	// Now overrides the clock for tests.
	Now func() time.Time
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 1
	}
	if c.SuccessThreshold < 1 {
		c.SuccessThreshold = 1
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// CircuitBreaker guards calls to one named downstream dependency. After
// FailureThreshold consecutive failures it opens and fails calls immediately
// with ErrBreakerOpen, sparing callers the dependency's timeout latency.
// After RecoveryTimeout it admits probe calls; SuccessThreshold consecutive
// probe successes close it, any probe failure reopens it.
//
// All state transitions happen under one mutex so concurrent callers cannot
// interleave two transitions.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig
	log  zerolog.Logger

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
}

// NewCircuitBreaker constructs a breaker for the named dependency.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	cfg = cfg.withDefaults()
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		log:   cfg.Logger.With().Str("dependency", name).Logger(),
		state: StateClosed,
	}
}

// Name returns the dependency name this breaker guards.
func (b *CircuitBreaker) Name() string { return b.name }

// State returns the breaker's current state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute routes op through the breaker. While open it returns ErrBreakerOpen
// without invoking op. Every admitted call runs under the single-attempt
// timeout wrapper; a timeout counts as a failure.
func (b *CircuitBreaker) Execute(ctx context.Context, op Operation) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := runWithTimeout(ctx, b.cfg.CallTimeout, op)
	b.record(err)
	return err
}

// admit decides whether a call may proceed, moving an expired open breaker to
// half-open.
func (b *CircuitBreaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.cfg.Now().Sub(b.lastFailure) < b.cfg.RecoveryTimeout {
			return fmt.Errorf("%s: %w", b.name, ErrBreakerOpen)
		}
		b.transition(StateHalfOpen)
	}
	return nil
}

// record applies the call outcome to the breaker state.
func (b *CircuitBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		switch b.state {
		case StateHalfOpen:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.failures = 0
				b.transition(StateClosed)
			}
		case StateClosed:
			// A success walks the failure counter back instead of resetting
			// it, so isolated blips don't mask a slow-building failure trend.
			if b.failures > 0 {
				b.failures--
			}
		}
		return
	}

	b.lastFailure = b.cfg.Now()
	switch b.state {
	case StateHalfOpen:
		b.transition(StateOpen)
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	}
}

// transition must be called with the mutex held.
func (b *CircuitBreaker) transition(next BreakerState) {
	if b.state == next {
		return
	}
	b.log.Info().
		Str("from", b.state.String()).
		Str("to", next.String()).
		Int("failures", b.failures).
		Msg("circuit breaker state change")
	b.state = next
	b.successes = 0
	if next == StateHalfOpen {
		// Half-open probes start from a clean slate.
		b.failures = 0
	}
}

// BreakerGroup shares breakers across all callers targeting the same
// dependency name.
type BreakerGroup struct {
	defaults BreakerConfig
	breakers *xsync.MapOf[string, *CircuitBreaker]
}

// NewBreakerGroup constructs a group whose breakers are created on first use
// with the given defaults.
func NewBreakerGroup(defaults BreakerConfig) *BreakerGroup {
	return &BreakerGroup{
		defaults: defaults.withDefaults(),
		breakers: xsync.NewMapOf[string, *CircuitBreaker](),
	}
}

// Get returns the breaker for the named dependency, creating it if needed.
func (g *BreakerGroup) Get(name string) *CircuitBreaker {
	breaker, _ := g.breakers.LoadOrCompute(name, func() *CircuitBreaker {
		return NewCircuitBreaker(name, g.defaults)
	})
	return breaker
}

// Execute routes op through the named dependency's breaker.
func (g *BreakerGroup) Execute(ctx context.Context, name string, op Operation) error {
	return g.Get(name).Execute(ctx, op)
}

// States reports every known breaker's current state, for monitoring.
func (g *BreakerGroup) States() map[string]BreakerState {
	states := make(map[string]BreakerState)
	g.breakers.Range(func(name string, breaker *CircuitBreaker) bool {
		states[name] = breaker.State()
		return true
	})
	return states
}
