package orchestrate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives breaker recovery deterministically.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker("payments", BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 2,
		Now:              clock.Now,
	})
}

func failingOp(context.Context) error { return Transient(errors.New("downstream boom")) }
func okOp(context.Context) error      { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		require.Error(t, b.Execute(context.Background(), failingOp))
	}
	assert.Equal(t, StateOpen, b.State())

	// While open, calls fail fast without invoking the operation.
	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, DependencyUnavailable, KindOf(err))
	assert.False(t, called)
}

func TestBreakerRecoveryCycle(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		require.Error(t, b.Execute(context.Background(), failingOp))
	}
	require.Equal(t, StateOpen, b.State())

	// Before the recovery timeout nothing is admitted.
	require.ErrorIs(t, b.Execute(context.Background(), okOp), ErrBreakerOpen)

	clock.advance(time.Minute)

	// First probe succeeds: half-open, not yet closed.
	require.NoError(t, b.Execute(context.Background(), okOp))
	assert.Equal(t, StateHalfOpen, b.State())

	// Second success reaches the threshold and closes the breaker.
	require.NoError(t, b.Execute(context.Background(), okOp))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		require.Error(t, b.Execute(context.Background(), failingOp))
	}
	clock.advance(time.Minute)

	require.Error(t, b.Execute(context.Background(), failingOp))
	assert.Equal(t, StateOpen, b.State())

	// The reopen restarts the recovery window.
	require.ErrorIs(t, b.Execute(context.Background(), okOp), ErrBreakerOpen)
}

func TestBreakerSuccessDecrementsFailures(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := newTestBreaker(clock)

	// Two failures, one success, two more failures: the success walked the
	// counter back to one, so the breaker is still closed at three.
	require.Error(t, b.Execute(context.Background(), failingOp))
	require.Error(t, b.Execute(context.Background(), failingOp))
	require.NoError(t, b.Execute(context.Background(), okOp))
	require.Error(t, b.Execute(context.Background(), failingOp))
	require.Error(t, b.Execute(context.Background(), failingOp))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerSuccessFloorsAtZero(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := newTestBreaker(clock)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Execute(context.Background(), okOp))
	}
	// Still takes the full threshold to open.
	require.Error(t, b.Execute(context.Background(), failingOp))
	require.Error(t, b.Execute(context.Background(), failingOp))
	assert.Equal(t, StateClosed, b.State())
	require.Error(t, b.Execute(context.Background(), failingOp))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerCallTimeoutCountsAsFailure(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := NewCircuitBreaker("slow", BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 1,
		CallTimeout:      5 * time.Millisecond,
		Now:              clock.Now,
	})

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, TransientFailure, KindOf(err))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerGroupSharesByName(t *testing.T) {
	g := NewBreakerGroup(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute})

	require.Error(t, g.Execute(context.Background(), "inventory", failingOp))
	assert.Equal(t, StateOpen, g.Get("inventory").State())

	// Other dependencies are unaffected.
	require.NoError(t, g.Execute(context.Background(), "shipping", okOp))

	states := g.States()
	assert.Equal(t, StateOpen, states["inventory"])
	assert.Equal(t, StateClosed, states["shipping"])
}
