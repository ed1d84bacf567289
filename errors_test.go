package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfClassification(t *testing.T) {
	assert.Equal(t, ValidationFailure, KindOf(Validation(errors.New("bad"))))
	assert.Equal(t, TransientFailure, KindOf(Transient(errors.New("blip"))))
	assert.Equal(t, TransientFailure, KindOf(context.DeadlineExceeded))
	assert.Equal(t, DependencyUnavailable, KindOf(ErrBreakerOpen))
	assert.Equal(t, UnknownFailure, KindOf(errors.New("mystery")))
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := Transient(errors.New("reset by peer"))
	wrapped := fmt.Errorf("calling inventory: %w", inner)
	assert.Equal(t, TransientFailure, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, TransientFailure))
	assert.False(t, IsKind(nil, TransientFailure))
}

func TestFailureUnwrapsToCause(t *testing.T) {
	cause := errors.New("root cause")
	err := NewFailure(MaxRetriesExceeded, cause)
	assert.ErrorIs(t, err, cause)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, MaxRetriesExceeded, f.Kind)
	assert.Contains(t, err.Error(), "max_retries_exceeded")
	assert.Contains(t, err.Error(), "root cause")
}

func TestParseFailureKindRoundTrip(t *testing.T) {
	kinds := []FailureKind{
		UnknownFailure, ValidationFailure, TransientFailure,
		DependencyUnavailable, CompensationFailure, MaxRetriesExceeded,
	}
	for _, kind := range kinds {
		parsed, err := ParseFailureKind(kind.String())
		require.NoError(t, err)
		assert.Equal(t, kind, parsed)
	}

	_, err := ParseFailureKind("catastrophic")
	require.Error(t, err)
}
