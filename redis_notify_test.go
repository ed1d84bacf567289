package orchestrate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisNotifierPublishesToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	n := NewRedisNotifier(client, "saga:events", zerolog.Nop())
	n.Notify(context.Background(), Notification{
		Event:       EventStepFailed,
		ExecutionID: "exec-1",
		Definition:  "checkout",
		StepID:      "charge",
		Status:      ExecutionRunning,
		Error:       "gateway 503",
		At:          time.Now(),
	})

	entries, err := client.XRange(context.Background(), "saga:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	raw, ok := entries[0].Values["data"].(string)
	require.True(t, ok)
	var note Notification
	require.NoError(t, json.Unmarshal([]byte(raw), &note))
	assert.Equal(t, EventStepFailed, note.Event)
	assert.Equal(t, "exec-1", note.ExecutionID)
	assert.Equal(t, StepID("charge"), note.StepID)
	assert.Equal(t, "gateway 503", note.Error)
}

func TestRedisNotifierPublishErrorDoesNotPanic(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close()

	n := NewRedisNotifier(client, "", zerolog.Nop())
	// Fire and forget: the failed publish is logged, nothing more.
	n.Notify(context.Background(), Notification{Event: EventSagaStarted, ExecutionID: "exec-2"})
	client.Close()
}

func TestOrchestratorWithRedisNotifier(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	o, err := NewOrchestrator(OrchestratorConfig{
		Store:    NewMemoryExecutionStore(),
		Notifier: NewRedisNotifier(client, "saga:events", zerolog.Nop()),
		Sleep:    noSleep,
	})
	require.NoError(t, err)

	def, err := NewDefinition("published").
		AddStep(SagaStep{ID: "only", Action: noopAction}).
		Build()
	require.NoError(t, err)

	_, err = o.Execute(context.Background(), def, nil)
	require.NoError(t, err)

	entries, err := client.XRange(context.Background(), "saga:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 4)

	var first Notification
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["data"].(string)), &first))
	assert.Equal(t, EventSagaStarted, first.Event)
	var last Notification
	require.NoError(t, json.Unmarshal([]byte(entries[3].Values["data"].(string)), &last))
	assert.Equal(t, EventSagaCompleted, last.Event)
}
