package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/umbrix-io/umbrix/pkg/types"
)

// scriptedReader returns one prepared XRead result per call, then
// blocks on redis.Nil.
type scriptedReader struct {
	mu      sync.Mutex
	results []xreadResult
}

type xreadResult struct {
	streams []redis.XStream
	err     error
}

func (r *scriptedReader) XRead(ctx context.Context, _ *redis.XReadArgs) *redis.XStreamSliceCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.results) == 0 {
		// Emulate a block timeout so the loop keeps polling.
		select {
		case <-ctx.Done():
			return redis.NewXStreamSliceCmdResult(nil, ctx.Err())
		case <-time.After(5 * time.Millisecond):
			return redis.NewXStreamSliceCmdResult(nil, redis.Nil)
		}
	}
	next := r.results[0]
	r.results = r.results[1:]
	return redis.NewXStreamSliceCmdResult(next.streams, next.err)
}

func eventMessage(id string, event types.StreamEvent) redis.XMessage {
	data, _ := json.Marshal(event)
	return redis.XMessage{ID: id, Values: map[string]interface{}{"data": string(data)}}
}

func collectBatches(ch chan [][]types.StreamEvent) Handler {
	return func(_ context.Context, events []types.StreamEvent) error {
		batch := make([]types.StreamEvent, len(events))
		copy(batch, events)
		ch <- [][]types.StreamEvent{batch}
		return nil
	}
}

func TestProcessorDeliversBatchInOrder(t *testing.T) {
	reader := &scriptedReader{results: []xreadResult{
		{streams: []redis.XStream{{
			Stream: NotificationStream,
			Messages: []redis.XMessage{
				eventMessage("1-0", types.StreamEvent{NotificationID: "rule-a"}),
				eventMessage("2-0", types.StreamEvent{NotificationID: "rule-b"}),
			},
		}}},
	}}

	batches := make(chan [][]types.StreamEvent, 1)
	p := NewProcessor(reader, "Publisher manager", collectBatches(batches), Options{})
	require.NoError(t, p.Start(context.Background(), PositionLive))
	defer func() { _ = p.Shutdown() }()

	select {
	case got := <-batches:
		require.Len(t, got[0], 2)
		assert.Equal(t, "rule-a", got[0][0].NotificationID)
		assert.Equal(t, "rule-b", got[0][1].NotificationID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a batch")
	}
	assert.True(t, p.Running())
}

func TestProcessorSkipsUndecodableEvents(t *testing.T) {
	reader := &scriptedReader{results: []xreadResult{
		{streams: []redis.XStream{{
			Stream: NotificationStream,
			Messages: []redis.XMessage{
				{ID: "1-0", Values: map[string]interface{}{"data": "{not json"}},
				eventMessage("2-0", types.StreamEvent{NotificationID: "rule-a"}),
			},
		}}},
	}}

	batches := make(chan [][]types.StreamEvent, 1)
	p := NewProcessor(reader, "Publisher manager", collectBatches(batches), Options{})
	require.NoError(t, p.Start(context.Background(), PositionLive))
	defer func() { _ = p.Shutdown() }()

	select {
	case got := <-batches:
		require.Len(t, got[0], 1)
		assert.Equal(t, "rule-a", got[0][0].NotificationID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a batch")
	}
}

func TestProcessorTransportFailureStopsConsumer(t *testing.T) {
	reader := &scriptedReader{results: []xreadResult{
		{err: errors.New("connection reset")},
	}}

	p := NewProcessor(reader, "Publisher manager", func(context.Context, []types.StreamEvent) error { return nil }, Options{})
	require.NoError(t, p.Start(context.Background(), PositionLive))
	defer func() { _ = p.Shutdown() }()

	select {
	case err := <-p.Errors():
		assert.Contains(t, err.Error(), "transport failure")
	case <-time.After(2 * time.Second):
		t.Fatal("expected a transport error")
	}

	// Running must flip to false so the leadership cycle tears down.
	assert.Eventually(t, func() bool { return !p.Running() }, 2*time.Second, 10*time.Millisecond)
}

func TestProcessorHandlerErrorDoesNotStopConsumer(t *testing.T) {
	reader := &scriptedReader{results: []xreadResult{
		{streams: []redis.XStream{{
			Stream:   NotificationStream,
			Messages: []redis.XMessage{eventMessage("1-0", types.StreamEvent{NotificationID: "rule-a"})},
		}}},
		{streams: []redis.XStream{{
			Stream:   NotificationStream,
			Messages: []redis.XMessage{eventMessage("2-0", types.StreamEvent{NotificationID: "rule-b"})},
		}}},
	}}

	seen := make(chan string, 2)
	p := NewProcessor(reader, "Publisher manager", func(_ context.Context, events []types.StreamEvent) error {
		seen <- events[0].NotificationID
		return errors.New("rule catalogue unavailable")
	}, Options{})
	require.NoError(t, p.Start(context.Background(), PositionLive))
	defer func() { _ = p.Shutdown() }()

	for _, want := range []string{"rule-a", "rule-b"} {
		select {
		case got := <-seen:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("expected batch %s despite handler errors", want)
		}
	}
	assert.True(t, p.Running())
}

func TestProcessorShutdownIsIdempotent(t *testing.T) {
	reader := &scriptedReader{}
	p := NewProcessor(reader, "Publisher manager", func(context.Context, []types.StreamEvent) error { return nil }, Options{})
	require.NoError(t, p.Start(context.Background(), PositionLive))

	require.NoError(t, p.Shutdown())
	require.NoError(t, p.Shutdown())
	assert.False(t, p.Running())
}

func TestProcessorShutdownBeforeStart(t *testing.T) {
	p := NewProcessor(&scriptedReader{}, "Publisher manager", func(context.Context, []types.StreamEvent) error { return nil }, Options{})
	require.NoError(t, p.Shutdown())
}
