package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func (s *captureSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *captureSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []Event
	for _, batch := range s.batches {
		all = append(all, batch...)
	}
	return all
}

func (s *captureSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *captureSink) wasClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func unitEvent(key string) Event {
	return Event{
		Source:  "norstad",
		TS:      time.Date(2025, 11, 3, 9, 0, 0, 0, time.UTC),
		Stage:   StageUnitDone,
		UnitKey: key,
	}
}

func TestHubFlushesOnCadence(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	hub := NewHub(Config{FlushEvery: 10 * time.Millisecond}, sink)

	hub.Emit(unitEvent("0-0"))
	hub.Emit(unitEvent("0-1"))

	require.Eventually(t, func() bool { return len(sink.events()) == 2 },
		time.Second, 5*time.Millisecond)

	got := sink.events()
	assert.Equal(t, "0-0", got[0].UnitKey)
	assert.Equal(t, "0-1", got[1].UnitKey)

	require.NoError(t, hub.Close(context.Background()))
}

func TestHubFlushesWhenBatchFull(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	// FlushEvery is far away so only the size trigger can flush.
	hub := NewHub(Config{MaxBatch: 2, FlushEvery: time.Minute}, sink)

	hub.Emit(unitEvent("0-0"))
	hub.Emit(unitEvent("0-1"))

	require.Eventually(t, func() bool { return sink.batchCount() == 1 },
		time.Second, 5*time.Millisecond)
	assert.Len(t, sink.events(), 2)

	require.NoError(t, hub.Close(context.Background()))
}

func TestHubCloseDrainsBufferedEvents(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	hub := NewHub(Config{FlushEvery: time.Minute}, sink)

	for i := 0; i < 5; i++ {
		hub.Emit(unitEvent("0-0"))
	}
	require.NoError(t, hub.Close(context.Background()))

	assert.Len(t, sink.events(), 5, "close must deliver everything still queued")
	assert.True(t, sink.wasClosed())
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	blocked := make(chan struct{}, 1)
	blocker := sinkFunc(func(context.Context, []Event) error {
		select {
		case blocked <- struct{}{}:
		default:
		}
		<-gate
		return nil
	})
	hub := NewHub(Config{BufferSize: 1, MaxBatch: 1, FlushEvery: time.Minute}, blocker)

	// First event flushes immediately and wedges the worker inside the sink.
	hub.Emit(unitEvent("0-0"))
	<-blocked

	hub.Emit(unitEvent("0-1")) // buffers
	hub.Emit(unitEvent("0-2")) // dropped
	hub.Emit(unitEvent("0-3")) // dropped
	assert.Equal(t, int64(2), hub.Dropped())

	close(gate)
	require.NoError(t, hub.Close(context.Background()))
}

func TestHubSinkErrorDoesNotStarveOtherSinks(t *testing.T) {
	t.Parallel()
	failing := sinkFunc(func(context.Context, []Event) error {
		return errors.New("sink exploded")
	})
	healthy := &captureSink{}
	hub := NewHub(Config{FlushEvery: time.Minute}, failing, healthy)

	hub.Emit(unitEvent("0-0"))
	require.NoError(t, hub.Close(context.Background()))

	assert.Len(t, healthy.events(), 1)
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	hub := NewHub(Config{FlushEvery: time.Minute}, sink)

	hub.Emit(Event{Stage: StageUnitDone}) // no source, no timestamp
	hub.Emit(unitEvent("0-0"))
	require.NoError(t, hub.Close(context.Background()))

	got := sink.events()
	require.Len(t, got, 1)
	assert.Equal(t, "0-0", got[0].UnitKey)
	assert.Zero(t, hub.Dropped(), "invalid events are discarded, not counted as drops")
}

func TestHubCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	hub := NewHub(Config{FlushEvery: time.Minute}, sink)

	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	hub.Emit(unitEvent("0-0")) // ignored after close
	assert.Empty(t, sink.events())
}

func TestHubNilReceiver(t *testing.T) {
	t.Parallel()
	var hub *Hub
	hub.Emit(unitEvent("0-0"))
	assert.NoError(t, hub.Close(context.Background()))
}

func TestLogThrottle(t *testing.T) {
	t.Parallel()
	throttle := logThrottle{interval: 5 * time.Second}
	base := time.Date(2025, 11, 3, 9, 0, 0, 0, time.UTC)

	assert.True(t, throttle.Allow(base))
	assert.False(t, throttle.Allow(base.Add(time.Second)))
	assert.False(t, throttle.Allow(base.Add(4*time.Second)))
	assert.True(t, throttle.Allow(base.Add(6*time.Second)))
}

// sinkFunc adapts a function to the Sink interface for tests.
type sinkFunc func(ctx context.Context, batch []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error { return f(ctx, batch) }
func (f sinkFunc) Close(context.Context) error                      { return nil }
