package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{
		BufferSize: 8,
		BatchSize:  2,
		BatchWait:  time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(StageSweepStart)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{
		BufferSize: 4,
		BatchSize:  10,
		BatchWait:  25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageSweepStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubDropsWhenFull asserts Emit never blocks callers once the buffer is
// exhausted and counts the dropped events instead.
func TestHubDropsWhenFull(t *testing.T) {
	t.Parallel()

	slow := &blockingSink{release: make(chan struct{})}
	hub := NewHub(HubConfig{
		BufferSize: 1,
		BatchSize:  1,
		BatchWait:  time.Minute,
	}, slow)
	defer func() {
		close(slow.release)
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(StageSweepStart)
	start := time.Now()
	for i := 0; i < 20; i++ {
		hub.Emit(evt)
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
	require.Positive(t, hub.Dropped())
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{
		BufferSize: 4,
		BatchSize:  100,
		BatchWait:  time.Minute,
	}, sink)

	hub.Emit(sampleEvent(StageSweepStart))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
}

// TestHubDiscardsInvalidEvents ensures events failing validation never reach sinks.
func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{
		BufferSize: 4,
		BatchSize:  1,
		BatchWait:  10 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(Event{Stage: StageSweepStart}) // no sweep id, no timestamp
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, sink.Batches())
}

func sampleEvent(stage Stage) Event {
	evt := Event{
		SweepID: UUIDToBytes(uuid.New()),
		TS:      time.Now().UTC(),
		Stage:   stage,
	}
	if stage == StageDomainDone || stage == StageProviderDone {
		evt.Domain = "openai.com"
		evt.Outcome = "done"
	}
	if stage == StageProviderDone {
		evt.Provider = "openai"
		evt.Outcome = "success"
	}
	return evt
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Consume(ctx context.Context, _ []Event) error {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil
}

func (s *blockingSink) Close(context.Context) error {
	return nil
}
