package tracer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const defaultBufferSize = 256

// Emitter is what the engine and stage executor depend on.
type Emitter interface {
	Emit(Event)
}

// Sink receives drained events. Errors are counted and logged, never
// propagated to the emitter.
type Sink interface {
	Write(ctx context.Context, event Event) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(ctx context.Context, event Event) error

// Write calls f(ctx, event).
func (f SinkFunc) Write(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Logger is satisfied by internal/logging.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

// Option customizes a Tracer.
type Option func(*Tracer)

// WithBufferSize sets the queue capacity.
func WithBufferSize(size int) Option {
	return func(t *Tracer) {
		if size > 0 {
			t.bufferSize = size
		}
	}
}

// WithSink adds a sink. Sinks run in registration order.
func WithSink(sink Sink) Option {
	return func(t *Tracer) {
		if sink != nil {
			t.sinks = append(t.sinks, sink)
		}
	}
}

// WithLogger injects a logger for drop and sink failure messages.
func WithLogger(logger Logger) Option {
	return func(t *Tracer) {
		t.logger = logger
	}
}

// WithClock overrides event timestamps.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracer) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// Tracer fans events out to sinks on a background goroutine.
type Tracer struct {
	bufferSize int
	sinks      []Sink
	logger     Logger
	clock      func() time.Time

	mu      sync.Mutex
	ready   *sync.Cond
	pending []Event
	closed  bool
	done    chan struct{}

	seq        atomic.Uint64
	dropped    atomic.Uint64
	sinkErrors atomic.Uint64
}

// New starts a tracer.
func New(opts ...Option) *Tracer {
	t := &Tracer{bufferSize: defaultBufferSize, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	t.ready = sync.NewCond(&t.mu)
	t.pending = make([]Event, 0, t.bufferSize)
	t.done = make(chan struct{})
	go t.drain()
	return t
}

// Emit queues an event without blocking. When the queue is full the oldest
// or the incoming event is dropped, preferring to keep job state changes and
// stage failures. Queued events always leave in Seq order.
func (t *Tracer) Emit(event Event) {
	if t == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = t.clock().UTC()
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.drop(event, "tracer closed")
		return
	}
	event.Seq = t.seq.Add(1)
	if len(t.pending) < t.bufferSize {
		t.pending = append(t.pending, event)
		t.mu.Unlock()
		t.ready.Signal()
		return
	}
	lost, reason := event, "queue overflow:incoming"
	if oldest := t.pending[0]; shouldDropOldest(oldest, event) {
		lost, reason = oldest, "queue overflow"
		t.pending = append(t.pending[1:], event)
	}
	t.mu.Unlock()
	t.drop(lost, reason)
}

func (t *Tracer) drop(event Event, reason string) {
	t.dropped.Add(1)
	if t.logger != nil {
		t.logger.Printf("tracer: dropped %s for job %s (%s)", event.Kind, event.JobID, reason)
	}
}

// Dropped returns the number of events lost to overflow or shutdown.
func (t *Tracer) Dropped() uint64 {
	if t == nil {
		return 0
	}
	return t.dropped.Load()
}

// SinkErrors returns the number of failed sink writes.
func (t *Tracer) SinkErrors() uint64 {
	if t == nil {
		return 0
	}
	return t.sinkErrors.Load()
}

// next blocks until an event is queued. It reports false once the tracer
// is closed and empty.
func (t *Tracer) next() (Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.pending) == 0 && !t.closed {
		t.ready.Wait()
	}
	if len(t.pending) == 0 {
		return Event{}, false
	}
	event := t.pending[0]
	t.pending[0] = Event{}
	t.pending = t.pending[1:]
	return event, true
}

func (t *Tracer) drain() {
	defer close(t.done)
	ctx := context.Background()
	for {
		event, ok := t.next()
		if !ok {
			return
		}
		for _, sink := range t.sinks {
			if err := sink.Write(ctx, event); err != nil {
				t.sinkErrors.Add(1)
				if t.logger != nil {
					t.logger.Printf("tracer: sink write %s for job %s: %v", event.Kind, event.JobID, err)
				}
			}
		}
	}
}

// Close stops accepting events and waits for queued ones to reach the
// sinks, or for ctx to expire.
func (t *Tracer) Close(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.ready.Broadcast()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Nop discards events.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}
