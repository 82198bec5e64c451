package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/eventic/pkg/models"
)

// Sink receives events from the pipeline. Implementations must be safe
// for concurrent use and should not block on droppable kinds.
type Sink interface {
	Emit(ctx context.Context, e models.Event)
}

// NopSink discards all events.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(context.Context, models.Event) {}

// ChanSink sends events to a channel. When the channel is full the
// oldest queued event is evicted so the newest is never lost.
type ChanSink struct {
	ch chan models.Event
}

// NewChanSink creates a sink over a buffered channel it owns. Consume
// via Events().
func NewChanSink(buffer int) *ChanSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanSink{ch: make(chan models.Event, buffer)}
}

// Events returns the consuming side of the sink.
func (s *ChanSink) Events() <-chan models.Event { return s.ch }

// Emit sends the event, evicting the oldest queued event if full.
func (s *ChanSink) Emit(ctx context.Context, e models.Event) {
	for {
		select {
		case s.ch <- e:
			return
		default:
		}
		select {
		case <-s.ch:
			// Evicted the stalest event; retry the send.
		case <-ctx.Done():
			return
		default:
		}
	}
}

// MultiSink fans out to several sinks. Nil members are filtered at
// construction.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a fan-out sink.
func NewMultiSink(sinks ...Sink) *MultiSink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

// Emit forwards the event to every member.
func (s *MultiSink) Emit(ctx context.Context, e models.Event) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}

// CallbackSink adapts a function to the Sink interface.
type CallbackSink struct {
	fn func(ctx context.Context, e models.Event)
}

// NewCallbackSink creates a sink that invokes fn per event.
func NewCallbackSink(fn func(ctx context.Context, e models.Event)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

// Emit calls the wrapped function.
func (s *CallbackSink) Emit(ctx context.Context, e models.Event) {
	if s.fn != nil {
		s.fn(ctx, e)
	}
}

// BackpressureConfig sizes the two lanes of a BackpressureSink.
type BackpressureConfig struct {
	// CriticalBuffer holds lifecycle events. Emission blocks when full.
	// Default: 32.
	CriticalBuffer int

	// DroppableBuffer holds progress and stream events. On overflow the
	// OLDEST queued event is dropped and counted. Default: 256.
	DroppableBuffer int
}

// DefaultBackpressureConfig returns the standard lane sizes.
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{CriticalBuffer: 32, DroppableBuffer: 256}
}

// BackpressureSink separates lifecycle events, which must always reach
// the consumer, from high-volume progress events, which a slow consumer
// may shed. Lifecycle kinds block until buffered; droppable kinds evict
// the oldest queued droppable event when their lane is full.
type BackpressureSink struct {
	critical  chan models.Event
	droppable chan models.Event
	merged    chan models.Event
	done      chan struct{}
	dropped   atomic.Uint64
	closeOnce sync.Once
}

// NewBackpressureSink creates the sink and returns its output channel.
// The caller must consume the channel; it closes after Close.
func NewBackpressureSink(config BackpressureConfig) (*BackpressureSink, <-chan models.Event) {
	if config.CriticalBuffer <= 0 {
		config.CriticalBuffer = 32
	}
	if config.DroppableBuffer <= 0 {
		config.DroppableBuffer = 256
	}
	s := &BackpressureSink{
		critical:  make(chan models.Event, config.CriticalBuffer),
		droppable: make(chan models.Event, config.DroppableBuffer),
		merged:    make(chan models.Event, config.CriticalBuffer),
		done:      make(chan struct{}),
	}
	go s.mergeLoop()
	return s, s.merged
}

// mergeLoop forwards both lanes into the output, preferring critical
// events whenever one is ready. After Close it flushes what is still
// buffered and closes the output.
func (s *BackpressureSink) mergeLoop() {
	defer close(s.merged)
	for {
		select {
		case e := <-s.critical:
			s.merged <- e
			continue
		default:
		}

		select {
		case e := <-s.critical:
			s.merged <- e
		case e := <-s.droppable:
			s.merged <- e
		case <-s.done:
			s.flush()
			return
		}
	}
}

// flush drains both lanes into the output. Emits racing Close may
// still land in a lane; anything buffered by the time flush runs is
// delivered.
func (s *BackpressureSink) flush() {
	for {
		select {
		case e := <-s.critical:
			s.merged <- e
		case e := <-s.droppable:
			s.merged <- e
		default:
			return
		}
	}
}

// Emit routes the event by lane. No-op after Close. Every send selects
// on the done channel so a concurrent Close never strands or crashes
// an emitter; the lane channels themselves are never closed.
func (s *BackpressureSink) Emit(ctx context.Context, e models.Event) {
	if e.Kind.Droppable() {
		for {
			select {
			case <-s.done:
				return
			case s.droppable <- e:
				return
			default:
			}
			select {
			case <-s.droppable:
				s.dropped.Add(1)
			default:
			}
		}
	}

	select {
	case <-s.done:
	case s.critical <- e:
	case <-ctx.Done():
		// Terminal events outlive their request's context; make one
		// more attempt before giving up.
		select {
		case <-s.done:
		case s.critical <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// DroppedCount returns how many droppable events were shed.
func (s *BackpressureSink) DroppedCount() uint64 {
	return s.dropped.Load()
}

// Close stops the sink. The output channel closes once the merge loop
// has flushed what remains in the lanes. Safe to call concurrently
// with Emit, and more than once.
func (s *BackpressureSink) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
