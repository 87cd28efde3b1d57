package framebuffer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrTimeout is returned when Dequeue waited longer than the idle timeout
	ErrTimeout = errors.New("framebuffer: idle timeout waiting for frame")
	// ErrClosed is returned when enqueueing into a closed buffer
	ErrClosed = errors.New("framebuffer: buffer is closed")
	// ErrFull is returned when enqueueing beyond the configured capacity
	ErrFull = errors.New("framebuffer: buffer is full")
)

// DefaultIdleTimeout bounds how long Dequeue waits for a stalled producer
const DefaultIdleTimeout = 20 * time.Second

// Releaser is implemented by items that hold resources which must be freed
// when the buffer drops them
type Releaser interface {
	Release()
}

// State of the buffer
type State int

const (
	Active State = iota
	Closed
)

func (s State) String() string {
	if s == Closed {
		return "closed"
	}
	return "active"
}

// Metrics is a snapshot of buffer counters
type Metrics struct {
	In       uint64 // items accepted by Enqueue
	Out      uint64 // items returned by Dequeue
	Released uint64 // items released by Terminate
	Len      int    // items currently buffered
}

// Buffer is a FIFO that decouples an asynchronous producer from a
// synchronous consumer
type Buffer[T any] struct {
	mu       sync.Mutex
	items    []T
	state    State
	wake     chan struct{}
	capacity int
	timeout  time.Duration
	logger   zerolog.Logger
	metrics  Metrics
}

// Option configures a Buffer
type Option[T any] func(*Buffer[T])

// WithCapacity bounds the number of buffered items. Zero means unbounded.
func WithCapacity[T any](n int) Option[T] {
	return func(b *Buffer[T]) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithIdleTimeout sets how long Dequeue waits on an empty, active buffer
func WithIdleTimeout[T any](d time.Duration) Option[T] {
	return func(b *Buffer[T]) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithLogger injects a logger for diagnostics
func WithLogger[T any](logger zerolog.Logger) Option[T] {
	return func(b *Buffer[T]) {
		b.logger = logger.With().Str("component", "framebuffer").Logger()
	}
}

// New creates an active buffer
func New[T any](opts ...Option[T]) *Buffer[T] {
	b := &Buffer[T]{
		wake:    make(chan struct{}),
		timeout: DefaultIdleTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Enqueue appends an item and wakes any pending consumer
func (b *Buffer[T]) Enqueue(item T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Closed {
		return ErrClosed
	}
	if b.capacity > 0 && len(b.items) >= b.capacity {
		return ErrFull
	}
	b.items = append(b.items, item)
	b.metrics.In++
	b.broadcast()
	return nil
}

// Dequeue returns the oldest item. On an empty active buffer it waits for an
// enqueue, a close, the idle timeout or ctx, whichever comes first. ok is
// false once the buffer is closed and drained.
func (b *Buffer[T]) Dequeue(ctx context.Context) (item T, ok bool, err error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		b.mu.Lock()
		if len(b.items) > 0 {
			item = b.items[0]
			var zero T
			b.items[0] = zero
			b.items = b.items[1:]
			b.metrics.Out++
			b.mu.Unlock()
			return item, true, nil
		}
		if b.state == Closed {
			b.mu.Unlock()
			return item, false, nil
		}
		wake := b.wake
		b.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(b.timeout)
		}

		select {
		case <-wake:
		case <-timer.C:
			b.logger.Warn().Dur("timeout", b.timeout).Msg("dequeue timed out")
			return item, false, ErrTimeout
		case <-ctx.Done():
			return item, false, ctx.Err()
		}
	}
}

// Close stops accepting items. Buffered items remain available to Dequeue.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Closed {
		return
	}
	b.state = Closed
	b.broadcast()
}

// Terminate releases every buffered item and closes the buffer. Waiters see
// end-of-stream.
func (b *Buffer[T]) Terminate() {
	b.mu.Lock()
	items := b.items
	b.items = nil
	b.metrics.Released += uint64(len(items))
	b.state = Closed
	b.broadcast()
	b.mu.Unlock()

	for _, item := range items {
		if r, ok := any(item).(Releaser); ok {
			r.Release()
		}
	}
	if len(items) > 0 {
		b.logger.Debug().Int("released", len(items)).Msg("buffer terminated")
	}
}

// Len returns the number of buffered items
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Capacity returns the configured capacity, zero when unbounded
func (b *Buffer[T]) Capacity() int {
	return b.capacity
}

// State returns the buffer state
func (b *Buffer[T]) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics returns a snapshot of the buffer counters
func (b *Buffer[T]) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.metrics
	m.Len = len(b.items)
	return m
}

// broadcast wakes every waiter. Callers hold b.mu.
func (b *Buffer[T]) broadcast() {
	close(b.wake)
	b.wake = make(chan struct{})
}
