package mux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrOutOfOrder is returned when a chunk's timestamp goes back in time
	// on its stream
	ErrOutOfOrder = errors.New("mux: chunk out of order")
	// ErrClosed is returned when writing to a closed or aborted sink
	ErrClosed = errors.New("mux: sink closed")
)

// Stream identifies an elementary stream
type Stream int

const (
	StreamVideo Stream = iota
	StreamAudio
)

func (s Stream) String() string {
	if s == StreamAudio {
		return "audio"
	}
	return "video"
}

// ChunkType tells whether a chunk can be decoded on its own
type ChunkType int

const (
	Key ChunkType = iota
	Delta
)

// Chunk is one encoded unit of a stream
type Chunk struct {
	Stream    Stream
	Type      ChunkType
	Data      []byte
	Timestamp time.Duration
	Duration  time.Duration
}

// VideoFormat describes raw video chunks
type VideoFormat struct {
	Width  int
	Height int
	FPS    float64
}

// AudioFormat describes interleaved float32 PCM chunks
type AudioFormat struct {
	SampleRate int
	Channels   int
}

// Sink consumes encoded chunks. Close finalizes the output; Abort discards it
// and releases every resource.
type Sink interface {
	WriteChunk(ctx context.Context, c Chunk) error
	Close() error
	Abort()
}

// OrderedSink rejects chunks whose timestamp is earlier than the previous
// chunk of the same stream
type OrderedSink struct {
	mu     sync.Mutex
	sink   Sink
	last   map[Stream]time.Duration
	closed bool
}

// Ordered wraps sink with the per-stream ordering check
func Ordered(sink Sink) *OrderedSink {
	return &OrderedSink{sink: sink, last: make(map[Stream]time.Duration)}
}

// WriteChunk implements Sink
func (o *OrderedSink) WriteChunk(ctx context.Context, c Chunk) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if last, ok := o.last[c.Stream]; ok && c.Timestamp < last {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s chunk at %s after %s", ErrOutOfOrder, c.Stream, c.Timestamp, last)
	}
	o.last[c.Stream] = c.Timestamp
	o.mu.Unlock()
	return o.sink.WriteChunk(ctx, c)
}

// Close implements Sink
func (o *OrderedSink) Close() error {
	if !o.finish() {
		return nil
	}
	return o.sink.Close()
}

// Abort implements Sink
func (o *OrderedSink) Abort() {
	if o.finish() {
		o.sink.Abort()
	}
}

func (o *OrderedSink) finish() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.closed = true
	return true
}

// MemorySink keeps every chunk in memory
type MemorySink struct {
	mu      sync.Mutex
	chunks  []Chunk
	closed  bool
	aborted bool

	// FailAfter makes WriteChunk return Err once that many chunks are stored.
	// Zero disables it.
	FailAfter int
	Err       error
}

// NewMemorySink creates an empty sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// WriteChunk implements Sink
func (m *MemorySink) WriteChunk(ctx context.Context, c Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.aborted {
		return ErrClosed
	}
	if m.FailAfter > 0 && len(m.chunks) >= m.FailAfter {
		if m.Err != nil {
			return m.Err
		}
		return fmt.Errorf("mux: sink failed after %d chunks", m.FailAfter)
	}
	m.chunks = append(m.chunks, c)
	return nil
}

// Close implements Sink
func (m *MemorySink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Abort implements Sink
func (m *MemorySink) Abort() {
	m.mu.Lock()
	m.aborted = true
	m.chunks = nil
	m.mu.Unlock()
}

// Chunks returns the stored chunks of stream in write order
func (m *MemorySink) Chunks(stream Stream) []Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Chunk
	for _, c := range m.chunks {
		if c.Stream == stream {
			out = append(out, c)
		}
	}
	return out
}

// Closed reports whether Close was called
func (m *MemorySink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Aborted reports whether Abort was called
func (m *MemorySink) Aborted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aborted
}
