package decode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kikiluvv/slopstudio/internal/framebuffer"
)

// DefaultPrefetch is the number of frames a session requests up front
const DefaultPrefetch = 8

// Client is the request/reply side of the worker protocol. Every request
// gets a correlation id; replies are routed back to the probe future or the
// session that owns the id.
type Client struct {
	worker   *Worker
	logger   zerolog.Logger
	prefetch int
	timeout  time.Duration

	nextID atomic.Uint64

	mu       sync.Mutex
	probes   map[uint64]chan Response
	sessions map[uint64]*Session
	closed   bool

	routed chan struct{}
}

// Option configures a Client
type Option func(*Client)

// WithLogger injects a logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithPrefetch sets how many frames a session keeps in flight
func WithPrefetch(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.prefetch = n
		}
	}
}

// WithIdleTimeout bounds how long Session.Next waits for a stalled worker
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient starts a worker around backend and routes its responses
func NewClient(backend Backend, opts ...Option) *Client {
	c := &Client{
		logger:   zerolog.Nop(),
		prefetch: DefaultPrefetch,
		timeout:  framebuffer.DefaultIdleTimeout,
		probes:   make(map[uint64]chan Response),
		sessions: make(map[uint64]*Session),
		routed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.worker = NewWorker(backend, c.logger)
	c.logger = c.logger.With().Str("component", "decode-client").Logger()

	go c.route()
	return c
}

// Probe asks the worker for source metadata
func (c *Client) Probe(ctx context.Context, source string) (Info, error) {
	id := c.nextID.Add(1)
	reply := make(chan Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Info{}, ErrClosed
	}
	c.probes[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.probes, id)
		c.mu.Unlock()
	}()

	if err := c.worker.Send(ctx, Request{Kind: RequestProbe, ID: id, Payload: source}); err != nil {
		return Info{}, err
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return Info{}, ErrClosed
		}
		if resp.Kind == ResponseError {
			return Info{}, fmt.Errorf("%w: probe %s: %w", ErrDecode, source, resp.Err)
		}
		return resp.Info, nil
	case <-ctx.Done():
		return Info{}, ctx.Err()
	}
}

// Decode starts a streaming session for job
func (c *Client) Decode(ctx context.Context, job Job) (*Session, error) {
	id := c.nextID.Add(1)
	s := &Session{
		id:     id,
		job:    job,
		client: c,
		buf: framebuffer.New(
			framebuffer.WithIdleTimeout[*Frame](c.timeout),
			framebuffer.WithLogger[*Frame](c.logger),
		),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.sessions[id] = s
	c.mu.Unlock()

	if err := c.worker.Send(ctx, Request{Kind: RequestDecode, ID: id, Payload: job}); err != nil {
		c.forget(id)
		return nil, err
	}
	if err := c.pull(ctx, id, c.prefetch); err != nil {
		s.Cancel()
		return nil, err
	}

	c.logger.Debug().Uint64("id", id).Str("source", job.Source).Msg("decode session opened")
	return s, nil
}

// Sessions returns the number of live sessions
func (c *Client) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Close stops the worker and terminates every live session
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.terminate()
	}
	c.worker.Stop()
	<-c.routed
	return nil
}

func (c *Client) pull(ctx context.Context, id uint64, n int) error {
	return c.worker.Send(ctx, Request{Kind: RequestPull, ID: id, Payload: n})
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

func (c *Client) route() {
	defer close(c.routed)
	for resp := range c.worker.Responses() {
		c.mu.Lock()
		probe, isProbe := c.probes[resp.ID]
		session := c.sessions[resp.ID]
		c.mu.Unlock()

		switch {
		case isProbe:
			probe <- resp
		case session != nil:
			session.deliver(resp)
		case resp.Frame != nil:
			resp.Frame.Release()
		}
	}

	c.mu.Lock()
	for id, probe := range c.probes {
		close(probe)
		delete(c.probes, id)
	}
	c.mu.Unlock()
}

// Session is one streaming decode. Frames arrive in a FrameBuffer that the
// consumer drains with Next; each dequeue grants the worker one more credit.
type Session struct {
	id     uint64
	job    Job
	client *Client

	mu  sync.Mutex
	buf *framebuffer.Buffer[*Frame]
	err error
}

// ID returns the session correlation id
func (s *Session) ID() uint64 { return s.id }

// Job returns the job the session decodes
func (s *Session) Job() Job { return s.job }

// Next returns the next frame, io.EOF at the end of the range, a wrapped
// ErrDecode if the worker failed, or framebuffer.ErrTimeout on a stall.
func (s *Session) Next(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	buf := s.buf
	s.mu.Unlock()
	if buf == nil {
		return nil, ErrCancelled
	}

	frame, ok, err := buf.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}

	if err := s.client.pull(ctx, s.id, 1); err != nil && !errors.Is(err, ErrClosed) {
		frame.Release()
		return nil, err
	}
	return frame, nil
}

// Buffered returns the number of frames waiting in the session buffer
func (s *Session) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return 0
	}
	return s.buf.Len()
}

// Cancel stops the worker side, releases every buffered frame and drops the
// buffer so it can no longer be drained.
func (s *Session) Cancel() {
	if s.terminate() {
		_ = s.client.worker.Send(context.Background(), Request{Kind: RequestCancel, ID: s.id})
	}
}

func (s *Session) terminate() bool {
	s.mu.Lock()
	buf := s.buf
	s.buf = nil
	s.mu.Unlock()

	s.client.forget(s.id)
	if buf == nil {
		return false
	}
	buf.Terminate()
	return true
}

func (s *Session) deliver(resp Response) {
	s.mu.Lock()
	buf := s.buf
	s.mu.Unlock()

	if buf == nil {
		if resp.Frame != nil {
			resp.Frame.Release()
		}
		return
	}

	switch resp.Kind {
	case ResponseFrame:
		if err := buf.Enqueue(resp.Frame); err != nil {
			resp.Frame.Release()
		}
	case ResponseClose:
		buf.Close()
		s.client.forget(s.id)
	case ResponseError:
		s.mu.Lock()
		s.err = fmt.Errorf("%w: %s: %w", ErrDecode, s.job.Source, resp.Err)
		s.mu.Unlock()
		buf.Close()
		s.client.forget(s.id)
	}
}
