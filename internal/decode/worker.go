package decode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// Worker owns a Backend and serves requests received on its inbox. It shares
// nothing with callers: every result travels back on the outbox.
type Worker struct {
	backend Backend
	logger  zerolog.Logger

	in  chan Request
	out chan Response

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	// sessions is only touched by the run loop
	sessions map[uint64]*workerSession
	finished chan uint64
}

type workerSession struct {
	cancel  context.CancelFunc
	credits chan int
}

// NewWorker starts a worker goroutine around backend
func NewWorker(backend Backend, logger zerolog.Logger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		backend:  backend,
		logger:   logger.With().Str("component", "decode-worker").Logger(),
		in:       make(chan Request, 16),
		out:      make(chan Response, 16),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[uint64]*workerSession),
		finished: make(chan uint64, 16),
	}

	w.wg.Add(1)
	go w.run()
	return w
}

// Send delivers a request to the worker
func (w *Worker) Send(ctx context.Context, req Request) error {
	select {
	case w.in <- req:
		return nil
	case <-w.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Responses is closed once the worker has stopped
func (w *Worker) Responses() <-chan Response {
	return w.out
}

// Stop cancels every session and waits for the worker goroutines to exit
func (w *Worker) Stop() {
	w.once.Do(func() {
		w.cancel()
		w.wg.Wait()
		close(w.out)
		w.logger.Debug().Msg("worker stopped")
	})
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			for _, s := range w.sessions {
				s.cancel()
			}
			return
		case id := <-w.finished:
			delete(w.sessions, id)
		case req := <-w.in:
			w.handle(req)
		}
	}
}

func (w *Worker) handle(req Request) {
	switch req.Kind {
	case RequestProbe:
		source, _ := req.Payload.(string)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			info, err := w.backend.Probe(w.ctx, source)
			if err != nil {
				w.reply(w.ctx, Response{Kind: ResponseError, ID: req.ID, Err: err})
				return
			}
			w.reply(w.ctx, Response{Kind: ResponseInfo, ID: req.ID, Info: info})
		}()

	case RequestDecode:
		job, ok := req.Payload.(Job)
		if !ok {
			w.reply(w.ctx, Response{Kind: ResponseError, ID: req.ID, Err: fmt.Errorf("decode request without job")})
			return
		}
		ctx, cancel := context.WithCancel(w.ctx)
		s := &workerSession{cancel: cancel, credits: make(chan int, 64)}
		w.sessions[req.ID] = s
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() {
				select {
				case w.finished <- req.ID:
				case <-w.ctx.Done():
				}
			}()
			w.stream(ctx, req.ID, job, s.credits)
		}()

	case RequestPull:
		s, ok := w.sessions[req.ID]
		if !ok {
			return
		}
		n, _ := req.Payload.(int)
		select {
		case s.credits <- n:
		default:
			w.logger.Warn().Uint64("id", req.ID).Msg("credit queue full, dropping pull")
		}

	case RequestCancel:
		if s, ok := w.sessions[req.ID]; ok {
			s.cancel()
			delete(w.sessions, req.ID)
		}
	}
}

// stream pumps one decode session, sending a frame for every credit granted
func (w *Worker) stream(ctx context.Context, id uint64, job Job, credits <-chan int) {
	log := w.logger.With().Uint64("id", id).Str("source", job.Source).Str("media", job.Media.String()).Logger()

	st, err := w.backend.Open(ctx, job)
	if err != nil {
		w.reply(ctx, Response{Kind: ResponseError, ID: id, Err: err})
		return
	}
	defer st.Close()

	log.Debug().Int64("start", job.Start.Frames()).Int64("end", job.End.Frames()).Msg("session started")

	available := 0
	for {
		for available <= 0 {
			select {
			case n := <-credits:
				available += n
			case <-ctx.Done():
				return
			}
		}

		frame, err := st.Next(ctx)
		if errors.Is(err, io.EOF) {
			w.reply(ctx, Response{Kind: ResponseClose, ID: id})
			log.Debug().Msg("session finished")
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("decode failed")
			w.reply(ctx, Response{Kind: ResponseError, ID: id, Err: err})
			return
		}

		if !w.reply(ctx, Response{Kind: ResponseFrame, ID: id, Frame: frame}) {
			frame.Release()
			return
		}
		available--
	}
}

func (w *Worker) reply(ctx context.Context, resp Response) bool {
	select {
	case w.out <- resp:
		return true
	case <-ctx.Done():
		return false
	}
}
