package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ixugo/goddd/pkg/queue"
	"github.com/rs/zerolog"
)

// Config locates the binaries. Empty paths are looked up in PATH.
type Config struct {
	FFmpegPath  string
	FFprobePath string
	Threads     int
}

// Executor handles all ffmpeg operations with progress streaming
type Executor struct {
	logger      zerolog.Logger
	ffmpegPath  string
	ffprobePath string
	threads     int
}

// New creates a new ffmpeg executor
func New(logger zerolog.Logger, cfg Config) (*Executor, error) {
	ffmpegPath, err := exec.LookPath(orDefault(cfg.FFmpegPath, "ffmpeg"))
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	ffprobePath, err := exec.LookPath(orDefault(cfg.FFprobePath, "ffprobe"))
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found in PATH: %w", err)
	}

	return &Executor{
		logger:      logger.With().Str("component", "ffmpeg").Logger(),
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		threads:     cfg.Threads,
	}, nil
}

// baseArgs go before every input. -nostdin is left out when ffmpeg reads
// pipe:0.
func (e *Executor) baseArgs(level string, readsStdin bool) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", level}
	if !readsStdin {
		args = append(args, "-nostdin")
	}
	if e.threads > 0 {
		args = append(args, "-threads", fmt.Sprintf("%d", e.threads))
	}
	return args
}

// Run executes ffmpeg with the given arguments and streams progress
func (e *Executor) Run(ctx context.Context, opts RunOptions) error {
	if len(opts.Args) == 0 {
		return fmt.Errorf("no arguments provided")
	}

	args := append(e.baseArgs("info", opts.Stdin != nil), "-progress", "pipe:2")
	args = append(args, opts.Args...)

	parser := &progressParser{handler: opts.ProgressHandler}
	p, err := e.start(ctx, args, startOptions{stdin: opts.Stdin}, func(line string) {
		if opts.LogHandler != nil {
			opts.LogHandler(line)
		}
		parser.feed(line)
	})
	if err != nil {
		return err
	}

	if err := p.wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg execution failed: %w", err)
	}

	e.logger.Debug().Msg("ffmpeg execution completed")
	return nil
}

// process is a running ffmpeg whose stderr tail is kept for error reports
type process struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stdout io.ReadCloser

	logMu sync.Mutex
	log   *queue.CirQueue[string]

	stderrDone chan struct{}
	waitOnce   sync.Once
	waitErr    error
}

type startOptions struct {
	stdin      io.Reader
	pipeStdin  bool
	pipeStdout bool
}

// start launches ffmpeg. Every stderr line is handed to onLine and kept in
// the tail.
func (e *Executor) start(ctx context.Context, args []string, opts startOptions, onLine func(string)) (*process, error) {
	e.logger.Debug().
		Str("cmd", "ffmpeg").
		Strs("args", args).
		Msg("executing ffmpeg")

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)
	if !opts.pipeStdin {
		cmd.Stdin = opts.stdin
	}
	cmd.WaitDelay = 5 * time.Second

	p := &process{
		cmd:        cmd,
		cancel:     cancel,
		log:        queue.NewCirQueue[string](100),
		stderrDone: make(chan struct{}),
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if opts.pipeStdin {
		if p.stdin, err = cmd.StdinPipe(); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
		}
	}
	if opts.pipeStdout {
		if p.stdout, err = cmd.StdoutPipe(); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	go func() {
		defer close(p.stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			p.logMu.Lock()
			p.log.Push(line)
			p.logMu.Unlock()
			if onLine != nil {
				onLine(line)
			}
		}
		// keep draining so an overlong line cannot block ffmpeg
		_, _ = io.Copy(io.Discard, stderr)
	}()

	return p, nil
}

// wait reaps the process once. Reads from stdout must be finished first.
func (p *process) wait() error {
	p.waitOnce.Do(func() {
		<-p.stderrDone
		p.waitErr = p.cmd.Wait()
		p.cancel()
		if p.waitErr != nil {
			if tail := p.tail(); tail != "" {
				p.waitErr = fmt.Errorf("%w: %s", p.waitErr, tail)
			}
		}
	})
	return p.waitErr
}

// kill stops the process and reaps it
func (p *process) kill() {
	p.cancel()
	_ = p.wait()
}

// tail returns the last lines ffmpeg logged
func (p *process) tail() string {
	p.logMu.Lock()
	defer p.logMu.Unlock()
	return strings.TrimSpace(strings.Join(p.log.Range(), "\n"))
}

// progressParser accumulates -progress key=value blocks
type progressParser struct {
	handler ProgressFunc
	current Progress
}

func (pp *progressParser) feed(line string) {
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return
	}
	value = strings.TrimSpace(value)

	switch key {
	case "frame":
		fmt.Sscanf(value, "%d", &pp.current.Frame)
	case "fps":
		fmt.Sscanf(value, "%f", &pp.current.FPS)
	case "bitrate":
		pp.current.Bitrate = value
	case "out_time", "time":
		pp.current.Time = value
	case "speed":
		pp.current.Speed = value
	case "progress":
		// End of progress block
		if pp.handler != nil && pp.current.Frame > 0 {
			snapshot := pp.current
			pp.handler(&snapshot)
		}
		pp.current = Progress{}
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
