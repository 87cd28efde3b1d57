package ffmpeg

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"sync"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/kikiluvv/slopstudio/internal/decode"
	"github.com/kikiluvv/slopstudio/internal/timecode"
)

// AudioBlockFrames is the number of sample frames per decoded audio block
const AudioBlockFrames = 1024

// Backend decodes media files through ffmpeg pipes. Video is delivered as
// RGBA frames at the job's rate and size, audio as interleaved float32.
type Backend struct {
	exec *Executor
}

// NewBackend creates a decode backend on top of e
func NewBackend(e *Executor) *Backend {
	return &Backend{exec: e}
}

// Probe implements decode.Backend
func (b *Backend) Probe(ctx context.Context, source string) (decode.Info, error) {
	return b.exec.Probe(ctx, source)
}

// Open implements decode.Backend
func (b *Backend) Open(ctx context.Context, job decode.Job) (decode.Stream, error) {
	if job.Media == decode.MediaVideo && (job.Width <= 0 || job.Height <= 0 || job.FPS <= 0) {
		info, err := b.exec.Probe(ctx, job.Source)
		if err != nil {
			return nil, err
		}
		if !info.HasVideo {
			return nil, fmt.Errorf("source %q has no video stream", job.Source)
		}
		if job.Width <= 0 || job.Height <= 0 {
			job.Width, job.Height = info.Width, info.Height
		}
		if job.FPS <= 0 {
			job.FPS = timecode.Rate(info.FPS)
		}
	}
	if job.Media == decode.MediaAudio {
		job.SampleRate = firstPositive(job.SampleRate, 48000)
		job.Channels = firstPositive(job.Channels, 2)
	}

	args := append(b.exec.baseArgs("error", false), decodeArgs(job)...)
	p, err := b.exec.start(ctx, args, startOptions{pipeStdout: true}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s %s: %w", job.Source, job.Media, err)
	}

	st := &pipeStream{
		proc:   p,
		reader: bufio.NewReaderSize(p.stdout, 1<<20),
		job:    job,
		rate:   job.FPS,
	}
	if job.Media == decode.MediaVideo {
		st.frameSize = job.Width * job.Height * 4
		st.pos = job.Start.At(job.FPS).Frames()
		st.pool.New = func() any { return make([]byte, st.frameSize) }
	} else {
		st.frameSize = AudioBlockFrames * job.Channels * 4
		st.sample = int64(math.Round(job.Start.Seconds() * float64(job.SampleRate)))
		if st.rate <= 0 {
			st.rate = timecode.DefaultRate()
		}
	}
	return st, nil
}

// decodeArgs compiles the ffmpeg command line for job, writing raw frames
// to stdout
func decodeArgs(job decode.Job) []string {
	in := ffmpeg.KwArgs{}
	if !job.Start.IsZero() {
		in["ss"] = formatFloat(job.Start.Seconds())
	}

	out := ffmpeg.KwArgs{}
	if !job.End.IsZero() && job.End.After(job.Start) {
		out["t"] = formatFloat(job.End.Sub(job.Start).Seconds())
	}

	switch job.Media {
	case decode.MediaAudio:
		out["format"] = "f32le"
		out["acodec"] = "pcm_f32le"
		out["ar"] = fmt.Sprintf("%d", job.SampleRate)
		out["ac"] = fmt.Sprintf("%d", job.Channels)
		out["vn"] = ""
	default:
		out["format"] = "rawvideo"
		out["pix_fmt"] = "rgba"
		out["an"] = ""
		filters := NewFilterBuilder().
			FPS(float64(job.FPS)).
			Scale(job.Width, job.Height).
			Build()
		if filters != "" {
			out["vf"] = filters
		}
	}

	return ffmpeg.Input(job.Source, in).Output("pipe:1", out).GetArgs()
}

// pipeStream reads fixed-size raw frames from a running ffmpeg
type pipeStream struct {
	proc      *process
	reader    *bufio.Reader
	job       decode.Job
	rate      timecode.Rate
	frameSize int
	pool      sync.Pool

	pos    int64
	sample int64
	done   bool
}

func (st *pipeStream) Next(ctx context.Context) (*decode.Frame, error) {
	if st.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if st.job.Media == decode.MediaAudio {
		return st.nextAudio()
	}

	buf := st.pool.Get().([]byte)
	if _, err := io.ReadFull(st.reader, buf); err != nil {
		st.pool.Put(buf)
		return nil, st.finish(err)
	}

	img := &image.RGBA{
		Pix:    buf,
		Stride: st.job.Width * 4,
		Rect:   image.Rect(0, 0, st.job.Width, st.job.Height),
	}
	f := decode.NewFrame(img, nil, st.rate.Frames(st.pos), func() { st.pool.Put(buf) })
	st.pos++
	return f, nil
}

func (st *pipeStream) nextAudio() (*decode.Frame, error) {
	buf := make([]byte, st.frameSize)
	n, err := io.ReadFull(st.reader, buf)
	if n == 0 {
		return nil, st.finish(err)
	}
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, st.finish(err)
	}

	samples := make([]float32, n/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	ts := st.rate.Seconds(float64(st.sample) / float64(st.job.SampleRate))
	st.sample += int64(len(samples) / st.job.Channels)
	return decode.NewFrame(nil, samples, ts, nil), nil
}

// finish maps the end of the pipe to io.EOF on a clean exit and to the
// ffmpeg error otherwise
func (st *pipeStream) finish(readErr error) error {
	st.done = true
	if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
		if err := st.proc.wait(); err != nil {
			return fmt.Errorf("ffmpeg decode of %s failed: %w", st.job.Source, err)
		}
		return io.EOF
	}
	st.proc.kill()
	return fmt.Errorf("failed to read decoded %s: %w", st.job.Media, readErr)
}

func (st *pipeStream) Close() error {
	st.done = true
	st.proc.kill()
	return nil
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
