package decode

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/kikiluvv/slopstudio/internal/timecode"
)

// SyntheticSource describes a generated source served by Synthetic
type SyntheticSource struct {
	Info Info
	// Color fills every frame; frame index is written into the blue channel
	Color color.RGBA
	// Fail is returned by Next once the frame index reaches FailAt
	Fail   error
	FailAt int64
	// Stall makes Next block until the context ends
	Stall bool
}

// Synthetic is an in-process Backend that generates solid frames and a sine
// tone. It stands in for a real decoder in tests and dry runs.
type Synthetic struct {
	mu      sync.RWMutex
	sources map[string]SyntheticSource

	opens    atomic.Int64
	released atomic.Int64
}

// AudioBlockFrames is the number of sample frames per generated audio block
const AudioBlockFrames = 1024

// NewSynthetic creates an empty synthetic backend
func NewSynthetic() *Synthetic {
	return &Synthetic{sources: make(map[string]SyntheticSource)}
}

// Add registers a source under name
func (s *Synthetic) Add(name string, src SyntheticSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[name] = src
}

// Opens returns how many streams have been opened
func (s *Synthetic) Opens() int64 { return s.opens.Load() }

// Released returns how many generated frames have been released
func (s *Synthetic) Released() int64 { return s.released.Load() }

func (s *Synthetic) lookup(name string) (SyntheticSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[name]
	if !ok {
		return SyntheticSource{}, fmt.Errorf("source %q not found", name)
	}
	return src, nil
}

// Probe implements Backend
func (s *Synthetic) Probe(ctx context.Context, source string) (Info, error) {
	src, err := s.lookup(source)
	if err != nil {
		return Info{}, err
	}
	return src.Info, nil
}

// Open implements Backend
func (s *Synthetic) Open(ctx context.Context, job Job) (Stream, error) {
	src, err := s.lookup(job.Source)
	if err != nil {
		return nil, err
	}
	if job.Media == MediaVideo && !src.Info.HasVideo {
		return nil, fmt.Errorf("source %q has no video stream", job.Source)
	}
	if job.Media == MediaAudio && !src.Info.HasAudio {
		return nil, fmt.Errorf("source %q has no audio stream", job.Source)
	}
	s.opens.Add(1)

	rate := job.FPS
	if rate <= 0 {
		rate = timecode.Rate(src.Info.FPS)
	}
	end := rate.Duration(src.Info.Duration)
	if !job.End.IsZero() && job.End.At(rate).Before(end) {
		end = job.End.At(rate)
	}

	st := &syntheticStream{
		owner: s,
		src:   src,
		job:   job,
		rate:  rate,
		pos:   job.Start.At(rate).Frames(),
		end:   end.Frames(),
	}
	if job.Media == MediaAudio {
		st.sampleRate = firstPositive(job.SampleRate, src.Info.SampleRate, 48000)
		st.channels = firstPositive(job.Channels, src.Info.Channels, 2)
		st.sample = int64(math.Round(job.Start.Seconds() * float64(st.sampleRate)))
		st.sampleEnd = int64(math.Round(end.Seconds() * float64(st.sampleRate)))
	}
	return st, nil
}

type syntheticStream struct {
	owner *Synthetic
	src   SyntheticSource
	job   Job
	rate  timecode.Rate

	pos, end int64

	sampleRate, channels int
	sample, sampleEnd    int64
}

func (st *syntheticStream) Next(ctx context.Context) (*Frame, error) {
	if st.src.Stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if st.job.Media == MediaAudio {
		return st.nextAudio()
	}
	if st.pos >= st.end {
		return nil, io.EOF
	}
	if st.src.Fail != nil && st.pos >= st.src.FailAt {
		return nil, st.src.Fail
	}

	w := firstPositive(st.job.Width, st.src.Info.Width, 16)
	h := firstPositive(st.job.Height, st.src.Info.Height, 16)
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	c := st.src.Color
	c.B = uint8(st.pos % 256)
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}

	f := NewFrame(img, nil, st.rate.Frames(st.pos), func() { st.owner.released.Add(1) })
	st.pos++
	return f, nil
}

func (st *syntheticStream) nextAudio() (*Frame, error) {
	if st.sample >= st.sampleEnd {
		return nil, io.EOF
	}
	n := int64(AudioBlockFrames)
	if st.sampleEnd-st.sample < n {
		n = st.sampleEnd - st.sample
	}
	samples := make([]float32, int(n)*st.channels)
	for i := int64(0); i < n; i++ {
		v := float32(0.25 * math.Sin(2*math.Pi*440*float64(st.sample+i)/float64(st.sampleRate)))
		for ch := 0; ch < st.channels; ch++ {
			samples[int(i)*st.channels+ch] = v
		}
	}
	ts := st.rate.Seconds(float64(st.sample) / float64(st.sampleRate))
	st.sample += n
	return NewFrame(nil, samples, ts, func() { st.owner.released.Add(1) }), nil
}

func (st *syntheticStream) Close() error { return nil }

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
