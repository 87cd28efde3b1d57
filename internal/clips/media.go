package clips

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/kikiluvv/slopstudio/internal/decode"
	"github.com/kikiluvv/slopstudio/internal/timecode"
)

// media is the behaviour shared by clips backed by a decodable source: the
// source reference, audio properties and the audio stream reader
type media struct {
	source *Shared
	Props  MediaProperties

	mu       sync.Mutex
	hasAudio bool
	audio    audioReader
}

func newMedia(src *Shared, props MediaProperties) media {
	return media{source: src, Props: props}
}

func (m *media) mediaSource() (MediaSource, error) {
	ms, ok := m.source.Source.(MediaSource)
	if !ok {
		return nil, fmt.Errorf("%w: source %s cannot be decoded", ErrIO, m.source.Name())
	}
	return ms, nil
}

// probe loads source metadata and reports the duration at rate
func (m *media) probe(ctx context.Context, rate timecode.Rate) (decode.Info, timecode.Timestamp, error) {
	info, err := m.source.Probe(ctx)
	if err != nil {
		return info, timecode.Timestamp{}, err
	}
	if info.Duration <= 0 {
		return info, timecode.Timestamp{}, fmt.Errorf("source %s has no duration", m.source.Name())
	}
	m.mu.Lock()
	m.hasAudio = info.HasAudio
	m.mu.Unlock()
	return info, rate.Duration(info.Duration), nil
}

// mix adds this clip's audio for the timeline block starting at sample at
func (m *media) mix(ctx context.Context, b *Base, dst []float32, at int64, sampleRate, channels int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasAudio || b.Disabled() || m.Props.Muted || channels <= 0 || sampleRate <= 0 {
		return nil
	}

	sr := float64(sampleRate)
	start := int64(math.Round(b.Start().Seconds() * sr))
	stop := int64(math.Round(b.Stop().Seconds() * sr))
	offset := int64(math.Round(b.Offset().Seconds() * sr))

	frames := int64(len(dst) / channels)
	lo, hi := max(at, start), min(at+frames, stop)
	if lo >= hi {
		return nil
	}

	ms, err := m.mediaSource()
	if err != nil {
		return err
	}
	rel := b.rate.Seconds(float64(lo-start) / sr)
	gain := m.Props.Gain(rel)
	window := dst[(lo-at)*int64(channels) : (hi-at)*int64(channels)]
	return m.audio.read(ctx, ms, b, window, lo-offset, sampleRate, channels, gain)
}

func (m *media) stopAudio() {
	m.mu.Lock()
	m.audio.reset()
	m.mu.Unlock()
}

// audioReader pulls sample blocks from an audio decode session and keeps
// the remainder of the last block between calls
type audioReader struct {
	session    *decode.Session
	pending    []float32
	pos        int64
	skip       int64
	eof        bool
	sampleRate int
	channels   int
}

// read mixes len(dst)/channels sample frames starting at source sample
// index from into dst, scaled by gain
func (a *audioReader) read(ctx context.Context, src MediaSource, b *Base, dst []float32, from int64, sampleRate, channels int, gain float32) error {
	if a.session == nil && !a.eof || from != a.pos || sampleRate != a.sampleRate || channels != a.channels {
		if err := a.restart(ctx, src, b, from, sampleRate, channels); err != nil {
			return err
		}
	}

	frames := int64(len(dst) / channels)
	for i := int64(0); i < frames; {
		if len(a.pending) == 0 {
			if a.eof {
				break
			}
			f, err := a.session.Next(ctx)
			if errors.Is(err, io.EOF) {
				a.eof = true
				break
			}
			if err != nil {
				a.reset()
				return err
			}
			a.pending = append(a.pending[:0], f.Samples...)
			f.Release()
			continue
		}

		avail := int64(len(a.pending) / channels)
		if a.skip > 0 {
			n := min(a.skip, avail)
			a.pending = a.pending[n*int64(channels):]
			a.skip -= n
			continue
		}

		n := min(frames-i, avail)
		out := dst[i*int64(channels) : (i+n)*int64(channels)]
		for k := range out {
			out[k] += a.pending[k] * gain
		}
		a.pending = a.pending[n*int64(channels):]
		i += n
	}
	a.pos = from + frames
	return nil
}

// restart opens a session at the frame at or before sample from and skips
// forward to it
func (a *audioReader) restart(ctx context.Context, src MediaSource, b *Base, from int64, sampleRate, channels int) error {
	a.reset()

	sr := float64(sampleRate)
	startFrame := int64(math.Floor(float64(from) * float64(b.rate) / sr))
	start := b.rate.Frames(startFrame)
	first := int64(math.Round(start.Seconds() * sr))

	session, err := src.Decode(ctx, decode.Job{
		Media:      decode.MediaAudio,
		Start:      start,
		End:        b.Range().End(),
		FPS:        b.rate,
		SampleRate: sampleRate,
		Channels:   channels,
	})
	if err != nil {
		return fmt.Errorf("failed to start audio decode: %w", err)
	}

	a.session = session
	a.sampleRate = sampleRate
	a.channels = channels
	a.pos = from
	a.skip = max(from-first, 0)
	return nil
}

func (a *audioReader) reset() {
	if a.session != nil {
		a.session.Cancel()
		a.session = nil
	}
	a.pending = a.pending[:0]
	a.skip = 0
	a.eof = false
}
