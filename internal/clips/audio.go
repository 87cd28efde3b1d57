package clips

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kikiluvv/slopstudio/internal/timecode"
)

// AudioConfig configures an AudioClip
type AudioConfig struct {
	Name   string
	Rate   timecode.Rate
	Offset timecode.Timestamp
	Media  MediaProperties
	Logger zerolog.Logger
}

// DefaultAudioConfig returns a config with unity gain
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{Media: DefaultMediaProperties(), Logger: zerolog.Nop()}
}

// Validate checks the config
func (c AudioConfig) Validate() error {
	return c.Media.Validate()
}

// AudioClip plays the audio stream of a decodable source
type AudioClip struct {
	*Base
	media media
}

// NewAudioClip creates a detached clip over src, taking the caller's
// reference
func NewAudioClip(src *Shared, cfg AudioConfig) (*AudioClip, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: audio clip needs a source", ErrIO)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	name := cfg.Name
	if name == "" {
		name = src.Name()
	}
	c := &AudioClip{
		Base:  newBase(KindAudio, name, cfg.Rate, cfg.Logger),
		media: newMedia(src, cfg.Media),
	}
	c.SetOffset(cfg.Offset)
	return c, nil
}

// Source returns the shared source
func (c *AudioClip) Source() *Shared { return c.media.source }

// Media returns the audio properties for editing
func (c *AudioClip) Media() *MediaProperties { return &c.media.Props }

// Init probes the source
func (c *AudioClip) Init(ctx context.Context) error {
	return c.load(ctx, func(ctx context.Context) (timecode.Timestamp, error) {
		info, d, err := c.media.probe(ctx, c.rate)
		if err != nil {
			return d, err
		}
		if !info.HasAudio {
			return d, fmt.Errorf("source %s has no audio stream", c.media.source.Name())
		}
		return d, nil
	})
}

// Exit stops the audio session
func (c *AudioClip) Exit(ctx context.Context) error {
	c.media.stopAudio()
	return c.Base.Exit(ctx)
}

// Terminate hard-cancels the audio session
func (c *AudioClip) Terminate() {
	c.media.stopAudio()
}

// Invalidate reports that the source became unusable
func (c *AudioClip) Invalidate(ctx context.Context) error {
	c.Terminate()
	return c.invalidate(ctx, c)
}

// MixAudio adds the clip's sound to dst
func (c *AudioClip) MixAudio(ctx context.Context, dst []float32, at int64, sampleRate, channels int) error {
	return c.media.mix(ctx, c.Base, dst, at, sampleRate, channels)
}

// Split implements Clip
func (c *AudioClip) Split(at timecode.Timestamp) (Clip, error) {
	rel, err := c.splitPoint(at)
	if err != nil {
		return nil, err
	}
	right := c.copyClip()
	c.applySplit(right.Base, at)
	c.media.Props = c.media.Props.Bake(rel)
	right.media.Props = right.media.Props.Bake(rel)
	return right, nil
}

// Copy implements Clip
func (c *AudioClip) Copy() Clip {
	return c.copyClip()
}

func (c *AudioClip) copyClip() *AudioClip {
	return &AudioClip{
		Base:  c.clone(),
		media: newMedia(c.media.source.Retain(), deepCopy(c.media.Props)),
	}
}
