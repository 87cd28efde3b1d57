package clips

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kikiluvv/slopstudio/internal/decode"
	"github.com/kikiluvv/slopstudio/internal/timecode"
)

// VideoConfig configures a VideoClip
type VideoConfig struct {
	Name   string
	Rate   timecode.Rate
	Offset timecode.Timestamp
	Visual VisualProperties
	Media  MediaProperties
	// RestartThreshold is the forward jump, in frames, beyond which the
	// decoder is restarted instead of skipping frames. Zero means one second.
	RestartThreshold int64
	Logger           zerolog.Logger
}

// DefaultVideoConfig returns a config with default properties
func DefaultVideoConfig() VideoConfig {
	return VideoConfig{
		Visual: DefaultVisualProperties(),
		Media:  DefaultMediaProperties(),
		Logger: zerolog.Nop(),
	}
}

// Validate checks the config
func (c VideoConfig) Validate() error {
	if err := c.Visual.Validate(); err != nil {
		return err
	}
	if c.RestartThreshold < 0 {
		return fmt.Errorf("%w: restart threshold %d", ErrInvalidProperty, c.RestartThreshold)
	}
	return c.Media.Validate()
}

// VideoClip plays the video and audio streams of a decodable source
type VideoClip struct {
	*Base
	visual Visual
	media  media

	threshold int64

	mu      sync.Mutex
	width   int
	height  int
	session *decode.Session
	frame   *decode.Frame
	last    int64
	eos     bool
}

// NewVideoClip creates a detached clip over src. The clip takes ownership of
// the caller's reference to src.
func NewVideoClip(src *Shared, cfg VideoConfig) (*VideoClip, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: video clip needs a source", ErrIO)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	name := cfg.Name
	if name == "" {
		name = src.Name()
	}
	c := &VideoClip{
		Base:      newBase(KindVideo, name, cfg.Rate, cfg.Logger),
		visual:    newVisual(cfg.Visual),
		media:     newMedia(src, cfg.Media),
		threshold: cfg.RestartThreshold,
	}
	c.SetOffset(cfg.Offset)
	if c.threshold == 0 {
		c.threshold = int64(c.rate + 0.5)
	}
	return c, nil
}

// Source returns the shared source
func (c *VideoClip) Source() *Shared { return c.media.source }

// Visual returns the visual properties for editing
func (c *VideoClip) Visual() *VisualProperties { return &c.visual.Props }

// Media returns the audio properties for editing
func (c *VideoClip) Media() *MediaProperties { return &c.media.Props }

// Init probes the source
func (c *VideoClip) Init(ctx context.Context) error {
	return c.load(ctx, func(ctx context.Context) (timecode.Timestamp, error) {
		info, d, err := c.media.probe(ctx, c.rate)
		if err != nil {
			return d, err
		}
		if !info.HasVideo {
			return d, fmt.Errorf("source %s has no video stream", c.media.source.Name())
		}
		c.mu.Lock()
		c.width, c.height = info.Width, info.Height
		c.mu.Unlock()
		return d, nil
	})
}

// Seek restarts decoding at t when t is inside the window, otherwise it
// drops decode state
func (c *VideoClip) Seek(ctx context.Context, t timecode.Timestamp) error {
	if !c.Contains(t) {
		c.mu.Lock()
		c.stopLocked()
		c.mu.Unlock()
		return nil
	}
	return c.Update(ctx, t)
}

// Update advances the decoder to timeline time t. Frames older than t are
// dropped; a backward or long forward jump restarts the session.
func (c *VideoClip) Update(ctx context.Context, t timecode.Timestamp) error {
	if c.Disabled() {
		return nil
	}
	local := t.At(c.rate).Sub(c.Offset()).Frames()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil && !c.eos || local < c.last || local-c.last > c.threshold {
		if err := c.restartLocked(ctx, local); err != nil {
			return err
		}
	}
	c.last = local

	for !c.eos && (c.frame == nil || c.frame.Timestamp.Frames() < local) {
		f, err := c.session.Next(ctx)
		if errors.Is(err, io.EOF) {
			c.eos = true
			break
		}
		if err != nil {
			c.stopLocked()
			return err
		}
		c.frame.Release()
		c.frame = f
	}
	return nil
}

// Exit cancels decoding and releases the held frame
func (c *VideoClip) Exit(ctx context.Context) error {
	c.mu.Lock()
	c.stopLocked()
	c.mu.Unlock()
	c.media.stopAudio()
	c.visual.Unrender()
	return c.Base.Exit(ctx)
}

// Terminate hard-cancels every decode session
func (c *VideoClip) Terminate() {
	c.mu.Lock()
	c.stopLocked()
	c.mu.Unlock()
	c.media.stopAudio()
}

// Invalidate reports that the source became unusable: the clip returns to
// Idle and is evicted from its track
func (c *VideoClip) Invalidate(ctx context.Context) error {
	c.Terminate()
	return c.invalidate(ctx, c)
}

// Render draws the current frame
func (c *VideoClip) Render(s Surface, t timecode.Timestamp) error {
	if c.Disabled() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frame == nil {
		return nil
	}
	return c.visual.drawImage(s, c.frame.Image, t.At(c.rate).Sub(c.Start()))
}

// Unrender marks the clip as not drawn
func (c *VideoClip) Unrender() { c.visual.Unrender() }

// MixAudio adds the clip's soundtrack to dst
func (c *VideoClip) MixAudio(ctx context.Context, dst []float32, at int64, sampleRate, channels int) error {
	return c.media.mix(ctx, c.Base, dst, at, sampleRate, channels)
}

// Split implements Clip
func (c *VideoClip) Split(at timecode.Timestamp) (Clip, error) {
	rel, err := c.splitPoint(at)
	if err != nil {
		return nil, err
	}
	right := c.copyClip()
	c.applySplit(right.Base, at)

	c.visual.Props = c.visual.Props.Bake(rel)
	c.media.Props = c.media.Props.Bake(rel)
	right.visual.Props = right.visual.Props.Bake(rel)
	right.media.Props = right.media.Props.Bake(rel)
	return right, nil
}

// Copy implements Clip
func (c *VideoClip) Copy() Clip {
	return c.copyClip()
}

func (c *VideoClip) copyClip() *VideoClip {
	c.mu.Lock()
	w, h := c.width, c.height
	c.mu.Unlock()
	return &VideoClip{
		Base:      c.clone(),
		visual:    c.visual.clone(),
		media:     newMedia(c.media.source.Retain(), deepCopy(c.media.Props)),
		threshold: c.threshold,
		width:     w,
		height:    h,
	}
}

func (c *VideoClip) restartLocked(ctx context.Context, local int64) error {
	c.stopLocked()

	src, err := c.media.mediaSource()
	if err != nil {
		return err
	}
	session, err := src.Decode(ctx, decode.Job{
		Media:  decode.MediaVideo,
		Start:  c.rate.Frames(local),
		End:    c.Range().End(),
		FPS:    c.rate,
		Width:  c.width,
		Height: c.height,
	})
	if err != nil {
		return fmt.Errorf("failed to start video decode: %w", err)
	}
	c.logger.Debug().Int64("frame", local).Msg("video decode started")
	c.session = session
	c.last = local
	return nil
}

// stopLocked cancels the session and clears its reference
func (c *VideoClip) stopLocked() {
	if c.session != nil {
		c.session.Cancel()
		c.session = nil
	}
	c.frame.Release()
	c.frame = nil
	c.eos = false
}
