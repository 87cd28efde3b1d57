package clips

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kikiluvv/slopstudio/internal/timecode"
)

// DefaultStillDuration is how long image and text clips last when placed
// without an explicit range
const DefaultStillDuration = 5 * time.Second

// ImageConfig configures an ImageClip
type ImageConfig struct {
	Name     string
	Rate     timecode.Rate
	Offset   timecode.Timestamp
	Duration time.Duration
	Visual   VisualProperties
	Logger   zerolog.Logger
}

// DefaultImageConfig returns a five second, default-placed image
func DefaultImageConfig() ImageConfig {
	return ImageConfig{
		Duration: DefaultStillDuration,
		Visual:   DefaultVisualProperties(),
		Logger:   zerolog.Nop(),
	}
}

// Validate checks the config
func (c ImageConfig) Validate() error {
	if c.Duration <= 0 {
		return fmt.Errorf("%w: duration %s", ErrInvalidProperty, c.Duration)
	}
	return c.Visual.Validate()
}

// ImageClip shows a still image for its whole window
type ImageClip struct {
	*Base
	visual Visual
	source *Shared

	mu  sync.Mutex
	img image.Image
}

// NewImageClip creates a detached clip over an ImageSource, taking the
// caller's reference
func NewImageClip(src *Shared, cfg ImageConfig) (*ImageClip, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: image clip needs a source", ErrIO)
	}
	if _, ok := src.Source.(*ImageSource); !ok {
		return nil, fmt.Errorf("%w: %s is not an image source", ErrIO, src.Name())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	name := cfg.Name
	if name == "" {
		name = src.Name()
	}
	c := &ImageClip{
		Base:   newBase(KindImage, name, cfg.Rate, cfg.Logger),
		visual: newVisual(cfg.Visual),
		source: src,
	}
	c.SetOffset(cfg.Offset)
	c.rng = NewRange(c.rate.Frames(0), c.rate.Duration(cfg.Duration))
	return c, nil
}

// Source returns the shared source
func (c *ImageClip) Source() *Shared { return c.source }

// Visual returns the visual properties for editing
func (c *ImageClip) Visual() *VisualProperties { return &c.visual.Props }

// Init decodes the image. Stills have no intrinsic duration.
func (c *ImageClip) Init(ctx context.Context) error {
	return c.load(ctx, func(ctx context.Context) (timecode.Timestamp, error) {
		img, err := c.source.Source.(*ImageSource).Image()
		if err != nil {
			return timecode.Timestamp{}, err
		}
		c.mu.Lock()
		c.img = img
		c.mu.Unlock()
		return timecode.Timestamp{}, nil
	})
}

// Exit marks the clip as not drawn
func (c *ImageClip) Exit(ctx context.Context) error {
	c.visual.Unrender()
	return c.Base.Exit(ctx)
}

// Render draws the image
func (c *ImageClip) Render(s Surface, t timecode.Timestamp) error {
	if c.Disabled() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visual.drawImage(s, c.img, t.At(c.rate).Sub(c.Start()))
}

// Unrender marks the clip as not drawn
func (c *ImageClip) Unrender() { c.visual.Unrender() }

// Split implements Clip
func (c *ImageClip) Split(at timecode.Timestamp) (Clip, error) {
	rel, err := c.splitPoint(at)
	if err != nil {
		return nil, err
	}
	right := c.copyClip()
	c.applySplit(right.Base, at)
	c.visual.Props = c.visual.Props.Bake(rel)
	right.visual.Props = right.visual.Props.Bake(rel)
	return right, nil
}

// Copy implements Clip
func (c *ImageClip) Copy() Clip {
	return c.copyClip()
}

func (c *ImageClip) copyClip() *ImageClip {
	c.mu.Lock()
	img := c.img
	c.mu.Unlock()
	return &ImageClip{
		Base:   c.clone(),
		visual: c.visual.clone(),
		source: c.source.Retain(),
		img:    img,
	}
}
