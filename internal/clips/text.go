package clips

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kikiluvv/slopstudio/internal/timecode"
)

// TextConfig configures a TextClip
type TextConfig struct {
	Name     string
	Rate     timecode.Rate
	Offset   timecode.Timestamp
	Duration time.Duration
	Text     TextProperties
	Visual   VisualProperties
	Logger   zerolog.Logger
}

// DefaultTextConfig returns five seconds of centered white text
func DefaultTextConfig() TextConfig {
	return TextConfig{
		Duration: DefaultStillDuration,
		Text:     DefaultTextProperties(),
		Visual:   DefaultVisualProperties(),
		Logger:   zerolog.Nop(),
	}
}

// Validate checks the config
func (c TextConfig) Validate() error {
	if c.Duration <= 0 {
		return fmt.Errorf("%w: duration %s", ErrInvalidProperty, c.Duration)
	}
	if err := c.Text.Validate(); err != nil {
		return err
	}
	return c.Visual.Validate()
}

// TextClip draws a string. Caption clips are text clips of kind caption,
// which caption tracks allow to overlap.
type TextClip struct {
	*Base
	visual Visual

	mu   sync.Mutex
	text TextProperties
}

// NewTextClip creates a detached text clip
func NewTextClip(cfg TextConfig) (*TextClip, error) {
	return newTextClip(KindText, cfg)
}

// NewCaptionClip creates a detached caption clip
func NewCaptionClip(cfg TextConfig) (*TextClip, error) {
	return newTextClip(KindCaption, cfg)
}

func newTextClip(kind Kind, cfg TextConfig) (*TextClip, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &TextClip{
		Base:   newBase(kind, cfg.Name, cfg.Rate, cfg.Logger),
		visual: newVisual(cfg.Visual),
		text:   cfg.Text,
	}
	c.SetOffset(cfg.Offset)
	c.rng = NewRange(c.rate.Frames(0), c.rate.Duration(cfg.Duration))
	return c, nil
}

// Visual returns the visual properties for editing
func (c *TextClip) Visual() *VisualProperties { return &c.visual.Props }

// Text returns the text properties
func (c *TextClip) Text() TextProperties {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

// SetText replaces the string
func (c *TextClip) SetText(text string) {
	c.mu.Lock()
	c.text.Text = text
	c.mu.Unlock()
}

// SetTextProperties replaces every text property after validation
func (c *TextClip) SetTextProperties(p TextProperties) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.text = p
	c.mu.Unlock()
	return nil
}

// Init has nothing to load; the clip becomes Ready
func (c *TextClip) Init(ctx context.Context) error {
	return c.load(ctx, func(context.Context) (timecode.Timestamp, error) {
		return timecode.Timestamp{}, nil
	})
}

// Exit marks the clip as not drawn
func (c *TextClip) Exit(ctx context.Context) error {
	c.visual.Unrender()
	return c.Base.Exit(ctx)
}

// Render draws the text
func (c *TextClip) Render(s Surface, t timecode.Timestamp) error {
	if c.Disabled() {
		return nil
	}
	rel := t.At(c.rate).Sub(c.Start())
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visual.drawText(s, c.text.Text, c.text.Style(rel), rel)
}

// Unrender marks the clip as not drawn
func (c *TextClip) Unrender() { c.visual.Unrender() }

// Split implements Clip
func (c *TextClip) Split(at timecode.Timestamp) (Clip, error) {
	rel, err := c.splitPoint(at)
	if err != nil {
		return nil, err
	}
	right := c.copyClip()
	c.applySplit(right.Base, at)

	c.mu.Lock()
	c.text = c.text.Bake(rel)
	c.mu.Unlock()
	c.visual.Props = c.visual.Props.Bake(rel)
	right.text = right.text.Bake(rel)
	right.visual.Props = right.visual.Props.Bake(rel)
	return right, nil
}

// Copy implements Clip
func (c *TextClip) Copy() Clip {
	return c.copyClip()
}

func (c *TextClip) copyClip() *TextClip {
	c.mu.Lock()
	text := deepCopy(c.text)
	c.mu.Unlock()
	return &TextClip{
		Base:   c.clone(),
		visual: c.visual.clone(),
		text:   text,
	}
}
