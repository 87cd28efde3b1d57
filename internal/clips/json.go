package clips

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kikiluvv/slopstudio/internal/timecode"
)

type clipJSON struct {
	ID       string             `json:"id"`
	Type     Kind               `json:"type"`
	Name     string             `json:"name,omitempty"`
	Offset   timecode.Timestamp `json:"offset"`
	Range    Range              `json:"range"`
	Disabled bool               `json:"disabled,omitempty"`
	Source   string             `json:"source,omitempty"`
	Visual   *VisualProperties  `json:"visual,omitempty"`
	Media    *MediaProperties   `json:"media,omitempty"`
	Text     *TextProperties    `json:"text,omitempty"`
}

type clipDecode struct {
	ID       string             `json:"id"`
	Type     Kind               `json:"type"`
	Name     string             `json:"name"`
	Offset   timecode.Timestamp `json:"offset"`
	Range    Range              `json:"range"`
	Disabled bool               `json:"disabled"`
	Source   string             `json:"source"`
	Visual   json.RawMessage    `json:"visual"`
	Media    json.RawMessage    `json:"media"`
	Text     json.RawMessage    `json:"text"`
}

func (b *Base) header() clipJSON {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return clipJSON{
		ID:       b.id,
		Type:     b.kind,
		Name:     b.name,
		Offset:   b.offset,
		Range:    b.rng,
		Disabled: b.disabled,
	}
}

// restore applies serialized identity and placement
func (b *Base) restore(d clipDecode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d.ID != "" {
		b.id = d.ID
		b.logger = b.root.With().Str("id", b.id).Logger()
	}
	b.name = d.Name
	b.offset = d.Offset.WithRate(b.rate)
	b.rng = NewRange(d.Range.Start().WithRate(b.rate), d.Range.End().WithRate(b.rate))
	b.disabled = d.Disabled
}

// MarshalJSON implements json.Marshaler
func (c *VideoClip) MarshalJSON() ([]byte, error) {
	j := c.header()
	j.Source = c.media.source.Name()
	j.Visual = &c.visual.Props
	j.Media = &c.media.Props
	return json.Marshal(j)
}

// MarshalJSON implements json.Marshaler
func (c *AudioClip) MarshalJSON() ([]byte, error) {
	j := c.header()
	j.Source = c.media.source.Name()
	j.Media = &c.media.Props
	return json.Marshal(j)
}

// MarshalJSON implements json.Marshaler
func (c *ImageClip) MarshalJSON() ([]byte, error) {
	j := c.header()
	j.Source = c.source.Name()
	j.Visual = &c.visual.Props
	return json.Marshal(j)
}

// MarshalJSON implements json.Marshaler
func (c *TextClip) MarshalJSON() ([]byte, error) {
	j := c.header()
	text := c.Text()
	j.Text = &text
	j.Visual = &c.visual.Props
	return json.Marshal(j)
}

// Marshal serializes any clip variant with its type discriminator
func Marshal(c Clip) ([]byte, error) {
	m, ok := c.(json.Marshaler)
	if !ok {
		return nil, fmt.Errorf("clip %s of kind %s cannot be serialized", c.ID(), c.Kind())
	}
	return m.MarshalJSON()
}

// Unmarshal rebuilds a detached, Idle clip from its serialized form.
// Timestamps are bound to rate and sources are reopened through resolve.
func Unmarshal(data []byte, rate timecode.Rate, resolve Resolver, logger zerolog.Logger) (Clip, error) {
	var d clipDecode
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode clip: %w", err)
	}

	visual := DefaultVisualProperties()
	if err := decodeProps(d.Visual, &visual); err != nil {
		return nil, err
	}
	mediaProps := DefaultMediaProperties()
	if err := decodeProps(d.Media, &mediaProps); err != nil {
		return nil, err
	}
	text := DefaultTextProperties()
	if err := decodeProps(d.Text, &text); err != nil {
		return nil, err
	}

	source := func() (*Shared, error) {
		if resolve == nil {
			return nil, fmt.Errorf("%w: no resolver for source %q", ErrIO, d.Source)
		}
		src, err := resolve(d.Type, d.Source)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to resolve source %q: %w", ErrIO, d.Source, err)
		}
		return Share(src), nil
	}

	var (
		clip Clip
		base *Base
	)
	switch d.Type {
	case KindVideo:
		src, err := source()
		if err != nil {
			return nil, err
		}
		cfg := DefaultVideoConfig()
		cfg.Rate, cfg.Visual, cfg.Media, cfg.Logger = rate, visual, mediaProps, logger
		c, err := NewVideoClip(src, cfg)
		if err != nil {
			return nil, err
		}
		clip, base = c, c.Base

	case KindAudio:
		src, err := source()
		if err != nil {
			return nil, err
		}
		cfg := DefaultAudioConfig()
		cfg.Rate, cfg.Media, cfg.Logger = rate, mediaProps, logger
		c, err := NewAudioClip(src, cfg)
		if err != nil {
			return nil, err
		}
		clip, base = c, c.Base

	case KindImage:
		src, err := source()
		if err != nil {
			return nil, err
		}
		cfg := DefaultImageConfig()
		cfg.Rate, cfg.Visual, cfg.Logger = rate, visual, logger
		c, err := NewImageClip(src, cfg)
		if err != nil {
			return nil, err
		}
		clip, base = c, c.Base

	case KindText, KindCaption:
		cfg := DefaultTextConfig()
		cfg.Rate, cfg.Text, cfg.Visual, cfg.Logger = rate, text, visual, logger
		c, err := newTextClip(d.Type, cfg)
		if err != nil {
			return nil, err
		}
		clip, base = c, c.Base

	default:
		return nil, fmt.Errorf("unknown clip type %q", d.Type)
	}

	base.restore(d)
	return clip, nil
}

func decodeProps(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidProperty, err)
	}
	return nil
}
