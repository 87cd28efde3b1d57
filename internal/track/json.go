package track

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kikiluvv/slopstudio/internal/clips"
	"github.com/kikiluvv/slopstudio/internal/timecode"
)

type trackJSON struct {
	ID       string            `json:"id"`
	Type     clips.Kind        `json:"type"`
	Stacked  bool              `json:"stacked,omitempty"`
	Disabled bool              `json:"disabled,omitempty"`
	Clips    []json.RawMessage `json:"clips"`
}

// MarshalJSON writes the track and every clip with its type discriminator
func (t *Track) MarshalJSON() ([]byte, error) {
	t.mu.RLock()
	j := trackJSON{
		ID:       t.id,
		Type:     t.kind,
		Stacked:  t.stacked,
		Disabled: t.disabled,
		Clips:    make([]json.RawMessage, 0, len(t.clips)),
	}
	list := append([]clips.Clip(nil), t.clips...)
	t.mu.RUnlock()

	for _, c := range list {
		data, err := clips.Marshal(c)
		if err != nil {
			return nil, err
		}
		j.Clips = append(j.Clips, data)
	}
	return json.Marshal(j)
}

// Unmarshal rebuilds a track and re-adds its clips, initializing and
// attaching each one
func Unmarshal(ctx context.Context, data []byte, rate timecode.Rate, resolve clips.Resolver, logger zerolog.Logger, opts ...Option) (*Track, error) {
	var j trackJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to decode track: %w", err)
	}
	if j.Type == "" {
		return nil, fmt.Errorf("track %s has no type", j.ID)
	}

	opts = append([]Option{WithID(j.ID), WithStacked(j.Stacked), WithLogger(logger)}, opts...)
	t := New(j.Type, opts...)
	t.SetDisabled(j.Disabled)

	for i, raw := range j.Clips {
		c, err := clips.Unmarshal(raw, rate, resolve, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to decode clip %d of track %s: %w", i, j.ID, err)
		}
		if err := t.Add(ctx, c); err != nil {
			return nil, fmt.Errorf("failed to add clip %s to track %s: %w", c.ID(), j.ID, err)
		}
	}
	return t, nil
}
