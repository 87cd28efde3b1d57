package composition

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kikiluvv/slopstudio/internal/clips"
	"github.com/kikiluvv/slopstudio/internal/timecode"
	"github.com/kikiluvv/slopstudio/internal/track"
)

type compositionJSON struct {
	FPS      timecode.Rate       `json:"fps"`
	Width    int                 `json:"width"`
	Height   int                 `json:"height"`
	Duration *timecode.Timestamp `json:"duration,omitempty"`
	Tracks   []json.RawMessage   `json:"tracks"`
}

// Marshal serializes the composition, its tracks (top layer first) and
// every clip
func (c *Composition) Marshal() ([]byte, error) {
	c.mu.RLock()
	j := compositionJSON{FPS: c.fps, Width: c.width, Height: c.height}
	if c.fixed {
		d := c.duration
		j.Duration = &d
	}
	tracks := append([]*track.Track(nil), c.tracks...)
	c.mu.RUnlock()

	for _, t := range tracks {
		data, err := t.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("failed to encode track %s: %w", t.ID(), err)
		}
		j.Tracks = append(j.Tracks, data)
	}
	return json.MarshalIndent(j, "", "  ")
}

// Unmarshal rebuilds a composition, resolving clip sources through resolve.
// Options override the serialized settings.
func Unmarshal(ctx context.Context, data []byte, resolve clips.Resolver, opts ...Option) (*Composition, error) {
	var j compositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to decode composition: %w", err)
	}

	base := []Option{WithFPS(j.FPS), WithSize(j.Width, j.Height)}
	if j.Duration != nil {
		base = append(base, WithDuration(j.Duration.WithRate(j.FPS)))
	}
	c := New(append(base, opts...)...)

	// tracks are stored top first; append keeps that order
	for i, raw := range j.Tracks {
		t, err := track.Unmarshal(ctx, raw, c.fps, resolve, c.root, track.WithCursor(c.Frame))
		if err != nil {
			return nil, fmt.Errorf("failed to decode track %d: %w", i, err)
		}
		c.mu.Lock()
		c.tracks = append(c.tracks, t)
		c.mu.Unlock()
	}
	return c, nil
}
