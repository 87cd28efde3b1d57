package composition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/kikiluvv/slopstudio/internal/clips"
	"github.com/kikiluvv/slopstudio/internal/framebuffer"
	"github.com/kikiluvv/slopstudio/internal/timecode"
	"github.com/kikiluvv/slopstudio/internal/track"
)

var (
	// ErrBusy is returned when a render is requested while another one runs
	ErrBusy = errors.New("composition: render already in progress")
	// ErrNotRendering is returned by Render outside of render mode
	ErrNotRendering = errors.New("composition: not in render mode")
	// ErrRate is returned when a clip's frame rate differs from the composition
	ErrRate = errors.New("composition: clip frame rate does not match")
)

// State is the scheduler state. Exactly one is active at a time.
type State int

const (
	Idle State = iota
	Playing
	Rendering
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Playing:
		return "play"
	case Rendering:
		return "render"
	default:
		return "unknown"
	}
}

// Default output size
const (
	DefaultWidth  = 1920
	DefaultHeight = 1080
)

// Composition owns the tracks, the frame cursor and the scheduler
type Composition struct {
	mu       sync.RWMutex
	fps      timecode.Rate
	width    int
	height   int
	duration timecode.Timestamp
	fixed    bool
	frame    timecode.Timestamp
	state    State
	tracks   []*track.Track
	// active is the set of entered clips, in track order
	active []clips.Clip

	// seekMu serializes seeks; never held together with mu
	seekMu sync.Mutex

	stopPlay context.CancelFunc
	playDone chan struct{}
	// ticking is set while the playback loop runs a seek
	ticking atomic.Bool

	events *registry
	root   zerolog.Logger
	logger zerolog.Logger
}

// Option configures a Composition
type Option func(*Composition)

// WithFPS sets the project frame rate
func WithFPS(fps timecode.Rate) Option {
	return func(c *Composition) {
		if fps > 0 {
			c.fps = fps
		}
	}
}

// WithSize sets the output size in pixels
func WithSize(width, height int) Option {
	return func(c *Composition) {
		if width > 0 && height > 0 {
			c.width, c.height = width, height
		}
	}
}

// WithDuration fixes the duration instead of following the last clip
func WithDuration(d timecode.Timestamp) Option {
	return func(c *Composition) {
		c.duration = d
		c.fixed = true
	}
}

// WithLogger injects a logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Composition) { c.logger = logger }
}

// New creates an empty composition
func New(opts ...Option) *Composition {
	c := &Composition{
		fps:    timecode.DefaultRate(),
		width:  DefaultWidth,
		height: DefaultHeight,
		events: newRegistry(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.duration = c.duration.At(c.fps)
	c.frame = c.fps.Frames(0)
	c.root = c.logger
	c.logger = c.logger.With().Str("component", "composition").Logger()
	return c
}

// FPS returns the project frame rate
func (c *Composition) FPS() timecode.Rate { return c.fps }

// Size returns the output size in pixels
func (c *Composition) Size() (int, int) { return c.width, c.height }

// Frame returns the cursor
func (c *Composition) Frame() timecode.Timestamp {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frame
}

// State returns the scheduler state
func (c *Composition) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Duration returns the fixed duration, or the end of the last clip
func (c *Composition) Duration() timecode.Timestamp {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.durationLocked()
}

func (c *Composition) durationLocked() timecode.Timestamp {
	if c.fixed {
		return c.duration
	}
	var last int64
	for _, t := range c.tracks {
		if s := t.Stop(); s > last {
			last = s
		}
	}
	return c.fps.Frames(last)
}

// SetDuration fixes the duration. A zero timestamp returns to following the
// last clip.
func (c *Composition) SetDuration(d timecode.Timestamp) {
	c.mu.Lock()
	c.duration = d.At(c.fps)
	c.fixed = !d.IsZero()
	c.mu.Unlock()
}

// On registers fn for kind. Handlers run in registration order.
func (c *Composition) On(kind EventKind, fn Handler) *Subscription {
	return c.events.add(kind, fn)
}

// Tracks returns the tracks, top layer first
func (c *Composition) Tracks() []*track.Track {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*track.Track(nil), c.tracks...)
}

// CreateTrack creates a track of kind and places it on top
func (c *Composition) CreateTrack(kind clips.Kind, opts ...track.Option) *track.Track {
	opts = append([]track.Option{track.WithLogger(c.root)}, opts...)
	t := track.New(kind, opts...)
	c.AddTrack(t)
	return t
}

// AddTrack places t on top and binds it to the cursor
func (c *Composition) AddTrack(t *track.Track) {
	t.Bind(c.Frame)
	c.mu.Lock()
	c.tracks = append([]*track.Track{t}, c.tracks...)
	c.mu.Unlock()
	c.logger.Debug().Str("track", t.ID()).Str("kind", string(t.Kind())).Msg("track added")
}

// RemoveTrack drops t and exits its active clips. Its clips stay attached
// to the track.
func (c *Composition) RemoveTrack(ctx context.Context, t *track.Track) error {
	c.seekMu.Lock()
	defer c.seekMu.Unlock()

	c.mu.Lock()
	i := indexOf(c.tracks, t)
	if i < 0 {
		c.mu.Unlock()
		return track.ErrNotFound
	}
	c.tracks = append(c.tracks[:i], c.tracks[i+1:]...)

	owned := make(map[clips.Clip]struct{})
	for _, clip := range t.Clips() {
		owned[clip] = struct{}{}
	}
	var gone []clips.Clip
	kept := c.active[:0]
	for _, clip := range c.active {
		if _, ok := owned[clip]; ok {
			gone = append(gone, clip)
		} else {
			kept = append(kept, clip)
		}
	}
	c.active = kept
	c.mu.Unlock()

	t.Bind(nil)
	for _, clip := range gone {
		if err := clip.Exit(ctx); err != nil {
			c.logger.Warn().Err(err).Str("clip", clip.ID()).Msg("exit on track removal failed")
		}
	}
	c.logger.Debug().Str("track", t.ID()).Msg("track removed")
	return nil
}

// AddClip adds clip to t, or to a new track of the clip's kind when t is nil
func (c *Composition) AddClip(ctx context.Context, t *track.Track, clip clips.Clip) (*track.Track, error) {
	if clip.Rate() != c.fps {
		return nil, fmt.Errorf("%w: clip at %v fps, composition at %v fps", ErrRate, clip.Rate(), c.fps)
	}
	if t != nil {
		if err := t.Add(ctx, clip); err != nil {
			return nil, err
		}
		return t, nil
	}

	t = c.CreateTrack(clip.Kind())
	if err := t.Add(ctx, clip); err != nil {
		c.mu.Lock()
		if i := indexOf(c.tracks, t); i >= 0 {
			c.tracks = append(c.tracks[:i], c.tracks[i+1:]...)
		}
		c.mu.Unlock()
		return nil, err
	}
	return t, nil
}

// ActiveClips returns the entered clips, top layer first
func (c *Composition) ActiveClips() []clips.Clip {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]clips.Clip(nil), c.active...)
}

// Seek moves the cursor to frame, clamped to [0, duration]. Clips leaving
// the cursor exit first; clips entering get Enter then Update; clips that
// stay get Update. Per-clip failures are logged, while stalls and
// cancellation abort the seek.
func (c *Composition) Seek(ctx context.Context, frame int64) error {
	c.seekMu.Lock()
	defer c.seekMu.Unlock()
	return c.seekLocked(ctx, frame)
}

func (c *Composition) seekLocked(ctx context.Context, frame int64) error {
	c.mu.Lock()
	if d := c.durationLocked().Frames(); frame > d {
		frame = d
	}
	if frame < 0 {
		frame = 0
	}
	c.frame = c.fps.Frames(frame)
	tracks := append([]*track.Track(nil), c.tracks...)
	previous := c.active
	c.mu.Unlock()

	now := c.fps.Frames(frame)
	var next []clips.Clip
	wanted := make(map[clips.Clip]struct{})
	for _, t := range tracks {
		if t.Disabled() {
			continue
		}
		for _, clip := range t.At(frame) {
			if clip.Disabled() {
				continue
			}
			next = append(next, clip)
			wanted[clip] = struct{}{}
		}
	}

	// live holds the clips that are entered and not yet exited
	live := make(map[clips.Clip]struct{}, len(previous))
	for _, clip := range previous {
		live[clip] = struct{}{}
	}
	err := func() error {
		for _, clip := range previous {
			if _, ok := wanted[clip]; ok {
				continue
			}
			if err := c.check(ctx, clip, "exit", clip.Exit(ctx)); err != nil {
				return err
			}
			delete(live, clip)
		}
		for _, clip := range next {
			if _, ok := live[clip]; !ok {
				if err := c.check(ctx, clip, "enter", clip.Enter(ctx)); err != nil {
					return err
				}
				live[clip] = struct{}{}
			}
			if err := c.check(ctx, clip, "update", clip.Update(ctx, now)); err != nil {
				return err
			}
		}
		return nil
	}()

	// An aborted seek keeps clips that missed Exit and drops the ones that
	// missed Enter, so the next seek delivers them.
	active := make([]clips.Clip, 0, len(live))
	for _, clip := range next {
		if _, ok := live[clip]; ok {
			active = append(active, clip)
			delete(live, clip)
		}
	}
	for _, clip := range previous {
		if _, ok := live[clip]; ok {
			active = append(active, clip)
		}
	}
	c.mu.Lock()
	c.active = active
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.events.emit(Event{Kind: EventFrame, Frame: frame})
	return nil
}

// check isolates per-clip failures. Stalls and cancellation are returned.
func (c *Composition) check(ctx context.Context, clip clips.Clip, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, framebuffer.ErrTimeout) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return fmt.Errorf("failed to %s clip %s: %w", op, clip.ID(), err)
	}
	c.logger.Warn().Err(err).Str("clip", clip.ID()).Str("op", op).Msg("clip failed, continuing")
	return nil
}

// CancelDecoding exits every active clip and tears down the decode resources
// of every clip on every track
func (c *Composition) CancelDecoding() {
	c.seekMu.Lock()
	defer c.seekMu.Unlock()

	c.mu.Lock()
	active := c.active
	c.active = nil
	tracks := append([]*track.Track(nil), c.tracks...)
	c.mu.Unlock()

	ctx := context.Background()
	for _, clip := range active {
		_ = clip.Exit(ctx)
	}
	for _, t := range tracks {
		for _, clip := range t.Clips() {
			clip.Terminate()
		}
	}
	c.logger.Debug().Int("active", len(active)).Msg("decoding cancelled")
}

func indexOf(tracks []*track.Track, t *track.Track) int {
	for i, x := range tracks {
		if x == t {
			return i
		}
	}
	return -1
}
