package track

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kikiluvv/slopstudio/internal/clips"
	"github.com/kikiluvv/slopstudio/internal/timecode"
)

var (
	// ErrOverlap is returned when an insertion collides with an existing clip
	// on a track that forbids overlap
	ErrOverlap = errors.New("track: clip overlaps an existing clip")
	// ErrKind is returned when a clip's kind does not match the track
	ErrKind = errors.New("track: clip kind does not match track")
	// ErrNotFound is returned when a clip is not on the track
	ErrNotFound = errors.New("track: clip not on track")
)

// Policy decides whether clips on a track may overlap in time
type Policy int

const (
	RejectOverlap Policy = iota
	AllowOverlap
)

// PolicyFor returns the overlap policy of a track kind. Captions may
// overlap; every other kind rejects it.
func PolicyFor(kind clips.Kind) Policy {
	if kind == clips.KindCaption {
		return AllowOverlap
	}
	return RejectOverlap
}

// Track is an ordered sequence of same-kind clips sorted by start
type Track struct {
	mu       sync.RWMutex
	id       string
	kind     clips.Kind
	policy   Policy
	stacked  bool
	disabled bool
	clips    []clips.Clip
	// maxStop[i] is the largest stop frame among clips[0..i]
	maxStop []int64
	cursor  func() timecode.Timestamp
	logger  zerolog.Logger
}

// Option configures a Track
type Option func(*Track)

// WithLogger injects a logger
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Track) { t.logger = logger }
}

// WithStacked makes the track place every added clip right after the last
// one and close gaps on removal
func WithStacked(stacked bool) Option {
	return func(t *Track) { t.stacked = stacked }
}

// WithCursor binds the timeline cursor used for the initial seek on insertion
func WithCursor(cursor func() timecode.Timestamp) Option {
	return func(t *Track) { t.cursor = cursor }
}

// WithID sets the track id instead of generating one
func WithID(id string) Option {
	return func(t *Track) {
		if id != "" {
			t.id = id
		}
	}
}

// New creates an empty track for clips of kind
func New(kind clips.Kind, opts ...Option) *Track {
	t := &Track{
		id:     uuid.NewString(),
		kind:   kind,
		policy: PolicyFor(kind),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With().Str("component", "track").Str("kind", string(kind)).Str("id", t.id).Logger()
	return t
}

// ID returns the track id
func (t *Track) ID() string { return t.id }

// Kind returns the clip kind the track accepts
func (t *Track) Kind() clips.Kind { return t.kind }

// Policy returns the overlap policy
func (t *Track) Policy() Policy { return t.policy }

// Stacked reports whether clips are placed back to back
func (t *Track) Stacked() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stacked
}

// Disabled reports whether the track is hidden and muted
func (t *Track) Disabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.disabled
}

// SetDisabled toggles the track
func (t *Track) SetDisabled(disabled bool) {
	t.mu.Lock()
	t.disabled = disabled
	t.mu.Unlock()
}

// Bind sets the cursor used for the initial seek of inserted clips
func (t *Track) Bind(cursor func() timecode.Timestamp) {
	t.mu.Lock()
	t.cursor = cursor
	t.mu.Unlock()
}

// Clips returns the clips sorted by start
func (t *Track) Clips() []clips.Clip {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]clips.Clip(nil), t.clips...)
}

// Len returns the number of clips
func (t *Track) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clips)
}

// Stop returns the end of the last clip, in frames
func (t *Track) Stop() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.maxStop) == 0 {
		return 0
	}
	return t.maxStop[len(t.maxStop)-1]
}

// Add initializes an Idle clip, places it, validates it against the overlap
// policy, inserts it sorted by start, attaches it and seeks it to the
// cursor. On any failure the track is left unchanged.
func (t *Track) Add(ctx context.Context, c clips.Clip) error {
	if c.Kind() != t.kind {
		return fmt.Errorf("%w: %s clip on %s track", ErrKind, c.Kind(), t.kind)
	}
	if owner := c.Track(); owner != nil {
		return fmt.Errorf("%w: %s", clips.ErrAttached, owner.ID())
	}
	if c.State() == clips.Idle {
		if err := c.Init(ctx); err != nil {
			return err
		}
	}
	return t.insert(ctx, c, t.Stacked())
}

func (t *Track) insert(ctx context.Context, c clips.Clip, place bool) error {
	t.mu.Lock()
	if place {
		last := c.Rate().Frames(0)
		if n := len(t.maxStop); n > 0 {
			last = c.Rate().Frames(t.maxStop[n-1])
		}
		c.SetOffset(last.Sub(c.Range().Start()))
	}

	start, stop := c.Start().Frames(), c.Stop().Frames()
	if t.policy == RejectOverlap {
		if other := t.overlapping(start, stop, c); other != nil {
			t.mu.Unlock()
			return fmt.Errorf("%w: [%d, %d) collides with %s [%d, %d)",
				ErrOverlap, start, stop, other.ID(), other.Start().Frames(), other.Stop().Frames())
		}
	}

	if err := c.Attach(t); err != nil {
		t.mu.Unlock()
		return err
	}
	i := sort.Search(len(t.clips), func(i int) bool { return t.clips[i].Start().Frames() > start })
	t.clips = append(t.clips, nil)
	copy(t.clips[i+1:], t.clips[i:])
	t.clips[i] = c
	t.reindex()
	cursor := t.cursor
	t.mu.Unlock()

	t.logger.Debug().Str("clip", c.ID()).Int64("start", start).Int64("stop", stop).Msg("clip added")

	if cursor != nil {
		if err := c.Seek(ctx, cursor()); err != nil {
			t.logger.Error().Err(err).Str("clip", c.ID()).Msg("initial seek failed")
			t.detach(c)
			return fmt.Errorf("failed to seek clip %s: %w", c.ID(), err)
		}
	}
	return nil
}

// Remove detaches c and drops it from the track. Removing a clip that is
// not on the track is a no-op.
func (t *Track) Remove(ctx context.Context, c clips.Clip) error {
	if !t.detach(c) {
		return nil
	}
	if err := c.Exit(ctx); err != nil {
		t.logger.Warn().Err(err).Str("clip", c.ID()).Msg("exit on removal failed")
	}
	t.logger.Debug().Str("clip", c.ID()).Msg("clip removed")
	return nil
}

func (t *Track) detach(c clips.Clip) bool {
	t.mu.Lock()
	i := t.index(c)
	if i < 0 {
		t.mu.Unlock()
		return false
	}
	t.clips = append(t.clips[:i], t.clips[i+1:]...)
	if t.stacked {
		t.relayout()
	}
	t.reindex()
	t.mu.Unlock()

	c.Detach()
	return true
}

// Move changes the offset of an attached clip, validating the new window
func (t *Track) Move(ctx context.Context, c clips.Clip, offset timecode.Timestamp) error {
	t.mu.Lock()
	if t.index(c) < 0 {
		t.mu.Unlock()
		return ErrNotFound
	}

	shift := offset.At(c.Rate()).Sub(c.Offset())
	start, stop := c.Start().Add(shift).Frames(), c.Stop().Add(shift).Frames()
	if t.policy == RejectOverlap && !t.stacked {
		if other := t.overlapping(start, stop, c); other != nil {
			t.mu.Unlock()
			return fmt.Errorf("%w: move to [%d, %d) collides with %s", ErrOverlap, start, stop, other.ID())
		}
	}

	c.SetOffset(offset)
	sort.SliceStable(t.clips, func(i, j int) bool { return t.clips[i].Start().Before(t.clips[j].Start()) })
	if t.stacked {
		t.relayout()
	}
	t.reindex()
	cursor := t.cursor
	t.mu.Unlock()

	if cursor != nil {
		return c.Seek(ctx, cursor())
	}
	return nil
}

// Split cuts c at timeline frame at and inserts the right half after it.
// When the right half cannot be placed, c gets its full window back.
func (t *Track) Split(ctx context.Context, c clips.Clip, at timecode.Timestamp) (clips.Clip, error) {
	t.mu.RLock()
	found := t.index(c) >= 0
	t.mu.RUnlock()
	if !found {
		return nil, ErrNotFound
	}

	start, stop := c.Start(), c.Stop()
	right, err := c.Split(at)
	if err != nil {
		return nil, err
	}
	if err := right.Init(ctx); err != nil {
		t.unsplit(c, start, stop)
		return nil, fmt.Errorf("failed to init right half of %s: %w", c.ID(), err)
	}
	if err := t.insert(ctx, right, false); err != nil {
		t.unsplit(c, start, stop)
		return nil, err
	}
	return right, nil
}

// unsplit restores the window c had before a failed split
func (t *Track) unsplit(c clips.Clip, start, stop timecode.Timestamp) {
	if err := c.Set(start, stop); err != nil {
		t.logger.Error().Err(err).Str("clip", c.ID()).Msg("failed to restore split clip")
	}
	t.mu.Lock()
	t.reindex()
	t.mu.Unlock()
}

// At returns the clips whose [start, stop) window contains frame, in start
// order. Runs in O(log n + k).
func (t *Track) At(frame int64) []clips.Clip {
	t.mu.RLock()
	defer t.mu.RUnlock()

	// clips[:hi] start at or before frame
	hi := sort.Search(len(t.clips), func(i int) bool { return t.clips[i].Start().Frames() > frame })
	// clips[:lo] all stop at or before frame
	lo := sort.Search(hi, func(i int) bool { return t.maxStop[i] > frame })

	var out []clips.Clip
	for _, c := range t.clips[lo:hi] {
		if c.Stop().Frames() > frame {
			out = append(out, c)
		}
	}
	return out
}

func (t *Track) index(c clips.Clip) int {
	for i, x := range t.clips {
		if x == c {
			return i
		}
	}
	return -1
}

func (t *Track) overlapping(start, stop int64, self clips.Clip) clips.Clip {
	for _, c := range t.clips {
		if c == self {
			continue
		}
		if start < c.Stop().Frames() && c.Start().Frames() < stop {
			return c
		}
	}
	return nil
}

// reindex rebuilds the prefix maximum of stop frames. Callers hold t.mu.
func (t *Track) reindex() {
	t.maxStop = t.maxStop[:0]
	var m int64
	for i, c := range t.clips {
		s := c.Stop().Frames()
		if i == 0 || s > m {
			m = s
		}
		t.maxStop = append(t.maxStop, m)
	}
}

// relayout places stacked clips back to back from frame 0. Callers hold t.mu.
func (t *Track) relayout() {
	var next int64
	for _, c := range t.clips {
		pos := c.Rate().Frames(next)
		c.SetOffset(pos.Sub(c.Range().Start()))
		next = c.Stop().Frames()
	}
}
