package clips

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kikiluvv/slopstudio/internal/timecode"
)

var (
	// ErrTransition is returned for a lifecycle move the state machine forbids
	ErrTransition = errors.New("clips: invalid state transition")
	// ErrIO marks an unreadable or undecodable source
	ErrIO = errors.New("clips: source i/o error")
	// ErrRange is returned for a range or split point outside the clip
	ErrRange = errors.New("clips: out of range")
	// ErrAttached is returned when a clip already belongs to a track
	ErrAttached = errors.New("clips: clip already attached to a track")
	// ErrInvalidProperty is returned by setters and configs for values outside their domain
	ErrInvalidProperty = errors.New("clips: invalid property")
)

// Kind tags the media type of a clip and the track it may live on
type Kind string

const (
	KindVideo   Kind = "video"
	KindAudio   Kind = "audio"
	KindImage   Kind = "image"
	KindText    Kind = "text"
	KindCaption Kind = "caption"
)

// State is the clip lifecycle stage
type State int

const (
	Idle State = iota
	Loading
	Ready
	Attached
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Attached:
		return "attached"
	case Error:
		return "error"
	}
	return "unknown"
}

var transitions = map[State][]State{
	Idle:     {Loading, Attached},
	Loading:  {Ready, Error},
	Ready:    {Attached, Loading},
	Attached: {Idle, Ready},
	Error:    {},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Range is the [start, end) interval of the source used by a clip, in
// source-local time
type Range [2]timecode.Timestamp

// NewRange builds a range
func NewRange(start, end timecode.Timestamp) Range {
	return Range{start, end}
}

// Start returns the first frame of the range
func (r Range) Start() timecode.Timestamp { return r[0] }

// End returns the frame after the last one in the range
func (r Range) End() timecode.Timestamp { return r[1] }

// Len returns the number of frames in the range
func (r Range) Len() timecode.Timestamp { return r[1].Sub(r[0]) }

// Empty reports whether the range holds no frames
func (r Range) Empty() bool { return !r[0].Before(r[1]) }

// Owner is the track a clip is attached to
type Owner interface {
	ID() string
	Remove(ctx context.Context, c Clip) error
}

// Clip is one placed, time-bounded media item
type Clip interface {
	ID() string
	Kind() Kind
	Name() string
	State() State
	Rate() timecode.Rate

	Offset() timecode.Timestamp
	Range() Range
	Start() timecode.Timestamp
	Stop() timecode.Timestamp
	SetOffset(t timecode.Timestamp)
	// Set places the clip at timeline [start, stop), keeping the offset
	Set(start, stop timecode.Timestamp) error
	Disabled() bool
	SetDisabled(disabled bool)

	Track() Owner
	Attach(owner Owner) error
	Detach()

	// Init loads the source. Idle clips move through Loading to Ready or Error.
	Init(ctx context.Context) error
	// Seek positions the clip at timeline time t; used on attachment
	Seek(ctx context.Context, t timecode.Timestamp) error
	// Enter is called when the cursor moves into [Start, Stop)
	Enter(ctx context.Context) error
	// Update is called for every scheduled frame inside the window
	Update(ctx context.Context, t timecode.Timestamp) error
	// Exit is called when the cursor leaves the window
	Exit(ctx context.Context) error
	// Terminate hard-cancels decode resources
	Terminate()

	// Split cuts the clip at timeline frame at. The receiver keeps the left
	// half and the right half is returned with a new id.
	Split(at timecode.Timestamp) (Clip, error)
	// Copy clones placement and properties, keeping the id
	Copy() Clip
}

// Base carries the identity, placement and lifecycle shared by every variant
type Base struct {
	mu       sync.RWMutex
	id       string
	kind     Kind
	name     string
	state    State
	rate     timecode.Rate
	offset   timecode.Timestamp
	rng      Range
	duration timecode.Timestamp
	disabled bool
	owner    Owner
	active   bool
	root     zerolog.Logger
	logger   zerolog.Logger
}

func newBase(kind Kind, name string, rate timecode.Rate, logger zerolog.Logger) *Base {
	if rate <= 0 {
		rate = timecode.DefaultRate()
	}
	b := &Base{
		id:     uuid.NewString(),
		kind:   kind,
		name:   name,
		rate:   rate,
		offset: rate.Frames(0),
		rng:    NewRange(rate.Frames(0), rate.Frames(0)),
		root:   logger.With().Str("component", "clip").Str("kind", string(kind)).Logger(),
	}
	b.logger = b.root.With().Str("id", b.id).Logger()
	return b
}

// ID returns the clip id
func (b *Base) ID() string { return b.id }

// Kind returns the media type tag
func (b *Base) Kind() Kind { return b.kind }

// Name returns the display name
func (b *Base) Name() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.name
}

// SetName changes the display name
func (b *Base) SetName(name string) {
	b.mu.Lock()
	b.name = name
	b.mu.Unlock()
}

// State returns the lifecycle stage
func (b *Base) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Rate returns the frame rate the clip's timestamps are expressed in
func (b *Base) Rate() timecode.Rate { return b.rate }

// Offset is the timeline position of the clip's local time zero
func (b *Base) Offset() timecode.Timestamp {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.offset
}

// Range returns the used source interval
func (b *Base) Range() Range {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rng
}

// Start is offset + range start on the timeline
func (b *Base) Start() timecode.Timestamp {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.offset.Add(b.rng.Start())
}

// Stop is offset + range end on the timeline
func (b *Base) Stop() timecode.Timestamp {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.offset.Add(b.rng.End())
}

// Duration returns Stop - Start
func (b *Base) Duration() timecode.Timestamp {
	return b.Range().Len()
}

// SourceDuration returns the probed source length, zero when unbounded
func (b *Base) SourceDuration() timecode.Timestamp {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.duration
}

// SetOffset moves the clip on the timeline
func (b *Base) SetOffset(t timecode.Timestamp) {
	b.mu.Lock()
	b.offset = t.At(b.rate)
	b.mu.Unlock()
}

// Subclip selects [start, end) of the source. Bounded sources reject ranges
// beyond their duration.
func (b *Base) Subclip(start, end timecode.Timestamp) error {
	start, end = start.At(b.rate), end.At(b.rate)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !start.Before(end) || start.Frames() < 0 {
		return fmt.Errorf("%w: subclip [%d, %d)", ErrRange, start.Frames(), end.Frames())
	}
	if !b.duration.IsZero() && end.After(b.duration) {
		return fmt.Errorf("%w: subclip end %d beyond source duration %d", ErrRange, end.Frames(), b.duration.Frames())
	}
	b.rng = NewRange(start, end)
	return nil
}

// Set places the clip at timeline [start, stop), keeping the offset
func (b *Base) Set(start, stop timecode.Timestamp) error {
	start, stop = start.At(b.rate), stop.At(b.rate)
	if !start.Before(stop) {
		return fmt.Errorf("%w: [%d, %d)", ErrRange, start.Frames(), stop.Frames())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rng = NewRange(start.Sub(b.offset), stop.Sub(b.offset))
	return nil
}

// Disabled reports whether the clip is muted and hidden
func (b *Base) Disabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.disabled
}

// SetDisabled toggles the clip
func (b *Base) SetDisabled(disabled bool) {
	b.mu.Lock()
	b.disabled = disabled
	b.mu.Unlock()
}

// Track returns the owning track, nil when detached
func (b *Base) Track() Owner {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.owner
}

// Active reports whether the cursor is inside the clip window
func (b *Base) Active() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

// Contains reports whether timeline time t lies in [Start, Stop)
func (b *Base) Contains(t timecode.Timestamp) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	start, stop := b.offset.Add(b.rng.Start()), b.offset.Add(b.rng.End())
	return !t.Before(start) && t.Before(stop)
}

// Attach hands track membership to owner
func (b *Base) Attach(owner Owner) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.owner != nil {
		return fmt.Errorf("%w: %s", ErrAttached, b.owner.ID())
	}
	if !canTransition(b.state, Attached) {
		return fmt.Errorf("%w: %s -> %s", ErrTransition, b.state, Attached)
	}
	b.owner = owner
	b.state = Attached
	b.logger.Debug().Str("track", owner.ID()).Msg("clip attached")
	return nil
}

// Detach clears track membership. An attached clip returns to Ready.
func (b *Base) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.owner = nil
	b.active = false
	if b.state == Attached {
		b.state = Ready
	}
}

// Enter marks the clip active
func (b *Base) Enter(ctx context.Context) error {
	b.setActive(true)
	return nil
}

// Update is a no-op for clips without time-varying resources
func (b *Base) Update(ctx context.Context, t timecode.Timestamp) error {
	return nil
}

// Exit marks the clip inactive
func (b *Base) Exit(ctx context.Context) error {
	b.setActive(false)
	return nil
}

// Seek is a no-op for clips without time-varying resources
func (b *Base) Seek(ctx context.Context, t timecode.Timestamp) error {
	return nil
}

// Terminate is a no-op for clips without decode resources
func (b *Base) Terminate() {}

func (b *Base) setActive(active bool) {
	b.mu.Lock()
	b.active = active
	b.mu.Unlock()
}

func (b *Base) transition(to State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !canTransition(b.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransition, b.state, to)
	}
	b.logger.Debug().Str("from", b.state.String()).Str("to", to.String()).Msg("clip state changed")
	b.state = to
	return nil
}

// load runs the Idle -> Loading -> Ready|Error sequence around probe. A
// probe error is wrapped in ErrIO. Clips already past Idle are left alone.
func (b *Base) load(ctx context.Context, probe func(ctx context.Context) (timecode.Timestamp, error)) error {
	if b.State() != Idle {
		return nil
	}
	if err := b.transition(Loading); err != nil {
		return err
	}

	duration, err := probe(ctx)
	if err != nil {
		_ = b.transition(Error)
		b.logger.Error().Err(err).Msg("failed to load clip source")
		return fmt.Errorf("%w: %w", ErrIO, err)
	}

	b.mu.Lock()
	b.duration = duration
	if b.rng.Empty() && !duration.IsZero() {
		b.rng = NewRange(b.rate.Frames(0), duration)
	}
	b.mu.Unlock()
	return b.transition(Ready)
}

// invalidate moves an attached clip back to Idle and evicts it from its
// track. Used when the source becomes unusable.
func (b *Base) invalidate(ctx context.Context, self Clip) error {
	b.mu.Lock()
	if b.state != Attached {
		b.mu.Unlock()
		return fmt.Errorf("%w: invalidate in %s", ErrTransition, b.state)
	}
	b.state = Idle
	b.active = false
	owner := b.owner
	b.mu.Unlock()

	b.logger.Warn().Msg("clip source became unusable")
	if owner != nil {
		return owner.Remove(ctx, self)
	}
	return nil
}

// splitPoint validates at and returns it relative to the clip start
func (b *Base) splitPoint(at timecode.Timestamp) (timecode.Timestamp, error) {
	at = at.At(b.rate)
	start, stop := b.Start(), b.Stop()
	if !at.After(start) || !at.Before(stop) {
		return at, fmt.Errorf("%w: split at %d outside (%d, %d)", ErrRange, at.Frames(), start.Frames(), stop.Frames())
	}
	return at.Sub(start), nil
}

// applySplit trims b to the left of at and right to the remainder
func (b *Base) applySplit(right *Base, at timecode.Timestamp) {
	at = at.At(b.rate)
	b.mu.Lock()
	local := at.Sub(b.offset)
	right.rng = NewRange(local, b.rng.End())
	b.rng = NewRange(b.rng.Start(), local)
	b.mu.Unlock()

	right.id = uuid.NewString()
	right.logger = right.root.With().Str("id", right.id).Logger()
}

// clone copies identity and placement into a fresh detached Base
func (b *Base) clone() *Base {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return &Base{
		id:       b.id,
		kind:     b.kind,
		name:     b.name,
		rate:     b.rate,
		offset:   b.offset,
		rng:      b.rng,
		duration: b.duration,
		disabled: b.disabled,
		root:     b.root,
		logger:   b.logger,
	}
}
