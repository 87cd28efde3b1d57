package timecode

import (
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
	"time"
)

// Rate is a frame rate in frames per second
type Rate float64

// DefaultFPS is the project frame rate used when none is configured
const DefaultFPS Rate = 30

var defaultRate atomic.Uint64

func init() {
	defaultRate.Store(math.Float64bits(float64(DefaultFPS)))
}

// SetDefaultRate changes the global frame rate used by FromFrames, FromMillis
// and FromSeconds. Non-positive rates are ignored.
func SetDefaultRate(r Rate) {
	if r <= 0 {
		return
	}
	defaultRate.Store(math.Float64bits(float64(r)))
}

// DefaultRate returns the global frame rate
func DefaultRate() Rate {
	return Rate(math.Float64frombits(defaultRate.Load()))
}

// Frames builds a timestamp of n frames at this rate
func (r Rate) Frames(n int64) Timestamp {
	return Timestamp{frames: n, rate: r.orDefault()}
}

// Millis builds a timestamp from milliseconds, rounded to the nearest frame
func (r Rate) Millis(ms float64) Timestamp {
	r = r.orDefault()
	return Timestamp{frames: int64(math.Round(ms * float64(r) / 1000)), rate: r}
}

// Seconds builds a timestamp from seconds, rounded to the nearest frame
func (r Rate) Seconds(s float64) Timestamp {
	return r.Millis(s * 1000)
}

// Duration builds a timestamp from a time.Duration, rounded to the nearest frame
func (r Rate) Duration(d time.Duration) Timestamp {
	return r.Millis(float64(d) / float64(time.Millisecond))
}

// FrameDuration is the wall-clock length of one frame
func (r Rate) FrameDuration() time.Duration {
	return time.Duration(float64(time.Second) / float64(r.orDefault()))
}

func (r Rate) orDefault() Rate {
	if r <= 0 {
		return DefaultRate()
	}
	return r
}

// Timestamp is a frame position at a fixed frame rate. All arithmetic and
// comparisons happen on the integer frame count.
type Timestamp struct {
	frames int64
	rate   Rate
}

// FromFrames creates a timestamp at the default rate
func FromFrames(n int64) Timestamp {
	return DefaultRate().Frames(n)
}

// FromMillis creates a timestamp at the default rate
func FromMillis(ms float64) Timestamp {
	return DefaultRate().Millis(ms)
}

// FromSeconds creates a timestamp at the default rate
func FromSeconds(s float64) Timestamp {
	return DefaultRate().Seconds(s)
}

// Frames returns the frame count
func (t Timestamp) Frames() int64 {
	return t.frames
}

// Rate returns the frame rate the timestamp is expressed in
func (t Timestamp) Rate() Rate {
	return t.rate.orDefault()
}

// Millis returns frames * 1000 / fps
func (t Timestamp) Millis() float64 {
	return float64(t.frames) * 1000 / float64(t.Rate())
}

// Seconds returns frames / fps
func (t Timestamp) Seconds() float64 {
	return float64(t.frames) / float64(t.Rate())
}

// Duration returns the timestamp as a time.Duration
func (t Timestamp) Duration() time.Duration {
	return time.Duration(t.Millis() * float64(time.Millisecond))
}

// At re-expresses the timestamp at another rate, rounding to the nearest frame
func (t Timestamp) At(r Rate) Timestamp {
	r = r.orDefault()
	if r == t.Rate() {
		return Timestamp{frames: t.frames, rate: r}
	}
	return r.Millis(t.Millis())
}

// WithRate reinterprets the frame count at rate r without conversion
func (t Timestamp) WithRate(r Rate) Timestamp {
	return Timestamp{frames: t.frames, rate: r.orDefault()}
}

// Add returns t + o
func (t Timestamp) Add(o Timestamp) Timestamp {
	return Timestamp{frames: t.frames + o.At(t.Rate()).frames, rate: t.rate}
}

// AddFrames returns t shifted by n frames
func (t Timestamp) AddFrames(n int64) Timestamp {
	return Timestamp{frames: t.frames + n, rate: t.rate}
}

// Sub returns t - o
func (t Timestamp) Sub(o Timestamp) Timestamp {
	return Timestamp{frames: t.frames - o.At(t.Rate()).frames, rate: t.rate}
}

// Compare returns -1, 0 or +1
func (t Timestamp) Compare(o Timestamp) int {
	of := o.At(t.Rate()).frames
	switch {
	case t.frames < of:
		return -1
	case t.frames > of:
		return 1
	}
	return 0
}

// Before reports whether t < o
func (t Timestamp) Before(o Timestamp) bool { return t.Compare(o) < 0 }

// After reports whether t > o
func (t Timestamp) After(o Timestamp) bool { return t.Compare(o) > 0 }

// Equal reports whether t and o address the same frame
func (t Timestamp) Equal(o Timestamp) bool { return t.Compare(o) == 0 }

// IsZero reports whether the timestamp is frame 0
func (t Timestamp) IsZero() bool { return t.frames == 0 }

// Min returns the earlier of a and b
func Min(a, b Timestamp) Timestamp {
	if b.Before(a) {
		return b
	}
	return a
}

// Max returns the later of a and b
func Max(a, b Timestamp) Timestamp {
	if b.After(a) {
		return b
	}
	return a
}

// Clamp limits t to [lo, hi]
func Clamp(t, lo, hi Timestamp) Timestamp {
	return Min(Max(t, lo), hi)
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%df@%g", t.frames, float64(t.Rate()))
}

// MarshalJSON encodes the frame count
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return strconv.AppendInt(nil, t.frames, 10), nil
}

// UnmarshalJSON decodes a frame count. The rate is left unset and resolves to
// the default until the owner binds it with WithRate.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", data, err)
	}
	t.frames = n
	t.rate = 0
	return nil
}
