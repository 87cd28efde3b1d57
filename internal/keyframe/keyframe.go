package keyframe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/kikiluvv/slopstudio/internal/timecode"
)

var (
	// ErrNoPoints is returned for a curve without control points
	ErrNoPoints = errors.New("keyframe: at least one control point is required")
	// ErrNotIncreasing is returned when control point times are not strictly increasing
	ErrNotIncreasing = errors.New("keyframe: control point times must be strictly increasing")
	// ErrUnknownEasing is returned for an easing name that is not registered
	ErrUnknownEasing = errors.New("keyframe: unknown easing")
)

// Unit is a display hint for the animated value. It never changes evaluation.
type Unit string

const (
	UnitNone    Unit = ""
	UnitDegrees Unit = "degrees"
	UnitPercent Unit = "percent"
	UnitPixels  Unit = "pixels"
)

// Vec2 is a 2D vector value
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Color is a straight-alpha RGBA color with components in [0,1]
type Color struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
	A float64 `json:"a"`
}

// Interpolatable is the set of value types a curve can animate
type Interpolatable interface {
	float64 | Vec2 | Color
}

// Lerp linearly interpolates between a and b; vector types lerp per component
func Lerp[T Interpolatable](a, b T, t float64) T {
	switch av := any(a).(type) {
	case float64:
		bv := any(b).(float64)
		return any(av + (bv-av)*t).(T)
	case Vec2:
		bv := any(b).(Vec2)
		return any(Vec2{X: av.X + (bv.X-av.X)*t, Y: av.Y + (bv.Y-av.Y)*t}).(T)
	case Color:
		bv := any(b).(Color)
		return any(Color{
			R: av.R + (bv.R-av.R)*t,
			G: av.G + (bv.G-av.G)*t,
			B: av.B + (bv.B-av.B)*t,
			A: av.A + (bv.A-av.A)*t,
		}).(T)
	}
	panic(fmt.Sprintf("keyframe: cannot interpolate %T", a))
}

// Point is one control point. Frame is relative to the owning clip's start.
// Easing applies to the segment that begins at this point.
type Point[T Interpolatable] struct {
	Frame  int64  `json:"frame"`
	Value  T      `json:"value"`
	Easing string `json:"easing,omitempty"`
}

// Keyframes is a piecewise eased animation curve
type Keyframes[T Interpolatable] struct {
	Unit   Unit       `json:"unit,omitempty"`
	Points []Point[T] `json:"points"`
}

// New validates the control points and builds a curve
func New[T Interpolatable](unit Unit, points ...Point[T]) (*Keyframes[T], error) {
	k := &Keyframes[T]{Unit: unit, Points: append([]Point[T](nil), points...)}
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return k, nil
}

// Validate checks the curve invariants
func (k *Keyframes[T]) Validate() error {
	if len(k.Points) == 0 {
		return ErrNoPoints
	}
	for i, p := range k.Points {
		if _, ok := Easing(p.Easing); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownEasing, p.Easing)
		}
		if i > 0 && p.Frame <= k.Points[i-1].Frame {
			return fmt.Errorf("%w: frame %d follows %d", ErrNotIncreasing, p.Frame, k.Points[i-1].Frame)
		}
	}
	return nil
}

// Evaluate returns the curve value at t. Times outside the curve clamp to the
// boundary values.
func (k *Keyframes[T]) Evaluate(t timecode.Timestamp) T {
	return k.At(float64(t.Frames()))
}

// At evaluates the curve at a fractional frame position
func (k *Keyframes[T]) At(frame float64) T {
	pts := k.Points
	if len(pts) == 0 {
		var zero T
		return zero
	}
	first, last := pts[0], pts[len(pts)-1]
	if len(pts) == 1 || frame <= float64(first.Frame) {
		return first.Value
	}
	if frame >= float64(last.Frame) {
		return last.Value
	}

	// index of the first point strictly after frame
	i := sort.Search(len(pts), func(i int) bool { return float64(pts[i].Frame) > frame })
	a, b := pts[i-1], pts[i]

	progress := (frame - float64(a.Frame)) / float64(b.Frame-a.Frame)
	ease, ok := Easing(a.Easing)
	if !ok {
		ease, _ = Easing(Linear)
	}
	return Lerp(a.Value, b.Value, ease(progress))
}

// Clone returns a deep copy
func (k *Keyframes[T]) Clone() *Keyframes[T] {
	if k == nil {
		return nil
	}
	return &Keyframes[T]{Unit: k.Unit, Points: append([]Point[T](nil), k.Points...)}
}

// Value is an animatable property: a constant or a keyframe curve
type Value[T Interpolatable] struct {
	Constant T
	Curve    *Keyframes[T]
}

// Const wraps a constant value
func Const[T Interpolatable](v T) Value[T] {
	return Value[T]{Constant: v}
}

// Animate wraps a curve
func Animate[T Interpolatable](k *Keyframes[T]) Value[T] {
	return Value[T]{Curve: k}
}

// Animated reports whether the value is a keyframe curve
func (v Value[T]) Animated() bool {
	return v.Curve != nil
}

// At returns the value at t, relative to the owning clip's start
func (v Value[T]) At(t timecode.Timestamp) T {
	if v.Curve != nil {
		return v.Curve.Evaluate(t)
	}
	return v.Constant
}

// Bake replaces a curve with its value at t. Constants are returned unchanged.
func (v Value[T]) Bake(t timecode.Timestamp) Value[T] {
	if v.Curve == nil {
		return v
	}
	return Const(v.Curve.Evaluate(t))
}

// Clone returns a copy that shares no curve storage
func (v Value[T]) Clone() Value[T] {
	return Value[T]{Constant: v.Constant, Curve: v.Curve.Clone()}
}

// MarshalJSON writes a curve as an object with points and a constant as itself
func (v Value[T]) MarshalJSON() ([]byte, error) {
	if v.Curve != nil {
		return json.Marshal(v.Curve)
	}
	return json.Marshal(v.Constant)
}

// UnmarshalJSON accepts either form written by MarshalJSON
func (v *Value[T]) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var probe struct {
			Points json.RawMessage `json:"points"`
		}
		if err := json.Unmarshal(trimmed, &probe); err == nil && probe.Points != nil {
			var k Keyframes[T]
			if err := json.Unmarshal(trimmed, &k); err != nil {
				return fmt.Errorf("failed to decode keyframes: %w", err)
			}
			if err := k.Validate(); err != nil {
				return err
			}
			*v = Animate(&k)
			return nil
		}
	}
	var c T
	if err := json.Unmarshal(trimmed, &c); err != nil {
		return fmt.Errorf("failed to decode value: %w", err)
	}
	*v = Const(c)
	return nil
}
