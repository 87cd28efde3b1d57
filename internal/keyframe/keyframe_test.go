package keyframe

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kikiluvv/slopstudio/internal/timecode"
)

func frame(n int64) timecode.Timestamp { return timecode.FromFrames(n) }

func TestNewValidation(t *testing.T) {
	_, err := New[float64](UnitNone)
	assert.ErrorIs(t, err, ErrNoPoints)

	_, err = New(UnitNone, Point[float64]{Frame: 10, Value: 1}, Point[float64]{Frame: 10, Value: 2})
	assert.ErrorIs(t, err, ErrNotIncreasing)

	_, err = New(UnitNone, Point[float64]{Frame: 10, Value: 1}, Point[float64]{Frame: 5, Value: 2})
	assert.ErrorIs(t, err, ErrNotIncreasing)

	_, err = New(UnitNone, Point[float64]{Frame: 0, Value: 1, Easing: "wobble"})
	assert.ErrorIs(t, err, ErrUnknownEasing)
}

func TestEvaluateClampsAndInterpolates(t *testing.T) {
	k, err := New(UnitPercent,
		Point[float64]{Frame: 10, Value: 0},
		Point[float64]{Frame: 20, Value: 100},
		Point[float64]{Frame: 40, Value: 50},
	)
	require.NoError(t, err)

	assert.Equal(t, 0.0, k.Evaluate(frame(-5)))
	assert.Equal(t, 0.0, k.Evaluate(frame(10)))
	assert.InDelta(t, 50.0, k.Evaluate(frame(15)), 1e-9)
	assert.Equal(t, 100.0, k.Evaluate(frame(20)))
	assert.InDelta(t, 75.0, k.Evaluate(frame(30)), 1e-9)
	assert.Equal(t, 50.0, k.Evaluate(frame(40)))
	assert.Equal(t, 50.0, k.Evaluate(frame(1000)))
}

func TestSinglePointIsConstant(t *testing.T) {
	k, err := New(UnitDegrees, Point[float64]{Frame: 12, Value: 90})
	require.NoError(t, err)
	for _, f := range []int64{-100, 0, 12, 13, 500} {
		assert.Equal(t, 90.0, k.Evaluate(frame(f)))
	}
}

func TestEasingIsApplied(t *testing.T) {
	k, err := New(UnitNone,
		Point[float64]{Frame: 0, Value: 0, Easing: EaseIn},
		Point[float64]{Frame: 10, Value: 100},
	)
	require.NoError(t, err)
	assert.InDelta(t, 25.0, k.Evaluate(frame(5)), 1e-9)

	step, err := New(UnitNone,
		Point[float64]{Frame: 0, Value: 1, Easing: Step},
		Point[float64]{Frame: 10, Value: 2},
	)
	require.NoError(t, err)
	assert.Equal(t, 1.0, step.Evaluate(frame(9)))
	assert.Equal(t, 2.0, step.Evaluate(frame(10)))
}

func TestMonotonicForMonotonicPoints(t *testing.T) {
	for _, name := range []string{Linear, EaseIn, EaseOut, EaseInOut, EaseInCubic, EaseOutCubic, EaseInOutCubic} {
		k, err := New(UnitNone,
			Point[float64]{Frame: 0, Value: -10, Easing: name},
			Point[float64]{Frame: 30, Value: 5, Easing: name},
			Point[float64]{Frame: 90, Value: 400},
		)
		require.NoError(t, err)

		prev := k.Evaluate(frame(-1))
		for f := int64(0); f <= 100; f++ {
			v := k.Evaluate(frame(f))
			if v < prev {
				t.Fatalf("%s: value decreased at frame %d: %v < %v", name, f, v, prev)
			}
			prev = v
		}
	}
}

func TestVectorAndColorLerp(t *testing.T) {
	k, err := New(UnitPixels,
		Point[Vec2]{Frame: 0, Value: Vec2{X: 0, Y: 100}},
		Point[Vec2]{Frame: 10, Value: Vec2{X: 50, Y: 0}},
	)
	require.NoError(t, err)
	assert.Equal(t, Vec2{X: 25, Y: 50}, k.Evaluate(frame(5)))

	c := Lerp(Color{R: 1, A: 1}, Color{B: 1, A: 0}, 0.5)
	assert.Equal(t, Color{R: 0.5, B: 0.5, A: 0.5}, c)
}

func TestRegisterEasing(t *testing.T) {
	require.NoError(t, Register("half", func(float64) float64 { return 0.5 }))
	assert.Contains(t, Easings(), "half")

	k, err := New(UnitNone,
		Point[float64]{Frame: 0, Value: 0, Easing: "half"},
		Point[float64]{Frame: 100, Value: 10},
	)
	require.NoError(t, err)
	assert.Equal(t, 5.0, k.Evaluate(frame(1)))

	assert.Error(t, Register("", nil))
}

func TestValueBakeAndClone(t *testing.T) {
	k, err := New(UnitNone,
		Point[float64]{Frame: 0, Value: 0},
		Point[float64]{Frame: 10, Value: 10},
	)
	require.NoError(t, err)

	v := Animate(k)
	baked := v.Bake(frame(4))
	assert.False(t, baked.Animated())
	assert.Equal(t, 4.0, baked.At(frame(9)))

	c := Const(3.0)
	assert.Equal(t, c, c.Bake(frame(100)))

	clone := v.Clone()
	clone.Curve.Points[1].Value = 99
	assert.Equal(t, 10.0, v.At(frame(10)), "clone must not share points")
}

func TestValueJSONRoundTrip(t *testing.T) {
	k, err := New(UnitDegrees,
		Point[float64]{Frame: 0, Value: 0, Easing: EaseOut},
		Point[float64]{Frame: 30, Value: 180},
	)
	require.NoError(t, err)

	data, err := json.Marshal(Animate(k))
	require.NoError(t, err)

	var got Value[float64]
	require.NoError(t, json.Unmarshal(data, &got))
	require.True(t, got.Animated())
	assert.Equal(t, UnitDegrees, got.Curve.Unit)
	assert.Equal(t, k.Points, got.Curve.Points)

	var constant Value[Vec2]
	require.NoError(t, json.Unmarshal([]byte(`{"x":1,"y":2}`), &constant))
	assert.False(t, constant.Animated())
	assert.Equal(t, Vec2{X: 1, Y: 2}, constant.Constant)

	var bad Value[float64]
	assert.ErrorIs(t, json.Unmarshal([]byte(`{"points":[]}`), &bad), ErrNoPoints)
}
