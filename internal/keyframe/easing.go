package keyframe

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// EasingFunc maps normalized progress in [0,1] to eased progress
type EasingFunc func(float64) float64

// Built-in easing names
const (
	Linear         = "linear"
	EaseIn         = "easeIn"
	EaseOut        = "easeOut"
	EaseInOut      = "easeInOut"
	EaseInCubic    = "easeInCubic"
	EaseOutCubic   = "easeOutCubic"
	EaseInOutCubic = "easeInOutCubic"
	EaseOutBack    = "easeOutBack"
	Step           = "step"
)

var (
	easingMu sync.RWMutex
	easings  = map[string]EasingFunc{
		Linear:    func(t float64) float64 { return t },
		EaseIn:    func(t float64) float64 { return t * t },
		EaseOut:   func(t float64) float64 { return t * (2 - t) },
		EaseInOut: func(t float64) float64 {
			if t < 0.5 {
				return 2 * t * t
			}
			return -1 + (4-2*t)*t
		},
		EaseInCubic:  func(t float64) float64 { return t * t * t },
		EaseOutCubic: func(t float64) float64 { return 1 - math.Pow(1-t, 3) },
		EaseInOutCubic: func(t float64) float64 {
			if t < 0.5 {
				return 4 * t * t * t
			}
			return 1 - math.Pow(-2*t+2, 3)/2
		},
		EaseOutBack: func(t float64) float64 {
			const c1 = 1.70158
			const c3 = c1 + 1
			return 1 + c3*math.Pow(t-1, 3) + c1*math.Pow(t-1, 2)
		},
		Step: func(t float64) float64 {
			if t < 1 {
				return 0
			}
			return 1
		},
	}
)

// Register adds or replaces a named easing function
func Register(name string, fn EasingFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("easing name and function are required")
	}
	easingMu.Lock()
	defer easingMu.Unlock()
	easings[name] = fn
	return nil
}

// Easing looks up an easing function by name. The empty name is linear.
func Easing(name string) (EasingFunc, bool) {
	if name == "" {
		name = Linear
	}
	easingMu.RLock()
	defer easingMu.RUnlock()
	fn, ok := easings[name]
	return fn, ok
}

// Easings returns the registered easing names, sorted
func Easings() []string {
	easingMu.RLock()
	defer easingMu.RUnlock()
	names := make([]string, 0, len(easings))
	for name := range easings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
