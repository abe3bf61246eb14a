package registry

import "math"

// TransformFn maps a raw signal value through a nonlinear curve before
// weighting.
type TransformFn func(float64) float64

// Known nonlinear_fn names. The set is closed; anything else fails safe to
// FnNone.
const (
	FnNone     = "none"
	FnDecay24h = "decay24h"
	FnLog1p    = "log1p"
	FnSqrt     = "sqrt"
)

// ResolveTransform turns a nonlinear_fn name into a closure, once at ruleset
// load time. The second return is false for unknown names, for which the
// identity transform is returned so a misconfigured variable degrades to
// linear instead of aborting the tick.
func ResolveTransform(name string) (TransformFn, bool) {
	switch name {
	case FnNone, "":
		return func(x float64) float64 { return x }, true
	case FnDecay24h:
		// Urgency curve: 1.0 at the deadline, ~0.37 a day out, near zero
		// beyond three days.
		return func(x float64) float64 {
			if x < 0 {
				x = 0
			}
			return math.Exp(-x / 24.0)
		}, true
	case FnLog1p:
		return func(x float64) float64 {
			if x < 0 {
				x = 0
			}
			return math.Log1p(x)
		}, true
	case FnSqrt:
		return func(x float64) float64 {
			if x < 0 {
				return 0
			}
			return math.Sqrt(x)
		}, true
	default:
		return func(x float64) float64 { return x }, false
	}
}
