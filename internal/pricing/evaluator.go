package pricing

import (
	"log/slog"
	"math"

	"pricer/internal/model"
	"pricer/internal/registry"
)

// Evaluator combines the signal vector with the tick's ruleset into a new
// bounded price. It is deterministic: the same vector, ruleset and current
// price always produce the same output.
type Evaluator struct {
	logger *slog.Logger
}

// NewEvaluator creates a new Evaluator.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	return &Evaluator{logger: logger}
}

// Evaluate runs the pricing formula and returns the new price with the full
// per-term breakdown for the audit snapshot.
func (e *Evaluator) Evaluate(rs *registry.Ruleset, sig model.SignalVector, current float64) (float64, model.Breakdown) {
	b := model.Breakdown{
		OldPrice:         current,
		OutletLoadFactor: 1,
		ConversionFactor: 1,
		BoundaryFactor:   1,
	}

	delta := 0.0
	term := func(name string, raw float64) {
		v, ok := rs.Variable(name)
		if !ok {
			return
		}
		transformed := v.Fn(raw)
		contribution := transformed * v.Weight
		delta += contribution
		b.Terms = append(b.Terms, model.Term{
			Variable:     name,
			Raw:          raw,
			Transformed:  transformed,
			Weight:       v.Weight,
			Contribution: contribution,
		})
	}

	// A burst of pitches in one window counts more than its raw tally, but
	// still lands as a single bounded movement this tick.
	pitchRaw := float64(sig.Counts.Pitches)
	if sig.Counts.Pitches >= 2 && rs.PitchVelocityBoost > 0 {
		pitchRaw *= 1 + rs.PitchVelocityBoost*float64(sig.Counts.Pitches-1)
	}
	term(model.VarPitches, pitchRaw)
	term(model.VarClicks, float64(sig.Counts.Clicks))
	term(model.VarSaves, float64(sig.Counts.Saves))
	term(model.VarDrafts, float64(sig.Counts.Drafts))
	term(model.VarHoursRemaining, sig.HoursRemaining)
	// Mean reversion: the raw value is the distance above the outlet norm,
	// so a negative weight pulls the price back toward it from either side.
	term(model.VarOutletAvgPrice, current-sig.OutletAvgPrice)
	term(model.VarSuccessRateOutlet, sig.SuccessRateOutlet)

	b.RawDelta = delta

	// Outlet load penalty: suppresses upward pressure when the publication
	// has more open listings than the threshold.
	if excess := sig.OutletConcurrency - rs.OutletLoadThreshold; excess > 0 && delta > 0 {
		f := 1.0 / (1.0 + rs.OutletLoadPenalty*float64(excess))
		delta *= f
		b.OutletLoadFactor = f
	}

	// Conversion penalty: poor pitch-per-click history dampens upward
	// movement only.
	if delta > 0 && sig.ConversionRatio >= 0 && sig.ConversionRatio < rs.ConversionFloor {
		f := 1.0 - rs.ConversionPenalty
		delta *= f
		b.ConversionFactor = f
	}

	// Baseline decay: constant downward pressure every tick, the natural
	// auction decay curve for listings with no activity.
	decay := rs.BaselineDecay * current
	delta -= decay
	b.BaselineDecay = decay

	// Per-tick shock limit.
	maxDelta := rs.YieldPullCap * current
	if delta > maxDelta {
		delta = maxDelta
		b.YieldCapped = true
	} else if delta < -maxDelta {
		delta = -maxDelta
		b.YieldCapped = true
	}

	// Boundary pressure: damp movement into the margin band around either
	// bound so the price does not oscillate pinned at floor or ceiling.
	candidate := current + delta
	margin := rs.BoundaryMargin * (rs.Ceil - rs.Floor)
	if margin > 0 && delta != 0 {
		inBand := false
		dist := 0.0
		if delta < 0 && candidate < rs.Floor+margin {
			dist = (candidate - rs.Floor) / margin
			inBand = true
		} else if delta > 0 && candidate > rs.Ceil-margin {
			dist = (rs.Ceil - candidate) / margin
			inBand = true
		}
		if inBand {
			if dist < 0 {
				dist = 0
			}
			if dist > 1 {
				dist = 1
			}
			damp := dist
			if rs.BoundaryShape == registry.ShapeQuadratic {
				damp = dist * dist
			}
			f := 1.0 - rs.BoundaryPressure*(1.0-damp)
			delta *= f
			b.BoundaryFactor = f
		}
	}

	newPrice := roundToStep(current+delta, rs.PriceStep)

	if math.IsNaN(newPrice) || math.IsInf(newPrice, 0) {
		// Programming-error class: never let a poisoned value near the row.
		e.logger.Error("Evaluator: non-finite price computed, keeping current",
			"current", current, "delta", delta)
		newPrice = current
		if math.IsNaN(newPrice) || math.IsInf(newPrice, 0) {
			newPrice = rs.Floor
		}
	}
	if newPrice < rs.Floor {
		newPrice = rs.Floor
		b.Clamped = true
	}
	if newPrice > rs.Ceil {
		newPrice = rs.Ceil
		b.Clamped = true
	}

	b.NewPrice = newPrice
	return newPrice, b
}

// roundToStep rounds to the nearest multiple of step.
func roundToStep(price, step float64) float64 {
	if step <= 0 {
		return price
	}
	return math.Round(price/step) * step
}
