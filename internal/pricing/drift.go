package pricing

import (
	"log/slog"
	"time"

	"pricer/internal/registry"
)

// DriftController applies the one-shot ambient drift: when an opportunity has
// seen no qualifying signal for the trigger window, the price gets a single
// nudge toward the floor, then holds through the cooldown window even if it
// stays idle. Re-entering the active state resets the idle clock via
// meta.LastSignalAt; the hysteresis lives in lastDriftAt.
type DriftController struct {
	logger *slog.Logger
}

// NewDriftController creates a new DriftController.
func NewDriftController(logger *slog.Logger) *DriftController {
	return &DriftController{logger: logger}
}

// Apply runs the drift decision for one opportunity. evaluated is the price
// produced by the formula this tick; original is the price the tick started
// from, used to keep the combined per-tick movement inside the yield cap.
// The second return reports whether drift changed the price; the caller
// stamps lastDriftAt if and only if it did.
func (d *DriftController) Apply(rs *registry.Ruleset, evaluated, original float64, lastSignalAt time.Time, lastDriftAt *time.Time, now time.Time) (float64, bool) {
	if lastSignalAt.IsZero() {
		return evaluated, false
	}
	if now.Sub(lastSignalAt) < rs.AmbientTrigger {
		return evaluated, false
	}
	if lastDriftAt != nil && now.Sub(*lastDriftAt) < rs.AmbientCooldown {
		return evaluated, false
	}
	if evaluated <= rs.Floor {
		return evaluated, false
	}

	nudged := evaluated - rs.DriftStep*(evaluated-rs.Floor)

	// The drift rides on top of whatever the formula did this tick, so the
	// combined drop from the original price still honors the yield cap.
	minAllowed := original - rs.YieldPullCap*original
	if nudged < minAllowed {
		nudged = minAllowed
	}

	newPrice := roundToStep(nudged, rs.PriceStep)
	if newPrice < rs.Floor {
		newPrice = rs.Floor
	}
	if newPrice >= evaluated {
		// Rounding swallowed the nudge; treat as not applied so the cooldown
		// is not spent on a no-op.
		return evaluated, false
	}
	return newPrice, true
}
