package model

import (
	"time"

	"github.com/google/uuid"
)

// Opportunity status values.
const (
	StatusOpen    = "open"
	StatusClosed  = "closed"
	StatusExpired = "expired"
)

// Opportunity is a publication's limited-inventory slot with a deadline and
// a live price. The pricing engine is the only writer of CurrentPrice, Meta
// and LastDriftAt once the slot exists.
type Opportunity struct {
	ID             int64      `db:"id"`
	PublicationID  int64      `db:"publication_id"`
	Tier           string     `db:"tier"`
	Status         string     `db:"status"`
	Deadline       time.Time  `db:"deadline"`
	SlotsTotal     int        `db:"slots_total"`
	SlotsRemaining int        `db:"slots_remaining"`
	CurrentPrice   float64    `db:"current_price"`
	Meta           Meta       `db:"meta"`
	LastDriftAt    *time.Time `db:"last_drift_at"`
}

// Variable is one weighted signal from the variable registry.
type Variable struct {
	Name        string    `db:"var_name"`
	Weight      float64   `db:"weight"`
	NonlinearFn string    `db:"nonlinear_fn"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Registry variable names understood by the evaluator.
const (
	VarPitches           = "pitches"
	VarClicks            = "clicks"
	VarSaves             = "saves"
	VarDrafts            = "drafts"
	VarHoursRemaining    = "hoursRemaining"
	VarOutletAvgPrice    = "outlet_avg_price"
	VarSuccessRateOutlet = "successRateOutlet"
	VarBaselineDecay     = "baselineDecay"
	VarYieldPullCap      = "yieldPullCap"
	VarBoundaryPressure  = "boundaryPressure"
	VarFloor             = "floor"
	VarCeil              = "ceil"
)

// SignalCounts holds the events drained for one opportunity in one tick window.
type SignalCounts struct {
	Pitches int `json:"pitches"`
	Clicks  int `json:"clicks"`
	Saves   int `json:"saves"`
	Drafts  int `json:"drafts"`
}

// Total returns the number of qualifying signals in the window.
func (c SignalCounts) Total() int {
	return c.Pitches + c.Clicks + c.Saves + c.Drafts
}

// Signal event kinds as stored in signal_events.kind.
const (
	SignalPitch = "pitch"
	SignalClick = "click"
	SignalSave  = "save"
	SignalDraft = "draft"
)

// OutletAggregate carries the denormalized per-publication metrics maintained
// by the reporting pipeline. Read-only for the engine.
type OutletAggregate struct {
	AvgPrice    float64 `db:"outlet_avg_price"`
	SuccessRate float64 `db:"success_rate"`
}

// SignalVector is everything the formula evaluator consumes for one
// opportunity in one tick: drained counts plus derived metrics.
type SignalVector struct {
	Counts            SignalCounts
	HoursRemaining    float64
	OutletConcurrency int // other open opportunities at the same publication
	OutletAvgPrice    float64
	SuccessRateOutlet float64
	// ConversionRatio is cumulative pitches/clicks; negative when there is
	// not enough click history to judge conversion.
	ConversionRatio float64
}

// PriceSnapshot is one immutable audit row per opportunity per tick.
type PriceSnapshot struct {
	ID             uuid.UUID `db:"id"`
	OpportunityID  int64     `db:"opportunity_id"`
	SuggestedPrice float64   `db:"suggested_price"`
	Payload        Breakdown `db:"snapshot_payload"`
	TickTime       time.Time `db:"tick_time"`
}

// PriceUpdate is the per-opportunity price-change event pushed to the
// broadcast gateway.
type PriceUpdate struct {
	ID        int64     `json:"id"`
	OldPrice  float64   `json:"oldPrice"`
	NewPrice  float64   `json:"newPrice"`
	Trend     int       `json:"trend"` // -1, 0 or 1
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// PriceBatch groups all price changes of one tick.
type PriceBatch struct {
	Updates   []PriceUpdate `json:"updates"`
	Timestamp time.Time     `json:"timestamp"`
}

// Trend maps a price delta to the wire trend value.
func Trend(oldPrice, newPrice float64) int {
	switch {
	case newPrice > oldPrice:
		return 1
	case newPrice < oldPrice:
		return -1
	default:
		return 0
	}
}
