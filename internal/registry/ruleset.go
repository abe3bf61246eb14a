package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"pricer/internal/model"
)

// Source is the slice of the store the registry needs. Both reads happen
// fresh at the start of every tick so administrative changes land on the
// next tick without a restart.
type Source interface {
	GetVariables(ctx context.Context) ([]model.Variable, error)
	GetConfig(ctx context.Context) (map[string]string, error)
}

// Weight bounds enforced defensively on read. The admin API validates on
// write, but a bad row must not be able to destabilize every price.
const (
	minDollar = 1.0
	maxDollar = 100000.0
	minWeight = -10.0
	maxWeight = 10.0
)

// Engine defaults used when a registry variable or config key is absent.
const (
	defaultFloor         = 50.0
	defaultCeil          = 1000.0
	defaultBaselineDecay = 0.005
	defaultYieldPullCap  = 0.10
	defaultBoundary      = 0.5

	defaultPriceStep         = 5.0
	defaultTickIntervalMS    = 60000
	defaultTriggerMins       = 240
	defaultCooldownMins      = 720
	defaultDriftStep         = 0.05
	defaultOutletPenalty     = 0.15
	defaultOutletThreshold   = 2
	defaultConvPenalty       = 0.5
	defaultConvFloor         = 0.02
	defaultConvMinClicks     = 20
	defaultVelocityBoost     = 0.25
	defaultBoundaryMarginPct = 0.10
)

// Boundary damping shapes (spec'd as a tunable monotonic curve).
const (
	ShapeLinear    = "linear"
	ShapeQuadratic = "quadratic"
)

// ResolvedVariable is a registry entry with its transform resolved to a
// closure.
type ResolvedVariable struct {
	Weight float64
	FnName string
	Fn     TransformFn
}

// Ruleset is the immutable snapshot of the variable registry and pricing
// config that one tick computes against. Build it with Load; never mutate
// it afterwards.
type Ruleset struct {
	vars map[string]ResolvedVariable

	Floor float64
	Ceil  float64

	// Percentage-semantics registry variables.
	BaselineDecay    float64
	YieldPullCap     float64
	BoundaryPressure float64

	// Pricing config.
	PriceStep           float64
	TickInterval        time.Duration
	AmbientTrigger      time.Duration
	AmbientCooldown     time.Duration
	DriftStep           float64
	OutletLoadPenalty   float64
	OutletLoadThreshold int
	ConversionPenalty   float64
	ConversionFloor     float64
	ConversionMinClicks int64
	PitchVelocityBoost  float64
	BoundaryShape       string
	BoundaryMargin      float64
}

// Variable looks up a resolved signal variable by name.
func (r *Ruleset) Variable(name string) (ResolvedVariable, bool) {
	v, ok := r.vars[name]
	return v, ok
}

// Load reads the variable registry and pricing config fresh and resolves
// them into a Ruleset. Any error here is fatal for the tick: computing with
// stale or absent config is worse than skipping an interval.
func Load(ctx context.Context, logger *slog.Logger, src Source) (*Ruleset, error) {
	vars, err := src.GetVariables(ctx)
	if err != nil {
		return nil, fmt.Errorf("load variable registry: %w", err)
	}
	cfg, err := src.GetConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pricing config: %w", err)
	}

	rs := &Ruleset{
		vars:             make(map[string]ResolvedVariable, len(vars)),
		Floor:            defaultFloor,
		Ceil:             defaultCeil,
		BaselineDecay:    defaultBaselineDecay,
		YieldPullCap:     defaultYieldPullCap,
		BoundaryPressure: defaultBoundary,
	}

	for _, v := range vars {
		switch v.Name {
		case model.VarFloor:
			rs.Floor = clamp(logger, v.Name, v.Weight, minDollar, maxDollar)
		case model.VarCeil:
			rs.Ceil = clamp(logger, v.Name, v.Weight, minDollar, maxDollar)
		case model.VarBaselineDecay:
			rs.BaselineDecay = clamp(logger, v.Name, v.Weight, 0, 1)
		case model.VarYieldPullCap:
			rs.YieldPullCap = clamp(logger, v.Name, v.Weight, 0, 1)
		case model.VarBoundaryPressure:
			rs.BoundaryPressure = clamp(logger, v.Name, v.Weight, 0, 1)
		default:
			fn, known := ResolveTransform(v.NonlinearFn)
			if !known {
				logger.Warn("Registry: unknown nonlinear fn, treating as linear",
					"variable", v.Name, "nonlinearFn", v.NonlinearFn)
			}
			rs.vars[v.Name] = ResolvedVariable{
				Weight: clamp(logger, v.Name, v.Weight, minWeight, maxWeight),
				FnName: v.NonlinearFn,
				Fn:     fn,
			}
		}
	}

	if rs.Floor >= rs.Ceil {
		logger.Warn("Registry: floor >= ceil, falling back to defaults",
			"floor", rs.Floor, "ceil", rs.Ceil)
		rs.Floor = defaultFloor
		rs.Ceil = defaultCeil
	}

	rs.PriceStep = floatKey(logger, cfg, "priceStep", defaultPriceStep)
	if rs.PriceStep <= 0 {
		logger.Warn("Registry: non-positive priceStep, using default", "priceStep", rs.PriceStep)
		rs.PriceStep = defaultPriceStep
	}
	rs.TickInterval = time.Duration(intKey(logger, cfg, "tickIntervalMs", defaultTickIntervalMS)) * time.Millisecond
	if rs.TickInterval <= 0 {
		rs.TickInterval = defaultTickIntervalMS * time.Millisecond
	}
	rs.AmbientTrigger = time.Duration(intKey(logger, cfg, "ambient.triggerMins", defaultTriggerMins)) * time.Minute
	rs.AmbientCooldown = time.Duration(intKey(logger, cfg, "ambient.cooldownMins", defaultCooldownMins)) * time.Minute
	rs.DriftStep = clamp(logger, "ambient.driftStep", floatKey(logger, cfg, "ambient.driftStep", defaultDriftStep), 0, 1)
	rs.OutletLoadPenalty = clamp(logger, "outletLoadPenalty", floatKey(logger, cfg, "outletLoadPenalty", defaultOutletPenalty), 0, 1)
	rs.OutletLoadThreshold = int(intKey(logger, cfg, "outletLoadThreshold", defaultOutletThreshold))
	rs.ConversionPenalty = clamp(logger, "conversionPenalty", floatKey(logger, cfg, "conversionPenalty", defaultConvPenalty), 0, 1)
	rs.ConversionFloor = clamp(logger, "conversionFloor", floatKey(logger, cfg, "conversionFloor", defaultConvFloor), 0, 1)
	rs.ConversionMinClicks = intKey(logger, cfg, "conversionMinClicks", defaultConvMinClicks)
	rs.PitchVelocityBoost = clamp(logger, "pitchVelocityBoost", floatKey(logger, cfg, "pitchVelocityBoost", defaultVelocityBoost), 0, 1)
	rs.BoundaryMargin = clamp(logger, "boundary.marginPct", floatKey(logger, cfg, "boundary.marginPct", defaultBoundaryMarginPct), 0.01, 0.5)

	rs.BoundaryShape = cfg["boundary.shape"]
	switch rs.BoundaryShape {
	case ShapeLinear, ShapeQuadratic:
	case "":
		rs.BoundaryShape = ShapeQuadratic
	default:
		logger.Warn("Registry: unknown boundary shape, using quadratic", "shape", rs.BoundaryShape)
		rs.BoundaryShape = ShapeQuadratic
	}

	return rs, nil
}

func clamp(logger *slog.Logger, name string, v, lo, hi float64) float64 {
	if v < lo {
		logger.Warn("Registry: value below bound, clamping", "name", name, "value", v, "min", lo)
		return lo
	}
	if v > hi {
		logger.Warn("Registry: value above bound, clamping", "name", name, "value", v, "max", hi)
		return hi
	}
	return v
}

func floatKey(logger *slog.Logger, cfg map[string]string, key string, def float64) float64 {
	raw, ok := cfg[key]
	if !ok {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logger.Warn("Registry: malformed config value, using default", "key", key, "value", raw)
		return def
	}
	return v
}

func intKey(logger *slog.Logger, cfg map[string]string, key string, def int64) int64 {
	raw, ok := cfg[key]
	if !ok {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Admin tooling may store numbers as JSON floats.
		if f, ferr := strconv.ParseFloat(raw, 64); ferr == nil {
			return int64(f)
		}
		logger.Warn("Registry: malformed config value, using default", "key", key, "value", raw)
		return def
	}
	return v
}
