package signals

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pricer/internal/model"
)

// Drainer is the slice of the store the aggregator needs.
type Drainer interface {
	DrainSignals(ctx context.Context, opportunityID int64, since, until time.Time) (model.SignalCounts, time.Time, error)
}

// Aggregator builds the per-opportunity signal vector for one tick: drained
// event counts plus derived metrics. Draining is exactly-once across ticks
// because the high-water mark travels in meta and is persisted together with
// the price; a tick that fails to persist leaves the mark (and the events)
// untouched for the next tick.
type Aggregator struct {
	logger *slog.Logger
	repo   Drainer
}

// NewAggregator creates a new Aggregator.
func NewAggregator(logger *slog.Logger, repo Drainer) *Aggregator {
	return &Aggregator{logger: logger, repo: repo}
}

// Collect drains the opportunity's signal window (meta.SignalHighWater,
// tickTime] and returns the signal vector plus the updated meta. The caller
// must persist the returned meta in the same write as the price.
func (a *Aggregator) Collect(ctx context.Context, opp model.Opportunity, tickTime time.Time, outletLoad map[int64]int, aggregates map[int64]model.OutletAggregate, minClicks int64) (model.SignalVector, model.Meta, error) {
	meta := opp.Meta

	counts, newest, err := a.repo.DrainSignals(ctx, opp.ID, meta.SignalHighWater, tickTime)
	if err != nil {
		return model.SignalVector{}, meta, fmt.Errorf("drain signals for opportunity %d: %w", opp.ID, err)
	}

	meta.SignalHighWater = tickTime
	meta.LastCounts = counts
	if meta.LastSignalAt.IsZero() {
		// First tick for this opportunity: the idle clock starts now, not at
		// the zero time, so a fresh listing is not instantly "cold".
		meta.LastSignalAt = tickTime
	}
	if counts.Total() > 0 {
		if newest.IsZero() {
			newest = tickTime
		}
		meta.LastSignalAt = newest
	}
	meta.TotalPitches += int64(counts.Pitches)
	meta.TotalClicks += int64(counts.Clicks)

	agg, ok := aggregates[opp.PublicationID]
	if !ok {
		return model.SignalVector{}, meta, fmt.Errorf("missing outlet aggregate for publication %d", opp.PublicationID)
	}

	hours := opp.Deadline.Sub(tickTime).Hours()
	if hours < 0 {
		hours = 0
	}
	concurrency := outletLoad[opp.PublicationID] - 1 // exclude this opportunity
	if concurrency < 0 {
		concurrency = 0
	}

	vec := model.SignalVector{
		Counts:            counts,
		HoursRemaining:    hours,
		OutletConcurrency: concurrency,
		OutletAvgPrice:    agg.AvgPrice,
		SuccessRateOutlet: agg.SuccessRate,
		ConversionRatio:   meta.ConversionRatio(minClicks),
	}
	return vec, meta, nil
}
