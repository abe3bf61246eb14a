package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pricer/internal/broadcast"
	"pricer/internal/model"
	"pricer/internal/pricing"
	"pricer/internal/registry"
	"pricer/internal/signals"
	"pricer/internal/store"
)

// Scheduler drives the periodic repricing pass. It is the single writer of
// currentPrice: event handlers only append signal rows, and a second engine
// instance is fenced out by the store's advisory leader lock plus the
// per-row tick-id compare-and-swap.
type Scheduler struct {
	logger    *slog.Logger
	repo      store.Repository
	emitter   broadcast.Emitter
	agg       *signals.Aggregator
	eval      *pricing.Evaluator
	drift     *pricing.DriftController
	workers   int
	opTimeout time.Duration
	source    string

	now func() time.Time
}

// Options tunes process-level scheduler behavior; everything price-related
// comes from the DB-resident ruleset instead.
type Options struct {
	Workers   int           // per-tick fan-out limit
	OpTimeout time.Duration // per-opportunity budget
	Source    string        // event source tag
}

// New creates a Scheduler.
func New(logger *slog.Logger, repo store.Repository, emitter broadcast.Emitter, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}
	if opts.Source == "" {
		opts.Source = "pricing-engine"
	}
	return &Scheduler{
		logger:    logger,
		repo:      repo,
		emitter:   emitter,
		agg:       signals.NewAggregator(logger, repo),
		eval:      pricing.NewEvaluator(logger),
		drift:     pricing.NewDriftController(logger),
		workers:   opts.Workers,
		opTimeout: opts.OpTimeout,
		source:    opts.Source,
		now:       time.Now,
	}
}

// Run ticks until the context is cancelled. An in-flight tick always
// completes; cancellation only prevents the next one from starting.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := time.Minute
	for {
		next, err := s.RunTick(ctx, s.now().UTC())
		if err != nil {
			s.logger.Error("Scheduler: tick aborted", "error", err)
		}
		if next > 0 {
			interval = next
		}
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler: context cancelled, shutting down")
			return nil
		case <-time.After(interval):
		}
	}
}

// RunTick executes one full repricing pass and returns the interval until
// the next one (zero when no fresh ruleset was available this tick).
func (s *Scheduler) RunTick(ctx context.Context, now time.Time) (time.Duration, error) {
	leader, err := s.repo.AcquireLeader(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire leader: %w", err)
	}
	if !leader {
		s.logger.Info("Scheduler: another instance holds the leader lock, skipping tick")
		return 0, nil
	}
	defer func() {
		// Release on a fresh context so shutdown mid-tick still unlocks.
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.repo.ReleaseLeader(relCtx); err != nil {
			s.logger.Error("Scheduler: failed to release leader lock", "error", err)
		}
	}()

	// Fresh ruleset every tick; failure here aborts the whole tick rather
	// than computing against stale weights.
	rs, err := registry.Load(ctx, s.logger, s.repo)
	if err != nil {
		return 0, err
	}

	opps, err := s.repo.ListOpenOpportunities(ctx, now)
	if err != nil {
		return rs.TickInterval, fmt.Errorf("list opportunities: %w", err)
	}
	outletLoad, err := s.repo.CountOpenByPublication(ctx, now)
	if err != nil {
		return rs.TickInterval, fmt.Errorf("load outlet concurrency: %w", err)
	}
	pubIDs := publicationIDs(opps)
	aggregates, err := s.repo.GetOutletAggregates(ctx, pubIDs)
	if err != nil {
		return rs.TickInterval, fmt.Errorf("load outlet aggregates: %w", err)
	}

	tickID := now.UnixMilli()
	var (
		mu      sync.Mutex
		updates []model.PriceUpdate
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, opp := range opps {
		opp := opp
		g.Go(func() error {
			octx, cancel := context.WithTimeout(gctx, s.opTimeout)
			defer cancel()
			// Per-opportunity failures are isolated: processOne logs and the
			// opportunity is retried next tick with its signals intact.
			if upd := s.processOne(octx, rs, opp, now, tickID, outletLoad, aggregates); upd != nil {
				mu.Lock()
				updates = append(updates, *upd)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(updates) > 0 {
		sort.Slice(updates, func(i, j int) bool { return updates[i].ID < updates[j].ID })
		batch := model.PriceBatch{Updates: updates, Timestamp: now}
		if err := s.emitter.EmitBatch(ctx, batch); err != nil {
			s.logger.Error("Scheduler: failed to emit price batch", "error", err)
		}
	}

	s.logger.Info("Scheduler: tick complete",
		"tickId", tickID, "opportunities", len(opps), "changed", len(updates))
	return rs.TickInterval, nil
}

// processOne runs the aggregate, evaluate, drift and persist pipeline for a
// single opportunity. It returns a PriceUpdate when the price actually
// changed, nil otherwise (including every error path).
func (s *Scheduler) processOne(ctx context.Context, rs *registry.Ruleset, opp model.Opportunity, now time.Time, tickID int64, outletLoad map[int64]int, aggregates map[int64]model.OutletAggregate) *model.PriceUpdate {
	vec, meta, err := s.agg.Collect(ctx, opp, now, outletLoad, aggregates, rs.ConversionMinClicks)
	if err != nil {
		s.logger.Warn("Scheduler: skipping opportunity", "id", opp.ID, "error", err)
		return nil
	}

	evaluated, breakdown := s.eval.Evaluate(rs, vec, opp.CurrentPrice)

	newPrice, driftApplied := s.drift.Apply(rs, evaluated, opp.CurrentPrice, meta.LastSignalAt, opp.LastDriftAt, now)
	breakdown.DriftApplied = driftApplied
	breakdown.NewPrice = newPrice

	// floor <= price <= ceil is an invariant, not a hope. A violation this
	// late is a bug: log loudly and correct before anything is persisted.
	if newPrice < rs.Floor || newPrice > rs.Ceil || math.IsNaN(newPrice) {
		s.logger.Error("Scheduler: price bound violation, correcting",
			"id", opp.ID, "price", newPrice, "floor", rs.Floor, "ceil", rs.Ceil)
		newPrice = math.Min(math.Max(newPrice, rs.Floor), rs.Ceil)
		if math.IsNaN(newPrice) {
			newPrice = math.Min(math.Max(opp.CurrentPrice, rs.Floor), rs.Ceil)
		}
		breakdown.NewPrice = newPrice
	}

	meta.LastTickID = tickID
	meta.LastScore = breakdown.RawDelta
	meta.DriftApplied = driftApplied
	meta.LastBreakdown = &breakdown

	lastDriftAt := opp.LastDriftAt
	if driftApplied {
		t := now
		lastDriftAt = &t
	}

	snap := model.PriceSnapshot{
		ID:             uuid.New(),
		OpportunityID:  opp.ID,
		SuggestedPrice: newPrice,
		Payload:        breakdown,
		TickTime:       now,
	}
	err = s.repo.PersistTick(ctx, opp.ID, newPrice, meta, lastDriftAt, opp.Meta.LastTickID, snap)
	if errors.Is(err, store.ErrStaleTick) {
		s.logger.Warn("Scheduler: row advanced by another writer, skipping", "id", opp.ID)
		return nil
	}
	if err != nil {
		s.logger.Error("Scheduler: failed to persist tick, will retry next tick", "id", opp.ID, "error", err)
		return nil
	}

	if newPrice == opp.CurrentPrice {
		return nil
	}
	return &model.PriceUpdate{
		ID:        opp.ID,
		OldPrice:  opp.CurrentPrice,
		NewPrice:  newPrice,
		Trend:     model.Trend(opp.CurrentPrice, newPrice),
		Timestamp: now,
		Source:    s.source,
	}
}

func publicationIDs(opps []model.Opportunity) []int64 {
	seen := make(map[int64]struct{}, len(opps))
	ids := make([]int64, 0, len(opps))
	for _, o := range opps {
		if _, ok := seen[o.PublicationID]; ok {
			continue
		}
		seen[o.PublicationID] = struct{}{}
		ids = append(ids, o.PublicationID)
	}
	return ids
}
