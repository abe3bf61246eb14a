package store

import (
	"context"
	"errors"
	"time"

	"pricer/internal/model"
)

// ErrStaleTick is returned by PersistTick when the row's lastTickId no longer
// matches the value the tick started from, meaning another scheduler instance
// got there first.
var ErrStaleTick = errors.New("store: stale tick id, row written by another scheduler")

// Repository defines the standard interface for database operations.
type Repository interface {
	Migrate(ctx context.Context) error

	// AcquireLeader takes the engine's advisory lock for the duration of a
	// tick. It returns false without error when another instance holds it.
	AcquireLeader(ctx context.Context) (bool, error)
	ReleaseLeader(ctx context.Context) error

	ListOpenOpportunities(ctx context.Context, now time.Time) ([]model.Opportunity, error)
	GetVariables(ctx context.Context) ([]model.Variable, error)
	GetConfig(ctx context.Context) (map[string]string, error)

	// DrainSignals counts events in (since, until] and reports the timestamp
	// of the newest one. The caller persists until as the new high-water mark
	// so the same events are never counted twice.
	DrainSignals(ctx context.Context, opportunityID int64, since, until time.Time) (model.SignalCounts, time.Time, error)

	// CountOpenByPublication returns how many opportunities are open and not
	// past deadline per publication.
	CountOpenByPublication(ctx context.Context, now time.Time) (map[int64]int, error)
	GetOutletAggregates(ctx context.Context, publicationIDs []int64) (map[int64]model.OutletAggregate, error)

	// PersistTick writes the tick's price, meta and drift stamp together with
	// the audit snapshot in one transaction, guarded by a compare-and-swap on
	// meta.lastTickId. Either both rows land or neither does; a failed tick
	// leaves the opportunity (and its undrained signals) to the next one.
	PersistTick(ctx context.Context, opportunityID int64, price float64, meta model.Meta, lastDriftAt *time.Time, expectedTickID int64, snap model.PriceSnapshot) error
}
