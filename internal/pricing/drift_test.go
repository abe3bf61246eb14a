package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricer/internal/registry"
)

func defaultRuleset(t *testing.T) *registry.Ruleset {
	t.Helper()
	rs, err := registry.Load(context.Background(), testLogger(), &stubSource{cfg: map[string]string{}})
	require.NoError(t, err)
	return rs
}

func TestDrift_AppliesOnceThenHoldsThroughCooldown(t *testing.T) {
	rs := defaultRuleset(t) // trigger 4h, cooldown 12h, driftStep 0.05, floor 50
	drift := NewDriftController(testLogger())
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	idleSince := now.Add(-5 * time.Hour)

	// First idle tick past the trigger window: one nudge toward the floor.
	price, applied := drift.Apply(rs, 300, 300, idleSince, nil, now)
	require.True(t, applied)
	assert.Less(t, price, 300.0)
	assert.GreaterOrEqual(t, price, rs.Floor)

	// Still idle next tick, but inside the cooldown: hold steady.
	driftedAt := now
	later := now.Add(time.Hour)
	held, applied := drift.Apply(rs, price, price, idleSince, &driftedAt, later)
	assert.False(t, applied)
	assert.Equal(t, price, held)

	// Once the cooldown has elapsed and the listing is still idle, it may
	// drift again.
	afterCooldown := now.Add(13 * time.Hour)
	again, applied := drift.Apply(rs, price, price, idleSince, &driftedAt, afterCooldown)
	assert.True(t, applied)
	assert.Less(t, again, price)
}

func TestDrift_ActiveOpportunityNeverDrifts(t *testing.T) {
	rs := defaultRuleset(t)
	drift := NewDriftController(testLogger())
	now := time.Now().UTC()

	price, applied := drift.Apply(rs, 300, 300, now.Add(-30*time.Minute), nil, now)
	assert.False(t, applied)
	assert.Equal(t, 300.0, price)
}

func TestDrift_UnknownIdleClockNeverDrifts(t *testing.T) {
	rs := defaultRuleset(t)
	drift := NewDriftController(testLogger())

	price, applied := drift.Apply(rs, 300, 300, time.Time{}, nil, time.Now().UTC())
	assert.False(t, applied)
	assert.Equal(t, 300.0, price)
}

func TestDrift_NeverCrossesFloorOrYieldCap(t *testing.T) {
	rs := defaultRuleset(t)
	drift := NewDriftController(testLogger())
	now := time.Now().UTC()
	idleSince := now.Add(-24 * time.Hour)

	// At the floor: nothing to nudge.
	price, applied := drift.Apply(rs, rs.Floor, rs.Floor, idleSince, nil, now)
	assert.False(t, applied)
	assert.Equal(t, rs.Floor, price)

	// Just above the floor: the nudge lands on the floor, not below it.
	price, applied = drift.Apply(rs, 55, 55, idleSince, nil, now)
	if applied {
		assert.GreaterOrEqual(t, price, rs.Floor)
	}

	// Combined with what the tick already shaved off, the drop from the
	// original price stays inside the yield cap plus step rounding.
	original := 300.0
	evaluated := 280.0
	price, applied = drift.Apply(rs, evaluated, original, idleSince, nil, now)
	require.True(t, applied)
	assert.GreaterOrEqual(t, price, original-rs.YieldPullCap*original-rs.PriceStep)
}

func TestDrift_ColdListingScenario(t *testing.T) {
	// A cold listing: floor $50, start $300, no activity beyond the trigger
	// window. The price drifts down once and then holds through the cooldown
	// even though it stays idle.
	rs := defaultRuleset(t)
	drift := NewDriftController(testLogger())

	start := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	lastSignal := start
	price := 300.0
	var lastDriftAt *time.Time
	driftCount := 0

	for tick := 1; tick <= 10; tick++ {
		now := start.Add(time.Duration(tick) * time.Hour)
		newPrice, applied := drift.Apply(rs, price, price, lastSignal, lastDriftAt, now)
		if applied {
			driftCount++
			stamped := now
			lastDriftAt = &stamped
		}
		price = newPrice
		assert.GreaterOrEqual(t, price, rs.Floor)
	}

	assert.Equal(t, 1, driftCount, "ten idle hourly ticks inside one cooldown window drift exactly once")
	assert.Less(t, price, 300.0)
}
