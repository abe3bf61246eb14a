package store

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"pricer/internal/model"
)

var (
	pool      *pgxpool.Pool
	testStore *PostgresStore
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	// Define the PostgreSQL container request
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpassword",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Fatalf("could not start postgres container: %s", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Fatalf("could not stop postgres container: %s", err)
		}
	}()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Fatalf("could not get container host: %s", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("could not get mapped port: %s", err)
	}

	connStr := "postgres://testuser:testpassword@" + host + ":" + port.Port() + "/testdb"

	pool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("could not connect to database: %s", err)
	}
	defer pool.Close()

	testStore = &PostgresStore{Pool: pool}
	if err := testStore.Migrate(ctx); err != nil {
		log.Fatalf("could not run migrations: %s", err)
	}

	os.Exit(m.Run())
}

func insertFixture(t *testing.T, price float64, deadline time.Time) (pubID, oppID int64) {
	t.Helper()
	ctx := context.Background()
	err := pool.QueryRow(ctx, `
		INSERT INTO publications (name, outlet_avg_price, success_rate)
		VALUES ('The Morning Ledger', 280.00, 0.4000) RETURNING id`).Scan(&pubID)
	require.NoError(t, err)
	err = pool.QueryRow(ctx, `
		INSERT INTO opportunities (publication_id, deadline, current_price)
		VALUES ($1, $2, $3) RETURNING id`, pubID, deadline, price).Scan(&oppID)
	require.NoError(t, err)
	return pubID, oppID
}

func insertSignal(t *testing.T, oppID int64, kind string, at time.Time) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		"INSERT INTO signal_events (opportunity_id, kind, created_at) VALUES ($1, $2, $3)",
		oppID, kind, at)
	require.NoError(t, err)
}

func TestPostgresStore_MigrateIsIdempotent(t *testing.T) {
	assert.NoError(t, testStore.Migrate(context.Background()))
}

func TestPostgresStore_DrainSignals(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	_, oppID := insertFixture(t, 300, now.Add(48*time.Hour))

	insertSignal(t, oppID, model.SignalPitch, now.Add(-30*time.Second))
	insertSignal(t, oppID, model.SignalPitch, now.Add(-20*time.Second))
	insertSignal(t, oppID, model.SignalClick, now.Add(-10*time.Second))
	insertSignal(t, oppID, model.SignalSave, now.Add(time.Minute)) // after the window

	counts, newest, err := testStore.DrainSignals(ctx, oppID, time.Time{}, now)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Pitches)
	assert.Equal(t, 1, counts.Clicks)
	assert.Equal(t, 0, counts.Saves)
	assert.True(t, newest.Equal(now.Add(-10*time.Second)))

	// Re-draining past the high-water mark finds nothing: exactly-once.
	counts, _, err = testStore.DrainSignals(ctx, oppID, now, now)
	require.NoError(t, err)
	assert.Zero(t, counts.Total())
}

func testSnapshot(oppID int64, price float64, at time.Time) model.PriceSnapshot {
	return model.PriceSnapshot{
		ID:             uuid.New(),
		OpportunityID:  oppID,
		SuggestedPrice: price,
		Payload:        model.Breakdown{OldPrice: 300, NewPrice: price},
		TickTime:       at,
	}
}

func TestPostgresStore_PersistTickCAS(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	_, oppID := insertFixture(t, 300, now.Add(48*time.Hour))

	meta := model.Meta{LastTickID: now.UnixMilli(), SignalHighWater: now}
	driftAt := now.Truncate(time.Millisecond)
	require.NoError(t, testStore.PersistTick(ctx, oppID, 310, meta, &driftAt, 0, testSnapshot(oppID, 310, now)))

	// A second writer still holding the old tick id must lose the race.
	err := testStore.PersistTick(ctx, oppID, 305, meta, nil, 0, testSnapshot(oppID, 305, now))
	assert.ErrorIs(t, err, ErrStaleTick)

	// The losing write must not leave a snapshot behind either.
	var snaps int
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM price_snapshots WHERE opportunity_id = $1", oppID).Scan(&snaps))
	assert.Equal(t, 1, snaps)

	// The legitimate next tick swaps against the stamped id.
	meta2 := meta
	meta2.LastTickID = meta.LastTickID + 1000
	require.NoError(t, testStore.PersistTick(ctx, oppID, 305, meta2, &driftAt, meta.LastTickID, testSnapshot(oppID, 305, now)))

	opps, err := testStore.ListOpenOpportunities(ctx, now)
	require.NoError(t, err)
	var found *model.Opportunity
	for i := range opps {
		if opps[i].ID == oppID {
			found = &opps[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, 305.0, found.CurrentPrice)
	assert.Equal(t, meta2.LastTickID, found.Meta.LastTickID)
	require.NotNil(t, found.LastDriftAt)
	assert.True(t, found.LastDriftAt.Equal(driftAt))
}

func TestPostgresStore_PersistTickIsAtomic(t *testing.T) {
	// A failed snapshot insert must roll the price update back with it: a
	// persisted price without its audit row would be unexplainable forever.
	ctx := context.Background()
	now := time.Now().UTC()
	_, oppID := insertFixture(t, 300, now.Add(48*time.Hour))

	meta := model.Meta{LastTickID: now.UnixMilli(), SignalHighWater: now}
	first := testSnapshot(oppID, 290, now)
	require.NoError(t, testStore.PersistTick(ctx, oppID, 290, meta, nil, 0, first))

	// Reusing the snapshot's primary key makes the INSERT fail after the
	// UPDATE already ran inside the transaction.
	meta2 := meta
	meta2.LastTickID = meta.LastTickID + 1000
	bad := testSnapshot(oppID, 285, now)
	bad.ID = first.ID
	err := testStore.PersistTick(ctx, oppID, 285, meta2, nil, meta.LastTickID, bad)
	require.Error(t, err)

	var price float64
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT current_price FROM opportunities WHERE id = $1", oppID).Scan(&price))
	assert.Equal(t, 290.0, price, "price from the failed tick must not be committed")

	var snaps int
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM price_snapshots WHERE opportunity_id = $1", oppID).Scan(&snaps))
	assert.Equal(t, 1, snaps)

	// The tick id was not advanced either, so the retry succeeds.
	require.NoError(t, testStore.PersistTick(ctx, oppID, 285, meta2, nil, meta.LastTickID, testSnapshot(oppID, 285, now)))
}

func TestPostgresStore_SnapshotCascadesWithOpportunity(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	_, oppID := insertFixture(t, 300, now.Add(24*time.Hour))

	meta := model.Meta{LastTickID: now.UnixMilli(), SignalHighWater: now}
	require.NoError(t, testStore.PersistTick(ctx, oppID, 295, meta, nil, 0, testSnapshot(oppID, 295, now)))

	var n int
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM price_snapshots WHERE opportunity_id = $1", oppID).Scan(&n))
	assert.Equal(t, 1, n)

	_, err := pool.Exec(ctx, "DELETE FROM signal_events WHERE opportunity_id = $1", oppID)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, "DELETE FROM opportunities WHERE id = $1", oppID)
	require.NoError(t, err)
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM price_snapshots WHERE opportunity_id = $1", oppID).Scan(&n))
	assert.Equal(t, 0, n, "snapshots are cascade-deleted with their opportunity")
}

func TestPostgresStore_VariablesAndConfig(t *testing.T) {
	ctx := context.Background()
	_, err := pool.Exec(ctx, `
		INSERT INTO variable_registry (var_name, weight, nonlinear_fn) VALUES
			('pitches', 2.5, 'none'),
			('hoursRemaining', 1.5, 'decay24h')
		ON CONFLICT (var_name) DO UPDATE SET weight = EXCLUDED.weight`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `
		INSERT INTO pricing_config (key, value) VALUES
			('priceStep', '5'),
			('boundary.shape', '"linear"'),
			('outletLoadPenalty', '0.25')
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`)
	require.NoError(t, err)

	vars, err := testStore.GetVariables(ctx)
	require.NoError(t, err)
	byName := make(map[string]model.Variable)
	for _, v := range vars {
		byName[v.Name] = v
	}
	assert.Equal(t, 2.5, byName["pitches"].Weight)
	assert.Equal(t, "decay24h", byName["hoursRemaining"].NonlinearFn)

	cfg, err := testStore.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5", cfg["priceStep"])
	assert.Equal(t, "linear", cfg["boundary.shape"], "JSON strings come back unquoted")
	assert.Equal(t, "0.25", cfg["outletLoadPenalty"])
}

func TestPostgresStore_OutletQueries(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	pubID, _ := insertFixture(t, 300, now.Add(24*time.Hour))
	for i := 0; i < 4; i++ {
		var id int64
		require.NoError(t, pool.QueryRow(ctx, `
			INSERT INTO opportunities (publication_id, deadline, current_price)
			VALUES ($1, $2, 200) RETURNING id`, pubID, now.Add(24*time.Hour)).Scan(&id))
	}
	// One expired listing that must not count toward concurrency.
	var expired int64
	require.NoError(t, pool.QueryRow(ctx, `
		INSERT INTO opportunities (publication_id, deadline, current_price)
		VALUES ($1, $2, 200) RETURNING id`, pubID, now.Add(-time.Hour)).Scan(&expired))

	load, err := testStore.CountOpenByPublication(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 5, load[pubID])

	aggs, err := testStore.GetOutletAggregates(ctx, []int64{pubID})
	require.NoError(t, err)
	require.Contains(t, aggs, pubID)
	assert.Equal(t, 280.0, aggs[pubID].AvgPrice)
	assert.Equal(t, 0.4, aggs[pubID].SuccessRate)
}

func TestPostgresStore_LeaderLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	s1 := &PostgresStore{Pool: pool}
	s2 := &PostgresStore{Pool: pool}

	got, err := s1.AcquireLeader(ctx)
	require.NoError(t, err)
	require.True(t, got)

	got, err = s2.AcquireLeader(ctx)
	require.NoError(t, err)
	assert.False(t, got, "second instance must not become leader")

	require.NoError(t, s1.ReleaseLeader(ctx))

	got, err = s2.AcquireLeader(ctx)
	require.NoError(t, err)
	assert.True(t, got, "lock is free again after release")
	require.NoError(t, s2.ReleaseLeader(ctx))
}
