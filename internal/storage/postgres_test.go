package storage

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"treasury-metrics/internal/domain"
	"treasury-metrics/internal/storage/migrations"
)

// setupPostgres starts a disposable postgres with the embedded migrations applied.
func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("treasury"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	applied, err := migrations.RunPostgres(ctx, pool)
	require.NoError(t, err)
	require.NotEmpty(t, applied)
	return pool
}

func TestPostgresStoreSnapshotRoundTrip(t *testing.T) {
	pool := setupPostgres(t)
	store := NewStore(pool, 5*time.Second, zerolog.Nop())
	ctx := context.Background()

	_, err := store.ReadLatest(ctx, "ethereum")
	assert.ErrorIs(t, err, ErrNotFound)

	at := time.Date(2024, 5, 1, 12, 0, 0, 123456000, time.UTC)
	snap := testSnapshot("ethereum", at, "1800.55")
	applied, err := store.UpsertLatest(ctx, snap)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := store.ReadLatest(ctx, "ethereum")
	require.NoError(t, err)
	assert.Equal(t, snap.CycleID, got.CycleID)
	assert.True(t, snap.TotalHoldingValue.Equal(got.TotalHoldingValue))
	assert.True(t, snap.ReferencePrice.Equal(got.ReferencePrice))
	assert.Equal(t, "1000000", got.TotalReportedCapitalization.String())
	require.NotNil(t, got.SupplyPercent)
	assert.True(t, snap.SupplyPercent.Equal(*got.SupplyPercent))
	assert.Equal(t, domain.SourceLiveFeed, got.PriceSource)
	assert.True(t, at.Equal(got.LastUpdate))
}

func TestPostgresStoreDiscardsOlderWrite(t *testing.T) {
	pool := setupPostgres(t)
	store := NewStore(pool, 5*time.Second, zerolog.Nop())
	ctx := context.Background()

	t1 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)

	applied, err := store.UpsertLatest(ctx, testSnapshot("ethereum", t2, "1900"))
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = store.UpsertLatest(ctx, testSnapshot("ethereum", t1, "1800"))
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := store.ReadLatest(ctx, "ethereum")
	require.NoError(t, err)
	assert.Equal(t, "1900", got.ReferencePrice.String())
}

func TestPostgresStoreListActiveHolders(t *testing.T) {
	pool := setupPostgres(t)
	store := NewStore(pool, 5*time.Second, zerolog.Nop())
	ctx := context.Background()

	_, err := pool.Exec(ctx, `INSERT INTO holders (asset_id, holder_id, name, holding_amount, reported_capitalization, is_active) VALUES
        ('ethereum', 'acme', 'Acme', 100, 1000000000000000000000000000000, TRUE),
        ('ethereum', 'beta', 'Beta', 25, NULL, TRUE),
        ('ethereum', 'gone', 'Gone', 400, 5, FALSE),
        ('bitcoin', 'coin', 'Coin', 3, 1, TRUE)`)
	require.NoError(t, err)

	holders, err := store.ListActiveHolders(ctx, "ethereum")
	require.NoError(t, err)
	require.Len(t, holders, 2)
	assert.Equal(t, "acme", holders[0].ID)
	assert.Equal(t, "1000000000000000000000000000000", holders[0].ReportedCapitalization.String())
	assert.Nil(t, holders[1].ReportedCapitalization)
}

func TestPostgresStoreAdvisoryLock(t *testing.T) {
	pool := setupPostgres(t)
	store := NewStore(pool, 5*time.Second, zerolog.Nop())
	ctx := context.Background()

	unlock, ok, err := store.TryAdvisoryLock(ctx, 4242)
	require.NoError(t, err)
	require.True(t, ok)

	_, again, err := store.TryAdvisoryLock(ctx, 4242)
	require.NoError(t, err)
	assert.False(t, again)

	unlock()
	unlock2, ok, err := store.TryAdvisoryLock(ctx, 4242)
	require.NoError(t, err)
	assert.True(t, ok)
	unlock2()
}

func TestStoreWithoutPool(t *testing.T) {
	var store *Store
	_, err := store.ReadLatest(context.Background(), "ethereum")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
