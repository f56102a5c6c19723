package storage

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treasury-metrics/internal/domain"
)

func testSnapshot(asset string, at time.Time, price string) domain.MetricsSnapshot {
	pct := decimal.RequireFromString("1.25")
	return domain.MetricsSnapshot{
		AssetID:                     asset,
		CycleID:                     uuid.New(),
		TotalHoldingAmount:          decimal.RequireFromString("125"),
		HolderCount:                 2,
		ReferencePrice:              decimal.RequireFromString(price),
		TotalHoldingValue:           decimal.RequireFromString("125").Mul(decimal.RequireFromString(price)),
		TotalReportedCapitalization: big.NewInt(1_000_000),
		SupplyPercent:               &pct,
		PriceSource:                 domain.SourceLiveFeed,
		PriceObservedAt:             at,
		LastUpdate:                  at,
	}
}

func TestMemoryStoreReadMissing(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.ReadLatest(context.Background(), "ethereum")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreKeepsNewest(t *testing.T) {
	ctx := context.Background()
	t1 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)

	tests := []struct {
		name  string
		first domain.MetricsSnapshot
		then  domain.MetricsSnapshot
	}{
		{name: "older then newer", first: testSnapshot("ethereum", t1, "1800"), then: testSnapshot("ethereum", t2, "1900")},
		{name: "newer then older", first: testSnapshot("ethereum", t2, "1900"), then: testSnapshot("ethereum", t1, "1800")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := NewMemoryStore()
			applied, err := store.UpsertLatest(ctx, tc.first)
			require.NoError(t, err)
			assert.True(t, applied)

			_, err = store.UpsertLatest(ctx, tc.then)
			require.NoError(t, err)

			got, err := store.ReadLatest(ctx, "ethereum")
			require.NoError(t, err)
			assert.True(t, got.LastUpdate.Equal(t2))
			assert.Equal(t, "1900", got.ReferencePrice.String())
		})
	}
}

func TestMemoryStoreEqualTimestampOverwrites(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()

	_, err := store.UpsertLatest(ctx, testSnapshot("ethereum", at, "1800"))
	require.NoError(t, err)
	applied, err := store.UpsertLatest(ctx, testSnapshot("ethereum", at, "1850"))
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := store.ReadLatest(ctx, "ethereum")
	require.NoError(t, err)
	assert.Equal(t, "1850", got.ReferencePrice.String())
}

func TestMemoryStoreConcurrentWritersConverge(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.UpsertLatest(ctx, testSnapshot("ethereum", base.Add(time.Duration(i)*time.Millisecond), "2000"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := store.ReadLatest(ctx, "ethereum")
	require.NoError(t, err)
	assert.True(t, got.LastUpdate.Equal(base.Add(49*time.Millisecond)))
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	snap := testSnapshot("ethereum", at, "2000")
	_, err := store.UpsertLatest(ctx, snap)
	require.NoError(t, err)

	snap.TotalReportedCapitalization.SetInt64(1)
	got, err := store.ReadLatest(ctx, "ethereum")
	require.NoError(t, err)
	got.TotalReportedCapitalization.SetInt64(2)

	again, err := store.ReadLatest(ctx, "ethereum")
	require.NoError(t, err)
	assert.Equal(t, "1000000", again.TotalReportedCapitalization.String())
}

func TestMemoryStoreRejectsInvalid(t *testing.T) {
	store := NewMemoryStore()
	snap := testSnapshot("", time.Now(), "2000")
	_, err := store.UpsertLatest(context.Background(), snap)
	assert.ErrorIs(t, err, ErrInvalidInput)

	snap = testSnapshot("ethereum", time.Now(), "0")
	_, err = store.UpsertLatest(context.Background(), snap)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMemoryHoldingsFiltersAndOrders(t *testing.T) {
	holdings := NewMemoryHoldings(
		domain.HolderRecord{ID: "a", AssetID: "ethereum", HoldingAmount: decimal.NewFromInt(25), IsActive: true},
		domain.HolderRecord{ID: "b", AssetID: "ethereum", HoldingAmount: decimal.NewFromInt(100), IsActive: true},
		domain.HolderRecord{ID: "c", AssetID: "ethereum", HoldingAmount: decimal.NewFromInt(500), IsActive: false},
		domain.HolderRecord{ID: "d", AssetID: "bitcoin", HoldingAmount: decimal.NewFromInt(7), IsActive: true},
	)

	got, err := holdings.ListActiveHolders(context.Background(), "ethereum")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "a", got[1].ID)

	boom := errors.New("boom")
	holdings.FailWith(boom)
	_, err = holdings.ListActiveHolders(context.Background(), "ethereum")
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	holdings.FailWith(nil)
	_, err = holdings.ListActiveHolders(ctx, "ethereum")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseCapitalizationAcceptsScale(t *testing.T) {
	v, err := parseCapitalization("42.0")
	require.NoError(t, err)
	assert.Equal(t, "42", v.String())

	_, err = parseCapitalization("nope")
	assert.Error(t, err)
}
