package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"treasury-metrics/internal/alerting"
	"treasury-metrics/internal/domain"
	"treasury-metrics/internal/fetcher"
	"treasury-metrics/internal/observability"
	"treasury-metrics/internal/resolver"
	"treasury-metrics/internal/storage"
)

type stubFeed struct {
	mu    sync.Mutex
	price decimal.Decimal
	err   error
}

func (f *stubFeed) set(price string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if price != "" {
		f.price = decimal.RequireFromString(price)
	}
	f.err = err
}

func (f *stubFeed) FetchPrice(ctx context.Context, assetID string) (fetcher.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return fetcher.Quote{}, &fetcher.FeedError{Kind: fetcher.KindTimeout, Asset: assetID, Err: err}
	}
	if f.err != nil {
		return fetcher.Quote{}, f.err
	}
	return fetcher.Quote{Price: f.price, ObservedAt: time.Now().UTC()}, nil
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	args := m.Called(ctx, note)
	return args.Error(0)
}

type failingStore struct {
	storage.MetricsStore
	err error
}

func (f failingStore) UpsertLatest(context.Context, domain.MetricsSnapshot) (bool, error) {
	return false, f.err
}

type stubLocker struct {
	acquired bool
	calls    int
}

func (l *stubLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	l.calls++
	return func() {}, l.acquired, nil
}

type lockingStore struct {
	*storage.MemoryStore
	*stubLocker
}

type fixture struct {
	feed     *stubFeed
	holdings *storage.MemoryHoldings
	store    *storage.MemoryStore
	metrics  *observability.Metrics
	svc      *Service
}

func defaultHolders() []domain.HolderRecord {
	return []domain.HolderRecord{
		{ID: "a", AssetID: "ethereum", HoldingAmount: decimal.NewFromInt(100), IsActive: true},
		{ID: "b", AssetID: "ethereum", HoldingAmount: decimal.NewFromInt(50), IsActive: false},
		{ID: "c", AssetID: "ethereum", HoldingAmount: decimal.NewFromInt(25), IsActive: true},
	}
}

func newFixture(t *testing.T, opts Options, notifier alerting.Notifier) *fixture {
	t.Helper()
	if len(opts.Assets) == 0 {
		opts.Assets = []AssetSettings{{ID: "ethereum"}}
	}
	f := &fixture{
		feed:     &stubFeed{price: decimal.NewFromInt(1800)},
		holdings: storage.NewMemoryHoldings(defaultHolders()...),
		store:    storage.NewMemoryStore(),
		metrics:  observability.NewMetrics("test"),
	}
	res := resolver.New(zerolog.Nop(), f.metrics,
		resolver.NewFeedTier("live_feed", domain.SourceLiveFeed, f.feed),
		resolver.NewPersistedTier(f.store),
		resolver.NewStaticTier(nil),
	)
	f.svc = New(opts, res, f.holdings, f.store, notifier, f.metrics, nil, zerolog.Nop())
	return f
}

func TestRunAggregationCycleLiveFeed(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	cycle, err := f.svc.RunAggregationCycle(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.False(t, cycle.Superseded)

	snap := cycle.Snapshot
	assert.Equal(t, "125", snap.TotalHoldingAmount.String())
	assert.Equal(t, 2, snap.HolderCount)
	assert.Equal(t, "1800", snap.ReferencePrice.String())
	assert.Equal(t, "225000", snap.TotalHoldingValue.String())
	assert.Equal(t, domain.SourceLiveFeed, snap.PriceSource)
	require.Len(t, cycle.Attempts, 1)

	current, err := f.svc.CurrentMetrics(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.Equal(t, snap.CycleID, current.CycleID)
}

func TestRunAggregationCycleFallsBackToPersisted(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	f.svc.SetClock(func() time.Time { return t0 })
	f.feed.set("1750", nil)
	_, err := f.svc.RunAggregationCycle(context.Background(), "ethereum")
	require.NoError(t, err)

	f.svc.SetClock(func() time.Time { return t1 })
	f.feed.set("", &fetcher.FeedError{Kind: fetcher.KindTimeout, Asset: "ethereum", Err: context.DeadlineExceeded})
	cycle, err := f.svc.RunAggregationCycle(context.Background(), "ethereum")
	require.NoError(t, err)

	assert.Equal(t, domain.SourceLastPersisted, cycle.Snapshot.PriceSource)
	assert.Equal(t, "1750", cycle.Snapshot.ReferencePrice.String())
	assert.True(t, cycle.Snapshot.LastUpdate.Equal(t1))
	require.Len(t, cycle.Attempts, 2)
	assert.Equal(t, "timeout", cycle.Attempts[0].Outcome())
}

func TestRunAggregationCycleStaticWhenNothingElse(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	f.feed.set("", &fetcher.FeedError{Kind: fetcher.KindUnreachable, Asset: "ethereum", Err: errors.New("refused")})

	cycle, err := f.svc.RunAggregationCycle(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.Equal(t, domain.SourceStaticFallback, cycle.Snapshot.PriceSource)
	assert.Equal(t, "2000", cycle.Snapshot.ReferencePrice.String())
}

func TestRunAggregationCycleIdempotent(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	first, err := f.svc.RunAggregationCycle(context.Background(), "ethereum")
	require.NoError(t, err)
	second, err := f.svc.RunAggregationCycle(context.Background(), "ethereum")
	require.NoError(t, err)

	assert.True(t, first.Snapshot.TotalHoldingAmount.Equal(second.Snapshot.TotalHoldingAmount))
	assert.True(t, first.Snapshot.TotalHoldingValue.Equal(second.Snapshot.TotalHoldingValue))
	assert.Equal(t, first.Snapshot.HolderCount, second.Snapshot.HolderCount)
	assert.Equal(t, first.Snapshot.PriceSource, second.Snapshot.PriceSource)
	assert.False(t, second.Snapshot.LastUpdate.Before(first.Snapshot.LastUpdate))
	assert.NotEqual(t, first.Snapshot.CycleID, second.Snapshot.CycleID)
}

func TestRunAggregationCycleHoldingsFailureKeepsSnapshot(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	first, err := f.svc.RunAggregationCycle(context.Background(), "ethereum")
	require.NoError(t, err)

	f.holdings.FailWith(errors.New("connection refused"))
	f.feed.set("1900", nil)
	cycle, err := f.svc.RunAggregationCycle(context.Background(), "ethereum")
	require.Error(t, err)
	assert.Nil(t, cycle)
	assert.ErrorIs(t, err, ErrHoldingsUnavailable)
	assert.Equal(t, StageHoldings, StageOf(err))

	current, err := f.svc.CurrentMetrics(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.Equal(t, first.Snapshot.CycleID, current.CycleID)
	assert.Equal(t, "1800", current.ReferencePrice.String())
}

func TestRunAggregationCyclePersistenceFailure(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	f.svc.store = failingStore{MetricsStore: f.store, err: errors.New("disk full")}

	_, err := f.svc.RunAggregationCycle(context.Background(), "ethereum")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, StagePersist, StageOf(err))

	_, err = f.store.ReadLatest(context.Background(), "ethereum")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunAggregationCycleCancelledDoesNotPersist(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.RunAggregationCycle(ctx, "ethereum")
	require.Error(t, err)
	assert.Equal(t, StageCancelled, StageOf(err))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = f.store.ReadLatest(context.Background(), "ethereum")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunAggregationCycleSuperseded(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	late := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
	early := late.Add(-time.Minute)

	f.svc.SetClock(func() time.Time { return late })
	newest, err := f.svc.RunAggregationCycle(context.Background(), "ethereum")
	require.NoError(t, err)

	f.svc.SetClock(func() time.Time { return early })
	stale, err := f.svc.RunAggregationCycle(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.True(t, stale.Superseded)

	current, err := f.svc.CurrentMetrics(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.Equal(t, newest.Snapshot.CycleID, current.CycleID)
}

func TestRunAggregationCycleUnknownAsset(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	_, err := f.svc.RunAggregationCycle(context.Background(), "dogecoin")
	assert.ErrorIs(t, err, ErrUnknownAsset)

	_, err = f.svc.CurrentMetrics(context.Background(), "dogecoin")
	assert.ErrorIs(t, err, ErrUnknownAsset)
}

func TestAssetIDsMatchCaseInsensitively(t *testing.T) {
	f := newFixture(t, Options{Assets: []AssetSettings{{ID: "Ethereum"}}}, nil)
	assert.Equal(t, []string{"ethereum"}, f.svc.Assets())

	cycle, err := f.svc.RunAggregationCycle(context.Background(), " ETHEREUM ")
	require.NoError(t, err)
	assert.Equal(t, "ethereum", cycle.Snapshot.AssetID)

	current, err := f.svc.CurrentMetrics(context.Background(), "Ethereum")
	require.NoError(t, err)
	assert.Equal(t, cycle.Snapshot.CycleID, current.CycleID)
}

func TestCurrentMetricsBeforeFirstCycle(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	_, err := f.svc.CurrentMetrics(context.Background(), "ethereum")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunAggregationCycleWithSupply(t *testing.T) {
	supply := decimal.NewFromInt(1000)
	f := newFixture(t, Options{Assets: []AssetSettings{{ID: "ethereum", TotalSupply: &supply}}}, nil)

	cycle, err := f.svc.RunAggregationCycle(context.Background(), "ethereum")
	require.NoError(t, err)
	require.NotNil(t, cycle.Snapshot.SupplyPercent)
	assert.True(t, cycle.Snapshot.SupplyPercent.Equal(decimal.RequireFromString("12.5")))

	cycle, err = f.svc.RunAggregationCycleWithSupply(context.Background(), "ethereum", decimal.NewFromInt(500))
	require.NoError(t, err)
	assert.True(t, cycle.Snapshot.SupplyPercent.Equal(decimal.NewFromInt(25)))
}

func TestConcurrentCyclesKeepNewestSnapshot(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*Cycle
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cycle, err := f.svc.RunAggregationCycle(context.Background(), "ethereum")
			assert.NoError(t, err)
			mu.Lock()
			results = append(results, cycle)
			mu.Unlock()
		}()
	}
	wg.Wait()

	var newest time.Time
	for _, c := range results {
		if c != nil && c.Snapshot.LastUpdate.After(newest) {
			newest = c.Snapshot.LastUpdate
		}
	}
	current, err := f.svc.CurrentMetrics(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.True(t, current.LastUpdate.Equal(newest))
	assert.Equal(t, "225000", current.TotalHoldingValue.String())
}

func TestFallbackSendsAlert(t *testing.T) {
	notifier := new(mockNotifier)
	notifier.On("Notify", mock.Anything, mock.MatchedBy(func(n alerting.Notification) bool {
		return n.Kind == alerting.KindFallback && n.Source == domain.SourceStaticFallback && n.Asset == "ethereum"
	})).Return(nil).Once()

	f := newFixture(t, Options{AlertsEnabled: true, NotifyOnFallback: true, NotifyOnFailure: true}, notifier)
	f.feed.set("", &fetcher.FeedError{Kind: fetcher.KindBadStatus, Asset: "ethereum", StatusCode: 502})

	_, err := f.svc.RunAggregationCycle(context.Background(), "ethereum")
	require.NoError(t, err)
	f.svc.FlushAlerts()
	notifier.AssertExpectations(t)
}

func TestFailureSendsAlertAndDeliveryErrorIsIgnored(t *testing.T) {
	notifier := new(mockNotifier)
	notifier.On("Notify", mock.Anything, mock.MatchedBy(func(n alerting.Notification) bool {
		return n.Kind == alerting.KindFailure && n.Stage == StageHoldings
	})).Return(errors.New("telegram down")).Once()

	f := newFixture(t, Options{AlertsEnabled: true, NotifyOnFailure: true}, notifier)
	f.holdings.FailWith(errors.New("db down"))

	_, err := f.svc.RunAggregationCycle(context.Background(), "ethereum")
	assert.ErrorIs(t, err, ErrHoldingsUnavailable)
	f.svc.FlushAlerts()
	notifier.AssertExpectations(t)
}

func TestLiveCycleSendsNoAlert(t *testing.T) {
	notifier := new(mockNotifier)
	f := newFixture(t, Options{AlertsEnabled: true, NotifyOnFallback: true}, notifier)

	_, err := f.svc.RunAggregationCycle(context.Background(), "ethereum")
	require.NoError(t, err)
	f.svc.FlushAlerts()
	notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

type blockingNotifier struct {
	release   chan struct{}
	delivered chan alerting.Notification
}

func (b *blockingNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.delivered <- note
	return nil
}

func TestSlowNotifierDoesNotHoldCycle(t *testing.T) {
	notifier := &blockingNotifier{release: make(chan struct{}), delivered: make(chan alerting.Notification, 1)}
	f := newFixture(t, Options{AlertsEnabled: true, NotifyOnFallback: true}, notifier)
	f.feed.set("", &fetcher.FeedError{Kind: fetcher.KindTimeout, Asset: "ethereum"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	started := time.Now()
	cycle, err := f.svc.RunAggregationCycle(ctx, "ethereum")
	require.NoError(t, err)
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, domain.SourceStaticFallback, cycle.Snapshot.PriceSource)

	// The alert outlives the caller's deadline.
	<-ctx.Done()
	close(notifier.release)
	f.svc.FlushAlerts()

	select {
	case note := <-notifier.delivered:
		assert.Equal(t, alerting.KindFallback, note.Kind)
		assert.Equal(t, cycle.Snapshot.CycleID, note.CycleID)
	default:
		t.Fatal("alert was not delivered")
	}
}

func TestProcessTickRunsEveryAsset(t *testing.T) {
	f := newFixture(t, Options{Assets: []AssetSettings{{ID: "ethereum"}, {ID: "bitcoin"}}}, nil)
	f.holdings.Replace(append(defaultHolders(),
		domain.HolderRecord{ID: "x", AssetID: "bitcoin", HoldingAmount: decimal.NewFromInt(3), IsActive: true})...)

	require.NoError(t, f.svc.ProcessTick(context.Background(), time.Now()))

	eth, err := f.svc.CurrentMetrics(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.Equal(t, 2, eth.HolderCount)

	btc, err := f.svc.CurrentMetrics(context.Background(), "bitcoin")
	require.NoError(t, err)
	assert.Equal(t, 1, btc.HolderCount)
}

func TestProcessTickReportsFailures(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	f.holdings.FailWith(errors.New("db down"))

	err := f.svc.ProcessTick(context.Background(), time.Now())
	assert.ErrorIs(t, err, ErrHoldingsUnavailable)
}

func TestProcessTickSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t, Options{AdvisoryLockKey: 7}, nil)
	locker := &stubLocker{acquired: false}
	f.svc.store = lockingStore{MemoryStore: f.store, stubLocker: locker}
	f.svc.locker = locker

	require.NoError(t, f.svc.ProcessTick(context.Background(), time.Now()))
	assert.Equal(t, 1, locker.calls)

	_, err := f.store.ReadLatest(context.Background(), "ethereum")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	locker.acquired = true
	require.NoError(t, f.svc.ProcessTick(context.Background(), time.Now()))
	_, err = f.store.ReadLatest(context.Background(), "ethereum")
	assert.NoError(t, err)
}

func TestManualCycleIgnoresLock(t *testing.T) {
	f := newFixture(t, Options{AdvisoryLockKey: 7}, nil)
	locker := &stubLocker{acquired: false}
	f.svc.locker = locker

	_, err := f.svc.RunAggregationCycle(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.Zero(t, locker.calls)
}
