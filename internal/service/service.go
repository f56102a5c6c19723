package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"treasury-metrics/internal/aggregator"
	"treasury-metrics/internal/alerting"
	"treasury-metrics/internal/domain"
	"treasury-metrics/internal/observability"
	"treasury-metrics/internal/resolver"
	"treasury-metrics/internal/scheduler"
	"treasury-metrics/internal/storage"
)

var (
	// ErrUnknownAsset is returned for assets the engine is not configured to track.
	ErrUnknownAsset = errors.New("service: unknown asset")

	// ErrHoldingsUnavailable marks a cycle aborted because holders could not be listed.
	ErrHoldingsUnavailable = errors.New("service: holdings unavailable")

	// ErrPersistence marks a cycle whose snapshot could not be written.
	ErrPersistence = errors.New("service: persistence failed")
)

const alertTimeout = 15 * time.Second

// Stage names where a cycle stopped.
const (
	StageResolve   = "resolve"
	StageHoldings  = "holdings"
	StageAggregate = "aggregate"
	StagePersist   = "persist"
	StageCancelled = "cancelled"
)

// CycleError reports a failed aggregation cycle. The previous snapshot stays current.
type CycleError struct {
	Asset   string
	CycleID uuid.UUID
	Stage   string
	Err     error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("aggregation cycle %s for %q failed at %s: %v", e.CycleID, e.Asset, e.Stage, e.Err)
}

func (e *CycleError) Unwrap() error { return e.Err }

// StageOf returns the failed stage when err is a CycleError.
func StageOf(err error) string {
	var cycleErr *CycleError
	if errors.As(err, &cycleErr) {
		return cycleErr.Stage
	}
	return ""
}

// Cycle is the result of one successful aggregation run.
type Cycle struct {
	Snapshot domain.MetricsSnapshot
	Attempts []resolver.Attempt
	// Superseded is true when a newer snapshot was already committed and this one was discarded.
	Superseded bool
}

// PriceResolver is satisfied by *resolver.Resolver.
type PriceResolver interface {
	Resolve(ctx context.Context, assetID string) (domain.ResolvedPrice, []resolver.Attempt, error)
}

// AssetSettings are the per-asset knobs the engine needs.
type AssetSettings struct {
	ID          string
	TotalSupply *decimal.Decimal
}

// Options configure the engine.
type Options struct {
	Assets           []AssetSettings
	AdvisoryLockKey  int64
	AlertsEnabled    bool
	NotifyOnFallback bool
	NotifyOnFailure  bool
}

// Service runs aggregation cycles and serves the current snapshot.
type Service struct {
	resolver  PriceResolver
	holdings  storage.HoldingsRepository
	store     storage.MetricsStore
	locker    storage.AdvisoryLocker
	notifier  alerting.Notifier
	metrics   *observability.Metrics
	scheduler *scheduler.Scheduler
	logger    zerolog.Logger

	opts   Options
	assets map[string]AssetSettings
	now    func() time.Time

	alerts sync.WaitGroup
}

// New constructs the aggregation engine. notifier, metrics and sched may be nil.
func New(opts Options, res PriceResolver, holdings storage.HoldingsRepository, store storage.MetricsStore, notifier alerting.Notifier, metrics *observability.Metrics, sched *scheduler.Scheduler, logger zerolog.Logger) *Service {
	assets := make(map[string]AssetSettings, len(opts.Assets))
	ordered := make([]AssetSettings, 0, len(opts.Assets))
	for _, a := range opts.Assets {
		a.ID = normalizeAsset(a.ID)
		assets[a.ID] = a
		ordered = append(ordered, a)
	}
	opts.Assets = ordered

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	} else if l, ok := holdings.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		resolver:  res,
		holdings:  holdings,
		store:     store,
		locker:    locker,
		notifier:  notifier,
		metrics:   metrics,
		scheduler: sched,
		logger:    logger.With().Str("component", "service").Logger(),
		opts:      opts,
		assets:    assets,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the wall clock used for LastUpdate.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Assets lists the configured asset ids in configuration order.
func (s *Service) Assets() []string {
	ids := make([]string, 0, len(s.opts.Assets))
	for _, a := range s.opts.Assets {
		ids = append(ids, a.ID)
	}
	return ids
}

// Tracks reports whether assetID is configured. Ids are matched case-insensitively.
func (s *Service) Tracks(assetID string) bool {
	_, ok := s.assets[normalizeAsset(assetID)]
	return ok
}

func normalizeAsset(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Run begins the scheduled refresh loop. Pending alerts are flushed before it returns.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	err := s.scheduler.Run(ctx, s.ProcessTick)
	s.FlushAlerts()
	return err
}

// FlushAlerts blocks until every dispatched alert has been delivered or timed out.
func (s *Service) FlushAlerts() {
	s.alerts.Wait()
}

// CurrentMetrics returns the canonical snapshot, or storage.ErrNotFound before the first cycle.
// Readers never see cycle failures, only the last good snapshot.
func (s *Service) CurrentMetrics(ctx context.Context, assetID string) (*domain.MetricsSnapshot, error) {
	assetID = normalizeAsset(assetID)
	if !s.Tracks(assetID) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAsset, assetID)
	}
	return s.store.ReadLatest(ctx, assetID)
}

// RunAggregationCycle resolves a price, aggregates the active holders and persists the snapshot.
func (s *Service) RunAggregationCycle(ctx context.Context, assetID string) (*Cycle, error) {
	settings, ok := s.assets[normalizeAsset(assetID)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAsset, assetID)
	}
	return s.runCycle(ctx, settings.ID, settings.TotalSupply)
}

// RunAggregationCycleWithSupply behaves like RunAggregationCycle but overrides the asset's total supply.
func (s *Service) RunAggregationCycleWithSupply(ctx context.Context, assetID string, totalSupply decimal.Decimal) (*Cycle, error) {
	assetID = normalizeAsset(assetID)
	if !s.Tracks(assetID) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAsset, assetID)
	}
	return s.runCycle(ctx, assetID, &totalSupply)
}

func (s *Service) runCycle(ctx context.Context, assetID string, totalSupply *decimal.Decimal) (*Cycle, error) {
	started := time.Now()
	cycleID := uuid.New()
	logger := s.logger.With().Str("asset", assetID).Str("cycle_id", cycleID.String()).Logger()

	fail := func(stage string, err error, attempts []resolver.Attempt) (*Cycle, error) {
		cycleErr := &CycleError{Asset: assetID, CycleID: cycleID, Stage: stage, Err: err}
		logger.Error().Err(err).Str("stage", stage).Msg("aggregation cycle failed")
		s.metrics.ObserveCycle(assetID, observability.ResultFailed, time.Since(started), nil)
		if s.opts.AlertsEnabled && s.opts.NotifyOnFailure && stage != StageCancelled {
			s.notify(ctx, alerting.Notification{
				Kind:     alerting.KindFailure,
				Asset:    assetID,
				CycleID:  cycleID,
				Attempts: outcomes(attempts),
				Stage:    stage,
				Err:      err.Error(),
				At:       s.now(),
			})
		}
		return nil, cycleErr
	}

	price, attempts, err := s.resolver.Resolve(ctx, assetID)
	if err != nil {
		return fail(StageResolve, err, attempts)
	}

	holders, err := s.holdings.ListActiveHolders(ctx, assetID)
	if err != nil {
		if ctx.Err() != nil {
			return fail(StageCancelled, ctx.Err(), attempts)
		}
		return fail(StageHoldings, fmt.Errorf("%w: %v", ErrHoldingsUnavailable, err), attempts)
	}

	// Nothing partial is ever persisted; a cancelled caller gets no snapshot.
	if err := ctx.Err(); err != nil {
		return fail(StageCancelled, err, attempts)
	}

	snap, err := aggregator.Aggregate(aggregator.Input{
		AssetID:     assetID,
		CycleID:     cycleID,
		Price:       price,
		Holders:     holders,
		TotalSupply: totalSupply,
		ComputedAt:  s.now().Truncate(time.Microsecond),
	})
	if err != nil {
		return fail(StageAggregate, err, attempts)
	}

	if err := ctx.Err(); err != nil {
		return fail(StageCancelled, err, attempts)
	}

	applied, err := s.store.UpsertLatest(ctx, snap)
	if err != nil {
		if ctx.Err() != nil {
			return fail(StageCancelled, ctx.Err(), attempts)
		}
		return fail(StagePersist, fmt.Errorf("%w: %v", ErrPersistence, err), attempts)
	}

	result := observability.ResultPersisted
	if !applied {
		result = observability.ResultSuperseded
		logger.Info().Time("last_update", snap.LastUpdate).Msg("snapshot superseded by a newer cycle, write discarded")
	}
	s.metrics.ObserveCycle(assetID, result, time.Since(started), &snap)

	logger.Info().
		Str("source", string(snap.PriceSource)).
		Str("reference_price", snap.ReferencePrice.String()).
		Int("holder_count", snap.HolderCount).
		Str("total_holding_amount", snap.TotalHoldingAmount.String()).
		Str("total_holding_value", snap.TotalHoldingValue.String()).
		Bool("applied", applied).
		Dur("elapsed", time.Since(started)).
		Msg("aggregation cycle complete")

	if !price.Source.IsLive() && s.opts.AlertsEnabled && s.opts.NotifyOnFallback {
		s.notify(ctx, alerting.Notification{
			Kind:     alerting.KindFallback,
			Asset:    assetID,
			CycleID:  cycleID,
			Source:   price.Source,
			Price:    price.Value,
			Attempts: outcomes(attempts),
			At:       snap.LastUpdate,
		})
	}

	return &Cycle{Snapshot: snap, Attempts: attempts, Superseded: !applied}, nil
}

// ProcessTick runs one cycle per configured asset. Scheduled ticks take the advisory lock
// when one is configured so replicas do not duplicate work.
func (s *Service) ProcessTick(ctx context.Context, tick time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", tick).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, asset := range s.opts.Assets {
		wg.Add(1)
		go func(asset AssetSettings) {
			defer wg.Done()
			if _, err := s.runCycle(ctx, asset.ID, asset.TotalSupply); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(asset)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.AdvisoryLockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// notify delivers in the background; cycles never wait on it.
func (s *Service) notify(ctx context.Context, note alerting.Notification) {
	if s.notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.alerts.Add(1)
	go func() {
		defer s.alerts.Done()
		ctx, cancel := context.WithTimeout(ctx, alertTimeout)
		defer cancel()
		if err := s.notifier.Notify(ctx, note); err != nil {
			s.logger.Error().Err(err).Str("asset", note.Asset).Msg("failed to dispatch alert")
		}
	}()
}

func outcomes(attempts []resolver.Attempt) []alerting.TierOutcome {
	out := make([]alerting.TierOutcome, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, alerting.TierOutcome{Tier: a.Tier, Outcome: a.Outcome()})
	}
	return out
}
