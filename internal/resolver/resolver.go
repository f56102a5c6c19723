// Package resolver turns an ordered list of price tiers into a single
// ResolvedPrice. Tiers are consulted strictly in order and the first
// positive price wins; failures of earlier tiers are recorded, not returned.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"treasury-metrics/internal/domain"
	"treasury-metrics/internal/fetcher"
)

// ErrNoPrice means every tier failed, which only happens when the static tier
// has no value for the asset.
var ErrNoPrice = errors.New("resolver: no tier produced a price")

// Tier is one ordered source of price data.
type Tier interface {
	Name() string
	Source() domain.PriceSource
	Price(ctx context.Context, assetID string) (fetcher.Quote, error)
}

// Attempt records the outcome of consulting one tier.
type Attempt struct {
	Tier     string
	Source   domain.PriceSource
	Err      error
	Duration time.Duration
}

// OK reports whether the tier produced the resolved price.
func (a Attempt) OK() bool { return a.Err == nil }

// Outcome is a short label for logs and metrics.
func (a Attempt) Outcome() string {
	if a.Err == nil {
		return "ok"
	}
	if errors.Is(a.Err, fetcher.ErrNotConfigured) {
		return "skipped"
	}
	if kind, ok := fetcher.KindOf(a.Err); ok {
		return string(kind)
	}
	if errors.Is(a.Err, errNoPersisted) {
		return "absent"
	}
	return "error"
}

// Observer receives every attempt, e.g. to export metrics.
type Observer interface {
	ObserveAttempt(assetID string, attempt Attempt)
}

// Resolver is the single place where tier ordering lives.
type Resolver struct {
	tiers    []Tier
	observer Observer
	logger   zerolog.Logger
}

// New constructs a resolver over tiers, evaluated in the given order.
func New(logger zerolog.Logger, observer Observer, tiers ...Tier) *Resolver {
	return &Resolver{
		tiers:    tiers,
		observer: observer,
		logger:   logger.With().Str("component", "resolver").Logger(),
	}
}

// Resolve returns the price of the highest-priority tier that produced a positive value.
// The attempts slice always lists every tier consulted, in order.
func (r *Resolver) Resolve(ctx context.Context, assetID string) (domain.ResolvedPrice, []Attempt, error) {
	attempts := make([]Attempt, 0, len(r.tiers))

	for _, tier := range r.tiers {
		started := time.Now()
		quote, err := tier.Price(ctx, assetID)
		if err == nil && !quote.Price.IsPositive() {
			err = &fetcher.FeedError{Kind: fetcher.KindNonPositiveValue, Asset: assetID, Err: fmt.Errorf("tier %s returned %s", tier.Name(), quote.Price)}
		}

		attempt := Attempt{Tier: tier.Name(), Source: tier.Source(), Err: err, Duration: time.Since(started)}
		attempts = append(attempts, attempt)
		if r.observer != nil {
			r.observer.ObserveAttempt(assetID, attempt)
		}

		if err != nil {
			r.logger.Warn().Err(err).
				Str("asset", assetID).
				Str("tier", tier.Name()).
				Str("outcome", attempt.Outcome()).
				Msg("price tier failed, falling back")
			continue
		}

		observedAt := quote.ObservedAt
		if observedAt.IsZero() {
			observedAt = time.Now().UTC()
		}
		return domain.ResolvedPrice{
			Value:      quote.Price,
			Source:     tier.Source(),
			ObservedAt: observedAt,
		}, attempts, nil
	}

	return domain.ResolvedPrice{}, attempts, fmt.Errorf("%w for %q", ErrNoPrice, assetID)
}

// FeedTier wraps a live fetcher.PriceFeed.
type FeedTier struct {
	name   string
	source domain.PriceSource
	feed   fetcher.PriceFeed
}

// NewFeedTier builds a live tier tagged with source.
func NewFeedTier(name string, source domain.PriceSource, feed fetcher.PriceFeed) *FeedTier {
	return &FeedTier{name: name, source: source, feed: feed}
}

func (t *FeedTier) Name() string               { return t.name }
func (t *FeedTier) Source() domain.PriceSource { return t.source }

func (t *FeedTier) Price(ctx context.Context, assetID string) (fetcher.Quote, error) {
	return t.feed.FetchPrice(ctx, assetID)
}

// SnapshotReader is the read half of the metrics store.
type SnapshotReader interface {
	ReadLatest(ctx context.Context, assetID string) (*domain.MetricsSnapshot, error)
}

var errNoPersisted = errors.New("no usable persisted reference price")

// PersistedTier reuses the reference price of the current snapshot.
type PersistedTier struct {
	store SnapshotReader
}

// NewPersistedTier builds the last-persisted-value tier.
func NewPersistedTier(store SnapshotReader) *PersistedTier {
	return &PersistedTier{store: store}
}

func (t *PersistedTier) Name() string               { return "last_persisted" }
func (t *PersistedTier) Source() domain.PriceSource { return domain.SourceLastPersisted }

func (t *PersistedTier) Price(ctx context.Context, assetID string) (fetcher.Quote, error) {
	if t.store == nil {
		return fetcher.Quote{}, errNoPersisted
	}
	snap, err := t.store.ReadLatest(ctx, assetID)
	if err != nil {
		return fetcher.Quote{}, fmt.Errorf("%w: %v", errNoPersisted, err)
	}
	if snap == nil || !snap.ReferencePrice.IsPositive() {
		return fetcher.Quote{}, errNoPersisted
	}
	observedAt := snap.PriceObservedAt
	if observedAt.IsZero() {
		observedAt = snap.LastUpdate
	}
	return fetcher.Quote{Price: snap.ReferencePrice, ObservedAt: observedAt}, nil
}

// DefaultStaticPrices are the compiled-in last-resort reference prices.
var DefaultStaticPrices = map[string]decimal.Decimal{
	"ethereum": decimal.NewFromInt(2000),
	"bitcoin":  decimal.NewFromInt(60000),
	"solana":   decimal.NewFromInt(150),
}

// StaticTier always answers for assets it knows.
type StaticTier struct {
	prices map[string]decimal.Decimal
	now    func() time.Time
}

// NewStaticTier merges overrides on top of DefaultStaticPrices. Non-positive overrides are ignored.
func NewStaticTier(overrides map[string]decimal.Decimal) *StaticTier {
	prices := make(map[string]decimal.Decimal, len(DefaultStaticPrices)+len(overrides))
	for asset, price := range DefaultStaticPrices {
		prices[asset] = price
	}
	for asset, price := range overrides {
		if price.IsPositive() {
			prices[asset] = price
		}
	}
	return &StaticTier{prices: prices, now: time.Now}
}

func (t *StaticTier) Name() string               { return "static" }
func (t *StaticTier) Source() domain.PriceSource { return domain.SourceStaticFallback }

// Has reports whether a static price exists for the asset.
func (t *StaticTier) Has(assetID string) bool {
	_, ok := t.prices[assetID]
	return ok
}

func (t *StaticTier) Price(_ context.Context, assetID string) (fetcher.Quote, error) {
	price, ok := t.prices[assetID]
	if !ok {
		return fetcher.Quote{}, fmt.Errorf("no static price for %q", assetID)
	}
	return fetcher.Quote{Price: price, ObservedAt: t.now().UTC()}, nil
}
