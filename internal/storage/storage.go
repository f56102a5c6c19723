package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"treasury-metrics/internal/domain"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")

	// ErrNotFound is returned when no snapshot exists yet for an asset.
	ErrNotFound = errors.New("storage: not found")

	// ErrInvalidInput is returned when a snapshot fails validation before writing.
	ErrInvalidInput = errors.New("storage: invalid input")
)

// MetricsStore persists the single canonical snapshot per asset.
type MetricsStore interface {
	// ReadLatest returns the current snapshot or ErrNotFound.
	ReadLatest(ctx context.Context, assetID string) (*domain.MetricsSnapshot, error)

	// UpsertLatest replaces the snapshot unless the persisted one has a newer LastUpdate,
	// re-checked at commit time. applied is false when the write was discarded.
	UpsertLatest(ctx context.Context, snap domain.MetricsSnapshot) (applied bool, err error)
}

// HoldingsRepository exposes the holder records owned by the holdings collaborator.
type HoldingsRepository interface {
	ListActiveHolders(ctx context.Context, assetID string) ([]domain.HolderRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

func validateSnapshot(snap domain.MetricsSnapshot) error {
	switch {
	case snap.AssetID == "":
		return fmt.Errorf("%w: asset id is empty", ErrInvalidInput)
	case snap.LastUpdate.IsZero():
		return fmt.Errorf("%w: last update is zero", ErrInvalidInput)
	case !snap.PriceSource.Valid():
		return fmt.Errorf("%w: unknown price source %q", ErrInvalidInput, snap.PriceSource)
	case !snap.ReferencePrice.IsPositive():
		return fmt.Errorf("%w: reference price must be positive", ErrInvalidInput)
	}
	return nil
}

func cloneSnapshot(snap domain.MetricsSnapshot) domain.MetricsSnapshot {
	out := snap
	if snap.TotalReportedCapitalization != nil {
		out.TotalReportedCapitalization = new(big.Int).Set(snap.TotalReportedCapitalization)
	} else {
		out.TotalReportedCapitalization = new(big.Int)
	}
	if snap.SupplyPercent != nil {
		pct := *snap.SupplyPercent
		out.SupplyPercent = &pct
	}
	return out
}

func capitalizationString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseCapitalization(v string) (*big.Int, error) {
	out, ok := new(big.Int).SetString(v, 10)
	if !ok {
		// NUMERIC columns may render a trailing scale, e.g. "42.0"
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("parse capitalization %q: %w", v, err)
		}
		return d.BigInt(), nil
	}
	return out, nil
}
