package domain

import (
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultStaleAfter is the freshness threshold readers use when they have no opinion.
const DefaultStaleAfter = time.Hour

// MetricsSnapshot is the canonical current-metrics record for one asset.
// It is only ever replaced wholesale.
type MetricsSnapshot struct {
	AssetID                     string
	CycleID                     uuid.UUID
	TotalHoldingAmount          decimal.Decimal
	HolderCount                 int
	ReferencePrice              decimal.Decimal
	TotalHoldingValue           decimal.Decimal
	TotalReportedCapitalization *big.Int
	SupplyPercent               *decimal.Decimal
	PriceSource                 PriceSource
	PriceObservedAt             time.Time
	LastUpdate                  time.Time
}

// Age returns how long ago the snapshot was computed.
func (s MetricsSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.LastUpdate)
}

// IsStale reports whether the snapshot is older than threshold at now.
// A non-positive threshold falls back to DefaultStaleAfter.
func IsStale(s MetricsSnapshot, now time.Time, threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = DefaultStaleAfter
	}
	return s.Age(now) > threshold
}
