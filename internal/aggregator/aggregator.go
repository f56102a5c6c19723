package aggregator

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"treasury-metrics/internal/domain"
)

// ErrInvalidInput is returned for inputs that violate the holder or price invariants.
var ErrInvalidInput = errors.New("aggregator: invalid input")

var hundred = decimal.NewFromInt(100)

// Input carries everything a snapshot is derived from.
type Input struct {
	AssetID string
	CycleID uuid.UUID
	Price   domain.ResolvedPrice
	Holders []domain.HolderRecord
	// TotalSupply enables SupplyPercent; nil or non-positive leaves it unset.
	TotalSupply *decimal.Decimal
	ComputedAt  time.Time
}

// Aggregate derives a snapshot from a resolved price and holder set.
// It is deterministic and has no side effects.
func Aggregate(in Input) (domain.MetricsSnapshot, error) {
	if !in.Price.Value.IsPositive() {
		return domain.MetricsSnapshot{}, fmt.Errorf("%w: reference price must be positive, got %s", ErrInvalidInput, in.Price.Value)
	}

	totalAmount := decimal.Zero
	totalCap := new(big.Int)
	count := 0

	for _, h := range in.Holders {
		if !h.IsActive {
			continue
		}
		if h.HoldingAmount.IsNegative() {
			return domain.MetricsSnapshot{}, fmt.Errorf("%w: holder %q has negative holding %s", ErrInvalidInput, h.ID, h.HoldingAmount)
		}
		if h.ReportedCapitalization != nil {
			if h.ReportedCapitalization.Sign() < 0 {
				return domain.MetricsSnapshot{}, fmt.Errorf("%w: holder %q has negative capitalization", ErrInvalidInput, h.ID)
			}
			totalCap.Add(totalCap, h.ReportedCapitalization)
		}
		totalAmount = totalAmount.Add(h.HoldingAmount)
		count++
	}

	snap := domain.MetricsSnapshot{
		AssetID:                     in.AssetID,
		CycleID:                     in.CycleID,
		TotalHoldingAmount:          totalAmount,
		HolderCount:                 count,
		ReferencePrice:              in.Price.Value,
		TotalHoldingValue:           totalAmount.Mul(in.Price.Value),
		TotalReportedCapitalization: totalCap,
		PriceSource:                 in.Price.Source,
		PriceObservedAt:             in.Price.ObservedAt,
		LastUpdate:                  in.ComputedAt,
	}

	if in.TotalSupply != nil && in.TotalSupply.IsPositive() {
		pct := totalAmount.Div(*in.TotalSupply).Mul(hundred)
		snap.SupplyPercent = &pct
	}

	return snap, nil
}
