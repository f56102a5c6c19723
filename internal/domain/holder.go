package domain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// HolderRecord is one participant whose holding contributes to the aggregates.
// ReportedCapitalization is nil when the holder never reported one.
type HolderRecord struct {
	ID                     string
	AssetID                string
	Name                   string
	HoldingAmount          decimal.Decimal
	ReportedCapitalization *big.Int
	IsActive               bool
}
