package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceSource identifies the fallback tier that produced a reference price.
type PriceSource string

const (
	SourceLiveFeed       PriceSource = "LIVE_FEED"
	SourceOracleFeed     PriceSource = "ORACLE_FEED"
	SourceLastPersisted  PriceSource = "LAST_PERSISTED"
	SourceStaticFallback PriceSource = "STATIC_FALLBACK"
)

// IsLive reports whether the price came from an upstream observed during the cycle.
func (s PriceSource) IsLive() bool {
	return s == SourceLiveFeed || s == SourceOracleFeed
}

// Valid reports whether s is a known source.
func (s PriceSource) Valid() bool {
	switch s {
	case SourceLiveFeed, SourceOracleFeed, SourceLastPersisted, SourceStaticFallback:
		return true
	}
	return false
}

// ParsePriceSource converts a stored value back into a PriceSource.
func ParsePriceSource(v string) (PriceSource, error) {
	src := PriceSource(strings.ToUpper(strings.TrimSpace(v)))
	if !src.Valid() {
		return "", fmt.Errorf("unknown price source %q", v)
	}
	return src, nil
}

// ResolvedPrice is a reference price annotated with its provenance.
type ResolvedPrice struct {
	Value      decimal.Decimal
	Source     PriceSource
	ObservedAt time.Time
}
