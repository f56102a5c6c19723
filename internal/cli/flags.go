package cli

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

func parsePositiveDecimal(flag, raw string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid %s value %q: %w", flag, raw, err)
	}
	if !v.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%s must be greater than zero", flag)
	}
	return v, nil
}

func parseSupply(raw string) (*decimal.Decimal, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := parsePositiveDecimal("--total-supply", raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func parseMaxAge(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid --max-age value: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("--max-age must be greater than zero")
	}
	return d, nil
}
