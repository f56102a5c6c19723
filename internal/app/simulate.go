package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"treasury-metrics/internal/resolver"
	"treasury-metrics/internal/service"
	"treasury-metrics/internal/storage"
)

// Simulate aggregates the live holder set at a fixed price. The snapshot goes to an
// in-memory store and is discarded, so the canonical snapshot is never touched.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if !opts.Price.IsPositive() {
		return errors.New("--price must be greater than zero")
	}
	assets, err := a.selectAssets(opts.Asset)
	if err != nil {
		return err
	}

	b, err := a.openBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	prices := make(map[string]decimal.Decimal, len(assets))
	for _, id := range assets {
		prices[id] = opts.Price
	}
	res := resolver.New(a.Logger, nil, resolver.NewStaticTier(prices))

	scratch := storage.NewMemoryStore()
	svc := service.New(a.serviceOptions(), res, b.holdings, scratch, nil, nil, nil, a.Logger)

	now := time.Now().UTC()
	writer := newTable(a.Out)
	fmt.Fprintln(writer, "Asset\tSource\tPrice\tHolders\tAmount\tValue\tCapitalization\tSupply%\tLast update (UTC)\tAge\tStale")
	for _, id := range assets {
		var cycle *service.Cycle
		if opts.TotalSupply != nil {
			cycle, err = svc.RunAggregationCycleWithSupply(ctx, id, *opts.TotalSupply)
		} else {
			cycle, err = svc.RunAggregationCycle(ctx, id)
		}
		if err != nil {
			return err
		}
		writeSnapshotRow(writer, cycle.Snapshot, now, a.Config.Staleness.Threshold)
	}
	return writer.Flush()
}
