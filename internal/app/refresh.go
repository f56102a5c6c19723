package app

import (
	"context"
	"errors"
	"fmt"

	"treasury-metrics/internal/service"
)

// Refresh runs one aggregation cycle per selected asset and prints the outcome.
// Every asset is attempted; all failures are returned joined after the last one has run.
func (a *App) Refresh(ctx context.Context, opts RefreshOptions) error {
	assets, err := a.selectAssets(opts.Asset)
	if err != nil {
		return err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	b, err := a.openBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	svc := a.newService(b, nil, nil)
	defer svc.FlushAlerts()

	writer := newTable(a.Out)
	fmt.Fprintln(writer, "Asset\tSource\tPrice\tHolders\tAmount\tValue\tResult\tAttempts")

	var errs []error
	for _, asset := range assets {
		var cycle *service.Cycle
		if opts.TotalSupply != nil {
			cycle, err = svc.RunAggregationCycleWithSupply(ctx, asset, *opts.TotalSupply)
		} else {
			cycle, err = svc.RunAggregationCycle(ctx, asset)
		}
		if err != nil {
			errs = append(errs, err)
			fmt.Fprintf(writer, "%s\t-\t-\t-\t-\t-\tfailed (%s)\t%s\n", asset, service.StageOf(err), sanitizeInline(err.Error()))
			continue
		}

		result := "persisted"
		if cycle.Superseded {
			result = "superseded"
		}
		snap := cycle.Snapshot
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			asset,
			snap.PriceSource,
			snap.ReferencePrice.String(),
			snap.HolderCount,
			snap.TotalHoldingAmount.String(),
			formatDecimal(snap.TotalHoldingValue, 2),
			result,
			describeAttempts(cycle),
		)
	}
	writer.Flush()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func describeAttempts(cycle *service.Cycle) string {
	out := ""
	for i, a := range cycle.Attempts {
		if i > 0 {
			out += ","
		}
		out += a.Tier + "=" + a.Outcome()
	}
	return out
}
