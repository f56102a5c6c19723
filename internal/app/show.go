package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"treasury-metrics/internal/domain"
	"treasury-metrics/internal/storage"
)

// Show prints the current snapshot of every selected asset with its staleness.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	assets, err := a.selectAssets(opts.Asset)
	if err != nil {
		return err
	}

	b, err := a.openBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	threshold := a.Config.Staleness.Threshold
	if opts.MaxAge > 0 {
		threshold = opts.MaxAge
	}

	now := time.Now().UTC()
	writer := newTable(a.Out)
	fmt.Fprintln(writer, "Asset\tSource\tPrice\tHolders\tAmount\tValue\tCapitalization\tSupply%\tLast update (UTC)\tAge\tStale")

	for _, asset := range assets {
		snap, err := b.store.ReadLatest(ctx, asset)
		if errors.Is(err, storage.ErrNotFound) {
			fmt.Fprintf(writer, "%s\t-\t-\t-\t-\t-\t-\t-\tnever\t-\t-\n", asset)
			continue
		}
		if err != nil {
			return fmt.Errorf("read snapshot %s: %w", asset, err)
		}
		writeSnapshotRow(writer, *snap, now, threshold)
	}

	return writer.Flush()
}

func writeSnapshotRow(writer *tabwriter.Writer, snap domain.MetricsSnapshot, now time.Time, threshold time.Duration) {
	supply := "-"
	if snap.SupplyPercent != nil {
		supply = formatDecimal(*snap.SupplyPercent, 4)
	}
	capitalization := "0"
	if snap.TotalReportedCapitalization != nil {
		capitalization = snap.TotalReportedCapitalization.String()
	}
	stale := "no"
	if domain.IsStale(snap, now, threshold) {
		stale = "yes"
	}
	fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
		snap.AssetID,
		snap.PriceSource,
		snap.ReferencePrice.String(),
		snap.HolderCount,
		snap.TotalHoldingAmount.String(),
		formatDecimal(snap.TotalHoldingValue, 2),
		capitalization,
		supply,
		snap.LastUpdate.UTC().Format(time.RFC3339),
		snap.Age(now).Truncate(time.Second).String(),
		stale,
	)
}

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
