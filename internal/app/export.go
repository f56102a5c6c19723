package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"treasury-metrics/internal/domain"
	"treasury-metrics/internal/storage"
)

// holderShare is one row of the export: a holder measured against the current snapshot.
type holderShare struct {
	Holder       domain.HolderRecord
	SharePercent decimal.Decimal
	Value        decimal.Decimal
}

// Export writes the current holders of an asset, valued at the snapshot's reference price.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	assetID := opts.Asset
	if assetID == "" {
		assetID = a.Config.AssetIDs()[0]
	}
	assets, err := a.selectAssets(assetID)
	if err != nil {
		return err
	}
	assetID = assets[0]
	opts.MaxHolders = a.Config.ResolveMaxHolders(opts.MaxHolders)

	b, err := a.openBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	snap, err := b.store.ReadLatest(ctx, assetID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("no snapshot for %q yet; run refresh first", assetID)
	}
	if err != nil {
		return err
	}

	holders, err := b.holdings.ListActiveHolders(ctx, assetID)
	if err != nil {
		return err
	}

	shares := computeShares(*snap, holders)
	a.Logger.Info().Str("asset", assetID).Int("holders", len(shares)).Msg("exporting holders")

	if opts.CSVPath != "" {
		if err := writeSharesCSV(opts.CSVPath, *snap, shares); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeSharesPNG(opts.PNGPath, *snap, topShares(shares, opts.MaxHolders)); err != nil {
			return err
		}
	}
	return nil
}

// computeShares values holders at the snapshot price. Holders are read after the snapshot
// was taken, so shares are measured against the live sum rather than the stored total.
func computeShares(snap domain.MetricsSnapshot, holders []domain.HolderRecord) []holderShare {
	total := decimal.Zero
	for _, h := range holders {
		total = total.Add(h.HoldingAmount)
	}

	out := make([]holderShare, 0, len(holders))
	for _, h := range holders {
		share := decimal.Zero
		if total.IsPositive() {
			share = h.HoldingAmount.Div(total).Mul(decimal.NewFromInt(100))
		}
		out = append(out, holderShare{
			Holder:       h,
			SharePercent: share,
			Value:        h.HoldingAmount.Mul(snap.ReferencePrice),
		})
	}
	return out
}

func topShares(shares []holderShare, max int) []holderShare {
	if max <= 0 || len(shares) <= max {
		return shares
	}
	return shares[:max]
}

func writeSharesCSV(path string, snap domain.MetricsSnapshot, shares []holderShare) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"asset_id", "holder_id", "name", "holding_amount", "share_pct", "value", "reported_capitalization", "reference_price", "price_source", "snapshot_last_update"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, s := range shares {
		capitalization := ""
		if s.Holder.ReportedCapitalization != nil {
			capitalization = s.Holder.ReportedCapitalization.String()
		}
		record := []string{
			snap.AssetID,
			s.Holder.ID,
			s.Holder.Name,
			s.Holder.HoldingAmount.String(),
			s.SharePercent.StringFixed(4),
			s.Value.String(),
			capitalization,
			snap.ReferencePrice.String(),
			string(snap.PriceSource),
			snap.LastUpdate.UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSharesPNG(path string, snap domain.MetricsSnapshot, shares []holderShare) error {
	if len(shares) == 0 {
		return errors.New("no active holders to chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	bars := make([]chart.Value, 0, len(shares))
	for _, s := range shares {
		label := s.Holder.Name
		if label == "" {
			label = s.Holder.ID
		}
		bars = append(bars, chart.Value{Label: label, Value: s.Value.InexactFloat64()})
	}

	graph := chart.BarChart{
		Title:    fmt.Sprintf("%s holdings at %s (%s)", snap.AssetID, snap.ReferencePrice.String(), snap.PriceSource),
		Width:    1280,
		Height:   720,
		BarWidth: 40,
		Background: chart.Style{
			Padding: chart.Box{Top: 60},
		},
		YAxis: chart.YAxis{
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Bars: bars,
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
