package app

import (
	"context"
	"fmt"
	"time"
)

// Quote queries the live HTTP feed for the selected assets in one batch request.
// Nothing is persisted.
func (a *App) Quote(ctx context.Context, asset string) error {
	assets, err := a.selectAssets(asset)
	if err != nil {
		return err
	}

	results, err := a.newFeed().FetchPrices(ctx, assets)
	if err != nil {
		return err
	}

	writer := newTable(a.Out)
	fmt.Fprintln(writer, "Asset\tPrice\tObserved (UTC)\tError")
	for _, id := range assets {
		res, ok := results[id]
		switch {
		case !ok:
			fmt.Fprintf(writer, "%s\t-\t-\tmissing from response\n", id)
		case res.Err != nil:
			fmt.Fprintf(writer, "%s\t-\t-\t%s\n", id, sanitizeInline(res.Err.Error()))
		default:
			fmt.Fprintf(writer, "%s\t%s\t%s\t\n", id, res.Quote.Price.String(), res.Quote.ObservedAt.UTC().Format(time.RFC3339))
		}
	}
	return writer.Flush()
}
