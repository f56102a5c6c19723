package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotConfigured is returned by a feed that has no source for the requested asset.
var ErrNotConfigured = errors.New("fetcher: asset not configured for this feed")

// FailureKind classifies why a feed could not produce a price.
type FailureKind string

const (
	KindTimeout          FailureKind = "timeout"
	KindUnreachable      FailureKind = "unreachable"
	KindBadStatus        FailureKind = "bad_status"
	KindMalformedPayload FailureKind = "malformed_payload"
	KindNonPositiveValue FailureKind = "non_positive_value"
)

// FeedError is the typed failure every feed returns. Feeds never return a best-guess value.
type FeedError struct {
	Kind       FailureKind
	Asset      string
	StatusCode int
	Err        error
}

func (e *FeedError) Error() string {
	msg := fmt.Sprintf("price feed %s for %q", e.Kind, e.Asset)
	if e.Kind == KindBadStatus {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FeedError) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from err, if it carries one.
func KindOf(err error) (FailureKind, bool) {
	var feedErr *FeedError
	if errors.As(err, &feedErr) {
		return feedErr.Kind, true
	}
	return "", false
}

// Quote is a single positive price observation.
type Quote struct {
	Price      decimal.Decimal
	ObservedAt time.Time
}

// PriceFeed retrieves a live price for one asset within a bounded time.
type PriceFeed interface {
	FetchPrice(ctx context.Context, assetID string) (Quote, error)
}

func transportError(asset string, err error) *FeedError {
	kind := KindUnreachable
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &FeedError{Kind: kind, Asset: asset, Err: err}
}

func positiveQuote(asset string, price decimal.Decimal, observedAt time.Time) (Quote, error) {
	if !price.IsPositive() {
		return Quote{}, &FeedError{Kind: KindNonPositiveValue, Asset: asset, Err: fmt.Errorf("got %s", price.String())}
	}
	return Quote{Price: price, ObservedAt: observedAt}, nil
}
