package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"treasury-metrics/internal/version"
)

const maxFeedBody = 1 << 20

// HTTPFeedOptions parameterise the HTTP JSON price feed.
type HTTPFeedOptions struct {
	BaseURL      string
	QueryParam   string
	PriceField   string
	Timeout      time.Duration
	UserAgent    string
	APIKey       string
	APIKeyHeader string
}

// HTTPFeed reads `{ "<asset>": { "<price_field>": <number> } }` payloads.
type HTTPFeed struct {
	opts    HTTPFeedOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// NewHTTPFeed constructs the live price feed client.
func NewHTTPFeed(opts HTTPFeedOptions, logger zerolog.Logger) *HTTPFeed {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.QueryParam == "" {
		opts.QueryParam = "ids"
	}
	if opts.PriceField == "" {
		opts.PriceField = "price"
	}

	return &HTTPFeed{
		opts:    opts,
		logger:  logger.With().Str("component", "price_feed").Logger(),
		client:  &http.Client{Timeout: opts.Timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		now:     time.Now,
	}
}

// FetchPrice retrieves the current price for one asset.
func (f *HTTPFeed) FetchPrice(ctx context.Context, assetID string) (Quote, error) {
	quotes, err := f.FetchPrices(ctx, []string{assetID})
	if err != nil {
		return Quote{}, err
	}
	res := quotes[assetID]
	return res.Quote, res.Err
}

// QuoteResult is the per-asset outcome of a batched request.
type QuoteResult struct {
	Quote Quote
	Err   error
}

// FetchPrices retrieves several assets in one request. A transport-level failure is
// returned as the error; payload problems are reported per asset.
func (f *HTTPFeed) FetchPrices(ctx context.Context, assetIDs []string) (map[string]QuoteResult, error) {
	label := strings.Join(assetIDs, ",")
	if f.baseURL == "" {
		return nil, &FeedError{Kind: KindUnreachable, Asset: label, Err: fmt.Errorf("feed base url not configured")}
	}

	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	endpoint, err := url.Parse(f.baseURL)
	if err != nil {
		return nil, &FeedError{Kind: KindUnreachable, Asset: label, Err: err}
	}
	query := endpoint.Query()
	query.Set(f.opts.QueryParam, label)
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, &FeedError{Kind: KindUnreachable, Asset: label, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(f.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", version.UserAgent())
	}
	if f.opts.APIKey != "" && f.opts.APIKeyHeader != "" {
		req.Header.Set(f.opts.APIKeyHeader, f.opts.APIKey)
	}

	started := f.now()
	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Debug().Err(err).Str("assets", label).Dur("latency", time.Since(started)).Msg("price feed request failed")
		return nil, transportError(label, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBody))
	if err != nil {
		return nil, transportError(label, err)
	}

	f.logger.Debug().Str("assets", label).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(started)).
		Msg("price feed response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FeedError{Kind: KindBadStatus, Asset: label, StatusCode: resp.StatusCode, Err: statusDetail(payload)}
	}

	var body map[string]json.RawMessage
	if err := decodeNumbers(payload, &body); err != nil {
		return nil, &FeedError{Kind: KindMalformedPayload, Asset: label, Err: err}
	}

	observedAt := f.now().UTC()
	results := make(map[string]QuoteResult, len(assetIDs))
	for _, asset := range assetIDs {
		price, err := f.extractPrice(body, asset)
		if err != nil {
			results[asset] = QuoteResult{Err: err}
			continue
		}
		quote, err := positiveQuote(asset, price, observedAt)
		results[asset] = QuoteResult{Quote: quote, Err: err}
	}
	return results, nil
}

func (f *HTTPFeed) extractPrice(body map[string]json.RawMessage, asset string) (decimal.Decimal, error) {
	malformed := func(format string, args ...any) error {
		return &FeedError{Kind: KindMalformedPayload, Asset: asset, Err: fmt.Errorf(format, args...)}
	}

	raw, ok := body[asset]
	if !ok {
		return decimal.Decimal{}, malformed("asset missing from payload")
	}

	var fields map[string]json.RawMessage
	if err := decodeNumbers(raw, &fields); err != nil {
		return decimal.Decimal{}, malformed("asset entry is not an object: %v", err)
	}

	rawPrice, ok := fields[f.opts.PriceField]
	if !ok {
		return decimal.Decimal{}, malformed("field %q missing", f.opts.PriceField)
	}

	var value any
	if err := decodeNumbers(rawPrice, &value); err != nil {
		return decimal.Decimal{}, malformed("decode %q: %v", f.opts.PriceField, err)
	}
	num, ok := value.(json.Number)
	if !ok {
		return decimal.Decimal{}, malformed("field %q is not numeric", f.opts.PriceField)
	}

	price, err := decimal.NewFromString(num.String())
	if err != nil {
		return decimal.Decimal{}, malformed("parse %q: %v", f.opts.PriceField, err)
	}
	return price, nil
}

func decodeNumbers(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); err != io.EOF {
		return fmt.Errorf("unexpected data after JSON value")
	}
	return nil
}

func statusDetail(payload []byte) error {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return nil
	}
	if len(trimmed) > 256 {
		trimmed = trimmed[:256]
	}
	return fmt.Errorf("%s", trimmed)
}

var _ PriceFeed = (*HTTPFeed)(nil)
