package fetcher

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/shopspring/decimal"
)

const testAggregator = "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"

type fakeCaller struct {
	decimals uint8
	answer   *big.Int
	updated  int64
	err      error
	garbage  bool
}

func (f *fakeCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.garbage {
		return []byte{0x01}, nil
	}
	method, err := aggregatorV3ABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "decimals":
		return method.Outputs.Pack(f.decimals)
	default:
		return method.Outputs.Pack(big.NewInt(7), f.answer, big.NewInt(f.updated), big.NewInt(f.updated), big.NewInt(7))
	}
}

func newTestOracle(caller contractCaller) *Oracle {
	o := NewOracle(OracleOptions{
		RPCURL: "http://localhost:8545",
		Feeds:  map[string]string{"Ethereum": testAggregator},
	}, noopLogger())
	o.client = caller
	return o
}

func TestOracleFetchPrice(t *testing.T) {
	updated := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC).Unix()
	o := newTestOracle(&fakeCaller{decimals: 8, answer: big.NewInt(180012345678), updated: updated})

	quote, err := o.FetchPrice(context.Background(), "ethereum")
	if err != nil {
		t.Fatalf("oracle read should succeed: %v", err)
	}
	if !quote.Price.Equal(decimal.RequireFromString("1800.12345678")) {
		t.Fatalf("expected 1800.12345678, got %s", quote.Price)
	}
	if quote.ObservedAt.Unix() != updated {
		t.Fatalf("observed time should come from the round, got %s", quote.ObservedAt)
	}
}

func TestOracleNotConfigured(t *testing.T) {
	o := newTestOracle(&fakeCaller{})
	if o.Configured("bitcoin") {
		t.Fatal("bitcoin has no aggregator")
	}
	if _, err := o.FetchPrice(context.Background(), "bitcoin"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}

	off := NewOracle(OracleOptions{Feeds: map[string]string{"ethereum": testAggregator}}, noopLogger())
	if _, err := off.FetchPrice(context.Background(), "ethereum"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("missing rpc url should be ErrNotConfigured, got %v", err)
	}
}

func TestOracleFailures(t *testing.T) {
	_, err := newTestOracle(&fakeCaller{decimals: 8, answer: big.NewInt(-1), updated: 1}).FetchPrice(context.Background(), "ethereum")
	expectKind(t, err, KindNonPositiveValue)

	_, err = newTestOracle(&fakeCaller{garbage: true}).FetchPrice(context.Background(), "ethereum")
	expectKind(t, err, KindMalformedPayload)

	_, err = newTestOracle(&fakeCaller{err: context.DeadlineExceeded}).FetchPrice(context.Background(), "ethereum")
	expectKind(t, err, KindTimeout)

	_, err = newTestOracle(&fakeCaller{err: errors.New("connection refused")}).FetchPrice(context.Background(), "ethereum")
	expectKind(t, err, KindUnreachable)
}
