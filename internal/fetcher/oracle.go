package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const aggregatorV3ABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregatorV3ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorV3ABI = parsed
}

// contractCaller is the subset of ethclient.Client the oracle needs.
type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// OracleOptions parameterise the on-chain price tier.
type OracleOptions struct {
	RPCURL  string
	Timeout time.Duration
	// Feeds maps asset id to aggregator contract address.
	Feeds map[string]string
}

// Oracle reads prices from Chainlink-style AggregatorV3 contracts.
type Oracle struct {
	opts      OracleOptions
	logger    zerolog.Logger
	client    contractCaller
	clientMux sync.Mutex
}

// NewOracle builds an on-chain price feed.
func NewOracle(opts OracleOptions, logger zerolog.Logger) *Oracle {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	feeds := make(map[string]string, len(opts.Feeds))
	for asset, addr := range opts.Feeds {
		feeds[strings.ToLower(asset)] = addr
	}
	opts.Feeds = feeds
	return &Oracle{opts: opts, logger: logger.With().Str("component", "oracle_feed").Logger()}
}

// Configured reports whether an aggregator address exists for the asset.
func (o *Oracle) Configured(assetID string) bool {
	_, ok := o.opts.Feeds[strings.ToLower(assetID)]
	return ok
}

// FetchPrice reads latestRoundData and scales the answer by the feed decimals.
func (o *Oracle) FetchPrice(ctx context.Context, assetID string) (Quote, error) {
	addrHex, ok := o.opts.Feeds[strings.ToLower(assetID)]
	if !ok || o.opts.RPCURL == "" {
		return Quote{}, ErrNotConfigured
	}
	if !common.IsHexAddress(addrHex) {
		return Quote{}, fmt.Errorf("oracle feed address %q for %s is invalid: %w", addrHex, assetID, ErrNotConfigured)
	}

	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	client, err := o.getClient(ctx)
	if err != nil {
		return Quote{}, transportError(assetID, err)
	}

	addr := common.HexToAddress(addrHex)

	decimalsOut, err := o.call(ctx, client, addr, "decimals")
	if err != nil {
		return Quote{}, o.callError(assetID, err)
	}
	feedDecimals, ok := decimalsOut[0].(uint8)
	if !ok {
		return Quote{}, &FeedError{Kind: KindMalformedPayload, Asset: assetID, Err: errors.New("decimals output is not uint8")}
	}

	roundOut, err := o.call(ctx, client, addr, "latestRoundData")
	if err != nil {
		return Quote{}, o.callError(assetID, err)
	}
	if len(roundOut) != 5 {
		return Quote{}, &FeedError{Kind: KindMalformedPayload, Asset: assetID, Err: errors.New("unexpected latestRoundData response")}
	}
	answer, okAnswer := roundOut[1].(*big.Int)
	updatedAt, okUpdated := roundOut[3].(*big.Int)
	if !okAnswer || !okUpdated {
		return Quote{}, &FeedError{Kind: KindMalformedPayload, Asset: assetID, Err: errors.New("failed to decode latestRoundData output")}
	}

	price := decimal.NewFromBigInt(answer, -int32(feedDecimals))
	observedAt := time.Unix(updatedAt.Int64(), 0).UTC()

	o.logger.Debug().Str("asset", assetID).Str("aggregator", addr.Hex()).Time("updated_at", observedAt).Msg("oracle round read")
	return positiveQuote(assetID, price, observedAt)
}

func (o *Oracle) call(ctx context.Context, client contractCaller, addr common.Address, method string) ([]interface{}, error) {
	payload, err := aggregatorV3ABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, err
	}
	outputs, err := aggregatorV3ABI.Unpack(method, res)
	if err != nil {
		return nil, errMalformedRound{err}
	}
	if len(outputs) == 0 {
		return nil, errMalformedRound{fmt.Errorf("%s returned no outputs", method)}
	}
	return outputs, nil
}

type errMalformedRound struct{ err error }

func (e errMalformedRound) Error() string { return e.err.Error() }
func (e errMalformedRound) Unwrap() error { return e.err }

func (o *Oracle) callError(asset string, err error) error {
	var malformed errMalformedRound
	if errors.As(err, &malformed) {
		return &FeedError{Kind: KindMalformedPayload, Asset: asset, Err: malformed.err}
	}
	return transportError(asset, err)
}

func (o *Oracle) getClient(ctx context.Context) (contractCaller, error) {
	o.clientMux.Lock()
	defer o.clientMux.Unlock()

	if o.client != nil {
		return o.client, nil
	}

	client, err := ethclient.DialContext(ctx, o.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	o.client = client
	return client, nil
}

var _ PriceFeed = (*Oracle)(nil)
