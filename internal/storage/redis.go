package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"treasury-metrics/internal/domain"
)

const (
	fieldLastUpdate = "last_update_us"
	fieldPayload    = "payload"
)

// Timestamps are compared in microseconds so they stay exact as Lua numbers.
var guardedSetScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
if current and tonumber(current) > tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2], ARGV[3], ARGV[4])
return 1
`)

// RedisStore keeps one hash per asset holding the encoded snapshot and its timestamp.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore builds a snapshot store on top of an existing client.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	keyPrefix = strings.TrimRight(keyPrefix, ":")
	if keyPrefix == "" {
		keyPrefix = "treasury:metrics"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) key(assetID string) string {
	return fmt.Sprintf("%s:%s", s.keyPrefix, assetID)
}

// Ping checks the connection to the redis server.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// ReadLatest returns the current snapshot or ErrNotFound.
func (s *RedisStore) ReadLatest(ctx context.Context, assetID string) (*domain.MetricsSnapshot, error) {
	payload, err := s.client.HGet(ctx, s.key(assetID), fieldPayload).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read snapshot %s: %w", assetID, err)
	}

	var rec snapshotRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", assetID, err)
	}
	snap, err := rec.toDomain()
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", assetID, err)
	}
	return &snap, nil
}

// UpsertLatest runs a server-side compare-and-set on the stored timestamp.
func (s *RedisStore) UpsertLatest(ctx context.Context, snap domain.MetricsSnapshot) (bool, error) {
	if err := validateSnapshot(snap); err != nil {
		return false, err
	}

	payload, err := json.Marshal(newSnapshotRecord(snap))
	if err != nil {
		return false, fmt.Errorf("encode snapshot: %w", err)
	}

	stamp := strconv.FormatInt(snap.LastUpdate.UnixMicro(), 10)
	res, err := guardedSetScript.Run(ctx, s.client, []string{s.key(snap.AssetID)},
		fieldLastUpdate, stamp, fieldPayload, string(payload),
	).Int()
	if err != nil {
		return false, fmt.Errorf("upsert snapshot %s: %w", snap.AssetID, err)
	}
	return res == 1, nil
}

type snapshotRecord struct {
	AssetID                     string           `json:"asset_id"`
	CycleID                     string           `json:"cycle_id"`
	TotalHoldingAmount          decimal.Decimal  `json:"total_holding_amount"`
	HolderCount                 int              `json:"holder_count"`
	ReferencePrice              decimal.Decimal  `json:"reference_price"`
	TotalHoldingValue           decimal.Decimal  `json:"total_holding_value"`
	TotalReportedCapitalization string           `json:"total_reported_capitalization"`
	SupplyPercent               *decimal.Decimal `json:"supply_percent,omitempty"`
	PriceSource                 string           `json:"price_source"`
	PriceObservedAt             time.Time        `json:"price_observed_at"`
	LastUpdate                  time.Time        `json:"last_update"`
}

func newSnapshotRecord(snap domain.MetricsSnapshot) snapshotRecord {
	return snapshotRecord{
		AssetID:                     snap.AssetID,
		CycleID:                     snap.CycleID.String(),
		TotalHoldingAmount:          snap.TotalHoldingAmount,
		HolderCount:                 snap.HolderCount,
		ReferencePrice:              snap.ReferencePrice,
		TotalHoldingValue:           snap.TotalHoldingValue,
		TotalReportedCapitalization: capitalizationString(snap.TotalReportedCapitalization),
		SupplyPercent:               snap.SupplyPercent,
		PriceSource:                 string(snap.PriceSource),
		PriceObservedAt:             snap.PriceObservedAt.UTC(),
		LastUpdate:                  snap.LastUpdate.UTC(),
	}
}

func (r snapshotRecord) toDomain() (domain.MetricsSnapshot, error) {
	cycle, err := uuid.Parse(r.CycleID)
	if err != nil {
		return domain.MetricsSnapshot{}, fmt.Errorf("parse cycle id: %w", err)
	}
	capTotal, err := parseCapitalization(r.TotalReportedCapitalization)
	if err != nil {
		return domain.MetricsSnapshot{}, err
	}
	source, err := domain.ParsePriceSource(r.PriceSource)
	if err != nil {
		return domain.MetricsSnapshot{}, err
	}
	return domain.MetricsSnapshot{
		AssetID:                     r.AssetID,
		CycleID:                     cycle,
		TotalHoldingAmount:          r.TotalHoldingAmount,
		HolderCount:                 r.HolderCount,
		ReferencePrice:              r.ReferencePrice,
		TotalHoldingValue:           r.TotalHoldingValue,
		TotalReportedCapitalization: capTotal,
		SupplyPercent:               r.SupplyPercent,
		PriceSource:                 source,
		PriceObservedAt:             r.PriceObservedAt,
		LastUpdate:                  r.LastUpdate,
	}, nil
}

var _ MetricsStore = (*RedisStore)(nil)
