package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"treasury-metrics/internal/domain"
)

const (
	// The WHERE clause is evaluated against the row locked by ON CONFLICT, so the
	// timestamp comparison sees the committed snapshot rather than an earlier read.
	upsertSnapshotSQL = `INSERT INTO metrics_snapshots (
        asset_id,
        cycle_id,
        total_holding_amount,
        holder_count,
        reference_price,
        total_holding_value,
        total_reported_capitalization,
        supply_percent,
        price_source,
        price_observed_at,
        last_update
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (asset_id) DO UPDATE
    SET
        cycle_id                      = EXCLUDED.cycle_id,
        total_holding_amount          = EXCLUDED.total_holding_amount,
        holder_count                  = EXCLUDED.holder_count,
        reference_price               = EXCLUDED.reference_price,
        total_holding_value           = EXCLUDED.total_holding_value,
        total_reported_capitalization = EXCLUDED.total_reported_capitalization,
        supply_percent                = EXCLUDED.supply_percent,
        price_source                  = EXCLUDED.price_source,
        price_observed_at             = EXCLUDED.price_observed_at,
        last_update                   = EXCLUDED.last_update,
        updated_at                    = now()
    WHERE metrics_snapshots.last_update <= EXCLUDED.last_update;`

	readSnapshotSQL = `SELECT
        asset_id,
        cycle_id::text,
        total_holding_amount::text,
        holder_count,
        reference_price::text,
        total_holding_value::text,
        total_reported_capitalization::text,
        supply_percent::text,
        price_source,
        price_observed_at,
        last_update
    FROM metrics_snapshots
    WHERE asset_id = $1;`

	listActiveHoldersSQL = `SELECT
        holder_id,
        asset_id,
        COALESCE(name, ''),
        holding_amount::text,
        reported_capitalization::text,
        is_active
    FROM holders
    WHERE asset_id = $1
      AND is_active
    ORDER BY holding_amount DESC, holder_id;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store provides snapshot and holdings access backed by PostgreSQL.
type Store struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
	logger       zerolog.Logger
}

// NewStore wires a pgx pool into a Store. A positive queryTimeout bounds every call.
func NewStore(pool *pgxpool.Pool, queryTimeout time.Duration, logger zerolog.Logger) *Store {
	return &Store{
		pool:         pool,
		queryTimeout: queryTimeout,
		logger:       logger.With().Str("component", "postgres_store").Logger(),
	}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

func (s *Store) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			s.logger.Warn().Err(err).Int64("key", key).Msg("advisory unlock failed")
		}
		conn.Release()
	}
	return unlock, true, nil
}

// ReadLatest returns the current snapshot for the asset or ErrNotFound.
func (s *Store) ReadLatest(ctx context.Context, assetID string) (*domain.MetricsSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	snap, err := scanSnapshot(pool.QueryRow(ctx, readSnapshotSQL, assetID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return snap, nil
}

// UpsertLatest writes the snapshot unless a newer one is already committed.
func (s *Store) UpsertLatest(ctx context.Context, snap domain.MetricsSnapshot) (bool, error) {
	if err := validateSnapshot(snap); err != nil {
		return false, err
	}
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	var supply interface{}
	if snap.SupplyPercent != nil {
		supply = snap.SupplyPercent.String()
	}

	cmdTag, execErr := pool.Exec(ctx, upsertSnapshotSQL,
		snap.AssetID,
		snap.CycleID.String(),
		snap.TotalHoldingAmount.String(),
		snap.HolderCount,
		snap.ReferencePrice.String(),
		snap.TotalHoldingValue.String(),
		capitalizationString(snap.TotalReportedCapitalization),
		supply,
		string(snap.PriceSource),
		snap.PriceObservedAt,
		snap.LastUpdate,
	)
	if execErr != nil {
		return false, fmt.Errorf("upsert snapshot: %w", execErr)
	}
	return cmdTag.RowsAffected() > 0, nil
}

// ListActiveHolders returns the active holders of an asset, largest first.
func (s *Store) ListActiveHolders(ctx context.Context, assetID string) ([]domain.HolderRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	rows, queryErr := pool.Query(ctx, listActiveHoldersSQL, assetID)
	if queryErr != nil {
		return nil, fmt.Errorf("list active holders: %w", queryErr)
	}
	defer rows.Close()

	holders := make([]domain.HolderRecord, 0)
	for rows.Next() {
		var (
			rec       domain.HolderRecord
			amountStr string
			capStr    sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.AssetID, &rec.Name, &amountStr, &capStr, &rec.IsActive); err != nil {
			return nil, fmt.Errorf("scan holder: %w", err)
		}
		if rec.HoldingAmount, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("parse holding amount for %s: %w", rec.ID, err)
		}
		if capStr.Valid {
			if rec.ReportedCapitalization, err = parseCapitalization(capStr.String); err != nil {
				return nil, err
			}
		}
		holders = append(holders, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active holders: %w", err)
	}
	return holders, nil
}

func scanSnapshot(row pgx.Row) (*domain.MetricsSnapshot, error) {
	var (
		snap       domain.MetricsSnapshot
		cycleStr   string
		amountStr  string
		priceStr   string
		valueStr   string
		capStr     string
		supplyStr  sql.NullString
		sourceStr  string
		observedAt time.Time
		lastUpdate time.Time
	)

	if err := row.Scan(
		&snap.AssetID,
		&cycleStr,
		&amountStr,
		&snap.HolderCount,
		&priceStr,
		&valueStr,
		&capStr,
		&supplyStr,
		&sourceStr,
		&observedAt,
		&lastUpdate,
	); err != nil {
		return nil, err
	}

	var err error
	if snap.CycleID, err = uuid.Parse(cycleStr); err != nil {
		return nil, fmt.Errorf("parse cycle id: %w", err)
	}
	if snap.TotalHoldingAmount, err = decimal.NewFromString(amountStr); err != nil {
		return nil, fmt.Errorf("parse total holding amount: %w", err)
	}
	if snap.ReferencePrice, err = decimal.NewFromString(priceStr); err != nil {
		return nil, fmt.Errorf("parse reference price: %w", err)
	}
	if snap.TotalHoldingValue, err = decimal.NewFromString(valueStr); err != nil {
		return nil, fmt.Errorf("parse total holding value: %w", err)
	}
	if snap.TotalReportedCapitalization, err = parseCapitalization(capStr); err != nil {
		return nil, err
	}
	if supplyStr.Valid {
		pct, err := decimal.NewFromString(supplyStr.String)
		if err != nil {
			return nil, fmt.Errorf("parse supply percent: %w", err)
		}
		snap.SupplyPercent = &pct
	}
	if snap.PriceSource, err = domain.ParsePriceSource(sourceStr); err != nil {
		return nil, err
	}
	snap.PriceObservedAt = observedAt.UTC()
	snap.LastUpdate = lastUpdate.UTC()

	return &snap, nil
}

var (
	_ MetricsStore       = (*Store)(nil)
	_ HoldingsRepository = (*Store)(nil)
	_ AdvisoryLocker     = (*Store)(nil)
)
