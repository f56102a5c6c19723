package storage

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"treasury-metrics/internal/domain"
)

// MemoryStore is an in-process MetricsStore. It applies the same
// newest-LastUpdate-wins rule as the durable backends.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]domain.MetricsSnapshot
}

// NewMemoryStore creates an empty in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]domain.MetricsSnapshot)}
}

// ReadLatest returns a copy of the current snapshot or ErrNotFound.
func (s *MemoryStore) ReadLatest(_ context.Context, assetID string) (*domain.MetricsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[assetID]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneSnapshot(snap)
	return &out, nil
}

// UpsertLatest stores snap unless a newer snapshot is already present.
func (s *MemoryStore) UpsertLatest(_ context.Context, snap domain.MetricsSnapshot) (bool, error) {
	if err := validateSnapshot(snap); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.snapshots[snap.AssetID]; ok && current.LastUpdate.After(snap.LastUpdate) {
		return false, nil
	}
	s.snapshots[snap.AssetID] = cloneSnapshot(snap)
	return true, nil
}

// MemoryHoldings is an in-process HoldingsRepository.
type MemoryHoldings struct {
	mu      sync.RWMutex
	holders map[string][]domain.HolderRecord
	err     error
}

// NewMemoryHoldings creates a repository seeded with holders, grouped by AssetID.
func NewMemoryHoldings(holders ...domain.HolderRecord) *MemoryHoldings {
	m := &MemoryHoldings{holders: make(map[string][]domain.HolderRecord)}
	m.Replace(holders...)
	return m
}

// Replace swaps the whole holder set.
func (m *MemoryHoldings) Replace(holders ...domain.HolderRecord) {
	grouped := make(map[string][]domain.HolderRecord)
	for _, h := range holders {
		grouped[h.AssetID] = append(grouped[h.AssetID], cloneHolder(h))
	}
	m.mu.Lock()
	m.holders = grouped
	m.mu.Unlock()
}

// FailWith makes subsequent reads return err; nil restores normal behaviour.
func (m *MemoryHoldings) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// ListActiveHolders returns copies of the active holders, largest first.
func (m *MemoryHoldings) ListActiveHolders(ctx context.Context, assetID string) ([]domain.HolderRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.err != nil {
		return nil, m.err
	}

	out := make([]domain.HolderRecord, 0, len(m.holders[assetID]))
	for _, h := range m.holders[assetID] {
		if h.IsActive {
			out = append(out, cloneHolder(h))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].HoldingAmount.GreaterThan(out[j].HoldingAmount)
	})
	return out, nil
}

func cloneHolder(h domain.HolderRecord) domain.HolderRecord {
	if h.ReportedCapitalization != nil {
		h.ReportedCapitalization = new(big.Int).Set(h.ReportedCapitalization)
	}
	return h
}

var (
	_ MetricsStore       = (*MemoryStore)(nil)
	_ HoldingsRepository = (*MemoryHoldings)(nil)
)
