package store

import (
	"context"
	"maps"
	"sync"

	"github.com/atmx/margin-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	configs model.AssetConfigs
	latest  *model.PriceSet
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs: make(model.AssetConfigs),
	}
}

func (s *MemoryStore) PutAssetConfig(_ context.Context, asset model.Asset, cfg model.AssetConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.configs[asset] = cfg
	return nil
}

func (s *MemoryStore) GetAssetConfigs(_ context.Context) (model.AssetConfigs, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return maps.Clone(s.configs), nil
}

// PutPriceSet keeps the snapshot only if it is not older than the current
// latest, so an out-of-order feeder cannot roll prices back.
func (s *MemoryStore) PutPriceSet(_ context.Context, ps *model.PriceSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest != nil && ps.TakenAt.Before(s.latest.TakenAt) {
		return nil
	}
	// Store a copy to avoid external mutation.
	s.latest = ps.Clone()
	return nil
}

func (s *MemoryStore) GetLatestPriceSet(_ context.Context) (*model.PriceSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.latest == nil {
		return nil, ErrNotFound
	}
	return s.latest.Clone(), nil
}
