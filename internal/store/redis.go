package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/margin-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

const (
	configsKey     = "margin:asset_configs"
	latestPriceKey = "margin:prices:latest"
)

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) PutAssetConfig(ctx context.Context, asset model.Asset, cfg model.AssetConfig) error {
	if err := s.primary.PutAssetConfig(ctx, asset, cfg); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, configsKey)
	return nil
}

func (s *CachedStore) PutPriceSet(ctx context.Context, ps *model.PriceSet) error {
	if err := s.primary.PutPriceSet(ctx, ps); err != nil {
		return err
	}
	s.rdb.Del(ctx, latestPriceKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAssetConfigs(ctx context.Context) (model.AssetConfigs, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, configsKey).Bytes()
	if err == nil {
		var configs model.AssetConfigs
		if json.Unmarshal(data, &configs) == nil {
			return configs, nil
		}
	}

	// Cache miss: read from primary.
	configs, err := s.primary.GetAssetConfigs(ctx)
	if err != nil {
		return nil, err
	}

	s.cache(ctx, configsKey, configs)
	return configs, nil
}

func (s *CachedStore) GetLatestPriceSet(ctx context.Context) (*model.PriceSet, error) {
	data, err := s.rdb.Get(ctx, latestPriceKey).Bytes()
	if err == nil {
		if ps, err := decodePriceSet(data); err == nil {
			return ps, nil
		}
	}

	ps, err := s.primary.GetLatestPriceSet(ctx)
	if err != nil {
		return nil, err
	}

	s.cache(ctx, latestPriceKey, ps)
	return ps, nil
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}
