// Package store defines the persistence interface for the margin engine's
// reference data: operator asset configs and price snapshots. Vault state is
// owned by the settlement ledger and is never stored here.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/margin-engine/internal/model"
)

// ErrNotFound is returned when no price snapshot has been stored yet.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Asset configs ---

	// PutAssetConfig creates or replaces the policy for one underlying.
	PutAssetConfig(ctx context.Context, asset model.Asset, cfg model.AssetConfig) error

	// GetAssetConfigs returns every stored policy. Empty is not an error.
	GetAssetConfigs(ctx context.Context) (model.AssetConfigs, error)

	// --- Price snapshots ---

	// PutPriceSet appends a snapshot. Snapshots are immutable once stored.
	PutPriceSet(ctx context.Context, ps *model.PriceSet) error

	// GetLatestPriceSet returns the snapshot with the greatest TakenAt, or
	// ErrNotFound.
	GetLatestPriceSet(ctx context.Context) (*model.PriceSet, error)
}
