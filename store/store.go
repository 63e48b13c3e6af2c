// Package store persists the committed replication position per client.
//
// A PositionStore holds one position per client id. The Checkpointer sits in
// front of a store and coalesces frequent commits into periodic writes.
package store

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/maxpert/binflow/cfg"
	"github.com/maxpert/binflow/position"
)

// PositionStore loads and saves committed positions keyed by client id
type PositionStore interface {
	// Load returns the stored position and whether one exists
	Load(ctx context.Context, clientID string) (position.Position, bool, error)
	Store(ctx context.Context, clientID string, pos position.Position) error
	Close() error
}

// Open creates the store selected by config, resolving relative paths
// against dataDir
func Open(ctx context.Context, config cfg.StoreConfiguration, dataDir string) (PositionStore, error) {
	switch config.Type {
	case "", "pebble":
		path := config.Path
		if path == "" {
			path = filepath.Join(dataDir, "positions")
		}
		return NewPebbleStore(path)
	case "sqlite":
		path := config.Path
		if path == "" {
			path = filepath.Join(dataDir, "positions.db")
		}
		return NewSQLiteStore(ctx, path)
	case "mysql":
		return NewMySQLStore(ctx, config.DSN)
	default:
		return nil, fmt.Errorf("unknown store type: %s", config.Type)
	}
}
