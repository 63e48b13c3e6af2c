package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteInitTable = `CREATE TABLE IF NOT EXISTS binflow_positions (
  client_id TEXT PRIMARY KEY,
  binlog_file TEXT NOT NULL,
  binlog_position INTEGER NOT NULL,
  gtid_set TEXT NOT NULL DEFAULT '',
  heartbeat_at INTEGER NOT NULL
);`

// NewSQLiteStore opens (creating if needed) a single-file SQLite position store
func NewSQLiteStore(ctx context.Context, path string) (PositionStore, error) {
	if path == "" {
		return nil, errors.New("sqlite store path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteInitTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create positions table: %w", err)
	}

	return &sqlStore{
		db:      db,
		dialect: goqu.Dialect("sqlite3"),
		upsert: func(cols ...string) exp.ConflictExpression {
			update := goqu.Record{}
			for _, c := range cols {
				update[c] = goqu.L("excluded." + c)
			}
			return goqu.DoUpdate("client_id", update)
		},
	}, nil
}
