package binlog

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/maxpert/binflow/position"
	"github.com/rs/zerolog/log"
)

// InitCurrent starts from the server's current position
const InitCurrent = "current"

// CurrentPosition reads the server's binlog coordinates and executed GTID
// set. MySQL 8.4 renamed SHOW MASTER STATUS; both are tried.
func CurrentPosition(ctx context.Context, db *sql.DB) (position.Position, error) {
	var lastErr error
	for _, stmt := range []string{"SHOW BINARY LOG STATUS", "SHOW MASTER STATUS"} {
		pos, err := queryStatus(ctx, db, stmt)
		if err == nil {
			return pos, nil
		}
		log.Debug().Err(err).Str("statement", stmt).Msg("Binlog status query failed")
		lastErr = err
	}
	return position.Position{}, fmt.Errorf("failed to read current binlog position: %w", lastErr)
}

func queryStatus(ctx context.Context, db *sql.DB, stmt string) (position.Position, error) {
	rows, err := db.QueryContext(ctx, stmt)
	if err != nil {
		return position.Position{}, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return position.Position{}, err
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return position.Position{}, err
		}
		return position.Position{}, fmt.Errorf("%s returned no rows, is binary logging enabled?", stmt)
	}

	vals := make([]sql.NullString, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return position.Position{}, err
	}
	return statusPosition(cols, vals)
}

// statusPosition builds a position from a binlog status row
func statusPosition(cols []string, vals []sql.NullString) (position.Position, error) {
	var file, offset, gtids string
	for i, col := range cols {
		switch strings.ToLower(col) {
		case "file":
			file = vals[i].String
		case "position":
			offset = vals[i].String
		case "executed_gtid_set":
			gtids = strings.ReplaceAll(vals[i].String, "\n", "")
		}
	}
	if file == "" || offset == "" {
		return position.Position{}, fmt.Errorf("binlog status is missing file or position (columns %v)", cols)
	}

	n, err := strconv.ParseUint(offset, 10, 64)
	if err != nil {
		return position.Position{}, fmt.Errorf("invalid binlog status position %q: %w", offset, err)
	}
	pos, err := position.FromGTIDSet(gtids)
	if err != nil {
		return position.Position{}, err
	}
	return pos.WithOffset(file, n), nil
}

// ResolveStart interprets the init_position setting: "current" (or empty)
// asks the server, anything else is parsed as a position
func ResolveStart(ctx context.Context, db *sql.DB, init string) (position.Position, error) {
	init = strings.TrimSpace(init)
	if init == "" || strings.EqualFold(init, InitCurrent) {
		return CurrentPosition(ctx, db)
	}
	pos, err := position.Parse(init)
	if err != nil {
		return position.Position{}, fmt.Errorf("invalid init_position: %w", err)
	}
	return pos, nil
}
