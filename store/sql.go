package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/maxpert/binflow/position"
)

// PositionsTable is the table both SQL stores keep positions in
const PositionsTable = "binflow_positions"

// sqlStore is the database/sql position store shared by the sqlite and
// mysql backends. Statements are built with goqu for the backend dialect.
type sqlStore struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
	// upsert builds the conflict clause; the dialects disagree on how to
	// reference the incoming row
	upsert func(cols ...string) exp.ConflictExpression
}

func (s *sqlStore) Load(ctx context.Context, clientID string) (position.Position, bool, error) {
	query, args, err := s.dialect.
		From(PositionsTable).
		Select("binlog_file", "binlog_position", "gtid_set").
		Where(goqu.C("client_id").Eq(clientID)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return position.Position{}, false, fmt.Errorf("build position query: %w", err)
	}

	var file, gtid sql.NullString
	var offset sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&file, &offset, &gtid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return position.Position{}, false, nil
		}
		return position.Position{}, false, fmt.Errorf("load position for %s: %w", clientID, err)
	}

	pos := position.New(file.String, uint64(offset.Int64))
	if gtid.Valid && gtid.String != "" {
		gp, err := position.FromGTIDSet(gtid.String)
		if err != nil {
			return position.Position{}, false, err
		}
		pos.GTIDSet = gp.GTIDSet
	}
	return pos, true, nil
}

func (s *sqlStore) Store(ctx context.Context, clientID string, pos position.Position) error {
	query, args, err := s.dialect.
		Insert(PositionsTable).
		Rows(goqu.Record{
			"client_id":       clientID,
			"binlog_file":     pos.File,
			"binlog_position": pos.Offset,
			"gtid_set":        pos.GTIDSet,
			"heartbeat_at":    time.Now().UnixMilli(),
		}).
		OnConflict(s.upsert("binlog_file", "binlog_position", "gtid_set", "heartbeat_at")).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build position upsert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store position for %s: %w", clientID, err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
