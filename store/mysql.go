package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/go-sql-driver/mysql"
)

const mysqlInitTable = "CREATE TABLE IF NOT EXISTS `binflow_positions` (" +
	"`client_id` VARCHAR(255) NOT NULL PRIMARY KEY," +
	"`binlog_file` VARCHAR(255) NOT NULL," +
	"`binlog_position` BIGINT UNSIGNED NOT NULL," +
	"`gtid_set` TEXT," +
	"`heartbeat_at` BIGINT NOT NULL" +
	") ENGINE=InnoDB"

// NewMySQLStore keeps positions in a MySQL table, typically on the source
// server itself
func NewMySQLStore(ctx context.Context, dsn string) (PositionStore, error) {
	if dsn == "" {
		return nil, errors.New("mysql store dsn is required")
	}

	conf, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql store dsn: %w", err)
	}
	if conf.Timeout == 0 {
		conf.Timeout = 10 * time.Second
	}

	connector, err := mysql.NewConnector(conf)
	if err != nil {
		return nil, fmt.Errorf("open mysql store: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql store: %w", err)
	}
	if _, err := db.ExecContext(ctx, mysqlInitTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create positions table: %w", err)
	}

	return &sqlStore{
		db:      db,
		dialect: goquMySQL(),
		upsert:  mysqlUpsert,
	}, nil
}

// mysqlUpsert renders ON DUPLICATE KEY UPDATE col=VALUES(col)
func mysqlUpsert(cols ...string) exp.ConflictExpression {
	update := goqu.Record{}
	for _, c := range cols {
		update[c] = goqu.L(fmt.Sprintf("VALUES(`%s`)", c))
	}
	return goqu.DoUpdate("client_id", update)
}

func goquMySQL() goqu.DialectWrapper {
	return goqu.Dialect("mysql")
}
