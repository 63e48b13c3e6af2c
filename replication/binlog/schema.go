package binlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/binflow/change"
	"github.com/maxpert/binflow/telemetry"
	"github.com/rs/zerolog/log"
)

// DefaultSchemaCacheSize is the number of tables kept when no size is configured
const DefaultSchemaCacheSize = 1024

// SchemaLookup resolves column metadata for the tables in the stream
type SchemaLookup interface {
	Lookup(ctx context.Context, database, table string) (*change.TableSchema, error)
	// Invalidate drops one table, or every table of database when table is empty
	Invalidate(database, table string)
	Purge()
}

type schemaLoader func(ctx context.Context, database, table string) (*change.TableSchema, error)

// SchemaCache reads column metadata from information_schema and keeps the
// most recently used tables in an LRU cache
type SchemaCache struct {
	cache *lru.Cache[string, *change.TableSchema]
	load  schemaLoader
}

// NewSchemaCache creates a cache backed by db
func NewSchemaCache(db *sql.DB, size int) (*SchemaCache, error) {
	return newSchemaCache(size, func(ctx context.Context, database, table string) (*change.TableSchema, error) {
		return loadSchema(ctx, db, database, table)
	})
}

func newSchemaCache(size int, load schemaLoader) (*SchemaCache, error) {
	if size <= 0 {
		size = DefaultSchemaCacheSize
	}
	cache, err := lru.New[string, *change.TableSchema](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create schema cache: %w", err)
	}
	return &SchemaCache{cache: cache, load: load}, nil
}

func schemaKey(database, table string) string {
	return database + "." + table
}

// Lookup returns the cached schema or loads it. A table without columns
// (dropped since the event was written) yields nil without an error.
func (s *SchemaCache) Lookup(ctx context.Context, database, table string) (*change.TableSchema, error) {
	key := schemaKey(database, table)
	if schema, ok := s.cache.Get(key); ok {
		telemetry.SchemaLookupsTotal.With("hit").Inc()
		return schema, nil
	}

	schema, err := s.load(ctx, database, table)
	if err != nil {
		telemetry.SchemaLookupsTotal.With("error").Inc()
		return nil, fmt.Errorf("failed to load schema of %s: %w", key, err)
	}
	telemetry.SchemaLookupsTotal.With("miss").Inc()
	if schema == nil {
		return nil, nil
	}

	s.cache.Add(key, schema)
	return schema, nil
}

func (s *SchemaCache) Invalidate(database, table string) {
	if table != "" {
		s.cache.Remove(schemaKey(database, table))
		return
	}
	prefix := database + "."
	for _, key := range s.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.cache.Remove(key)
		}
	}
}

func (s *SchemaCache) Purge() {
	s.cache.Purge()
}

// Len returns the number of cached tables
func (s *SchemaCache) Len() int {
	return s.cache.Len()
}

func columnsQuery(database, table string) (string, []interface{}, error) {
	return goqu.Dialect("mysql").
		From(goqu.S("information_schema").Table("COLUMNS")).
		Select("COLUMN_NAME", "COLUMN_TYPE", "IS_NULLABLE", "COLUMN_KEY").
		Where(
			goqu.C("TABLE_SCHEMA").Eq(database),
			goqu.C("TABLE_NAME").Eq(table),
		).
		Order(goqu.C("ORDINAL_POSITION").Asc()).
		Prepared(true).
		ToSQL()
}

func loadSchema(ctx context.Context, db *sql.DB, database, table string) (*change.TableSchema, error) {
	query, args, err := columnsQuery(database, table)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	schema := &change.TableSchema{Database: database, Table: table}
	for rows.Next() {
		var name, colType, nullable, key string
		if err := rows.Scan(&name, &colType, &nullable, &key); err != nil {
			return nil, err
		}
		schema.Columns = append(schema.Columns, change.ColumnInfo{
			Name:     name,
			Type:     colType,
			Nullable: nullable == "YES",
			IsPK:     key == "PRI",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(schema.Columns) == 0 {
		log.Debug().Str("table", schemaKey(database, table)).Msg("No columns found for table")
		return nil, nil
	}
	return schema, nil
}
