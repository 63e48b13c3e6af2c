package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/maxpert/binflow/cfg"
	"github.com/maxpert/binflow/position"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sid = "3e11fa47-71ca-11e1-9e33-c80aa9429562"

func gtidPosition(t *testing.T) position.Position {
	t.Helper()
	p, err := position.FromGTIDSet(sid + ":1-42")
	require.NoError(t, err)
	return p.WithOffset("mysql-bin.000007", 8812)
}

// exerciseStore runs the behavior every backend must share
func exerciseStore(t *testing.T, s PositionStore) {
	ctx := context.Background()

	_, ok, err := s.Load(ctx, "client-a")
	require.NoError(t, err)
	assert.False(t, ok)

	first := position.New("mysql-bin.000001", 4)
	require.NoError(t, s.Store(ctx, "client-a", first))

	got, ok, err := s.Load(ctx, "client-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, got)

	second := gtidPosition(t)
	require.NoError(t, s.Store(ctx, "client-a", second))
	require.NoError(t, s.Store(ctx, "client-b", first))

	got, ok, err = s.Load(ctx, "client-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second, got)

	got, ok, err = s.Load(ctx, "client-b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, got)
}

func TestPebbleStore(t *testing.T) {
	s, err := NewPebbleStore(filepath.Join(t.TempDir(), "positions"))
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)
}

func TestPebbleStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions")
	want := gtidPosition(t)

	s, err := NewPebbleStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Store(context.Background(), "binflow", want))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, _, err = s.Load(context.Background(), "binflow")
	assert.ErrorIs(t, err, errStoreClosed)

	s, err = NewPebbleStore(path)
	require.NoError(t, err)
	defer s.Close()

	got, ok, err := s.Load(context.Background(), "binflow")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "nested", "positions.db"))
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)
}

func TestOpenSelectsBackend(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(context.Background(), cfg.StoreConfiguration{Type: "pebble"}, dir)
	require.NoError(t, err)
	assert.IsType(t, &PebbleStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), cfg.StoreConfiguration{Type: "sqlite"}, dir)
	require.NoError(t, err)
	assert.IsType(t, &sqlStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(context.Background(), cfg.StoreConfiguration{Type: "mysql"}, dir)
	assert.Error(t, err)

	_, err = Open(context.Background(), cfg.StoreConfiguration{Type: "etcd"}, dir)
	assert.Error(t, err)
}

func TestMySQLUpsertSQL(t *testing.T) {
	s := &sqlStore{dialect: goquMySQL(), upsert: mysqlUpsert}

	query, _, err := s.dialect.
		Insert(PositionsTable).
		Rows(map[string]interface{}{"client_id": "c", "binlog_file": "f"}).
		OnConflict(s.upsert("binlog_file")).
		ToSQL()
	require.NoError(t, err)
	assert.Contains(t, query, "ON DUPLICATE KEY UPDATE `binlog_file`=VALUES(`binlog_file`)")
}
