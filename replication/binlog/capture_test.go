package binlog

import (
	"database/sql"
	"testing"

	"github.com/maxpert/binflow/position"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nullStrings(vals ...string) []sql.NullString {
	out := make([]sql.NullString, len(vals))
	for i, v := range vals {
		out[i] = sql.NullString{String: v, Valid: v != ""}
	}
	return out
}

func TestStatusPosition(t *testing.T) {
	cols := []string{"File", "Position", "Binlog_Do_DB", "Binlog_Ignore_DB", "Executed_Gtid_Set"}

	pos, err := statusPosition(cols, nullStrings("mysql-bin.000012", "1543", "", "", sid+":1-20,\n"+
		"4e11fa47-71ca-11e1-9e33-c80aa9429562:1-3"))
	require.NoError(t, err)
	assert.Equal(t, "mysql-bin.000012", pos.File)
	assert.Equal(t, uint64(1543), pos.Offset)
	assert.True(t, pos.HasGTID())
	assert.NotContains(t, pos.GTIDSet, "\n")

	pos, err = statusPosition(cols[:2], nullStrings("mysql-bin.000001", "4"))
	require.NoError(t, err)
	assert.Equal(t, position.New("mysql-bin.000001", 4), pos)

	_, err = statusPosition(cols[:1], nullStrings("mysql-bin.000001"))
	assert.Error(t, err)

	_, err = statusPosition(cols[:2], nullStrings("mysql-bin.000001", "x"))
	assert.Error(t, err)
}

func TestResolveStartExplicit(t *testing.T) {
	pos, err := ResolveStart(t.Context(), nil, "mysql-bin.000003:120")
	require.NoError(t, err)
	assert.Equal(t, position.New("mysql-bin.000003", 120), pos)

	_, err = ResolveStart(t.Context(), nil, "bogus")
	assert.Error(t, err)
}

func TestNewSourceValidation(t *testing.T) {
	_, err := NewSource(Config{ServerID: 1, Flavor: "postgres"}, nil)
	assert.Error(t, err)

	_, err = NewSource(Config{ServerID: 1, Flavor: "mariadb", GTIDMode: true}, nil)
	assert.Error(t, err)

	_, err = NewSource(Config{Flavor: "mysql"}, nil)
	assert.Error(t, err)

	src, err := NewSource(Config{ServerID: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, "mysql", src.config.Flavor)
}

func TestOpenRequiresFilePosition(t *testing.T) {
	schemas := &fakeSchemas{}
	src, err := NewSource(Config{ServerID: 1}, schemas)
	require.NoError(t, err)

	_, err = src.Open(t.Context(), position.Position{})
	assert.Error(t, err)
	assert.True(t, schemas.purged)
}
