package binlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyQuery(t *testing.T) {
	tests := []struct {
		sql      string
		kind     queryKind
		database string
		table    string
	}{
		{"BEGIN", queryBegin, "", ""},
		{"begin", queryBegin, "", ""},
		{"COMMIT", queryCommit, "", ""},
		{"/* app */ COMMIT;", queryCommit, "", ""},
		{"CREATE TABLE shop.orders (id INT PRIMARY KEY)", queryDDL, "shop", "orders"},
		{"ALTER TABLE orders ADD COLUMN c INT", queryDDL, "", "orders"},
		{"DROP TABLE IF EXISTS `orders`", queryDDL, "", "orders"},
		{"RENAME TABLE a TO b", queryDDL, "", "a"},
		{"TRUNCATE TABLE logs", queryDDL, "", "logs"},
		{"CREATE DATABASE analytics", queryDDL, "analytics", ""},
		{"DROP DATABASE analytics", queryDDL, "analytics", ""},
		{"INSERT INTO t VALUES (1)", queryOther, "", ""},
		{"SAVEPOINT sp1", queryOther, "", ""},
		{"FLUSH TABLES", queryOther, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			q := classifyQuery(tt.sql)
			assert.Equal(t, tt.kind, q.kind)
			assert.Equal(t, tt.database, q.database)
			assert.Equal(t, tt.table, q.table)
		})
	}
}

func TestStripComments(t *testing.T) {
	assert.Equal(t, "BEGIN", stripComments("  /* a */ /* b */BEGIN ; "))
	assert.Equal(t, "SELECT 1", stripComments("-- note\nSELECT 1"))
	assert.Equal(t, "", stripComments("# only a comment"))
}
