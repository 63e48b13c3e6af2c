package publisher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobFilter_Match(t *testing.T) {
	type probe struct {
		db, table string
		want      bool
	}

	tests := []struct {
		name     string
		tables   []string
		dbs      []string
		excludes []string
		probes   []probe
	}{
		{
			name: "no patterns publishes everything",
			probes: []probe{
				{"shop", "orders", true},
				{"", "", true},
			},
		},
		{
			name:   "database include only",
			dbs:    []string{"shop", "billing"},
			probes: []probe{{"shop", "anything", true}, {"billing", "invoices", true}, {"hr", "people", false}},
		},
		{
			name:   "table include only",
			tables: []string{"orders"},
			probes: []probe{{"shop", "orders", true}, {"archive", "orders", true}, {"shop", "items", false}},
		},
		{
			name:   "wildcards and alternation",
			tables: []string{"order_{items,lines}", "audit_*"},
			dbs:    []string{"*_prod"},
			probes: []probe{
				{"eu_prod", "order_items", true},
				{"us_prod", "audit_2024", true},
				{"eu_prod", "order_notes", false},
				{"eu_dev", "order_items", false},
			},
		},
		{
			name:     "exclude wins over include",
			dbs:      []string{"shop"},
			excludes: []string{"shop.tmp_*", "*.heartbeat"},
			probes: []probe{
				{"shop", "orders", true},
				{"shop", "tmp_import", false},
				{"shop", "heartbeat", false},
			},
		},
		{
			name:   "matching is case sensitive",
			tables: []string{"Orders"},
			probes: []probe{{"shop", "Orders", true}, {"shop", "orders", false}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewGlobFilter(tt.tables, tt.dbs, tt.excludes)
			require.NoError(t, err)
			for _, p := range tt.probes {
				assert.Equal(t, p.want, f.Match(p.db, p.table), "%s.%s", p.db, p.table)
			}
		})
	}
}

func TestGlobFilter_InvalidPatterns(t *testing.T) {
	_, err := NewGlobFilter([]string{"orders["}, nil, nil)
	assert.ErrorContains(t, err, "table pattern")

	_, err = NewGlobFilter(nil, []string{"shop["}, nil)
	assert.ErrorContains(t, err, "database pattern")

	_, err = NewGlobFilter(nil, nil, []string{"shop.["})
	assert.ErrorContains(t, err, "exclude pattern")
}

func TestMatchAll(t *testing.T) {
	assert.True(t, MatchAll{}.Match("any", "thing"))
}

func BenchmarkGlobFilterMatch(b *testing.B) {
	f, err := NewGlobFilter([]string{"order*", "item*"}, []string{"shop"}, []string{"shop.tmp_*"})
	require.NoError(b, err)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Match("shop", "orders")
	}
}
