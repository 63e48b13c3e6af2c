package position

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sid = "3e11fa47-71ca-11e1-9e33-c80aa9429562"

func TestCompareFileOffset(t *testing.T) {
	tests := []struct {
		name string
		a, b Position
		want int
	}{
		{"same", New("mysql-bin.000001", 100), New("mysql-bin.000001", 100), 0},
		{"offset lower", New("mysql-bin.000001", 100), New("mysql-bin.000001", 200), -1},
		{"offset higher", New("mysql-bin.000001", 300), New("mysql-bin.000001", 200), 1},
		{"later file wins over offset", New("mysql-bin.000002", 4), New("mysql-bin.000001", 9000), 1},
		{"numeric sequence not lexical", New("mysql-bin.999999", 4), New("mysql-bin.1000000", 4), -1},
		{"zero first", Position{}, New("mysql-bin.000001", 4), -1},
		{"both zero", Position{}, Position{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
			assert.Equal(t, -tt.want, tt.b.Compare(tt.a))
		})
	}
}

func TestCompareGTID(t *testing.T) {
	a, err := FromGTIDSet(sid + ":1-5")
	require.NoError(t, err)
	b, err := FromGTIDSet(sid + ":1-7")
	require.NoError(t, err)

	assert.Equal(t, -1, a.Compare(b))
	assert.True(t, b.After(a))
	assert.True(t, b.AtLeast(b))

	// GTID containment beats file coordinates
	a = a.WithOffset("mysql-bin.000009", 900)
	b = b.WithOffset("mysql-bin.000001", 4)
	assert.Equal(t, -1, a.Compare(b))
}

func TestCompareEqualGTIDFallsBackToOffset(t *testing.T) {
	a, err := FromGTIDSet(sid + ":1-5")
	require.NoError(t, err)
	b := a

	a = a.WithOffset("mysql-bin.000001", 100)
	b = b.WithOffset("mysql-bin.000001", 250)
	assert.Equal(t, -1, a.Compare(b))
}

func TestWithGTID(t *testing.T) {
	p, err := FromGTIDSet(sid + ":1-5")
	require.NoError(t, err)

	p, err = p.WithGTID(sid + ":6")
	require.NoError(t, err)
	assert.Equal(t, sid+":1-6", p.GTIDSet)

	empty, err := Position{}.WithGTID(sid + ":1")
	require.NoError(t, err)
	assert.Equal(t, sid+":1", empty.GTIDSet)

	_, err = p.WithGTID("not-a-gtid")
	assert.Error(t, err)
}

func TestParseRoundTrip(t *testing.T) {
	gp, err := FromGTIDSet(sid + ":1-3")
	require.NoError(t, err)

	cases := []Position{
		New("mysql-bin.000003", 1234),
		gp,
		gp.WithOffset("mysql-bin.000003", 77),
		{},
	}
	for _, c := range cases {
		parsed, err := Parse(c.String())
		require.NoError(t, err, c.String())
		assert.Equal(t, c, parsed)
	}

	_, err = Parse("no-offset")
	assert.Error(t, err)
	_, err = Parse("file:abc")
	assert.Error(t, err)
}

func TestEncodeDecode(t *testing.T) {
	gp, err := FromGTIDSet(sid + ":1-3")
	require.NoError(t, err)
	p := gp.WithOffset("mysql-bin.000010", 4096)

	data, err := p.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	zero, err := Decode(nil)
	require.NoError(t, err)
	assert.True(t, zero.IsZero())
}

func TestFromGTIDSetInvalid(t *testing.T) {
	_, err := FromGTIDSet("garbage")
	assert.Error(t, err)

	p, err := FromGTIDSet("  ")
	require.NoError(t, err)
	assert.True(t, p.IsZero())
}
