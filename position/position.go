// Package position models a location in a MySQL binary log.
//
// A Position is a binlog file name plus byte offset and, when the server runs
// with GTIDs enabled, the executed GTID set at that point. Positions are the
// unit of resumption: the committed position is persisted and a new stream is
// opened from it after a restart or a reconnect.
package position

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/maxpert/binflow/encoding"
	"vitess.io/vitess/go/mysql/replication"
)

// Position identifies a point in the replication stream.
type Position struct {
	File    string `msgpack:"file" json:"file"`
	Offset  uint64 `msgpack:"offset" json:"offset"`
	GTIDSet string `msgpack:"gtid,omitempty" json:"gtid,omitempty"`
}

// New creates a file/offset position.
func New(file string, offset uint64) Position {
	return Position{File: file, Offset: offset}
}

// FromGTIDSet creates a position from a MySQL 5.6+ GTID set string.
func FromGTIDSet(set string) (Position, error) {
	set = strings.TrimSpace(set)
	if set == "" {
		return Position{}, nil
	}
	parsed, err := replication.ParseMysql56GTIDSet(set)
	if err != nil {
		return Position{}, fmt.Errorf("invalid gtid set %q: %w", set, err)
	}
	return Position{GTIDSet: parsed.String()}, nil
}

// Parse is the inverse of String.
//
// Accepted forms: "file:offset", "file:offset@gtidset" and "@gtidset".
func Parse(s string) (Position, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Position{}, nil
	}

	var p Position
	coords := s
	if idx := strings.Index(s, "@"); idx >= 0 {
		gp, err := FromGTIDSet(s[idx+1:])
		if err != nil {
			return Position{}, err
		}
		p.GTIDSet = gp.GTIDSet
		coords = s[:idx]
	}
	if coords == "" {
		return p, nil
	}

	idx := strings.LastIndex(coords, ":")
	if idx <= 0 {
		return Position{}, fmt.Errorf("invalid position %q: expected file:offset", s)
	}
	offset, err := strconv.ParseUint(coords[idx+1:], 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("invalid position offset in %q: %w", s, err)
	}
	p.File = coords[:idx]
	p.Offset = offset
	return p, nil
}

// IsZero reports whether the position carries no coordinates at all.
func (p Position) IsZero() bool {
	return p.File == "" && p.Offset == 0 && p.GTIDSet == ""
}

// HasGTID reports whether the position carries a GTID set.
func (p Position) HasGTID() bool {
	return p.GTIDSet != ""
}

// WithOffset returns a copy pointing at the given file and offset, keeping the GTID set.
func (p Position) WithOffset(file string, offset uint64) Position {
	p.File = file
	p.Offset = offset
	return p
}

// WithGTID returns a copy whose GTID set additionally contains gtid.
// gtid may be a single "uuid:n" or any GTID set string.
func (p Position) WithGTID(gtid string) (Position, error) {
	if gtid == "" {
		return p, nil
	}
	add, err := replication.ParseMysql56GTIDSet(gtid)
	if err != nil {
		return p, fmt.Errorf("invalid gtid %q: %w", gtid, err)
	}
	if p.GTIDSet == "" {
		p.GTIDSet = add.String()
		return p, nil
	}
	cur, err := replication.ParseMysql56GTIDSet(p.GTIDSet)
	if err != nil {
		return p, fmt.Errorf("invalid gtid set %q: %w", p.GTIDSet, err)
	}
	p.GTIDSet = cur.Union(add).String()
	return p, nil
}

// Compare orders two positions. It returns -1, 0 or +1.
//
// GTID containment decides when both sides carry GTID sets that differ and
// one contains the other. Otherwise the binlog file sequence and then the
// offset decide. The zero position sorts before everything else.
func (p Position) Compare(o Position) int {
	if p.IsZero() || o.IsZero() {
		switch {
		case p.IsZero() && o.IsZero():
			return 0
		case p.IsZero():
			return -1
		default:
			return 1
		}
	}

	if p.HasGTID() && o.HasGTID() {
		if c, ok := compareGTID(p.GTIDSet, o.GTIDSet); ok && c != 0 {
			return c
		}
	}
	return compareCoordinates(p, o)
}

// AtLeast reports whether p is at or beyond o.
func (p Position) AtLeast(o Position) bool {
	return p.Compare(o) >= 0
}

// After reports whether p is strictly beyond o.
func (p Position) After(o Position) bool {
	return p.Compare(o) > 0
}

func (p Position) String() string {
	var b strings.Builder
	if p.File != "" || p.Offset != 0 {
		b.WriteString(p.File)
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(p.Offset, 10))
	}
	if p.GTIDSet != "" {
		b.WriteByte('@')
		b.WriteString(p.GTIDSet)
	}
	return b.String()
}

// Encode serializes the position with msgpack.
func (p Position) Encode() ([]byte, error) {
	return encoding.Marshal(&p)
}

// Decode deserializes a position produced by Encode.
func Decode(data []byte) (Position, error) {
	var p Position
	if len(data) == 0 {
		return p, nil
	}
	if err := encoding.Unmarshal(data, &p); err != nil {
		return Position{}, fmt.Errorf("failed to decode position: %w", err)
	}
	return p, nil
}

// compareGTID returns ok=false when the sets are not comparable (neither
// contains the other) or cannot be parsed.
func compareGTID(a, b string) (int, bool) {
	sa, err := replication.ParseMysql56GTIDSet(a)
	if err != nil {
		return 0, false
	}
	sb, err := replication.ParseMysql56GTIDSet(b)
	if err != nil {
		return 0, false
	}

	pa := replication.Position{GTIDSet: sa}
	pb := replication.Position{GTIDSet: sb}
	switch {
	case pa.Equal(pb):
		return 0, true
	case pa.AtLeast(pb):
		return 1, true
	case pb.AtLeast(pa):
		return -1, true
	default:
		return 0, false
	}
}

func compareCoordinates(a, b Position) int {
	if a.File != b.File {
		sa, okA := fileSequence(a.File)
		sb, okB := fileSequence(b.File)
		if okA && okB && sa != sb {
			if sa < sb {
				return -1
			}
			return 1
		}
		if c := strings.Compare(a.File, b.File); c != 0 {
			return c
		}
	}
	switch {
	case a.Offset < b.Offset:
		return -1
	case a.Offset > b.Offset:
		return 1
	default:
		return 0
	}
}

// fileSequence extracts the numeric suffix of a binlog file name such as
// "mysql-bin.000042".
func fileSequence(file string) (uint64, bool) {
	idx := strings.LastIndex(file, ".")
	if idx < 0 || idx == len(file)-1 {
		return 0, false
	}
	n, err := strconv.ParseUint(file[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
