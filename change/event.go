// Package change defines the row-level change events that flow from the
// replication stream to the publisher.
package change

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/binflow/position"
)

// Type is the kind of change an Event carries.
type Type string

const (
	Insert Type = "insert"
	Update Type = "update"
	Delete Type = "delete"
	DDL    Type = "ddl"
	// Heartbeat events carry only a position. They are never published but
	// move the committed position across transactions that produced no rows.
	Heartbeat Type = "heartbeat"
)

// Event is one decoded change. Events are created by the replication client
// and are not modified after they are handed to the publisher.
type Event struct {
	Database  string                 `json:"database"`
	Table     string                 `json:"table"`
	Type      Type                   `json:"type"`
	Timestamp int64                  `json:"ts"` // unix seconds of the source event
	ServerID  uint32                 `json:"server_id,omitempty"`
	XID       uint64                 `json:"xid,omitempty"`
	Commit    bool                   `json:"commit,omitempty"` // last row of its transaction
	Data      map[string]interface{} `json:"data,omitempty"`
	Old       map[string]interface{} `json:"old,omitempty"` // changed columns only, updates
	SQL       string                 `json:"sql,omitempty"`  // statement text for DDL
	GTID      string                 `json:"gtid,omitempty"`

	// PrimaryKey lists the primary key column names, in key order, when known.
	PrimaryKey []string `json:"-"`
	// Schema is the table metadata the row was decoded with, when known.
	Schema *TableSchema `json:"-"`

	// Position is where the source event starts.
	Position position.Position `json:"-"`
	// NextPosition is the position that is safe to persist once this event
	// and every event before it are published.
	NextPosition position.Position `json:"-"`
	// RowIndex is the index of the row within its source rows event.
	RowIndex int `json:"-"`
}

// IsSchemaChange reports whether the event is a DDL statement.
func (e *Event) IsSchemaChange() bool {
	return e.Type == DDL
}

// IsHeartbeat reports whether the event is a position-only marker.
func (e *Event) IsHeartbeat() bool {
	return e.Type == Heartbeat
}

// MessageID returns a stable identifier for the event. Replays of the same
// source row produce the same identifier whether the session was resumed by
// file offset or by GTID set, so only the binlog coordinates and the
// transaction's own GTID are hashed.
func (e *Event) MessageID() string {
	h := xxhash.New()
	_, _ = h.WriteString(e.Position.File)
	_, _ = h.WriteString(":")
	_, _ = h.WriteString(strconv.FormatUint(e.Position.Offset, 10))
	_, _ = h.WriteString("/")
	_, _ = h.WriteString(e.GTID)
	_, _ = h.WriteString("/")
	_, _ = h.WriteString(strconv.Itoa(e.RowIndex))
	_, _ = h.WriteString("/")
	_, _ = h.WriteString(e.Database)
	_, _ = h.WriteString(".")
	_, _ = h.WriteString(e.Table)
	return strconv.FormatUint(h.Sum64(), 16)
}

// Partition strategies for PartitionKey.
const (
	PartitionByDatabase    = "database"
	PartitionByTable       = "table"
	PartitionByPrimaryKey  = "primary_key"
	PartitionByTransaction = "transaction"
)

// PartitionKey returns the message key used by partitioned destinations.
// Unknown strategies fall back to the database name.
func (e *Event) PartitionKey(by string) string {
	switch by {
	case PartitionByTable:
		return e.Database + "." + e.Table
	case PartitionByPrimaryKey:
		if len(e.PrimaryKey) == 0 {
			return e.Database + "." + e.Table
		}
		row := e.Data
		var b strings.Builder
		b.WriteString(e.Database)
		b.WriteByte('.')
		b.WriteString(e.Table)
		for _, col := range e.PrimaryKey {
			b.WriteByte('/')
			b.WriteString(formatValue(row[col]))
		}
		return b.String()
	case PartitionByTransaction:
		if e.XID != 0 {
			return strconv.FormatUint(e.XID, 10)
		}
		return e.Database
	default:
		return e.Database
	}
}
