package replication

import (
	"context"

	"github.com/maxpert/binflow/change"
	"github.com/maxpert/binflow/position"
)

// RecordKind classifies what a Session handed out
type RecordKind int

const (
	// RecordBegin opens a transaction (GTID event or BEGIN query)
	RecordBegin RecordKind = iota
	// RecordRows carries the decoded rows of one rows event
	RecordRows
	// RecordCommit closes a transaction (XID event or COMMIT query)
	RecordCommit
	// RecordDDL is a schema change statement, committed on its own
	RecordDDL
	// RecordProgress only moves the stream position (rotate, heartbeat)
	RecordProgress
)

func (k RecordKind) String() string {
	switch k {
	case RecordBegin:
		return "begin"
	case RecordRows:
		return "rows"
	case RecordCommit:
		return "commit"
	case RecordDDL:
		return "ddl"
	case RecordProgress:
		return "progress"
	default:
		return "unknown"
	}
}

// Record is one decoded unit of the replication stream.
//
// Position is where the record starts and Next is where the stream continues
// after it. Sessions maintain the executed GTID set inside both, so a commit
// record's Next is a complete resume point.
type Record struct {
	Kind      RecordKind
	Position  position.Position
	Next      position.Position
	Timestamp int64
	ServerID  uint32

	// GTID of the transaction, on RecordBegin
	GTID string
	// XID of the transaction, on RecordCommit
	XID uint64
	// Rows holds partially filled events on RecordRows: table, type, row
	// images, schema, Position and RowIndex. The client fills the rest.
	Rows []*change.Event
	// Database and SQL of a RecordDDL
	Database string
	SQL      string
}

// Session is one open stream. Next blocks until a record is available, the
// stream fails or ctx is done. A Session is used by one goroutine.
type Session interface {
	Next(ctx context.Context) (*Record, error)
	Close() error
}

// Source opens sessions. Every session starts with empty table metadata;
// nothing learned by an earlier session may leak into a new one.
type Source interface {
	Open(ctx context.Context, from position.Position) (Session, error)
}
