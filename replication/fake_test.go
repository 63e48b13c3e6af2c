package replication

import (
	"context"
	"errors"
	"sync"

	"github.com/maxpert/binflow/change"
	"github.com/maxpert/binflow/position"
)

const binlogFile = "mysql-bin.000001"

func at(offset uint64) position.Position {
	return position.New(binlogFile, offset)
}

func rec(kind RecordKind, from, to uint64) *Record {
	return &Record{Kind: kind, Position: at(from), Next: at(to), Timestamp: 1700000000, ServerID: 1}
}

func rowsRec(from, to uint64, table string, values ...int) *Record {
	r := rec(RecordRows, from, to)
	for i, v := range values {
		r.Rows = append(r.Rows, &change.Event{
			Database: "shop",
			Table:    table,
			Type:     change.Insert,
			Data:     map[string]interface{}{"v": v},
			Position: at(from),
			RowIndex: i,
		})
	}
	return r
}

func commitRec(from, to, xid uint64) *Record {
	r := rec(RecordCommit, from, to)
	r.XID = xid
	return r
}

// fakeSource replays a fixed binlog. Open starts at the first record at or
// after the requested offset; once the log is exhausted the session idles
// until its context ends.
type fakeSource struct {
	mu      sync.Mutex
	log     []*Record
	opens   []position.Position
	openErr error
	// failures[i] > 0 makes reading record i fail that many times
	failures map[int]int
	// gates[i] is waited on before record i fails
	gates map[int]func(ctx context.Context)
}

func newFakeSource(log ...*Record) *fakeSource {
	return &fakeSource{log: log, failures: map[int]int{}, gates: map[int]func(context.Context){}}
}

var errDecode = errors.New("failed to deserialize rows event")

func (f *fakeSource) Open(_ context.Context, from position.Position) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.opens = append(f.opens, from)
	if f.openErr != nil {
		return nil, f.openErr
	}

	idx := len(f.log)
	for i, r := range f.log {
		if r.Position.AtLeast(from) {
			idx = i
			break
		}
	}
	return &fakeSession{src: f, next: idx}, nil
}

func (f *fakeSource) openedFrom() []position.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]position.Position(nil), f.opens...)
}

type fakeSession struct {
	src    *fakeSource
	next   int
	closed bool
}

func (s *fakeSession) Next(ctx context.Context) (*Record, error) {
	s.src.mu.Lock()
	if s.next >= len(s.src.log) {
		s.src.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}

	i := s.next
	if s.src.failures[i] > 0 {
		s.src.failures[i]--
		gate := s.src.gates[i]
		s.src.mu.Unlock()
		if gate != nil {
			gate(ctx)
		}
		return nil, errDecode
	}

	s.next++
	r := s.src.log[i]
	s.src.mu.Unlock()

	// hand out a copy so replays get fresh events
	cp := *r
	cp.Rows = nil
	for _, ev := range r.Rows {
		e := *ev
		cp.Rows = append(cp.Rows, &e)
	}
	return &cp, nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type captureReporter struct {
	mu     sync.Mutex
	source string
	err    error
}

func (c *captureReporter) Terminate(source string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.source = source
		c.err = err
	}
}

func (c *captureReporter) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
