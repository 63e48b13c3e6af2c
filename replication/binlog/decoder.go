package binlog

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	gmrepl "github.com/go-mysql-org/go-mysql/replication"
	"github.com/google/uuid"
	"github.com/maxpert/binflow/change"
	"github.com/maxpert/binflow/position"
	"github.com/maxpert/binflow/replication"
	"github.com/rs/zerolog/log"
)

// decoder turns binlog events into replication records. It tracks the
// current file, offset and executed GTID set, so every record carries the
// position it starts at and the position after it.
//
// A decoder belongs to one session.
type decoder struct {
	flavor  string
	schemas SchemaLookup

	pos     position.Position // after the last event
	gtid    string            // GTID of the open transaction
	txStart position.Position // where the open transaction's GTID event starts
	inTx    bool
}

func newDecoder(from position.Position, flavor string, schemas SchemaLookup) *decoder {
	return &decoder{flavor: flavor, schemas: schemas, pos: from}
}

func (d *decoder) mysqlGTIDs() bool {
	return d.flavor != gomysql.MariaDBFlavor
}

// span returns the start and end positions of an event. Artificial events
// have no end position.
func (d *decoder) span(h *gmrepl.EventHeader) (position.Position, position.Position, bool) {
	if h.LogPos == 0 || h.LogPos < h.EventSize {
		return d.pos, d.pos, false
	}
	start := d.pos.WithOffset(d.pos.File, uint64(h.LogPos-h.EventSize))
	next := d.pos.WithOffset(d.pos.File, uint64(h.LogPos))
	return start, next, true
}

func (d *decoder) record(kind replication.RecordKind, h *gmrepl.EventHeader, start, next position.Position) *replication.Record {
	return &replication.Record{
		Kind:      kind,
		Position:  start,
		Next:      next,
		Timestamp: int64(h.Timestamp),
		ServerID:  h.ServerID,
		GTID:      d.gtid,
	}
}

// decode returns nil for events that carry nothing for the pipeline
func (d *decoder) decode(ctx context.Context, ev *gmrepl.BinlogEvent) (*replication.Record, error) {
	h := ev.Header
	start, next, positioned := d.span(h)

	switch e := ev.Event.(type) {
	case *gmrepl.RotateEvent:
		d.pos = d.pos.WithOffset(string(e.NextLogName), e.Position)
		if h.Timestamp == 0 {
			return nil, nil
		}
		log.Debug().Str("file", d.pos.File).Msg("Binlog rotated")
		return d.record(replication.RecordProgress, h, start, d.pos), nil

	case *gmrepl.PreviousGTIDsEvent:
		d.advance(next, positioned)
		if d.mysqlGTIDs() && !d.pos.HasGTID() && e.GTIDSets != "" {
			gp, err := position.FromGTIDSet(e.GTIDSets)
			if err != nil {
				return nil, err
			}
			d.pos.GTIDSet = gp.GTIDSet
		}
		return nil, nil

	case *gmrepl.GTIDEvent:
		sid, err := uuid.FromBytes(e.SID)
		if err != nil {
			return nil, fmt.Errorf("invalid GTID source id: %w", err)
		}
		d.gtid = sid.String() + ":" + strconv.FormatInt(e.GNO, 10)
		d.txStart = start
		d.advance(next, positioned)
		return nil, nil

	case *gmrepl.MariadbGTIDEvent:
		// MariaDB logs no BEGIN after a GTID event
		d.gtid = e.GTID.String()
		d.txStart = start
		d.advance(next, positioned)
		return d.begin(h, next), nil

	case *gmrepl.QueryEvent:
		return d.query(ctx, h, e, start, next, positioned)

	case *gmrepl.XIDEvent:
		d.advance(next, positioned)
		return d.commit(h, start, e.XID)

	case *gmrepl.RowsEvent:
		d.advance(next, positioned)
		return d.rows(ctx, h, e, start, next)

	default:
		d.advance(next, positioned)
		return nil, nil
	}
}

func (d *decoder) advance(next position.Position, positioned bool) {
	if positioned {
		d.pos = next
	}
}

func (d *decoder) begin(h *gmrepl.EventHeader, next position.Position) *replication.Record {
	start := d.txStart
	if start.IsZero() {
		start = next
	}
	d.inTx = true
	return d.record(replication.RecordBegin, h, start, next)
}

// commit folds the transaction's GTID into the executed set
func (d *decoder) commit(h *gmrepl.EventHeader, start position.Position, xid uint64) (*replication.Record, error) {
	if err := d.foldGTID(); err != nil {
		return nil, err
	}
	rec := d.record(replication.RecordCommit, h, start, d.pos)
	rec.XID = xid
	d.endTx()
	return rec, nil
}

func (d *decoder) foldGTID() error {
	if d.gtid == "" || !d.mysqlGTIDs() {
		return nil
	}
	pos, err := d.pos.WithGTID(d.gtid)
	if err != nil {
		return err
	}
	d.pos = pos
	return nil
}

func (d *decoder) endTx() {
	d.gtid = ""
	d.txStart = position.Position{}
	d.inTx = false
}

func (d *decoder) query(ctx context.Context, h *gmrepl.EventHeader, e *gmrepl.QueryEvent, start, next position.Position, positioned bool) (*replication.Record, error) {
	q := classifyQuery(string(e.Query))
	d.advance(next, positioned)

	switch q.kind {
	case queryBegin:
		if d.inTx {
			return nil, nil
		}
		if d.txStart.IsZero() {
			d.txStart = start
		}
		return d.begin(h, next), nil

	case queryCommit:
		return d.commit(h, start, 0)

	case queryDDL:
		database := q.database
		if database == "" {
			database = string(e.Schema)
		}
		if d.schemas != nil {
			d.schemas.Invalidate(database, q.table)
		}
		if err := d.foldGTID(); err != nil {
			return nil, err
		}

		rec := d.record(replication.RecordDDL, h, start, d.pos)
		rec.Database = database
		rec.SQL = string(e.Query)
		d.endTx()
		log.Info().
			Str("database", database).
			Str("table", q.table).
			Str("position", start.String()).
			Msg("Schema change")
		return rec, nil

	default:
		return d.record(replication.RecordProgress, h, start, next), nil
	}
}

func rowsType(t gmrepl.EventType) (change.Type, bool) {
	switch t {
	case gmrepl.WRITE_ROWS_EVENTv0, gmrepl.WRITE_ROWS_EVENTv1, gmrepl.WRITE_ROWS_EVENTv2:
		return change.Insert, true
	case gmrepl.UPDATE_ROWS_EVENTv0, gmrepl.UPDATE_ROWS_EVENTv1, gmrepl.UPDATE_ROWS_EVENTv2, gmrepl.PARTIAL_UPDATE_ROWS_EVENT:
		return change.Update, true
	case gmrepl.DELETE_ROWS_EVENTv0, gmrepl.DELETE_ROWS_EVENTv1, gmrepl.DELETE_ROWS_EVENTv2:
		return change.Delete, true
	default:
		return "", false
	}
}

func (d *decoder) rows(ctx context.Context, h *gmrepl.EventHeader, e *gmrepl.RowsEvent, start, next position.Position) (*replication.Record, error) {
	typ, ok := rowsType(h.EventType)
	if !ok {
		return nil, fmt.Errorf("unsupported rows event type %s", h.EventType)
	}
	if e.Table == nil {
		return nil, fmt.Errorf("rows event for table id %d without table map", e.TableID)
	}

	database := string(e.Table.Schema)
	table := string(e.Table.Table)
	schema, err := d.schema(ctx, database, table, int(e.Table.ColumnCount))
	if err != nil {
		return nil, err
	}
	columns := columnsFor(e.Table, schema)

	rec := d.record(replication.RecordRows, h, start, next)
	newEvent := func(idx int) *change.Event {
		return &change.Event{
			Database:   database,
			Table:      table,
			Type:       typ,
			Timestamp:  int64(h.Timestamp),
			ServerID:   h.ServerID,
			PrimaryKey: primaryKey(e.Table, schema, columns),
			Schema:     schema,
			Position:   start,
			RowIndex:   idx,
		}
	}

	if typ == change.Update {
		if len(e.Rows)%2 != 0 {
			return nil, fmt.Errorf("update rows event for %s.%s has an odd row count %d", database, table, len(e.Rows))
		}
		for i := 0; i < len(e.Rows); i += 2 {
			ev := newEvent(i / 2)
			before := rowValues(columns, e.Rows[i])
			ev.Data = rowValues(columns, e.Rows[i+1])
			ev.Old = changed(before, ev.Data)
			rec.Rows = append(rec.Rows, ev)
		}
		return rec, nil
	}

	for i, row := range e.Rows {
		ev := newEvent(i)
		ev.Data = rowValues(columns, row)
		rec.Rows = append(rec.Rows, ev)
	}
	return rec, nil
}

// schema looks up the table, reloading once when the cached column count
// no longer matches the row image
func (d *decoder) schema(ctx context.Context, database, table string, width int) (*change.TableSchema, error) {
	if d.schemas == nil {
		return nil, nil
	}
	schema, err := d.schemas.Lookup(ctx, database, table)
	if err != nil {
		return nil, err
	}
	if schema != nil && len(schema.Columns) != width {
		d.schemas.Invalidate(database, table)
		if schema, err = d.schemas.Lookup(ctx, database, table); err != nil {
			return nil, err
		}
	}
	if schema != nil && len(schema.Columns) != width {
		log.Warn().
			Str("table", schemaKey(database, table)).
			Int("schema_columns", len(schema.Columns)).
			Int("row_columns", width).
			Msg("Column count mismatch, using positional names")
		return nil, nil
	}
	return schema, nil
}

// column is the decoding metadata of one row image position
type column struct {
	name  string
	info  change.ColumnInfo
	typed bool
}

// columnsFor names row image columns from the schema, then from the table
// map metadata (binlog_row_metadata=FULL), then by ordinal
func columnsFor(tm *gmrepl.TableMapEvent, schema *change.TableSchema) []column {
	cols := make([]column, tm.ColumnCount)
	names := tm.ColumnNameString()
	for i := range cols {
		switch {
		case schema != nil:
			cols[i] = column{name: schema.Columns[i].Name, info: schema.Columns[i], typed: true}
		case i < len(names) && names[i] != "":
			cols[i] = column{name: names[i]}
		default:
			cols[i] = column{name: "@" + strconv.Itoa(i+1)}
		}
	}
	return cols
}

func primaryKey(tm *gmrepl.TableMapEvent, schema *change.TableSchema, cols []column) []string {
	if schema != nil {
		return schema.PrimaryKey()
	}
	var pk []string
	for _, idx := range tm.PrimaryKey {
		if int(idx) < len(cols) {
			pk = append(pk, cols[idx].name)
		}
	}
	return pk
}

func rowValues(cols []column, row []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(row))
	for i, v := range row {
		if i >= len(cols) {
			out["@"+strconv.Itoa(i+1)] = v
			continue
		}
		out[cols[i].name] = convertValue(cols[i], v)
	}
	return out
}

func convertValue(col column, v interface{}) interface{} {
	switch val := v.(type) {
	case []byte:
		if col.typed && isBinaryType(col.info.Type) {
			return val
		}
		return string(val)
	case int64:
		if !col.typed {
			return v
		}
		switch {
		case hasTypePrefix(col.info.Type, "enum("):
			if s, ok := enumValue(col.info.Type, val); ok {
				return s
			}
		case hasTypePrefix(col.info.Type, "set("):
			if s, ok := setValue(col.info.Type, val); ok {
				return s
			}
		}
	}
	return v
}

func hasTypePrefix(colType, prefix string) bool {
	return len(colType) >= len(prefix) && strings.EqualFold(colType[:len(prefix)], prefix)
}

func isBinaryType(colType string) bool {
	t := strings.ToLower(colType)
	for _, prefix := range []string{"binary", "varbinary", "tinyblob", "blob", "mediumblob", "longblob", "bit", "geometry"} {
		if strings.HasPrefix(t, prefix) {
			return true
		}
	}
	return false
}

// enumValue maps a 1-based enum index to its label using the column type
// definition, e.g. enum('a','b')
func enumValue(colType string, idx int64) (string, bool) {
	labels, ok := typeLabels(colType)
	if !ok || idx < 1 || idx > int64(len(labels)) {
		return "", false
	}
	return labels[idx-1], true
}

// setValue maps a SET bitmask to its member labels in definition order
func setValue(colType string, mask int64) ([]string, bool) {
	labels, ok := typeLabels(colType)
	if !ok || len(labels) > 64 {
		return nil, false
	}
	members := []string{}
	for i, label := range labels {
		if uint64(mask)&(1<<uint(i)) != 0 {
			members = append(members, label)
		}
	}
	if len(labels) < 64 && uint64(mask)>>uint(len(labels)) != 0 {
		return nil, false
	}
	return members, true
}

// typeLabels parses the quoted literal list of an enum(...) or set(...)
// column type as information_schema reports it. Quotes inside a label are
// doubled and backslashes escape the next character.
func typeLabels(colType string) ([]string, bool) {
	open := strings.IndexByte(colType, '(')
	if open < 0 || !strings.HasSuffix(colType, ")") {
		return nil, false
	}
	body := colType[open+1 : len(colType)-1]

	var labels []string
	for i := 0; i < len(body); {
		for i < len(body) && body[i] == ' ' {
			i++
		}
		if i == len(body) || body[i] != '\'' {
			return nil, false
		}
		i++
		var b strings.Builder
		closed := false
		for i < len(body) {
			c := body[i]
			switch {
			case c == '\\' && i+1 < len(body):
				b.WriteByte(body[i+1])
				i += 2
			case c == '\'' && i+1 < len(body) && body[i+1] == '\'':
				b.WriteByte('\'')
				i += 2
			case c == '\'':
				closed = true
				i++
			default:
				b.WriteByte(c)
				i++
			}
			if closed {
				break
			}
		}
		if !closed {
			return nil, false
		}
		labels = append(labels, b.String())
		for i < len(body) && body[i] == ' ' {
			i++
		}
		if i < len(body) {
			if body[i] != ',' {
				return nil, false
			}
			i++
		}
	}
	return labels, len(labels) > 0
}

// changed returns the before values of columns whose value differs
func changed(before, after map[string]interface{}) map[string]interface{} {
	old := make(map[string]interface{})
	for k, b := range before {
		a := after[k]
		if bb, ok := b.([]byte); ok {
			if ab, ok := a.([]byte); ok && bytes.Equal(ab, bb) {
				continue
			}
		} else if reflect.DeepEqual(a, b) {
			continue
		}
		old[k] = b
	}
	if len(old) == 0 {
		return nil
	}
	return old
}
