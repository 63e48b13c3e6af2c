// Package transformer provides implementations of the publisher.Transformer interface
// for converting change events to sink payloads.
package transformer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/binflow/cfg"
	"github.com/maxpert/binflow/change"
	"github.com/maxpert/binflow/publisher"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

func init() {
	publisher.RegisterTransformer("debezium", func(cfg.ProducerConfiguration) publisher.Transformer {
		return NewDebeziumTransformer()
	})
}

// DebeziumTransformer renders change events as Debezium JSON with an
// embedded schema, readable by Kafka Connect style consumers.
//
// Row events become envelopes with before/after images and an op of
// "c", "u" or "d". DDL events become schema change messages carrying the
// statement text. Built envelope schemas are cached per table and rebuilt
// when the table metadata changes.
type DebeziumTransformer struct {
	connectorName string
	schemaCache   *xsync.MapOf[string, cachedEnvelope]
}

type cachedEnvelope struct {
	table    *change.TableSchema
	envelope *debeziumEnvelopeSchema
}

// NewDebeziumTransformer creates a new Debezium transformer
func NewDebeziumTransformer() *DebeziumTransformer {
	return &DebeziumTransformer{
		connectorName: "binflow",
		schemaCache:   xsync.NewMapOf[string, cachedEnvelope](),
	}
}

type debeziumEnvelopeSchema struct {
	Type   string                `json:"type"`
	Name   string                `json:"name"`
	Fields []debeziumSchemaField `json:"fields"`
}

type debeziumSchemaField struct {
	Field    string                `json:"field"`
	Type     interface{}           `json:"type"`
	Optional bool                  `json:"optional,omitempty"`
	Name     string                `json:"name,omitempty"`
	Fields   []debeziumSchemaField `json:"fields,omitempty"`
}

type debeziumMessage struct {
	Schema  *debeziumEnvelopeSchema `json:"schema"`
	Payload interface{}             `json:"payload"`
}

type debeziumPayload struct {
	Before map[string]interface{} `json:"before"`
	After  map[string]interface{} `json:"after"`
	Op     string                 `json:"op"`
	TsMs   int64                  `json:"ts_ms"`
	Source debeziumSource         `json:"source"`
}

type debeziumSchemaChange struct {
	DatabaseName string         `json:"databaseName"`
	DDL          string         `json:"ddl"`
	TsMs         int64          `json:"ts_ms"`
	Source       debeziumSource `json:"source"`
}

type debeziumSource struct {
	Connector string `json:"connector"`
	Db        string `json:"db"`
	Table     string `json:"table,omitempty"`
	ServerID  uint32 `json:"server_id"`
	GTID      string `json:"gtid,omitempty"`
	File      string `json:"file"`
	Pos       uint64 `json:"pos"`
	Row       int    `json:"row"`
	TxID      uint64 `json:"txId,omitempty"`
}

// Transform converts a change event to Debezium JSON
func (d *DebeziumTransformer) Transform(event *change.Event) ([]byte, error) {
	var msg debeziumMessage

	if event.IsSchemaChange() {
		msg.Payload = debeziumSchemaChange{
			DatabaseName: event.Database,
			DDL:          event.SQL,
			TsMs:         event.Timestamp * 1000,
			Source:       d.source(event),
		}
	} else {
		op, err := d.mapOperation(event.Type)
		if err != nil {
			return nil, err
		}

		schema := event.Schema
		msg.Schema = d.getOrBuildSchema(event.Database, event.Table, schema)

		payload := debeziumPayload{
			Op:     op,
			TsMs:   event.Timestamp * 1000,
			Source: d.source(event),
		}
		switch event.Type {
		case change.Insert:
			payload.After = d.columns(event.Data, schema)
		case change.Update:
			payload.Before = d.columns(beforeImage(event.Data, event.Old), schema)
			payload.After = d.columns(event.Data, schema)
		case change.Delete:
			payload.Before = d.columns(event.Data, schema)
		}
		msg.Payload = payload
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

func (d *DebeziumTransformer) source(event *change.Event) debeziumSource {
	return debeziumSource{
		Connector: d.connectorName,
		Db:        event.Database,
		Table:     event.Table,
		ServerID:  event.ServerID,
		GTID:      event.GTID,
		File:      event.Position.File,
		Pos:       event.Position.Offset,
		Row:       event.RowIndex,
		TxID:      event.XID,
	}
}

// beforeImage rebuilds the full pre-update row from the new row and the
// changed columns
func beforeImage(data, old map[string]interface{}) map[string]interface{} {
	before := make(map[string]interface{}, len(data))
	for k, v := range data {
		before[k] = v
	}
	for k, v := range old {
		before[k] = v
	}
	return before
}

// columns converts decoded values to their JSON representation. Binary
// columns stay []byte so they encode as base64, as Debezium does.
func (d *DebeziumTransformer) columns(row map[string]interface{}, schema *change.TableSchema) map[string]interface{} {
	if row == nil {
		return nil
	}
	out := make(map[string]interface{}, len(row))
	for name, v := range row {
		switch t := v.(type) {
		case []byte:
			if col, ok := schema.Column(name); ok && d.mapMySQLType(col.Type) == "bytes" {
				out[name] = t
			} else {
				out[name] = string(t)
			}
		case time.Time:
			out[name] = t.UnixMilli()
		default:
			out[name] = v
		}
	}
	return out
}

func (d *DebeziumTransformer) mapOperation(t change.Type) (string, error) {
	switch t {
	case change.Insert:
		return "c", nil
	case change.Update:
		return "u", nil
	case change.Delete:
		return "d", nil
	default:
		log.Warn().Str("type", string(t)).Msg("Event type has no Debezium operation")
		return "", fmt.Errorf("unsupported event type for debezium: %s", t)
	}
}

// getOrBuildSchema returns the cached envelope schema for a table, rebuilding
// it when the table metadata instance changed
func (d *DebeziumTransformer) getOrBuildSchema(database, table string, schema *change.TableSchema) *debeziumEnvelopeSchema {
	key := database + "." + table

	if cached, ok := d.schemaCache.Load(key); ok && cached.table == schema {
		return cached.envelope
	}

	envelope := d.buildEnvelopeSchema(database, table, schema)
	d.schemaCache.Store(key, cachedEnvelope{table: schema, envelope: envelope})
	return envelope
}

func (d *DebeziumTransformer) buildEnvelopeSchema(database, table string, schema *change.TableSchema) *debeziumEnvelopeSchema {
	valueSchemaName := database + "." + table + ".Value"
	envelopeName := database + "." + table + ".Envelope"

	var columnFields []debeziumSchemaField
	if schema != nil {
		columnFields = make([]debeziumSchemaField, len(schema.Columns))
		for i, col := range schema.Columns {
			columnFields[i] = debeziumSchemaField{
				Field:    col.Name,
				Type:     d.mapMySQLType(col.Type),
				Optional: col.Nullable,
			}
		}
	}

	return &debeziumEnvelopeSchema{
		Type: "struct",
		Name: envelopeName,
		Fields: []debeziumSchemaField{
			{Field: "before", Type: "struct", Optional: true, Name: valueSchemaName, Fields: columnFields},
			{Field: "after", Type: "struct", Optional: true, Name: valueSchemaName, Fields: columnFields},
			{Field: "op", Type: "string"},
			{Field: "ts_ms", Type: "int64"},
			{
				Field: "source",
				Type:  "struct",
				Name:  "io.binflow.Source",
				Fields: []debeziumSchemaField{
					{Field: "connector", Type: "string"},
					{Field: "db", Type: "string"},
					{Field: "table", Type: "string", Optional: true},
					{Field: "server_id", Type: "int64"},
					{Field: "gtid", Type: "string", Optional: true},
					{Field: "file", Type: "string"},
					{Field: "pos", Type: "int64"},
					{Field: "row", Type: "int32"},
					{Field: "txId", Type: "int64", Optional: true},
				},
			},
		},
	}
}

// mapMySQLType maps a MySQL column type (as in information_schema
// COLUMN_TYPE, e.g. "int(11) unsigned") to a Debezium schema type
func (d *DebeziumTransformer) mapMySQLType(mysqlType string) string {
	t := strings.ToLower(strings.TrimSpace(mysqlType))
	if t == "tinyint(1)" || t == "bool" || t == "boolean" {
		return "boolean"
	}

	base := t
	if idx := strings.IndexAny(base, "( "); idx >= 0 {
		base = base[:idx]
	}

	switch base {
	case "tinyint", "smallint", "mediumint":
		return "int32"
	case "int", "integer":
		if strings.Contains(t, "unsigned") {
			return "int64"
		}
		return "int32"
	case "bigint", "year":
		return "int64"
	case "float":
		return "float"
	case "double", "real":
		return "double"
	case "decimal", "numeric":
		return "string"
	case "binary", "varbinary", "tinyblob", "blob", "mediumblob", "longblob", "bit", "geometry":
		return "bytes"
	case "datetime", "timestamp":
		return "int64"
	default:
		// char, varchar, text, enum, set, json, date, time
		return "string"
	}
}
