package change

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// OutputConfig selects the optional fields of the JSON payload.
type OutputConfig struct {
	IncludePosition bool
	IncludeGTID     bool
	IncludeServerID bool
	IncludeCommit   bool
	IncludeNulls    bool
}

type jsonEvent struct {
	Database string                 `json:"database"`
	Table    string                 `json:"table,omitempty"`
	Type     Type                   `json:"type"`
	TS       int64                  `json:"ts"`
	XID      uint64                 `json:"xid,omitempty"`
	Commit   bool                   `json:"commit,omitempty"`
	Position string                 `json:"position,omitempty"`
	GTID     string                 `json:"gtid,omitempty"`
	ServerID uint32                 `json:"server_id,omitempty"`
	SQL      string                 `json:"sql,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Old      map[string]interface{} `json:"old,omitempty"`
}

// ToJSON renders the event as a single JSON object.
func (e *Event) ToJSON(cfg OutputConfig) ([]byte, error) {
	out := jsonEvent{
		Database: e.Database,
		Table:    e.Table,
		Type:     e.Type,
		TS:       e.Timestamp,
		SQL:      e.SQL,
		Data:     row(e.Data, cfg.IncludeNulls),
		Old:      row(e.Old, true),
	}
	if cfg.IncludeCommit {
		out.XID = e.XID
		out.Commit = e.Commit
	}
	if cfg.IncludePosition {
		out.Position = e.Position.String()
	}
	if cfg.IncludeGTID {
		out.GTID = e.GTID
	}
	if cfg.IncludeServerID {
		out.ServerID = e.ServerID
	}

	data, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s.%s event: %w", e.Database, e.Table, err)
	}
	return data, nil
}

func row(values map[string]interface{}, nulls bool) map[string]interface{} {
	if values == nil {
		return nil
	}
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		if v == nil && !nulls {
			continue
		}
		out[k] = jsonValue(v)
	}
	return out
}

// jsonValue converts decoded column values into JSON friendly forms.
func jsonValue(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.Format("2006-01-02 15:04:05.999999")
	default:
		return v
	}
}

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case []byte:
		return string(t)
	case int:
		return strconv.Itoa(t)
	case int8:
		return strconv.FormatInt(int64(t), 10)
	case int16:
		return strconv.FormatInt(int64(t), 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint8:
		return strconv.FormatUint(uint64(t), 10)
	case uint16:
		return strconv.FormatUint(uint64(t), 10)
	case uint32:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	default:
		return fmt.Sprint(t)
	}
}
