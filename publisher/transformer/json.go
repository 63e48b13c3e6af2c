package transformer

import (
	"github.com/maxpert/binflow/cfg"
	"github.com/maxpert/binflow/change"
	"github.com/maxpert/binflow/publisher"
)

func init() {
	publisher.RegisterTransformer("json", func(config cfg.ProducerConfiguration) publisher.Transformer {
		return NewJSONTransformer(OutputConfigFrom(config.Output))
	})
}

// JSONTransformer renders the flat one-object-per-row JSON format:
// database, table, type, ts and data, plus optional position, commit and
// server fields.
type JSONTransformer struct {
	output change.OutputConfig
}

// NewJSONTransformer creates a transformer emitting the selected fields
func NewJSONTransformer(output change.OutputConfig) *JSONTransformer {
	return &JSONTransformer{output: output}
}

// OutputConfigFrom maps the [producer.output] block
func OutputConfigFrom(c cfg.OutputConfiguration) change.OutputConfig {
	return change.OutputConfig{
		IncludePosition: c.IncludePosition,
		IncludeGTID:     c.IncludeGTID,
		IncludeServerID: c.IncludeServerID,
		IncludeCommit:   c.IncludeCommit,
		IncludeNulls:    c.IncludeNulls,
	}
}

func (j *JSONTransformer) Transform(event *change.Event) ([]byte, error) {
	return event.ToJSON(j.output)
}
