package transformer

import "github.com/maxpert/binflow/publisher"

// Compile-time interface verification
var (
	_ publisher.Transformer = (*DebeziumTransformer)(nil)
	_ publisher.Transformer = (*JSONTransformer)(nil)
)
