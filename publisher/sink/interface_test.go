package sink

import "github.com/maxpert/binflow/publisher"

// Compile-time interface verification
var (
	_ publisher.Sink = (*KafkaSink)(nil)
	_ publisher.Sink = (*NatsSink)(nil)
	_ publisher.Sink = (*PubSubSink)(nil)
	_ publisher.Sink = (*WriterSink)(nil)
	_ publisher.Sink = (*MockSink)(nil)
)
