package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// PublishBuckets for end-to-end publish acknowledgement latency
	PublishBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	// CheckpointBuckets for position store writes
	CheckpointBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}
)

// Publisher metrics
var (
	// PublishedMessagesTotal counts terminal publish outcomes by result (success, failed)
	PublishedMessagesTotal CounterVec = noopCounterVec{}

	// PublishLatencySeconds measures submit to acknowledgement latency, by sink
	PublishLatencySeconds HistogramVec = noopHistogramVec{}

	// SinkRetriesTotal counts transient publish failures that were retried, by sink
	SinkRetriesTotal CounterVec = noopCounterVec{}

	// SkippedEventsTotal counts events tracked without publishing (filtered, heartbeats, DDL)
	SkippedEventsTotal Counter = NoopStat{}

	// InFlightMessages tracks unretired in-flight tickets
	InFlightMessages Gauge = NoopStat{}

	// QueueDepth tracks events waiting in the hand-off queue
	QueueDepth Gauge = NoopStat{}

	// CommittedAdvancesTotal counts committed position advances
	CommittedAdvancesTotal Counter = NoopStat{}

	// BinlogOffset tracks the binlog byte offset of the handed, committed
	// and stored positions
	BinlogOffset GaugeVec = noopGaugeVec{}
)

// Replication metrics
var (
	// StreamEventsTotal counts decoded stream records by kind (row, commit, ddl)
	StreamEventsTotal CounterVec = noopCounterVec{}

	// ReconnectsTotal counts reconnect attempts by result (success, failed)
	ReconnectsTotal CounterVec = noopCounterVec{}

	// ClientState tracks the replication client state as its numeric value
	ClientState Gauge = NoopStat{}

	// TransactionRows measures rows per replicated transaction
	TransactionRows Histogram = NoopStat{}

	// SchemaLookupsTotal counts column schema lookups by result (hit, miss, error)
	SchemaLookupsTotal CounterVec = noopCounterVec{}
)

// Position store metrics
var (
	// CheckpointsTotal counts position store writes by result (success, failed)
	CheckpointsTotal CounterVec = noopCounterVec{}

	// CheckpointSeconds measures position store write latency
	CheckpointSeconds Histogram = NoopStat{}
)

func initMetrics() {
	PublishedMessagesTotal = NewCounterVec(
		"published_messages_total",
		"Publish outcomes by result",
		[]string{"result"},
	)
	PublishLatencySeconds = NewHistogramVec(
		"publish_latency_seconds",
		"Time from submit to publish acknowledgement in seconds",
		[]string{"sink"},
		PublishBuckets,
	)
	SinkRetriesTotal = NewCounterVec(
		"sink_retries_total",
		"Retried publish attempts by sink",
		[]string{"sink"},
	)
	SkippedEventsTotal = NewCounter(
		"skipped_events_total",
		"Events tracked without being published",
	)
	InFlightMessages = NewGauge(
		"inflight_messages",
		"Submitted messages not yet retired",
	)
	QueueDepth = NewGauge(
		"queue_depth",
		"Events waiting in the hand-off queue",
	)
	CommittedAdvancesTotal = NewCounter(
		"committed_advances_total",
		"Committed position advances",
	)
	BinlogOffset = NewGaugeVec(
		"binlog_offset_bytes",
		"Binlog offset of the pipeline positions",
		[]string{"position"},
	)

	StreamEventsTotal = NewCounterVec(
		"stream_events_total",
		"Decoded replication records by kind",
		[]string{"kind"},
	)
	ReconnectsTotal = NewCounterVec(
		"reconnects_total",
		"Replication reconnect attempts by result",
		[]string{"result"},
	)
	ClientState = NewGauge(
		"client_state",
		"Replication client state (0 connecting, 1 streaming, 2 disconnecting, 3 reconnecting, 4 stopped, 5 failed)",
	)
	TransactionRows = NewHistogramWithBuckets(
		"transaction_rows",
		"Rows per replicated transaction",
		[]float64{1, 2, 5, 10, 50, 100, 500, 1000, 10000},
	)
	SchemaLookupsTotal = NewCounterVec(
		"schema_lookups_total",
		"Column schema lookups by result",
		[]string{"result"},
	)

	CheckpointsTotal = NewCounterVec(
		"checkpoints_total",
		"Position store writes by result",
		[]string{"result"},
	)
	CheckpointSeconds = NewHistogramWithBuckets(
		"checkpoint_seconds",
		"Position store write latency in seconds",
		CheckpointBuckets,
	)
}
