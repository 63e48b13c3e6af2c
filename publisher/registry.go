package publisher

import (
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/binflow/cfg"
	"github.com/maxpert/binflow/position"
	"github.com/rs/zerolog/log"
)

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.ProducerConfiguration) (Sink, error)

// TransformerFactory is a function that creates a Transformer
type TransformerFactory func(cfg.ProducerConfiguration) Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

// CreateSink creates a sink based on the configuration
func CreateSink(config cfg.ProducerConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// CreateTransformer creates a transformer based on the format
func CreateTransformer(config cfg.ProducerConfiguration) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[config.Format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", config.Format)
	}

	return factory(config), nil
}

// RetrySettingsFromConfig converts the retry block of the producer configuration
func RetrySettingsFromConfig(c cfg.RetryConfiguration) RetrySettings {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return RetrySettings{
		InitialRetryDelay:    ms(c.InitialRetryDelayMS),
		RetryDelayMultiplier: c.RetryDelayMultiplier,
		MaxRetryDelay:        ms(c.MaxRetryDelayMS),
		InitialRPCTimeout:    ms(c.InitialRPCTimeoutMS),
		RPCTimeoutMultiplier: c.RPCTimeoutMultiplier,
		MaxRPCTimeout:        ms(c.MaxRPCTimeoutMS),
		TotalTimeout:         ms(c.TotalTimeoutMS),
		MaxAttempts:          c.MaxAttempts,
	}.WithDefaults()
}

// NewProducerFromConfig builds the sink, transformer and filter described by
// config and wires them into a Producer seeded with start
func NewProducerFromConfig(name string, config cfg.ProducerConfiguration, start position.Position, committer PositionCommitter, reporter ErrorReporter) (*Producer, error) {
	trans, err := CreateTransformer(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create transformer: %w", err)
	}

	filter, err := NewGlobFilter(config.FilterTables, config.FilterDatabases, config.ExcludeTables)
	if err != nil {
		return nil, fmt.Errorf("failed to create filter: %w", err)
	}

	snk, err := CreateSink(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create sink: %w", err)
	}

	producer, err := NewProducer(ProducerConfig{
		QueueCapacity: config.QueueCapacity,
		MaxInFlight:   config.MaxInFlight,
		Start:         start,
		Committer:     committer,
		Worker: WorkerConfig{
			Name:                name,
			Sink:                snk,
			SinkType:            config.Type,
			Transformer:         trans,
			Filter:              filter,
			Reporter:            reporter,
			Topic:               config.Topic,
			DDLTopic:            config.DDLTopic,
			OutputDDL:           config.OutputDDL,
			PartitionBy:         config.PartitionBy,
			IgnoreProducerError: config.IgnoreProducerError,
			AckTimeout:          time.Duration(config.AckTimeoutMS) * time.Millisecond,
		},
	})
	if err != nil {
		if cerr := snk.Close(); cerr != nil {
			log.Warn().Err(cerr).Str("sink", config.Type).Msg("Failed to close sink")
		}
		return nil, err
	}

	log.Info().
		Str("sink", config.Type).
		Str("format", config.Format).
		Str("topic", config.Topic).
		Int("queue_capacity", producer.queue.Cap()).
		Msg("Publisher configured")

	return producer, nil
}
