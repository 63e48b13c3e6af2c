package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/binflow/cfg"
	"github.com/maxpert/binflow/publisher"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize    = 100
	DefaultKafkaBatchBytes   = 1 << 20 // 1MB
	DefaultKafkaBatchTimeout = 10 * time.Millisecond
	kafkaCloseTimeout        = 5 * time.Second
)

func init() {
	publisher.RegisterSink("kafka", func(config cfg.ProducerConfiguration) (publisher.Sink, error) {
		brokers := config.Kafka.Brokers
		if config.Endpoint != "" {
			brokers = strings.Split(config.Endpoint, ",")
		}
		return NewKafkaSink(KafkaConfig{
			Brokers:          brokers,
			BatchSize:        config.Batching.CountThreshold,
			BatchBytes:       int64(config.Batching.BytesThreshold),
			BatchTimeout:     time.Duration(config.Batching.DelayThresholdMS) * time.Millisecond,
			RequiredAcks:     kafka.RequiredAcks(config.Kafka.RequiredAcks),
			AutoCreateTopics: config.Kafka.AutoCreateTopics,
			Compress:         config.Compression.Enabled,
			Retry:            publisher.RetrySettingsFromConfig(config.Retry),
		})
	})
}

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers          []string           // Kafka broker addresses
	BatchSize        int                // Messages per produce request (default: 100)
	BatchBytes       int64              // Max batch bytes (default: 1MB)
	BatchTimeout     time.Duration      // Linger before an incomplete batch is sent
	RequiredAcks     kafka.RequiredAcks // Ack requirement (default: RequireAll)
	AutoCreateTopics bool
	Compress         bool // zstd batch compression
	Retry            publisher.RetrySettings
}

// DefaultKafkaConfig returns a KafkaConfig with sensible defaults
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		BatchTimeout:     DefaultKafkaBatchTimeout,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
		Retry:            publisher.DefaultRetrySettings(),
	}
}

// KafkaSink publishes through an async kafka.Writer. Acks come back on the
// writer's Completion callback and are matched to their futures through
// Message.WriterData.
type KafkaSink struct {
	writer       *kafka.Writer
	deliveries   *deliveries
	write        func(*delivery) error
	closeTimeout time.Duration
}

// NewKafkaSink creates a new KafkaSink with the given configuration
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes <= 1 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = DefaultKafkaBatchTimeout
	}
	config.Retry = config.Retry.WithDefaults()

	k := &KafkaSink{
		deliveries:   newDeliveries("kafka", config.Retry, isKafkaRetryable),
		closeTimeout: kafkaCloseTimeout,
	}

	k.writer = &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{}, // Same key, same partition
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		BatchTimeout:           config.BatchTimeout,
		WriteTimeout:           config.Retry.InitialRPCTimeout,
		RequiredAcks:           config.RequiredAcks,
		MaxAttempts:            1,
		Async:                  true,
		AllowAutoTopicCreation: config.AutoCreateTopics,
		Completion:             k.completion,
	}
	if config.Compress {
		k.writer.Compression = kafka.Zstd
	}
	k.write = k.writeMessage

	return k, nil
}

// Submit queues msg on the writer. The future resolves with
// "topic/partition/offset" once the broker acks the batch.
func (k *KafkaSink) Submit(_ context.Context, msg *publisher.Message) (*future.Future[string], error) {
	d, err := k.deliveries.begin(msg)
	if err != nil {
		return nil, err
	}
	k.send(d)
	return d.future(), nil
}

func (k *KafkaSink) send(d *delivery) {
	if err := k.write(d); err != nil {
		k.deliveries.retryOrFail(d, err, k.send)
	}
}

func (k *KafkaSink) writeMessage(d *delivery) error {
	headers := make([]kafka.Header, 0, len(d.msg.Headers))
	for name, value := range d.msg.Headers {
		headers = append(headers, kafka.Header{Key: name, Value: []byte(value)})
	}

	// Async writers return immediately; the context only guards enqueueing
	return k.writer.WriteMessages(context.Background(), kafka.Message{
		Topic:      d.msg.Topic,
		Key:        []byte(d.msg.Key),
		Value:      d.msg.Value,
		Headers:    headers,
		WriterData: d,
	})
}

func (k *KafkaSink) completion(messages []kafka.Message, err error) {
	var perMessage kafka.WriteErrors
	if errors.As(err, &perMessage) && len(perMessage) != len(messages) {
		perMessage = nil
	}

	for i, m := range messages {
		d, ok := m.WriterData.(*delivery)
		if !ok {
			log.Error().Str("topic", m.Topic).Msg("Kafka completion without delivery state")
			continue
		}

		msgErr := err
		if perMessage != nil {
			msgErr = perMessage[i]
		}

		if msgErr != nil {
			k.deliveries.retryOrFail(d, msgErr, k.send)
			continue
		}
		k.deliveries.succeed(d, fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset))
	}
}

// Close flushes the writer and fails whatever did not complete in time
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}

	k.deliveries.drain(k.closeTimeout)
	err := k.writer.Close()
	if n := k.deliveries.abandon(); n > 0 {
		log.Warn().Int("pending", n).Msg("Kafka sink closed with unacknowledged messages")
	}
	return err
}

// isKafkaRetryable treats protocol errors by their own Temporary flag and
// transport errors as transient
func isKafkaRetryable(err error) bool {
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		return kerr.Temporary()
	}
	if errors.Is(err, io.ErrClosedPipe) {
		return false
	}
	return publisher.IsRetryable(err)
}
