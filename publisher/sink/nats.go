package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/binflow/cfg"
	"github.com/maxpert/binflow/publisher"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

const (
	DefaultNatsMaxPending      = 4000
	DefaultNatsDuplicateWindow = 2 * time.Minute
	natsCloseTimeout           = 5 * time.Second
)

func init() {
	publisher.RegisterSink("nats", func(config cfg.ProducerConfiguration) (publisher.Sink, error) {
		url := config.NATS.URL
		if config.Endpoint != "" {
			url = config.Endpoint
		}
		if url == "" {
			return nil, fmt.Errorf("nats sink requires a url")
		}
		return NewNatsSink(NatsConfig{
			URL:                  url,
			Stream:               config.NATS.Stream,
			DuplicateWindow:      time.Duration(config.NATS.DuplicateWindowS) * time.Second,
			MaxPending:           config.NATS.MaxPending,
			Compress:             config.Compression.Enabled,
			CompressionThreshold: config.Compression.BytesThreshold,
			Retry:                publisher.RetrySettingsFromConfig(config.Retry),
		})
	})
}

// NatsConfig holds configuration for NatsSink
type NatsConfig struct {
	URL                  string
	Stream               string // Prefix of the per-topic stream names
	DuplicateWindow      time.Duration
	MaxPending           int // Unacked async publishes before PublishMsgAsync blocks
	Compress             bool
	CompressionThreshold int
	Retry                publisher.RetrySettings
}

// NatsSink publishes to JetStream with async acks. Every message carries
// its stable id as Nats-Msg-Id so redeliveries inside the duplicate window
// are dropped by the server.
type NatsSink struct {
	nc         *nats.Conn
	js         jetstream.JetStream
	config     NatsConfig
	streams    *xsync.MapOf[string, string] // topic -> ensured stream
	compressor *compressor
	deliveries *deliveries
}

// NewNatsSink connects to NATS and creates a JetStream sink
func NewNatsSink(config NatsConfig) (*NatsSink, error) {
	if config.MaxPending <= 0 {
		config.MaxPending = DefaultNatsMaxPending
	}
	if config.DuplicateWindow <= 0 {
		config.DuplicateWindow = DefaultNatsDuplicateWindow
	}

	comp, err := newCompressor(config.Compress, config.CompressionThreshold)
	if err != nil {
		return nil, err
	}

	nc, err := nats.Connect(config.URL,
		nats.Name("binflow"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc, jetstream.WithPublishAsyncMaxPending(config.MaxPending))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{
		nc:         nc,
		js:         js,
		config:     config,
		streams:    xsync.NewMapOf[string, string](),
		compressor: comp,
		deliveries: newDeliveries("nats", config.Retry, nil),
	}, nil
}

// Submit publishes msg asynchronously. The future resolves with
// "stream/sequence" from the JetStream ack.
func (n *NatsSink) Submit(_ context.Context, msg *publisher.Message) (*future.Future[string], error) {
	d, err := n.deliveries.begin(msg)
	if err != nil {
		return nil, err
	}
	go n.send(d)
	return d.future(), nil
}

func (n *NatsSink) send(d *delivery) {
	timeout := d.attempt.RPCTimeout()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := n.ensureStream(ctx, d.msg.Topic); err != nil {
		n.deliveries.retryOrFail(d, err, n.resend)
		return
	}

	ack, err := n.js.PublishMsgAsync(n.buildMsg(d.msg), jetstream.WithMsgID(d.msg.ID))
	if err != nil {
		n.deliveries.retryOrFail(d, err, n.resend)
		return
	}

	select {
	case pa := <-ack.Ok():
		if pa.Duplicate {
			log.Debug().Str("id", d.msg.ID).Str("stream", pa.Stream).Msg("JetStream dropped duplicate message")
		}
		n.deliveries.succeed(d, fmt.Sprintf("%s/%d", pa.Stream, pa.Sequence))
	case err := <-ack.Err():
		n.deliveries.retryOrFail(d, err, n.resend)
	case <-ctx.Done():
		n.deliveries.retryOrFail(d, fmt.Errorf("jetstream ack: %w", ctx.Err()), n.resend)
	}
}

func (n *NatsSink) resend(d *delivery) {
	go n.send(d)
}

func (n *NatsSink) buildMsg(m *publisher.Message) *nats.Msg {
	header := nats.Header{}
	for name, value := range m.Headers {
		header.Set(name, value)
	}
	if m.Key != "" {
		header.Set("key", m.Key)
	}

	data, compressed := n.compressor.compress(m.Value)
	if compressed {
		header.Set(ContentEncodingHeader, EncodingZstd)
	}

	return &nats.Msg{
		Subject: m.Topic,
		Data:    data,
		Header:  header,
	}
}

// ensureStream creates or updates the stream capturing topic once per topic
func (n *NatsSink) ensureStream(ctx context.Context, topic string) error {
	if _, ok := n.streams.Load(topic); ok {
		return nil
	}

	name := streamName(n.config.Stream, topic)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{topic},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     24 * time.Hour,
		Duplicates: n.config.DuplicateWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", name, err)
	}

	n.streams.Store(topic, name)
	log.Info().Str("stream", name).Str("subject", topic).Msg("JetStream stream ready")
	return nil
}

// Close waits for outstanding acks, then drains the connection
func (n *NatsSink) Close() error {
	if n.nc == nil {
		return nil
	}

	select {
	case <-n.js.PublishAsyncComplete():
	case <-time.After(natsCloseTimeout):
		log.Warn().Int("pending", n.js.PublishAsyncPending()).Msg("Timed out waiting for JetStream acks")
	}
	n.deliveries.drain(natsCloseTimeout)
	if c := n.deliveries.abandon(); c > 0 {
		log.Warn().Int("pending", c).Msg("NATS sink closed with unacknowledged messages")
	}

	err := n.nc.Drain()
	n.compressor.Close()
	return err
}

// streamName derives a valid JetStream stream name for topic.
// Stream names can't contain ".", "*", ">" or whitespace.
func streamName(prefix, topic string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '/', '\\':
			return '_'
		}
		return r
	}, topic)

	if prefix == "" {
		return sanitized
	}
	return prefix + "_" + sanitized
}
