package sink

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/binflow/cfg"
	"github.com/maxpert/binflow/publisher"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

const pubsubCloseTimeout = 10 * time.Second

func init() {
	publisher.RegisterSink("pubsub", func(config cfg.ProducerConfiguration) (publisher.Sink, error) {
		if config.PubSub.ProjectID == "" {
			return nil, fmt.Errorf("pubsub sink requires project_id")
		}

		var opts []option.ClientOption
		if config.Endpoint != "" {
			opts = append(opts, option.WithEndpoint(config.Endpoint))
		}

		client, err := pubsub.NewClient(context.Background(), config.PubSub.ProjectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create pubsub client: %w", err)
		}
		return NewPubSubSink(client, PubSubSettingsFromConfig(config), publisher.RetrySettingsFromConfig(config.Retry)), nil
	})
}

// PubSubSettingsFromConfig maps batching and compression onto the client's
// publish settings
func PubSubSettingsFromConfig(config cfg.ProducerConfiguration) pubsub.PublishSettings {
	settings := pubsub.DefaultPublishSettings
	if config.Batching.CountThreshold > 0 {
		settings.CountThreshold = config.Batching.CountThreshold
	}
	if config.Batching.BytesThreshold > 0 {
		settings.ByteThreshold = config.Batching.BytesThreshold
	}
	if config.Batching.DelayThresholdMS > 0 {
		settings.DelayThreshold = time.Duration(config.Batching.DelayThresholdMS) * time.Millisecond
	}
	if config.Retry.TotalTimeoutMS > 0 {
		settings.Timeout = time.Duration(config.Retry.TotalTimeoutMS) * time.Millisecond
	}
	settings.EnableCompression = config.Compression.Enabled
	settings.CompressionBytesThreshold = config.Compression.BytesThreshold
	return settings
}

// PubSubSink publishes to Google Cloud Pub/Sub. One *pubsub.Topic is kept
// per topic name so its batcher is shared by every message for that topic.
type PubSubSink struct {
	client     *pubsub.Client
	settings   pubsub.PublishSettings
	topics     *xsync.MapOf[string, *pubsub.Topic]
	deliveries *deliveries
}

// NewPubSubSink wraps an existing client. The sink owns the client and
// closes it on Close.
func NewPubSubSink(client *pubsub.Client, settings pubsub.PublishSettings, retry publisher.RetrySettings) *PubSubSink {
	return &PubSubSink{
		client:     client,
		settings:   settings,
		topics:     xsync.NewMapOf[string, *pubsub.Topic](),
		deliveries: newDeliveries("pubsub", retry, nil),
	}
}

// Submit hands msg to the topic batcher. The future resolves with the
// server assigned message id.
func (p *PubSubSink) Submit(_ context.Context, msg *publisher.Message) (*future.Future[string], error) {
	d, err := p.deliveries.begin(msg)
	if err != nil {
		return nil, err
	}
	p.send(d)
	return d.future(), nil
}

func (p *PubSubSink) send(d *delivery) {
	attrs := make(map[string]string, len(d.msg.Headers)+2)
	for name, value := range d.msg.Headers {
		attrs[name] = value
	}
	if d.msg.Key != "" {
		attrs["key"] = d.msg.Key
	}
	if d.msg.ID != "" {
		attrs["message_id"] = d.msg.ID
	}

	res := p.topic(d.msg.Topic).Publish(context.Background(), &pubsub.Message{
		Data:       d.msg.Value,
		Attributes: attrs,
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.attempt.RPCTimeout())
		defer cancel()

		id, err := res.Get(ctx)
		if err != nil {
			p.deliveries.retryOrFail(d, err, p.send)
			return
		}
		p.deliveries.succeed(d, id)
	}()
}

func (p *PubSubSink) topic(name string) *pubsub.Topic {
	t, _ := p.topics.LoadOrCompute(name, func() *pubsub.Topic {
		t := p.client.Topic(name)
		t.PublishSettings = p.settings
		return t
	})
	return t
}

// Close flushes every topic batcher and closes the client
func (p *PubSubSink) Close() error {
	done := make(chan struct{})
	go func() {
		p.topics.Range(func(_ string, t *pubsub.Topic) bool {
			t.Stop()
			return true
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(pubsubCloseTimeout):
		log.Warn().Msg("Timed out flushing Pub/Sub topics")
	}

	p.deliveries.drain(time.Second)
	if n := p.deliveries.abandon(); n > 0 {
		log.Warn().Int("pending", n).Msg("Pub/Sub sink closed with unacknowledged messages")
	}
	return p.client.Close()
}
