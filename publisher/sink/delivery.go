package sink

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/binflow/publisher"
	"github.com/maxpert/binflow/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// delivery is one message travelling through a sink, across retries
type delivery struct {
	id      uint64
	msg     *publisher.Message
	attempt *publisher.Attempt
	promise *future.Promise[string]
	once    sync.Once
}

func (d *delivery) future() *future.Future[string] {
	return d.promise.Future()
}

// deliveries tracks the messages a sink has accepted but not yet resolved.
// It owns the retry policy so every sink backs off the same way.
type deliveries struct {
	sink     string
	settings publisher.RetrySettings
	classify func(error) bool
	seq      atomic.Uint64
	pending  *xsync.MapOf[uint64, *delivery]
	closed   atomic.Bool
}

func newDeliveries(sink string, settings publisher.RetrySettings, classify func(error) bool) *deliveries {
	if classify == nil {
		classify = publisher.IsRetryable
	}
	return &deliveries{
		sink:     sink,
		settings: settings.WithDefaults(),
		classify: classify,
		pending:  xsync.NewMapOf[uint64, *delivery](),
	}
}

// begin accepts a message. It fails once the sink is closing.
func (t *deliveries) begin(msg *publisher.Message) (*delivery, error) {
	if t.closed.Load() {
		return nil, publisher.ErrSinkClosed
	}
	d := &delivery{
		id:      t.seq.Add(1),
		msg:     msg,
		attempt: t.settings.Begin(),
		promise: future.NewPromise[string](),
	}
	t.pending.Store(d.id, d)
	return d, nil
}

func (t *deliveries) resolve(d *delivery, id string, err error) {
	d.once.Do(func() {
		t.pending.Delete(d.id)
		d.promise.Set(id, err)
	})
}

func (t *deliveries) succeed(d *delivery, id string) {
	t.resolve(d, id, nil)
}

func (t *deliveries) fail(d *delivery, err error) {
	t.resolve(d, "", err)
}

// retryOrFail schedules resend after the backoff delay, or resolves the
// delivery with err once it is terminal or out of budget
func (t *deliveries) retryOrFail(d *delivery, err error, resend func(*delivery)) {
	if t.closed.Load() {
		t.fail(d, fmt.Errorf("%w: %v", publisher.ErrSinkClosed, err))
		return
	}

	delay, ok := d.attempt.Next(err, t.classify(err))
	if !ok {
		t.fail(d, fmt.Errorf("giving up on %s after %d attempts: %w", d.msg.Topic, d.attempt.Number(), err))
		return
	}

	telemetry.SinkRetriesTotal.With(t.sink).Inc()
	log.Warn().
		Err(err).
		Str("sink", t.sink).
		Str("topic", d.msg.Topic).
		Int("attempt", d.attempt.Number()).
		Dur("retry_delay", delay).
		Msg("Failed to publish message, retrying")

	time.AfterFunc(delay, func() {
		if t.closed.Load() {
			t.fail(d, publisher.ErrSinkClosed)
			return
		}
		resend(d)
	})
}

// drain waits up to timeout for pending deliveries to resolve
func (t *deliveries) drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for t.pending.Size() > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}

// abandon stops accepting messages and fails everything still pending
func (t *deliveries) abandon() int {
	t.closed.Store(true)
	n := 0
	t.pending.Range(func(_ uint64, d *delivery) bool {
		t.fail(d, publisher.ErrSinkClosed)
		n++
		return true
	})
	return n
}

func (t *deliveries) size() int {
	return t.pending.Size()
}
