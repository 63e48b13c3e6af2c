package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/binflow/change"
	"github.com/maxpert/binflow/task"
	"github.com/maxpert/binflow/telemetry"
	"github.com/rs/zerolog/log"
)

// DefaultTopic is used when no topic template is configured
const DefaultTopic = "binflow"

// WorkerConfig configures the publishing worker
type WorkerConfig struct {
	Name                string           // Worker name used in logs and error reports
	Queue               *EventQueue      // Queue to consume from
	Tracker             *InFlightTracker // Tracks in-flight messages and the committed position
	Sink                Sink             // Destination sink
	SinkType            string           // Sink label for metrics
	Transformer         Transformer      // Event transformer
	Filter              Filter           // Event filter
	Reporter            ErrorReporter    // Receives fatal errors
	Topic               string           // Topic template, supports %{database} and %{table}
	DDLTopic            string           // Topic for schema changes (defaults to Topic)
	OutputDDL           bool             // Publish schema changes instead of only tracking them
	PartitionBy         string           // Message key strategy, see change.PartitionKey
	IgnoreProducerError bool             // Treat failed publishes as complete instead of terminating
	AckTimeout          time.Duration    // Fail if a message stays unacknowledged this long (0 = off)
}

// Worker consumes the queue and publishes each event asynchronously.
//
// The loop never waits for a publish to finish; each submitted message gets
// its own completion goroutine that reports back to the tracker.
type Worker struct {
	config   WorkerConfig
	state    *task.State
	inflight sync.WaitGroup
}

// NewWorker creates a new publishing worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Queue == nil {
		return nil, fmt.Errorf("event queue is required")
	}
	if config.Tracker == nil {
		return nil, fmt.Errorf("in-flight tracker is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Filter == nil {
		config.Filter = MatchAll{}
	}
	if config.SinkType == "" {
		config.SinkType = "custom"
	}
	if config.Reporter == nil {
		config.Reporter = logReporter{}
	}
	if config.Topic == "" {
		config.Topic = DefaultTopic
	}
	if config.DDLTopic == "" {
		config.DDLTopic = config.Topic
	}
	if config.PartitionBy == "" {
		config.PartitionBy = change.PartitionByDatabase
	}

	return &Worker{
		config: config,
		state:  task.NewState(config.Name),
	}, nil
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	log.Info().
		Str("worker", w.config.Name).
		Str("topic", w.config.Topic).
		Bool("ignore_producer_error", w.config.IgnoreProducerError).
		Msg("Starting publisher worker")

	go w.run()
}

// RequestStop asks the worker loop to exit at its next checkpoint
func (w *Worker) RequestStop() error {
	w.state.RequestStop()
	return nil
}

// AwaitStop waits for the worker loop to exit
func (w *Worker) AwaitStop(timeout time.Duration) error {
	return w.state.AwaitStop(timeout)
}

// Done is closed once the worker loop has exited
func (w *Worker) Done() <-chan struct{} {
	return w.state.Done()
}

// WaitInFlight waits for all completion goroutines, up to timeout
func (w *Worker) WaitInFlight(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return task.ErrStopTimeout
	}
}

func (w *Worker) run() {
	defer w.state.MarkStopped()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-w.state.StopRequested():
			cancel()
		case <-ctx.Done():
		}
	}()

	if w.config.AckTimeout > 0 {
		go w.watchAcks(ctx)
	}

	for {
		ev, err := w.config.Queue.Take(ctx)
		if !w.state.IsRunning() {
			log.Info().Str("worker", w.config.Name).Msg("Publisher worker stopped")
			return
		}
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || errors.Is(err, context.Canceled) {
				log.Info().Err(err).Str("worker", w.config.Name).Msg("Publisher worker exiting")
				return
			}
			w.fail(fmt.Errorf("failed to take event: %w", err))
			return
		}

		telemetry.QueueDepth.Set(float64(w.config.Queue.Len()))

		if err := w.process(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.fail(err)
			return
		}
	}
}

// process publishes a single event.
// Events that are not published (filtered, heartbeats, untracked DDL) still
// take a ticket so the committed position moves past them in order.
func (w *Worker) process(ctx context.Context, ev *change.Event) error {
	if !w.publishable(ev) {
		return w.skip(ctx, ev)
	}

	payload, err := w.config.Transformer.Transform(ev)
	if err != nil {
		return fmt.Errorf("failed to transform %s.%s event at %s: %w", ev.Database, ev.Table, ev.Position, err)
	}

	msg := &Message{
		Topic: w.topic(ev),
		Key:   ev.PartitionKey(w.config.PartitionBy),
		Value: payload,
		ID:    ev.MessageID(),
		Headers: map[string]string{
			"database": ev.Database,
			"table":    ev.Table,
			"type":     string(ev.Type),
		},
	}

	ticket, err := w.config.Tracker.Register(ctx, ev.NextPosition)
	if err != nil {
		return fmt.Errorf("failed to register in-flight message: %w", err)
	}

	fut, err := w.config.Sink.Submit(ctx, msg)
	if err != nil {
		return &PublishError{Topic: msg.Topic, Position: ev.Position, Err: err}
	}

	w.inflight.Add(1)
	go w.awaitCompletion(ticket, ev, msg, fut, time.Now())
	return nil
}

func (w *Worker) publishable(ev *change.Event) bool {
	if ev.IsHeartbeat() {
		return false
	}
	if ev.IsSchemaChange() {
		return w.config.OutputDDL
	}
	return w.config.Filter.Match(ev.Database, ev.Table)
}

func (w *Worker) skip(ctx context.Context, ev *change.Event) error {
	ticket, err := w.config.Tracker.Register(ctx, ev.NextPosition)
	if err != nil {
		return fmt.Errorf("failed to register skipped event: %w", err)
	}
	w.config.Tracker.MarkComplete(ticket)
	telemetry.SkippedEventsTotal.Inc()

	if _, _, err := w.config.Tracker.AdvanceCommitted(ctx); err != nil {
		return err
	}
	return nil
}

func (w *Worker) awaitCompletion(ticket *Ticket, ev *change.Event, msg *Message, fut *future.Future[string], started time.Time) {
	defer w.inflight.Done()

	id, err := fut.Get()
	telemetry.PublishLatencySeconds.With(w.config.SinkType).Observe(time.Since(started).Seconds())

	if err != nil {
		telemetry.PublishedMessagesTotal.With("failed").Inc()
		perr := &PublishError{Topic: msg.Topic, Position: ev.Position, Err: err}

		if errors.Is(err, ErrSinkClosed) && !w.state.IsRunning() {
			log.Warn().Err(perr).Str("worker", w.config.Name).Msg("Message abandoned during shutdown")
			return
		}
		if !w.config.IgnoreProducerError {
			w.fail(perr)
			return
		}
		log.Warn().
			Err(perr).
			Str("worker", w.config.Name).
			Str("key", msg.Key).
			Msg("Publish failed, ignoring as configured")
	} else {
		telemetry.PublishedMessagesTotal.With("success").Inc()
		if e := log.Debug(); e.Enabled() {
			e.Str("worker", w.config.Name).
				Str("topic", msg.Topic).
				Str("id", id).
				Str("position", ev.NextPosition.String()).
				Bytes("payload", msg.Value).
				Msg("Published")
		}
	}

	w.config.Tracker.MarkComplete(ticket)
	if _, _, err := w.config.Tracker.AdvanceCommitted(context.Background()); err != nil {
		w.fail(err)
	}
}

func (w *Worker) watchAcks(ctx context.Context) {
	interval := w.config.AckTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.config.Tracker.CheckAckTimeout(w.config.AckTimeout); err != nil {
				w.fail(err)
				return
			}
		}
	}
}

// fail reports a fatal error and stops consuming
func (w *Worker) fail(err error) {
	w.config.Reporter.Terminate(w.config.Name, err)
	w.state.RequestStop()
}

// topic renders the topic template for an event
func (w *Worker) topic(ev *change.Event) string {
	tmpl := w.config.Topic
	if ev.IsSchemaChange() {
		tmpl = w.config.DDLTopic
	}
	return RenderTopic(tmpl, ev.Database, ev.Table)
}

// RenderTopic substitutes %{database} and %{table} in a topic template
func RenderTopic(template, database, table string) string {
	if !strings.Contains(template, "%{") {
		return template
	}
	return strings.NewReplacer("%{database}", database, "%{table}", table).Replace(template)
}

type logReporter struct{}

func (logReporter) Terminate(source string, err error) {
	log.Error().Err(err).Str("source", source).Msg("Fatal publisher error")
}
