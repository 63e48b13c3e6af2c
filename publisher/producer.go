package publisher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/binflow/change"
	"github.com/maxpert/binflow/position"
	"github.com/maxpert/binflow/task"
	"github.com/rs/zerolog/log"
)

// ProducerConfig configures a Producer
type ProducerConfig struct {
	Worker        WorkerConfig      // Queue and Tracker are filled in by NewProducer
	QueueCapacity int               // Hand-off queue capacity
	MaxInFlight   int               // Outstanding message limit (0 = unbounded)
	Start         position.Position // Already persisted position
	Committer     PositionCommitter // Persists committed positions
}

// Producer is the ordered-commit pipeline: a bounded queue feeding a
// worker that publishes asynchronously, with the committed position
// derived by an in-flight tracker.
type Producer struct {
	queue   *EventQueue
	tracker *InFlightTracker
	worker  *Worker
	sink    Sink

	stopOnce   sync.Once
	sinkClosed chan struct{}
}

// NewProducer wires queue, tracker and worker together
func NewProducer(config ProducerConfig) (*Producer, error) {
	queue := NewEventQueue(config.QueueCapacity)
	tracker := NewInFlightTracker(config.Start, config.MaxInFlight, config.Committer)

	wc := config.Worker
	wc.Queue = queue
	wc.Tracker = tracker

	worker, err := NewWorker(wc)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}

	return &Producer{
		queue:      queue,
		tracker:    tracker,
		worker:     worker,
		sink:       wc.Sink,
		sinkClosed: make(chan struct{}),
	}, nil
}

// Start starts the publishing worker
func (p *Producer) Start() {
	p.worker.Start()
}

// Push hands an event to the pipeline, blocking while the queue is full
func (p *Producer) Push(ctx context.Context, ev *change.Event) error {
	return p.queue.Put(ctx, ev)
}

// RequestStop stops the worker, closes the queue and, once the worker loop
// has exited, closes the sink
func (p *Producer) RequestStop() error {
	p.stopOnce.Do(func() {
		_ = p.worker.RequestStop()
		p.queue.Close()

		go func() {
			<-p.worker.Done()
			if err := p.sink.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close sink")
			}
			close(p.sinkClosed)
		}()
	})
	return nil
}

// AwaitStop waits for the worker, the sink flush and every completion
// goroutine, bounded by timeout. A non-positive timeout waits forever.
func (p *Producer) AwaitStop(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 100 * 365 * 24 * time.Hour
	}
	deadline := time.Now().Add(timeout)

	if err := p.worker.AwaitStop(timeout); err != nil {
		return err
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-p.sinkClosed:
	case <-timer.C:
		return task.ErrStopTimeout
	}

	return p.worker.WaitInFlight(time.Until(deadline))
}

// Committed returns the committed position
func (p *Producer) Committed() position.Position {
	return p.tracker.Committed()
}

// Outstanding returns the number of unretired in-flight messages
func (p *Producer) Outstanding() int {
	return p.tracker.Outstanding()
}

// QueueLen returns the number of events waiting in the queue
func (p *Producer) QueueLen() int {
	return p.queue.Len()
}

// Queue exposes the hand-off queue
func (p *Producer) Queue() *EventQueue {
	return p.queue
}
