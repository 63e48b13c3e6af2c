package publisher

import (
	"context"
	"fmt"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/binflow/change"
	"github.com/maxpert/binflow/position"
)

// Message is one publish request handed to a sink
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
	ID      string // stable across redelivery of the same source row
}

// Size returns the payload size used for batching thresholds
func (m *Message) Size() int {
	return len(m.Key) + len(m.Value)
}

// Sink is an asynchronous destination for change events (Kafka, NATS, Pub/Sub).
//
// Submit must not block on network I/O: it hands the message to the sink and
// returns a future that resolves exactly once with the destination assigned
// message id or a terminal error. Transient errors are retried inside the
// sink. Completions may resolve on any goroutine in any order.
type Sink interface {
	Submit(ctx context.Context, msg *Message) (*future.Future[string], error)
	// Close flushes buffered messages on a best-effort basis and releases resources
	Close() error
}

// Transformer converts change events to sink payloads
type Transformer interface {
	Transform(event *change.Event) ([]byte, error)
}

// Filter determines whether a change event should be published
type Filter interface {
	// Match returns true if the event should be published
	Match(database, table string) bool
}

// PositionCommitter persists the committed position
type PositionCommitter interface {
	CommitPosition(ctx context.Context, pos position.Position) error
}

// ErrorReporter receives fatal errors from background goroutines.
// task.Supervisor implements it.
type ErrorReporter interface {
	Terminate(source string, err error)
}

// PublishError is a terminal publish failure for one event
type PublishError struct {
	Topic    string
	Position position.Position
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s failed at %s: %v", e.Topic, e.Position, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
