// Package replication turns a binlog stream into ordered change events.
//
// Client owns exactly one Session at a time. It assembles transactions from
// the session's records, hands finished events to the pipeline and, when the
// session fails, reopens the stream from a safe position with bounded
// exponential backoff.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/binflow/change"
	"github.com/maxpert/binflow/position"
	"github.com/maxpert/binflow/publisher"
	"github.com/maxpert/binflow/task"
	"github.com/maxpert/binflow/telemetry"
	"github.com/rs/zerolog/log"
)

// ErrReconnectExhausted is reported when the reconnect policy gives up
var ErrReconnectExhausted = errors.New("replication reconnect attempts exhausted")

// Resume policies
const (
	ResumeCommitted = "committed"
	ResumeHanded    = "handed"
)

const (
	DefaultInitialBackoff     = 500 * time.Millisecond
	DefaultMaxBackoff         = 30 * time.Second
	DefaultBackoffMultiplier  = 2.0
	DefaultMaxTransactionRows = 10000
)

// Config wires a Client to its source and to the pipeline
type Config struct {
	Source Source
	// Start is used until something has been committed or handed
	Start position.Position
	// Push hands an event to the pipeline. It blocks under backpressure.
	Push func(ctx context.Context, ev *change.Event) error
	// Committed returns the pipeline's committed position
	Committed func() position.Position
	// Reporter receives the fatal error when the client fails
	Reporter publisher.ErrorReporter

	ResumeFrom         string
	MaxAttempts        int // consecutive failed sessions before giving up, 0 = unlimited
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	BackoffMultiplier  float64
	MaxTransactionRows int
}

// Client is the reconnecting replication stream reader
type Client struct {
	config Config
	task   *task.State
	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	mu         sync.RWMutex
	lastHanded position.Position
	err        error
}

// NewClient validates config and creates a client in the Connecting state
func NewClient(config Config) (*Client, error) {
	if config.Source == nil {
		return nil, errors.New("replication client requires a source")
	}
	if config.Push == nil {
		return nil, errors.New("replication client requires a push function")
	}
	switch config.ResumeFrom {
	case "":
		config.ResumeFrom = ResumeCommitted
	case ResumeCommitted, ResumeHanded:
	default:
		return nil, fmt.Errorf("unknown resume policy: %s", config.ResumeFrom)
	}
	if config.MaxAttempts < 0 {
		return nil, errors.New("max attempts must be >= 0")
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = DefaultInitialBackoff
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = max(DefaultMaxBackoff, config.InitialBackoff)
	}
	if config.BackoffMultiplier < 1 {
		config.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if config.MaxTransactionRows <= 0 {
		config.MaxTransactionRows = DefaultMaxTransactionRows
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config: config,
		task:   task.NewState("replication"),
		ctx:    ctx,
		cancel: cancel,
	}
	c.state.Store(int32(StateConnecting))
	return c, nil
}

// Start runs the stream loop on its own goroutine
func (c *Client) Start() {
	go c.run()
}

// State returns the current client state
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	telemetry.ClientState.Set(float64(s))
	if old != s {
		log.Info().
			Str("from", old.String()).
			Str("to", s.String()).
			Msg("Replication client state changed")
	}
}

// LastHanded returns the position after the last event handed to the pipeline
func (c *Client) LastHanded() position.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHanded
}

// Err returns the error that moved the client to Failed
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Done is closed once the loop has exited
func (c *Client) Done() <-chan struct{} {
	return c.task.Done()
}

// RequestStop asks the loop to stop after the record it is handling.
// Blocking reads and pushes are cancelled.
func (c *Client) RequestStop() error {
	c.task.RequestStop()
	c.cancel()
	return nil
}

// AwaitStop waits for the loop to exit. A non-positive timeout waits forever.
func (c *Client) AwaitStop(timeout time.Duration) error {
	return c.task.AwaitStop(timeout)
}

// resumePosition picks where the next session starts
func (c *Client) resumePosition() position.Position {
	if c.config.ResumeFrom == ResumeHanded {
		if handed := c.LastHanded(); !handed.IsZero() {
			return handed
		}
	}
	if c.config.Committed != nil {
		if committed := c.config.Committed(); !committed.IsZero() {
			return committed
		}
	}
	return c.config.Start
}

func (c *Client) run() {
	defer c.task.MarkStopped()
	defer c.cancel()

	attempts := 0
	backoff := c.config.InitialBackoff

	for {
		if !c.task.IsRunning() {
			c.setState(StateStopped)
			return
		}

		from := c.resumePosition()
		log.Info().Str("position", from.String()).Msg("Opening replication stream")

		var streamed bool
		sess, err := c.config.Source.Open(c.ctx, from)
		if err == nil {
			if attempts > 0 {
				telemetry.ReconnectsTotal.With("success").Inc()
			}
			c.setState(StateStreaming)
			streamed, err = c.stream(sess)

			c.setState(StateDisconnecting)
			if cerr := sess.Close(); cerr != nil {
				log.Debug().Err(cerr).Msg("Error closing replication session")
			}
		}

		if !c.task.IsRunning() {
			c.setState(StateStopped)
			return
		}
		if errors.Is(err, publisher.ErrQueueClosed) {
			log.Info().Msg("Pipeline closed, stopping replication")
			c.setState(StateStopped)
			return
		}

		if streamed {
			attempts = 0
			backoff = c.config.InitialBackoff
		}
		attempts++
		telemetry.ReconnectsTotal.With("failed").Inc()

		if c.config.MaxAttempts > 0 && attempts >= c.config.MaxAttempts {
			c.fail(fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, attempts, err))
			return
		}

		c.setState(StateReconnecting)
		log.Warn().
			Err(err).
			Int("attempt", attempts).
			Dur("retry_in", backoff).
			Msg("Replication stream failed, reconnecting")

		if !c.task.Sleep(backoff) {
			c.setState(StateStopped)
			return
		}
		backoff = min(time.Duration(float64(backoff)*c.config.BackoffMultiplier), c.config.MaxBackoff)
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()

	c.setState(StateFailed)
	if c.config.Reporter != nil {
		c.config.Reporter.Terminate("replication", err)
	} else {
		log.Error().Err(err).Msg("Replication client failed")
	}
}

// stream reads one session until it fails or a stop is requested. streamed
// reports whether the session produced at least one record.
func (c *Client) stream(sess Session) (streamed bool, err error) {
	tx := &transaction{}

	for {
		rec, err := sess.Next(c.ctx)
		if err != nil {
			return streamed, err
		}
		streamed = true
		telemetry.StreamEventsTotal.With(rec.Kind.String()).Inc()

		if err := c.handle(tx, rec); err != nil {
			return streamed, err
		}

		// Records are handled whole; this is the stop checkpoint
		if !c.task.IsRunning() {
			return streamed, nil
		}
	}
}

// transaction buffers the rows of the open transaction
type transaction struct {
	active  bool
	start   position.Position
	gtid    string
	rows    []*change.Event
	flushed int
}

func (t *transaction) reset() {
	*t = transaction{}
}

func (c *Client) handle(tx *transaction, rec *Record) error {
	switch rec.Kind {
	case RecordBegin:
		tx.reset()
		tx.active = true
		tx.start = rec.Position
		tx.gtid = rec.GTID

	case RecordRows:
		if !tx.active {
			tx.active = true
			tx.start = rec.Position
		}
		for _, ev := range rec.Rows {
			ev.GTID = tx.gtid
			tx.rows = append(tx.rows, ev)
		}
		if len(tx.rows) > c.config.MaxTransactionRows {
			return c.flushEarly(tx)
		}

	case RecordCommit:
		err := c.commit(tx, rec)
		tx.reset()
		return err

	case RecordDDL:
		gtid := rec.GTID
		if gtid == "" {
			gtid = tx.gtid
		}
		ev := &change.Event{
			Database:     rec.Database,
			Type:         change.DDL,
			Timestamp:    rec.Timestamp,
			ServerID:     rec.ServerID,
			Commit:       true,
			SQL:          rec.SQL,
			GTID:         gtid,
			Position:     rec.Position,
			NextPosition: rec.Next,
		}
		tx.reset()
		return c.hand(ev)

	case RecordProgress:
		// nothing to hand; the next commit carries the position forward
	}
	return nil
}

// flushEarly hands the buffered rows of an oversized transaction. They keep
// the transaction start as their safe position.
func (c *Client) flushEarly(tx *transaction) error {
	log.Debug().
		Int("rows", len(tx.rows)).
		Str("start", tx.start.String()).
		Msg("Flushing large transaction before commit")

	for _, ev := range tx.rows {
		ev.NextPosition = tx.start
		if err := c.push(ev); err != nil {
			return err
		}
	}
	tx.flushed += len(tx.rows)
	tx.rows = tx.rows[:0]
	return nil
}

func (c *Client) commit(tx *transaction, rec *Record) error {
	total := tx.flushed + len(tx.rows)
	telemetry.TransactionRows.Observe(float64(total))

	if len(tx.rows) == 0 {
		// Nothing to publish, still move the watermark past this commit
		return c.hand(&change.Event{
			Type:         change.Heartbeat,
			Timestamp:    rec.Timestamp,
			ServerID:     rec.ServerID,
			XID:          rec.XID,
			Commit:       true,
			GTID:         tx.gtid,
			Position:     rec.Position,
			NextPosition: rec.Next,
		})
	}

	last := len(tx.rows) - 1
	for i, ev := range tx.rows {
		ev.XID = rec.XID
		if i == last {
			ev.Commit = true
			ev.NextPosition = rec.Next
			return c.hand(ev)
		}
		ev.NextPosition = tx.start
		if err := c.push(ev); err != nil {
			return err
		}
	}
	return nil
}

// hand pushes an event whose NextPosition is a resume point
func (c *Client) hand(ev *change.Event) error {
	if err := c.push(ev); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastHanded = ev.NextPosition
	c.mu.Unlock()
	telemetry.BinlogOffset.With("handed").Set(float64(ev.NextPosition.Offset))
	return nil
}

func (c *Client) push(ev *change.Event) error {
	if err := c.config.Push(c.ctx, ev); err != nil {
		return fmt.Errorf("failed to hand event to pipeline: %w", err)
	}
	log.Debug().
		Str("database", ev.Database).
		Str("table", ev.Table).
		Str("type", string(ev.Type)).
		Str("next", ev.NextPosition.String()).
		Msg("Handed event")
	return nil
}
