package store

import (
	"context"
	"sync"
	"time"

	"github.com/maxpert/binflow/position"
	"github.com/maxpert/binflow/task"
	"github.com/maxpert/binflow/telemetry"
	"github.com/rs/zerolog/log"
)

const flushTimeout = 10 * time.Second

// Checkpointer implements publisher.PositionCommitter on top of a
// PositionStore. With a positive interval commits only update memory and
// the latest one is written on each tick and on stop. With a zero interval
// every commit is written through.
type Checkpointer struct {
	store    PositionStore
	clientID string
	interval time.Duration
	state    *task.State

	mu      sync.Mutex
	pending position.Position
	dirty   bool
	stored  position.Position

	// serializes writes so an older flush can never land after a newer one
	writeMu sync.Mutex
}

// NewCheckpointer creates a checkpointer for clientID. Call Start to run the
// interval flush loop.
func NewCheckpointer(store PositionStore, clientID string, interval time.Duration) *Checkpointer {
	return &Checkpointer{
		store:    store,
		clientID: clientID,
		interval: interval,
		state:    task.NewState("checkpointer"),
	}
}

// CommitPosition records pos as the latest committed position
func (c *Checkpointer) CommitPosition(ctx context.Context, pos position.Position) error {
	c.mu.Lock()
	c.pending = pos
	c.dirty = true
	c.mu.Unlock()

	if c.interval <= 0 {
		return c.Flush(ctx)
	}
	return nil
}

// Flush writes the latest committed position if it has not been stored yet
func (c *Checkpointer) Flush(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	pos := c.pending
	c.dirty = false
	c.mu.Unlock()

	start := time.Now()
	err := c.store.Store(ctx, c.clientID, pos)
	telemetry.CheckpointSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		telemetry.CheckpointsTotal.With("failed").Inc()
		c.mu.Lock()
		// keep the newest position pending for the next flush
		if !c.dirty {
			c.pending = pos
			c.dirty = true
		}
		c.mu.Unlock()
		return err
	}

	telemetry.CheckpointsTotal.With("success").Inc()
	telemetry.BinlogOffset.With("stored").Set(float64(pos.Offset))
	c.mu.Lock()
	c.stored = pos
	c.mu.Unlock()
	log.Debug().Str("position", pos.String()).Msg("Stored committed position")
	return nil
}

// Stored returns the last position written to the store
func (c *Checkpointer) Stored() position.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stored
}

// Start runs the flush loop until RequestStop
func (c *Checkpointer) Start() {
	if c.interval <= 0 {
		c.state.MarkStopped()
		return
	}

	go func() {
		defer c.state.MarkStopped()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.flushLogged()
			case <-c.state.StopRequested():
				c.flushLogged()
				return
			}
		}
	}()
}

func (c *Checkpointer) flushLogged() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := c.Flush(ctx); err != nil {
		log.Warn().Err(err).Str("client_id", c.clientID).Msg("Failed to store committed position")
	}
}

// RequestStop stops the loop after a final flush
func (c *Checkpointer) RequestStop() error {
	c.state.RequestStop()
	return nil
}

func (c *Checkpointer) AwaitStop(timeout time.Duration) error {
	return c.state.AwaitStop(timeout)
}
