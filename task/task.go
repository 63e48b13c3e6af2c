// Package task holds the lifecycle contract shared by the long running
// components (replication client, producer worker, checkpointer).
package task

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopTimeout is returned by AwaitStop when the component did not reach
// the stopped state in time.
var ErrStopTimeout = errors.New("timed out waiting for stop")

// Stoppable is implemented by components with a two phase shutdown:
// RequestStop signals and returns immediately, AwaitStop blocks until the
// component has fully stopped or the timeout expires.
type Stoppable interface {
	RequestStop() error
	AwaitStop(timeout time.Duration) error
}

// Run states tracked by State.
const (
	Running int32 = iota
	StopRequested
	Stopped
)

// State is the embeddable bookkeeping behind Stoppable.
type State struct {
	name     string
	state    atomic.Int32
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	doneOnce sync.Once
}

// NewState creates a State in the running state.
func NewState(name string) *State {
	return &State{
		name:   name,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Name returns the task name.
func (s *State) Name() string {
	return s.name
}

// RequestStop moves the task to StopRequested. Safe to call repeatedly.
func (s *State) RequestStop() {
	s.stopOnce.Do(func() {
		s.state.CompareAndSwap(Running, StopRequested)
		close(s.stopCh)
	})
}

// StopRequested returns a channel closed once a stop has been requested.
func (s *State) StopRequested() <-chan struct{} {
	return s.stopCh
}

// IsRunning reports whether no stop has been requested yet.
func (s *State) IsRunning() bool {
	return s.state.Load() == Running
}

// Current returns the current run state.
func (s *State) Current() int32 {
	return s.state.Load()
}

// MarkStopped records that the task loop has exited.
func (s *State) MarkStopped() {
	s.doneOnce.Do(func() {
		s.state.Store(Stopped)
		close(s.doneCh)
	})
}

// Done returns a channel closed once the task has stopped.
func (s *State) Done() <-chan struct{} {
	return s.doneCh
}

// AwaitStop blocks until MarkStopped or the timeout. A non-positive timeout
// waits forever.
func (s *State) AwaitStop(timeout time.Duration) error {
	if timeout <= 0 {
		<-s.doneCh
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.doneCh:
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: %w", s.Name(), ErrStopTimeout)
	}
}

// Sleep waits for d or a stop request. It returns false when stopped.
func (s *State) Sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-s.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
