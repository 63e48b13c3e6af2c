package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/binflow/change"
	"github.com/maxpert/binflow/position"
	"github.com/stretchr/testify/require"
)

const binlogFile = "mysql-bin.000001"

func at(offset uint64) position.Position {
	return position.New(binlogFile, offset)
}

func rowAt(offset uint64) *change.Event {
	return &change.Event{
		Database:     "test",
		Table:        "t",
		Type:         change.Insert,
		Data:         map[string]interface{}{"i": offset},
		Position:     at(offset - 1),
		NextPosition: at(offset),
	}
}

// pendingPublish is a submitted message awaiting a test-controlled outcome
type pendingPublish struct {
	msg     *Message
	promise *future.Promise[string]
	once    sync.Once
}

func (p *pendingPublish) succeed() {
	p.once.Do(func() { p.promise.Set("id-"+p.msg.ID, nil) })
}

func (p *pendingPublish) fail(err error) {
	p.once.Do(func() { p.promise.Set("", err) })
}

// fakeSink records submissions. In auto mode every message succeeds
// immediately, otherwise outcomes are resolved by the test.
type fakeSink struct {
	auto      bool
	submitErr error

	mu        sync.Mutex
	submitted []*pendingPublish
	closed    bool
}

func (s *fakeSink) Submit(ctx context.Context, msg *Message) (*future.Future[string], error) {
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	p := &pendingPublish{msg: msg, promise: future.NewPromise[string]()}

	s.mu.Lock()
	s.submitted = append(s.submitted, p)
	s.mu.Unlock()

	if s.auto {
		p.succeed()
	}
	return p.promise.Future(), nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, p := range s.submitted {
		p.fail(ErrSinkClosed)
	}
	return nil
}

func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSink) messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Message, len(s.submitted))
	for i, p := range s.submitted {
		out[i] = p.msg
	}
	return out
}

// waitSubmitted blocks until at least n messages were submitted
func (s *fakeSink) waitSubmitted(t *testing.T, n int) []*pendingPublish {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.submitted) >= n
	}, 2*time.Second, time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*pendingPublish(nil), s.submitted...)
}

type recordingCommitter struct {
	mu        sync.Mutex
	positions []position.Position
	err       error
}

func (c *recordingCommitter) CommitPosition(ctx context.Context, pos position.Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.positions = append(c.positions, pos)
	return nil
}

func (c *recordingCommitter) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *recordingCommitter) committed() []position.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]position.Position(nil), c.positions...)
}

type captureReporter struct {
	errs chan error
}

func newCaptureReporter() *captureReporter {
	return &captureReporter{errs: make(chan error, 16)}
}

func (r *captureReporter) Terminate(source string, err error) {
	r.errs <- err
}

func (r *captureReporter) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("expected a fatal error report")
		return nil
	}
}

func (r *captureReporter) none(t *testing.T) {
	t.Helper()
	select {
	case err := <-r.errs:
		t.Fatalf("unexpected fatal error: %v", err)
	default:
	}
}

type jsonTransformer struct{}

func (jsonTransformer) Transform(ev *change.Event) ([]byte, error) {
	return ev.ToJSON(change.OutputConfig{})
}

type failingTransformer struct{}

func (failingTransformer) Transform(ev *change.Event) ([]byte, error) {
	return nil, errors.New("cannot encode")
}
