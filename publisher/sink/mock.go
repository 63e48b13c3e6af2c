package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/binflow/publisher"
)

// MockSink is an in-memory Sink for tests.
//
// With Hold set, submitted messages stay pending until Ack or Fail is called,
// which lets tests control completion order. Otherwise each message resolves
// on its own goroutine, with PublishErr when set.
type MockSink struct {
	Hold       bool
	PublishErr error

	mu       sync.Mutex
	messages []MockMessage
	pending  []*mockPending
	closed   bool
	notify   chan struct{}
}

// MockMessage represents a submitted message for testing
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
	ID    string
}

type mockPending struct {
	msg     MockMessage
	promise *future.Promise[string]
	once    sync.Once
}

func (p *mockPending) resolve(id string, err error) {
	p.once.Do(func() { p.promise.Set(id, err) })
}

// Submit records msg and returns its future
func (m *MockSink) Submit(_ context.Context, msg *publisher.Message) (*future.Future[string], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, publisher.ErrSinkClosed
	}

	rec := MockMessage{Topic: msg.Topic, Key: msg.Key, Value: msg.Value, ID: msg.ID}
	m.messages = append(m.messages, rec)
	seq := len(m.messages)

	p := &mockPending{msg: rec, promise: future.NewPromise[string]()}
	if m.Hold {
		m.pending = append(m.pending, p)
	} else {
		err := m.PublishErr
		go p.resolve(fmt.Sprintf("mock-%d", seq), err)
	}
	m.signal()
	return p.promise.Future(), nil
}

func (m *MockSink) signal() {
	if m.notify == nil {
		return
	}
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Notify returns a channel signalled after every submission
func (m *MockSink) Notify() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notify == nil {
		m.notify = make(chan struct{}, 1)
	}
	return m.notify
}

// Messages returns a copy of every submitted message, in order
func (m *MockSink) Messages() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.messages...)
}

// Pending returns the number of held messages awaiting Ack or Fail
func (m *MockSink) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Ack resolves the i-th held message successfully
func (m *MockSink) Ack(i int) error {
	p, err := m.take(i)
	if err != nil {
		return err
	}
	p.resolve("mock-"+p.msg.ID, nil)
	return nil
}

// Fail resolves the i-th held message with err
func (m *MockSink) Fail(i int, err error) error {
	p, perr := m.take(i)
	if perr != nil {
		return perr
	}
	p.resolve("", err)
	return nil
}

// AckAll resolves every held message successfully, oldest first
func (m *MockSink) AckAll() {
	for m.Pending() > 0 {
		m.Ack(0)
	}
}

func (m *MockSink) take(i int) (*mockPending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.pending) {
		return nil, errors.New("no such pending message")
	}
	p := m.pending[i]
	m.pending = append(m.pending[:i], m.pending[i+1:]...)
	return p, nil
}

// Close fails every held message with ErrSinkClosed
func (m *MockSink) Close() error {
	m.mu.Lock()
	m.closed = true
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, p := range pending {
		p.resolve("", publisher.ErrSinkClosed)
	}
	return nil
}

// Reset clears all recorded messages and reopens the sink
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
	m.pending = nil
	m.closed = false
}
