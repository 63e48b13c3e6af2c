package sink

import (
	"bufio"
	"context"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/binflow/cfg"
	"github.com/maxpert/binflow/publisher"
)

func init() {
	publisher.RegisterSink("stdout", func(cfg.ProducerConfiguration) (publisher.Sink, error) {
		return NewWriterSink(os.Stdout), nil
	})
}

type writeRequest struct {
	msg     *publisher.Message
	promise *future.Promise[string]
}

// WriterSink writes one payload per line to an io.Writer. A single goroutine
// owns the writer so lines are never interleaved and acks follow write order.
type WriterSink struct {
	out     *bufio.Writer
	reqs    chan writeRequest
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	written uint64
}

// NewWriterSink starts a sink writing to w
func NewWriterSink(w io.Writer) *WriterSink {
	s := &WriterSink{
		out:  bufio.NewWriter(w),
		reqs: make(chan writeRequest, 256),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *WriterSink) Submit(ctx context.Context, msg *publisher.Message) (*future.Future[string], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, publisher.ErrSinkClosed
	}

	req := writeRequest{msg: msg, promise: future.NewPromise[string]()}
	select {
	case s.reqs <- req:
		return req.promise.Future(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *WriterSink) loop() {
	defer close(s.done)
	for req := range s.reqs {
		_, err := s.out.Write(req.msg.Value)
		if err == nil {
			err = s.out.WriteByte('\n')
		}
		// Flush when the burst is over
		if err == nil && len(s.reqs) == 0 {
			err = s.out.Flush()
		}
		if err != nil {
			req.promise.Set("", err)
			continue
		}
		s.written++
		req.promise.Set(strconv.FormatUint(s.written, 10), nil)
	}
	s.out.Flush()
}

// Close writes everything already submitted and stops the writer goroutine
func (s *WriterSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.reqs)
	s.mu.Unlock()

	<-s.done
	return nil
}
