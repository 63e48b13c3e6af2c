package publisher

import (
	"context"
	"errors"
	"net"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default exponential backoff multiplier between attempts
	DefaultRetryMultiplier = 1.3
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 60 * time.Second
	// Default timeout of the first publish attempt
	DefaultRPCTimeoutInitial = 5 * time.Second
	// Default growth of the per attempt timeout
	DefaultRPCTimeoutMultiplier = 1.0
	// Default cap on the per attempt timeout
	DefaultRPCTimeoutMax = 600 * time.Second
	// Default budget across all attempts of one message
	DefaultTotalTimeout = 600 * time.Second
)

// RetrySettings controls how sinks retry transient publish failures
type RetrySettings struct {
	InitialRetryDelay    time.Duration
	RetryDelayMultiplier float64
	MaxRetryDelay        time.Duration
	InitialRPCTimeout    time.Duration
	RPCTimeoutMultiplier float64
	MaxRPCTimeout        time.Duration
	TotalTimeout         time.Duration
	MaxAttempts          int // 0 = bounded only by TotalTimeout
}

// DefaultRetrySettings returns the default retry settings
func DefaultRetrySettings() RetrySettings {
	return RetrySettings{}.WithDefaults()
}

// WithDefaults fills zero fields with defaults
func (s RetrySettings) WithDefaults() RetrySettings {
	if s.InitialRetryDelay <= 0 {
		s.InitialRetryDelay = DefaultRetryInitial
	}
	if s.RetryDelayMultiplier < 1 {
		s.RetryDelayMultiplier = DefaultRetryMultiplier
	}
	if s.MaxRetryDelay <= 0 {
		s.MaxRetryDelay = DefaultRetryMax
	}
	if s.InitialRPCTimeout <= 0 {
		s.InitialRPCTimeout = DefaultRPCTimeoutInitial
	}
	if s.RPCTimeoutMultiplier < 1 {
		s.RPCTimeoutMultiplier = DefaultRPCTimeoutMultiplier
	}
	if s.MaxRPCTimeout <= 0 {
		s.MaxRPCTimeout = DefaultRPCTimeoutMax
	}
	if s.TotalTimeout <= 0 {
		s.TotalTimeout = DefaultTotalTimeout
	}
	return s
}

// Attempt tracks the retry state of a single message
type Attempt struct {
	settings   RetrySettings
	started    time.Time
	number     int
	delay      time.Duration
	rpcTimeout time.Duration
	now        func() time.Time
}

// Begin starts tracking a message's attempts
func (s RetrySettings) Begin() *Attempt {
	return s.begin(time.Now)
}

func (s RetrySettings) begin(now func() time.Time) *Attempt {
	s = s.WithDefaults()
	return &Attempt{
		settings:   s,
		started:    now(),
		number:     1,
		delay:      s.InitialRetryDelay,
		rpcTimeout: s.InitialRPCTimeout,
		now:        now,
	}
}

// Number returns the 1-based attempt number
func (a *Attempt) Number() int {
	return a.number
}

// RPCTimeout returns the timeout for the current attempt, clipped to the
// remaining total budget
func (a *Attempt) RPCTimeout() time.Duration {
	remaining := a.settings.TotalTimeout - a.now().Sub(a.started)
	if remaining < a.rpcTimeout {
		if remaining <= 0 {
			return time.Millisecond
		}
		return remaining
	}
	return a.rpcTimeout
}

// Next decides whether to retry after err. It returns the delay to wait
// before the next attempt, or false when err is terminal or the budget is
// exhausted.
func (a *Attempt) Next(err error, retryable bool) (time.Duration, bool) {
	if err == nil || !retryable {
		return 0, false
	}
	if a.settings.MaxAttempts > 0 && a.number >= a.settings.MaxAttempts {
		return 0, false
	}

	delay := a.delay
	if a.now().Add(delay).Sub(a.started) >= a.settings.TotalTimeout {
		return 0, false
	}

	a.number++
	a.delay = time.Duration(float64(a.delay) * a.settings.RetryDelayMultiplier)
	if a.delay > a.settings.MaxRetryDelay {
		a.delay = a.settings.MaxRetryDelay
	}
	a.rpcTimeout = time.Duration(float64(a.rpcTimeout) * a.settings.RPCTimeoutMultiplier)
	if a.rpcTimeout > a.settings.MaxRPCTimeout {
		a.rpcTimeout = a.settings.MaxRPCTimeout
	}
	return delay, true
}

// temporary is implemented by transport errors that know whether they are transient
type temporary interface {
	Temporary() bool
}

// IsRetryable classifies errors returned by sink transports
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrSinkClosed) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted,
			codes.ResourceExhausted, codes.Internal, codes.Canceled:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var tmp temporary
	if errors.As(err, &tmp) {
		return tmp.Temporary()
	}

	return true
}

// ErrSinkClosed resolves messages still pending when a sink is closed
var ErrSinkClosed = errors.New("sink closed")
