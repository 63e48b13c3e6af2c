package publisher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestAttempt_BackoffProgression(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	a := RetrySettings{
		InitialRetryDelay:    100 * time.Millisecond,
		RetryDelayMultiplier: 2,
		MaxRetryDelay:        300 * time.Millisecond,
		InitialRPCTimeout:    time.Second,
		RPCTimeoutMultiplier: 2,
		MaxRPCTimeout:        3 * time.Second,
		TotalTimeout:         time.Minute,
	}.begin(clock.Now)

	transient := errors.New("broker unavailable")
	var delays []time.Duration
	var timeouts []time.Duration
	for i := 0; i < 4; i++ {
		timeouts = append(timeouts, a.RPCTimeout())
		d, ok := a.Next(transient, true)
		assert.True(t, ok)
		delays = append(delays, d)
		clock.advance(d)
	}

	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}, delays)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}, timeouts)
	assert.Equal(t, 5, a.Number())
}

func TestAttempt_TotalTimeoutAndMaxAttempts(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	a := RetrySettings{InitialRetryDelay: time.Second, TotalTimeout: 1500 * time.Millisecond}.begin(clock.Now)

	_, ok := a.Next(errors.New("x"), true)
	assert.True(t, ok)
	clock.advance(time.Second)

	// Remaining budget clips the rpc timeout
	assert.Equal(t, 500*time.Millisecond, a.RPCTimeout())

	_, ok = a.Next(errors.New("x"), true)
	assert.False(t, ok, "retry past total timeout")

	b := RetrySettings{MaxAttempts: 2}.begin(clock.Now)
	_, ok = b.Next(errors.New("x"), true)
	assert.True(t, ok)
	_, ok = b.Next(errors.New("x"), true)
	assert.False(t, ok)

	c := DefaultRetrySettings().begin(clock.Now)
	_, ok = c.Next(errors.New("bad request"), false)
	assert.False(t, ok)
	_, ok = c.Next(nil, true)
	assert.False(t, ok)
}

type tempErr struct{ temp bool }

func (e tempErr) Error() string   { return "temp" }
func (e tempErr) Temporary() bool { return e.temp }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{ErrSinkClosed, false},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), true},
		{status.Error(codes.Unavailable, "down"), true},
		{status.Error(codes.ResourceExhausted, "slow down"), true},
		{status.Error(codes.InvalidArgument, "bad"), false},
		{status.Error(codes.PermissionDenied, "nope"), false},
		{tempErr{temp: true}, true},
		{tempErr{temp: false}, false},
		{errors.New("connection reset"), true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryable(tt.err), "%v", tt.err)
	}
}
