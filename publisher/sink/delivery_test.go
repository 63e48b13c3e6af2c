package sink

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/maxpert/binflow/publisher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failThenSucceed fails the first send and the next failures resends, then acks
func failThenSucceed(t *testing.T, maxAttempts, failures int) (*delivery, *deliveries) {
	t.Helper()
	settings := fastRetry()
	settings.MaxAttempts = maxAttempts
	ds := newDeliveries("test", settings, nil)
	d, err := ds.begin(&publisher.Message{Topic: "t"})
	require.NoError(t, err)

	var sends atomic.Int32
	var resend func(*delivery)
	resend = func(d *delivery) {
		if int(sends.Add(1)) <= failures {
			ds.retryOrFail(d, errors.New("transient"), resend)
			return
		}
		ds.succeed(d, "ok")
	}
	ds.retryOrFail(d, errors.New("transient"), resend)
	return d, ds
}

func TestDeliveriesRetryUntilSuccess(t *testing.T) {
	// first send plus two failed resends, the third resend is attempt 4
	d, ds := failThenSucceed(t, 0, 2)

	id, err := d.future().Get()
	require.NoError(t, err)
	assert.Equal(t, "ok", id)
	assert.Equal(t, 4, d.attempt.Number())
	assert.Equal(t, 0, ds.size())
}

func TestDeliveriesAttemptBudgetIncludesFirstSend(t *testing.T) {
	d, _ := failThenSucceed(t, 4, 2)
	id, err := d.future().Get()
	require.NoError(t, err)
	assert.Equal(t, "ok", id)

	d, ds := failThenSucceed(t, 3, 2)
	_, err = d.future().Get()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 0, ds.size())
}

func TestDeliveriesTerminalError(t *testing.T) {
	ds := newDeliveries("test", fastRetry(), func(error) bool { return false })
	d, err := ds.begin(&publisher.Message{Topic: "t"})
	require.NoError(t, err)

	cause := errors.New("bad request")
	ds.retryOrFail(d, cause, func(*delivery) { t.Error("terminal errors must not be retried") })

	_, err = d.future().Get()
	assert.ErrorIs(t, err, cause)
}

func TestDeliveriesMaxAttempts(t *testing.T) {
	settings := fastRetry()
	settings.MaxAttempts = 2
	ds := newDeliveries("test", settings, nil)
	d, err := ds.begin(&publisher.Message{Topic: "t"})
	require.NoError(t, err)

	var resend func(*delivery)
	resend = func(d *delivery) {
		ds.retryOrFail(d, errors.New("still down"), resend)
	}
	ds.retryOrFail(d, errors.New("down"), resend)

	_, err = d.future().Get()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestDeliveriesAbandon(t *testing.T) {
	ds := newDeliveries("test", fastRetry(), nil)
	a, err := ds.begin(&publisher.Message{Topic: "t"})
	require.NoError(t, err)
	b, err := ds.begin(&publisher.Message{Topic: "t"})
	require.NoError(t, err)
	ds.succeed(b, "done")

	assert.Equal(t, 1, ds.abandon())

	_, err = a.future().Get()
	assert.ErrorIs(t, err, publisher.ErrSinkClosed)

	id, err := b.future().Get()
	require.NoError(t, err)
	assert.Equal(t, "done", id)

	_, err = ds.begin(&publisher.Message{Topic: "t"})
	assert.ErrorIs(t, err, publisher.ErrSinkClosed)
}

func TestDeliveriesResolveOnce(t *testing.T) {
	ds := newDeliveries("test", fastRetry(), nil)
	d, err := ds.begin(&publisher.Message{Topic: "t"})
	require.NoError(t, err)

	ds.succeed(d, "first")
	ds.fail(d, errors.New("late"))

	id, err := d.future().Get()
	require.NoError(t, err)
	assert.Equal(t, "first", id)
}
