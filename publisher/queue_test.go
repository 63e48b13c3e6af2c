package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueue_Backpressure(t *testing.T) {
	ctx := context.Background()
	q := NewEventQueue(2)
	require.Equal(t, 2, q.Cap())

	require.NoError(t, q.Put(ctx, rowAt(1)))
	require.NoError(t, q.Put(ctx, rowAt(2)))
	assert.Equal(t, 2, q.Len())

	// Third put blocks until something is taken
	putDone := make(chan error, 1)
	go func() { putDone <- q.Put(ctx, rowAt(3)) }()

	select {
	case err := <-putDone:
		t.Fatalf("put on a full queue returned early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	ev, err := q.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, at(1), ev.NextPosition)

	select {
	case err := <-putDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("put did not unblock after take")
	}

	for _, want := range []uint64{2, 3} {
		ev, err := q.Take(ctx)
		require.NoError(t, err)
		assert.Equal(t, at(want), ev.NextPosition)
	}
}

func TestEventQueue_PutHonorsContext(t *testing.T) {
	q := NewEventQueue(1)
	require.NoError(t, q.Put(context.Background(), rowAt(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Put(ctx, rowAt(2)), context.DeadlineExceeded)
}

func TestEventQueue_PollTimeout(t *testing.T) {
	q := NewEventQueue(0)
	assert.Equal(t, DefaultQueueCapacity, q.Cap())

	ev, err := q.Poll(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, ev)

	require.NoError(t, q.Put(context.Background(), rowAt(7)))
	ev, err = q.Poll(time.Second)
	require.NoError(t, err)
	assert.Equal(t, at(7), ev.NextPosition)
}

func TestEventQueue_CloseDrainsThenFails(t *testing.T) {
	ctx := context.Background()
	q := NewEventQueue(4)
	require.NoError(t, q.Put(ctx, rowAt(1)))

	q.Close()
	q.Close()

	assert.ErrorIs(t, q.Put(ctx, rowAt(2)), ErrQueueClosed)

	ev, err := q.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, at(1), ev.NextPosition)

	_, err = q.Take(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestEventQueue_CloseWakesBlockedTake(t *testing.T) {
	q := NewEventQueue(1)
	done := make(chan error, 1)
	go func() {
		_, err := q.Take(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("take was not woken by close")
	}
}
