package publisher

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/binflow/position"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_OutOfOrderCompletion(t *testing.T) {
	ctx := context.Background()
	committer := &recordingCommitter{}
	tr := NewInFlightTracker(at(10), 0, committer)

	t100, err := tr.Register(ctx, at(100))
	require.NoError(t, err)
	t200, err := tr.Register(ctx, at(200))
	require.NoError(t, err)
	t300, err := tr.Register(ctx, at(300))
	require.NoError(t, err)

	tr.MarkComplete(t300)
	pos, advanced, err := tr.AdvanceCommitted(ctx)
	require.NoError(t, err)
	assert.False(t, advanced)
	assert.Equal(t, at(10), pos)

	tr.MarkComplete(t100)
	pos, advanced, err = tr.AdvanceCommitted(ctx)
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, at(100), pos)
	assert.Equal(t, 2, tr.Outstanding())

	tr.MarkComplete(t200)
	tr.MarkComplete(t200)
	pos, advanced, err = tr.AdvanceCommitted(ctx)
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, at(300), pos)
	assert.Equal(t, 0, tr.Outstanding())

	assert.Equal(t, []position.Position{at(100), at(300)}, committer.committed())
	assert.Equal(t, uint64(3), t300.Seq())
	assert.Equal(t, at(300), t300.Next())
}

func TestTracker_ConcurrentCompletionNeverSkipsGaps(t *testing.T) {
	const n = 500
	ctx := context.Background()
	committer := &recordingCommitter{}
	tr := NewInFlightTracker(position.Position{}, 0, committer)

	tickets := make([]*Ticket, n)
	for i := range tickets {
		var err error
		tickets[i], err = tr.Register(ctx, at(uint64(i+1)*10))
		require.NoError(t, err)
	}

	completed := make([]bool, n)
	var completedMu sync.Mutex

	order := rand.New(rand.NewSource(42)).Perm(n)
	var wg sync.WaitGroup
	for _, idx := range order {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			completedMu.Lock()
			completed[idx] = true
			completedMu.Unlock()
			tr.MarkComplete(tickets[idx])

			pos, _, err := tr.AdvanceCommitted(ctx)
			assert.NoError(t, err)

			// Every ticket at or below the committed position must be complete
			completedMu.Lock()
			defer completedMu.Unlock()
			for i := 0; i < n && !at(uint64(i+1)*10).After(pos); i++ {
				if !completed[i] {
					t.Errorf("position %s committed while ticket %d outstanding", pos, i)
					return
				}
			}
		}(idx)
	}
	wg.Wait()

	_, _, err := tr.AdvanceCommitted(ctx)
	require.NoError(t, err)
	assert.Equal(t, at(n*10), tr.Committed())

	persisted := committer.committed()
	require.NotEmpty(t, persisted)
	for i := 1; i < len(persisted); i++ {
		assert.True(t, persisted[i].After(persisted[i-1]), "persisted positions must increase")
	}
	assert.Equal(t, at(n*10), persisted[len(persisted)-1])
}

func TestTracker_MaxInFlightBlocksRegister(t *testing.T) {
	ctx := context.Background()
	tr := NewInFlightTracker(position.Position{}, 2, nil)

	first, err := tr.Register(ctx, at(1))
	require.NoError(t, err)
	_, err = tr.Register(ctx, at(2))
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = tr.Register(short, at(3))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	tr.MarkComplete(first)
	_, _, err = tr.AdvanceCommitted(ctx)
	require.NoError(t, err)

	_, err = tr.Register(ctx, at(3))
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Outstanding())
}

func TestTracker_PersistFailureRetriedOnNextAdvance(t *testing.T) {
	ctx := context.Background()
	committer := &recordingCommitter{}
	committer.setErr(errors.New("disk full"))
	tr := NewInFlightTracker(at(1), 0, committer)

	ticket, err := tr.Register(ctx, at(5))
	require.NoError(t, err)
	tr.MarkComplete(ticket)

	_, advanced, err := tr.AdvanceCommitted(ctx)
	assert.Error(t, err)
	assert.False(t, advanced)
	assert.Empty(t, committer.committed())

	committer.setErr(nil)
	pos, advanced, err := tr.AdvanceCommitted(ctx)
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.Equal(t, at(5), pos)
	assert.Equal(t, []position.Position{at(5)}, committer.committed())
}

func TestTracker_RegressingPositionIgnored(t *testing.T) {
	ctx := context.Background()
	tr := NewInFlightTracker(at(100), 0, nil)

	ticket, err := tr.Register(ctx, at(50))
	require.NoError(t, err)
	tr.MarkComplete(ticket)

	pos, advanced, err := tr.AdvanceCommitted(ctx)
	require.NoError(t, err)
	assert.False(t, advanced)
	assert.Equal(t, at(100), pos)
}

func TestTracker_AckTimeout(t *testing.T) {
	ctx := context.Background()
	tr := NewInFlightTracker(position.Position{}, 0, nil)

	assert.NoError(t, tr.CheckAckTimeout(time.Millisecond))

	ticket, err := tr.Register(ctx, at(1))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	assert.NoError(t, tr.CheckAckTimeout(0))
	assert.ErrorIs(t, tr.CheckAckTimeout(time.Millisecond), ErrAckTimeout)
	assert.NoError(t, tr.CheckAckTimeout(time.Hour))

	tr.MarkComplete(ticket)
	assert.NoError(t, tr.CheckAckTimeout(time.Millisecond))
}
