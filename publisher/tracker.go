package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/maxpert/binflow/position"
	"github.com/maxpert/binflow/telemetry"
	"github.com/rs/zerolog/log"
)

// ErrAckTimeout is returned when the oldest in-flight message has waited
// longer than the configured acknowledgement timeout
var ErrAckTimeout = errors.New("producer acknowledgement timeout")

// Ticket is the tracker's record of one submitted event
type Ticket struct {
	seq       uint64
	next      position.Position
	submitted time.Time
	completed bool // guarded by InFlightTracker.mu
}

// Seq returns the submission sequence number of the ticket
func (t *Ticket) Seq() uint64 {
	return t.seq
}

// Next returns the position that becomes committable once the ticket retires
func (t *Ticket) Next() position.Position {
	return t.next
}

// InFlightTracker keeps submitted-but-unretired tickets in submission order
// and derives the committed position from them.
//
// Completions may arrive in any order, but the committed position only moves
// across the contiguous prefix of completed tickets: if ticket N is still
// outstanding nothing at or after N is committed, however many later tickets
// have completed.
//
// The ticket list is guarded by mu and never held across I/O. Persistence is
// serialised by commitMu so persisted positions never regress.
type InFlightTracker struct {
	mu        sync.Mutex
	tickets   deque.Deque[*Ticket]
	nextSeq   uint64
	committed position.Position

	slots chan struct{} // nil when unbounded

	commitMu  sync.Mutex
	persisted position.Position
	committer PositionCommitter
}

// NewInFlightTracker creates a tracker seeded with the already persisted
// position. maxInFlight bounds outstanding tickets (0 = unbounded). The
// committer may be nil, in which case positions are only kept in memory.
func NewInFlightTracker(initial position.Position, maxInFlight int, committer PositionCommitter) *InFlightTracker {
	t := &InFlightTracker{
		committed: initial,
		persisted: initial,
		committer: committer,
	}
	if maxInFlight > 0 {
		t.slots = make(chan struct{}, maxInFlight)
	}
	return t
}

// Register appends a ticket for an event whose NextPosition is next. It
// blocks while the in-flight limit is reached.
func (t *InFlightTracker) Register(ctx context.Context, next position.Position) (*Ticket, error) {
	if t.slots != nil {
		select {
		case t.slots <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextSeq++
	ticket := &Ticket{seq: t.nextSeq, next: next, submitted: time.Now()}
	t.tickets.PushBack(ticket)
	telemetry.InFlightMessages.Set(float64(t.tickets.Len()))
	return ticket, nil
}

// MarkComplete records a terminal outcome for the ticket. Safe to call from
// any goroutine; repeated calls are no-ops.
func (t *InFlightTracker) MarkComplete(ticket *Ticket) {
	t.mu.Lock()
	ticket.completed = true
	t.mu.Unlock()
}

// AdvanceCommitted retires the completed prefix of tickets. When the
// committed position moved, it is persisted through the committer and
// returned with advanced=true.
func (t *InFlightTracker) AdvanceCommitted(ctx context.Context) (position.Position, bool, error) {
	t.commitMu.Lock()
	defer t.commitMu.Unlock()

	t.mu.Lock()
	retired := 0
	for t.tickets.Len() > 0 {
		head := t.tickets.Front()
		if !head.completed {
			break
		}
		t.tickets.PopFront()
		retired++
		if head.next.AtLeast(t.committed) {
			t.committed = head.next
		} else {
			log.Warn().
				Str("position", head.next.String()).
				Str("committed", t.committed.String()).
				Msg("Ignoring regressing position on retired ticket")
		}
	}
	candidate := t.committed
	telemetry.InFlightMessages.Set(float64(t.tickets.Len()))
	t.mu.Unlock()

	t.release(retired)

	if candidate == t.persisted {
		return candidate, false, nil
	}

	if t.committer != nil {
		if err := t.committer.CommitPosition(ctx, candidate); err != nil {
			return t.persisted, false, fmt.Errorf("failed to persist position %s: %w", candidate, err)
		}
	}
	t.persisted = candidate
	telemetry.CommittedAdvancesTotal.Inc()
	telemetry.BinlogOffset.With("committed").Set(float64(candidate.Offset))

	log.Debug().Str("position", candidate.String()).Msg("Committed position advanced")
	return candidate, true, nil
}

func (t *InFlightTracker) release(n int) {
	if t.slots == nil {
		return
	}
	for i := 0; i < n; i++ {
		<-t.slots
	}
}

// Committed returns the in-memory committed position
func (t *InFlightTracker) Committed() position.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// Outstanding returns the number of unretired tickets
func (t *InFlightTracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tickets.Len()
}

// CheckAckTimeout returns ErrAckTimeout when the oldest incomplete ticket has
// been outstanding longer than timeout
func (t *InFlightTracker) CheckAckTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.tickets.Len() == 0 {
		return nil
	}
	head := t.tickets.Front()
	if head.completed {
		return nil
	}
	if age := time.Since(head.submitted); age > timeout {
		return fmt.Errorf("%w: message for %s outstanding for %s", ErrAckTimeout, head.next, age.Truncate(time.Millisecond))
	}
	return nil
}
