package matchmaking

import (
	"fmt"
	"sync"
	"time"
)

// Pairing names the two identities matched together and the room they should
// meet in. Players keeps arrival order: the longer-waiting identity first.
type Pairing struct {
	Players  [2]string
	RoomCode string
	PairedAt time.Time
}

// Opponent returns the other half of the pairing for the given identity.
func (p *Pairing) Opponent(identity string) string {
	if p == nil {
		return ""
	}
	if p.Players[0] == identity {
		return p.Players[1]
	}
	return p.Players[0]
}

// Option configures optional queue behaviour at construction time.
type Option func(*Queue)

// WithClock overrides the queue time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) {
		if clock != nil {
			q.now = clock
		}
	}
}

// Queue is a FIFO pool pairing waiting identities strictly by arrival order.
// An identity appears at most once; pairing removes both entries under the
// same lock as the append, so a double-pair cannot occur within one process.
type Queue struct {
	mu      sync.Mutex
	order   []string
	waiting map[string]time.Time
	now     func() time.Time
}

// NewQueue constructs an empty matchmaking queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		waiting: make(map[string]time.Time),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Join enqueues the identity and attempts a pairing. A repeat join while
// already queued is a no-op. The returned pairing is non-nil only when this
// join completed a pair; both paired identities have already been removed.
func (q *Queue) Join(identity string) *Pairing {
	if q == nil || identity == "" {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, queued := q.waiting[identity]; queued {
		return nil
	}
	now := q.now()
	q.waiting[identity] = now
	q.order = append(q.order, identity)

	if len(q.order) < 2 {
		return nil
	}
	//1.- Dequeue the two oldest entries in strict arrival order.
	first, second := q.order[0], q.order[1]
	q.order = q.order[2:]
	delete(q.waiting, first)
	delete(q.waiting, second)
	//2.- Derive the room code from both identities and the pairing timestamp.
	return &Pairing{
		Players:  [2]string{first, second},
		RoomCode: fmt.Sprintf("mmatch_%s_%s_%d", first, second, now.UnixMilli()),
		PairedAt: now,
	}
}

// Leave removes the identity from the queue. It reports whether an entry was
// actually removed; leaving while not queued is a no-op.
func (q *Queue) Leave(identity string) bool {
	if q == nil || identity == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, queued := q.waiting[identity]; !queued {
		return false
	}
	delete(q.waiting, identity)
	for i, queued := range q.order {
		if queued == identity {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return true
}

// Contains reports whether the identity is currently waiting.
func (q *Queue) Contains(identity string) bool {
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	_, queued := q.waiting[identity]
	return queued
}

// Len reports the number of waiting identities; exposed for metrics.
func (q *Queue) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
