package presence

import (
	"context"
	"sort"
	"sync"

	"gridroyale/realtime/internal/logging"
)

// ActivityRecorder persists last-active timestamps. Persistence failures are
// tolerated: presence state is authoritative in memory.
type ActivityRecorder interface {
	TouchLastActive(ctx context.Context, identity string) error
}

// Tracker maintains refcounted online state per identity. An identity with
// several concurrent connections stays online until the last one drops.
type Tracker struct {
	mu       sync.Mutex
	counts   map[string]int
	recorder ActivityRecorder
	logger   *logging.Logger
}

// NewTracker builds a tracker. The recorder may be nil when no persistence
// backend is attached.
func NewTracker(recorder ActivityRecorder, logger *logging.Logger) *Tracker {
	return &Tracker{
		counts:   make(map[string]int),
		recorder: recorder,
		logger:   logger,
	}
}

// Connect registers one connection for the identity and reports whether the
// identity transitioned from offline to online.
func (t *Tracker) Connect(ctx context.Context, identity string) bool {
	if t == nil || identity == "" {
		return false
	}
	//1.- Bump the refcount and detect the offline-to-online edge.
	t.mu.Lock()
	t.counts[identity]++
	becameOnline := t.counts[identity] == 1
	t.mu.Unlock()
	//2.- Record activity outside the lock; a storage hiccup must not block presence.
	t.touch(ctx, identity)
	return becameOnline
}

// Disconnect releases one connection for the identity and reports whether the
// identity transitioned from online to offline.
func (t *Tracker) Disconnect(ctx context.Context, identity string) bool {
	if t == nil || identity == "" {
		return false
	}
	t.mu.Lock()
	count, ok := t.counts[identity]
	if !ok {
		t.mu.Unlock()
		return false
	}
	count--
	becameOffline := count <= 0
	if becameOffline {
		delete(t.counts, identity)
	} else {
		t.counts[identity] = count
	}
	t.mu.Unlock()
	t.touch(ctx, identity)
	return becameOffline
}

func (t *Tracker) touch(ctx context.Context, identity string) {
	if t.recorder == nil {
		return
	}
	if err := t.recorder.TouchLastActive(ctx, identity); err != nil && t.logger != nil {
		t.logger.Warn("last-active write failed",
			logging.String("identity", identity),
			logging.Error(err))
	}
}

// Online reports whether the identity has at least one live connection.
func (t *Tracker) Online(identity string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[identity] > 0
}

// Snapshot lists the online identities sorted for deterministic output.
func (t *Tracker) Snapshot() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	identities := make([]string, 0, len(t.counts))
	for identity := range t.counts {
		identities = append(identities, identity)
	}
	t.mu.Unlock()
	sort.Strings(identities)
	return identities
}

// Count returns the number of identities currently online.
func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}
