package rooms

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gridroyale/realtime/internal/protocol"
)

// Subscriber receives frames broadcast to a room. The gateway's connection
// type implements it; tests supply fakes.
type Subscriber interface {
	Deliver(env *protocol.Envelope)
}

// Departure records a membership loss caused by a dropped connection so the
// caller can broadcast the matching left event.
type Departure struct {
	Code     string
	Identity string
}

type member struct {
	identity string
	sub      Subscriber
}

type room struct {
	members    map[string]member
	lastActive time.Time
}

// Option configures optional registry behaviour at construction time.
type Option func(*Registry)

// WithClock overrides the registry time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithIdleTTL overrides how long a quiet room survives before the janitor
// reclaims it. Zero disables idle expiry.
func WithIdleTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl >= 0 {
			r.idleTTL = ttl
		}
	}
}

// Registry owns the mapping from room code to member set. Join and leave for
// a given code serialize on the registry lock so membership broadcasts always
// reflect actual membership. Rooms are created implicitly on first reference
// and deleted as soon as their membership reaches zero.
type Registry struct {
	mu      sync.Mutex
	rooms   map[string]*room
	now     func() time.Time
	idleTTL time.Duration
}

// NewRegistry constructs an empty room registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		rooms: make(map[string]*room),
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// NewCode generates a collision-resistant room code for callers that did not
// supply their own.
func NewCode() string {
	return "grid-" + strings.Split(uuid.NewString(), "-")[0]
}

// Join adds the connection to the room, creating the room when absent, and
// returns the member identities after the join. Re-joining with the same
// connection refreshes the subscriber without duplicating membership.
func (r *Registry) Join(code, connID, identity string, sub Subscriber) []string {
	if r == nil || code == "" || connID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[code]
	if !ok {
		rm = &room{members: make(map[string]member)}
		r.rooms[code] = rm
	}
	rm.members[connID] = member{identity: identity, sub: sub}
	rm.lastActive = r.now()
	return membersLocked(rm)
}

// Leave removes the connection from the room and reports the identity that
// departed. The room is deleted once its last member leaves.
func (r *Registry) Leave(code, connID string) (string, bool) {
	if r == nil {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[code]
	if !ok {
		return "", false
	}
	m, ok := rm.members[connID]
	if !ok {
		return "", false
	}
	delete(rm.members, connID)
	rm.lastActive = r.now()
	if len(rm.members) == 0 {
		delete(r.rooms, code)
	}
	return m.identity, true
}

// DropConnection removes the connection from every room it joined, returning
// one departure per room so the gateway can broadcast left events on abrupt
// disconnects as well as explicit leaves.
func (r *Registry) DropConnection(connID string) []Departure {
	if r == nil || connID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var departures []Departure
	for code, rm := range r.rooms {
		m, ok := rm.members[connID]
		if !ok {
			continue
		}
		delete(rm.members, connID)
		rm.lastActive = r.now()
		departures = append(departures, Departure{Code: code, Identity: m.identity})
		if len(rm.members) == 0 {
			delete(r.rooms, code)
		}
	}
	sort.Slice(departures, func(i, j int) bool { return departures[i].Code < departures[j].Code })
	return departures
}

// Broadcast delivers the frame to every member connection of the room except
// the excluded one. Pass an empty exclusion to reach the entire room. The
// number of deliveries is returned.
func (r *Registry) Broadcast(code string, env *protocol.Envelope, excludeConnID string) int {
	if r == nil || env == nil {
		return 0
	}
	r.mu.Lock()
	rm, ok := r.rooms[code]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	rm.lastActive = r.now()
	//1.- Snapshot subscribers under the lock, deliver outside it.
	targets := make([]Subscriber, 0, len(rm.members))
	for connID, m := range rm.members {
		if connID == excludeConnID || m.sub == nil {
			continue
		}
		targets = append(targets, m.sub)
	}
	r.mu.Unlock()

	for _, sub := range targets {
		sub.Deliver(env)
	}
	return len(targets)
}

// Members returns the sorted identities currently in the room.
func (r *Registry) Members(code string) []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[code]
	if !ok {
		return nil
	}
	return membersLocked(rm)
}

// Contains reports whether the connection is currently a member of the room.
func (r *Registry) Contains(code, connID string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[code]
	if !ok {
		return false
	}
	_, ok = rm.members[connID]
	return ok
}

// Len reports the number of live rooms; exposed for metrics.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// SweepIdle deletes rooms that saw no traffic within the idle TTL and reports
// how many were reclaimed. Empty rooms never reach the sweep because they are
// deleted eagerly, so this guards against members that stopped sending
// without disconnecting.
func (r *Registry) SweepIdle() int {
	if r == nil || r.idleTTL <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.idleTTL)
	reclaimed := 0
	for code, rm := range r.rooms {
		if rm.lastActive.Before(cutoff) {
			delete(r.rooms, code)
			reclaimed++
		}
	}
	return reclaimed
}

func membersLocked(rm *room) []string {
	seen := make(map[string]struct{}, len(rm.members))
	identities := make([]string, 0, len(rm.members))
	for _, m := range rm.members {
		if _, dup := seen[m.identity]; dup {
			continue
		}
		seen[m.identity] = struct{}{}
		identities = append(identities, m.identity)
	}
	sort.Strings(identities)
	return identities
}
