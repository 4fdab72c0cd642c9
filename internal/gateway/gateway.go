package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gridroyale/realtime/internal/auth"
	"gridroyale/realtime/internal/config"
	"gridroyale/realtime/internal/logging"
	"gridroyale/realtime/internal/matchmaking"
	"gridroyale/realtime/internal/presence"
	"gridroyale/realtime/internal/protocol"
	"gridroyale/realtime/internal/ratelimit"
	"gridroyale/realtime/internal/relay"
	"gridroyale/realtime/internal/rooms"
	"gridroyale/realtime/internal/store"
)

const rateLimitMessage = "rate limit exceeded"

// Persistence is the storage surface the gateway's channel handlers need.
// *store.Store satisfies it.
type Persistence interface {
	CreateFriendRequest(ctx context.Context, from, to string) (*store.FriendRequest, error)
	AcceptFriendRequest(ctx context.Context, requestID, recipient string) (*store.FriendRequest, error)
	RemoveFriend(ctx context.Context, identity, friend string) error
	Friends(ctx context.Context, identity string) ([]string, error)
	SaveDirectMessage(ctx context.Context, from, to, body string) (*store.Message, error)
	SaveGroupMessage(ctx context.Context, from, groupID, body string) (*store.Message, error)
	GroupMembers(ctx context.Context, groupID string) ([]string, error)
	MarkNotificationRead(ctx context.Context, identity, notificationID string) error
	Achievements(ctx context.Context, identity string) ([]store.Achievement, error)
}

// Gateway owns the WebSocket surface: it resolves identities, multiplexes the
// per-channel protocol, and routes frames to the matchmaking queue, the room
// registry, and the game relay.
type Gateway struct {
	resolver auth.Resolver
	presence *presence.Tracker
	queue    *matchmaking.Queue
	rooms    *rooms.Registry
	relay    *relay.Relay
	store    Persistence
	logger   *logging.Logger

	chatLimit   *ratelimit.Limiter
	actionLimit *ratelimit.Limiter
	relayLimit  *ratelimit.Limiter

	upgrader        websocket.Upgrader
	maxPayloadBytes int64
	pingInterval    time.Duration
	maxConnections  int

	mu         sync.Mutex
	conns      map[string]*conn
	byIdentity map[string]map[string]*conn

	broadcasts atomic.Int64
}

// Deps bundles the collaborators a Gateway needs.
type Deps struct {
	Resolver auth.Resolver
	Presence *presence.Tracker
	Queue    *matchmaking.Queue
	Rooms    *rooms.Registry
	Relay    *relay.Relay
	Store    Persistence
	Logger   *logging.Logger
}

// New builds a gateway from its configuration and collaborators.
func New(cfg *config.Config, deps Deps) *Gateway {
	gw := &Gateway{
		resolver:        deps.Resolver,
		presence:        deps.Presence,
		queue:           deps.Queue,
		rooms:           deps.Rooms,
		relay:           deps.Relay,
		store:           deps.Store,
		logger:          deps.Logger,
		chatLimit:       ratelimit.NewLimiter(cfg.Chat.Window, cfg.Chat.Burst, nil),
		actionLimit:     ratelimit.NewLimiter(cfg.Action.Window, cfg.Action.Burst, nil),
		relayLimit:      ratelimit.NewLimiter(cfg.Relay.Window, cfg.Relay.Burst, nil),
		maxPayloadBytes: cfg.MaxPayloadBytes,
		pingInterval:    cfg.PingInterval,
		maxConnections:  cfg.MaxConnections,
		conns:           make(map[string]*conn),
		byIdentity:      make(map[string]map[string]*conn),
	}
	gw.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	if gw.logger == nil {
		gw.logger = logging.L()
	}
	return gw
}

// parseChannels turns the comma-separated channels query parameter into a
// subscription set. Empty input means every channel.
func parseChannels(raw string) map[string]struct{} {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	subscribed := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		if channel := strings.TrimSpace(part); channel != "" {
			subscribed[channel] = struct{}{}
		}
	}
	if len(subscribed) == 0 {
		return nil
	}
	return subscribed
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	permitted := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		permitted[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := permitted[origin]
		return ok
	}
}

// ServeWS upgrades an HTTP request into a managed WebSocket connection.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	//1.- Refuse new sockets once the connection cap is reached.
	if g.maxConnections > 0 && g.Connections() >= g.maxConnections {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}
	//2.- Resolve the caller's identity before committing to the upgrade.
	identity, err := g.resolver.Resolve(r)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrMissingToken) {
			status = http.StatusBadRequest
		}
		http.Error(w, "authentication failed", status)
		return
	}
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	//3.- Register the connection and announce presence if this is the first one.
	c := &conn{
		id:       uuid.NewString(),
		identity: identity.ID,
		ws:       ws,
		send:     make(chan []byte, 256),
		gw:       g,
		channels: parseChannels(r.URL.Query().Get("channels")),
	}
	g.mu.Lock()
	g.conns[c.id] = c
	peers, ok := g.byIdentity[c.identity]
	if !ok {
		peers = make(map[string]*conn)
		g.byIdentity[c.identity] = peers
	}
	peers[c.id] = c
	g.mu.Unlock()

	ctx := r.Context()
	if g.presence.Connect(context.WithoutCancel(ctx), c.identity) {
		g.announcePresence(c.identity, true)
	}
	g.logger.Info("connection open",
		logging.String("conn", c.id),
		logging.String("identity", c.identity))

	go c.writePump()
	go c.readPump()
}

// disconnect tears down one connection exactly once: registry membership,
// queue entry, and presence all release here.
func (g *Gateway) disconnect(c *conn) {
	c.closeOnce.Do(func() {
		g.mu.Lock()
		delete(g.conns, c.id)
		if peers, ok := g.byIdentity[c.identity]; ok {
			delete(peers, c.id)
			if len(peers) == 0 {
				delete(g.byIdentity, c.identity)
			}
		}
		g.mu.Unlock()
		c.closeSend()
		_ = c.ws.Close()

		//1.- Leave every room this connection was in and tell the remaining members.
		for _, departure := range g.rooms.DropConnection(c.id) {
			g.announceRoomChange(departure.Code, protocol.EventRoomLeft, c.identity, "")
			if len(g.rooms.Members(departure.Code)) == 0 {
				g.relay.CloseJournal(departure.Code)
			}
		}
		//2.- Queue membership and presence are identity-level; release them only
		// when the last connection drops.
		ctx := context.Background()
		if !g.hasConnections(c.identity) {
			g.queue.Leave(c.identity)
			if g.presence.Disconnect(ctx, c.identity) {
				g.announcePresence(c.identity, false)
			}
		} else {
			g.presence.Disconnect(ctx, c.identity)
		}
		g.logger.Info("connection closed",
			logging.String("conn", c.id),
			logging.String("identity", c.identity))
	})
}

func (g *Gateway) hasConnections(identity string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.byIdentity[identity]) > 0
}

// DeliverTo implements bridge.Sink: it enqueues the envelope on every live
// connection of the identity and reports how many received it.
func (g *Gateway) DeliverTo(identity string, env *protocol.Envelope) int {
	raw, err := env.Encode()
	if err != nil {
		return 0
	}
	g.mu.Lock()
	targets := make([]*conn, 0, len(g.byIdentity[identity]))
	for _, c := range g.byIdentity[identity] {
		targets = append(targets, c)
	}
	g.mu.Unlock()
	delivered := 0
	for _, c := range targets {
		if !c.subscribed(env.Channel) && env.Event != protocol.EventAck {
			continue
		}
		if c.enqueue(raw) {
			delivered++
		}
	}
	if delivered > 0 {
		g.broadcasts.Add(1)
	}
	return delivered
}

// Connections reports the number of live WebSocket connections.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// IdentitiesOnline reports the number of distinct identities connected.
func (g *Gateway) IdentitiesOnline() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.byIdentity)
}

// Broadcasts reports the number of targeted deliveries since start.
func (g *Gateway) Broadcasts() int64 { return g.broadcasts.Load() }

// SweepLimiters drops idle rate-limit buckets; called by the janitor.
func (g *Gateway) SweepLimiters() {
	g.chatLimit.Sweep()
	g.actionLimit.Sweep()
	g.relayLimit.Sweep()
}

func (g *Gateway) announcePresence(identity string, online bool) {
	if g.store == nil {
		return
	}
	friends, err := g.store.Friends(context.Background(), identity)
	if err != nil {
		g.logger.Warn("presence fan-out skipped",
			logging.String("identity", identity),
			logging.Error(err))
		return
	}
	env, err := protocol.NewServerEvent(protocol.ChannelFriends, protocol.EventPresenceStatus, protocol.PresenceStatus{
		Identity: identity,
		Online:   online,
	})
	if err != nil {
		return
	}
	//1.- The identity's own connection set hears the status too, so every tab agrees.
	g.DeliverTo(identity, env)
	for _, friend := range friends {
		g.DeliverTo(friend, env)
	}
}

func (g *Gateway) announceRoomChange(code, event, identity, excludeConnID string) {
	env, err := protocol.NewServerEvent(protocol.ChannelRoom, event, protocol.RoomMember{Identity: identity})
	if err != nil {
		return
	}
	if g.rooms.Broadcast(code, env, excludeConnID) > 0 {
		g.broadcasts.Add(1)
	}
}
