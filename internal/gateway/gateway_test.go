package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"gridroyale/realtime/internal/auth"
	"gridroyale/realtime/internal/config"
	"gridroyale/realtime/internal/logging"
	"gridroyale/realtime/internal/matchmaking"
	"gridroyale/realtime/internal/presence"
	"gridroyale/realtime/internal/protocol"
	"gridroyale/realtime/internal/relay"
	"gridroyale/realtime/internal/rooms"
	"gridroyale/realtime/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxPayloadBytes: config.DefaultMaxPayloadBytes,
		PingInterval:    config.DefaultPingInterval,
		MaxConnections:  32,
		Chat:            config.RateConfig{Burst: config.DefaultChatBurst, Window: config.DefaultChatWindow},
		Action:          config.RateConfig{Burst: config.DefaultActionBurst, Window: config.DefaultActionWindow},
		Relay:           config.RateConfig{Burst: config.DefaultRelayBurst, Window: config.DefaultRelayWindow},
	}
}

type fixture struct {
	gateway *Gateway
	server  *httptest.Server
	queue   *matchmaking.Queue
	store   *store.Store
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := logging.NewTestLogger()
	st := store.NewStore(rdb)
	registry := rooms.NewRegistry()
	queue := matchmaking.NewQueue()
	gw := New(cfg, Deps{
		Resolver: auth.AllowAllResolver{},
		Presence: presence.NewTracker(st, logger),
		Queue:    queue,
		Rooms:    registry,
		Relay:    relay.NewRelay(registry, st, nil, logger),
		Store:    st,
		Logger:   logger,
	})
	server := httptest.NewServer(http.HandlerFunc(gw.ServeWS))
	t.Cleanup(server.Close)
	return &fixture{gateway: gw, server: server, queue: queue, store: st}
}

func (f *fixture) dial(t *testing.T, identity string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "?identity=" + identity
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial as %s: %v", identity, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// waitFor reads frames until one matches, skipping interleaved events.
func waitFor(t *testing.T, ws *websocket.Conn, match func(*protocol.Envelope) bool) *protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = ws.SetReadDeadline(deadline)
		_, raw, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode frame %s: %v", raw, err)
		}
		if match(&env) {
			return &env
		}
	}
}

func waitForAck(t *testing.T, ws *websocket.Conn, requestID string) protocol.Ack {
	t.Helper()
	env := waitFor(t, ws, func(env *protocol.Envelope) bool {
		return env.Event == protocol.EventAck && env.ID == requestID
	})
	var ack protocol.Ack
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	return ack
}

func TestUnauthenticatedHandshakeRejected(t *testing.T) {
	f := newFixture(t, testConfig())
	resolver, err := auth.NewTokenResolver("test-secret", 0)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	f.gateway.resolver = resolver

	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("handshake without a token should fail")
	}
}

func TestInvalidFramesAreDroppedOrRejected(t *testing.T) {
	f := newFixture(t, testConfig())
	ws := f.dial(t, "alice")

	// Malformed JSON is dropped without killing the connection.
	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// A schema violation with a request id gets a failed ack.
	send(t, ws, protocol.Envelope{
		Channel: protocol.ChannelFriends,
		Event:   protocol.EventFriendRequest,
		ID:      "bad1",
		Data:    json.RawMessage(`{}`),
	})
	ack := waitForAck(t, ws, "bad1")
	if ack.OK || ack.Error == "" {
		t.Fatalf("expected failed ack, got %+v", ack)
	}
	// An unknown channel with an id is also rejected with an ack.
	send(t, ws, protocol.Envelope{Channel: "weather", Event: "forecast", ID: "bad2"})
	if ack := waitForAck(t, ws, "bad2"); ack.OK {
		t.Fatalf("unknown channel accepted: %+v", ack)
	}
}

func TestChannelSubscriptionFiltersDelivery(t *testing.T) {
	f := newFixture(t, testConfig())
	alice := f.dial(t, "alice")
	// Bob only subscribes to chat; room traffic must not reach him, and frames
	// he sends on other channels are refused.
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "?identity=bob&channels=chat"
	bob, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = bob.Close() })

	send(t, bob, protocol.Envelope{Channel: protocol.ChannelMatchmaking, Event: protocol.EventQueueJoin, ID: "q1"})
	ack := waitForAck(t, bob, "q1")
	if ack.OK || ack.Error != "channel not subscribed" {
		t.Fatalf("unsubscribed channel accepted: %+v", ack)
	}

	// Chat still works both ways.
	data, _ := json.Marshal(protocol.DirectMessagePayload{To: "bob", Message: "hi"})
	send(t, alice, protocol.Envelope{Channel: protocol.ChannelChat, Event: protocol.EventChatMessage, ID: "m1", Data: data})
	if ack := waitForAck(t, alice, "m1"); !ack.OK {
		t.Fatalf("chat to filtered subscriber rejected: %+v", ack)
	}
	waitFor(t, bob, func(env *protocol.Envelope) bool {
		return env.Channel == protocol.ChannelChat && env.Event == protocol.EventChatMessage
	})
}

func TestMatchmakingPairsTwoPlayers(t *testing.T) {
	f := newFixture(t, testConfig())
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	send(t, alice, protocol.Envelope{Channel: protocol.ChannelMatchmaking, Event: protocol.EventQueueJoin, ID: "q1"})
	if ack := waitForAck(t, alice, "q1"); !ack.OK {
		t.Fatalf("queue join rejected: %+v", ack)
	}
	send(t, bob, protocol.Envelope{Channel: protocol.ChannelMatchmaking, Event: protocol.EventQueueJoin, ID: "q2"})

	for name, ws := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		env := waitFor(t, ws, func(env *protocol.Envelope) bool {
			return env.Channel == protocol.ChannelMatchmaking && env.Event == protocol.EventMatchFound
		})
		var found protocol.MatchFound
		if err := json.Unmarshal(env.Data, &found); err != nil {
			t.Fatalf("decode match for %s: %v", name, err)
		}
		if !strings.HasPrefix(found.Room, "mmatch_") {
			t.Fatalf("unexpected room code %q", found.Room)
		}
		want := "bob"
		if name == "bob" {
			want = "alice"
		}
		if found.Opponent != want {
			t.Fatalf("%s paired with %q, want %q", name, found.Opponent, want)
		}
	}
	if f.queue.Len() != 0 {
		t.Fatalf("queue should drain after pairing, len=%d", f.queue.Len())
	}
}

// assertSilent drains a connection briefly and fails on any room or game
// frame; presence chatter on other channels is ignored.
func assertSilent(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode frame %s: %v", raw, err)
		}
		if env.Channel == protocol.ChannelRoom || env.Channel == protocol.ChannelGame {
			t.Fatalf("outsider received %s/%s", env.Channel, env.Event)
		}
	}
}

func TestRoomAndGameRelayRoundTrip(t *testing.T) {
	f := newFixture(t, testConfig())
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")
	carol := f.dial(t, "carol")

	send(t, alice, protocol.Envelope{Channel: protocol.ChannelRoom, Event: protocol.EventRoomCreate, ID: "r1"})
	ack := waitForAck(t, alice, "r1")
	if !ack.OK {
		t.Fatalf("room create rejected: %+v", ack)
	}
	var created struct {
		Code    string   `json:"code"`
		Members []string `json:"members"`
	}
	if err := json.Unmarshal(ack.Data, &created); err != nil {
		t.Fatalf("decode create ack: %v", err)
	}
	if created.Code == "" || len(created.Members) != 1 {
		t.Fatalf("unexpected create result %+v", created)
	}

	joinData, _ := json.Marshal(protocol.RoomRefPayload{Code: created.Code})
	send(t, bob, protocol.Envelope{Channel: protocol.ChannelRoom, Event: protocol.EventRoomJoin, ID: "r2", Data: joinData})

	// The joined broadcast reaches the whole room, the newcomer included.
	for name, ws := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		env := waitFor(t, ws, func(env *protocol.Envelope) bool {
			return env.Channel == protocol.ChannelRoom && env.Event == protocol.EventRoomJoined
		})
		var joined protocol.RoomMember
		if err := json.Unmarshal(env.Data, &joined); err != nil {
			t.Fatalf("decode joined event for %s: %v", name, err)
		}
		if joined.Identity != "bob" {
			t.Fatalf("joined identity %q, want bob", joined.Identity)
		}
	}
	if ack := waitForAck(t, bob, "r2"); !ack.OK {
		t.Fatalf("room join rejected: %+v", ack)
	}

	// A state frame reaches the other member but never echoes to the sender.
	stateData, _ := json.Marshal(protocol.GameEventPayload{
		RoomCode: created.Code,
		Payload:  json.RawMessage(`{"board":["cat"]}`),
	})
	send(t, alice, protocol.Envelope{Channel: protocol.ChannelGame, Event: protocol.EventGameState, ID: "g1", Data: stateData})
	relayed := waitFor(t, bob, func(env *protocol.Envelope) bool {
		return env.Channel == protocol.ChannelGame && env.Event == protocol.EventGameState
	})
	var frame protocol.RelayedEvent
	if err := json.Unmarshal(relayed.Data, &frame); err != nil {
		t.Fatalf("decode relayed frame: %v", err)
	}
	if frame.Identity != "alice" || string(frame.State) != `{"board":["cat"]}` {
		t.Fatalf("unexpected relayed frame %+v", frame)
	}
	if ack := waitForAck(t, alice, "g1"); !ack.OK {
		t.Fatalf("state relay rejected: %+v", ack)
	}

	// The end announcement reaches everyone, reporter included.
	endData, _ := json.Marshal(protocol.GameEndPayload{
		RoomCode: created.Code,
		Result:   json.RawMessage(`{"winner":"bob"}`),
	})
	send(t, bob, protocol.Envelope{Channel: protocol.ChannelGame, Event: protocol.EventGameEnd, ID: "g2", Data: endData})
	for name, ws := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		env := waitFor(t, ws, func(env *protocol.Envelope) bool {
			return env.Channel == protocol.ChannelGame && env.Event == protocol.EventGameEnd
		})
		var end protocol.RelayedEvent
		if err := json.Unmarshal(env.Data, &end); err != nil {
			t.Fatalf("decode end for %s: %v", name, err)
		}
		if end.Identity != "bob" {
			t.Fatalf("end reporter %q, want bob", end.Identity)
		}
	}

	// Nobody outside the room hears any of it.
	assertSilent(t, carol)
}

func TestGameRelayRejectsNonMember(t *testing.T) {
	f := newFixture(t, testConfig())
	alice := f.dial(t, "alice")
	mallory := f.dial(t, "mallory")

	send(t, alice, protocol.Envelope{Channel: protocol.ChannelRoom, Event: protocol.EventRoomCreate, ID: "r1"})
	ack := waitForAck(t, alice, "r1")
	var created struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(ack.Data, &created); err != nil {
		t.Fatalf("decode create ack: %v", err)
	}

	stateData, _ := json.Marshal(protocol.GameEventPayload{
		RoomCode: created.Code,
		Payload:  json.RawMessage(`{}`),
	})
	send(t, mallory, protocol.Envelope{Channel: protocol.ChannelGame, Event: protocol.EventGameState, ID: "g1", Data: stateData})
	if ack := waitForAck(t, mallory, "g1"); ack.OK {
		t.Fatal("non-member relay should be rejected")
	}
}

func TestDirectChatDelivery(t *testing.T) {
	f := newFixture(t, testConfig())
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	data, _ := json.Marshal(protocol.DirectMessagePayload{To: "bob", Message: "hi"})
	send(t, alice, protocol.Envelope{Channel: protocol.ChannelChat, Event: protocol.EventChatMessage, ID: "m1", Data: data})

	if ack := waitForAck(t, alice, "m1"); !ack.OK {
		t.Fatalf("chat message rejected: %+v", ack)
	}
	env := waitFor(t, bob, func(env *protocol.Envelope) bool {
		return env.Channel == protocol.ChannelChat && env.Event == protocol.EventChatMessage
	})
	var message store.Message
	if err := json.Unmarshal(env.Data, &message); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if message.From != "alice" || message.Body != "hi" {
		t.Fatalf("unexpected message %+v", message)
	}

	// An offline recipient still gets a successful ack: persistence covers them.
	offline, _ := json.Marshal(protocol.DirectMessagePayload{To: "carol", Message: "later"})
	send(t, alice, protocol.Envelope{Channel: protocol.ChannelChat, Event: protocol.EventChatMessage, ID: "m2", Data: offline})
	if ack := waitForAck(t, alice, "m2"); !ack.OK {
		t.Fatalf("message to offline recipient rejected: %+v", ack)
	}
}

func TestChatRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Chat = config.RateConfig{Burst: 2, Window: time.Hour}
	f := newFixture(t, cfg)
	alice := f.dial(t, "alice")

	data, _ := json.Marshal(protocol.DirectMessagePayload{To: "bob", Message: "spam"})
	for i, id := range []string{"m1", "m2"} {
		send(t, alice, protocol.Envelope{Channel: protocol.ChannelChat, Event: protocol.EventChatMessage, ID: id, Data: data})
		if ack := waitForAck(t, alice, id); !ack.OK {
			t.Fatalf("message %d within budget rejected: %+v", i, ack)
		}
	}
	send(t, alice, protocol.Envelope{Channel: protocol.ChannelChat, Event: protocol.EventChatMessage, ID: "m3", Data: data})
	ack := waitForAck(t, alice, "m3")
	if ack.OK || ack.Error != rateLimitMessage {
		t.Fatalf("expected rate limit rejection, got %+v", ack)
	}
}

func TestFriendRequestFlow(t *testing.T) {
	f := newFixture(t, testConfig())
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	reqData, _ := json.Marshal(protocol.FriendRequestPayload{To: "bob"})
	send(t, alice, protocol.Envelope{Channel: protocol.ChannelFriends, Event: protocol.EventFriendRequest, ID: "f1", Data: reqData})
	if ack := waitForAck(t, alice, "f1"); !ack.OK {
		t.Fatalf("friend request rejected: %+v", ack)
	}

	env := waitFor(t, bob, func(env *protocol.Envelope) bool {
		return env.Channel == protocol.ChannelFriends && env.Event == protocol.EventFriendRequestReceived
	})
	var request store.FriendRequest
	if err := json.Unmarshal(env.Data, &request); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if request.From != "alice" {
		t.Fatalf("request from %q, want alice", request.From)
	}

	acceptData, _ := json.Marshal(protocol.FriendAcceptPayload{RequestID: request.ID})
	send(t, bob, protocol.Envelope{Channel: protocol.ChannelFriends, Event: protocol.EventFriendAccept, ID: "f2", Data: acceptData})
	if ack := waitForAck(t, bob, "f2"); !ack.OK {
		t.Fatalf("accept rejected: %+v", ack)
	}
	accepted := waitFor(t, alice, func(env *protocol.Envelope) bool {
		return env.Channel == protocol.ChannelFriends && env.Event == protocol.EventFriendAccepted
	})
	var who identityRef
	if err := json.Unmarshal(accepted.Data, &who); err != nil {
		t.Fatalf("decode accepted: %v", err)
	}
	if who.Identity != "bob" {
		t.Fatalf("accepted by %q, want bob", who.Identity)
	}
}

// The requester learns the request id from their own ack; that alone must not
// let them accept it for the recipient.
func TestFriendRequestCannotBeSelfAccepted(t *testing.T) {
	f := newFixture(t, testConfig())
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	reqData, _ := json.Marshal(protocol.FriendRequestPayload{To: "bob"})
	send(t, alice, protocol.Envelope{Channel: protocol.ChannelFriends, Event: protocol.EventFriendRequest, ID: "f1", Data: reqData})
	ack := waitForAck(t, alice, "f1")
	if !ack.OK {
		t.Fatalf("friend request rejected: %+v", ack)
	}
	var request store.FriendRequest
	if err := json.Unmarshal(ack.Data, &request); err != nil {
		t.Fatalf("decode request from ack: %v", err)
	}

	acceptData, _ := json.Marshal(protocol.FriendAcceptPayload{RequestID: request.ID})
	send(t, alice, protocol.Envelope{Channel: protocol.ChannelFriends, Event: protocol.EventFriendAccept, ID: "f2", Data: acceptData})
	if ack := waitForAck(t, alice, "f2"); ack.OK || ack.Error != "not the request recipient" {
		t.Fatalf("self-accept should be refused, got %+v", ack)
	}

	//1.- The refusal must leave no friendship edge behind.
	friends, err := f.store.Friends(context.Background(), "alice")
	if err != nil {
		t.Fatalf("list friends: %v", err)
	}
	if len(friends) != 0 {
		t.Fatalf("self-accept created friends %v", friends)
	}

	//2.- The request survives for the real recipient.
	send(t, bob, protocol.Envelope{Channel: protocol.ChannelFriends, Event: protocol.EventFriendAccept, ID: "f3", Data: acceptData})
	if ack := waitForAck(t, bob, "f3"); !ack.OK {
		t.Fatalf("recipient accept rejected: %+v", ack)
	}
}

func TestDisconnectCleansRoomAndQueue(t *testing.T) {
	f := newFixture(t, testConfig())
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	send(t, alice, protocol.Envelope{Channel: protocol.ChannelRoom, Event: protocol.EventRoomCreate, ID: "r1"})
	ack := waitForAck(t, alice, "r1")
	var created struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(ack.Data, &created); err != nil {
		t.Fatalf("decode create ack: %v", err)
	}
	joinData, _ := json.Marshal(protocol.RoomRefPayload{Code: created.Code})
	send(t, bob, protocol.Envelope{Channel: protocol.ChannelRoom, Event: protocol.EventRoomJoin, ID: "r2", Data: joinData})
	if ack := waitForAck(t, bob, "r2"); !ack.OK {
		t.Fatalf("join rejected: %+v", ack)
	}
	send(t, alice, protocol.Envelope{Channel: protocol.ChannelMatchmaking, Event: protocol.EventQueueJoin, ID: "q1"})
	if ack := waitForAck(t, alice, "q1"); !ack.OK {
		t.Fatalf("queue join rejected: %+v", ack)
	}

	_ = alice.Close()

	env := waitFor(t, bob, func(env *protocol.Envelope) bool {
		return env.Channel == protocol.ChannelRoom && env.Event == protocol.EventRoomLeft
	})
	var left protocol.RoomMember
	if err := json.Unmarshal(env.Data, &left); err != nil {
		t.Fatalf("decode left event: %v", err)
	}
	if left.Identity != "alice" {
		t.Fatalf("left identity %q, want alice", left.Identity)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.queue.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("queue entry survived disconnect, len=%d", f.queue.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAchievementsList(t *testing.T) {
	f := newFixture(t, testConfig())
	alice := f.dial(t, "alice")

	if err := f.store.UnlockAchievement(context.Background(), "alice", "first-win"); err != nil {
		t.Fatalf("seed achievement: %v", err)
	}
	send(t, alice, protocol.Envelope{Channel: protocol.ChannelAchievements, Event: protocol.EventAchievementList, ID: "a1"})
	ack := waitForAck(t, alice, "a1")
	if !ack.OK {
		t.Fatalf("list rejected: %+v", ack)
	}
	var listed struct {
		Achievements []store.Achievement `json:"achievements"`
	}
	if err := json.Unmarshal(ack.Data, &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Achievements) != 1 || listed.Achievements[0].ID != "first-win" {
		t.Fatalf("unexpected achievements %+v", listed.Achievements)
	}
}

// A room broadcast can race connection teardown; the stale subscriber must be
// skipped, never crash the broadcaster.
func TestBroadcastAfterTeardownDropsFrame(t *testing.T) {
	f := newFixture(t, testConfig())
	registry := rooms.NewRegistry()
	c := &conn{id: "c1", identity: "alice", send: make(chan []byte, 4), gw: f.gateway}
	registry.Join("grid-test", c.id, c.identity, c)

	c.closeSend()

	env, err := protocol.NewServerEvent(protocol.ChannelRoom, protocol.EventRoomJoined, identityRef{Identity: "bob"})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	registry.Broadcast("grid-test", env, "")

	if c.enqueue([]byte("{}")) {
		t.Fatal("enqueue after teardown should report a drop")
	}
	// closeSend stays idempotent even when enqueue lost the race.
	c.closeSend()
}

func TestConnectionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	f := newFixture(t, cfg)
	f.dial(t, "alice")

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "?identity=bob"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial beyond the connection limit should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %+v", resp)
	}
}
