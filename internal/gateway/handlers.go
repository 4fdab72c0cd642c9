package gateway

import (
	"context"
	"errors"
	"fmt"

	"gridroyale/realtime/internal/logging"
	"gridroyale/realtime/internal/protocol"
	"gridroyale/realtime/internal/ratelimit"
	"gridroyale/realtime/internal/relay"
	"gridroyale/realtime/internal/rooms"
	"gridroyale/realtime/internal/store"
)

type identityRef struct {
	Identity string `json:"identity"`
}

// handleFrame routes one inbound frame: schema validation, rate limiting,
// channel dispatch, then the acknowledgement when the request carried an id.
// Failures on requests without an id are dropped, not acked.
func (g *Gateway) handleFrame(c *conn, raw []byte) {
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		g.logger.Debug("malformed frame dropped",
			logging.String("conn", c.id),
			logging.Error(err))
		return
	}
	if !c.subscribed(env.Channel) {
		g.fail(c, env, "channel not subscribed")
		return
	}
	payload, err := protocol.DecodeClientPayload(env)
	if err != nil {
		g.fail(c, env, err.Error())
		return
	}
	//1.- A denied request consumes no budget and still gets a definite answer.
	if limiter := g.limiterFor(env); limiter != nil {
		key := c.identity + ":" + env.Channel + ":" + env.Event
		if !limiter.Allow(key) {
			g.fail(c, env, rateLimitMessage)
			return
		}
	}
	//2.- Last-active persists once per connect; frames only refresh read deadlines.
	ctx := context.Background()
	result, err := g.dispatch(ctx, c, env, payload)
	if err != nil {
		g.fail(c, env, err.Error())
		return
	}
	//3.- Typing indicators are fire-and-forget; everything else acks on request.
	if env.ID == "" || (env.Channel == protocol.ChannelChat && env.Event == protocol.EventChatTyping) {
		return
	}
	ack, err := protocol.NewAck(env.Channel, env.ID, result)
	if err != nil {
		g.fail(c, env, "internal error")
		return
	}
	c.Deliver(ack)
}

func (g *Gateway) fail(c *conn, env *protocol.Envelope, message string) {
	if env.ID == "" {
		return
	}
	c.Deliver(protocol.NewErrorAck(env.Channel, env.ID, message))
}

func (g *Gateway) limiterFor(env *protocol.Envelope) *ratelimit.Limiter {
	switch env.Channel {
	case protocol.ChannelChat:
		if env.Event == protocol.EventChatTyping {
			return nil
		}
		return g.chatLimit
	case protocol.ChannelGame:
		return g.relayLimit
	case protocol.ChannelFriends, protocol.ChannelMatchmaking, protocol.ChannelRoom,
		protocol.ChannelNotifications, protocol.ChannelAchievements:
		return g.actionLimit
	}
	return nil
}

func (g *Gateway) dispatch(ctx context.Context, c *conn, env *protocol.Envelope, payload any) (any, error) {
	switch env.Channel {
	case protocol.ChannelFriends:
		return g.handleFriends(ctx, c, env.Event, payload)
	case protocol.ChannelChat:
		return g.handleChat(ctx, c, env.Event, payload)
	case protocol.ChannelMatchmaking:
		return g.handleMatchmaking(c, env.Event)
	case protocol.ChannelRoom:
		return g.handleRoom(c, env.Event, payload.(*protocol.RoomRefPayload))
	case protocol.ChannelGame:
		return g.handleGame(ctx, c, env.Event, payload)
	case protocol.ChannelNotifications:
		p := payload.(*protocol.NotificationReadPayload)
		if err := g.store.MarkNotificationRead(ctx, c.identity, p.NotificationID); err != nil {
			return nil, fmt.Errorf("mark notification read: %w", err)
		}
		return nil, nil
	case protocol.ChannelAchievements:
		unlocked, err := g.store.Achievements(ctx, c.identity)
		if err != nil {
			return nil, fmt.Errorf("list achievements: %w", err)
		}
		return struct {
			Achievements []store.Achievement `json:"achievements"`
		}{Achievements: unlocked}, nil
	}
	return nil, protocol.ErrUnknownChannel
}

func (g *Gateway) handleFriends(ctx context.Context, c *conn, event string, payload any) (any, error) {
	switch event {
	case protocol.EventFriendRequest:
		p := payload.(*protocol.FriendRequestPayload)
		if p.To == c.identity {
			return nil, errors.New("cannot befriend yourself")
		}
		request, err := g.store.CreateFriendRequest(ctx, c.identity, p.To)
		if errors.Is(err, store.ErrDuplicateRequest) {
			return nil, errors.New("request already pending")
		}
		if err != nil {
			return nil, fmt.Errorf("create friend request: %w", err)
		}
		g.notify(p.To, protocol.ChannelFriends, protocol.EventFriendRequestReceived, request)
		return request, nil

	case protocol.EventFriendAccept:
		p := payload.(*protocol.FriendAcceptPayload)
		request, err := g.store.AcceptFriendRequest(ctx, p.RequestID, c.identity)
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.New("request not found")
		}
		if errors.Is(err, store.ErrNotRecipient) {
			return nil, err
		}
		if err != nil {
			return nil, fmt.Errorf("accept friend request: %w", err)
		}
		g.notify(request.From, protocol.ChannelFriends, protocol.EventFriendAccepted, identityRef{Identity: request.To})
		return request, nil

	case protocol.EventFriendRemove:
		p := payload.(*protocol.FriendRemovePayload)
		if err := g.store.RemoveFriend(ctx, c.identity, p.Friend); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, errors.New("not friends")
			}
			return nil, fmt.Errorf("remove friend: %w", err)
		}
		g.notify(p.Friend, protocol.ChannelFriends, protocol.EventFriendRemoved, identityRef{Identity: c.identity})
		return nil, nil
	}
	return nil, protocol.ErrUnknownEvent
}

func (g *Gateway) handleChat(ctx context.Context, c *conn, event string, payload any) (any, error) {
	switch event {
	case protocol.EventChatMessage:
		p := payload.(*protocol.DirectMessagePayload)
		message, err := g.store.SaveDirectMessage(ctx, c.identity, p.To, p.Message)
		if err != nil {
			return nil, fmt.Errorf("save message: %w", err)
		}
		// Offline recipients read it later; the persisted copy is authoritative.
		g.notify(p.To, protocol.ChannelChat, protocol.EventChatMessage, message)
		return message, nil

	case protocol.EventChatGroupMessage:
		p := payload.(*protocol.GroupMessagePayload)
		members, err := g.store.GroupMembers(ctx, p.GroupID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.New("unknown group")
		}
		if err != nil {
			return nil, fmt.Errorf("load group: %w", err)
		}
		if !containsIdentity(members, c.identity) {
			return nil, errors.New("not a group member")
		}
		message, err := g.store.SaveGroupMessage(ctx, c.identity, p.GroupID, p.Message)
		if err != nil {
			return nil, fmt.Errorf("save message: %w", err)
		}
		for _, member := range members {
			if member == c.identity {
				continue
			}
			g.notify(member, protocol.ChannelChat, protocol.EventChatGroupMessage, message)
		}
		return message, nil

	case protocol.EventChatTyping:
		p := payload.(*protocol.TypingPayload)
		g.notify(p.To, protocol.ChannelChat, protocol.EventChatTyping, identityRef{Identity: c.identity})
		return nil, nil
	}
	return nil, protocol.ErrUnknownEvent
}

func (g *Gateway) handleMatchmaking(c *conn, event string) (any, error) {
	switch event {
	case protocol.EventQueueJoin:
		pairing := g.queue.Join(c.identity)
		if pairing != nil {
			for _, player := range pairing.Players {
				g.notify(player, protocol.ChannelMatchmaking, protocol.EventMatchFound, protocol.MatchFound{
					Opponent: pairing.Opponent(player),
					Room:     pairing.RoomCode,
				})
			}
		}
		return struct {
			Queued bool `json:"queued"`
		}{Queued: true}, nil

	case protocol.EventQueueLeave:
		left := g.queue.Leave(c.identity)
		return struct {
			Left bool `json:"left"`
		}{Left: left}, nil
	}
	return nil, protocol.ErrUnknownEvent
}

func (g *Gateway) handleRoom(c *conn, event string, p *protocol.RoomRefPayload) (any, error) {
	switch event {
	case protocol.EventRoomCreate, protocol.EventRoomJoin:
		code := p.Code
		if code == "" {
			code = rooms.NewCode()
		}
		members := g.rooms.Join(code, c.id, c.identity, c)
		// The joined broadcast reaches the whole room, newcomer included;
		// create only acks since the creator is the sole member.
		if event == protocol.EventRoomJoin {
			g.announceRoomChange(code, protocol.EventRoomJoined, c.identity, "")
		}
		return struct {
			Code    string   `json:"code"`
			Members []string `json:"members"`
		}{Code: code, Members: members}, nil

	case protocol.EventRoomLeave:
		identity, ok := g.rooms.Leave(p.Code, c.id)
		if !ok {
			return nil, errors.New("not in room")
		}
		g.announceRoomChange(p.Code, protocol.EventRoomLeft, identity, "")
		if len(g.rooms.Members(p.Code)) == 0 {
			g.relay.CloseJournal(p.Code)
		}
		return struct {
			Code string `json:"code"`
		}{Code: p.Code}, nil
	}
	return nil, protocol.ErrUnknownEvent
}

func (g *Gateway) handleGame(ctx context.Context, c *conn, event string, payload any) (any, error) {
	sender := relay.Sender{ConnID: c.id, Identity: c.identity}
	var err error
	switch event {
	case protocol.EventGameState:
		err = g.relay.State(ctx, sender, *payload.(*protocol.GameEventPayload))
	case protocol.EventGameProgress:
		err = g.relay.Progress(ctx, sender, *payload.(*protocol.GameEventPayload))
	case protocol.EventGameChat:
		err = g.relay.Chat(ctx, sender, *payload.(*protocol.GameChatPayload))
	case protocol.EventGameEnd:
		err = g.relay.End(ctx, sender, *payload.(*protocol.GameEndPayload))
	default:
		return nil, protocol.ErrUnknownEvent
	}
	if errors.Is(err, relay.ErrNotMember) {
		return nil, errors.New("not a room member")
	}
	return nil, err
}

func (g *Gateway) notify(identity, channel, event string, payload any) {
	env, err := protocol.NewServerEvent(channel, event, payload)
	if err != nil {
		return
	}
	g.DeliverTo(identity, env)
}

func containsIdentity(identities []string, identity string) bool {
	for _, candidate := range identities {
		if candidate == identity {
			return true
		}
	}
	return false
}
