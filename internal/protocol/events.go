package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Client-to-server event names, grouped by channel.
const (
	EventFriendRequest = "request"
	EventFriendAccept  = "accept"
	EventFriendRemove  = "remove"

	EventChatMessage      = "message"
	EventChatGroupMessage = "group:message"
	EventChatTyping       = "typing"

	EventQueueJoin  = "join"
	EventQueueLeave = "leave"

	EventRoomCreate = "create"
	EventRoomJoin   = "join"
	EventRoomLeave  = "leave"

	EventGameState    = "state"
	EventGameProgress = "progress"
	EventGameChat     = "chat"
	EventGameEnd      = "end"

	EventNotificationRead = "read"

	EventAchievementList = "list"
)

// Server-to-client event names.
const (
	EventFriendRequestReceived = "request:received"
	EventFriendAccepted        = "accepted"
	EventFriendRemoved         = "removed"
	EventPresenceStatus        = "status"
	EventMatchFound            = "found"
	EventRoomJoined            = "joined"
	EventRoomLeft              = "left"
)

// FriendRequestPayload asks the server to create a friend request.
type FriendRequestPayload struct {
	To string `json:"toIdentity"`
}

// FriendAcceptPayload accepts a previously delivered friend request.
type FriendAcceptPayload struct {
	RequestID string `json:"requestId"`
}

// FriendRemovePayload severs an accepted friendship.
type FriendRemovePayload struct {
	Friend string `json:"friendIdentity"`
}

// DirectMessagePayload carries a one-to-one chat message.
type DirectMessagePayload struct {
	To      string `json:"toIdentity"`
	Message string `json:"message"`
}

// GroupMessagePayload carries a group chat message.
type GroupMessagePayload struct {
	GroupID string `json:"groupId"`
	Message string `json:"message"`
}

// TypingPayload signals a typing indicator; fire-and-forget, never acked.
type TypingPayload struct {
	To string `json:"toIdentity"`
}

// RoomRefPayload addresses a room by code for create/join/leave.
type RoomRefPayload struct {
	Code string `json:"code"`
}

// GameEventPayload wraps an opaque state or progress blob for relay.
type GameEventPayload struct {
	RoomCode string          `json:"roomCode"`
	Payload  json.RawMessage `json:"payload"`
}

// GameChatPayload carries an in-match chat line.
type GameChatPayload struct {
	RoomCode string `json:"roomCode"`
	Message  string `json:"message"`
}

// GameEndPayload terminates a match with an opaque result blob.
type GameEndPayload struct {
	RoomCode string          `json:"roomCode"`
	Result   json.RawMessage `json:"result"`
}

// NotificationReadPayload flags a stored notification as read.
type NotificationReadPayload struct {
	NotificationID string `json:"notificationId"`
}

// PresenceStatus is broadcast when an identity transitions online or offline.
type PresenceStatus struct {
	Identity string `json:"identity"`
	Online   bool   `json:"online"`
}

// MatchFound is delivered to both halves of a fresh pairing.
type MatchFound struct {
	Opponent string `json:"opponent"`
	Room     string `json:"room"`
}

// RoomMember is broadcast to a room when membership changes.
type RoomMember struct {
	Identity string `json:"identity"`
}

// RelayedEvent tags a relayed game frame with its sender.
type RelayedEvent struct {
	Identity string          `json:"identity"`
	State    json.RawMessage `json:"state,omitempty"`
	Message  string          `json:"message,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// DecodeClientPayload validates an inbound envelope against the closed
// per-channel schema and returns the typed payload. Events that carry no
// payload return nil.
func DecodeClientPayload(env *Envelope) (any, error) {
	if env == nil {
		return nil, ErrInvalidPayload
	}
	switch env.Channel {
	case ChannelFriends:
		return decodeFriends(env)
	case ChannelChat:
		return decodeChat(env)
	case ChannelMatchmaking:
		switch env.Event {
		case EventQueueJoin, EventQueueLeave:
			return nil, nil
		}
		return nil, eventErr(env)
	case ChannelRoom:
		switch env.Event {
		case EventRoomCreate, EventRoomJoin, EventRoomLeave:
			var p RoomRefPayload
			if err := unmarshalInto(env, &p); err != nil {
				return nil, err
			}
			// Create may omit the code; a generated one is assigned upstream.
			if env.Event != EventRoomCreate && strings.TrimSpace(p.Code) == "" {
				return nil, fieldErr("code")
			}
			return &p, nil
		}
		return nil, eventErr(env)
	case ChannelGame:
		return decodeGame(env)
	case ChannelNotifications:
		if env.Event != EventNotificationRead {
			return nil, eventErr(env)
		}
		var p NotificationReadPayload
		if err := unmarshalInto(env, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.NotificationID) == "" {
			return nil, fieldErr("notificationId")
		}
		return &p, nil
	case ChannelAchievements:
		if env.Event != EventAchievementList {
			return nil, eventErr(env)
		}
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, env.Channel)
}

func decodeFriends(env *Envelope) (any, error) {
	switch env.Event {
	case EventFriendRequest:
		var p FriendRequestPayload
		if err := unmarshalInto(env, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.To) == "" {
			return nil, fieldErr("toIdentity")
		}
		return &p, nil
	case EventFriendAccept:
		var p FriendAcceptPayload
		if err := unmarshalInto(env, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.RequestID) == "" {
			return nil, fieldErr("requestId")
		}
		return &p, nil
	case EventFriendRemove:
		var p FriendRemovePayload
		if err := unmarshalInto(env, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Friend) == "" {
			return nil, fieldErr("friendIdentity")
		}
		return &p, nil
	}
	return nil, eventErr(env)
}

func decodeChat(env *Envelope) (any, error) {
	switch env.Event {
	case EventChatMessage:
		var p DirectMessagePayload
		if err := unmarshalInto(env, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.To) == "" {
			return nil, fieldErr("toIdentity")
		}
		if p.Message == "" {
			return nil, fieldErr("message")
		}
		return &p, nil
	case EventChatGroupMessage:
		var p GroupMessagePayload
		if err := unmarshalInto(env, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.GroupID) == "" {
			return nil, fieldErr("groupId")
		}
		if p.Message == "" {
			return nil, fieldErr("message")
		}
		return &p, nil
	case EventChatTyping:
		var p TypingPayload
		if err := unmarshalInto(env, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.To) == "" {
			return nil, fieldErr("toIdentity")
		}
		return &p, nil
	}
	return nil, eventErr(env)
}

func decodeGame(env *Envelope) (any, error) {
	switch env.Event {
	case EventGameState, EventGameProgress:
		var p GameEventPayload
		if err := unmarshalInto(env, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.RoomCode) == "" {
			return nil, fieldErr("roomCode")
		}
		if len(p.Payload) == 0 {
			return nil, fieldErr("payload")
		}
		return &p, nil
	case EventGameChat:
		var p GameChatPayload
		if err := unmarshalInto(env, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.RoomCode) == "" {
			return nil, fieldErr("roomCode")
		}
		if p.Message == "" {
			return nil, fieldErr("message")
		}
		return &p, nil
	case EventGameEnd:
		var p GameEndPayload
		if err := unmarshalInto(env, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.RoomCode) == "" {
			return nil, fieldErr("roomCode")
		}
		if len(p.Result) == 0 {
			return nil, fieldErr("result")
		}
		return &p, nil
	}
	return nil, eventErr(env)
}

func unmarshalInto(env *Envelope, target any) error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func eventErr(env *Envelope) error {
	return fmt.Errorf("%w: %s/%s", ErrUnknownEvent, env.Channel, env.Event)
}

func fieldErr(name string) error {
	return fmt.Errorf("%w: %s required", ErrInvalidPayload, name)
}
