package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Channel names multiplexed over a single connection.
const (
	ChannelFriends       = "friends"
	ChannelChat          = "chat"
	ChannelMatchmaking   = "matchmaking"
	ChannelRoom          = "room"
	ChannelGame          = "game"
	ChannelNotifications = "notifications"
	ChannelAchievements  = "achievements"
)

// EventAck is the reserved server event used for request acknowledgements.
const EventAck = "ack"

var (
	// ErrUnknownChannel indicates the envelope referenced a channel this gateway does not serve.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrUnknownEvent indicates the event name is not part of the channel's schema.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrInvalidPayload indicates the payload failed schema validation.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Envelope is the single wire frame exchanged with clients. Requests carry an
// optional ID which the matching acknowledgement echoes back.
type Envelope struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	ID      string          `json:"id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// DecodeEnvelope parses a raw client frame and normalises its routing fields.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	env.Channel = strings.TrimSpace(env.Channel)
	env.Event = strings.TrimSpace(env.Event)
	if env.Channel == "" {
		return nil, fmt.Errorf("%w: channel missing", ErrInvalidPayload)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: event missing", ErrInvalidPayload)
	}
	return &env, nil
}

// Encode serialises the envelope for transmission.
func (e *Envelope) Encode() ([]byte, error) {
	if e == nil {
		return nil, errors.New("nil envelope")
	}
	return json.Marshal(e)
}

// NewServerEvent builds an addressed broadcast frame with a JSON payload.
func NewServerEvent(channel, event string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Channel: channel, Event: event, Data: data}, nil
}

// Ack is carried in the Data field of every acknowledgement frame.
type Ack struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewAck builds the acknowledgement frame for the given request id.
func NewAck(channel, requestID string, payload any) (*Envelope, error) {
	ack := Ack{OK: true}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		ack.Data = data
	}
	data, err := json.Marshal(ack)
	if err != nil {
		return nil, err
	}
	return &Envelope{Channel: channel, Event: EventAck, ID: requestID, Data: data}, nil
}

// NewErrorAck builds a failed acknowledgement carrying a descriptive message.
func NewErrorAck(channel, requestID, message string) *Envelope {
	data, _ := json.Marshal(Ack{OK: false, Error: message})
	return &Envelope{Channel: channel, Event: EventAck, ID: requestID, Data: data}
}
