package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"gridroyale/realtime/internal/logging"
	"gridroyale/realtime/internal/protocol"
)

// Sink delivers an envelope to every live connection of an identity and
// reports how many received it.
type Sink interface {
	DeliverTo(identity string, env *protocol.Envelope) int
}

// DispatchMessage is the wire format the backend publishes on the dispatch
// channel. Channel defaults to notifications when omitted.
type DispatchMessage struct {
	Identity string          `json:"identity"`
	Channel  string          `json:"channel,omitempty"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Dispatcher bridges backend-originated events onto live websocket
// connections. Offline targets are dropped, never queued; durable delivery is
// the backend's concern.
type Dispatcher struct {
	rdb     *redis.Client
	channel string
	sink    Sink
	logger  *logging.Logger

	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewDispatcher wires the bridge. The Redis client may be nil when only
// in-process Dispatch calls are needed.
func NewDispatcher(rdb *redis.Client, channel string, sink Sink, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{rdb: rdb, channel: channel, sink: sink, logger: logger}
}

// Delivered reports the number of messages handed to at least one connection.
func (d *Dispatcher) Delivered() int64 { return d.delivered.Load() }

// Dropped reports the number of messages whose target had no live connection.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Dispatch pushes one message to the target identity's live connections.
func (d *Dispatcher) Dispatch(msg DispatchMessage) error {
	if d == nil || d.sink == nil {
		return errors.New("dispatcher not configured")
	}
	if strings.TrimSpace(msg.Identity) == "" {
		return errors.New("dispatch target identity required")
	}
	if strings.TrimSpace(msg.Event) == "" {
		return errors.New("dispatch event required")
	}
	channel := msg.Channel
	if channel == "" {
		channel = protocol.ChannelNotifications
	}
	env := &protocol.Envelope{Channel: channel, Event: msg.Event, Data: msg.Data}
	if d.sink.DeliverTo(msg.Identity, env) == 0 {
		d.dropped.Add(1)
		return nil
	}
	d.delivered.Add(1)
	return nil
}

// Run subscribes to the dispatch channel and forwards messages until the
// context is cancelled. Malformed payloads are logged and skipped so one bad
// publisher cannot stall the stream.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d == nil || d.rdb == nil {
		return errors.New("dispatcher has no redis client")
	}
	//1.- Subscribe and wait for the subscription to be confirmed.
	pubsub := d.rdb.Subscribe(ctx, d.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	//2.- Drain messages until cancellation.
	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-messages:
			if !ok {
				return nil
			}
			var msg DispatchMessage
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				if d.logger != nil {
					d.logger.Warn("malformed dispatch payload",
						logging.String("channel", d.channel),
						logging.Error(err))
				}
				continue
			}
			if err := d.Dispatch(msg); err != nil && d.logger != nil {
				d.logger.Warn("dispatch rejected",
					logging.String("identity", msg.Identity),
					logging.Error(err))
			}
		}
	}
}
