package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridroyale/realtime/internal/logging"
	"gridroyale/realtime/internal/protocol"
)

// conn is one live WebSocket connection bound to a resolved identity. An
// identity may hold several conns at once; each gets its own send queue.
type conn struct {
	id       string
	identity string
	ws       *websocket.Conn
	send     chan []byte
	gw       *Gateway
	// channels restricts which event channels this connection receives; nil
	// subscribes to everything.
	channels map[string]struct{}

	// mu guards closed so enqueue never races closeSend onto a closed channel.
	mu     sync.Mutex
	closed bool

	closeOnce sync.Once
}

func (c *conn) subscribed(channel string) bool {
	if c.channels == nil {
		return true
	}
	_, ok := c.channels[channel]
	return ok
}

// Deliver implements rooms.Subscriber. Unsubscribed channels, encoding
// failures, and full queues drop the frame; a slow consumer must not stall
// the broadcaster.
func (c *conn) Deliver(env *protocol.Envelope) {
	if env.Event != protocol.EventAck && !c.subscribed(env.Channel) {
		return
	}
	raw, err := env.Encode()
	if err != nil {
		return
	}
	c.enqueue(raw)
}

func (c *conn) enqueue(raw []byte) bool {
	//1.- A broadcast can race teardown; the closed check and the send share the
	// lock with closeSend so nothing lands on a closed channel.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.send <- raw:
		c.mu.Unlock()
		return true
	default:
		c.mu.Unlock()
		//2.- The queue is full: the consumer stopped draining, so cut it loose.
		c.gw.logger.Warn("send queue overflow, dropping connection",
			logging.String("conn", c.id),
			logging.String("identity", c.identity))
		go c.gw.disconnect(c)
		return false
	}
}

// closeSend shuts the send queue exactly once; late enqueues become drops.
func (c *conn) closeSend() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

// readPump consumes client frames until the socket errors, then triggers the
// one-shot disconnect cleanup.
func (c *conn) readPump() {
	defer c.gw.disconnect(c)
	c.ws.SetReadLimit(c.gw.maxPayloadBytes)
	deadline := c.gw.pingInterval * 2
	_ = c.ws.SetReadDeadline(time.Now().Add(deadline))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(deadline))
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gw.logger.Debug("read error",
					logging.String("conn", c.id),
					logging.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(deadline))
		c.gw.handleFrame(c, raw)
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.gw.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}
