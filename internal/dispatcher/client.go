package dispatcher

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// wsConnection is the subset of *websocket.Conn a Client needs, kept as
// an interface so tests can substitute an in-memory fake.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client represents one connected transport. It owns no domain state
// itself (that lives in the Registry/Matching/Chatroom state the Core
// coordinates) beyond what's needed to pump bytes to and from the
// socket.
type Client struct {
	conn        wsConnection
	send        chan []byte
	TransportID string

	core *Core
	log  *zap.Logger
}

func newClient(conn wsConnection, transportID string, core *Core, log *zap.Logger) *Client {
	return &Client{
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		TransportID: transportID,
		core:        core,
		log:         log,
	}
}

// closeSend closes the client's outbound buffer so writePump drains any
// queued frames, sends the close handshake, and returns. Only the
// Core's serialized event loop calls this, once per client, after it
// has removed the client from every lookup table.
func (c *Client) closeSend() {
	defer func() { recover() }()
	close(c.send)
}

// enqueue queues an outbound envelope for delivery, dropping it (and
// logging) if the client's send buffer is full rather than blocking the
// event loop — a slow client degrades to a later disconnect, never a
// stall of every other client.
func (c *Client) enqueue(env OutEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.log.Error("failed to marshal outbound envelope", zap.String("event", env.Event), zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("client send buffer full, dropping message", zap.String("transportId", c.TransportID), zap.String("event", env.Event))
	}
}

// Start launches the client's read and write pumps as goroutines. The
// WebSocket upgrade handler calls this once per connection; tests that
// need direct control over pump lifetime call readPump/writePump
// themselves instead.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// readPump reads frames off the socket and hands them to the Core's
// single event loop. It runs in its own goroutine per connection; it
// never touches Registry/Matching/Chatroom state directly.
func (c *Client) readPump() {
	defer func() {
		c.core.postDisconnect(c)
		c.conn.Close()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.enqueue(OutEnvelope{Event: outError, Payload: errorPayload{Kind: "validation", Message: "malformed frame"}})
			continue
		}
		c.core.postInbound(c, env)
	}
}

// writePump drains the client's send buffer onto the socket.
func (c *Client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
