package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentrelay/pkg/protocol"
)

// Role is the kind of peer on a socket.
type Role string

const (
	RoleClient Role = "client"
	RoleBridge Role = "agent-bridge"
)

// Opposite returns the role that receives this role's envelopes.
func (r Role) Opposite() Role {
	if r == RoleClient {
		return RoleBridge
	}
	return RoleClient
}

// Direction returns the event-log direction tag for envelopes sent by r.
func (r Role) Direction() string {
	if r == RoleClient {
		return protocol.DirectionClientToBridge
	}
	return protocol.DirectionBridgeToClient
}

// Close codes sent to peers.
const (
	CloseReplaced      = 4000
	CloseSecretRotated = 4001
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 75 * time.Second
)

// SendResult reports what happened to one outbound frame. Callers are free
// to ignore it.
type SendResult int

const (
	SendQueued SendResult = iota
	SendDropped
	SendClosed
)

func (r SendResult) String() string {
	switch r {
	case SendQueued:
		return "queued"
	case SendDropped:
		return "dropped"
	default:
		return "closed"
	}
}

// Conn is one live socket. Outbound frames go through a bounded queue
// drained by writePump, so Send never blocks the caller.
type Conn struct {
	id          string
	role        Role
	remote      string
	peer        *protocol.PeerInfo
	connectedAt time.Time

	ws           *websocket.Conn
	send         chan []byte
	writeTimeout time.Duration

	closeOnce   sync.Once
	closed      chan struct{}
	closeCode   int
	closeReason string
}

func newConn(ws *websocket.Conn, role Role, queue int, writeTimeout time.Duration) *Conn {
	if queue <= 0 {
		queue = 256
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Conn{
		id:           uuid.NewString(),
		role:         role,
		connectedAt:  time.Now(),
		ws:           ws,
		send:         make(chan []byte, queue),
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) Role() Role     { return c.role }
func (c *Conn) Remote() string { return c.remote }

// Peer returns bridge metadata, or nil for client sockets.
func (c *Conn) Peer() *protocol.PeerInfo { return c.peer }

// PeerID is the stable bridge identity, falling back to the connection id.
func (c *Conn) PeerID() string {
	if c.peer != nil && c.peer.ID != "" {
		return c.peer.ID
	}
	return c.id
}

// Send enqueues data without blocking. A full queue drops the frame.
func (c *Conn) Send(data []byte) SendResult {
	select {
	case <-c.closed:
		return SendClosed
	default:
	}
	select {
	case c.send <- data:
		return SendQueued
	case <-c.closed:
		return SendClosed
	default:
		slog.Debug("relay.send_dropped", "conn", c.id, "role", c.role, "reason", "queue full")
		return SendDropped
	}
}

// SendFrame marshals and enqueues a control frame (a protocol.ControlFrame
// or one of the fixed-shape frames such as protocol.PeersFrame).
func (c *Conn) SendFrame(f any) SendResult {
	data, err := json.Marshal(f)
	if err != nil {
		return SendDropped
	}
	return c.Send(data)
}

// Close marks the connection closed. The write pump sends a close frame
// carrying code and reason, then tears the socket down. Only the first
// call has effect.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closed)
	})
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// writePump is the only writer on ws.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Debug("relay.write_failed", "conn", c.id, "error", err)
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.closed:
			code := c.closeCode
			if code == 0 || code == websocket.CloseAbnormalClosure {
				return
			}
			msg := websocket.FormatCloseMessage(code, c.closeReason)
			c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
			return
		}
	}
}
