package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/drivelinehq/driveline/common"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxFrameBytes  = 32 * 1024
)

// socket is the subset of *websocket.Conn the connection uses,
// narrowed so tests can drive a connection without a network.
type socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Conn is one client connection. Outbound frames go through a
// buffered channel; a slow client loses frames rather than stalling
// the broadcaster.
type Conn struct {
	ID     string
	UserID string

	sock   socket
	send   chan []byte
	hub    *Hub
	logger *common.ContextLogger

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(sock socket, userID string, hub *Hub) *Conn {
	id := uuid.NewString()
	return &Conn{
		ID:     id,
		UserID: userID,
		sock:   sock,
		send:   make(chan []byte, sendBufferSize),
		hub:    hub,
		done:   make(chan struct{}),
		logger: common.ServiceLogger("realtime.conn").WithFields(map[string]interface{}{
			"conn_id": id,
			"user_id": userID,
		}),
	}
}

// Send queues a frame for delivery. A full buffer drops the frame.
func (c *Conn) Send(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Send buffer full, dropping frame")
	}
}

// SendFrame marshals and queues a server frame.
func (c *Conn) SendFrame(frame ServerFrame) {
	data, err := encodeFrame(frame)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to encode frame")
		return
	}
	c.Send(data)
}

// Close tears the connection down once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.sock.Close(); err != nil {
			c.logger.WithError(err).Debug("Socket close failed")
		}
	})
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with pings. Presence is refreshed on the same
// tick.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.WithError(err).Debug("Write failed")
				return
			}
			if c.hub != nil {
				c.hub.metricsWSMessage("out")
			}
		case <-ticker.C:
			if err := c.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.WithError(err).Debug("Ping failed")
				return
			}
			if c.hub != nil {
				c.hub.refreshPresence(c.UserID)
			}
		}
	}
}

// readPump reads frames and hands them to the hub. It owns the
// disconnect path: whatever ends the loop, the connection leaves
// every index and presence flips to last-seen.
func (c *Conn) readPump() {
	defer c.hub.disconnect(c)

	c.sock.SetReadLimit(maxFrameBytes)
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Debug("Unexpected close")
			}
			return
		}
		_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.handleFrame(c, data)
	}
}
