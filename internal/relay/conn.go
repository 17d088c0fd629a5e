/*
Package relay implements the networked side of MsgHD.

This file defines the Conn struct wrapping a single WebSocket connection. It
owns the read and write loops, the outbound queue, and the heartbeat
(ping/pong) handling, and notifies the Registry when the connection dies.
*/
package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"msghd/internal/pkg/logx"
)

const (
	// timeout duration for writing to the WebSocket connection.
	writeWait = 10 * time.Second

	// maximum time allowed to wait for a Pong message from the client.
	pongWait = 60 * time.Second

	// frequency at which the relay sends a Ping message.
	pingPeriod = (pongWait * 9) / 10

	// maximum allowed size (in bytes) of a frame sent by the client.
	maxFrameSize = 8192

	// capacity of the per-connection outbound queue.
	sendQueueSize = 256
)

// Link is the registry's view of a connection: something frames can be
// queued on, with a liveness signal for the periodic sweep. *Conn is the
// production implementation; tests substitute fakes.
type Link interface {
	// Enqueue queues a marshaled frame for delivery. It never blocks;
	// it reports false when the frame was dropped.
	Enqueue(frame []byte) bool

	// Alive reports whether the underlying connection is still open.
	Alive() bool
}

// Conn wraps a live WebSocket connection feeding the Registry.
type Conn struct {
	registry *Registry
	ws       *websocket.Conn
	send     chan []byte

	// done is closed exactly once when the connection shuts down.
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	logger zerolog.Logger
}

// NewConn constructs a Conn for an upgraded WebSocket connection.
// The caller is expected to start WritePump in a goroutine and then run
// ReadPump on its own goroutine.
func NewConn(registry *Registry, ws *websocket.Conn) *Conn {
	connLogger := logx.Logger().With().
		Str("component", "relay_conn").
		Str("remote_addr", ws.RemoteAddr().String()).
		Logger()

	return &Conn{
		registry: registry,
		ws:       ws,
		send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
		logger:   connLogger,
	}
}

// Enqueue implements Link. It drops the frame with a warning when the
// connection is closed or the queue is full; a slow client causes loss,
// never backpressure.
func (c *Conn) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		c.logger.Warn().Int("queue_len", len(c.send)).Msg("Connection send queue full, dropping frame")
		return false
	}
}

// Alive implements Link.
func (c *Conn) Alive() bool {
	return !c.closed.Load()
}

// ReadPump reads frames from the WebSocket connection and hands them to the
// Registry. It handles Pong heartbeats and performs cleanup when the
// connection closes for any reason.
func (c *Conn) ReadPump() {
	defer c.shutdown()

	c.ws.SetReadLimit(maxFrameSize)

	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info().Err(err).Msg("Connection read ended unexpectedly")
			}
			break
		}

		c.registry.HandleFrame(c, frame)
	}
}

// shutdown marks the connection closed, detaches it from the registry, and
// closes the socket. Safe to call more than once.
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})

	c.registry.Detach(c)

	if err := c.ws.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("Connection close error")
	}
}

// WritePump drains the send queue onto the WebSocket connection and emits
// periodic Ping messages. It terminates when the connection shuts down or a
// write fails.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error().Err(err).Msg("Failed to set write deadline")
				return
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Info().Err(err).Msg("Error writing frame")
				return
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error().Err(err).Msg("Failed to set write deadline on ping")
				return
			}

			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Info().Err(err).Msg("Error writing ping")
				return
			}

		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
				c.logger.Debug().Err(err).Msg("Error writing close message")
			}
			return
		}
	}
}
