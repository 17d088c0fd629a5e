/*
Package transport defines the client-side transport abstraction for MsgHD
and its networked implementation.

This file implements the NetworkTransport: one persistent WebSocket
connection to the relay, with linear-backoff reconnection, automatic rejoin
after a recovered connection, and a terminal Degraded state once the
reconnect budget is exhausted.
*/
package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"msghd/internal/pkg/events"
	"msghd/internal/pkg/logx"
	"msghd/internal/presence"
)

const (
	// DefaultReconnectBaseDelay is the base of the linear backoff: attempt
	// n waits n times this long.
	DefaultReconnectBaseDelay = 1000 * time.Millisecond

	// DefaultMaxReconnectAttempts bounds consecutive reconnect attempts
	// before the transport degrades.
	DefaultMaxReconnectAttempts = 5

	// networkWriteWait is the write deadline for outbound frames.
	networkWriteWait = 10 * time.Second
)

// State is the connection state of the NetworkTransport.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting

	// StateDegraded is terminal until an explicit Connect: the reconnect
	// budget is exhausted and the facade should switch transports.
	StateDegraded
)

// String implements fmt.Stringer for logging.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// netFrame is the superset of fields exchanged with the relay.
type netFrame struct {
	Type        string          `json:"type"`
	UserID      string          `json:"userId,omitempty"`
	Username    string          `json:"username,omitempty"`
	Users       []presence.User `json:"users,omitempty"`
	ID          string          `json:"id,omitempty"`
	SenderID    string          `json:"senderId,omitempty"`
	SenderName  string          `json:"senderName,omitempty"`
	RecipientID string          `json:"recipientId,omitempty"`
	Text        string          `json:"text,omitempty"`
	Timestamp   int64           `json:"timestamp,omitempty"`
	IsTyping    bool            `json:"isTyping"`
	Query       string          `json:"query,omitempty"`
	Results     []presence.User `json:"results,omitempty"`
}

// NetworkTransport owns one persistent connection to the relay.
//
// State machine: Disconnected -> Connecting -> Connected ->
// Reconnecting(attempt) -> Connecting -> ... -> Degraded. An unexpected
// close schedules the next attempt after baseDelay times the attempt number;
// once the budget is exhausted the transport emits EventFallbackActivated
// and stays Degraded until an explicit Connect.
type NetworkTransport struct {
	url    string
	bus    *events.Bus
	dialer *websocket.Dialer

	baseDelay   time.Duration
	maxAttempts int

	mu             sync.Mutex
	state          State
	ws             *websocket.Conn
	attempts       int
	reconnectTimer *time.Timer
	userID         string
	nickname       string
	online         map[string]presence.User

	logger zerolog.Logger
}

var _ Transport = (*NetworkTransport)(nil)

// Option customizes a NetworkTransport.
type Option func(*NetworkTransport)

// WithReconnectBaseDelay overrides the linear backoff base.
func WithReconnectBaseDelay(d time.Duration) Option {
	return func(t *NetworkTransport) { t.baseDelay = d }
}

// WithMaxReconnectAttempts overrides the reconnect budget.
func WithMaxReconnectAttempts(n int) Option {
	return func(t *NetworkTransport) { t.maxAttempts = n }
}

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(t *NetworkTransport) { t.dialer = d }
}

// NewNetwork constructs a NetworkTransport that will dial url and emit
// taxonomy events on bus. It does not connect; call Connect.
func NewNetwork(url string, bus *events.Bus, opts ...Option) *NetworkTransport {
	t := &NetworkTransport{
		url:         url,
		bus:         bus,
		dialer:      websocket.DefaultDialer,
		baseDelay:   DefaultReconnectBaseDelay,
		maxAttempts: DefaultMaxReconnectAttempts,
		state:       StateDisconnected,
		online:      make(map[string]presence.User),
		logger:      logx.Logger().With().Str("component", "network_transport").Str("relay_url", url).Logger(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Connect stores the identity and starts the connection attempt. Calling
// Connect on a Degraded or Disconnected transport resets the reconnect
// budget; calling it while already connecting or connected is an error.
func (t *NetworkTransport) Connect(userID, nickname string) error {
	t.mu.Lock()

	switch t.state {
	case StateConnecting, StateConnected, StateReconnecting:
		t.mu.Unlock()
		return fmt.Errorf("network transport already active (state %s)", t.state)
	}

	t.userID = userID
	t.nickname = nickname
	t.attempts = 0
	t.state = StateConnecting
	t.mu.Unlock()

	go t.dial()

	return nil
}

// dial attempts a single connection. Failure is treated identically to an
// immediate close: it enters the reconnect cycle.
func (t *NetworkTransport) dial() {
	ws, _, err := t.dialer.Dial(t.url, nil)

	t.mu.Lock()

	if t.state != StateConnecting {
		// Explicit disconnect raced the dial.
		t.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		return
	}

	if err != nil {
		t.logger.Warn().Err(err).Int("attempt", t.attempts).Msg("Relay dial failed")
		degraded := t.scheduleReconnectLocked()
		t.mu.Unlock()

		if degraded {
			t.emitFallback()
		}
		return
	}

	t.ws = ws
	t.state = StateConnected
	t.attempts = 0

	// A recovered connection re-establishes presence without user action.
	if t.userID != "" {
		t.writeLocked(netFrame{Type: "join", UserID: t.userID, Username: t.nickname})
	}

	t.mu.Unlock()

	t.logger.Info().Msg("Connected to relay")
	t.bus.Emit(EventConnected, nil)

	go t.readLoop(ws)
}

// readLoop consumes frames from one connection until it dies.
func (t *NetworkTransport) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.handleClose(ws, err)
			return
		}

		t.handleFrame(data)
	}
}

// handleClose reacts to an unexpected close of the current connection.
// Closes of stale connections (already replaced or explicitly shut down)
// are ignored.
func (t *NetworkTransport) handleClose(ws *websocket.Conn, err error) {
	t.mu.Lock()

	if t.ws != ws {
		t.mu.Unlock()
		return
	}

	t.ws = nil
	t.logger.Info().Err(err).Msg("Relay connection lost")

	degraded := t.scheduleReconnectLocked()
	t.mu.Unlock()

	t.bus.Emit(EventDisconnected, nil)

	if degraded {
		t.emitFallback()
	}
}

// scheduleReconnectLocked advances the reconnect state machine. It returns
// true when the attempt budget is exhausted and the transport degraded.
// Caller must hold mu.
func (t *NetworkTransport) scheduleReconnectLocked() bool {
	if t.attempts >= t.maxAttempts {
		t.state = StateDegraded
		return true
	}

	t.attempts++
	t.state = StateReconnecting

	delay := t.baseDelay * time.Duration(t.attempts)
	t.logger.Info().
		Int("attempt", t.attempts).
		Int("max_attempts", t.maxAttempts).
		Dur("delay", delay).
		Msg("Scheduling reconnect")

	t.reconnectTimer = time.AfterFunc(delay, t.redial)

	return false
}

// redial runs when the backoff timer fires. A disconnect issued while the
// timer was pending suppresses the attempt.
func (t *NetworkTransport) redial() {
	t.mu.Lock()

	if t.state != StateReconnecting {
		t.mu.Unlock()
		return
	}

	t.state = StateConnecting
	t.mu.Unlock()

	t.dial()
}

func (t *NetworkTransport) emitFallback() {
	t.logger.Warn().Msg("Reconnect budget exhausted, activating fallback")
	t.bus.Emit(EventFallbackActivated, nil)
}

// Disconnect cancels any pending reconnect timer, suppresses further
// reconnection, and closes the connection if one is open.
func (t *NetworkTransport) Disconnect() {
	t.mu.Lock()

	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}

	wasConnected := t.state == StateConnected
	ws := t.ws
	t.ws = nil
	t.state = StateDisconnected
	t.attempts = 0
	t.online = make(map[string]presence.User)

	t.mu.Unlock()

	if ws != nil {
		ws.Close()
	}

	if wasConnected {
		t.bus.Emit(EventDisconnected, nil)
	}
}

// State returns the current connection state.
func (t *NetworkTransport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Active implements Transport.
func (t *NetworkTransport) Active() bool {
	return t.State() == StateConnected
}

// Degraded reports whether the reconnect budget has been exhausted.
func (t *NetworkTransport) Degraded() bool {
	return t.State() == StateDegraded
}

// SendChatMessage implements Transport.
func (t *NetworkTransport) SendChatMessage(targetUserID, text string) {
	t.send(netFrame{Type: "message", RecipientID: targetUserID, Text: text})
}

// SendTyping implements Transport.
func (t *NetworkTransport) SendTyping(targetUserID string, isTyping bool) {
	t.send(netFrame{Type: "typing", RecipientID: targetUserID, IsTyping: isTyping})
}

// SearchUsers implements Transport.
func (t *NetworkTransport) SearchUsers(query string) {
	t.send(netFrame{Type: "search", Query: query})
}

// send writes a frame to the relay. Sends while not connected are rejected
// and logged, not queued; a message composed while disconnected is lost.
func (t *NetworkTransport) send(frame netFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateConnected || t.ws == nil {
		t.logger.Warn().
			Str("frame_type", frame.Type).
			Str("state", t.state.String()).
			Msg("Not connected, frame not sent")
		return
	}

	t.writeLocked(frame)
}

// writeLocked marshals and writes one frame. Caller must hold mu, which
// also serializes concurrent writers on the socket.
func (t *NetworkTransport) writeLocked(frame netFrame) {
	t.ws.SetWriteDeadline(time.Now().Add(networkWriteWait))

	if err := t.ws.WriteJSON(frame); err != nil {
		t.logger.Warn().Err(err).Str("frame_type", frame.Type).Msg("Error writing frame")
	}
}

// OnlineUsers implements Transport.
func (t *NetworkTransport) OnlineUsers() []presence.User {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := make([]presence.User, 0, len(t.online))
	for _, u := range t.online {
		users = append(users, u)
	}
	return users
}

// handleFrame maps a relay frame onto the transport-agnostic taxonomy.
// Malformed payloads are logged and discarded.
func (t *NetworkTransport) handleFrame(data []byte) {
	var frame netFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.logger.Warn().Err(err).Msg("Relay sent invalid JSON")
		return
	}

	switch frame.Type {
	case "joined":
		t.bus.Emit(EventJoined, UserEvent{UserID: frame.UserID, Nickname: frame.Username})

	case "users_list":
		t.bus.Emit(EventOnlineUsers, t.updateOnlineUsers(frame.Users))

	case "message":
		t.bus.Emit(EventChatMessage, ChatMessage{
			ID:          frame.ID,
			SenderID:    frame.SenderID,
			SenderName:  frame.SenderName,
			RecipientID: frame.RecipientID,
			Text:        frame.Text,
			Timestamp:   frame.Timestamp,
		})

	case "typing":
		event := EventTypingStop
		if frame.IsTyping {
			event = EventTypingStart
		}
		t.bus.Emit(event, TypingEvent{UserID: frame.SenderID, IsTyping: frame.IsTyping})

	case "search_results":
		for _, u := range frame.Results {
			t.bus.Emit(EventSearchResult, SearchResult{User: u})
		}

	default:
		t.logger.Debug().Str("frame_type", frame.Type).Msg("Relay sent unknown frame type")
	}
}

// updateOnlineUsers replaces the online snapshot from an authoritative
// users_list, excluding the local user, and returns the new view.
func (t *NetworkTransport) updateOnlineUsers(users []presence.User) []presence.User {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.online = make(map[string]presence.User, len(users))
	for _, u := range users {
		if u.ID == t.userID {
			continue
		}
		t.online[u.ID] = u
	}

	snapshot := make([]presence.User, 0, len(t.online))
	for _, u := range t.online {
		snapshot = append(snapshot, u)
	}
	return snapshot
}
