/*
Package local implements the fallback transport used when no relay is
reachable.

This file defines the Transport itself: join/leave announcements, the
heartbeat-based presence tracker with staleness eviction, targeted message
and typing delivery over the broadcast substrate, and the peer-to-peer
search protocol.
*/
package local

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"msghd/internal/pkg/events"
	"msghd/internal/pkg/logx"
	"msghd/internal/presence"
	"msghd/internal/transport"
)

const (
	// DefaultHeartbeatInterval is how often presence heartbeats go out.
	DefaultHeartbeatInterval = 10 * time.Second

	// DefaultStaleThreshold is the age past which a peer's presence record
	// is evicted, three heartbeat periods by default.
	DefaultStaleThreshold = 30 * time.Second

	// minSearchQueryLen is the minimum query length for a peer search.
	minSearchQueryLen = 2
)

// Local-mode envelope types.
const (
	typeUserJoined          = "user_joined"
	typeUserLeft            = "user_left"
	typeHeartbeat           = "heartbeat"
	typeRequestOnlineUsers  = "request_online_users"
	typeOnlineUsersResponse = "online_users_response"
	typeChatMessage         = "chat_message"
	typeTypingStart         = "typing_start"
	typeTypingStop          = "typing_stop"
	typeUserSearch          = "user_search"
	typeUserSearchResponse  = "user_search_response"
)

// envelope is the common wrapper around every local-mode message. Fields
// past the header are type-specific.
type envelope struct {
	Type         string          `json:"type"`
	FromUserID   string          `json:"fromUserId"`
	FromNickname string          `json:"fromNickname"`
	ID           string          `json:"id"`
	Timestamp    int64           `json:"timestamp"`
	Status       presence.Status `json:"status,omitempty"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	Message      string          `json:"message,omitempty"`
	Query        string          `json:"query,omitempty"`
	User         *wireUser       `json:"user,omitempty"`
	Users        []wireUser      `json:"users,omitempty"`
}

// wireUser is the local-mode user representation.
type wireUser struct {
	UserID   string          `json:"userId"`
	Nickname string          `json:"nickname"`
	Status   presence.Status `json:"status"`
}

// Transport emulates the relay among peers sharing a broadcast substrate.
// Presence is cooperative: every peer heartbeats its own existence and
// tracks everyone else's, evicting records that go stale.
type Transport struct {
	bus    *events.Bus
	probes []Probe

	heartbeatInterval time.Duration
	staleThreshold    time.Duration

	mu        sync.Mutex
	substrate Substrate
	connected bool
	hidden    bool
	userID    string
	nickname  string
	peers     map[string]*presence.Record
	stop      chan struct{}
	wg        sync.WaitGroup

	logger zerolog.Logger
}

// compile-time check that both variants satisfy the same capability surface.
var _ transport.Transport = (*Transport)(nil)

// Option customizes a Transport.
type Option func(*Transport)

// WithHeartbeatInterval overrides the heartbeat period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(t *Transport) { t.heartbeatInterval = d }
}

// WithStaleThreshold overrides the staleness eviction threshold.
func WithStaleThreshold(d time.Duration) Option {
	return func(t *Transport) { t.staleThreshold = d }
}

// New constructs a local Transport over the given substrate probes,
// evaluated in order on Connect. Events are emitted on bus.
func New(bus *events.Bus, probes []Probe, opts ...Option) *Transport {
	t := &Transport{
		bus:               bus,
		probes:            probes,
		heartbeatInterval: DefaultHeartbeatInterval,
		staleThreshold:    DefaultStaleThreshold,
		peers:             make(map[string]*presence.Record),
		logger:            logx.Logger().With().Str("component", "local_transport").Logger(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Connect opens the first usable substrate, announces the local user, and
// starts the heartbeat loop. When every substrate probe fails, local-mode
// messaging is inoperative: a connection_error event is emitted and an
// error returned.
func (t *Transport) Connect(userID, nickname string) error {
	t.mu.Lock()

	if t.connected {
		t.mu.Unlock()
		return fmt.Errorf("local transport already connected")
	}

	sub, err := openSubstrate(t.probes, t.logger)
	if err != nil {
		t.mu.Unlock()
		t.logger.Error().Err(err).Msg("Local mode inoperative")
		t.bus.Emit(transport.EventConnectionError, err)
		return err
	}

	t.substrate = sub
	t.connected = true
	t.userID = userID
	t.nickname = nickname
	t.peers = make(map[string]*presence.Record)
	t.stop = make(chan struct{})

	t.wg.Add(2)
	go t.receiveLoop(sub)
	go t.heartbeatLoop(t.stop)

	t.mu.Unlock()

	// Announce presence, then ask who is already here.
	t.publish(envelope{Type: typeUserJoined})
	t.publish(envelope{Type: typeRequestOnlineUsers})

	t.logger.Info().Str("user_id", userID).Str("nickname", nickname).Msg("Connected in local mode")
	t.bus.Emit(transport.EventConnected, nil)

	return nil
}

// Disconnect announces departure, stops the heartbeat, and tears down the
// substrate. All pending timers for the session are cancelled.
func (t *Transport) Disconnect() {
	t.mu.Lock()

	if !t.connected {
		t.mu.Unlock()
		return
	}

	t.connected = false
	sub := t.substrate
	t.substrate = nil
	stop := t.stop
	t.mu.Unlock()

	// Departure is announced before the substrate goes away.
	t.publishOn(sub, envelope{Type: typeUserLeft})

	close(stop)
	sub.Close()
	t.wg.Wait()

	t.mu.Lock()
	t.peers = make(map[string]*presence.Record)
	t.mu.Unlock()

	t.logger.Info().Msg("Disconnected from local mode")
	t.bus.Emit(transport.EventDisconnected, nil)
}

// Active implements transport.Transport.
func (t *Transport) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// SendChatMessage implements transport.Transport. Delivery is addressed via
// the target-id field; every other peer overhears and discards it.
func (t *Transport) SendChatMessage(targetUserID, text string) {
	t.publish(envelope{Type: typeChatMessage, TargetUserID: targetUserID, Message: text})
}

// SendTyping implements transport.Transport.
func (t *Transport) SendTyping(targetUserID string, isTyping bool) {
	typ := typeTypingStop
	if isTyping {
		typ = typeTypingStart
	}
	t.publish(envelope{Type: typ, TargetUserID: targetUserID})
}

// SearchUsers implements transport.Transport. Each peer self-matches and
// answers; results arrive as EventSearchResult events.
func (t *Transport) SearchUsers(query string) {
	if len(query) < minSearchQueryLen {
		return
	}
	t.publish(envelope{Type: typeUserSearch, Query: query})
}

// OnlineUsers implements transport.Transport.
func (t *Transport) OnlineUsers() []presence.User {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// SetHidden records page visibility. Status changes propagate with an
// immediate heartbeat rather than waiting for the next tick.
func (t *Transport) SetHidden(hidden bool) {
	t.mu.Lock()
	t.hidden = hidden
	connected := t.connected
	t.mu.Unlock()

	if connected {
		t.sendHeartbeat()
	}
}

// publish stamps the envelope header and broadcasts it on the current
// substrate. Sends while disconnected are rejected and logged.
func (t *Transport) publish(env envelope) {
	t.mu.Lock()

	if !t.connected || t.substrate == nil {
		t.mu.Unlock()
		t.logger.Warn().Str("envelope_type", env.Type).Msg("Not connected, message not sent")
		return
	}

	sub := t.substrate
	t.mu.Unlock()

	t.publishOn(sub, env)
}

// publishOn broadcasts on an explicit substrate, bypassing the connected
// check. Used for the departure announcement during teardown.
func (t *Transport) publishOn(sub Substrate, env envelope) {
	t.mu.Lock()
	env.FromUserID = t.userID
	env.FromNickname = t.nickname
	t.mu.Unlock()

	env.ID = uuid.New().String()
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.logger.Error().Err(err).Str("envelope_type", env.Type).Msg("Error marshaling envelope")
		return
	}

	if err := sub.Send(data); err != nil {
		t.logger.Warn().Err(err).Str("envelope_type", env.Type).Msg("Substrate send failed")
	}
}

// receiveLoop drains the substrate until it closes.
func (t *Transport) receiveLoop(sub Substrate) {
	defer t.wg.Done()

	for data := range sub.Receive() {
		t.handleEnvelope(data)
	}
}

// heartbeatLoop emits periodic heartbeats and runs staleness eviction on
// each tick.
func (t *Transport) heartbeatLoop(stop <-chan struct{}) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return

		case <-ticker.C:
			t.sendHeartbeat()
			t.evictStale()
		}
	}
}

// sendHeartbeat announces the local user's current status.
func (t *Transport) sendHeartbeat() {
	t.mu.Lock()
	status := presence.StatusOnline
	if t.hidden {
		status = presence.StatusAway
	}
	t.mu.Unlock()

	t.publish(envelope{Type: typeHeartbeat, Status: status})
}

// evictStale removes peers whose records have outlived the staleness
// threshold and emits one synthetic user_left per eviction. The local
// user's own presence is not tracked here and is only removed by explicit
// disconnect.
func (t *Transport) evictStale() {
	now := time.Now()

	t.mu.Lock()
	var evicted []*presence.Record
	for id, rec := range t.peers {
		if rec.Stale(now, t.staleThreshold) {
			delete(t.peers, id)
			evicted = append(evicted, rec)
		}
	}
	t.mu.Unlock()

	for _, rec := range evicted {
		t.logger.Info().Str("user_id", rec.UserID).Msg("Evicting stale peer")
		t.bus.Emit(transport.EventUserLeft, transport.UserEvent{UserID: rec.UserID, Nickname: rec.Nickname})
	}
}

// handleEnvelope dispatches one inbound envelope. Messages from the local
// user itself are discarded: broadcast is overheard by the sender too.
// Malformed payloads are logged and dropped.
func (t *Transport) handleEnvelope(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.logger.Warn().Err(err).Msg("Peer sent invalid JSON")
		return
	}

	t.mu.Lock()
	self := t.userID
	t.mu.Unlock()

	if env.FromUserID == self {
		return
	}

	switch env.Type {
	case typeUserJoined:
		t.handleUserJoined(env)

	case typeUserLeft:
		t.handleUserLeft(env)

	case typeHeartbeat:
		t.handleHeartbeat(env)

	case typeRequestOnlineUsers:
		t.handleOnlineUsersRequest(env)

	case typeOnlineUsersResponse:
		t.handleOnlineUsersResponse(env)

	case typeChatMessage:
		if !t.addressedToSelf(env) {
			return
		}
		t.bus.Emit(transport.EventChatMessage, transport.ChatMessage{
			ID:          env.ID,
			SenderID:    env.FromUserID,
			SenderName:  env.FromNickname,
			RecipientID: env.TargetUserID,
			Text:        env.Message,
			Timestamp:   env.Timestamp,
		})

	case typeTypingStart:
		if !t.addressedToSelf(env) {
			return
		}
		t.bus.Emit(transport.EventTypingStart, transport.TypingEvent{UserID: env.FromUserID, IsTyping: true})

	case typeTypingStop:
		if !t.addressedToSelf(env) {
			return
		}
		t.bus.Emit(transport.EventTypingStop, transport.TypingEvent{UserID: env.FromUserID, IsTyping: false})

	case typeUserSearch:
		t.handleUserSearch(env)

	case typeUserSearchResponse:
		t.handleUserSearchResponse(env)

	default:
		t.logger.Debug().Str("envelope_type", env.Type).Msg("Peer sent unknown envelope type")
	}
}

// addressedToSelf reports whether a targeted envelope is for the local user.
func (t *Transport) addressedToSelf(env envelope) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return env.TargetUserID == t.userID
}

// handleUserJoined records the new peer and re-announces the local user's
// heartbeat, so the newcomer builds its online set without a central
// registry.
func (t *Transport) handleUserJoined(env envelope) {
	t.mu.Lock()
	t.peers[env.FromUserID] = &presence.Record{
		UserID:   env.FromUserID,
		Nickname: env.FromNickname,
		Status:   presence.StatusOnline,
		LastSeen: time.Now(),
	}
	t.mu.Unlock()

	t.bus.Emit(transport.EventUserJoined, transport.UserEvent{UserID: env.FromUserID, Nickname: env.FromNickname})

	t.sendHeartbeat()
}

func (t *Transport) handleUserLeft(env envelope) {
	t.mu.Lock()
	_, known := t.peers[env.FromUserID]
	delete(t.peers, env.FromUserID)
	t.mu.Unlock()

	if known {
		t.bus.Emit(transport.EventUserLeft, transport.UserEvent{UserID: env.FromUserID, Nickname: env.FromNickname})
	}
}

// handleHeartbeat refreshes the sender's presence record, creating it (and
// announcing the user) when the heartbeat is the first sign of the peer.
func (t *Transport) handleHeartbeat(env envelope) {
	status := env.Status
	if status == "" {
		status = presence.StatusOnline
	}

	t.mu.Lock()

	rec, known := t.peers[env.FromUserID]
	statusChanged := false

	if known {
		statusChanged = rec.Status != status
		rec.Status = status
		rec.LastSeen = time.Now()
	} else {
		t.peers[env.FromUserID] = &presence.Record{
			UserID:   env.FromUserID,
			Nickname: env.FromNickname,
			Status:   status,
			LastSeen: time.Now(),
		}
	}

	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	if !known {
		t.bus.Emit(transport.EventUserJoined, transport.UserEvent{UserID: env.FromUserID, Nickname: env.FromNickname})
	}

	if !known || statusChanged {
		t.bus.Emit(transport.EventOnlineUsers, snapshot)
	}
}

// handleOnlineUsersRequest answers a newcomer with the local user's own
// presence, addressed back to the requester. The request is itself taken
// as a presence signal: on the storage substrate the requester's join
// announcement may have been overwritten before anyone observed it.
func (t *Transport) handleOnlineUsersRequest(env envelope) {
	t.mu.Lock()
	_, known := t.peers[env.FromUserID]
	t.peers[env.FromUserID] = &presence.Record{
		UserID:   env.FromUserID,
		Nickname: env.FromNickname,
		Status:   presence.StatusOnline,
		LastSeen: time.Now(),
	}
	self := wireUser{UserID: t.userID, Nickname: t.nickname, Status: presence.StatusOnline}
	if t.hidden {
		self.Status = presence.StatusAway
	}
	t.mu.Unlock()

	if !known {
		t.bus.Emit(transport.EventUserJoined, transport.UserEvent{UserID: env.FromUserID, Nickname: env.FromNickname})
	}

	t.publish(envelope{
		Type:         typeOnlineUsersResponse,
		TargetUserID: env.FromUserID,
		Users:        []wireUser{self},
	})
}

// handleOnlineUsersResponse merges the answered presence into the peer set.
func (t *Transport) handleOnlineUsersResponse(env envelope) {
	if !t.addressedToSelf(env) {
		return
	}

	t.mu.Lock()
	for _, u := range env.Users {
		t.peers[u.UserID] = &presence.Record{
			UserID:   u.UserID,
			Nickname: u.Nickname,
			Status:   u.Status,
			LastSeen: time.Now(),
		}
	}
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.bus.Emit(transport.EventOnlineUsers, snapshot)
}

// handleUserSearch self-matches the query against the local user's nickname
// or id, case-insensitively, and answers the requester on a match.
func (t *Transport) handleUserSearch(env envelope) {
	q := strings.ToLower(env.Query)

	t.mu.Lock()
	matched := strings.Contains(strings.ToLower(t.nickname), q) || strings.Contains(strings.ToLower(t.userID), q)
	self := wireUser{UserID: t.userID, Nickname: t.nickname, Status: presence.StatusOnline}
	if t.hidden {
		self.Status = presence.StatusAway
	}
	t.mu.Unlock()

	if !matched {
		return
	}

	t.publish(envelope{
		Type:         typeUserSearchResponse,
		TargetUserID: env.FromUserID,
		Query:        env.Query,
		User:         &self,
	})
}

func (t *Transport) handleUserSearchResponse(env envelope) {
	if !t.addressedToSelf(env) || env.User == nil {
		return
	}

	t.bus.Emit(transport.EventSearchResult, transport.SearchResult{
		Query: env.Query,
		User: presence.User{
			ID:       env.User.UserID,
			Nickname: env.User.Nickname,
			Status:   env.User.Status,
		},
	})
}

// snapshotLocked converts the peer records to their wire representation.
// Caller must hold mu.
func (t *Transport) snapshotLocked() []presence.User {
	users := make([]presence.User, 0, len(t.peers))
	for _, rec := range t.peers {
		users = append(users, rec.User())
	}
	return users
}
