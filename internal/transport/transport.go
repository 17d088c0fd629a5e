/*
Package transport defines the client-side transport abstraction for MsgHD
and its networked implementation.

A Transport owns the communication path to other users and reports what
happens on it through a transport-agnostic event taxonomy. Two variants
exist: the NetworkTransport in this package, which talks to the relay over
WebSocket, and the broadcast emulation in the local package, used when no
relay is reachable. The UI layer consumes only the taxonomy below and never
touches either wire format.
*/
package transport

import "msghd/internal/presence"

// Event names of the transport-agnostic taxonomy. Both transport variants
// emit exactly these, so the consumer does not care which one is active.
const (
	// EventConnected fires when the transport becomes usable.
	EventConnected = "connected"

	// EventDisconnected fires when the transport stops being usable.
	EventDisconnected = "disconnected"

	// EventJoined acknowledges the local user's join (networked mode only).
	EventJoined = "joined"

	// EventUserJoined fires when a remote user appears.
	EventUserJoined = "user_joined"

	// EventUserLeft fires when a remote user disappears, explicitly or by
	// staleness eviction.
	EventUserLeft = "user_left"

	// EventChatMessage carries an inbound or echoed direct message.
	EventChatMessage = "chat_message"

	// EventTypingStart and EventTypingStop carry remote typing signals.
	EventTypingStart = "typing_start"
	EventTypingStop  = "typing_stop"

	// EventSearchResult carries one user matching an earlier search.
	EventSearchResult = "search_result"

	// EventOnlineUsers carries the refreshed online-user snapshot.
	EventOnlineUsers = "online_users_updated"

	// EventConnectionError reports a transport that cannot operate at all.
	EventConnectionError = "connection_error"

	// EventFallbackActivated reports that the network transport exhausted
	// its reconnect budget; the facade reacts by switching transports.
	EventFallbackActivated = "fallback_activated"
)

// ChatMessage is the payload of EventChatMessage. The sender receives the
// identical record as an echo; the echo does not imply the recipient was
// reachable.
type ChatMessage struct {
	ID          string
	SenderID    string
	SenderName  string
	RecipientID string
	Text        string
	Timestamp   int64
}

// UserEvent is the payload of EventJoined, EventUserJoined and EventUserLeft.
type UserEvent struct {
	UserID   string
	Nickname string
}

// TypingEvent is the payload of EventTypingStart and EventTypingStop.
type TypingEvent struct {
	UserID   string
	IsTyping bool
}

// SearchResult is the payload of EventSearchResult. Query is empty in
// networked mode, where the relay does not echo it back.
type SearchResult struct {
	Query string
	User  presence.User
}

// Transport is the capability interface shared by both transport variants.
// Outbound sends are fire-and-forget: a send on a transport that is not
// connected is rejected and logged, never queued.
type Transport interface {
	// Connect establishes the transport under the given identity.
	Connect(userID, nickname string) error

	// Disconnect tears the transport down and cancels its pending timers.
	Disconnect()

	// SendChatMessage sends a direct message to the target user.
	SendChatMessage(targetUserID, text string)

	// SendTyping signals the target user that the local user started or
	// stopped typing.
	SendTyping(targetUserID string, isTyping bool)

	// SearchUsers asks for users matching the query; matches arrive as
	// EventSearchResult events.
	SearchUsers(query string)

	// OnlineUsers returns the current view of reachable remote users.
	OnlineUsers() []presence.User

	// Active reports whether the transport is currently usable.
	Active() bool
}
