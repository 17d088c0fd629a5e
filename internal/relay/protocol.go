/*
Package relay implements the networked side of MsgHD: the WebSocket
connection handling, the connection registry, and the direct-message router.

This file defines the wire protocol. All frames are flat JSON objects tagged
with a "type" field.
*/
package relay

import "msghd/internal/presence"

// FrameType identifies the kind of a wire frame.
type FrameType string

const (
	// TypeJoin registers the sending connection under a user identity (client to relay).
	TypeJoin FrameType = "join"

	// TypeJoined acknowledges a join to the caller only (relay to client).
	TypeJoined FrameType = "joined"

	// TypeUsersList carries the full current user list (relay to all).
	TypeUsersList FrameType = "users_list"

	// TypeMessage is a direct message, both as a request and as the
	// delivered/echoed record (client to relay, relay to client).
	TypeMessage FrameType = "message"

	// TypeTyping carries a typing flag to a single recipient.
	TypeTyping FrameType = "typing"

	// TypeSearch asks the relay for users matching a query (client to relay).
	TypeSearch FrameType = "search"

	// TypeSearchResults answers a search to the requester only (relay to client).
	TypeSearchResults FrameType = "search_results"
)

// inboundFrame is the superset of fields a client may send. Unknown or
// irrelevant fields are ignored per frame type.
type inboundFrame struct {
	Type        FrameType `json:"type"`
	UserID      string    `json:"userId,omitempty"`
	Username    string    `json:"username,omitempty"`
	RecipientID string    `json:"recipientId,omitempty"`
	Text        string    `json:"text,omitempty"`
	IsTyping    bool      `json:"isTyping,omitempty"`
	Query       string    `json:"query,omitempty"`
}

// joinedFrame acknowledges a successful join to the joining connection.
type joinedFrame struct {
	Type     FrameType `json:"type"`
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
}

// usersListFrame broadcasts the authoritative presence snapshot.
type usersListFrame struct {
	Type  FrameType       `json:"type"`
	Users []presence.User `json:"users"`
}

// messageFrame is the delivered/echoed form of a direct message. The same
// record goes to the recipient (if reachable) and back to the sender.
type messageFrame struct {
	Type        FrameType `json:"type"`
	ID          string    `json:"id"`
	SenderID    string    `json:"senderId"`
	SenderName  string    `json:"senderName"`
	RecipientID string    `json:"recipientId"`
	Text        string    `json:"text"`
	Timestamp   int64     `json:"timestamp"`
}

// typingFrame is the delivered form of a typing signal.
type typingFrame struct {
	Type     FrameType `json:"type"`
	SenderID string    `json:"senderId"`
	IsTyping bool      `json:"isTyping"`
}

// SearchEntry is one match in a search_results frame.
type SearchEntry struct {
	ID       string          `json:"id"`
	Username string          `json:"username"`
	Status   presence.Status `json:"status"`
}

// searchResultsFrame answers a search request.
type searchResultsFrame struct {
	Type    FrameType     `json:"type"`
	Results []SearchEntry `json:"results"`
}
