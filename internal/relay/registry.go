/*
Package relay implements the networked side of MsgHD.

This file defines the Registry, the authoritative mapping between live
connections and logical users, and the router that delivers direct messages,
typing signals, and search queries between them.
*/
package relay

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"msghd/internal/pkg/logx"
	"msghd/internal/pkg/randx"
	"msghd/internal/presence"
)

// DefaultSweepInterval is how often the registry prunes mappings whose
// connection is no longer open. The sweep is a defensive measure against
// missed close events.
const DefaultSweepInterval = 30 * time.Second

// Registry holds the live connection-to-user mapping and routes frames
// between connections.
//
// A single mutex guards every mutation together with the broadcast it
// triggers, so every recipient of a users_list broadcast observes a registry
// state at least as fresh as the event that caused it.
type Registry struct {
	mu sync.Mutex

	// conns tracks every attached connection, joined or not. Presence
	// broadcasts go to all of them.
	conns map[Link]struct{}

	// users maps a connection to its registered user, if the connection
	// has completed a join.
	users map[Link]*presence.User

	// byID maps a userId to the connection that most recently joined with
	// it. Nothing prevents two connections from claiming the same id; the
	// last join wins for routing purposes.
	byID map[string]Link

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger zerolog.Logger
}

// NewRegistry constructs a Registry and starts its background sweep loop.
// Call Shutdown to stop it.
func NewRegistry(sweepInterval time.Duration) *Registry {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	r := &Registry{
		conns:  make(map[Link]struct{}),
		users:  make(map[Link]*presence.User),
		byID:   make(map[string]Link),
		stop:   make(chan struct{}),
		logger: logx.Logger().With().Str("component", "registry").Logger(),
	}

	r.wg.Add(1)
	go r.runSweepLoop(sweepInterval)

	return r
}

// Shutdown stops the sweep loop and waits for it to exit.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	r.wg.Wait()

	r.logger.Info().Msg("Registry shut down.")
}

// Attach makes the registry aware of a newly opened connection so it
// receives presence broadcasts even before joining.
func (r *Registry) Attach(link Link) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[link] = struct{}{}
}

// Detach removes a connection entirely. If the connection had a registered
// user, the updated user list is broadcast to the remaining connections.
// Triggered by socket close or by the periodic sweep.
func (r *Registry) Detach(link Link) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conns, link)
	r.removeUserLocked(link, true)
}

// Leave removes the user mapping for a connection while keeping the
// connection attached, then broadcasts the updated user list.
func (r *Registry) Leave(link Link) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeUserLocked(link, true)
}

// removeUserLocked deletes the user registered on link, if any, and
// broadcasts the new list when requested. Caller must hold mu.
func (r *Registry) removeUserLocked(link Link, broadcast bool) {
	u, ok := r.users[link]
	if !ok {
		return
	}

	delete(r.users, link)
	if r.byID[u.ID] == link {
		delete(r.byID, u.ID)
	}

	r.logger.Info().
		Str("user_id", u.ID).
		Int("total_users", len(r.byID)).
		Msg("User left.")

	if broadcast {
		r.broadcastUsersLocked()
	}
}

// HandleFrame parses a raw inbound frame from link and dispatches it.
// Malformed payloads are logged and discarded; the connection continues
// unaffected.
func (r *Registry) HandleFrame(link Link, raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		r.logger.Warn().Err(err).Bytes("frame", raw).Msg("Client sent invalid JSON")
		return
	}

	switch frame.Type {
	case TypeJoin:
		if frame.UserID == "" || frame.Username == "" {
			r.logger.Warn().Msg("Join frame missing userId or username")
			return
		}
		r.Join(link, frame.UserID, frame.Username)

	case TypeMessage:
		r.Route(link, frame.RecipientID, frame.Text)

	case TypeTyping:
		r.RelayTyping(link, frame.RecipientID, frame.IsTyping)

	case TypeSearch:
		r.Search(link, frame.Query)

	default:
		r.logger.Warn().Str("frame_type", string(frame.Type)).Msg("Client sent unsupported frame type")
	}
}

// Join registers link under the given identity, overwriting any prior
// mapping for that connection. No uniqueness check is enforced on userID:
// a second connection may claim the same id, and the most recent join wins
// for routing. The caller alone receives a joined acknowledgment; everyone
// then receives the full user list.
func (r *Registry) Join(link Link, userID, nickname string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, ok := r.users[link]; ok {
		if r.byID[prior.ID] == link {
			delete(r.byID, prior.ID)
		}
	}

	u := &presence.User{
		ID:       userID,
		Nickname: nickname,
		Status:   presence.StatusOnline,
		LastSeen: time.Now().UnixMilli(),
	}

	r.conns[link] = struct{}{}
	r.users[link] = u
	r.byID[userID] = link

	r.logger.Info().
		Str("user_id", userID).
		Str("nickname", nickname).
		Int("total_users", len(r.byID)).
		Msg("User joined.")

	r.sendLocked(link, joinedFrame{Type: TypeJoined, UserID: userID, Username: nickname})
	r.broadcastUsersLocked()
}

// Route delivers a direct message. An unestablished sender is dropped
// silently. The recipient, when registered and writable, receives the
// message record; the sender always receives the identical record as an
// echo. The echo is the sender's only confirmation and does not imply the
// recipient was reachable: a message to an absent recipient is discarded
// after the echo with no error reported.
func (r *Registry) Route(link Link, recipientID, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sender, ok := r.users[link]
	if !ok {
		r.logger.Warn().Msg("Dropping message from connection with no established join")
		return
	}

	sender.LastSeen = time.Now().UnixMilli()

	frame := messageFrame{
		Type:        TypeMessage,
		ID:          randx.MessageID(),
		SenderID:    sender.ID,
		SenderName:  sender.Nickname,
		RecipientID: recipientID,
		Text:        text,
		Timestamp:   time.Now().UnixMilli(),
	}

	if recipient, ok := r.byID[recipientID]; ok && recipient.Alive() {
		r.sendLocked(recipient, frame)
	}

	r.sendLocked(link, frame)
}

// RelayTyping forwards a typing flag to the recipient's connection only.
// Absent recipient or unestablished sender is a no-op.
func (r *Registry) RelayTyping(link Link, recipientID string, isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sender, ok := r.users[link]
	if !ok {
		return
	}

	recipient, ok := r.byID[recipientID]
	if !ok || !recipient.Alive() {
		return
	}

	r.sendLocked(recipient, typingFrame{Type: TypeTyping, SenderID: sender.ID, IsTyping: isTyping})
}

// Search answers the requester with every registered user whose nickname or
// id contains the query, case-insensitively. The requester may match its own
// identity.
func (r *Registry) Search(link Link, query string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q := strings.ToLower(query)

	results := make([]SearchEntry, 0)
	for id, l := range r.byID {
		u, ok := r.users[l]
		if !ok || u.ID != id {
			continue
		}

		if strings.Contains(strings.ToLower(u.Nickname), q) || strings.Contains(strings.ToLower(u.ID), q) {
			results = append(results, SearchEntry{ID: u.ID, Username: u.Nickname, Status: u.Status})
		}
	}

	r.sendLocked(link, searchResultsFrame{Type: TypeSearchResults, Results: results})
}

// OnlineCount returns the number of registered users.
func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.byID)
}

// snapshotUsersLocked builds the authoritative user list. When two
// connections registered the same id, only the most recent one appears.
// Caller must hold mu.
func (r *Registry) snapshotUsersLocked() []presence.User {
	users := make([]presence.User, 0, len(r.byID))
	for id, link := range r.byID {
		if u, ok := r.users[link]; ok && u.ID == id {
			users = append(users, *u)
		}
	}
	return users
}

// broadcastUsersLocked sends the current user list to every attached
// connection. Caller must hold mu, so the snapshot reflects the mutation
// that triggered the broadcast.
func (r *Registry) broadcastUsersLocked() {
	frame := usersListFrame{Type: TypeUsersList, Users: r.snapshotUsersLocked()}

	data, err := json.Marshal(frame)
	if err != nil {
		r.logger.Error().Err(err).Msg("Error marshaling users_list broadcast")
		return
	}

	for link := range r.conns {
		link.Enqueue(data)
	}
}

// sendLocked marshals a frame and queues it on a single connection.
// Caller must hold mu.
func (r *Registry) sendLocked(link Link, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		r.logger.Error().Err(err).Msg("Error marshaling frame")
		return
	}

	link.Enqueue(data)
}

// runSweepLoop periodically prunes mappings whose connection is no longer
// open, catching connections whose close event was missed.
func (r *Registry) runSweepLoop(interval time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stop:
			return
		}
	}
}

// sweep removes every dead connection and broadcasts the updated user list
// once if any registered user was pruned.
func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for link := range r.conns {
		if link.Alive() {
			continue
		}

		delete(r.conns, link)

		if u, ok := r.users[link]; ok {
			delete(r.users, link)
			if r.byID[u.ID] == link {
				delete(r.byID, u.ID)
			}
			pruned++
		}
	}

	if pruned > 0 {
		r.logger.Info().Int("pruned", pruned).Msg("Sweep removed dead connections.")
		r.broadcastUsersLocked()
	}
}
