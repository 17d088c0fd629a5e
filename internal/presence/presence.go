/*
Package presence contains the data structures shared by the relay and the
client transports to describe who is online.

A User is the wire-level identity of a participant. A Record is the
client-local observation of a remote peer in broadcast mode, refreshed by
heartbeats and evicted when stale.
*/
package presence

import "time"

// Status describes a participant's availability.
type Status string

const (
	// StatusOnline marks a participant whose page is visible and reachable.
	StatusOnline Status = "online"

	// StatusAway marks a participant whose page is hidden.
	StatusAway Status = "away"
)

// User represents the identity of a chat participant as carried on the wire.
// LastSeen is a Unix timestamp in milliseconds.
type User struct {
	ID       string `json:"id"`
	Nickname string `json:"username"`
	Status   Status `json:"status"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

// Record is the client-side presence observation of a remote peer in
// broadcast mode. It exists only while the peer keeps heartbeating; there is
// no connection handle behind it.
type Record struct {
	UserID   string
	Nickname string
	Status   Status
	LastSeen time.Time
}

// User converts the record to its wire representation.
func (r Record) User() User {
	return User{
		ID:       r.UserID,
		Nickname: r.Nickname,
		Status:   r.Status,
		LastSeen: r.LastSeen.UnixMilli(),
	}
}

// Stale reports whether the record has not been refreshed within threshold.
func (r Record) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(r.LastSeen) > threshold
}
