package local

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msghd/internal/pkg/events"
	"msghd/internal/transport"
)

// recorder collects bus emissions of one event.
type recorder struct {
	mu       sync.Mutex
	payloads []any
}

func record(bus *events.Bus, event string) *recorder {
	r := &recorder{}
	bus.On(event, func(p any) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.payloads = append(r.payloads, p)
	})
	return r
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *recorder) all() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.payloads...)
}

// peer bundles one local transport with its own bus, the way each browsing
// context owns its own client instance.
type peer struct {
	bus *events.Bus
	tr  *Transport
}

func newPeer(t *testing.T, g *Group, userID, nickname string, opts ...Option) *peer {
	t.Helper()

	bus := events.NewBus()
	base := []Option{WithHeartbeatInterval(time.Hour)}
	tr := New(bus, []Probe{GroupProbe(g)}, append(base, opts...)...)

	require.NoError(t, tr.Connect(userID, nickname))
	t.Cleanup(tr.Disconnect)

	return &peer{bus: bus, tr: tr}
}

func hasPeer(p *peer, userID string) func() bool {
	return func() bool {
		for _, u := range p.tr.OnlineUsers() {
			if u.ID == userID {
				return true
			}
		}
		return false
	}
}

func TestPeersDiscoverEachOther(t *testing.T) {
	g := NewGroup()

	alice := newPeer(t, g, "alice1", "Alice")
	joined := record(alice.bus, transport.EventUserJoined)

	bob := newPeer(t, g, "bob1", "Bob")

	// Alice sees Bob through his join announcement; Bob sees Alice through
	// her heartbeat re-announcement and online-users response.
	require.Eventually(t, hasPeer(alice, "bob1"), 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, hasPeer(bob, "alice1"), 2*time.Second, 5*time.Millisecond)

	evts := joined.all()
	require.NotEmpty(t, evts)
	assert.Equal(t, transport.UserEvent{UserID: "bob1", Nickname: "Bob"}, evts[0])

	// Nobody tracks their own presence.
	assert.False(t, hasPeer(alice, "alice1")())
	assert.False(t, hasPeer(bob, "bob1")())
}

func TestChatMessageReachesTargetOnly(t *testing.T) {
	g := NewGroup()

	alice := newPeer(t, g, "alice1", "Alice")
	bob := newPeer(t, g, "bob1", "Bob")
	carol := newPeer(t, g, "carol1", "Carol")

	require.Eventually(t, hasPeer(alice, "bob1"), 2*time.Second, 5*time.Millisecond)

	aliceMsgs := record(alice.bus, transport.EventChatMessage)
	bobMsgs := record(bob.bus, transport.EventChatMessage)
	carolMsgs := record(carol.bus, transport.EventChatMessage)

	alice.tr.SendChatMessage("bob1", "hi bob")

	require.Eventually(t, func() bool { return bobMsgs.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	msg := bobMsgs.all()[0].(transport.ChatMessage)
	assert.Equal(t, "alice1", msg.SenderID)
	assert.Equal(t, "Alice", msg.SenderName)
	assert.Equal(t, "bob1", msg.RecipientID)
	assert.Equal(t, "hi bob", msg.Text)
	assert.NotEmpty(t, msg.ID)

	// Carol overhears the broadcast but discards it; Alice filters her own.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, carolMsgs.count())
	assert.Equal(t, 0, aliceMsgs.count())
}

func TestTypingSignalsTargeted(t *testing.T) {
	g := NewGroup()

	alice := newPeer(t, g, "alice1", "Alice")
	bob := newPeer(t, g, "bob1", "Bob")

	starts := record(bob.bus, transport.EventTypingStart)
	stops := record(bob.bus, transport.EventTypingStop)

	alice.tr.SendTyping("bob1", true)
	alice.tr.SendTyping("bob1", false)

	require.Eventually(t, func() bool { return stops.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, starts.count())

	evt := starts.all()[0].(transport.TypingEvent)
	assert.Equal(t, "alice1", evt.UserID)
	assert.True(t, evt.IsTyping)
}

func TestSearchAggregatesPeerResponses(t *testing.T) {
	g := NewGroup()

	searcher := newPeer(t, g, "searcher1", "Searcher")
	newPeer(t, g, "user1", "Anna")
	newPeer(t, g, "BANANA1", "Fruit")
	newPeer(t, g, "bob1", "Bob")

	results := record(searcher.bus, transport.EventSearchResult)

	searcher.tr.SearchUsers("ann")

	// "Anna" matches on nickname, "BANANA1" on id; "Bob" stays silent.
	require.Eventually(t, func() bool { return results.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	var ids []string
	for _, p := range results.all() {
		res := p.(transport.SearchResult)
		assert.Equal(t, "ann", res.Query)
		ids = append(ids, res.User.ID)
	}
	assert.ElementsMatch(t, []string{"user1", "BANANA1"}, ids)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, results.count())
}

func TestSearchQueryTooShortIsIgnored(t *testing.T) {
	g := NewGroup()

	searcher := newPeer(t, g, "searcher1", "Searcher")
	newPeer(t, g, "a1", "A")

	results := record(searcher.bus, transport.EventSearchResult)

	searcher.tr.SearchUsers("a")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, results.count())
}

func TestDisconnectAnnouncesDeparture(t *testing.T) {
	g := NewGroup()

	alice := newPeer(t, g, "alice1", "Alice")
	bob := newPeer(t, g, "bob1", "Bob")

	require.Eventually(t, hasPeer(bob, "alice1"), 2*time.Second, 5*time.Millisecond)

	left := record(bob.bus, transport.EventUserLeft)

	alice.tr.Disconnect()

	require.Eventually(t, func() bool { return left.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, transport.UserEvent{UserID: "alice1", Nickname: "Alice"}, left.all()[0])
	assert.False(t, hasPeer(bob, "alice1")())
}

func TestSilentPeerEvictedOnce(t *testing.T) {
	g := NewGroup()

	bus := events.NewBus()
	tr := New(bus, []Probe{GroupProbe(g)},
		WithHeartbeatInterval(20*time.Millisecond),
		WithStaleThreshold(60*time.Millisecond),
	)
	require.NoError(t, tr.Connect("alice1", "Alice"))
	t.Cleanup(tr.Disconnect)

	left := record(bus, transport.EventUserLeft)

	// A ghost that announces itself and then never heartbeats.
	ghost := g.join()
	defer ghost.Close()
	require.NoError(t, ghost.Send([]byte(
		`{"type":"user_joined","fromUserId":"ghost1","fromNickname":"Ghost","id":"g1","timestamp":1}`,
	)))

	require.Eventually(t, func() bool {
		for _, u := range tr.OnlineUsers() {
			if u.ID == "ghost1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// The record outlives the threshold and is evicted with one user_left.
	require.Eventually(t, func() bool { return left.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, transport.UserEvent{UserID: "ghost1", Nickname: "Ghost"}, left.all()[0])

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, left.count())
	assert.Empty(t, tr.OnlineUsers())
}

func TestAwayStatusPropagates(t *testing.T) {
	g := NewGroup()

	alice := newPeer(t, g, "alice1", "Alice")
	bob := newPeer(t, g, "bob1", "Bob")

	require.Eventually(t, hasPeer(bob, "alice1"), 2*time.Second, 5*time.Millisecond)

	alice.tr.SetHidden(true)

	require.Eventually(t, func() bool {
		for _, u := range bob.tr.OnlineUsers() {
			if u.ID == "alice1" && u.Status == "away" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConnectFailsWithoutSubstrate(t *testing.T) {
	bus := events.NewBus()
	connErrs := record(bus, transport.EventConnectionError)

	tr := New(bus, []Probe{GroupProbe(nil), func() (Substrate, error) {
		return nil, fmt.Errorf("unavailable")
	}})

	err := tr.Connect("alice1", "Alice")
	require.Error(t, err)
	assert.False(t, tr.Active())
	assert.Equal(t, 1, connErrs.count())
}

func TestSendWhileDisconnectedRejected(t *testing.T) {
	bus := events.NewBus()
	tr := New(bus, []Probe{GroupProbe(NewGroup())})

	require.NotPanics(t, func() {
		tr.SendChatMessage("bob1", "nobody hears this")
		tr.SendTyping("bob1", true)
		tr.SearchUsers("bob")
	})
}

func TestConnectTwiceErrors(t *testing.T) {
	g := NewGroup()
	p := newPeer(t, g, "alice1", "Alice")

	assert.Error(t, p.tr.Connect("alice1", "Alice"))
}
