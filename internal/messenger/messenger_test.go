package messenger

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msghd/internal/pkg/events"
	"msghd/internal/presence"
	"msghd/internal/transport"
)

type typingCall struct {
	target   string
	isTyping bool
}

type msgCall struct {
	target string
	text   string
}

// fakeTransport records every call the facade makes on it.
type fakeTransport struct {
	mu          sync.Mutex
	connects    []Identity
	disconnects int
	typing      []typingCall
	messages    []msgCall
	searches    []string
	active      bool
}

var _ transport.Transport = (*fakeTransport)(nil)

func (f *fakeTransport) Connect(userID, nickname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, Identity{UserID: userID, Nickname: nickname})
	f.active = true
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.active = false
}

func (f *fakeTransport) SendChatMessage(targetUserID, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msgCall{target: targetUserID, text: text})
}

func (f *fakeTransport) SendTyping(targetUserID string, isTyping bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, typingCall{target: targetUserID, isTyping: isTyping})
}

func (f *fakeTransport) SearchUsers(query string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, query)
}

func (f *fakeTransport) OnlineUsers() []presence.User {
	return nil
}

func (f *fakeTransport) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeTransport) typingCalls() []typingCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]typingCall(nil), f.typing...)
}

func (f *fakeTransport) messageCalls() []msgCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]msgCall(nil), f.messages...)
}

func (f *fakeTransport) connectCalls() []Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Identity(nil), f.connects...)
}

func newTestMessenger(t *testing.T, cfg Config) (*Messenger, *fakeTransport, *fakeTransport, *events.Bus) {
	t.Helper()

	bus := events.NewBus()
	network := &fakeTransport{}
	fallback := &fakeTransport{}
	m := newMessenger(bus, network, fallback, cfg)
	return m, network, fallback, bus
}

func TestConnectGeneratesAndPersistsGuestIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	m, network, _, _ := newTestMessenger(t, Config{IdentityPath: path})
	require.NoError(t, m.Connect("", ""))

	id := m.Identity()
	assert.True(t, strings.HasPrefix(id.UserID, "guest_"), "got %q", id.UserID)
	assert.NotEmpty(t, id.Nickname)

	calls := network.connectCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, id, calls[0])

	// A later session on the same store resumes the same identity.
	m2, network2, _, _ := newTestMessenger(t, Config{IdentityPath: path})
	require.NoError(t, m2.Connect("", ""))
	assert.Equal(t, id, m2.Identity())
	assert.Equal(t, []Identity{id}, network2.connectCalls())
}

func TestConnectPrefersExplicitIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	store := NewIdentityStore(path)
	require.NoError(t, store.Save(Identity{UserID: "old1", Nickname: "Old"}))

	m, network, _, _ := newTestMessenger(t, Config{IdentityPath: path})
	require.NoError(t, m.Connect("new1", "New"))

	assert.Equal(t, []Identity{{UserID: "new1", Nickname: "New"}}, network.connectCalls())

	// The explicit identity replaces the stored one.
	saved, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "new1", Nickname: "New"}, saved)
}

func TestFallbackSwitchReconnectsWithSameIdentity(t *testing.T) {
	m, network, fallback, bus := newTestMessenger(t, Config{})
	require.NoError(t, m.Connect("alice1", "Alice"))

	bus.Emit(transport.EventFallbackActivated, nil)

	require.Eventually(t, func() bool {
		return len(fallback.connectCalls()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Identity{UserID: "alice1", Nickname: "Alice"}, fallback.connectCalls()[0])

	// Outbound traffic now goes to the fallback only.
	m.SendChatMessage("bob1", "still here")
	assert.Empty(t, network.messageCalls())
	require.Len(t, fallback.messageCalls(), 1)
	assert.Equal(t, msgCall{target: "bob1", text: "still here"}, fallback.messageCalls()[0])

	// A second activation is a no-op.
	bus.Emit(transport.EventFallbackActivated, nil)
	assert.Len(t, fallback.connectCalls(), 1)
}

func TestFallbackBeforeConnectSwitchesWithoutConnecting(t *testing.T) {
	m, _, fallback, bus := newTestMessenger(t, Config{})

	bus.Emit(transport.EventFallbackActivated, nil)
	assert.Empty(t, fallback.connectCalls())

	// The identity from a later Connect lands on the fallback directly.
	require.NoError(t, m.Connect("alice1", "Alice"))
	assert.Equal(t, []Identity{{UserID: "alice1", Nickname: "Alice"}}, fallback.connectCalls())
}

func TestNotifyTypingCoalescesBurst(t *testing.T) {
	m, network, _, _ := newTestMessenger(t, Config{TypingDebounce: 40 * time.Millisecond})
	require.NoError(t, m.Connect("alice1", "Alice"))

	for i := 0; i < 5; i++ {
		m.NotifyTyping("bob1")
		time.Sleep(5 * time.Millisecond)
	}

	// One start immediately, one stop after the burst goes idle.
	require.Eventually(t, func() bool {
		return len(network.typingCalls()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	calls := network.typingCalls()
	assert.Equal(t, typingCall{target: "bob1", isTyping: true}, calls[0])
	assert.Equal(t, typingCall{target: "bob1", isTyping: false}, calls[1])

	// A fresh burst starts over.
	m.NotifyTyping("bob1")
	require.Eventually(t, func() bool {
		return len(network.typingCalls()) == 4
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNotifyTypingTracksConversationsIndependently(t *testing.T) {
	m, network, _, _ := newTestMessenger(t, Config{TypingDebounce: 40 * time.Millisecond})
	require.NoError(t, m.Connect("alice1", "Alice"))

	m.NotifyTyping("bob1")
	m.NotifyTyping("carol1")

	require.Eventually(t, func() bool {
		return len(network.typingCalls()) == 4
	}, 2*time.Second, 5*time.Millisecond)

	var starts, stops []string
	for _, c := range network.typingCalls() {
		if c.isTyping {
			starts = append(starts, c.target)
		} else {
			stops = append(stops, c.target)
		}
	}
	assert.ElementsMatch(t, []string{"bob1", "carol1"}, starts)
	assert.ElementsMatch(t, []string{"bob1", "carol1"}, stops)
}

func TestSendFlushesPendingTypingStop(t *testing.T) {
	m, network, _, _ := newTestMessenger(t, Config{TypingDebounce: 50 * time.Millisecond})
	require.NoError(t, m.Connect("alice1", "Alice"))

	m.NotifyTyping("bob1")
	m.SendChatMessage("bob1", "done typing")

	calls := network.typingCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, typingCall{target: "bob1", isTyping: true}, calls[0])
	assert.Equal(t, typingCall{target: "bob1", isTyping: false}, calls[1])

	// The cancelled timer must not fire a second stop later.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, network.typingCalls(), 2)
}

func TestDisconnectCancelsTypingTimers(t *testing.T) {
	m, network, _, _ := newTestMessenger(t, Config{TypingDebounce: 40 * time.Millisecond})
	require.NoError(t, m.Connect("alice1", "Alice"))

	m.NotifyTyping("bob1")
	m.Disconnect()

	time.Sleep(80 * time.Millisecond)

	// Only the burst's typing start ever went out.
	calls := network.typingCalls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].isTyping)
}

func TestOperationsDelegateToActiveTransport(t *testing.T) {
	m, network, _, _ := newTestMessenger(t, Config{})
	require.NoError(t, m.Connect("alice1", "Alice"))

	m.SearchUsers("bob")
	m.SendTyping("bob1", true)

	assert.Equal(t, []string{"bob"}, func() []string {
		network.mu.Lock()
		defer network.mu.Unlock()
		return append([]string(nil), network.searches...)
	}())
	assert.True(t, m.Active())
}

func TestIdentityStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "identity.json")
	store := NewIdentityStore(path)

	// Missing file reads as a zero identity.
	id, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, Identity{}, id)

	require.NoError(t, store.Save(Identity{UserID: "alice1", Nickname: "Alice"}))

	id, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "alice1", Nickname: "Alice"}, id)

	require.NoError(t, store.Clear())
	id, err = store.Load()
	require.NoError(t, err)
	assert.Equal(t, Identity{}, id)

	// Clearing twice stays quiet.
	require.NoError(t, store.Clear())
}
