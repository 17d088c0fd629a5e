package messenger

import (
	"fmt"
	"sync"
	"time"

	"msghd/internal/local"
	"msghd/internal/pkg/events"
	"msghd/internal/pkg/logx"
	"msghd/internal/pkg/randx"
	"msghd/internal/presence"
	"msghd/internal/transport"
)

// DefaultTypingDebounce is how long after the last keystroke a typing
// burst is considered finished.
const DefaultTypingDebounce = 2000 * time.Millisecond

// Config configures a Messenger.
type Config struct {
	// RelayURL is the WebSocket endpoint of the central relay.
	RelayURL string

	// Group, when non-nil, lets the fallback transport reach peers in
	// the same process. StoragePath is the shared-file fallback used
	// when no group is available; empty disables it.
	Group       *local.Group
	StoragePath string

	// IdentityPath is where the client identity is persisted. Empty
	// disables persistence.
	IdentityPath string

	// TypingDebounce overrides DefaultTypingDebounce when positive.
	TypingDebounce time.Duration

	NetworkOptions []transport.Option
	LocalOptions   []local.Option
}

// hideable is implemented by transports whose presence status can be
// toggled between online and away.
type hideable interface {
	SetHidden(hidden bool)
}

// Messenger is the client facade. It owns both transport variants and a
// single event bus; callers interact with whichever variant is active
// without knowing which one it is. The network variant is active until
// it degrades, at which point the facade switches to the local variant
// and re-establishes presence there.
type Messenger struct {
	bus      *events.Bus
	network  transport.Transport
	fallback transport.Transport
	store    *IdentityStore
	debounce time.Duration

	mu           sync.Mutex
	active       transport.Transport
	userID       string
	nickname     string
	typingTimers map[string]*time.Timer
}

// New constructs a Messenger wired with a network transport and a local
// fallback transport built from cfg.
func New(cfg Config) *Messenger {
	bus := events.NewBus()

	var probes []local.Probe
	if cfg.Group != nil {
		probes = append(probes, local.GroupProbe(cfg.Group))
	}
	if cfg.StoragePath != "" {
		probes = append(probes, local.StorageProbe(cfg.StoragePath))
	}

	m := newMessenger(
		bus,
		transport.NewNetwork(cfg.RelayURL, bus, cfg.NetworkOptions...),
		local.New(bus, probes, cfg.LocalOptions...),
		cfg,
	)
	return m
}

// newMessenger wires a Messenger from pre-built transports. Split out so
// tests can inject fakes.
func newMessenger(bus *events.Bus, network, fallback transport.Transport, cfg Config) *Messenger {
	debounce := cfg.TypingDebounce
	if debounce <= 0 {
		debounce = DefaultTypingDebounce
	}

	m := &Messenger{
		bus:          bus,
		network:      network,
		fallback:     fallback,
		store:        NewIdentityStore(cfg.IdentityPath),
		debounce:     debounce,
		active:       network,
		typingTimers: make(map[string]*time.Timer),
	}

	bus.On(transport.EventFallbackActivated, func(any) {
		m.activateFallback()
	})

	return m
}

// Events returns the shared event bus. Both transport variants emit on
// it, so subscriptions survive a fallback switch.
func (m *Messenger) Events() *events.Bus {
	return m.bus
}

// On subscribes fn to event on the shared bus.
func (m *Messenger) On(event string, fn events.Handler) events.Subscription {
	return m.bus.On(event, fn)
}

// Off removes a subscription made with On.
func (m *Messenger) Off(sub events.Subscription) {
	m.bus.Off(sub)
}

// Connect establishes presence through the active transport. When userID
// is empty the persisted identity is reused, and a fresh guest identity
// is generated if none exists. The resolved identity is persisted for
// future sessions.
func (m *Messenger) Connect(userID, nickname string) error {
	if userID == "" {
		saved, err := m.store.Load()
		if err != nil {
			logx.Warn("failed to load persisted identity", "error", err.Error())
		}
		userID = saved.UserID
		if nickname == "" {
			nickname = saved.Nickname
		}
	}
	if userID == "" {
		id, err := randx.GuestID()
		if err != nil {
			return fmt.Errorf("failed to generate guest identity: %w", err)
		}
		userID = id
	}
	if nickname == "" {
		nick, err := randx.UserNickname()
		if err != nil {
			return fmt.Errorf("failed to generate nickname: %w", err)
		}
		nickname = nick
	}

	if err := m.store.Save(Identity{UserID: userID, Nickname: nickname}); err != nil {
		logx.Warn("failed to persist identity", "error", err.Error())
	}

	m.mu.Lock()
	m.userID = userID
	m.nickname = nickname
	active := m.active
	m.mu.Unlock()

	if err := active.Connect(userID, nickname); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

// Disconnect tears down the active transport and cancels any pending
// typing-stop timers.
func (m *Messenger) Disconnect() {
	m.mu.Lock()
	for target, timer := range m.typingTimers {
		timer.Stop()
		delete(m.typingTimers, target)
	}
	active := m.active
	m.mu.Unlock()

	active.Disconnect()
}

// SendChatMessage delivers text to targetUserID through the active
// transport. A pending typing burst toward the same target is flushed
// with a typing-stop first, mirroring what a recipient expects: the
// typing indicator clears the moment the message lands.
func (m *Messenger) SendChatMessage(targetUserID, text string) {
	m.mu.Lock()
	if timer, ok := m.typingTimers[targetUserID]; ok {
		timer.Stop()
		delete(m.typingTimers, targetUserID)
	}
	active := m.active
	m.mu.Unlock()

	active.SendTyping(targetUserID, false)
	active.SendChatMessage(targetUserID, text)
}

// SendTyping forwards a raw typing indicator through the active
// transport, bypassing the debounce.
func (m *Messenger) SendTyping(targetUserID string, isTyping bool) {
	m.activeTransport().SendTyping(targetUserID, isTyping)
}

// NotifyTyping records one keystroke toward targetUserID. The first
// keystroke of a burst sends a typing-start; each subsequent one pushes
// back a pending typing-stop, which fires once the burst has been idle
// for the debounce window. A rapid burst therefore produces exactly one
// start and one stop.
func (m *Messenger) NotifyTyping(targetUserID string) {
	m.mu.Lock()
	active := m.active
	timer, pending := m.typingTimers[targetUserID]
	if pending {
		timer.Stop()
	}
	m.typingTimers[targetUserID] = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		delete(m.typingTimers, targetUserID)
		active := m.active
		m.mu.Unlock()
		active.SendTyping(targetUserID, false)
	})
	m.mu.Unlock()

	if !pending {
		active.SendTyping(targetUserID, true)
	}
}

// SearchUsers issues a peer search through the active transport. Results
// arrive as search events on the bus.
func (m *Messenger) SearchUsers(query string) {
	m.activeTransport().SearchUsers(query)
}

// OnlineUsers returns the active transport's current presence view.
func (m *Messenger) OnlineUsers() []presence.User {
	return m.activeTransport().OnlineUsers()
}

// Active reports whether the active transport currently has a live
// connection.
func (m *Messenger) Active() bool {
	return m.activeTransport().Active()
}

// SetHidden toggles away status on transports that track visibility.
func (m *Messenger) SetHidden(hidden bool) {
	if h, ok := m.activeTransport().(hideable); ok {
		h.SetHidden(hidden)
	}
}

// Identity returns the identity used by the last Connect call.
func (m *Messenger) Identity() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Identity{UserID: m.userID, Nickname: m.nickname}
}

func (m *Messenger) activeTransport() transport.Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// activateFallback switches the active variant to the local transport
// and re-establishes presence there with the existing identity. Runs at
// most once per Messenger.
func (m *Messenger) activateFallback() {
	m.mu.Lock()
	if m.active == m.fallback {
		m.mu.Unlock()
		return
	}
	m.active = m.fallback
	userID := m.userID
	nickname := m.nickname
	m.mu.Unlock()

	logx.Warn("network transport degraded, switching to local transport")

	if userID == "" {
		return
	}
	if err := m.fallback.Connect(userID, nickname); err != nil {
		logx.Error(err, "failed to activate local transport")
	}
}
