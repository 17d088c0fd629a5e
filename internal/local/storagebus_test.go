package local

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msghd/internal/pkg/events"
)

func TestStorageBusDeliversBetweenPeers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.json")

	sender, err := NewStorageBus(path)
	require.NoError(t, err)
	defer sender.Close()

	receiver, err := NewStorageBus(path)
	require.NoError(t, err)
	defer receiver.Close()

	msg := []byte(`{"type":"heartbeat","fromUserId":"alice1","id":"m1","timestamp":1}`)
	require.NoError(t, sender.Send(msg))

	select {
	case got := <-receiver.Receive():
		assert.Equal(t, msg, got)
	case <-time.After(2 * time.Second):
		t.Fatal("message never arrived over the storage bridge")
	}
}

func TestStorageBusDeduplicatesOnID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.json")

	sender, err := NewStorageBus(path)
	require.NoError(t, err)
	defer sender.Close()

	receiver, err := NewStorageBus(path)
	require.NoError(t, err)
	defer receiver.Close()

	msg := []byte(`{"type":"heartbeat","fromUserId":"alice1","id":"m1","timestamp":1}`)
	require.NoError(t, sender.Send(msg))

	select {
	case <-receiver.Receive():
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery never arrived")
	}

	// The message stays on disk for several poll cycles but is delivered
	// only once.
	select {
	case extra := <-receiver.Receive():
		t.Fatalf("duplicate delivery: %s", extra)
	case <-time.After(3 * storagePollInterval):
	}
}

func TestStorageBusCloseClosesReceive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.json")

	b, err := NewStorageBus(path)
	require.NoError(t, err)

	require.NoError(t, b.Close())

	_, open := <-b.Receive()
	assert.False(t, open)
}

func TestStorageProbeRejectsUnusableLocations(t *testing.T) {
	_, err := StorageProbe("")()
	assert.Error(t, err)

	_, err = StorageProbe("/proc/definitely/not/writable/bridge.json")()
	assert.Error(t, err)
}

func TestProbeChainFallsThroughToStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.json")

	bus := events.NewBus()
	tr := New(bus, []Probe{GroupProbe(nil), StorageProbe(path)}, WithHeartbeatInterval(time.Hour))

	require.NoError(t, tr.Connect("alice1", "Alice"))
	defer tr.Disconnect()

	assert.True(t, tr.Active())

	// A second client on the same file sees the first one.
	bus2 := events.NewBus()
	tr2 := New(bus2, []Probe{GroupProbe(nil), StorageProbe(path)}, WithHeartbeatInterval(time.Hour))

	require.NoError(t, tr2.Connect("bob1", "Bob"))
	defer tr2.Disconnect()

	joined := func() bool {
		for _, u := range tr.OnlineUsers() {
			if u.ID == "bob1" {
				return true
			}
		}
		return false
	}
	require.Eventually(t, joined, 3*time.Second, 20*time.Millisecond)
}
