/*
Package local implements the fallback transport used when no relay is
reachable.

This file implements the secondary substrate: a shared-storage write/poll
emulation used when the broadcast group is unavailable. A sender writes the
message to a shared file; peers poll the file, deliver unseen messages, and
the writer clears the file shortly after. Concurrent writers can overwrite
each other, which matches the best-effort, silent-loss delivery model.
*/
package local

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// storagePollInterval is how often peers check the shared file.
	storagePollInterval = 50 * time.Millisecond

	// storageClearDelay is how long a written message stays observable
	// before the writer clears it.
	storageClearDelay = 150 * time.Millisecond

	storageQueueSize = 64
)

// StorageBus emulates a broadcast channel over a single shared file.
type StorageBus struct {
	path string
	recv chan []byte

	mu       sync.Mutex
	lastID   string
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// StorageProbe returns a probe that opens a StorageBus on the given path.
// An empty path or an unwritable location fails the probe.
func StorageProbe(path string) Probe {
	return func() (Substrate, error) {
		if path == "" {
			return nil, fmt.Errorf("shared storage path not configured")
		}
		return NewStorageBus(path)
	}
}

// NewStorageBus opens a bus on path, verifying the location is writable,
// and starts the poll loop.
func NewStorageBus(path string) (*StorageBus, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("shared storage unavailable: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shared storage unavailable: %w", err)
	}
	f.Close()

	b := &StorageBus{
		path: path,
		recv: make(chan []byte, storageQueueSize),
		stop: make(chan struct{}),
	}

	b.wg.Add(1)
	go b.pollLoop()

	return b, nil
}

// Send implements Substrate. The write is atomic (temp file plus rename)
// and the message is cleared again after storageClearDelay, mirroring the
// write-observe-clear cycle of the storage emulation.
func (b *StorageBus) Send(data []byte) error {
	tmp := fmt.Sprintf("%s.tmp.%d", b.path, time.Now().UnixNano())

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write shared storage: %w", err)
	}

	if err := os.Rename(tmp, b.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish shared storage message: %w", err)
	}

	time.AfterFunc(storageClearDelay, func() {
		// Best effort: another writer may have replaced the content
		// already, in which case their clear timer handles it.
		os.WriteFile(b.path, nil, 0o644)
	})

	return nil
}

// Receive implements Substrate.
func (b *StorageBus) Receive() <-chan []byte {
	return b.recv
}

// Close implements Substrate.
func (b *StorageBus) Close() error {
	b.stopOnce.Do(func() {
		close(b.stop)
	})
	b.wg.Wait()
	return nil
}

// pollLoop observes the shared file and delivers each distinct message
// once, deduplicating on the envelope id.
func (b *StorageBus) pollLoop() {
	defer b.wg.Done()
	defer close(b.recv)

	ticker := time.NewTicker(storagePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return

		case <-ticker.C:
			data, err := os.ReadFile(b.path)
			if err != nil || len(data) == 0 {
				continue
			}

			var probe struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(data, &probe); err != nil || probe.ID == "" {
				continue
			}

			b.mu.Lock()
			seen := probe.ID == b.lastID
			if !seen {
				b.lastID = probe.ID
			}
			b.mu.Unlock()

			if seen {
				continue
			}

			select {
			case b.recv <- data:
			default:
			}
		}
	}
}
