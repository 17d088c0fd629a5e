/*
Package messenger exposes the transport-agnostic client facade of MsgHD.

This file implements the persisted client identity. The identity survives
process restarts so a recovered connection can re-establish presence
without user action.
*/
package messenger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Identity is the locally persisted user identity.
type Identity struct {
	UserID   string `json:"id"`
	Nickname string `json:"username"`
}

// IdentityStore persists the identity as a small JSON file.
type IdentityStore struct {
	path string
}

// NewIdentityStore constructs a store at path. An empty path disables
// persistence: Load reports no identity and Save is a no-op.
func NewIdentityStore(path string) *IdentityStore {
	return &IdentityStore{path: path}
}

// Load reads the persisted identity. A missing file is not an error; it
// returns a zero Identity.
func (s *IdentityStore) Load() (Identity, error) {
	if s.path == "" {
		return Identity{}, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Identity{}, nil
		}
		return Identity{}, fmt.Errorf("failed to read identity file: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return Identity{}, fmt.Errorf("failed to parse identity file: %w", err)
	}

	return id, nil
}

// Save writes the identity to disk.
func (s *IdentityStore) Save(id Identity) error {
	if s.path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}

	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}

	return nil
}

// Clear removes the persisted identity.
func (s *IdentityStore) Clear() error {
	if s.path == "" {
		return nil
	}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove identity file: %w", err)
	}

	return nil
}
