package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"palisade/internal/firewall"
	"palisade/internal/logging"
)

// StateStore persists the last received configuration so the agent can
// restore enforcement before the controller is reachable again.
type StateStore struct {
	path string
	log  *logging.Logger
}

// NewStateStore persists to path.
func NewStateStore(path string) *StateStore {
	return &StateStore{
		path: path,
		log:  logging.Default().WithComponent("state"),
	}
}

// Save writes cfg to disk, creating parent directories as needed. The file
// is written to a temporary name and renamed so a crash never leaves a
// truncated state file.
func (s *StateStore) Save(cfg *firewall.FirewallConfig) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("commit state: %w", err)
	}
	s.log.Debug("persisted configuration", "path", s.path)
	return nil
}

// Load reads the persisted configuration. A missing file is not an error;
// it returns (nil, nil) so the caller waits for the controller instead.
func (s *StateStore) Load() (*firewall.FirewallConfig, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	var cfg firewall.FirewallConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("stale state: %w", err)
	}
	return &cfg, nil
}
