package config

import (
	"fmt"
	"sync/atomic"
)

// Store holds the current ReconstructionConfig. Replacement is whole-value
// and atomic; readers take a copy and never see a half-applied update.
type Store struct {
	current atomic.Pointer[ReconstructionConfig]
}

// NewStore returns a Store seeded with initial, which must validate.
func NewStore(initial ReconstructionConfig) (*Store, error) {
	s := &Store{}
	if err := s.Replace(initial); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns a copy of the current config.
func (s *Store) Snapshot() ReconstructionConfig {
	if p := s.current.Load(); p != nil {
		return *p
	}
	return DefaultReconstructionConfig()
}

// Replace validates cfg and installs it for subsequent runs.
func (s *Store) Replace(cfg ReconstructionConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	c := cfg
	s.current.Store(&c)
	return nil
}
