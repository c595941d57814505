//go:build linux
// +build linux

package firewall

import (
	"context"
	"net/netip"
	"sync"

	"palisade/internal/dnscache"
	"palisade/internal/logging"
)

// Service owns the active configuration and keeps the kernel ruleset in
// step with it. It re-applies when a new configuration arrives and when any
// watched hostname's addresses change.
type Service struct {
	compiler *Compiler
	watcher  *dnscache.Watcher
	log      *logging.Logger

	mu      sync.Mutex
	current *FirewallConfig

	// kick is an edge-triggered latch: config updates and address changes
	// coalesce into one pending re-apply.
	kick chan struct{}
}

// NewService wires the compiler to a DNS watcher used for hostname rule
// endpoints.
func NewService(compiler *Compiler, watcher *dnscache.Watcher) *Service {
	return &Service{
		compiler: compiler,
		watcher:  watcher,
		log:      logging.Default().WithComponent("firewall"),
		kick:     make(chan struct{}, 1),
	}
}

// UpdateConfig replaces the active configuration and schedules a re-apply.
func (s *Service) UpdateConfig(cfg *FirewallConfig) {
	s.mu.Lock()
	s.current = cfg
	s.mu.Unlock()
	s.signal()
}

// Current returns the active configuration, or nil before the first update.
func (s *Service) Current() *FirewallConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// ApplyCurrent resolves the active configuration's hostnames, re-registers
// the watcher on them and applies the resulting generation. Hostnames that
// fail to resolve are logged and their rules omitted; the device chain's
// default drop covers that traffic until the next re-apply.
func (s *Service) ApplyCurrent(ctx context.Context) error {
	cfg := s.Current()
	if cfg == nil {
		return nil
	}

	s.watcher.ClearWatchedNames()
	resolved := make(map[string][]netip.Addr)
	for _, name := range cfg.Hostnames() {
		addrs, err := s.watcher.ResolveAndWatch(ctx, name)
		if err != nil {
			s.log.Warn("hostname resolution failed", "name", name, "error", err)
			continue
		}
		resolved[name] = addrs
	}

	return s.compiler.Apply(cfg, resolved)
}

// Run re-applies the active configuration whenever it is updated or a
// watched hostname's address set changes, until ctx is cancelled. A failed
// apply is logged and retried on the next trigger; the kernel keeps the
// last good generation meanwhile.
func (s *Service) Run(ctx context.Context) error {
	go func() {
		for {
			if err := s.watcher.AddressChanged(ctx); err != nil {
				return
			}
			s.log.Debug("watched addresses changed")
			s.signal()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.kick:
			if err := s.ApplyCurrent(ctx); err != nil {
				s.log.Error("apply failed", "error", err)
			}
		}
	}
}

func (s *Service) signal() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}
