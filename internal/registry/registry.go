// Package registry owns the process-wide table of linked networks and
// their lifecycle: activation, reconnect-with-backoff, and teardown.
// It is an explicit value handed to the components that need it; there
// is no ambient global network table.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/interlink-irc/interlink/internal/bus"
	"github.com/interlink-irc/interlink/internal/config"
	"github.com/interlink-irc/interlink/internal/protocol"
)

// Registry maps network names to their lifecycle triple (transport,
// driver, state store), wrapped in Network.
type Registry struct {
	bus      *bus.Bus
	logger   zerolog.Logger
	families map[string]protocol.Family

	mu       sync.RWMutex
	networks map[string]*Network
	cancels  map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// New constructs an empty registry.
func New(b *bus.Bus, logger zerolog.Logger) *Registry {
	return &Registry{
		bus:      b,
		logger:   logger,
		families: make(map[string]protocol.Family),
		networks: make(map[string]*Network),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// RegisterFamily makes a daemon family available for configuration.
func (r *Registry) RegisterFamily(f protocol.Family) {
	r.families[f.Name] = f
}

// Activate creates a network from configuration and starts its
// connection loop.
func (r *Registry) Activate(ctx context.Context, name string, cfg config.NetworkConfig) error {
	family, ok := r.families[cfg.Protocol]
	if !ok {
		return fmt.Errorf("network %s: unknown protocol family %q", name, cfg.Protocol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.networks[name]; dup {
		return fmt.Errorf("network %s already active", name)
	}

	n := newNetwork(name, cfg, family, r.bus, r.logger)
	netCtx, cancel := context.WithCancel(ctx)
	r.networks[name] = n
	r.cancels[name] = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		n.run(netCtx)
		n.teardown()
	}()
	return nil
}

// Deactivate unlinks a network: its transport closes, outstanding
// emits fail fast, and its state store is cleared.
func (r *Registry) Deactivate(name string) {
	r.mu.Lock()
	cancel, ok := r.cancels[name]
	if ok {
		delete(r.cancels, name)
		delete(r.networks, name)
	}
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// Get returns the named network.
func (r *Registry) Get(name string) (*Network, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.networks[name]
	return n, ok
}

// Names lists active network names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.networks))
	for name := range r.networks {
		names = append(names, name)
	}
	return names
}

// Shutdown stops every network and waits for their loops to exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	for name, cancel := range r.cancels {
		cancel()
		delete(r.cancels, name)
		delete(r.networks, name)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
