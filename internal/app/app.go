// Package app wires configuration, persistence, the event bus, the
// network registry and the relay engine into one runnable daemon.
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/interlink-irc/interlink/internal/auth"
	"github.com/interlink-irc/interlink/internal/bus"
	"github.com/interlink-irc/interlink/internal/config"
	"github.com/interlink-irc/interlink/internal/protocol/ts6"
	"github.com/interlink-irc/interlink/internal/registry"
	"github.com/interlink-irc/interlink/internal/relay"
	"github.com/interlink-irc/interlink/internal/store"
	"github.com/interlink-irc/interlink/internal/store/sqlite"
)

// App owns every long-lived component of the daemon.
type App struct {
	cfg      config.Config
	log      *zerolog.Logger
	bus      *bus.Bus
	registry *registry.Registry
	engine   *relay.Engine
	store    store.Store
}

// registryNetworks adapts the registry to the relay's network lookup.
type registryNetworks struct {
	r *registry.Registry
}

func (a registryNetworks) Network(name string) (relay.Network, bool) {
	n, ok := a.r.Get(name)
	if !ok {
		return nil, false
	}
	return n, true
}

// New constructs the application from resolved configuration.
func New(cfg config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	accounts := make(map[string]string, len(cfg.Operators))
	for _, op := range cfg.Operators {
		accounts[op.Name] = op.PasswordHash
	}
	ops := auth.NewOperators(accounts)

	b := bus.New(*logger)

	reg := registry.New(b, *logger)
	reg.RegisterFamily(ts6.Family)

	engine := relay.New(cfg.Relay, registryNetworks{r: reg}, ops, st, *logger)

	return &App{
		cfg:      cfg,
		log:      logger,
		bus:      b,
		registry: reg,
		engine:   engine,
		store:    st,
	}, nil
}

// Run starts every network and the relay engine and blocks until the
// context is canceled.
func (a *App) Run(ctx context.Context) error {
	if err := a.engine.Seed(ctx, a.cfg.Links); err != nil {
		a.cleanup()
		return fmt.Errorf("seed links: %w", err)
	}

	a.bus.Subscribe("relay", a.engine.HandleEvent)

	for name, nc := range a.cfg.Networks {
		if err := a.registry.Activate(ctx, name, nc); err != nil {
			a.cleanup()
			return fmt.Errorf("activate %s: %w", name, err)
		}
		a.log.Info().Str("network", name).Str("addr", nc.Addr).Msg("network activated")
	}

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		a.engine.Run(ctx)
	}()

	<-ctx.Done()
	a.log.Info().Msg("shutting down")

	a.registry.Shutdown()
	<-engineDone
	a.cleanup()
	return nil
}

func (a *App) cleanup() {
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close store")
	} else {
		a.log.Info().Msg("store closed")
	}
}
