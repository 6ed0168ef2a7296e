// Package relay implements the synchronization engine: it mirrors
// users, channel membership, messages and channel state across linked
// networks by maintaining pseudo-clients, and enforces per-channel
// claim lists against administrative actions from other networks.
//
// The engine is a single goroutine. Bus events (including service-bot
// commands, which arrive as messages) and the periodic sweep all
// funnel through Run's select loop, so the link table and
// pseudo-client map need no locking.
package relay

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/interlink-irc/interlink/internal/auth"
	"github.com/interlink-irc/interlink/internal/config"
	"github.com/interlink-irc/interlink/internal/protocol"
	"github.com/interlink-irc/interlink/internal/state"
	"github.com/interlink-irc/interlink/internal/store"
)

// Network is the slice of a linked network the engine drives.
type Network interface {
	Name() string
	State() *state.Store
	Emit(req protocol.Request) (protocol.Result, error)
	Capabilities() protocol.Capabilities
}

// Networks resolves network names to live networks.
type Networks interface {
	Network(name string) (Network, bool)
}

// Engine is the relay synchronization engine.
type Engine struct {
	cfg  config.RelayConfig
	nets Networks
	ops  *auth.Operators
	db   store.Store
	log  zerolog.Logger

	events chan protocol.Event

	links   map[string]*link
	pseudos map[pseudoKey]*pseudoEntry
	reverse map[string]pseudoKey // net+"/"+uid -> home identity
	bots    map[string]string    // net -> service bot UID

	// Removal requests that failed because the target network was not
	// linked; replayed when the network comes back up.
	pendingOps map[string][]protocol.Request

	// Kill counters per pseudo-client per network, expiring after the
	// flood window. Only respawn suppression lives here; the pseudo map
	// itself is swept explicitly.
	kills *ttlcache.Cache[string, int]

	ctx context.Context
}

// New builds an engine. Call Seed before Run.
func New(cfg config.RelayConfig, nets Networks, ops *auth.Operators, db store.Store, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		nets:       nets,
		ops:        ops,
		db:         db,
		log:        logger.With().Str("component", "relay").Logger(),
		events:     make(chan protocol.Event, 1024),
		links:      make(map[string]*link),
		pseudos:    make(map[pseudoKey]*pseudoEntry),
		reverse:    make(map[string]pseudoKey),
		bots:       make(map[string]string),
		pendingOps: make(map[string][]protocol.Request),
		kills: ttlcache.New[string, int](
			ttlcache.WithTTL[string, int](cfg.KillFloodWindow),
		),
	}
}

// Seed loads persisted links and merges the configured ones in,
// persisting any that are new. Must be called before Run.
func (e *Engine) Seed(ctx context.Context, seeds []config.LinkConfig) error {
	persisted, err := e.db.ListLinks(ctx)
	if err != nil {
		return err
	}
	for _, pl := range persisted {
		e.addLink(pl.Channel, pl.Home, pl.Networks, pl.Claim)
	}
	for _, lc := range seeds {
		ch := foldChan(lc.Channel)
		if _, ok := e.links[linkKey(lc.Home, ch)]; ok {
			continue
		}
		e.addLink(ch, lc.Home, lc.Networks, lc.Claim)
		if _, err := e.db.SaveLink(ctx, store.Link{
			Channel: ch, Home: lc.Home, Networks: lc.Networks, Claim: lc.Claim,
		}); err != nil {
			return err
		}
	}
	e.log.Info().Int("links", len(e.links)).Msg("link table loaded")
	return nil
}

func (e *Engine) addLink(channel, home string, members, claim []string) *link {
	l := &link{
		channel: foldChan(channel),
		home:    home,
		members: make(map[string]struct{}, len(members)),
		claim:   make(map[string]struct{}, len(claim)),
	}
	for _, m := range members {
		if m != home {
			l.members[m] = struct{}{}
		}
	}
	for _, c := range claim {
		l.claim[c] = struct{}{}
	}
	e.links[linkKey(l.home, l.channel)] = l
	return l
}

// HandleEvent is the bus subscriber entry point.
func (e *Engine) HandleEvent(ev protocol.Event) {
	e.events <- ev
}

// Run consumes events until ctx is canceled.
func (e *Engine) Run(ctx context.Context) {
	e.ctx = ctx
	go e.kills.Start()
	defer e.kills.Stop()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.events:
			e.handle(ev)
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) handle(ev protocol.Event) {
	switch ev.Kind {
	case protocol.EventNetworkUp:
		e.networkUp(ev.Network)
	case protocol.EventNetworkDown:
		e.networkDown(ev.Network)
	case protocol.EventJoinChannel:
		e.userJoined(ev.Network, ev.UID, ev.Channel)
	case protocol.EventPartChannel:
		e.userParted(ev.Network, ev.UID, ev.Channel)
	case protocol.EventUserQuit, protocol.EventKill:
		e.userGone(ev)
	case protocol.EventNickChange:
		e.nickChanged(ev.Network, ev.UID, ev.NewNick)
	case protocol.EventKick:
		e.kicked(ev)
	case protocol.EventTopicChange:
		e.topicChanged(ev)
	case protocol.EventModeChange:
		e.modeChanged(ev)
	case protocol.EventMessage:
		e.message(ev)
	case protocol.EventServerSplit:
		e.serverSplit(ev)
	}
}

// sweep walks the pseudo-client map and retires entries whose home
// user is gone and has stayed gone past the configured age.
func (e *Engine) sweep() {
	now := time.Now()
	var dropped int
	for _, entry := range e.pseudos {
		if hn, ok := e.nets.Network(entry.key.network); ok {
			if _, alive := hn.State().GetUser(entry.key.uid); alive {
				entry.lastSeen = now
				continue
			}
		}
		if now.Sub(entry.lastSeen) > e.cfg.EntryMaxAge {
			e.log.Debug().Str("network", entry.key.network).Str("nick", entry.nick).
				Dur("lifetime", now.Sub(entry.created)).Msg("evicting stale relay entry")
			e.quitEverywhere(entry, "stale relay entry")
			dropped++
		}
	}
	if dropped > 0 {
		e.log.Info().Int("dropped", dropped).Msg("swept stale pseudo-clients")
	}
}

// queuePending remembers a removal that could not reach its network.
func (e *Engine) queuePending(network string, req protocol.Request) {
	e.pendingOps[network] = append(e.pendingOps[network], req)
}
