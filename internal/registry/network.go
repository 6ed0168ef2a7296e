package registry

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/interlink-irc/interlink/internal/bus"
	"github.com/interlink-irc/interlink/internal/config"
	"github.com/interlink-irc/interlink/internal/ircwire"
	"github.com/interlink-irc/interlink/internal/protocol"
	"github.com/interlink-irc/interlink/internal/state"
	"github.com/interlink-irc/interlink/internal/transport"
)

// Status is a network's connection lifecycle state.
type Status int32

const (
	// StatusDisconnected means no active connection.
	StatusDisconnected Status = iota
	// StatusConnecting means a dial or handshake is in progress.
	StatusConnecting
	// StatusBursting means the uplink's initial snapshot is arriving.
	StatusBursting
	// StatusLinked means the link is established and synchronized.
	StatusLinked
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusBursting:
		return "bursting"
	case StatusLinked:
		return "linked"
	default:
		return "disconnected"
	}
}

// Network ties one configured network's transport, driver and state
// store together and runs its connect/read/reconnect loop.
type Network struct {
	name   string
	cfg    config.NetworkConfig
	family protocol.Family
	st     *state.Store
	bus    *bus.Bus
	log    zerolog.Logger

	status atomic.Int32

	mu     sync.RWMutex
	conn   *transport.Conn
	driver protocol.Driver
}

func newNetwork(name string, cfg config.NetworkConfig, family protocol.Family, b *bus.Bus, logger zerolog.Logger) *Network {
	return &Network{
		name:   name,
		cfg:    cfg,
		family: family,
		st:     state.New(family.Casemap),
		bus:    b,
		log:    logger.With().Str("network", name).Logger(),
	}
}

// Name returns the configured network name.
func (n *Network) Name() string { return n.name }

// State returns the network's state store for read-only queries.
func (n *Network) State() *state.Store { return n.st }

// Status reports the connection lifecycle state.
func (n *Network) Status() Status { return Status(n.status.Load()) }

func (n *Network) setStatus(s Status) { n.status.Store(int32(s)) }

// Capabilities reports the daemon family's capability set.
func (n *Network) Capabilities() protocol.Capabilities {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.driver != nil {
		return n.driver.Capabilities()
	}
	return protocol.Capabilities{Family: n.family.Name, Casemap: n.family.Casemap}
}

// Emit forwards a canonical request to the network's driver. It fails
// fast with ErrNetworkUnavailable while the network is not linked.
func (n *Network) Emit(req protocol.Request) (protocol.Result, error) {
	if n.Status() != StatusLinked {
		return protocol.Result{}, protocol.ErrNetworkUnavailable
	}
	n.mu.RLock()
	d := n.driver
	n.mu.RUnlock()
	if d == nil {
		return protocol.Result{}, protocol.ErrNetworkUnavailable
	}
	return d.Emit(req)
}

// run drives the connect/read/reconnect loop until ctx is canceled.
func (n *Network) run(ctx context.Context) {
	backoff := n.cfg.ReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		if err := n.connectOnce(ctx); err != nil {
			n.log.Warn().Err(err).Dur("backoff", backoff).Msg("link attempt failed")
		}

		// Linked sessions that drop restart from the minimum backoff.
		if n.sessionWasLinked() {
			backoff = n.cfg.ReconnectMin
		}
		n.teardown()

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > n.cfg.ReconnectMax {
			backoff = n.cfg.ReconnectMax
		}
	}
}

func (n *Network) sessionWasLinked() bool {
	return n.Status() == StatusLinked
}

// connectOnce dials, handshakes and pumps lines until the connection
// dies or ctx is canceled.
func (n *Network) connectOnce(ctx context.Context) error {
	n.setStatus(StatusConnecting)

	var tlsConf *tls.Config
	if n.cfg.TLS {
		tlsConf = &tls.Config{ServerName: hostOnly(n.cfg.Addr)}
	}
	conn, err := transport.Dial(n.cfg.Addr, tlsConf, n.cfg.DialTimeout, n.log)
	if err != nil {
		return err
	}

	driver := n.family.New(protocol.Config{
		Network:    n.name,
		ServerName: n.cfg.ServerName,
		ServerDesc: n.cfg.ServerDesc,
		SID:        n.cfg.SID,
		SendPass:   n.cfg.SendPass,
		RecvPass:   n.cfg.RecvPass,
	}, n.st, conn, n.log)

	n.mu.Lock()
	n.conn = conn
	n.driver = driver
	n.mu.Unlock()

	if err := driver.Handshake(ctx); err != nil {
		return err
	}
	n.setStatus(StatusBursting)
	n.log.Info().Str("addr", n.cfg.Addr).Str("conn_id", conn.ID()).Msg("handshake sent, bursting")

	ticker := time.NewTicker(n.cfg.PingFreq)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-conn.Lines():
			if !ok {
				return errors.New("connection closed by peer")
			}
			events, err := driver.HandleLine(line)
			if err != nil {
				var ce *protocol.ConnError
				if errors.As(err, &ce) {
					return ce
				}
				if errors.Is(err, ircwire.ErrMalformedLine) {
					n.log.Debug().Str("line", line).Msg("dropped malformed line")
					continue
				}
				n.log.Warn().Err(err).Str("line", line).Msg("line handler error")
				continue
			}
			for _, ev := range events {
				if ev.Kind == protocol.EventNetworkUp {
					n.setStatus(StatusLinked)
					n.log.Info().Msg("network linked")
				}
				n.bus.Publish(ev)
			}

		case <-ticker.C:
			if time.Since(conn.LastRead()) > n.cfg.PingTimeout {
				return errors.New("ping timeout")
			}
			if n.Status() == StatusLinked {
				if err := driver.Ping(); err != nil {
					return err
				}
			}
		}
	}
}

// teardown closes the transport, clears the state store and announces
// the split. Safe to call when nothing is connected.
func (n *Network) teardown() {
	wasUp := n.Status() == StatusLinked || n.Status() == StatusBursting
	n.setStatus(StatusDisconnected)

	n.mu.Lock()
	conn := n.conn
	n.conn = nil
	n.driver = nil
	n.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	n.st.Mutate(func(tx *state.Tx) { tx.Clear() })

	if wasUp {
		n.bus.Publish(protocol.Event{Kind: protocol.EventNetworkDown, Network: n.name})
		n.log.Info().Msg("network down")
	}
}

// hostOnly extracts the host for TLS SNI; bare hosts pass through.
func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
