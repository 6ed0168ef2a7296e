// Package ts6 implements the protocol driver for the TS6 server
// family (ratbox and charybdis lineage): PASS/CAPAB/SERVER/SVINFO
// handshake, EUID client introduction, SJOIN channel burst, and
// TMODE/TB timestamped state changes.
package ts6

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/interlink-irc/interlink/internal/ircwire"
	"github.com/interlink-irc/interlink/internal/protocol"
	"github.com/interlink-irc/interlink/internal/state"
)

const (
	phaseRegistration = iota
	phaseBursting
	phaseLinked
)

var chanModes = ircwire.ModeTable{
	List:        "beIq",
	AlwaysParam: "k",
	SetParam:    "ljf",
	Flag:        "imnpstrz",
	Prefix:      "ov",
}

const userModes = "iowsDQRSZ"

// pending is one parsed line's effect: a store mutation plus the
// events to publish once it applies. finish runs after the mutation
// for events whose fields are only known then (SQUIT's removed users).
type pending struct {
	mutate func(tx *state.Tx)
	events []protocol.Event
	finish func() []protocol.Event
}

type driver struct {
	mu  sync.Mutex
	cfg protocol.Config
	st  *state.Store
	w   protocol.LineWriter
	log zerolog.Logger

	uids  *protocol.UIDGenerator
	phase int

	uplinkSID  string
	uplinkName string
	passOK     bool

	burst []pending
	// Nicks of users introduced during the burst, so event fields can
	// be filled before the batch is applied to the store.
	burstNicks map[string]string
}

// Family is the registration descriptor for the TS6 daemon family.
var Family = protocol.Family{Name: "ts6", Casemap: ircwire.CasemapRFC1459, New: New}

// New builds a TS6 driver for one connection attempt.
func New(cfg protocol.Config, st *state.Store, w protocol.LineWriter, logger zerolog.Logger) protocol.Driver {
	return &driver{
		cfg:        cfg,
		st:         st,
		w:          w,
		log:        logger.With().Str("protocol", "ts6").Logger(),
		uids:       protocol.NewUIDGenerator(cfg.SID),
		phase:      phaseRegistration,
		burstNicks: make(map[string]string),
	}
}

func (d *driver) Capabilities() protocol.Capabilities {
	return protocol.Capabilities{
		Family:      "ts6",
		Casemap:     ircwire.CasemapRFC1459,
		NickLen:     30,
		ChanModes:   chanModes,
		UserModes:   userModes,
		BurstTopics: true,
	}
}

// Handshake writes our side of the TS6 link introduction. The uplink's
// PASS and SERVER arrive asynchronously and are validated in
// HandleLine; a credential mismatch there surfaces as *ConnError.
func (d *driver) Handshake(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &protocol.ConnError{Stage: "handshake", Err: err}
	}
	lines := []string{
		fmt.Sprintf("PASS %s TS 6 :%s", d.cfg.SendPass, d.cfg.SID),
		"CAPAB :QS ENCAP EX IE EUID TB SAVE SERVICES",
		fmt.Sprintf("SERVER %s 1 :%s", d.cfg.ServerName, d.cfg.ServerDesc),
		fmt.Sprintf("SVINFO 6 6 0 :%d", time.Now().Unix()),
	}
	for _, line := range lines {
		if err := d.w.WriteLine(line); err != nil {
			return &protocol.ConnError{Stage: "handshake", Err: err}
		}
	}
	return nil
}

// Ping probes the uplink.
func (d *driver) Ping() error {
	return d.w.WriteLine(fmt.Sprintf(":%s PING %s :%s", d.cfg.SID, d.cfg.ServerName, d.uplinkName))
}

// HandleLine parses one inbound line and applies it. During the burst
// the store mutation is buffered; everything buffered is applied in a
// single batch when the uplink's end-of-burst PING arrives.
func (d *driver) HandleLine(line string) ([]protocol.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	msg, err := ircwire.ParseLine(line)
	if err != nil {
		return nil, err
	}

	if d.phase == phaseRegistration {
		return nil, d.handleRegistration(msg)
	}

	if msg.Command == "ERROR" {
		return nil, &protocol.ConnError{Stage: "link", Err: fmt.Errorf("uplink error: %s", msg.Param(0))}
	}

	if d.phase == phaseBursting && msg.Command == "PING" {
		return d.finishBurst(msg)
	}

	p, handled := d.dispatch(msg)
	if !handled {
		return nil, nil
	}

	if d.phase == phaseBursting {
		d.burst = append(d.burst, p)
		return nil, nil
	}
	if p.mutate != nil {
		d.st.Mutate(p.mutate)
	}
	return d.collect(p), nil
}

// collect finalizes a pending entry's events after its mutation ran.
func (d *driver) collect(p pending) []protocol.Event {
	events := p.events
	if p.finish != nil {
		events = append(events, p.finish()...)
	}
	for i := range events {
		events[i].Network = d.cfg.Network
	}
	return events
}

func (d *driver) handleRegistration(msg ircwire.Message) error {
	switch msg.Command {
	case "PASS":
		// PASS <password> TS 6 :<sid>
		if msg.Param(0) != d.cfg.RecvPass {
			return &protocol.ConnError{Stage: "auth", Err: errors.New("link password mismatch")}
		}
		d.passOK = true
		d.uplinkSID = msg.Param(3)
	case "SERVER":
		// SERVER <name> <hops> :<desc>
		if !d.passOK || d.uplinkSID == "" {
			return &protocol.ConnError{Stage: "auth", Err: errors.New("SERVER before PASS")}
		}
		d.uplinkName = msg.Param(0)
		d.phase = phaseBursting
		sid, name := d.uplinkSID, d.uplinkName
		d.burst = append(d.burst, pending{
			mutate: func(tx *state.Tx) {
				tx.AddServer(state.Server{SID: sid, Name: name, Hops: 1})
			},
			events: []protocol.Event{{
				Kind:    protocol.EventServerIntroduce,
				Network: d.cfg.Network,
				SID:     sid,
			}},
		})
	case "ERROR":
		return &protocol.ConnError{Stage: "auth", Err: fmt.Errorf("uplink error: %s", msg.Param(0))}
	case "CAPAB", "SVINFO", "PING":
		// Negotiation chatter before SERVER; nothing to record.
	}
	return nil
}

// finishBurst applies the buffered burst atomically, introduces our
// own server node, answers the end-of-burst PING and goes linked.
func (d *driver) finishBurst(msg ircwire.Message) ([]protocol.Event, error) {
	batch := d.burst
	d.burst = nil
	mySID, myName, uplink := d.cfg.SID, d.cfg.ServerName, d.uplinkSID

	d.st.Mutate(func(tx *state.Tx) {
		for _, p := range batch {
			if p.mutate != nil {
				p.mutate(tx)
			}
		}
		tx.AddServer(state.Server{SID: mySID, Name: myName, Hops: 1, ParentSID: uplink})
	})

	d.phase = phaseLinked
	d.burstNicks = make(map[string]string)

	if err := d.w.WriteLine(fmt.Sprintf(":%s PONG %s :%s", mySID, myName, msg.Param(0))); err != nil {
		return nil, err
	}

	var events []protocol.Event
	for _, p := range batch {
		events = append(events, d.collect(p)...)
	}
	events = append(events, protocol.Event{Kind: protocol.EventNetworkUp, Network: d.cfg.Network})
	srvs, users, chans := d.st.Counts()
	d.log.Info().Int("servers", srvs).Int("users", users).Int("channels", chans).Msg("burst complete")
	return events, nil
}

// nickOf resolves a UID's nick, consulting the burst buffer before the
// store while the burst is still pending.
func (d *driver) nickOf(uid string) string {
	if d.phase == phaseBursting {
		if nick, ok := d.burstNicks[uid]; ok {
			return nick
		}
	}
	if u, ok := d.st.GetUser(uid); ok {
		return u.Nick
	}
	return ""
}
