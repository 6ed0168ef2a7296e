package ts6

import (
	"fmt"
	"strings"
	"time"

	"github.com/interlink-irc/interlink/internal/ircwire"
	"github.com/interlink-irc/interlink/internal/protocol"
	"github.com/interlink-irc/interlink/internal/state"
)

// Emit serializes a canonical request into TS6 wire syntax, applies
// the matching change to our own state store, and writes it.
func (d *driver) Emit(req protocol.Request) (protocol.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.phase != phaseLinked {
		return protocol.Result{}, protocol.ErrNetworkUnavailable
	}

	switch req.Op {
	case protocol.OpSpawnClient:
		return d.emitSpawn(req)
	case protocol.OpQuitClient:
		return d.emitSimple(req, func(tx *state.Tx) { tx.RemoveUser(req.UID) },
			fmt.Sprintf(":%s QUIT :%s", req.UID, req.Text))
	case protocol.OpJoin:
		return d.emitJoin(req)
	case protocol.OpPart:
		return d.emitSimple(req, func(tx *state.Tx) { tx.Part(req.UID, req.Channel) },
			fmt.Sprintf(":%s PART %s :%s", req.UID, req.Channel, req.Text))
	case protocol.OpKick:
		return d.emitSimple(req, func(tx *state.Tx) { tx.Part(req.Target, req.Channel) },
			fmt.Sprintf(":%s KICK %s %s :%s", d.source(req), req.Channel, req.Target, req.Text))
	case protocol.OpMode:
		return d.emitMode(req)
	case protocol.OpTopic:
		return d.emitSimple(req, func(tx *state.Tx) { tx.SetTopic(req.Channel, req.Text, "", time.Now().Unix()) },
			fmt.Sprintf(":%s TOPIC %s :%s", d.source(req), req.Channel, req.Text))
	case protocol.OpMessage:
		cmd := "PRIVMSG"
		if req.Notice {
			cmd = "NOTICE"
		}
		return d.emitSimple(req, nil,
			fmt.Sprintf(":%s %s %s :%s", req.UID, cmd, req.Target, req.Text))
	case protocol.OpNick:
		return d.emitSimple(req, func(tx *state.Tx) { tx.SetNick(req.UID, req.Nick) },
			fmt.Sprintf(":%s NICK %s :%d", req.UID, req.Nick, time.Now().Unix()))
	}
	return protocol.Result{}, protocol.ErrUnsupportedCapability
}

// source picks the acting prefix: the requesting client, or our server
// when the caller has none (a relay action with no service bot yet).
func (d *driver) source(req protocol.Request) string {
	if req.UID == "" {
		return d.cfg.SID
	}
	return req.UID
}

func (d *driver) emitSimple(req protocol.Request, mutate func(tx *state.Tx), line string) (protocol.Result, error) {
	if err := d.w.WriteLine(line); err != nil {
		return protocol.Result{}, err
	}
	if mutate != nil {
		d.st.Mutate(mutate)
	}
	return protocol.Result{}, nil
}

// emitSpawn introduces a pseudo-client with a fresh UID on our server.
func (d *driver) emitSpawn(req protocol.Request) (protocol.Result, error) {
	if !ircwire.IsNick(req.Nick, d.Capabilities().NickLen) {
		return protocol.Result{}, fmt.Errorf("%w: nick %q", protocol.ErrUnsupportedCapability, req.Nick)
	}

	uid := d.uids.Next()
	ts := req.TS
	if ts == 0 {
		ts = time.Now().Unix()
	}
	ident, host, realname := req.Ident, req.Host, req.Realname
	if ident == "" {
		ident = "relay"
	}
	if host == "" {
		host = d.cfg.ServerName
	}
	if realname == "" {
		realname = req.Nick
	}

	line := fmt.Sprintf(":%s EUID %s 1 %d +i %s %s 0 %s %s * :%s",
		d.cfg.SID, req.Nick, ts, ident, host, uid, host, realname)
	if err := d.w.WriteLine(line); err != nil {
		return protocol.Result{}, err
	}

	d.st.Mutate(func(tx *state.Tx) {
		tx.AddUser(state.User{
			UID: uid, Nick: req.Nick, Ident: ident, Host: host,
			Realname: realname, Server: d.cfg.SID, Signon: ts,
			Modes: map[byte]struct{}{'i': {}},
		})
	})
	return protocol.Result{UID: uid}, nil
}

// emitJoin uses SJOIN so the existing channel TS is asserted rather
// than clobbered.
func (d *driver) emitJoin(req protocol.Request) (protocol.Result, error) {
	ts := req.TS
	if c, ok := d.st.GetChannel(req.Channel); ok {
		ts = c.TS
	} else if ts == 0 {
		ts = time.Now().Unix()
	}
	line := fmt.Sprintf(":%s SJOIN %d %s + :%s", d.cfg.SID, ts, req.Channel, req.UID)
	if err := d.w.WriteLine(line); err != nil {
		return protocol.Result{}, err
	}
	d.st.Mutate(func(tx *state.Tx) { tx.Join(req.UID, req.Channel, ts, nil) })
	return protocol.Result{}, nil
}

// emitMode rejects mode characters TS6 cannot express before writing.
func (d *driver) emitMode(req protocol.Request) (protocol.Result, error) {
	if req.Channel == "" {
		return protocol.Result{}, fmt.Errorf("%w: user mode emit", protocol.ErrUnsupportedCapability)
	}
	for _, mc := range req.Modes {
		if !chanModes.Has(mc.Mode) {
			return protocol.Result{}, fmt.Errorf("%w: channel mode %q", protocol.ErrUnsupportedCapability, string(mc.Mode))
		}
	}
	ts := req.TS
	if c, ok := d.st.GetChannel(req.Channel); ok {
		ts = c.TS
	}
	args := ircwire.FormatModes(req.Modes)
	if len(args) == 0 {
		return protocol.Result{}, nil
	}
	src := req.UID
	if src == "" {
		src = d.cfg.SID
	}
	line := fmt.Sprintf(":%s TMODE %d %s %s", src, ts, req.Channel, strings.Join(args, " "))
	if err := d.w.WriteLine(line); err != nil {
		return protocol.Result{}, err
	}
	d.st.Mutate(func(tx *state.Tx) { tx.ApplyChannelModes(req.Channel, chanModes, req.Modes) })
	return protocol.Result{}, nil
}
