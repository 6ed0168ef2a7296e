package ts6

import (
	"strconv"
	"strings"

	"github.com/interlink-irc/interlink/internal/ircwire"
	"github.com/interlink-irc/interlink/internal/protocol"
	"github.com/interlink-irc/interlink/internal/state"
)

// dispatch routes one post-registration command. Unrecognized commands
// report handled=false and are dropped; daemons routinely send
// extensions we do not model.
func (d *driver) dispatch(msg ircwire.Message) (pending, bool) {
	switch msg.Command {
	case "EUID":
		return d.handleEUID(msg), true
	case "UID":
		return d.handleUID(msg), true
	case "SID":
		return d.handleSID(msg), true
	case "SQUIT":
		return d.handleSQUIT(msg), true
	case "QUIT":
		return d.handleQUIT(msg), true
	case "KILL":
		return d.handleKILL(msg), true
	case "NICK":
		return d.handleNICK(msg), true
	case "SAVE":
		return d.handleSAVE(msg), true
	case "JOIN":
		return d.handleJOIN(msg), true
	case "SJOIN":
		return d.handleSJOIN(msg), true
	case "PART":
		return d.handlePART(msg), true
	case "KICK":
		return d.handleKICK(msg), true
	case "TMODE":
		return d.handleTMODE(msg), true
	case "MODE":
		return d.handleMODE(msg), true
	case "TOPIC":
		return d.handleTOPIC(msg), true
	case "TB":
		return d.handleTB(msg), true
	case "PRIVMSG", "NOTICE":
		return d.handleMessage(msg), true
	case "PING":
		d.w.WriteLine(":" + d.cfg.SID + " PONG " + d.cfg.ServerName + " :" + msg.Param(0))
		return pending{}, true
	case "PONG":
		return pending{}, true
	}
	return pending{}, false
}

func parseTS(s string) int64 {
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

// handleEUID handles the extended client introduction:
// :<sid> EUID <nick> <hops> <ts> +<modes> <ident> <host> <ip> <uid> <realhost> <account> :<realname>
func (d *driver) handleEUID(msg ircwire.Message) pending {
	return d.introduceUser(msg.Source, msg.Param(0), msg.Param(2), msg.Param(3),
		msg.Param(4), msg.Param(5), msg.Param(7), msg.Param(10))
}

// handleUID handles the plain TS6 introduction:
// :<sid> UID <nick> <hops> <ts> +<modes> <ident> <host> <ip> <uid> :<realname>
func (d *driver) handleUID(msg ircwire.Message) pending {
	return d.introduceUser(msg.Source, msg.Param(0), msg.Param(2), msg.Param(3),
		msg.Param(4), msg.Param(5), msg.Param(7), msg.Param(8))
}

func (d *driver) introduceUser(sid, nick, ts, modestr, ident, host, uid, realname string) pending {
	signon := parseTS(ts)
	modes := make(map[byte]struct{})
	for i := 0; i < len(modestr); i++ {
		if m := modestr[i]; m != '+' {
			modes[m] = struct{}{}
		}
	}
	if d.phase == phaseBursting {
		d.burstNicks[uid] = nick
	}
	u := state.User{
		UID: uid, Nick: nick, Ident: ident, Host: host,
		Realname: realname, Server: sid, Signon: signon, Modes: modes,
	}
	return pending{
		mutate: func(tx *state.Tx) { tx.AddUser(u) },
		events: []protocol.Event{{
			Kind: protocol.EventUserConnect,
			UID:  uid, Nick: nick, Source: sid, TS: signon,
		}},
	}
}

// handleSID handles a new server behind the uplink:
// :<parent sid> SID <name> <hops> <sid> :<desc>
func (d *driver) handleSID(msg ircwire.Message) pending {
	parent := msg.Source
	name, sid := msg.Param(0), msg.Param(2)
	hops := int(parseTS(msg.Param(1)))
	return pending{
		mutate: func(tx *state.Tx) {
			tx.AddServer(state.Server{SID: sid, Name: name, Hops: hops, ParentSID: parent})
		},
		events: []protocol.Event{{
			Kind: protocol.EventServerIntroduce, SID: sid, Source: parent,
		}},
	}
}

// handleSQUIT removes a server subtree: SQUIT <sid> :<reason>
func (d *driver) handleSQUIT(msg ircwire.Message) pending {
	sid := msg.Param(0)
	reason := msg.Param(1)
	var gone []state.User
	return pending{
		mutate: func(tx *state.Tx) { gone = tx.RemoveServer(sid) },
		finish: func() []protocol.Event {
			return []protocol.Event{{
				Kind: protocol.EventServerSplit, SID: sid, Text: reason, Gone: gone,
			}}
		},
	}
}

// handleQUIT removes the source user: :<uid> QUIT :<reason>
func (d *driver) handleQUIT(msg ircwire.Message) pending {
	uid := msg.Source
	nick := d.nickOf(uid)
	return pending{
		mutate: func(tx *state.Tx) { tx.RemoveUser(uid) },
		events: []protocol.Event{{
			Kind: protocol.EventUserQuit, UID: uid, Nick: nick, Text: msg.Param(0),
		}},
	}
}

// handleKILL removes the target user: :<source> KILL <uid> :<path/reason>
func (d *driver) handleKILL(msg ircwire.Message) pending {
	target := msg.Param(0)
	nick := d.nickOf(target)
	return pending{
		mutate: func(tx *state.Tx) { tx.RemoveUser(target) },
		events: []protocol.Event{{
			Kind: protocol.EventKill, Source: msg.Source,
			UID: target, Target: target, Nick: nick, Text: msg.Param(1),
		}},
	}
}

// handleNICK renames the source user: :<uid> NICK <newnick> :<ts>
func (d *driver) handleNICK(msg ircwire.Message) pending {
	uid, newNick := msg.Source, msg.Param(0)
	oldNick := d.nickOf(uid)
	if d.phase == phaseBursting {
		d.burstNicks[uid] = newNick
	}
	return pending{
		mutate: func(tx *state.Tx) { tx.SetNick(uid, newNick) },
		events: []protocol.Event{{
			Kind: protocol.EventNickChange, UID: uid,
			Nick: oldNick, NewNick: newNick, TS: parseTS(msg.Param(1)),
		}},
	}
}

// handleSAVE resolves a nick collision by forcing the target onto its
// UID: :<sid> SAVE <uid> <ts>
func (d *driver) handleSAVE(msg ircwire.Message) pending {
	uid := msg.Param(0)
	oldNick := d.nickOf(uid)
	return pending{
		mutate: func(tx *state.Tx) { tx.SetNick(uid, uid) },
		events: []protocol.Event{{
			Kind: protocol.EventNickChange, Source: msg.Source,
			UID: uid, Nick: oldNick, NewNick: uid,
		}},
	}
}

// handleJOIN handles a TS6 channel join: :<uid> JOIN <ts> <chan> +
func (d *driver) handleJOIN(msg ircwire.Message) pending {
	uid := msg.Source
	ts := parseTS(msg.Param(0))
	channel := msg.Param(1)
	nick := d.nickOf(uid)
	return pending{
		mutate: func(tx *state.Tx) { tx.Join(uid, channel, ts, nil) },
		events: []protocol.Event{{
			Kind: protocol.EventJoinChannel, UID: uid, Nick: nick,
			Channel: d.st.Fold(channel), TS: ts,
		}},
	}
}

// handleSJOIN handles the channel burst form:
// :<sid> SJOIN <ts> <chan> <+modes> [args] :<@+uid list>
func (d *driver) handleSJOIN(msg ircwire.Message) pending {
	if len(msg.Params) < 3 {
		return pending{}
	}
	ts := parseTS(msg.Param(0))
	channel := msg.Param(1)
	modeArgs := msg.Params[2 : len(msg.Params)-1]
	modes, _ := ircwire.ParseModes(chanModes, modeArgs)

	type member struct {
		uid      string
		prefixes map[byte]struct{}
	}
	var members []member
	for _, token := range strings.Fields(msg.Params[len(msg.Params)-1]) {
		prefixes := make(map[byte]struct{})
		for len(token) > 0 {
			if token[0] == '@' {
				prefixes['o'] = struct{}{}
				token = token[1:]
			} else if token[0] == '+' {
				prefixes['v'] = struct{}{}
				token = token[1:]
			} else {
				break
			}
		}
		if token != "" {
			members = append(members, member{uid: token, prefixes: prefixes})
		}
	}

	var events []protocol.Event
	folded := d.st.Fold(channel)
	for _, m := range members {
		events = append(events, protocol.Event{
			Kind: protocol.EventJoinChannel, UID: m.uid,
			Nick: d.nickOf(m.uid), Channel: folded, TS: ts,
		})
	}
	if len(modes) > 0 {
		events = append(events, protocol.Event{
			Kind: protocol.EventModeChange, Source: msg.Source,
			Channel: folded, Modes: modes, TS: ts,
		})
	}

	return pending{
		mutate: func(tx *state.Tx) {
			for _, m := range members {
				tx.Join(m.uid, channel, ts, m.prefixes)
			}
			if len(modes) > 0 {
				tx.ApplyChannelModes(channel, chanModes, modes)
			}
		},
		events: events,
	}
}

// handlePART removes the source from channels: :<uid> PART <chans> [:<reason>]
func (d *driver) handlePART(msg ircwire.Message) pending {
	uid := msg.Source
	nick := d.nickOf(uid)
	channels := strings.Split(msg.Param(0), ",")
	reason := msg.Param(1)

	var events []protocol.Event
	for _, ch := range channels {
		events = append(events, protocol.Event{
			Kind: protocol.EventPartChannel, UID: uid, Nick: nick,
			Channel: d.st.Fold(ch), Text: reason,
		})
	}
	return pending{
		mutate: func(tx *state.Tx) {
			for _, ch := range channels {
				tx.Part(uid, ch)
			}
		},
		events: events,
	}
}

// handleKICK: :<source> KICK <chan> <target uid> :<reason>
func (d *driver) handleKICK(msg ircwire.Message) pending {
	channel, target := msg.Param(0), msg.Param(1)
	return pending{
		mutate: func(tx *state.Tx) { tx.Part(target, channel) },
		events: []protocol.Event{{
			Kind: protocol.EventKick, Source: msg.Source,
			Channel: d.st.Fold(channel), Target: target,
			Nick: d.nickOf(target), Text: msg.Param(2),
		}},
	}
}

// handleTMODE: :<source> TMODE <ts> <chan> <modes> [args]
func (d *driver) handleTMODE(msg ircwire.Message) pending {
	if len(msg.Params) < 3 {
		return pending{}
	}
	channel := msg.Param(1)
	modes, err := ircwire.ParseModes(chanModes, msg.Params[2:])
	if err != nil || len(modes) == 0 {
		return pending{}
	}
	return pending{
		mutate: func(tx *state.Tx) { tx.ApplyChannelModes(channel, chanModes, modes) },
		events: []protocol.Event{{
			Kind: protocol.EventModeChange, Source: msg.Source,
			Channel: d.st.Fold(channel), Modes: modes, TS: parseTS(msg.Param(0)),
		}},
	}
}

// handleMODE covers user mode changes: :<uid> MODE <uid> <modes>
func (d *driver) handleMODE(msg ircwire.Message) pending {
	target := msg.Param(0)
	modes, err := ircwire.ParseModes(ircwire.ModeTable{Flag: userModes}, msg.Params[1:])
	if err != nil || len(modes) == 0 {
		return pending{}
	}
	return pending{
		mutate: func(tx *state.Tx) { tx.ApplyUserModes(target, modes) },
		events: []protocol.Event{{
			Kind: protocol.EventModeChange, Source: msg.Source,
			UID: target, Modes: modes,
		}},
	}
}

// handleTOPIC: :<uid> TOPIC <chan> :<topic>
func (d *driver) handleTOPIC(msg ircwire.Message) pending {
	channel, topic := msg.Param(0), msg.Param(1)
	setter := d.nickOf(msg.Source)
	return pending{
		mutate: func(tx *state.Tx) { tx.SetTopic(channel, topic, setter, 0) },
		events: []protocol.Event{{
			Kind: protocol.EventTopicChange, Source: msg.Source,
			UID: msg.Source, Channel: d.st.Fold(channel), Text: topic,
		}},
	}
}

// handleTB is the burst topic form: :<sid> TB <chan> <ts> [<setter>] :<topic>
func (d *driver) handleTB(msg ircwire.Message) pending {
	channel := msg.Param(0)
	ts := parseTS(msg.Param(1))
	var setter, topic string
	if len(msg.Params) >= 4 {
		setter, topic = msg.Param(2), msg.Param(3)
	} else {
		topic = msg.Param(2)
	}
	return pending{
		mutate: func(tx *state.Tx) { tx.SetTopic(channel, topic, setter, ts) },
		events: []protocol.Event{{
			Kind: protocol.EventTopicChange, Source: msg.Source,
			Channel: d.st.Fold(channel), Text: topic, TS: ts,
		}},
	}
}

// handleMessage: :<uid> PRIVMSG|NOTICE <target> :<text>
func (d *driver) handleMessage(msg ircwire.Message) pending {
	target := msg.Param(0)
	if ircwire.IsChannel(target) {
		target = d.st.Fold(target)
	}
	return pending{
		events: []protocol.Event{{
			Kind: protocol.EventMessage, Source: msg.Source,
			UID: msg.Source, Nick: d.nickOf(msg.Source),
			Target: target, Text: msg.Param(1),
			Notice: msg.Command == "NOTICE",
		}},
	}
}
