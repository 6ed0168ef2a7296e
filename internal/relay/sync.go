package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/interlink-irc/interlink/internal/ircwire"
	"github.com/interlink-irc/interlink/internal/protocol"
)

// foldChan normalizes a channel name for link-table lookups. Link keys
// fold under RFC 1459 rules regardless of the member networks' exact
// casemaps; the daemon families in use all agree on ASCII letters.
func foldChan(name string) string {
	return ircwire.CasemapRFC1459.Fold(name)
}

// networkUp replays queued removals, introduces the service bot and
// re-mirrors every link the network participates in. A relink starts
// from an empty remote state, so mirroring is a fresh burst of joins.
func (e *Engine) networkUp(network string) {
	tn, ok := e.nets.Network(network)
	if !ok {
		return
	}

	for _, req := range e.pendingOps[network] {
		if _, err := tn.Emit(req); err != nil {
			e.log.Debug().Err(err).Str("network", network).Msg("pending cleanup failed")
		}
	}
	delete(e.pendingOps, network)

	e.spawnBot(tn)

	for _, l := range e.linksInvolving(network) {
		e.syncLink(l)
	}
	e.log.Info().Str("network", network).Msg("relay sync complete")
}

// networkDown forgets everything tied to the network: operator
// sessions, its service bot, pseudo-clients hosted on it (dead with
// the cleared state) and pseudo-clients of its users on other
// networks, which are quit remotely.
func (e *Engine) networkDown(network string) {
	e.ops.ForgetNetwork(network)
	delete(e.bots, network)
	delete(e.pendingOps, network)

	for _, entry := range e.pseudos {
		e.dropPseudo(entry, network)
	}
	for key, entry := range e.pseudos {
		if key.network == network {
			e.quitEverywhere(entry, "*.net *.split")
		}
	}
}

func (e *Engine) spawnBot(tn Network) {
	nick := e.chooseNick(tn, "relay", e.cfg.BotNick)
	res, err := tn.Emit(protocol.Request{
		Op:       protocol.OpSpawnClient,
		Nick:     nick,
		Ident:    e.cfg.BotIdent,
		Realname: "relay services",
	})
	if err != nil {
		e.log.Warn().Err(err).Str("network", tn.Name()).Msg("service bot spawn failed")
		return
	}
	e.bots[tn.Name()] = res.UID
	for _, l := range e.linksInvolving(tn.Name()) {
		if _, err := tn.Emit(protocol.Request{Op: protocol.OpJoin, UID: res.UID, Channel: l.channel}); err != nil {
			e.log.Debug().Err(err).Str("channel", l.channel).Msg("bot join failed")
		}
	}
}

// syncLink mirrors every current member of a linked channel onto every
// other participating network.
func (e *Engine) syncLink(l *link) {
	for _, p := range l.participants() {
		pn, ok := e.nets.Network(p)
		if !ok {
			continue
		}
		for _, uid := range pn.State().UsersIn(l.channel) {
			if e.isRelayClient(p, uid) {
				continue
			}
			origin := pseudoKey{network: p, uid: uid}
			for _, q := range l.participants() {
				if q != p {
					e.mirrorJoin(l, origin, q)
				}
			}
		}
	}
}

// mirrorJoin ensures the origin user has a pseudo-client on the target
// network and that it sits in the linked channel. Idempotent.
func (e *Engine) mirrorJoin(l *link, origin pseudoKey, target string) {
	tn, ok := e.nets.Network(target)
	if !ok {
		return
	}
	hn, ok := e.nets.Network(origin.network)
	if !ok {
		return
	}
	u, ok := hn.State().GetUser(origin.uid)
	if !ok {
		return
	}

	now := time.Now()
	entry := e.pseudos[origin]
	if entry == nil {
		entry = &pseudoEntry{
			key:      origin,
			remotes:  make(map[string]string),
			channels: make(map[string]struct{}),
			created:  now,
		}
		e.pseudos[origin] = entry
	}
	entry.nick = u.Nick
	entry.lastSeen = now
	entry.channels[l.channel] = struct{}{}

	uid, spawned := entry.remotes[target]
	if !spawned {
		nick := e.chooseNick(tn, origin.network, u.Nick)
		res, err := tn.Emit(protocol.Request{
			Op:       protocol.OpSpawnClient,
			Nick:     nick,
			Ident:    u.Ident,
			Host:     u.Host,
			Realname: fmt.Sprintf("%s (via %s)", u.Realname, origin.network),
			TS:       u.Signon,
		})
		if err != nil {
			e.log.Debug().Err(err).Str("target", target).Str("nick", u.Nick).Msg("pseudo spawn failed")
			return
		}
		uid = res.UID
		e.recordPseudo(entry, target, uid)
	}

	if c, ok := tn.State().GetChannel(l.channel); ok {
		if _, in := c.Members[uid]; in {
			return
		}
	}
	if _, err := tn.Emit(protocol.Request{Op: protocol.OpJoin, UID: uid, Channel: l.channel}); err != nil {
		e.log.Debug().Err(err).Str("target", target).Str("channel", l.channel).Msg("pseudo join failed")
	}
}

func (e *Engine) userJoined(network, uid, channel string) {
	if e.isRelayClient(network, uid) {
		return
	}
	l := e.linkFor(network, foldChan(channel))
	if l == nil {
		return
	}
	origin := pseudoKey{network: network, uid: uid}
	for _, p := range l.participants() {
		if p != network {
			e.mirrorJoin(l, origin, p)
		}
	}
}

func (e *Engine) userParted(network, uid, channel string) {
	if e.isRelayClient(network, uid) {
		return
	}
	l := e.linkFor(network, foldChan(channel))
	if l == nil {
		return
	}
	entry := e.pseudos[pseudoKey{network: network, uid: uid}]
	if entry == nil {
		return
	}
	e.partMirrors(l, entry, "")
}

// partMirrors removes a user's pseudo-clients from one linked channel,
// quitting them entirely once no relayed channels remain.
func (e *Engine) partMirrors(l *link, entry *pseudoEntry, reason string) {
	for remoteNet, uid := range entry.remotes {
		if !l.hasParticipant(remoteNet) {
			continue
		}
		tn, ok := e.nets.Network(remoteNet)
		if !ok {
			continue
		}
		if _, err := tn.Emit(protocol.Request{Op: protocol.OpPart, UID: uid, Channel: l.channel, Text: reason}); err != nil {
			e.log.Debug().Err(err).Str("target", remoteNet).Msg("pseudo part failed")
		}
	}
	delete(entry.channels, l.channel)
	if len(entry.channels) == 0 {
		e.quitEverywhere(entry, "left all relayed channels")
	}
}

// quitEverywhere removes every pseudo-client of an entry and drops the
// entry itself. Quits that cannot reach a network are queued and
// replayed when it relinks.
func (e *Engine) quitEverywhere(entry *pseudoEntry, reason string) {
	for remoteNet, uid := range entry.remotes {
		req := protocol.Request{Op: protocol.OpQuitClient, UID: uid, Text: reason}
		tn, ok := e.nets.Network(remoteNet)
		if !ok {
			continue
		}
		if _, err := tn.Emit(req); err != nil {
			if errors.Is(err, protocol.ErrNetworkUnavailable) {
				e.queuePending(remoteNet, req)
			} else {
				e.log.Debug().Err(err).Str("target", remoteNet).Msg("pseudo quit failed")
			}
		}
	}
	e.deleteEntry(entry)
}

// userGone handles quits and kills. A killed pseudo-client is
// respawned unless the kill rate on that network exceeds the flood
// limit; a departing genuine user takes all its mirrors with it.
func (e *Engine) userGone(ev protocol.Event) {
	if origin, ok := e.origin(ev.Network, ev.UID); ok {
		entry := e.pseudos[origin]
		if entry == nil {
			return
		}
		e.dropPseudo(entry, ev.Network)
		if ev.Kind != protocol.EventKill {
			return
		}
		if e.killFlooded(origin, ev.Network) {
			e.log.Warn().Str("network", ev.Network).Str("nick", entry.nick).
				Msg("pseudo-client kill flood, not respawning")
			return
		}
		for ch := range entry.channels {
			if l := e.linkFor(ev.Network, ch); l != nil {
				e.mirrorJoin(l, origin, ev.Network)
			}
		}
		return
	}

	if bot, ok := e.bots[ev.Network]; ok && bot == ev.UID {
		delete(e.bots, ev.Network)
		if ev.Kind == protocol.EventKill {
			if tn, ok := e.nets.Network(ev.Network); ok {
				e.spawnBot(tn)
			}
		}
		return
	}

	e.ops.Forget(ev.Network, ev.UID)
	if entry := e.pseudos[pseudoKey{network: ev.Network, uid: ev.UID}]; entry != nil {
		e.quitEverywhere(entry, quitReason(ev))
	}
}

func quitReason(ev protocol.Event) string {
	if ev.Kind == protocol.EventKill {
		return "killed on " + ev.Network
	}
	if ev.Text != "" {
		return ev.Text
	}
	return "quit"
}

// killFlooded counts a kill against the pseudo-client and reports
// whether the respawn budget for the flood window is spent.
func (e *Engine) killFlooded(origin pseudoKey, network string) bool {
	key := origin.network + "/" + origin.uid + "@" + network
	count := 1
	if item := e.kills.Get(key); item != nil {
		count = item.Value() + 1
	}
	e.kills.Set(key, count, ttlcache.DefaultTTL)
	return count > e.cfg.KillFloodLimit
}

func (e *Engine) nickChanged(network, uid, newNick string) {
	if e.isRelayClient(network, uid) {
		return
	}
	entry := e.pseudos[pseudoKey{network: network, uid: uid}]
	if entry == nil {
		return
	}
	entry.nick = newNick
	entry.lastSeen = time.Now()
	for remoteNet, pseudoUID := range entry.remotes {
		tn, ok := e.nets.Network(remoteNet)
		if !ok {
			continue
		}
		nick := e.chooseNick(tn, network, newNick)
		if _, err := tn.Emit(protocol.Request{Op: protocol.OpNick, UID: pseudoUID, Nick: nick}); err != nil {
			e.log.Debug().Err(err).Str("target", remoteNet).Msg("pseudo rename failed")
		}
	}
}

// kicked enforces the claim list. An unauthorized kick of a
// pseudo-client is reverted by rejoining it and is never propagated;
// an authorized kick of a relayed user reaches the genuine user and
// every mirror. A genuine local user kicked on its own network simply
// leaves the relayed channel everywhere.
func (e *Engine) kicked(ev protocol.Event) {
	l := e.linkFor(ev.Network, ev.Channel)
	if l == nil {
		return
	}
	if e.isRelayClient(ev.Network, ev.Source) {
		return
	}

	if origin, ok := e.origin(ev.Network, ev.Target); ok {
		entry := e.pseudos[origin]
		if entry == nil {
			return
		}
		if !l.claimAllows(ev.Network) {
			e.log.Info().Str("network", ev.Network).Str("channel", l.channel).
				Str("nick", entry.nick).Msg("unauthorized kick reverted")
			tn, ok := e.nets.Network(ev.Network)
			if !ok {
				return
			}
			uid := entry.remotes[ev.Network]
			if _, err := tn.Emit(protocol.Request{Op: protocol.OpJoin, UID: uid, Channel: l.channel}); err != nil {
				e.log.Debug().Err(err).Msg("kick revert failed")
			}
			return
		}

		// Authorized: the kick follows the user home and to the
		// other mirrors.
		reason := fmt.Sprintf("%s (kicked on %s)", ev.Text, ev.Network)
		for _, p := range l.participants() {
			if p == ev.Network {
				continue
			}
			tn, ok := e.nets.Network(p)
			if !ok {
				continue
			}
			victim := entry.remotes[p]
			if p == origin.network {
				victim = origin.uid
			}
			if victim == "" {
				continue
			}
			if _, err := tn.Emit(protocol.Request{
				Op: protocol.OpKick, UID: e.bots[p], Channel: l.channel,
				Target: victim, Text: reason,
			}); err != nil {
				e.log.Debug().Err(err).Str("target", p).Msg("kick propagation failed")
			}
		}
		delete(entry.channels, l.channel)
		if len(entry.channels) == 0 {
			e.quitEverywhere(entry, "kicked from relayed channel")
		}
		return
	}

	// Genuine local victim: its mirrors leave the channel.
	entry := e.pseudos[pseudoKey{network: ev.Network, uid: ev.Target}]
	if entry != nil {
		e.partMirrors(l, entry, fmt.Sprintf("kicked on %s", ev.Network))
	}
}

// topicChanged propagates authorized topic changes and reverts
// unauthorized ones to the home network's topic.
func (e *Engine) topicChanged(ev protocol.Event) {
	if e.isRelayClient(ev.Network, ev.Source) {
		return
	}
	l := e.linkFor(ev.Network, ev.Channel)
	if l == nil {
		return
	}

	if !l.claimAllows(ev.Network) {
		hn, ok := e.nets.Network(l.home)
		if !ok {
			return
		}
		home, ok := hn.State().GetChannel(l.channel)
		if !ok {
			return
		}
		e.log.Info().Str("network", ev.Network).Str("channel", l.channel).
			Msg("unauthorized topic change reverted")
		e.emitAsBot(ev.Network, protocol.Request{
			Op: protocol.OpTopic, Channel: l.channel, Text: home.Topic,
		})
		return
	}

	for _, p := range l.participants() {
		if p == ev.Network {
			continue
		}
		e.emitAsBot(p, protocol.Request{Op: protocol.OpTopic, Channel: l.channel, Text: ev.Text})
	}
}

// modeChanged propagates authorized channel mode changes and reverts
// unauthorized ones. User mode events carry no channel and stay local.
func (e *Engine) modeChanged(ev protocol.Event) {
	if ev.Channel == "" || len(ev.Modes) == 0 {
		return
	}
	if e.isRelayClient(ev.Network, ev.Source) {
		return
	}
	l := e.linkFor(ev.Network, ev.Channel)
	if l == nil {
		return
	}

	if !l.claimAllows(ev.Network) {
		tn, ok := e.nets.Network(ev.Network)
		if !ok {
			return
		}
		e.log.Info().Str("network", ev.Network).Str("channel", l.channel).
			Msg("unauthorized mode change reverted")
		inverse := invertModes(tn.Capabilities().ChanModes, ev.Modes)
		e.emitAsBot(ev.Network, protocol.Request{Op: protocol.OpMode, Channel: l.channel, Modes: inverse})
		return
	}

	for _, p := range l.participants() {
		if p == ev.Network {
			continue
		}
		tn, ok := e.nets.Network(p)
		if !ok {
			continue
		}
		if _, err := tn.Emit(protocol.Request{
			Op: protocol.OpMode, UID: e.bots[p], Channel: l.channel, Modes: ev.Modes,
		}); err != nil {
			// Unsupported modes degrade to a partial sync.
			e.log.Debug().Err(err).Str("target", p).Msg("mode propagation skipped")
		}
	}
}

// invertModes builds the reverse of a mode change set. Arguments stay
// on list and key modes, which need them to unset; set-only parameter
// modes drop theirs.
func invertModes(table ircwire.ModeTable, changes []ircwire.ModeChange) []ircwire.ModeChange {
	out := make([]ircwire.ModeChange, 0, len(changes))
	for _, mc := range changes {
		inv := ircwire.ModeChange{Add: !mc.Add, Mode: mc.Mode, Arg: mc.Arg}
		if !inv.Add && table.IsSetParam(mc.Mode) {
			inv.Arg = ""
		}
		out = append(out, inv)
	}
	return out
}

// message relays channel messages through the sender's pseudo-clients
// and dispatches service-bot commands.
func (e *Engine) message(ev protocol.Event) {
	if bot, ok := e.bots[ev.Network]; ok && bot == ev.Target && !ev.Notice {
		e.handleCommand(ev.Network, ev.UID, ev.Text)
		return
	}
	if e.isRelayClient(ev.Network, ev.UID) {
		return
	}

	if ircwire.IsChannel(ev.Target) {
		l := e.linkFor(ev.Network, foldChan(ev.Target))
		if l == nil {
			return
		}
		entry := e.pseudos[pseudoKey{network: ev.Network, uid: ev.UID}]
		if entry == nil {
			return
		}
		for _, p := range l.participants() {
			if p == ev.Network {
				continue
			}
			uid, ok := entry.remotes[p]
			if !ok {
				continue
			}
			tn, ok := e.nets.Network(p)
			if !ok {
				continue
			}
			if _, err := tn.Emit(protocol.Request{
				Op: protocol.OpMessage, UID: uid, Target: l.channel,
				Text: ev.Text, Notice: ev.Notice,
			}); err != nil {
				e.log.Debug().Err(err).Str("target", p).Msg("message relay failed")
			}
		}
		return
	}

	// Private message to a pseudo-client: deliver on its home network
	// from the sender's own pseudo there, when one exists.
	if origin, ok := e.origin(ev.Network, ev.Target); ok {
		sender := e.pseudos[pseudoKey{network: ev.Network, uid: ev.UID}]
		if sender == nil {
			e.notice(ev.Network, ev.UID, "cannot relay private message: you share no relayed channel with that user")
			return
		}
		senderUID, ok := sender.remotes[origin.network]
		if !ok {
			e.notice(ev.Network, ev.UID, "cannot relay private message: you share no relayed channel with that user")
			return
		}
		hn, ok := e.nets.Network(origin.network)
		if !ok {
			return
		}
		if _, err := hn.Emit(protocol.Request{
			Op: protocol.OpMessage, UID: senderUID, Target: origin.uid,
			Text: ev.Text, Notice: ev.Notice,
		}); err != nil {
			e.log.Debug().Err(err).Msg("private message relay failed")
		}
	}
}

// serverSplit removes the mirrors of every user the split took away.
func (e *Engine) serverSplit(ev protocol.Event) {
	for _, u := range ev.Gone {
		e.ops.Forget(ev.Network, u.UID)
		if entry := e.pseudos[pseudoKey{network: ev.Network, uid: u.UID}]; entry != nil {
			e.quitEverywhere(entry, "*.net *.split")
		}
	}
}

// emitAsBot sends a request attributed to the network's service bot.
func (e *Engine) emitAsBot(network string, req protocol.Request) {
	tn, ok := e.nets.Network(network)
	if !ok {
		return
	}
	req.UID = e.bots[network]
	if _, err := tn.Emit(req); err != nil {
		e.log.Debug().Err(err).Str("network", network).Msg("bot emit failed")
	}
}

// notice sends a service notice to a user.
func (e *Engine) notice(network, uid, text string) {
	e.emitAsBot(network, protocol.Request{
		Op: protocol.OpMessage, Target: uid, Text: text, Notice: true,
	})
}
