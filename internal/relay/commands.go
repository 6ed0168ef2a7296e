package relay

import (
	"fmt"
	"sort"
	"strings"

	"github.com/interlink-irc/interlink/internal/ircwire"
	"github.com/interlink-irc/interlink/internal/protocol"
	"github.com/interlink-irc/interlink/internal/store"
)

// handleCommand dispatches one PRIVMSG sent to the service bot.
// Replies go back as notices from the bot.
func (e *Engine) handleCommand(network, fromUID, text string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help":
		e.cmdHelp(network, fromUID)
	case "identify":
		e.cmdIdentify(network, fromUID, args)
	case "link":
		e.cmdLink(network, fromUID, args)
	case "delink":
		e.cmdDelink(network, fromUID, args)
	case "claim":
		e.cmdClaim(network, fromUID, args)
	case "linked":
		e.cmdLinked(network, fromUID)
	default:
		e.notice(network, fromUID, fmt.Sprintf("unknown command %q, try HELP", cmd))
	}
}

func (e *Engine) cmdHelp(network, fromUID string) {
	for _, line := range []string{
		"IDENTIFY <account> <password> - authenticate as an operator",
		"LINK <#channel> <network> [network ...] - relay a channel, homed here",
		"DELINK <#channel> - stop relaying a channel homed here",
		"CLAIM <#channel> [network,network] - show or set the claim list",
		"LINKED - list relayed channels",
	} {
		e.notice(network, fromUID, line)
	}
}

func (e *Engine) cmdIdentify(network, fromUID string, args []string) {
	if len(args) != 2 {
		e.notice(network, fromUID, "usage: IDENTIFY <account> <password>")
		return
	}
	if !e.ops.Identify(network, fromUID, args[0], args[1]) {
		e.log.Warn().Str("network", network).Str("account", args[0]).Msg("failed operator identify")
		e.notice(network, fromUID, "invalid credentials")
		return
	}
	e.notice(network, fromUID, fmt.Sprintf("you are now identified as %s", args[0]))
}

func (e *Engine) requireOperator(network, fromUID string) bool {
	if e.ops.IsIdentified(network, fromUID) {
		return true
	}
	e.notice(network, fromUID, "access denied, IDENTIFY first")
	return false
}

// cmdLink creates a relayed channel homed on the requesting network.
func (e *Engine) cmdLink(network, fromUID string, args []string) {
	if !e.requireOperator(network, fromUID) {
		return
	}
	if len(args) < 2 || !ircwire.IsChannel(args[0]) {
		e.notice(network, fromUID, "usage: LINK <#channel> <network> [network ...]")
		return
	}
	channel := foldChan(args[0])
	if _, exists := e.links[linkKey(network, channel)]; exists {
		e.notice(network, fromUID, fmt.Sprintf("%s is already linked from %s", channel, network))
		return
	}
	members := args[1:]
	for _, m := range members {
		if m == network {
			e.notice(network, fromUID, "the home network is an implicit participant")
			return
		}
		if _, ok := e.nets.Network(m); !ok {
			e.notice(network, fromUID, fmt.Sprintf("unknown network %q", m))
			return
		}
	}

	l := e.addLink(channel, network, members, []string{network})
	if _, err := e.db.SaveLink(e.ctx, store.Link{
		Channel: channel, Home: network, Networks: members, Claim: []string{network},
	}); err != nil {
		e.log.Error().Err(err).Str("channel", channel).Msg("link persist failed")
		e.notice(network, fromUID, "link created but could not be persisted")
	}
	e.syncLink(l)
	for _, p := range l.participants() {
		e.emitAsBot(p, protocol.Request{Op: protocol.OpJoin, Channel: channel})
	}
	e.notice(network, fromUID, fmt.Sprintf("%s linked to %s", channel, strings.Join(members, ", ")))
	e.log.Info().Str("channel", channel).Str("home", network).Strs("members", members).Msg("channel linked")
}

// cmdDelink tears a relayed channel down: mirrors leave everywhere and
// the link is removed from the table and the database.
func (e *Engine) cmdDelink(network, fromUID string, args []string) {
	if !e.requireOperator(network, fromUID) {
		return
	}
	if len(args) != 1 || !ircwire.IsChannel(args[0]) {
		e.notice(network, fromUID, "usage: DELINK <#channel>")
		return
	}
	channel := foldChan(args[0])
	l, ok := e.links[linkKey(network, channel)]
	if !ok {
		e.notice(network, fromUID, fmt.Sprintf("%s is not linked from %s", channel, network))
		return
	}

	for _, entry := range e.pseudos {
		if _, in := entry.channels[channel]; in && l.hasParticipant(entry.key.network) {
			e.partMirrors(l, entry, "channel delinked")
		}
	}
	delete(e.links, linkKey(network, channel))
	if err := e.db.DeleteLink(e.ctx, channel, network); err != nil {
		e.log.Error().Err(err).Str("channel", channel).Msg("delink persist failed")
	}
	e.notice(network, fromUID, fmt.Sprintf("%s delinked", channel))
	e.log.Info().Str("channel", channel).Str("home", network).Msg("channel delinked")
}

// cmdClaim shows or replaces a link's claim list. Only the home
// network may change it.
func (e *Engine) cmdClaim(network, fromUID string, args []string) {
	if len(args) == 0 || !ircwire.IsChannel(args[0]) {
		e.notice(network, fromUID, "usage: CLAIM <#channel> [network,network]")
		return
	}
	channel := foldChan(args[0])
	l, ok := e.links[linkKey(network, channel)]
	if !ok {
		e.notice(network, fromUID, fmt.Sprintf("%s is not linked from %s", channel, network))
		return
	}

	if len(args) == 1 {
		if len(l.claim) == 0 {
			e.notice(network, fromUID, fmt.Sprintf("%s is unclaimed", channel))
			return
		}
		claims := make([]string, 0, len(l.claim))
		for c := range l.claim {
			claims = append(claims, c)
		}
		sort.Strings(claims)
		e.notice(network, fromUID, fmt.Sprintf("%s claim: %s", channel, strings.Join(claims, ", ")))
		return
	}

	if !e.requireOperator(network, fromUID) {
		return
	}
	nets := strings.Split(args[1], ",")
	if len(nets) == 1 && nets[0] == "-" {
		nets = nil
	}
	l.claim = make(map[string]struct{}, len(nets))
	for _, c := range nets {
		l.claim[c] = struct{}{}
	}
	if err := e.db.SetClaim(e.ctx, channel, network, nets); err != nil {
		e.log.Error().Err(err).Str("channel", channel).Msg("claim persist failed")
	}
	e.notice(network, fromUID, fmt.Sprintf("%s claim updated", channel))
}

func (e *Engine) cmdLinked(network, fromUID string) {
	if len(e.links) == 0 {
		e.notice(network, fromUID, "no channels are linked")
		return
	}
	keys := make([]string, 0, len(e.links))
	for k := range e.links {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		l := e.links[k]
		members := make([]string, 0, len(l.members))
		for m := range l.members {
			members = append(members, m)
		}
		sort.Strings(members)
		e.notice(network, fromUID, fmt.Sprintf("%s (home %s) <-> %s", l.channel, l.home, strings.Join(members, ", ")))
	}
}
