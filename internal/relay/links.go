package relay

import (
	"time"
)

// link is one relayed channel anchored at a home network.
type link struct {
	channel string // folded name, identical on every participant
	home    string
	members map[string]struct{} // mirroring networks, home excluded
	claim   map[string]struct{} // networks allowed administrative actions
}

func linkKey(home, channel string) string {
	return home + " " + channel
}

// participants returns every network carrying the channel.
func (l *link) participants() []string {
	out := make([]string, 0, len(l.members)+1)
	out = append(out, l.home)
	for m := range l.members {
		out = append(out, m)
	}
	return out
}

func (l *link) hasParticipant(network string) bool {
	if network == l.home {
		return true
	}
	_, ok := l.members[network]
	return ok
}

// claimAllows reports whether an administrative action from the given
// network may touch the shared channel. An empty claim list allows
// everyone.
func (l *link) claimAllows(network string) bool {
	if len(l.claim) == 0 {
		return true
	}
	_, ok := l.claim[network]
	return ok
}

// linkFor finds the link carrying a channel that the given network
// participates in.
func (e *Engine) linkFor(network, channel string) *link {
	for _, l := range e.links {
		if l.channel == channel && l.hasParticipant(network) {
			return l
		}
	}
	return nil
}

// linksInvolving returns every link a network participates in.
func (e *Engine) linksInvolving(network string) []*link {
	var out []*link
	for _, l := range e.links {
		if l.hasParticipant(network) {
			out = append(out, l)
		}
	}
	return out
}

// pseudoKey identifies the real user behind a set of pseudo-clients.
type pseudoKey struct {
	network string // home network
	uid     string // home UID
}

// pseudoEntry is the relay's bookkeeping for one mirrored user: the
// pseudo-client UID on every remote network and the shared channels
// the user is currently relayed into. Entries live in an explicit map
// swept by the engine; there is no hidden expiry.
type pseudoEntry struct {
	key      pseudoKey
	nick     string // current home nick
	remotes  map[string]string   // remote network -> pseudo UID
	channels map[string]struct{} // folded shared channels
	created  time.Time
	lastSeen time.Time
}

// origin resolves a (network, UID) pair to the home identity it
// mirrors, when the UID is one of our pseudo-clients.
func (e *Engine) origin(network, uid string) (pseudoKey, bool) {
	key, ok := e.reverse[network+"/"+uid]
	return key, ok
}

func (e *Engine) recordPseudo(entry *pseudoEntry, remoteNet, remoteUID string) {
	entry.remotes[remoteNet] = remoteUID
	e.reverse[remoteNet+"/"+remoteUID] = entry.key
}

func (e *Engine) dropPseudo(entry *pseudoEntry, remoteNet string) {
	if uid, ok := entry.remotes[remoteNet]; ok {
		delete(e.reverse, remoteNet+"/"+uid)
		delete(entry.remotes, remoteNet)
	}
}

func (e *Engine) deleteEntry(entry *pseudoEntry) {
	for remoteNet, uid := range entry.remotes {
		delete(e.reverse, remoteNet+"/"+uid)
	}
	delete(e.pseudos, entry.key)
}

// isRelayClient reports whether a UID on a network is something the
// engine itself introduced (a pseudo-client or the service bot).
func (e *Engine) isRelayClient(network, uid string) bool {
	if bot, ok := e.bots[network]; ok && bot == uid {
		return true
	}
	_, ok := e.reverse[network+"/"+uid]
	return ok
}
