// Package state holds the in-memory model of one linked network:
// its server tree, users and channels. The owning protocol driver is
// the only writer; everything else reads through the query methods.
package state

import (
	"sync"

	"github.com/interlink-irc/interlink/internal/ircwire"
)

// Server is one node of a network's server tree.
type Server struct {
	SID       string
	Name      string
	Hops      int
	ParentSID string // empty for the uplink root
}

// User is one client known to the network.
type User struct {
	UID      string
	Nick     string
	Ident    string
	Host     string
	Realname string
	Server   string // SID
	Signon   int64
	Modes    map[byte]struct{}
	Channels map[string]struct{} // folded channel names
}

// Channel is one channel and its membership.
type Channel struct {
	Name    string // folded
	TS      int64
	Topic   string
	TopicBy string
	TopicTS int64
	Modes   map[byte]string             // mode -> argument, "" for flags
	Members map[string]map[byte]struct{} // UID -> prefix modes
	Lists   map[byte]map[string]struct{} // list mode -> entries (bans etc.)
}

// Store is the state of a single network. All mutation happens inside
// Mutate so readers never observe a half-applied wire command.
type Store struct {
	mu       sync.RWMutex
	casemap  ircwire.Casemap
	servers  map[string]*Server
	users    map[string]*User
	nicks    map[string]string // folded nick -> UID
	channels map[string]*Channel
	uplink   string
}

// New constructs an empty store using the given casemap.
func New(cm ircwire.Casemap) *Store {
	s := &Store{casemap: cm}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.servers = make(map[string]*Server)
	s.users = make(map[string]*User)
	s.nicks = make(map[string]string)
	s.channels = make(map[string]*Channel)
	s.uplink = ""
}

// Fold normalizes a name under the network's casemap.
func (s *Store) Fold(name string) string {
	return s.casemap.Fold(name)
}

// Tx exposes the mutation entry points. It is only valid inside the
// function passed to Mutate.
type Tx struct {
	s *Store
}

// Mutate runs fn under the write lock. A burst batch passed as a single
// fn is applied atomically with respect to all readers.
func (s *Store) Mutate(fn func(tx *Tx)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&Tx{s: s})
}

// Clear drops all state, for reuse across a reconnect.
func (tx *Tx) Clear() {
	tx.s.reset()
}

// AddServer inserts a server. The first server added becomes the
// uplink root; later ones must name an existing parent so the tree
// stays connected.
func (tx *Tx) AddServer(srv Server) bool {
	s := tx.s
	if _, dup := s.servers[srv.SID]; dup {
		return false
	}
	if len(s.servers) == 0 {
		srv.ParentSID = ""
		s.uplink = srv.SID
	} else if _, ok := s.servers[srv.ParentSID]; !ok {
		return false
	}
	s.servers[srv.SID] = &srv
	return true
}

// RemoveServer removes a server and its whole subtree, along with
// every user attached to it. It returns the removed users.
func (tx *Tx) RemoveServer(sid string) []User {
	s := tx.s
	if _, ok := s.servers[sid]; !ok {
		return nil
	}

	doomed := map[string]struct{}{sid: {}}
	for {
		grew := false
		for id, srv := range s.servers {
			if _, gone := doomed[id]; gone {
				continue
			}
			if _, parentGone := doomed[srv.ParentSID]; parentGone && srv.ParentSID != "" {
				doomed[id] = struct{}{}
				grew = true
			}
		}
		if !grew {
			break
		}
	}

	var removed []User
	for uid, u := range s.users {
		if _, gone := doomed[u.Server]; gone {
			removed = append(removed, copyUser(u))
			tx.removeUser(uid)
		}
	}
	for id := range doomed {
		delete(s.servers, id)
	}
	if _, gone := doomed[s.uplink]; gone {
		s.uplink = ""
	}
	return removed
}

// AddUser inserts a user. It fails on a duplicate UID, an unknown
// server, or a nick already held on this network.
func (tx *Tx) AddUser(u User) bool {
	s := tx.s
	if _, dup := s.users[u.UID]; dup {
		return false
	}
	if _, ok := s.servers[u.Server]; !ok {
		return false
	}
	folded := s.casemap.Fold(u.Nick)
	if _, taken := s.nicks[folded]; taken {
		return false
	}
	if u.Modes == nil {
		u.Modes = make(map[byte]struct{})
	}
	if u.Channels == nil {
		u.Channels = make(map[string]struct{})
	}
	s.users[u.UID] = &u
	s.nicks[folded] = u.UID
	return true
}

// RemoveUser deletes a user and its memberships.
func (tx *Tx) RemoveUser(uid string) bool {
	return tx.removeUser(uid)
}

func (tx *Tx) removeUser(uid string) bool {
	s := tx.s
	u, ok := s.users[uid]
	if !ok {
		return false
	}
	for ch := range u.Channels {
		if c, ok := s.channels[ch]; ok {
			delete(c.Members, uid)
			if len(c.Members) == 0 {
				delete(s.channels, ch)
			}
		}
	}
	delete(s.nicks, s.casemap.Fold(u.Nick))
	delete(s.users, uid)
	return true
}

// SetNick renames a user. Fails if the new nick is held by another user.
func (tx *Tx) SetNick(uid, nick string) bool {
	s := tx.s
	u, ok := s.users[uid]
	if !ok {
		return false
	}
	folded := s.casemap.Fold(nick)
	if holder, taken := s.nicks[folded]; taken && holder != uid {
		return false
	}
	delete(s.nicks, s.casemap.Fold(u.Nick))
	u.Nick = nick
	s.nicks[folded] = uid
	return true
}

// Join adds a user to a channel, creating the channel with the given
// TS when it does not exist yet.
func (tx *Tx) Join(uid, channel string, ts int64, prefixes map[byte]struct{}) bool {
	s := tx.s
	u, ok := s.users[uid]
	if !ok {
		return false
	}
	folded := s.casemap.Fold(channel)
	c, ok := s.channels[folded]
	if !ok {
		c = &Channel{
			Name:    folded,
			TS:      ts,
			Modes:   make(map[byte]string),
			Members: make(map[string]map[byte]struct{}),
			Lists:   make(map[byte]map[string]struct{}),
		}
		s.channels[folded] = c
	}
	if prefixes == nil {
		prefixes = make(map[byte]struct{})
	}
	c.Members[uid] = prefixes
	u.Channels[folded] = struct{}{}
	return true
}

// Part removes a user from a channel, dropping the channel when empty.
func (tx *Tx) Part(uid, channel string) bool {
	s := tx.s
	folded := s.casemap.Fold(channel)
	u, uok := s.users[uid]
	c, cok := s.channels[folded]
	if !uok || !cok {
		return false
	}
	if _, member := c.Members[uid]; !member {
		return false
	}
	delete(c.Members, uid)
	delete(u.Channels, folded)
	if len(c.Members) == 0 {
		delete(s.channels, folded)
	}
	return true
}

// SetTopic records a channel topic.
func (tx *Tx) SetTopic(channel, topic, setBy string, ts int64) bool {
	c, ok := tx.s.channels[tx.s.casemap.Fold(channel)]
	if !ok {
		return false
	}
	c.Topic, c.TopicBy, c.TopicTS = topic, setBy, ts
	return true
}

// ApplyUserModes flips flag modes on a user.
func (tx *Tx) ApplyUserModes(uid string, changes []ircwire.ModeChange) bool {
	u, ok := tx.s.users[uid]
	if !ok {
		return false
	}
	for _, mc := range changes {
		if mc.Add {
			u.Modes[mc.Mode] = struct{}{}
		} else {
			delete(u.Modes, mc.Mode)
		}
	}
	return true
}

// ApplyChannelModes applies parsed mode changes to a channel. The table
// decides whether a change lands in the mode map, a list, or member
// prefixes (in which case the argument is a UID).
func (tx *Tx) ApplyChannelModes(channel string, t ircwire.ModeTable, changes []ircwire.ModeChange) bool {
	s := tx.s
	c, ok := s.channels[s.casemap.Fold(channel)]
	if !ok {
		return false
	}
	for _, mc := range changes {
		switch {
		case indexByte(t.Prefix, mc.Mode):
			m, member := c.Members[mc.Arg]
			if !member {
				continue
			}
			if mc.Add {
				m[mc.Mode] = struct{}{}
			} else {
				delete(m, mc.Mode)
			}
		case indexByte(t.List, mc.Mode):
			l := c.Lists[mc.Mode]
			if l == nil {
				l = make(map[string]struct{})
				c.Lists[mc.Mode] = l
			}
			if mc.Add {
				l[mc.Arg] = struct{}{}
			} else {
				delete(l, mc.Arg)
			}
		default:
			if mc.Add {
				c.Modes[mc.Mode] = mc.Arg
			} else {
				delete(c.Modes, mc.Mode)
			}
		}
	}
	return true
}

func indexByte(set string, b byte) bool {
	for i := 0; i < len(set); i++ {
		if set[i] == b {
			return true
		}
	}
	return false
}
