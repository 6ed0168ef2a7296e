package state

// GetServer returns a copy of the server with the given SID.
func (s *Store) GetServer(sid string) (Server, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	srv, ok := s.servers[sid]
	if !ok {
		return Server{}, false
	}
	return *srv, true
}

// Uplink returns the SID of the tree root, empty when unlinked.
func (s *Store) Uplink() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uplink
}

// ServerTree returns every server keyed by SID.
func (s *Store) ServerTree() map[string]Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tree := make(map[string]Server, len(s.servers))
	for sid, srv := range s.servers {
		tree[sid] = *srv
	}
	return tree
}

// GetUser returns a copy of the user with the given UID.
func (s *Store) GetUser(uid string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[uid]
	if !ok {
		return User{}, false
	}
	return copyUser(u), true
}

// GetUserByNick resolves a nick under the network casemap.
func (s *Store) GetUserByNick(nick string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uid, ok := s.nicks[s.casemap.Fold(nick)]
	if !ok {
		return User{}, false
	}
	return copyUser(s.users[uid]), true
}

// NickTaken reports whether a nick is in use, and by which UID.
func (s *Store) NickTaken(nick string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uid, ok := s.nicks[s.casemap.Fold(nick)]
	return uid, ok
}

// GetChannel returns a copy of the channel with the given name.
func (s *Store) GetChannel(name string) (Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[s.casemap.Fold(name)]
	if !ok {
		return Channel{}, false
	}
	return copyChannel(c), true
}

// UsersIn returns the UIDs of a channel's members.
func (s *Store) UsersIn(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[s.casemap.Fold(name)]
	if !ok {
		return nil
	}
	uids := make([]string, 0, len(c.Members))
	for uid := range c.Members {
		uids = append(uids, uid)
	}
	return uids
}

// AllUsers returns a copy of every user keyed by UID.
func (s *Store) AllUsers() map[string]User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make(map[string]User, len(s.users))
	for uid, u := range s.users {
		users[uid] = copyUser(u)
	}
	return users
}

// Counts reports servers, users and channels currently tracked.
func (s *Store) Counts() (servers, users, channels int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.servers), len(s.users), len(s.channels)
}

func copyUser(u *User) User {
	out := *u
	out.Modes = make(map[byte]struct{}, len(u.Modes))
	for m := range u.Modes {
		out.Modes[m] = struct{}{}
	}
	out.Channels = make(map[string]struct{}, len(u.Channels))
	for ch := range u.Channels {
		out.Channels[ch] = struct{}{}
	}
	return out
}

func copyChannel(c *Channel) Channel {
	out := *c
	out.Modes = make(map[byte]string, len(c.Modes))
	for m, arg := range c.Modes {
		out.Modes[m] = arg
	}
	out.Members = make(map[string]map[byte]struct{}, len(c.Members))
	for uid, prefixes := range c.Members {
		p := make(map[byte]struct{}, len(prefixes))
		for m := range prefixes {
			p[m] = struct{}{}
		}
		out.Members[uid] = p
	}
	out.Lists = make(map[byte]map[string]struct{}, len(c.Lists))
	for m, entries := range c.Lists {
		e := make(map[string]struct{}, len(entries))
		for entry := range entries {
			e[entry] = struct{}{}
		}
		out.Lists[m] = e
	}
	return out
}
