package state

import (
	"sort"
	"sync"
	"testing"

	"github.com/interlink-irc/interlink/internal/ircwire"
)

func seedStore(t *testing.T) *Store {
	t.Helper()
	s := New(ircwire.CasemapRFC1459)
	s.Mutate(func(tx *Tx) {
		if !tx.AddServer(Server{SID: "1AB", Name: "hub.example", Hops: 1}) {
			t.Fatal("add uplink failed")
		}
		if !tx.AddServer(Server{SID: "2CD", Name: "leaf.example", Hops: 2, ParentSID: "1AB"}) {
			t.Fatal("add leaf failed")
		}
		if !tx.AddUser(User{UID: "1ABAAAAAB", Nick: "alice", Server: "1AB", Signon: 100}) {
			t.Fatal("add alice failed")
		}
		if !tx.AddUser(User{UID: "2CDAAAAAB", Nick: "bob", Server: "2CD", Signon: 200}) {
			t.Fatal("add bob failed")
		}
		tx.Join("1ABAAAAAB", "#Lobby", 50, map[byte]struct{}{'o': {}})
		tx.Join("2CDAAAAAB", "#lobby", 50, nil)
	})
	return s
}

func TestNickUniquenessPerNetwork(t *testing.T) {
	s := seedStore(t)
	s.Mutate(func(tx *Tx) {
		if tx.AddUser(User{UID: "1ABAAAAAC", Nick: "ALICE", Server: "1AB"}) {
			t.Fatal("casemapped duplicate nick accepted")
		}
		if tx.AddUser(User{UID: "1ABAAAAAD", Nick: "Alice[1]", Server: "1AB"}) != true {
			t.Fatal("distinct nick rejected")
		}
		if tx.AddUser(User{UID: "1ABAAAAAE", Nick: "alice{1}", Server: "1AB"}) {
			t.Fatal("rfc1459 bracket fold not applied")
		}
	})
}

func TestChannelMembershipSymmetry(t *testing.T) {
	s := seedStore(t)

	uids := s.UsersIn("#LOBBY")
	sort.Strings(uids)
	if len(uids) != 2 || uids[0] != "1ABAAAAAB" || uids[1] != "2CDAAAAAB" {
		t.Fatalf("UsersIn = %v", uids)
	}

	alice, _ := s.GetUser("1ABAAAAAB")
	if _, in := alice.Channels["#lobby"]; !in {
		t.Fatalf("user side of membership missing: %v", alice.Channels)
	}

	s.Mutate(func(tx *Tx) { tx.Part("1ABAAAAAB", "#lobby") })
	alice, _ = s.GetUser("1ABAAAAAB")
	if len(alice.Channels) != 0 {
		t.Fatal("part did not clear user membership")
	}

	// Channel disappears when the last member leaves.
	s.Mutate(func(tx *Tx) { tx.Part("2CDAAAAAB", "#lobby") })
	if _, ok := s.GetChannel("#lobby"); ok {
		t.Fatal("empty channel not dropped")
	}
}

func TestRemoveServerSubtree(t *testing.T) {
	s := seedStore(t)
	s.Mutate(func(tx *Tx) {
		tx.AddServer(Server{SID: "3EF", Name: "leaf2.example", Hops: 3, ParentSID: "2CD"})
		tx.AddUser(User{UID: "3EFAAAAAB", Nick: "carol", Server: "3EF"})
	})

	var removed []User
	s.Mutate(func(tx *Tx) { removed = tx.RemoveServer("2CD") })

	nicks := make([]string, 0, len(removed))
	for _, u := range removed {
		nicks = append(nicks, u.Nick)
	}
	sort.Strings(nicks)
	if len(nicks) != 2 || nicks[0] != "bob" || nicks[1] != "carol" {
		t.Fatalf("removed users = %v", nicks)
	}
	if _, ok := s.GetServer("3EF"); ok {
		t.Fatal("grandchild server survived the split")
	}
	if _, ok := s.GetUser("2CDAAAAAB"); ok {
		t.Fatal("split user survived")
	}
	if _, ok := s.GetServer("1AB"); !ok {
		t.Fatal("uplink must survive a leaf split")
	}
}

func TestOrphanServerRejected(t *testing.T) {
	s := New(ircwire.CasemapRFC1459)
	s.Mutate(func(tx *Tx) {
		tx.AddServer(Server{SID: "1AB", Name: "hub.example"})
		if tx.AddServer(Server{SID: "9ZZ", Name: "orphan.example", ParentSID: "0XX"}) {
			t.Fatal("orphan SID accepted")
		}
	})
}

func TestSetNickCollision(t *testing.T) {
	s := seedStore(t)
	s.Mutate(func(tx *Tx) {
		if tx.SetNick("1ABAAAAAB", "BOB") {
			t.Fatal("rename onto a taken nick accepted")
		}
		if !tx.SetNick("1ABAAAAAB", "alice2") {
			t.Fatal("rename failed")
		}
	})
	if _, ok := s.GetUserByNick("alice"); ok {
		t.Fatal("old nick still resolves")
	}
	if u, ok := s.GetUserByNick("ALICE2"); !ok || u.UID != "1ABAAAAAB" {
		t.Fatal("new nick does not resolve")
	}
}

func TestApplyChannelModes(t *testing.T) {
	s := seedStore(t)
	table := ircwire.ModeTable{List: "b", AlwaysParam: "k", SetParam: "l", Flag: "nt", Prefix: "ov"}

	s.Mutate(func(tx *Tx) {
		tx.ApplyChannelModes("#lobby", table, []ircwire.ModeChange{
			{Add: true, Mode: 'n'},
			{Add: true, Mode: 'l', Arg: "25"},
			{Add: true, Mode: 'b', Arg: "*!*@bad.example"},
			{Add: true, Mode: 'v', Arg: "2CDAAAAAB"},
			{Add: false, Mode: 'o', Arg: "1ABAAAAAB"},
		})
	})

	c, _ := s.GetChannel("#lobby")
	if c.Modes['l'] != "25" {
		t.Fatalf("limit mode = %q", c.Modes['l'])
	}
	if _, set := c.Modes['n']; !set {
		t.Fatal("flag mode missing")
	}
	if _, banned := c.Lists['b']["*!*@bad.example"]; !banned {
		t.Fatal("ban list entry missing")
	}
	if _, voiced := c.Members["2CDAAAAAB"]['v']; !voiced {
		t.Fatal("voice prefix missing")
	}
	if _, opped := c.Members["1ABAAAAAB"]['o']; opped {
		t.Fatal("op prefix not removed")
	}
}

func TestBatchAtomicity(t *testing.T) {
	s := New(ircwire.CasemapRFC1459)
	s.Mutate(func(tx *Tx) {
		tx.AddServer(Server{SID: "1AB", Name: "hub.example"})
	})

	const n = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Mutate(func(tx *Tx) {
			for i := 0; i < n; i++ {
				tx.AddUser(User{UID: uidN(i), Nick: "burst" + uidN(i), Server: "1AB"})
			}
		})
	}()

	// Readers must only ever see zero or all burst users.
	for i := 0; i < 50; i++ {
		_, users, _ := s.Counts()
		if users != 0 && users != n {
			t.Fatalf("observed partial batch: %d users", users)
		}
	}
	wg.Wait()
	if _, users, _ := s.Counts(); users != n {
		t.Fatalf("post-batch users = %d", users)
	}
}

func uidN(i int) string {
	const chars = "ABCDEFGHIJ"
	return "1AB" + string([]byte{
		chars[i/1000%10], chars[i/100%10], chars[i/10%10], chars[i%10],
	})
}
