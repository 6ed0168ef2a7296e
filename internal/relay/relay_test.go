package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/interlink-irc/interlink/internal/auth"
	"github.com/interlink-irc/interlink/internal/config"
	"github.com/interlink-irc/interlink/internal/ircwire"
	"github.com/interlink-irc/interlink/internal/protocol"
	"github.com/interlink-irc/interlink/internal/state"
	"github.com/interlink-irc/interlink/internal/store"
)

var testChanModes = ircwire.ModeTable{
	List: "b", AlwaysParam: "k", SetParam: "l", Flag: "imnt", Prefix: "ov",
}

// fakeNet is an in-memory network: Emit applies requests straight to
// its state store the way a driver would and records them for
// assertions.
type fakeNet struct {
	name string
	st   *state.Store

	mu   sync.Mutex
	reqs []protocol.Request
	seq  int
	down bool
}

func newFakeNet(name string) *fakeNet {
	f := &fakeNet{name: name, st: state.New(ircwire.CasemapRFC1459)}
	f.st.Mutate(func(tx *state.Tx) {
		tx.AddServer(state.Server{SID: name, Name: name + ".example", Hops: 1})
	})
	return f
}

func (f *fakeNet) Name() string        { return f.name }
func (f *fakeNet) State() *state.Store { return f.st }

func (f *fakeNet) Capabilities() protocol.Capabilities {
	return protocol.Capabilities{
		Family: "fake", Casemap: ircwire.CasemapRFC1459,
		NickLen: 30, ChanModes: testChanModes, UserModes: "io",
	}
}

func (f *fakeNet) Emit(req protocol.Request) (protocol.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return protocol.Result{}, protocol.ErrNetworkUnavailable
	}
	f.reqs = append(f.reqs, req)

	switch req.Op {
	case protocol.OpSpawnClient:
		f.seq++
		uid := fmt.Sprintf("%s-P%02d", f.name, f.seq)
		f.st.Mutate(func(tx *state.Tx) {
			tx.AddUser(state.User{
				UID: uid, Nick: req.Nick, Ident: req.Ident, Host: req.Host,
				Realname: req.Realname, Server: f.name,
			})
		})
		return protocol.Result{UID: uid}, nil
	case protocol.OpQuitClient:
		f.st.Mutate(func(tx *state.Tx) { tx.RemoveUser(req.UID) })
	case protocol.OpJoin:
		f.st.Mutate(func(tx *state.Tx) { tx.Join(req.UID, req.Channel, 1000, nil) })
	case protocol.OpPart:
		f.st.Mutate(func(tx *state.Tx) { tx.Part(req.UID, req.Channel) })
	case protocol.OpKick:
		f.st.Mutate(func(tx *state.Tx) { tx.Part(req.Target, req.Channel) })
	case protocol.OpNick:
		f.st.Mutate(func(tx *state.Tx) { tx.SetNick(req.UID, req.Nick) })
	case protocol.OpTopic:
		f.st.Mutate(func(tx *state.Tx) { tx.SetTopic(req.Channel, req.Text, "", 0) })
	case protocol.OpMode:
		f.st.Mutate(func(tx *state.Tx) { tx.ApplyChannelModes(req.Channel, testChanModes, req.Modes) })
	}
	return protocol.Result{}, nil
}

// addUser introduces a genuine local user on the fake network.
func (f *fakeNet) addUser(uid, nick string) {
	f.st.Mutate(func(tx *state.Tx) {
		tx.AddUser(state.User{UID: uid, Nick: nick, Ident: nick, Host: "host", Realname: nick, Server: f.name})
	})
}

func (f *fakeNet) join(uid, channel string) {
	f.st.Mutate(func(tx *state.Tx) { tx.Join(uid, channel, 1000, nil) })
}

func (f *fakeNet) requests(op protocol.Op) []protocol.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Request
	for _, r := range f.reqs {
		if r.Op == op {
			out = append(out, r)
		}
	}
	return out
}

type fakeNets map[string]*fakeNet

func (m fakeNets) Network(name string) (Network, bool) {
	n, ok := m[name]
	if !ok {
		return nil, false
	}
	return n, true
}

// memStore is an in-memory store.Store for tests.
type memStore struct {
	mu    sync.Mutex
	links map[string]store.Link
}

func newMemStore() *memStore { return &memStore{links: make(map[string]store.Link)} }

func (m *memStore) SaveLink(_ context.Context, l store.Link) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[l.Home+" "+l.Channel] = l
	return int64(len(m.links)), nil
}

func (m *memStore) DeleteLink(_ context.Context, channel, home string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links, home+" "+channel)
	return nil
}

func (m *memStore) ListLinks(_ context.Context) ([]store.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Link
	for _, l := range m.links {
		out = append(out, l)
	}
	return out, nil
}

func (m *memStore) SetClaim(_ context.Context, channel, home string, networks []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[home+" "+channel]
	if !ok {
		return fmt.Errorf("no such link %s", channel)
	}
	l.Claim = networks
	m.links[home+" "+channel] = l
	return nil
}

func (m *memStore) Close() error { return nil }

func testConfig() config.RelayConfig {
	return config.RelayConfig{
		BotNick: "RelayServ", BotIdent: "relay", NickSeparator: "|",
		SweepInterval: time.Minute, EntryMaxAge: time.Minute,
		KillFloodWindow: time.Minute, KillFloodLimit: 2,
	}
}

func testEngine(t *testing.T, nets fakeNets, ops *auth.Operators, db store.Store) *Engine {
	t.Helper()
	if ops == nil {
		ops = auth.NewOperators(nil)
	}
	if db == nil {
		db = newMemStore()
	}
	e := New(testConfig(), nets, ops, db, zerolog.Nop())
	e.ctx = context.Background()
	return e
}

// twoNets builds net1/net2 with #chat linked, homed on net1, and both
// networks brought up.
func twoNets(t *testing.T, claim []string) (*Engine, *fakeNet, *fakeNet) {
	t.Helper()
	net1, net2 := newFakeNet("net1"), newFakeNet("net2")
	e := testEngine(t, fakeNets{"net1": net1, "net2": net2}, nil, nil)
	if err := e.Seed(context.Background(), []config.LinkConfig{
		{Channel: "#chat", Home: "net1", Networks: []string{"net2"}, Claim: claim},
	}); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	e.handle(protocol.Event{Kind: protocol.EventNetworkUp, Network: "net1"})
	e.handle(protocol.Event{Kind: protocol.EventNetworkUp, Network: "net2"})
	return e, net1, net2
}

func pseudoOn(t *testing.T, e *Engine, homeNet, homeUID, target string) string {
	t.Helper()
	entry := e.pseudos[pseudoKey{network: homeNet, uid: homeUID}]
	if entry == nil {
		t.Fatalf("no relay entry for %s/%s", homeNet, homeUID)
	}
	uid, ok := entry.remotes[target]
	if !ok {
		t.Fatalf("no pseudo-client for %s/%s on %s", homeNet, homeUID, target)
	}
	return uid
}

func TestJoinMirroredAcrossNetworks(t *testing.T) {
	e, net1, net2 := twoNets(t, nil)

	net1.addUser("net1-A", "alice")
	net1.join("net1-A", "#chat")
	e.handle(protocol.Event{Kind: protocol.EventJoinChannel, Network: "net1", UID: "net1-A", Channel: "#chat"})

	u, ok := net2.st.GetUserByNick("alice")
	if !ok {
		t.Fatal("alice not mirrored onto net2")
	}
	if _, in := u.Channels["#chat"]; !in {
		t.Fatal("mirrored alice not in #chat on net2")
	}
	if got := pseudoOn(t, e, "net1", "net1-A", "net2"); got != u.UID {
		t.Fatalf("relay entry UID = %s, state UID = %s", got, u.UID)
	}
}

func TestMirrorNickMangledOnCollision(t *testing.T) {
	e, net1, net2 := twoNets(t, nil)

	// A genuine bob already exists on net2 and keeps its nick.
	net2.addUser("net2-B", "bob")
	net1.addUser("net1-B", "bob")
	net1.join("net1-B", "#chat")
	e.handle(protocol.Event{Kind: protocol.EventJoinChannel, Network: "net1", UID: "net1-B", Channel: "#chat"})

	uid := pseudoOn(t, e, "net1", "net1-B", "net2")
	u, _ := net2.st.GetUser(uid)
	if u.Nick != "bob|net1" {
		t.Fatalf("mirror nick = %q, want %q", u.Nick, "bob|net1")
	}
	if holder, _ := net2.st.GetUserByNick("bob"); holder.UID != "net2-B" {
		t.Fatal("genuine bob was displaced")
	}
}

func TestMirrorNickNumberedOnDoubleCollision(t *testing.T) {
	e, net1, net2 := twoNets(t, nil)

	net2.addUser("net2-B", "bob")
	net2.addUser("net2-C", "bob|net1")
	net1.addUser("net1-B", "bob")
	net1.join("net1-B", "#chat")
	e.handle(protocol.Event{Kind: protocol.EventJoinChannel, Network: "net1", UID: "net1-B", Channel: "#chat"})

	uid := pseudoOn(t, e, "net1", "net1-B", "net2")
	u, _ := net2.st.GetUser(uid)
	if u.Nick != "bob|net11" {
		t.Fatalf("mirror nick = %q, want %q", u.Nick, "bob|net11")
	}
}

func TestMessageRelayedThroughPseudo(t *testing.T) {
	e, net1, net2 := twoNets(t, nil)

	net1.addUser("net1-A", "alice")
	net1.join("net1-A", "#chat")
	e.handle(protocol.Event{Kind: protocol.EventJoinChannel, Network: "net1", UID: "net1-A", Channel: "#chat"})
	e.handle(protocol.Event{
		Kind: protocol.EventMessage, Network: "net1",
		UID: "net1-A", Target: "#chat", Text: "hello world",
	})

	msgs := net2.requests(protocol.OpMessage)
	if len(msgs) != 1 {
		t.Fatalf("got %d relayed messages, want 1", len(msgs))
	}
	if msgs[0].UID != pseudoOn(t, e, "net1", "net1-A", "net2") || msgs[0].Text != "hello world" {
		t.Fatalf("relayed message = %+v", msgs[0])
	}
}

func TestNickChangeFollowsMirror(t *testing.T) {
	e, net1, net2 := twoNets(t, nil)

	net1.addUser("net1-A", "alice")
	net1.join("net1-A", "#chat")
	e.handle(protocol.Event{Kind: protocol.EventJoinChannel, Network: "net1", UID: "net1-A", Channel: "#chat"})
	e.handle(protocol.Event{Kind: protocol.EventNickChange, Network: "net1", UID: "net1-A", NewNick: "allie"})

	if _, ok := net2.st.GetUserByNick("allie"); !ok {
		t.Fatal("mirror did not follow the nick change")
	}
}

func TestUnauthorizedKickReverted(t *testing.T) {
	e, net1, net2 := twoNets(t, []string{"net1"})

	net1.addUser("net1-A", "alice")
	net1.join("net1-A", "#chat")
	e.handle(protocol.Event{Kind: protocol.EventJoinChannel, Network: "net1", UID: "net1-A", Channel: "#chat"})
	mirror := pseudoOn(t, e, "net1", "net1-A", "net2")

	// A net2 operator kicks the mirror; net2 is not on the claim list.
	net2.addUser("net2-O", "oper")
	net2.st.Mutate(func(tx *state.Tx) { tx.Part(mirror, "#chat") })
	e.handle(protocol.Event{
		Kind: protocol.EventKick, Network: "net2",
		Source: "net2-O", Target: mirror, Channel: "#chat", Text: "go away",
	})

	c, ok := net2.st.GetChannel("#chat")
	if !ok {
		t.Fatal("#chat vanished from net2")
	}
	if _, in := c.Members[mirror]; !in {
		t.Fatal("kicked mirror was not rejoined")
	}
	if kicks := net1.requests(protocol.OpKick); len(kicks) != 0 {
		t.Fatalf("unauthorized kick propagated to home: %+v", kicks)
	}
}

func TestAuthorizedKickPropagates(t *testing.T) {
	e, net1, net2 := twoNets(t, nil) // no claim: everyone may act

	net1.addUser("net1-A", "alice")
	net1.join("net1-A", "#chat")
	e.handle(protocol.Event{Kind: protocol.EventJoinChannel, Network: "net1", UID: "net1-A", Channel: "#chat"})
	mirror := pseudoOn(t, e, "net1", "net1-A", "net2")

	net2.addUser("net2-O", "oper")
	net2.st.Mutate(func(tx *state.Tx) { tx.Part(mirror, "#chat") })
	e.handle(protocol.Event{
		Kind: protocol.EventKick, Network: "net2",
		Source: "net2-O", Target: mirror, Channel: "#chat", Text: "spam",
	})

	kicks := net1.requests(protocol.OpKick)
	if len(kicks) != 1 || kicks[0].Target != "net1-A" {
		t.Fatalf("kick not propagated to home user: %+v", kicks)
	}
}

func TestUnauthorizedTopicReverted(t *testing.T) {
	e, net1, net2 := twoNets(t, []string{"net1"})

	net1.addUser("net1-A", "alice")
	net1.join("net1-A", "#chat")
	net1.st.Mutate(func(tx *state.Tx) { tx.SetTopic("#chat", "home topic", "alice", 1) })
	e.handle(protocol.Event{Kind: protocol.EventJoinChannel, Network: "net1", UID: "net1-A", Channel: "#chat"})

	net2.addUser("net2-O", "oper")
	net2.join("net2-O", "#chat")
	e.handle(protocol.Event{
		Kind: protocol.EventTopicChange, Network: "net2",
		Source: "net2-O", Channel: "#chat", Text: "hijacked",
	})

	c, _ := net2.st.GetChannel("#chat")
	if c.Topic != "home topic" {
		t.Fatalf("topic = %q, want home topic restored", c.Topic)
	}
	if topics := net1.requests(protocol.OpTopic); len(topics) != 0 {
		t.Fatal("unauthorized topic change propagated to home")
	}
}

func TestUnauthorizedModeReverted(t *testing.T) {
	e, _, net2 := twoNets(t, []string{"net1"})

	net2.addUser("net2-O", "oper")
	net2.join("net2-O", "#chat")
	net2.st.Mutate(func(tx *state.Tx) {
		tx.ApplyChannelModes("#chat", testChanModes, []ircwire.ModeChange{{Add: true, Mode: 'i'}})
	})
	e.handle(protocol.Event{
		Kind: protocol.EventModeChange, Network: "net2", Source: "net2-O",
		Channel: "#chat", Modes: []ircwire.ModeChange{{Add: true, Mode: 'i'}},
	})

	c, _ := net2.st.GetChannel("#chat")
	if _, set := c.Modes['i']; set {
		t.Fatal("unauthorized +i was not reverted")
	}
}

func TestQuitRemovesMirrors(t *testing.T) {
	e, net1, net2 := twoNets(t, nil)

	net1.addUser("net1-A", "alice")
	net1.join("net1-A", "#chat")
	e.handle(protocol.Event{Kind: protocol.EventJoinChannel, Network: "net1", UID: "net1-A", Channel: "#chat"})
	mirror := pseudoOn(t, e, "net1", "net1-A", "net2")

	net1.st.Mutate(func(tx *state.Tx) { tx.RemoveUser("net1-A") })
	e.handle(protocol.Event{Kind: protocol.EventUserQuit, Network: "net1", UID: "net1-A"})

	if _, ok := net2.st.GetUser(mirror); ok {
		t.Fatal("mirror survived its home user's quit")
	}
	if len(e.pseudos) != 0 {
		t.Fatalf("%d relay entries left, want 0", len(e.pseudos))
	}
}

func TestServerSplitRemovesMirrors(t *testing.T) {
	e, net1, net2 := twoNets(t, nil)

	net1.addUser("net1-A", "alice")
	net1.join("net1-A", "#chat")
	e.handle(protocol.Event{Kind: protocol.EventJoinChannel, Network: "net1", UID: "net1-A", Channel: "#chat"})
	mirror := pseudoOn(t, e, "net1", "net1-A", "net2")

	e.handle(protocol.Event{
		Kind: protocol.EventServerSplit, Network: "net1", SID: "leaf",
		Gone: []state.User{{UID: "net1-A", Nick: "alice"}},
	})

	if _, ok := net2.st.GetUser(mirror); ok {
		t.Fatal("mirror survived the netsplit")
	}
}

func TestNetworkDownDropsItsMirrors(t *testing.T) {
	e, net1, net2 := twoNets(t, nil)

	net1.addUser("net1-A", "alice")
	net1.join("net1-A", "#chat")
	e.handle(protocol.Event{Kind: protocol.EventJoinChannel, Network: "net1", UID: "net1-A", Channel: "#chat"})
	net2.addUser("net2-B", "bob")
	net2.join("net2-B", "#chat")
	e.handle(protocol.Event{Kind: protocol.EventJoinChannel, Network: "net2", UID: "net2-B", Channel: "#chat"})
	bobMirror := pseudoOn(t, e, "net2", "net2-B", "net1")

	e.handle(protocol.Event{Kind: protocol.EventNetworkDown, Network: "net2"})

	// bob came from net2, so his mirror on net1 must be quit.
	if _, ok := net1.st.GetUser(bobMirror); ok {
		t.Fatal("net2 user's mirror survived net2 going down")
	}
	// alice's entry must no longer reference a net2 pseudo.
	if entry := e.pseudos[pseudoKey{network: "net1", uid: "net1-A"}]; entry != nil {
		if _, has := entry.remotes["net2"]; has {
			t.Fatal("relay entry still references the downed network")
		}
	}
}

func TestRelinkResyncsChannel(t *testing.T) {
	e, net1, net2 := twoNets(t, nil)

	net1.addUser("net1-A", "alice")
	net1.join("net1-A", "#chat")
	e.handle(protocol.Event{Kind: protocol.EventJoinChannel, Network: "net1", UID: "net1-A", Channel: "#chat"})

	e.handle(protocol.Event{Kind: protocol.EventNetworkDown, Network: "net2"})
	net2.st.Mutate(func(tx *state.Tx) { tx.Clear() })
	net2.st.Mutate(func(tx *state.Tx) {
		tx.AddServer(state.Server{SID: "net2", Name: "net2.example", Hops: 1})
	})
	e.handle(protocol.Event{Kind: protocol.EventNetworkUp, Network: "net2"})

	if _, ok := net2.st.GetUserByNick("alice"); !ok {
		t.Fatal("alice not re-mirrored after relink")
	}
	if _, ok := net2.st.GetUserByNick("RelayServ"); !ok {
		t.Fatal("service bot not respawned after relink")
	}
}

func TestSweepEvictsStaleEntries(t *testing.T) {
	e, net1, net2 := twoNets(t, nil)

	net1.addUser("net1-A", "alice")
	net1.join("net1-A", "#chat")
	e.handle(protocol.Event{Kind: protocol.EventJoinChannel, Network: "net1", UID: "net1-A", Channel: "#chat"})
	mirror := pseudoOn(t, e, "net1", "net1-A", "net2")

	// The home user vanishes without any event reaching the engine,
	// as after a lossy netsplit. Backdate the entry past the max age.
	net1.st.Mutate(func(tx *state.Tx) { tx.RemoveUser("net1-A") })
	e.pseudos[pseudoKey{network: "net1", uid: "net1-A"}].lastSeen = time.Now().Add(-2 * time.Hour)

	e.sweep()

	if _, ok := net2.st.GetUser(mirror); ok {
		t.Fatal("stale mirror survived the sweep")
	}
	if len(e.pseudos) != 0 {
		t.Fatalf("%d relay entries left after sweep, want 0", len(e.pseudos))
	}
}

func TestKilledMirrorRespawnsUntilFloodLimit(t *testing.T) {
	e, net1, net2 := twoNets(t, nil)

	net1.addUser("net1-A", "alice")
	net1.join("net1-A", "#chat")
	e.handle(protocol.Event{Kind: protocol.EventJoinChannel, Network: "net1", UID: "net1-A", Channel: "#chat"})

	// The flood limit is 2 kills per window: two respawns, then stop.
	for i := 0; i < 2; i++ {
		mirror := pseudoOn(t, e, "net1", "net1-A", "net2")
		net2.st.Mutate(func(tx *state.Tx) { tx.RemoveUser(mirror) })
		e.handle(protocol.Event{Kind: protocol.EventKill, Network: "net2", UID: mirror, Target: mirror})
		if _, ok := net2.st.GetUserByNick("alice"); !ok {
			t.Fatalf("mirror not respawned after kill %d", i+1)
		}
	}

	mirror := pseudoOn(t, e, "net1", "net1-A", "net2")
	net2.st.Mutate(func(tx *state.Tx) { tx.RemoveUser(mirror) })
	e.handle(protocol.Event{Kind: protocol.EventKill, Network: "net2", UID: mirror, Target: mirror})
	if _, ok := net2.st.GetUserByNick("alice"); ok {
		t.Fatal("mirror respawned past the kill flood limit")
	}
}

func TestServiceBotLinkCommand(t *testing.T) {
	net1, net2 := newFakeNet("net1"), newFakeNet("net2")
	hash, err := auth.HashPassword("secret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	ops := auth.NewOperators(map[string]string{"admin": hash})
	db := newMemStore()
	e := testEngine(t, fakeNets{"net1": net1, "net2": net2}, ops, db)

	e.handle(protocol.Event{Kind: protocol.EventNetworkUp, Network: "net1"})
	e.handle(protocol.Event{Kind: protocol.EventNetworkUp, Network: "net2"})
	bot := e.bots["net1"]
	if bot == "" {
		t.Fatal("no service bot on net1")
	}

	net1.addUser("net1-O", "oper")
	send := func(text string) {
		e.handle(protocol.Event{
			Kind: protocol.EventMessage, Network: "net1",
			UID: "net1-O", Target: bot, Text: text,
		})
	}

	// Unidentified link attempts are refused.
	send("link #chat net2")
	if len(e.links) != 0 {
		t.Fatal("link accepted without operator rights")
	}

	send("identify admin wrong")
	send("link #chat net2")
	if len(e.links) != 0 {
		t.Fatal("link accepted after failed identify")
	}

	send("identify admin secret")
	send("link #chat net2")
	l, ok := e.links[linkKey("net1", "#chat")]
	if !ok {
		t.Fatal("link command did not create the link")
	}
	if _, member := l.members["net2"]; !member {
		t.Fatal("net2 missing from link members")
	}
	if saved, _ := db.ListLinks(context.Background()); len(saved) != 1 {
		t.Fatalf("%d persisted links, want 1", len(saved))
	}

	// Users already in the channel are mirrored as part of linking.
	net1.addUser("net1-A", "alice")
	net1.join("net1-A", "#chat")
	e.handle(protocol.Event{Kind: protocol.EventJoinChannel, Network: "net1", UID: "net1-A", Channel: "#chat"})
	if _, ok := net2.st.GetUserByNick("alice"); !ok {
		t.Fatal("alice not mirrored onto the freshly linked channel")
	}

	send("delink #chat")
	if len(e.links) != 0 {
		t.Fatal("delink did not remove the link")
	}
	if saved, _ := db.ListLinks(context.Background()); len(saved) != 0 {
		t.Fatal("delink did not remove the persisted link")
	}
}

func TestSeedLoadsPersistedLinks(t *testing.T) {
	db := newMemStore()
	if _, err := db.SaveLink(context.Background(), store.Link{
		Channel: "#old", Home: "net1", Networks: []string{"net2"},
	}); err != nil {
		t.Fatalf("SaveLink: %v", err)
	}

	net1, net2 := newFakeNet("net1"), newFakeNet("net2")
	e := testEngine(t, fakeNets{"net1": net1, "net2": net2}, nil, db)
	if err := e.Seed(context.Background(), []config.LinkConfig{
		{Channel: "#new", Home: "net1", Networks: []string{"net2"}},
	}); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	if len(e.links) != 2 {
		t.Fatalf("%d links after seed, want 2", len(e.links))
	}
	if saved, _ := db.ListLinks(context.Background()); len(saved) != 2 {
		t.Fatalf("%d persisted links, want 2", len(saved))
	}
}
