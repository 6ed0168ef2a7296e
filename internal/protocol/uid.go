package protocol

// UIDGenerator hands out server-scoped user IDs in the incremental
// style TS daemons use: the SID followed by a fixed-length suffix that
// counts through an allowed alphabet.
type UIDGenerator struct {
	sid     string
	chars   string
	suffix  []byte
}

// NewUIDGenerator builds a generator for the given SID. TS6 suffixes
// are six characters over A-Z then 0-9, starting at AAAAAA.
func NewUIDGenerator(sid string) *UIDGenerator {
	const chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	g := &UIDGenerator{sid: sid, chars: chars, suffix: make([]byte, 6)}
	for i := range g.suffix {
		g.suffix[i] = chars[0]
	}
	return g
}

// Next returns the next unused UID.
func (g *UIDGenerator) Next() string {
	uid := g.sid + string(g.suffix)
	g.increment(len(g.suffix) - 1)
	return uid
}

func (g *UIDGenerator) increment(pos int) {
	if pos < 0 {
		// Wrapped the whole space; restart. A single link will never
		// introduce enough clients for this to collide in practice.
		for i := range g.suffix {
			g.suffix[i] = g.chars[0]
		}
		return
	}
	idx := indexOf(g.chars, g.suffix[pos])
	if idx == len(g.chars)-1 {
		g.suffix[pos] = g.chars[0]
		g.increment(pos - 1)
		return
	}
	g.suffix[pos] = g.chars[idx+1]
}

func indexOf(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
