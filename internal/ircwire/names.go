package ircwire

import (
	"regexp"
	"strings"
)

// Casemap selects the equivalence rules a daemon family applies to
// nicknames and channel names.
type Casemap int

const (
	// CasemapRFC1459 folds A-Z plus []\^ onto a-z plus {}|~.
	CasemapRFC1459 Casemap = iota
	// CasemapASCII folds A-Z onto a-z only.
	CasemapASCII
)

// Fold normalizes a name under the given casemap so that equivalent
// names compare equal.
func (c Casemap) Fold(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= 'A' && ch <= 'Z':
			ch += 'a' - 'A'
		case c == CasemapRFC1459 && ch == '[':
			ch = '{'
		case c == CasemapRFC1459 && ch == ']':
			ch = '}'
		case c == CasemapRFC1459 && ch == '\\':
			ch = '|'
		case c == CasemapRFC1459 && ch == '^':
			ch = '~'
		}
		b.WriteByte(ch)
	}
	return b.String()
}

var nickRe = regexp.MustCompile(`^[A-Za-z\|\\_\[\]\{\}\^\x60][A-Za-z0-9\-\|\\_\[\]\{\}\^\x60]*$`)

// IsNick reports whether s is a valid nickname. A nicklen of 0 means
// no length limit.
func IsNick(s string, nicklen int) bool {
	if nicklen > 0 && len(s) > nicklen {
		return false
	}
	return nickRe.MatchString(s)
}

// IsChannel reports whether s names a channel.
func IsChannel(s string) bool {
	return strings.HasPrefix(s, "#")
}

// IsServerName reports whether s is a valid server name: printable
// ASCII containing a dot, not starting with one.
func IsServerName(s string) bool {
	if s == "" || strings.HasPrefix(s, ".") || !strings.Contains(s, ".") {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] <= ' ' || s[i] > '~' {
			return false
		}
	}
	return true
}

var hostmaskRe = regexp.MustCompile(`^\S+!\S+@\S+$`)

// IsHostmask reports whether text looks like nick!user@host. Masks
// containing a channel marker are rejected; some relays forward bans
// into channels that way and they are never valid.
func IsHostmask(text string) bool {
	return hostmaskRe.MatchString(text) && !strings.Contains(text, "#")
}

// SplitHostmask splits nick!user@host into its three fields.
func SplitHostmask(mask string) (nick, ident, host string, ok bool) {
	bang := strings.IndexByte(mask, '!')
	if bang < 0 {
		return "", "", "", false
	}
	at := strings.IndexByte(mask[bang+1:], '@')
	if at < 0 {
		return "", "", "", false
	}
	return mask[:bang], mask[bang+1 : bang+1+at], mask[bang+2+at:], true
}
