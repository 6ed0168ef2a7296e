package ircwire

import (
	"errors"
	"strings"
)

// MaxLineLen is the longest line we will emit, terminator included.
// TS-family daemons reject anything past 512 bytes.
const MaxLineLen = 512

// ErrMalformedLine reports a line with no command token.
var ErrMalformedLine = errors.New("malformed line")

// Message is one parsed server-to-server line.
// Source carries the prefix (SID or UID) without the leading colon;
// it is empty for unprefixed commands such as PASS or PING.
type Message struct {
	Source  string
	Command string
	Params  []string
}

// ParseLine splits a raw wire line into source, command and parameters.
// A parameter introduced by a leading colon absorbs the rest of the line.
// The command token is uppercased; parameters are left untouched.
func ParseLine(raw string) (Message, error) {
	raw = strings.TrimRight(raw, "\r\n")

	var msg Message
	if strings.HasPrefix(raw, ":") {
		sp := strings.IndexByte(raw, ' ')
		if sp < 0 {
			return msg, ErrMalformedLine
		}
		msg.Source = raw[1:sp]
		raw = raw[sp+1:]
	}

	for raw != "" {
		if strings.HasPrefix(raw, ":") {
			if msg.Command == "" {
				return msg, ErrMalformedLine
			}
			msg.Params = append(msg.Params, raw[1:])
			break
		}
		token := raw
		if sp := strings.IndexByte(raw, ' '); sp >= 0 {
			token, raw = raw[:sp], raw[sp+1:]
			// Servers may pad with extra spaces between tokens.
			raw = strings.TrimLeft(raw, " ")
		} else {
			raw = ""
		}
		if token == "" {
			continue
		}
		if msg.Command == "" {
			msg.Command = strings.ToUpper(token)
		} else {
			msg.Params = append(msg.Params, token)
		}
	}

	if msg.Command == "" {
		return msg, ErrMalformedLine
	}
	return msg, nil
}

// String renders the message back into wire form, without terminator.
// The final parameter gets a colon when it is empty, contains a space,
// or itself starts with a colon.
func (m Message) String() string {
	var b strings.Builder
	if m.Source != "" {
		b.WriteByte(':')
		b.WriteString(m.Source)
		b.WriteByte(' ')
	}
	b.WriteString(m.Command)
	for i, p := range m.Params {
		b.WriteByte(' ')
		if i == len(m.Params)-1 && (p == "" || strings.ContainsRune(p, ' ') || strings.HasPrefix(p, ":")) {
			b.WriteByte(':')
		}
		b.WriteString(p)
	}
	return b.String()
}

// Param returns the i-th parameter or the empty string when absent.
func (m Message) Param(i int) string {
	if i < 0 || i >= len(m.Params) {
		return ""
	}
	return m.Params[i]
}
