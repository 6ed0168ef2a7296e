// Package protocol defines the boundary between daemon-family drivers
// and the rest of the daemon: the canonical event vocabulary, the
// Driver contract, and the outbound request model. A new daemon family
// is supported by implementing Driver against this package only.
package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/interlink-irc/interlink/internal/ircwire"
	"github.com/interlink-irc/interlink/internal/state"
)

var (
	// ErrUnsupportedCapability reports a request the target daemon
	// family cannot express on the wire. Callers treat it as a
	// recoverable partial-sync failure.
	ErrUnsupportedCapability = errors.New("unsupported capability")

	// ErrNetworkUnavailable reports an emit against a network that is
	// not currently linked.
	ErrNetworkUnavailable = errors.New("network unavailable")
)

// ConnError is a fatal handshake or authentication failure for one
// connection attempt. The registry owns the backoff-and-retry policy.
type ConnError struct {
	Stage string
	Err   error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("link handshake failed during %s: %v", e.Stage, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// LineWriter is the write half of a transport as drivers see it.
type LineWriter interface {
	WriteLine(line string) error
}

// Op enumerates the outbound requests a driver can serialize.
type Op int

const (
	// OpSpawnClient introduces a pseudo-client; the result carries its UID.
	OpSpawnClient Op = iota
	// OpQuitClient removes a pseudo-client from the network.
	OpQuitClient
	// OpJoin puts a pseudo-client into a channel.
	OpJoin
	// OpPart removes a pseudo-client from a channel.
	OpPart
	// OpKick removes a target user from a channel.
	OpKick
	// OpMode applies mode changes to a channel or user.
	OpMode
	// OpTopic sets a channel topic.
	OpTopic
	// OpMessage delivers a PRIVMSG or NOTICE from a pseudo-client.
	OpMessage
	// OpNick renames a pseudo-client.
	OpNick
)

// Request is a canonical state-change request to be serialized into a
// daemon family's wire syntax.
type Request struct {
	Op      Op
	UID     string // acting client
	Nick    string
	Ident   string
	Host    string
	Realname string
	Channel string
	Target  string // kick victim or message target
	Text    string
	Notice  bool
	TS      int64
	Modes   []ircwire.ModeChange
}

// Result carries values assigned by the driver while serializing,
// currently only the UID chosen for a spawned client.
type Result struct {
	UID string
}

// Capabilities describes what one daemon family can express.
type Capabilities struct {
	Family    string
	Casemap   ircwire.Casemap
	NickLen   int
	ChanModes ircwire.ModeTable
	UserModes string // flag modes only
	// BurstTopics is set when the family can replay topics during
	// burst (TS6 TB).
	BurstTopics bool
}

// Driver is the protocol state machine for one network connection.
// HandleLine is called only by the owning network runner; Emit may be
// called from other goroutines, so implementations serialize the two
// internally.
type Driver interface {
	// Handshake performs the family's link handshake and leaves the
	// connection in the bursting state. Failures are *ConnError.
	Handshake(ctx context.Context) error

	// HandleLine parses one wire line, mutates the state store, and
	// returns the canonical events the line produced. Unrecognized
	// commands return no events and no error; lines with no command
	// token return ircwire.ErrMalformedLine.
	HandleLine(line string) ([]Event, error)

	// Emit serializes a canonical request into the family's wire
	// syntax and writes it. Returns ErrUnsupportedCapability when the
	// family cannot express the request.
	Emit(req Request) (Result, error)

	// Ping writes a liveness probe.
	Ping() error

	Capabilities() Capabilities
}

// Config carries the per-network settings a driver needs.
type Config struct {
	Network    string
	ServerName string
	ServerDesc string
	SID        string
	SendPass   string
	RecvPass   string
}

// Factory builds a fresh driver for one connection attempt. Drivers
// carry per-connection handshake state and are never reused.
type Factory func(cfg Config, st *state.Store, w LineWriter, logger zerolog.Logger) Driver

// Family describes one registered daemon family: its name as used in
// configuration, the casemap its state stores fold under, and the
// driver constructor.
type Family struct {
	Name    string
	Casemap ircwire.Casemap
	New     Factory
}
