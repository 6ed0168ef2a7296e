package protocol

import (
	"github.com/interlink-irc/interlink/internal/ircwire"
	"github.com/interlink-irc/interlink/internal/state"
)

// EventKind is one entry of the canonical event vocabulary every
// daemon family translates into and out of.
type EventKind int

const (
	// EventUserConnect announces a new user on the network.
	EventUserConnect EventKind = iota
	// EventUserQuit announces a user leaving the network.
	EventUserQuit
	// EventNickChange announces a user renaming itself.
	EventNickChange
	// EventJoinChannel announces a user entering a channel.
	EventJoinChannel
	// EventPartChannel announces a user leaving a channel.
	EventPartChannel
	// EventKick announces a user forcibly removed from a channel.
	EventKick
	// EventModeChange announces user or channel modes changing.
	EventModeChange
	// EventTopicChange announces a channel topic changing.
	EventTopicChange
	// EventKill announces a user forcibly disconnected.
	EventKill
	// EventMessage carries a PRIVMSG or NOTICE.
	EventMessage
	// EventServerIntroduce announces a server joining the tree.
	EventServerIntroduce
	// EventServerSplit announces a server (and subtree) leaving.
	EventServerSplit

	// EventNetworkUp signals the network finished bursting and is linked.
	EventNetworkUp
	// EventNetworkDown signals the network connection was torn down.
	EventNetworkDown
)

var kindNames = map[EventKind]string{
	EventUserConnect:     "user_connect",
	EventUserQuit:        "user_quit",
	EventNickChange:      "nick_change",
	EventJoinChannel:     "join",
	EventPartChannel:     "part",
	EventKick:            "kick",
	EventModeChange:      "mode",
	EventTopicChange:     "topic",
	EventKill:            "kill",
	EventMessage:         "message",
	EventServerIntroduce: "server_introduce",
	EventServerSplit:     "server_split",
	EventNetworkUp:       "network_up",
	EventNetworkDown:     "network_down",
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is one canonical state change observed on a network. Which
// fields are set depends on the kind; Network is always set by the
// time an event reaches the bus.
type Event struct {
	Kind    EventKind
	Network string

	Source  string // UID or SID that caused the change
	UID     string // subject user
	Nick    string // subject's nick at event time
	NewNick string
	Channel string
	Target  string // kick/kill victim UID, or message target
	Text    string // message body, reason, or topic
	Notice  bool
	TS      int64
	Modes   []ircwire.ModeChange

	SID  string       // server introduce/split
	Gone []state.User // users removed by a split
}
