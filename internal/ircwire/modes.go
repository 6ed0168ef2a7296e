package ircwire

import (
	"errors"
	"strings"
)

// ErrBadModeString reports a mode string that cannot be applied, such
// as a parameter mode with no parameter left to consume.
var ErrBadModeString = errors.New("bad mode string")

// ModeTable describes how one daemon family types its modes. List,
// AlwaysParam and SetParam modes consume an argument per the usual
// A/B/C classes; Prefix modes are membership statuses whose argument
// names a member.
type ModeTable struct {
	List        string
	AlwaysParam string
	SetParam    string
	Flag        string
	Prefix      string
}

// Has reports whether the table knows the mode character at all.
func (t ModeTable) Has(mode byte) bool {
	return strings.IndexByte(t.List+t.AlwaysParam+t.SetParam+t.Flag+t.Prefix, mode) >= 0
}

// IsSetParam reports whether a mode takes an argument only when set.
func (t ModeTable) IsSetParam(mode byte) bool {
	return strings.IndexByte(t.SetParam, mode) >= 0
}

func (t ModeTable) takesArg(mode byte, adding bool) bool {
	switch {
	case strings.IndexByte(t.List, mode) >= 0,
		strings.IndexByte(t.AlwaysParam, mode) >= 0,
		strings.IndexByte(t.Prefix, mode) >= 0:
		return true
	case strings.IndexByte(t.SetParam, mode) >= 0:
		return adding
	}
	return false
}

// ModeChange is one parsed mode flip, e.g. {Add: true, Mode: 'o', Arg: "UID"}.
type ModeChange struct {
	Add  bool
	Mode byte
	Arg  string
}

// ParseModes expands a modestring plus its arguments into individual
// changes: ["+mitl-o", "3", "person"] becomes +m +i +t +l(3) -o(person).
// Unknown mode characters are skipped so that families with private
// extensions do not break parsing.
func ParseModes(t ModeTable, args []string) ([]ModeChange, error) {
	if len(args) == 0 {
		return nil, ErrBadModeString
	}
	modestr, params := args[0], args[1:]

	var changes []ModeChange
	adding := true
	for i := 0; i < len(modestr); i++ {
		switch ch := modestr[i]; ch {
		case '+':
			adding = true
		case '-':
			adding = false
		default:
			if !t.Has(ch) {
				continue
			}
			mc := ModeChange{Add: adding, Mode: ch}
			if t.takesArg(ch, adding) {
				if len(params) == 0 {
					return nil, ErrBadModeString
				}
				mc.Arg, params = params[0], params[1:]
			}
			changes = append(changes, mc)
		}
	}
	return changes, nil
}

// FormatModes renders changes back into a modestring plus arguments.
func FormatModes(changes []ModeChange) []string {
	if len(changes) == 0 {
		return nil
	}
	var modestr strings.Builder
	var params []string

	// Track the sign so "+o +v" renders as "+ov", not "+o+v".
	var havePolarity, adding bool
	for _, mc := range changes {
		if !havePolarity || adding != mc.Add {
			if mc.Add {
				modestr.WriteByte('+')
			} else {
				modestr.WriteByte('-')
			}
			havePolarity, adding = true, mc.Add
		}
		modestr.WriteByte(mc.Mode)
		if mc.Arg != "" {
			params = append(params, mc.Arg)
		}
	}
	return append([]string{modestr.String()}, params...)
}
