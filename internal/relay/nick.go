package relay

import (
	"strconv"
)

// chooseNick picks the nick a relayed user wears on a target network.
// The home nick is tried as-is, then suffixed with the separator and
// home network name, then numbered. The newer arrival always yields:
// a genuine local user is never displaced, and between two
// pseudo-clients the one already present keeps its nick.
func (e *Engine) chooseNick(target Network, homeNet, desired string) string {
	maxLen := target.Capabilities().NickLen
	for i := 0; ; i++ {
		cand := mangleNick(desired, homeNet, e.cfg.NickSeparator, i, maxLen)
		if _, taken := target.State().NickTaken(cand); !taken {
			return cand
		}
	}
}

// mangleNick builds the i-th candidate, truncating the base nick when
// the suffix would push past the network's nick length.
func mangleNick(desired, homeNet, sep string, i, maxLen int) string {
	var suffix string
	switch {
	case i == 0:
		suffix = ""
	case i == 1:
		suffix = sep + homeNet
	default:
		suffix = sep + homeNet + strconv.Itoa(i-1)
	}
	if maxLen > 0 && len(desired)+len(suffix) > maxLen {
		keep := maxLen - len(suffix)
		if keep < 1 {
			keep = 1
		}
		if keep < len(desired) {
			desired = desired[:keep]
		}
	}
	return desired + suffix
}
