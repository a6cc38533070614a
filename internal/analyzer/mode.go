package analyzer

import (
	"fmt"
	"strings"

	"github.com/wesm/petphrase/internal/archive"
)

// Mode selects whose messages are searched for phrases.
type Mode string

const (
	// ModeSelfAll searches everything the archive owner wrote, in every
	// conversation.
	ModeSelfAll Mode = "self_all"
	// ModeSelfToTarget searches what the owner wrote to the given targets.
	ModeSelfToTarget Mode = "self_to_target"
	// ModeTargetToSelf searches what the targets wrote to the owner.
	ModeTargetToSelf Mode = "target_to_self"
)

// Modes lists every valid mode.
var Modes = []Mode{ModeSelfAll, ModeSelfToTarget, ModeTargetToSelf}

// ParseMode accepts a mode name, case-insensitively. Hyphens are accepted
// in place of underscores.
func ParseMode(s string) (Mode, error) {
	norm := Mode(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	for _, m := range Modes {
		if norm == m {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown mode %q (want one of self_all, self_to_target, target_to_self)", s)
}

// SenderDirection is the sender predicate used during retrieval.
func (m Mode) SenderDirection() archive.SenderDirection {
	if m == ModeTargetToSelf {
		return archive.SenderOthers
	}
	return archive.SenderSelf
}

// RequiresTargets reports whether the mode needs at least one target name.
// ModeSelfAll ignores targets and scans every contact.
func (m Mode) RequiresTargets() bool {
	return m != ModeSelfAll
}

// RewritesCoreRecords reports whether matched rows themselves can carry a
// group sender prefix. Only rows written by others do.
func (m Mode) RewritesCoreRecords() bool {
	return m == ModeTargetToSelf
}

func (m Mode) String() string { return string(m) }
