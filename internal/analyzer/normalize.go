package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
)

// Group chat rows from other members start with the sender's username.
// wxid_ usernames may be followed directly by text; custom usernames are
// only recognised when a newline follows the colon.
var (
	wxidPrefix   = regexp.MustCompile(`^(wxid_\w+):\n?`)
	customPrefix = regexp.MustCompile(`^([A-Za-z0-9_-]+):\n`)
)

// Normalizer replaces raw sender prefixes in group messages with display
// names.
type Normalizer struct {
	contacts ContactLookup
	logger   *slog.Logger
}

// NewNormalizer creates a normalizer.
func NewNormalizer(contacts ContactLookup) *Normalizer {
	return &Normalizer{contacts: contacts, logger: slog.Default()}
}

// WithLogger sets the logger.
func (n *Normalizer) WithLogger(logger *slog.Logger) *Normalizer {
	n.logger = logger
	return n
}

// NormalizeOptions says which records are candidates.
type NormalizeOptions struct {
	Mode          Mode
	ExcludeGroups bool
}

// Normalize rewrites sender prefixes in results in place and returns the
// number of rewritten records. Only records written by others are touched,
// and matched records only when they can be from others at all. Nothing
// is done when groups are excluded or no group chat was resolved.
func (n *Normalizer) Normalize(ctx context.Context, results []Result, mapping Mapping, opts NormalizeOptions) (int, error) {
	if opts.ExcludeGroups || !mapping.HasGroups() {
		return 0, nil
	}
	contacts, err := n.contacts.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("load display names: %w", err)
	}
	names := make(map[string]string, len(contacts))
	for _, c := range contacts {
		names[c.Username] = c.DisplayName()
	}

	unmapped := make(map[string]bool)
	rewrite := func(r *ContextRecord) int {
		if r.IsSelf {
			return 0
		}
		text, id, ok := RewritePrefix(r.Content, names)
		if ok {
			r.Content = text
			return 1
		}
		if id != "" && !unmapped[id] {
			unmapped[id] = true
			n.logger.Debug("sender prefix has no display name", "username", id)
		}
		return 0
	}

	rewritten := 0
	for i := range results {
		for j := range results[i].Records {
			rec := &results[i].Records[j]
			if opts.Mode.RewritesCoreRecords() {
				rewritten += rewrite(&rec.ContextRecord)
			}
			for k := range rec.Before {
				rewritten += rewrite(&rec.Before[k])
			}
			for k := range rec.After {
				rewritten += rewrite(&rec.After[k])
			}
		}
	}
	n.logger.Debug("sender prefixes rewritten", "records", rewritten, "unmapped", len(unmapped))
	return rewritten, nil
}

// RewritePrefix replaces a leading "<username>:" with "<display name>:".
// It returns the username it found, if any, and whether text changed.
func RewritePrefix(text string, names map[string]string) (string, string, bool) {
	loc := wxidPrefix.FindStringSubmatchIndex(text)
	if loc == nil {
		loc = customPrefix.FindStringSubmatchIndex(text)
	}
	if loc == nil {
		return text, "", false
	}
	id := text[loc[2]:loc[3]]
	name, ok := names[id]
	if !ok || name == "" {
		return text, id, false
	}
	return name + text[loc[3]:], id, true
}
