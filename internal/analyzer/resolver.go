package analyzer

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/wesm/petphrase/internal/archive"
)

// ContactRecord is a resolved contact.
type ContactRecord struct {
	Username    string           `json:"username" yaml:"username"`
	DisplayName string           `json:"display_name" yaml:"display_name"`
	Category    archive.Category `json:"category" yaml:"category"`
}

// Mapping maps message table names to the contact owning the conversation.
// It is built once per run and only read afterwards.
type Mapping map[string]ContactRecord

// Tables returns the mapped table names, sorted.
func (m Mapping) Tables() []string {
	tables := make([]string, 0, len(m))
	for t := range m {
		tables = append(tables, t)
	}
	slices.Sort(tables)
	return tables
}

// HasGroups reports whether any mapped contact is a group chat.
func (m Mapping) HasGroups() bool {
	for _, c := range m {
		if c.Category == archive.CategoryGroup {
			return true
		}
	}
	return false
}

// TableInfo is a message table confirmed to exist.
type TableInfo struct {
	Name string
	Rows int64
}

// Resolver turns target names into validated message tables.
type Resolver struct {
	contacts ContactLookup
	store    MessageStore
	logger   *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(contacts ContactLookup, store MessageStore) *Resolver {
	return &Resolver{contacts: contacts, store: store, logger: slog.Default()}
}

// WithLogger sets the logger.
func (r *Resolver) WithLogger(logger *slog.Logger) *Resolver {
	r.logger = logger
	return r
}

// Associate looks up every contact whose remark or nickname equals one of
// targets and maps its message table to it. Targets that match nothing are
// returned as unresolved; if nothing matches at all the error is a
// *ContactNotFoundError. An empty targets list maps every contact.
func (r *Resolver) Associate(ctx context.Context, targets []string, excludeGroups bool) (Mapping, []string, error) {
	cleaned := cleanTargets(targets)
	rows, err := r.contacts.Find(ctx, cleaned, excludeGroups)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve contacts: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil, &ContactNotFoundError{Targets: cleaned}
	}

	mapping := make(Mapping, len(rows))
	matched := make(map[string]bool, len(cleaned))
	for _, c := range rows {
		mapping[archive.TableName(c.Username)] = ContactRecord{
			Username:    c.Username,
			DisplayName: c.DisplayName(),
			Category:    c.Category(),
		}
		matched[c.Remark] = true
		matched[c.NickName] = true
	}

	var unresolved []string
	for _, t := range cleaned {
		if !matched[t] {
			unresolved = append(unresolved, t)
			r.logger.Warn("target matched no contact", "target", t)
		}
	}
	r.logger.Debug("contacts resolved", "contacts", len(mapping), "unresolved", len(unresolved))
	return mapping, unresolved, nil
}

// Validate checks which mapped tables exist, in one batched lookup. Existing
// tables are returned largest first; missing ones are returned separately.
// If none exist the error is a *TargetTableNotFoundError.
func (r *Resolver) Validate(ctx context.Context, m Mapping) ([]TableInfo, []string, error) {
	names := m.Tables()
	seqs, err := r.store.TableSeq(ctx, names)
	if err != nil {
		return nil, nil, fmt.Errorf("validate tables: %w", err)
	}

	var (
		valid   []TableInfo
		missing []string
	)
	for _, name := range names {
		seq, ok := seqs[name]
		if !ok {
			missing = append(missing, name)
			r.logger.Warn("message table missing", "table", name, "contact", m[name].DisplayName)
			continue
		}
		valid = append(valid, TableInfo{Name: name, Rows: seq})
	}
	if len(valid) == 0 {
		return nil, missing, &TargetTableNotFoundError{Tables: missing}
	}
	slices.SortStableFunc(valid, func(a, b TableInfo) int {
		return cmp.Compare(b.Rows, a.Rows)
	})
	return valid, missing, nil
}

func cleanTargets(targets []string) []string {
	var out []string
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
