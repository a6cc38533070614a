// Package analyzer runs the phrase analysis over an archive: resolve target
// contacts to message tables, retrieve matching messages, attach the
// surrounding conversation, and assemble per-contact results.
package analyzer

import (
	"context"

	"github.com/wesm/petphrase/internal/archive"
)

// ContactLookup is the contact database as seen by the analyzer.
// *archive.Contacts implements it.
type ContactLookup interface {
	Find(ctx context.Context, targets []string, excludeGroups bool) ([]archive.Contact, error)
	All(ctx context.Context) ([]archive.Contact, error)
}

// MessageStore is the message database as seen by the analyzer.
// *archive.Archive implements it.
type MessageStore interface {
	TableSeq(ctx context.Context, names []string) (map[string]int64, error)
	FindMatches(ctx context.Context, table string, filter archive.MatchFilter) ([]archive.Match, error)
	FetchByIDs(ctx context.Context, table string, ids []int64) (map[int64]archive.Message, error)
}

var (
	_ ContactLookup = (*archive.Contacts)(nil)
	_ MessageStore  = (*archive.Archive)(nil)
)
