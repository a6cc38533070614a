package analyzer

import (
	"context"
	"time"

	"github.com/wesm/petphrase/internal/archive"
)

// ContextRecord is a message shown around a match.
type ContextRecord struct {
	RowID      int64     `json:"row_id" yaml:"row_id"`
	Content    string    `json:"content" yaml:"content"`
	IsSelf     bool      `json:"is_self" yaml:"is_self"`
	CreateTime time.Time `json:"create_time" yaml:"create_time"`
}

// CoreRecord is a message that matched at least one phrase.
type CoreRecord struct {
	ContextRecord  `yaml:",inline"`
	MatchedPhrases []string `json:"matched_phrases" yaml:"matched_phrases"`
}

// Filter holds the retrieval parameters shared by every table in a run.
type Filter struct {
	Start, End    time.Time
	Phrases       []string
	Match         archive.MatchMode
	CaseSensitive bool
	SelfSenderID  int64
}

// Retriever fetches phrase matches from one table at a time.
type Retriever struct {
	store  MessageStore
	filter archive.MatchFilter
}

// NewRetriever derives the sender direction from mode once, up front.
func NewRetriever(store MessageStore, mode Mode, f Filter) *Retriever {
	return &Retriever{
		store: store,
		filter: archive.MatchFilter{
			Start:         f.Start,
			End:           f.End,
			Phrases:       f.Phrases,
			Mode:          f.Match,
			CaseSensitive: f.CaseSensitive,
			Sender:        mode.SenderDirection(),
			SelfSenderID:  f.SelfSenderID,
		},
	}
}

// Retrieve returns the matches in table ordered by row id.
func (r *Retriever) Retrieve(ctx context.Context, table string) ([]CoreRecord, error) {
	matches, err := r.store.FindMatches(ctx, table, r.filter)
	if err != nil {
		return nil, err
	}
	records := make([]CoreRecord, 0, len(matches))
	for _, m := range matches {
		records = append(records, CoreRecord{
			ContextRecord:  toContextRecord(m.Message, r.filter.SelfSenderID),
			MatchedPhrases: m.MatchedPhrases,
		})
	}
	return records, nil
}

func toContextRecord(m archive.Message, selfID int64) ContextRecord {
	return ContextRecord{
		RowID:      m.RowID,
		Content:    m.Content,
		IsSelf:     m.SenderID == selfID,
		CreateTime: m.CreateTime,
	}
}
