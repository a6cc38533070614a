package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
)

// ContextWindow returns the row ids surrounding rowID: up to before ids
// preceding it (never below 1) and after ids following it, both ascending.
// Whether those rows exist is not checked.
func ContextWindow(rowID int64, before, after int) (prev, next []int64) {
	for id := max(rowID-int64(before), 1); id < rowID; id++ {
		prev = append(prev, id)
	}
	for i := int64(1); i <= int64(after); i++ {
		next = append(next, rowID+i)
	}
	return prev, next
}

// Surroundings holds the context attached to one match.
type Surroundings struct {
	Before []ContextRecord
	After  []ContextRecord
}

// Backtracker fetches the conversation around matches.
type Backtracker struct {
	store  MessageStore
	before int
	after  int
	selfID int64
	logger *slog.Logger
}

// NewBacktracker creates a backtracker attaching up to before preceding and
// after following messages to each match.
func NewBacktracker(store MessageStore, before, after int, selfID int64) *Backtracker {
	return &Backtracker{
		store:  store,
		before: max(before, 0),
		after:  max(after, 0),
		selfID: selfID,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger.
func (b *Backtracker) WithLogger(logger *slog.Logger) *Backtracker {
	b.logger = logger
	return b
}

type window struct {
	prev, next []int64
}

// Backtrack returns the surroundings of every record in core, keyed by row
// id. The windows of all matches are unioned and fetched with one batched
// lookup for preceding rows and one for following rows, whatever the
// number of matches. Rows that are themselves matches are not used as
// context, and rows that are missing or not text are simply absent.
func (b *Backtracker) Backtrack(ctx context.Context, table string, core []CoreRecord) (map[int64]Surroundings, error) {
	out := make(map[int64]Surroundings, len(core))
	if len(core) == 0 {
		return out, nil
	}

	isMatch := make(map[int64]bool, len(core))
	for _, r := range core {
		isMatch[r.RowID] = true
	}

	windows := make(map[int64]window, len(core))
	prevSet := make(map[int64]struct{})
	nextSet := make(map[int64]struct{})
	for _, r := range core {
		prev, next := ContextWindow(r.RowID, b.before, b.after)
		windows[r.RowID] = window{prev: prev, next: next}
		for _, id := range prev {
			if !isMatch[id] {
				prevSet[id] = struct{}{}
			}
		}
		for _, id := range next {
			if !isMatch[id] {
				nextSet[id] = struct{}{}
			}
		}
	}

	prevRows, err := b.fetch(ctx, table, prevSet)
	if err != nil {
		return nil, fmt.Errorf("fetch preceding context: %w", err)
	}
	nextRows, err := b.fetch(ctx, table, nextSet)
	if err != nil {
		return nil, fmt.Errorf("fetch following context: %w", err)
	}

	for _, r := range core {
		w := windows[r.RowID]
		out[r.RowID] = Surroundings{
			Before: pick(w.prev, prevRows),
			After:  pick(w.next, nextRows),
		}
	}
	b.logger.Debug("context fetched", "table", table, "matches", len(core),
		"preceding_ids", len(prevSet), "preceding_rows", len(prevRows),
		"following_ids", len(nextSet), "following_rows", len(nextRows))
	return out, nil
}

func (b *Backtracker) fetch(ctx context.Context, table string, set map[int64]struct{}) (map[int64]ContextRecord, error) {
	if len(set) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	msgs, err := b.store.FetchByIDs(ctx, table, ids)
	if err != nil {
		return nil, err
	}
	rows := make(map[int64]ContextRecord, len(msgs))
	for id, m := range msgs {
		rows[id] = toContextRecord(m, b.selfID)
	}
	return rows, nil
}

// pick returns the fetched rows for ids, in ids order. ids is ascending.
func pick(ids []int64, rows map[int64]ContextRecord) []ContextRecord {
	var out []ContextRecord
	for _, id := range ids {
		if r, ok := rows[id]; ok {
			out = append(out, r)
		}
	}
	return out
}
