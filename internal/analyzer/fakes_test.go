package analyzer

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/wesm/petphrase/internal/archive"
	"github.com/wesm/petphrase/internal/pool"
)

// fakeStore is an in-memory MessageStore that records every lookup.
type fakeStore struct {
	mu       sync.Mutex
	seqs     map[string]int64
	rows     map[string]map[int64]archive.Message
	matches  map[string][]archive.Match
	errs     map[string]error
	fetches  [][]int64
	findErrs int

	// exhausted makes FindMatches report pool exhaustion this many times
	// per table before answering.
	exhausted map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		seqs:    make(map[string]int64),
		rows:    make(map[string]map[int64]archive.Message),
		matches: make(map[string][]archive.Match),
		errs:    make(map[string]error),

		exhausted: make(map[string]int),
	}
}

func (s *fakeStore) addRows(table string, ids ...int64) {
	if s.rows[table] == nil {
		s.rows[table] = make(map[int64]archive.Message)
	}
	for _, id := range ids {
		s.rows[table][id] = archive.Message{RowID: id, Content: "row", SenderID: 2}
		s.seqs[table] = max(s.seqs[table], id)
	}
}

func (s *fakeStore) TableSeq(_ context.Context, names []string) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, n := range names {
		if seq, ok := s.seqs[n]; ok {
			out[n] = seq
		}
	}
	return out, nil
}

func (s *fakeStore) FindMatches(_ context.Context, table string, _ archive.MatchFilter) ([]archive.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exhausted[table] > 0 {
		s.exhausted[table]--
		return nil, &pool.ExhaustedError{Max: 1, Timeout: time.Millisecond}
	}
	if err := s.errs[table]; err != nil {
		s.findErrs++
		return nil, err
	}
	return s.matches[table], nil
}

func (s *fakeStore) FetchByIDs(_ context.Context, table string, ids []int64) (map[int64]archive.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches = append(s.fetches, slices.Clone(ids))
	out := make(map[int64]archive.Message)
	for _, id := range ids {
		if m, ok := s.rows[table][id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

// fakeContacts is an in-memory ContactLookup.
type fakeContacts struct {
	contacts []archive.Contact
	allCalls int
}

func (c *fakeContacts) Find(_ context.Context, targets []string, excludeGroups bool) ([]archive.Contact, error) {
	var out []archive.Contact
	for _, ct := range c.contacts {
		if excludeGroups && ct.LocalType != 1 {
			continue
		}
		if len(targets) == 0 || slices.Contains(targets, ct.Remark) || slices.Contains(targets, ct.NickName) {
			out = append(out, ct)
		}
	}
	return out, nil
}

func (c *fakeContacts) All(context.Context) ([]archive.Contact, error) {
	c.allCalls++
	return c.contacts, nil
}

func coreRecords(ids ...int64) []CoreRecord {
	out := make([]CoreRecord, len(ids))
	for i, id := range ids {
		out[i] = CoreRecord{ContextRecord: ContextRecord{RowID: id}}
	}
	return out
}

func rowIDs(rs []ContextRecord) []int64 {
	var ids []int64
	for _, r := range rs {
		ids = append(ids, r.RowID)
	}
	return ids
}
