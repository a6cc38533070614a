package archive

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MatchMode selects how a phrase is compared to message text.
type MatchMode string

const (
	MatchContains MatchMode = "contains"
	MatchExact    MatchMode = "exact"
)

// SenderDirection restricts matches by who sent them.
type SenderDirection int

const (
	SenderAny SenderDirection = iota
	SenderSelf
	SenderOthers
)

func (d SenderDirection) String() string {
	switch d {
	case SenderSelf:
		return "self"
	case SenderOthers:
		return "others"
	default:
		return "any"
	}
}

// phraseSep separates phrases in the matched_phrases column. U+001F cannot
// appear in configured phrases (they are trimmed, printable text).
const phraseSep = "\x1f"

// MatchFilter is everything FindMatches filters on.
type MatchFilter struct {
	Start, End    time.Time
	Phrases       []string
	Mode          MatchMode
	CaseSensitive bool
	Sender        SenderDirection
	SelfSenderID  int64
}

// BuildTimeCondition restricts create_time to [start, end], both inclusive.
// A zero start or end leaves that side open.
func BuildTimeCondition(start, end time.Time) (string, []any) {
	switch {
	case !start.IsZero() && !end.IsZero():
		return "create_time BETWEEN ? AND ?", []any{start.Unix(), end.Unix()}
	case !start.IsZero():
		return "create_time >= ?", []any{start.Unix()}
	case !end.IsZero():
		return "create_time <= ?", []any{end.Unix()}
	default:
		return "1 = 1", nil
	}
}

// phrasePredicate returns the predicate for one phrase and its arguments.
func phrasePredicate(phrase string, mode MatchMode, caseSensitive bool) (string, []any) {
	col, arg := "message_content", "?"
	if !caseSensitive {
		col, arg = "LOWER(message_content)", "LOWER(?)"
	}
	if mode == MatchExact {
		return col + " = " + arg, []any{phrase}
	}
	return "INSTR(" + col + ", " + arg + ") > 0", []any{phrase}
}

// BuildPhraseCondition ORs one parameterized predicate per phrase.
func BuildPhraseCondition(phrases []string, mode MatchMode, caseSensitive bool) (string, []any) {
	if len(phrases) == 0 {
		return "1 = 0", nil
	}
	conds := make([]string, 0, len(phrases))
	var args []any
	for _, p := range phrases {
		c, a := phrasePredicate(p, mode, caseSensitive)
		conds = append(conds, c)
		args = append(args, a...)
	}
	return "(" + strings.Join(conds, " OR ") + ")", args
}

// BuildMatchedPhrasesColumn builds a select expression that concatenates
// every phrase the row matches, separated by U+001F. Split the result with
// SplitMatchedPhrases.
func BuildMatchedPhrasesColumn(phrases []string, mode MatchMode, caseSensitive bool) (string, []any) {
	if len(phrases) == 0 {
		return "''", nil
	}
	frags := make([]string, 0, len(phrases))
	var args []any
	for _, p := range phrases {
		pred, a := phrasePredicate(p, mode, caseSensitive)
		frags = append(frags, "COALESCE(CASE WHEN "+pred+" THEN ? || char(31) ELSE '' END, '')")
		args = append(args, a...)
		args = append(args, p)
	}
	return "TRIM(" + strings.Join(frags, " || ") + ", char(31))", args
}

// BuildSenderCondition restricts real_sender_id relative to self.
func BuildSenderCondition(dir SenderDirection, self int64) (string, []any) {
	switch dir {
	case SenderSelf:
		return "real_sender_id = ?", []any{self}
	case SenderOthers:
		return "real_sender_id != ?", []any{self}
	default:
		return "1 = 1", nil
	}
}

// SplitMatchedPhrases turns the matched_phrases column back into a
// deduplicated list, keeping column order.
func SplitMatchedPhrases(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, phraseSep)
	seen := make(map[string]bool, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// BuildMatchQuery assembles the per-table retrieval statement.
func BuildMatchQuery(table string, f MatchFilter) (string, []any, error) {
	if table == "" {
		return "", nil, errors.New("empty table name")
	}
	if len(f.Phrases) == 0 {
		return "", nil, errors.New("no phrases to match")
	}
	mode := f.Mode
	if mode == "" {
		mode = MatchContains
	}

	matchedCol, matchedArgs := BuildMatchedPhrasesColumn(f.Phrases, mode, f.CaseSensitive)
	timeCond, timeArgs := BuildTimeCondition(f.Start, f.End)
	phraseCond, phraseArgs := BuildPhraseCondition(f.Phrases, mode, f.CaseSensitive)
	senderCond, senderArgs := BuildSenderCondition(f.Sender, f.SelfSenderID)

	stmt := fmt.Sprintf(`
		SELECT local_id, message_content, real_sender_id, create_time,
			%s AS matched_phrases
		FROM %s
		WHERE local_type = ?
		  AND %s
		  AND %s
		  AND %s
		ORDER BY local_id`,
		matchedCol, quoteIdent(table), timeCond, phraseCond, senderCond)

	args := make([]any, 0, len(matchedArgs)+1+len(timeArgs)+len(phraseArgs)+len(senderArgs))
	args = append(args, matchedArgs...)
	args = append(args, TextMessageType)
	args = append(args, timeArgs...)
	args = append(args, phraseArgs...)
	args = append(args, senderArgs...)
	return stmt, args, nil
}
