package analyzer

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Dimension is the period length used to bucket matches over time.
type Dimension string

const (
	DimensionDay   Dimension = "day"
	DimensionWeek  Dimension = "week"
	DimensionMonth Dimension = "month"
)

// ParseDimension accepts day, week or month.
func ParseDimension(s string) (Dimension, error) {
	switch d := Dimension(strings.ToLower(strings.TrimSpace(s))); d {
	case DimensionDay, DimensionWeek, DimensionMonth:
		return d, nil
	default:
		return "", fmt.Errorf("unknown dimension %q (want day, week or month)", s)
	}
}

// Bucket returns the period label containing t: 2006-01-02 for days,
// ISO weeks as 2006-W01, and 2006-01 for months.
func (d Dimension) Bucket(t time.Time) string {
	switch d {
	case DimensionWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case DimensionMonth:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

// PhraseCount is how often one phrase matched.
type PhraseCount struct {
	Phrase string `json:"phrase" yaml:"phrase"`
	Count  int    `json:"count" yaml:"count"`
}

// PeriodCount is how many matched messages fell in one period.
type PeriodCount struct {
	Period string `json:"period" yaml:"period"`
	Count  int    `json:"count" yaml:"count"`
}

// ContactSummary condenses one Result.
type ContactSummary struct {
	Contact ContactRecord `json:"contact" yaml:"contact"`
	Total   int           `json:"total" yaml:"total"`
	Phrases []PhraseCount `json:"phrases" yaml:"phrases"`
	Periods []PeriodCount `json:"periods" yaml:"periods"`
}

// Summarize counts matches per contact. Phrases are ordered by count,
// then alphabetically; periods chronologically.
func Summarize(results []Result, d Dimension) []ContactSummary {
	out := make([]ContactSummary, 0, len(results))
	for _, r := range results {
		phrases := make(map[string]int)
		periods := make(map[string]int)
		for _, rec := range r.Records {
			for _, p := range rec.MatchedPhrases {
				phrases[p]++
			}
			if !rec.CreateTime.IsZero() {
				periods[d.Bucket(rec.CreateTime)]++
			}
		}

		s := ContactSummary{Contact: r.Contact, Total: len(r.Records)}
		for p, n := range phrases {
			s.Phrases = append(s.Phrases, PhraseCount{Phrase: p, Count: n})
		}
		slices.SortFunc(s.Phrases, func(a, b PhraseCount) int {
			if c := cmp.Compare(b.Count, a.Count); c != 0 {
				return c
			}
			return cmp.Compare(a.Phrase, b.Phrase)
		})
		for p, n := range periods {
			s.Periods = append(s.Periods, PeriodCount{Period: p, Count: n})
		}
		slices.SortFunc(s.Periods, func(a, b PeriodCount) int {
			return cmp.Compare(a.Period, b.Period)
		})
		out = append(out, s)
	}
	return out
}
