package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/mattn/go-runewidth"

	"github.com/wesm/petphrase/internal/analyzer"
	"github.com/wesm/petphrase/internal/textutil"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	faintStyle  = lipgloss.NewStyle().Faint(true)
	warnStyle   = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#aa5500", Dark: "#ffaf00"})
)

const (
	maxContactWidth = 24
	maxTopPhrases   = 3
	previewWidth    = 60
)

// printer writes human-readable summaries. Styling is applied only when
// the output is a terminal.
type printer struct {
	w      io.Writer
	styled bool
}

func newPrinter(w io.Writer) *printer {
	styled := false
	if f, ok := w.(*os.File); ok {
		styled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &printer{w: w, styled: styled}
}

func (p *printer) style(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

func (p *printer) printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

// Report prints the run header, one row per contact and any problems.
func (p *printer) Report(r *analyzer.Report, dim analyzer.Dimension) {
	elapsed := r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond)
	p.printf("%s  %s\n", p.style(headerStyle, "Run "+r.RunID), p.style(faintStyle, string(r.Mode)))
	p.printf("  Phrases:  %s\n", strings.Join(r.Phrases, ", "))
	if r.WindowStart != nil || r.WindowEnd != nil {
		p.printf("  Window:   %s .. %s\n", formatDay(r.WindowStart), formatDay(r.WindowEnd))
	}
	p.printf("  Matches:  %s in %s conversation(s), %s\n",
		humanize.Comma(int64(r.TotalMatches())),
		humanize.Comma(int64(len(r.Results))),
		elapsed)
	if r.Rewritten > 0 {
		p.printf("  Renamed:  %s group sender prefix(es)\n", humanize.Comma(int64(r.Rewritten)))
	}

	summaries := analyzer.Summarize(r.Results, dim)
	if len(summaries) > 0 {
		p.printf("\n")
		p.summaryTable(summaries)
	}
	p.problems(r)
}

func (p *printer) summaryTable(summaries []analyzer.ContactSummary) {
	nameWidth := runewidth.StringWidth("CONTACT")
	for _, s := range summaries {
		nameWidth = max(nameWidth, runewidth.StringWidth(s.Contact.DisplayName))
	}
	nameWidth = min(nameWidth, maxContactWidth)

	header := fmt.Sprintf("%s  %7s  %s", textutil.PadRight("CONTACT", nameWidth), "MATCHES", "TOP PHRASES")
	p.printf("%s\n", p.style(headerStyle, header))
	for _, s := range summaries {
		top := make([]string, 0, maxTopPhrases)
		for _, pc := range s.Phrases[:min(len(s.Phrases), maxTopPhrases)] {
			top = append(top, fmt.Sprintf("%s ×%s", pc.Phrase, humanize.Comma(int64(pc.Count))))
		}
		name := textutil.PadRight(textutil.Truncate(s.Contact.DisplayName, nameWidth), nameWidth)
		p.printf("%s  %7s  %s\n", name, humanize.Comma(int64(s.Total)), strings.Join(top, ", "))

		periods := make([]string, 0, len(s.Periods))
		for _, pc := range s.Periods {
			periods = append(periods, fmt.Sprintf("%s:%d", pc.Period, pc.Count))
		}
		p.printf("%s  %7s  %s\n", strings.Repeat(" ", nameWidth), "",
			p.style(faintStyle, strings.Join(periods, " ")))
	}
}

func (p *printer) problems(r *analyzer.Report) {
	if len(r.UnresolvedTargets) > 0 {
		p.printf("\n%s %s\n", p.style(warnStyle, "No contact for:"), strings.Join(r.UnresolvedTargets, ", "))
	}
	if len(r.MissingTables) > 0 {
		p.printf("\n%s %s\n", p.style(warnStyle, "Missing tables:"), strings.Join(r.MissingTables, ", "))
	}
	if len(r.TableErrors) > 0 {
		p.printf("\n%s\n", p.style(warnStyle, "Failed tables:"))
		for _, te := range r.TableErrors {
			p.printf("  %s (%s): %s\n", te.Table, te.Contact, te.Error)
		}
	}
}

// Matches prints each match with its context, one line per message.
func (p *printer) Matches(r *analyzer.Report) {
	for _, res := range r.Results {
		p.printf("\n%s  %s\n", p.style(headerStyle, res.Contact.DisplayName), p.style(faintStyle, res.Table))
		for _, rec := range res.Records {
			for _, c := range rec.Before {
				p.printf("    %s\n", p.style(faintStyle, p.line(c)))
			}
			p.printf("  > %s  [%s]\n", p.line(rec.ContextRecord), strings.Join(rec.MatchedPhrases, ", "))
			for _, c := range rec.After {
				p.printf("    %s\n", p.style(faintStyle, p.line(c)))
			}
		}
	}
}

func (p *printer) line(c analyzer.ContextRecord) string {
	who := "them"
	if c.IsSelf {
		who = "me"
	}
	return fmt.Sprintf("%s %-4s %s", c.CreateTime.Format("2006-01-02 15:04"), who,
		textutil.Truncate(textutil.OneLine(c.Content), previewWidth))
}

// Resolution prints the output of contact and table resolution.
func (p *printer) Resolution(res *analyzer.Resolution) {
	nameWidth := runewidth.StringWidth("CONTACT")
	for _, c := range res.Mapping {
		nameWidth = max(nameWidth, runewidth.StringWidth(c.DisplayName))
	}
	nameWidth = min(nameWidth, maxContactWidth)

	header := fmt.Sprintf("%s  %-12s  %-36s  %s", textutil.PadRight("CONTACT", nameWidth), "CATEGORY", "TABLE", "ROWS")
	p.printf("%s\n", p.style(headerStyle, header))
	for _, t := range res.Tables {
		c := res.Mapping[t.Name]
		name := textutil.PadRight(textutil.Truncate(c.DisplayName, nameWidth), nameWidth)
		p.printf("%s  %-12s  %-36s  %s\n", name, c.Category, t.Name, humanize.Comma(t.Rows))
	}
	p.printf("\n%s table(s) present, %d missing\n", humanize.Comma(int64(len(res.Tables))), len(res.Missing))
	p.problems(&analyzer.Report{UnresolvedTargets: res.Unresolved, MissingTables: res.Missing})
}

func formatDay(t *time.Time) string {
	if t == nil {
		return "…"
	}
	return t.Format("2006-01-02")
}
