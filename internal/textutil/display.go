package textutil

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// OneLine collapses all whitespace runs, newlines included, into single
// spaces so a message fits one terminal row.
func OneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate shortens s to at most width terminal cells, ending in "…" when
// cut. Wide (CJK) characters count as two cells.
func Truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}

// PadRight pads s with spaces to width terminal cells.
func PadRight(s string, width int) string {
	return runewidth.FillRight(s, width)
}
