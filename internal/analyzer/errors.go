package analyzer

import (
	"fmt"
	"strings"
)

// ContactNotFoundError is returned when none of the requested targets
// matches a contact.
type ContactNotFoundError struct {
	Targets []string
}

func (e *ContactNotFoundError) Error() string {
	if len(e.Targets) == 0 {
		return "no contacts found"
	}
	return fmt.Sprintf("no contact matches %s", quoteList(e.Targets))
}

// TargetTableNotFoundError is returned when every resolved contact's
// message table is missing from the archive.
type TargetTableNotFoundError struct {
	Tables []string
}

func (e *TargetTableNotFoundError) Error() string {
	return fmt.Sprintf("no message table exists for any resolved contact (checked %d: %s)",
		len(e.Tables), strings.Join(e.Tables, ", "))
}

// TableError records a failure confined to one conversation table.
type TableError struct {
	Table   string
	Contact string
	Err     error
}

func (e *TableError) Error() string {
	return fmt.Sprintf("table %s (%s): %v", e.Table, e.Contact, e.Err)
}

func (e *TableError) Unwrap() error { return e.Err }

func quoteList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(quoted, ", ")
}
