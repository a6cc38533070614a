package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wesm/petphrase/internal/pool"
)

// Category classifies a contact row by its local_type.
type Category string

const (
	CategoryFriend      Category = "friend"
	CategoryGroup       Category = "group"
	CategoryGroupMember Category = "group_member"
	CategoryUnknown     Category = "unknown"
)

// CategoryFromLocalType maps the contact table's local_type.
func CategoryFromLocalType(t int) Category {
	switch t {
	case 1:
		return CategoryFriend
	case 2:
		return CategoryGroup
	case 3:
		return CategoryGroupMember
	default:
		return CategoryUnknown
	}
}

// Contact is one row of the contact table.
type Contact struct {
	Username  string
	LocalType int
	Remark    string
	NickName  string
}

// DisplayName prefers the remark, then the nickname, then the username.
func (c Contact) DisplayName() string {
	if r := strings.TrimSpace(c.Remark); r != "" {
		return r
	}
	if n := strings.TrimSpace(c.NickName); n != "" {
		return n
	}
	return c.Username
}

// Category returns the contact's category.
func (c Contact) Category() Category {
	return CategoryFromLocalType(c.LocalType)
}

// Contacts queries the contact database.
type Contacts struct {
	pool   *pool.Pool
	logger *slog.Logger
}

// NewContacts wraps an initialized pool over the contact database.
func NewContacts(p *pool.Pool, logger *slog.Logger) *Contacts {
	if logger == nil {
		logger = slog.Default()
	}
	return &Contacts{pool: p, logger: logger}
}

// Find returns contacts whose remark or nickname equals any of targets, in
// one query. With excludeGroups only friends are considered; otherwise
// friends, groups and group members. An empty targets list returns every
// contact of the allowed categories.
func (c *Contacts) Find(ctx context.Context, targets []string, excludeGroups bool) ([]Contact, error) {
	typeCond := "local_type IN (1, 2, 3)"
	if excludeGroups {
		typeCond = "local_type = 1"
	}
	stmt := "SELECT username, local_type, remark, nick_name FROM contact WHERE " + typeCond

	var args []any
	cleaned := make([]string, 0, len(targets))
	for _, t := range targets {
		if t = strings.TrimSpace(t); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	if len(cleaned) > 0 {
		set, err := json.Marshal(cleaned)
		if err != nil {
			return nil, fmt.Errorf("encode targets: %w", err)
		}
		stmt += " AND (remark IN " + inSet + " OR nick_name IN " + inSet + ")"
		args = append(args, string(set), string(set))
	}
	stmt += " ORDER BY username"

	contacts, err := c.query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("find contacts: %w", err)
	}
	return contacts, nil
}

// All returns every friend, group and group member. Used to translate
// sender identifiers into names.
func (c *Contacts) All(ctx context.Context) ([]Contact, error) {
	contacts, err := c.query(ctx, "SELECT username, local_type, remark, nick_name FROM contact WHERE local_type IN (1, 2, 3)")
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	return contacts, nil
}

// CountByCategory returns how many contacts fall in each category.
func (c *Contacts) CountByCategory(ctx context.Context) (map[Category]int, error) {
	counts := make(map[Category]int)
	err := c.pool.With(ctx, func(h *pool.Handle) error {
		rows, err := h.Query(ctx, "SELECT local_type, COUNT(*) FROM contact GROUP BY local_type")
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var t, n int
			if err := rows.Scan(&t, &n); err != nil {
				return err
			}
			counts[CategoryFromLocalType(t)] += n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("count contacts: %w", err)
	}
	return counts, nil
}

func (c *Contacts) query(ctx context.Context, stmt string, args ...any) ([]Contact, error) {
	var contacts []Contact
	err := c.pool.With(ctx, func(h *pool.Handle) error {
		rows, err := h.Query(ctx, stmt, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				ct       Contact
				remark   sql.NullString
				nickName sql.NullString
			)
			if err := rows.Scan(&ct.Username, &ct.LocalType, &remark, &nickName); err != nil {
				return fmt.Errorf("scan contact: %w", err)
			}
			ct.Remark = remark.String
			ct.NickName = nickName.String
			contacts = append(contacts, ct)
		}
		return rows.Err()
	})
	return contacts, err
}
