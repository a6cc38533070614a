// Package archive reads a decrypted WeChat-style chat archive: a message
// database with one Msg_<md5(username)> table per conversation, and a
// contact database mapping usernames to names.
//
// All access goes through a pool.Pool; nothing here writes.
package archive

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wesm/petphrase/internal/pool"
	"github.com/wesm/petphrase/internal/textutil"

	// Both drivers are registered so the driver can be picked in config:
	// "sqlite3" (cgo, mattn) or "sqlite" (pure Go, modernc).
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// TextMessageType is the local_type of plain text messages.
const TextMessageType = 1

// TableName returns the message table holding the conversation with
// username: "Msg_" + lower-case hex MD5 of the username.
func TableName(username string) string {
	sum := md5.Sum([]byte(username))
	return "Msg_" + hex.EncodeToString(sum[:])
}

// Message is one row of a Msg_ table.
type Message struct {
	RowID      int64
	Content    string
	SenderID   int64
	CreateTime time.Time
}

// Match is a message that matched at least one phrase.
type Match struct {
	Message
	MatchedPhrases []string
}

// Archive queries the message database.
type Archive struct {
	pool   *pool.Pool
	logger *slog.Logger
}

// New wraps an initialized pool over the message database.
func New(p *pool.Pool, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{pool: p, logger: logger}
}

// Pool exposes the underlying pool.
func (a *Archive) Pool() *pool.Pool { return a.pool }

// CountTables returns how many conversation tables sqlite_sequence knows.
func (a *Archive) CountTables(ctx context.Context) (int, error) {
	var n int
	err := a.pool.With(ctx, func(h *pool.Handle) error {
		return h.QueryRow(ctx, `SELECT COUNT(*) FROM sqlite_sequence WHERE name LIKE 'Msg\_%' ESCAPE '\'`).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("count tables: %w", err)
	}
	return n, nil
}

// TableSeq looks the given tables up in sqlite_sequence in one query and
// returns the ones that exist with their sequence value (the highest
// local_id issued, used as the table's row count). Absent tables are simply
// not in the map.
func (a *Archive) TableSeq(ctx context.Context, names []string) (map[string]int64, error) {
	result := make(map[string]int64, len(names))
	if len(names) == 0 {
		return result, nil
	}
	err := a.pool.With(ctx, func(h *pool.Handle) error {
		return queryInSet(ctx, h, names, nil,
			`SELECT name, seq FROM sqlite_sequence WHERE name IN `+inSet+` ORDER BY seq DESC`,
			func(rows *sql.Rows) error {
				var name string
				var seq int64
				if err := rows.Scan(&name, &seq); err != nil {
					return err
				}
				result[name] = seq
				return nil
			})
	})
	if err != nil {
		return nil, fmt.Errorf("check tables: %w", err)
	}
	return result, nil
}

// FindMatches returns every text message of table that passes filter,
// ordered by local_id, in a single query.
func (a *Archive) FindMatches(ctx context.Context, table string, filter MatchFilter) ([]Match, error) {
	stmt, args, err := BuildMatchQuery(table, filter)
	if err != nil {
		return nil, err
	}

	var matches []Match
	err = a.pool.With(ctx, func(h *pool.Handle) error {
		rows, err := h.Query(ctx, stmt, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				m       Match
				content sql.NullString
				created sql.NullInt64
				matched sql.NullString
			)
			if err := rows.Scan(&m.RowID, &content, &m.SenderID, &created, &matched); err != nil {
				return fmt.Errorf("scan match: %w", err)
			}
			m.Content = textutil.EnsureUTF8(content.String)
			m.CreateTime = unixTime(created)
			m.MatchedPhrases = SplitMatchedPhrases(matched.String)
			matches = append(matches, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("find matches in %s: %w", table, err)
	}
	return matches, nil
}

// FetchByIDs returns the text messages of table whose local_id is in ids,
// keyed by local_id. Ids without a stored text row are absent. However
// many ids there are, this is one round trip.
func (a *Archive) FetchByIDs(ctx context.Context, table string, ids []int64) (map[int64]Message, error) {
	result := make(map[int64]Message, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	tmpl := fmt.Sprintf(`
		SELECT local_id, message_content, real_sender_id, create_time
		FROM %s
		WHERE local_type = ? AND local_id IN %s
		ORDER BY local_id`, quoteIdent(table), inSet)

	err := a.pool.With(ctx, func(h *pool.Handle) error {
		return queryInSet(ctx, h, ids, []any{TextMessageType}, tmpl, func(rows *sql.Rows) error {
			var (
				m       Message
				content sql.NullString
				created sql.NullInt64
			)
			if err := rows.Scan(&m.RowID, &content, &m.SenderID, &created); err != nil {
				return fmt.Errorf("scan context: %w", err)
			}
			m.Content = textutil.EnsureUTF8(content.String)
			m.CreateTime = unixTime(created)
			result[m.RowID] = m
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("fetch context from %s: %w", table, err)
	}
	return result, nil
}

// inSet is the IN operand for a set bound as one JSON array parameter.
// A single parameter keeps any set size to one statement, well clear of
// SQLite's variable limit.
const inSet = `(SELECT value FROM json_each(?))`

// queryInSet runs stmt once with prefixArgs followed by set encoded as a
// JSON array, calling fn for every row.
func queryInSet[T int64 | string](ctx context.Context, h *pool.Handle, set []T, prefixArgs []any, stmt string, fn func(*sql.Rows) error) error {
	encoded, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encode id set: %w", err)
	}
	args := append(append(make([]any, 0, len(prefixArgs)+1), prefixArgs...), string(encoded))

	rows, err := h.Query(ctx, stmt, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// quoteIdent quotes a table name for interpolation into SQL.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func unixTime(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0)
}
