// Package archivetest builds on-disk message and contact databases shaped
// like a decrypted WeChat archive, for tests.
package archivetest

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wesm/petphrase/internal/pool"
)

// SelfSenderID is the real_sender_id used for the archive owner.
const SelfSenderID = 1

// Fixture holds writable connections to both databases.
type Fixture struct {
	T         testing.TB
	Dir       string
	MessageDB string
	ContactDB string

	msg     *sql.DB
	contact *sql.DB
}

// New creates empty message and contact databases in a temp dir.
func New(t testing.TB) *Fixture {
	t.Helper()
	dir := t.TempDir()
	f := &Fixture{
		T:         t,
		Dir:       dir,
		MessageDB: filepath.Join(dir, "message_0.db"),
		ContactDB: filepath.Join(dir, "contact.db"),
	}

	var err error
	if f.msg, err = sql.Open("sqlite3", f.MessageDB); err != nil {
		t.Fatalf("open message db: %v", err)
	}
	if f.contact, err = sql.Open("sqlite3", f.ContactDB); err != nil {
		t.Fatalf("open contact db: %v", err)
	}
	t.Cleanup(func() {
		f.msg.Close()
		f.contact.Close()
	})

	if _, err := f.contact.Exec(`
		CREATE TABLE contact (
			id INTEGER PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			local_type INTEGER NOT NULL,
			remark TEXT,
			nick_name TEXT
		)`); err != nil {
		t.Fatalf("create contact table: %v", err)
	}
	// sqlite_sequence only appears once an AUTOINCREMENT table exists; an
	// archive always has Name2Id alongside the Msg_ tables.
	if _, err := f.msg.Exec(`
		CREATE TABLE Name2Id (rowid_ INTEGER PRIMARY KEY AUTOINCREMENT, user_name TEXT);
		INSERT INTO Name2Id (user_name) VALUES ('self');
	`); err != nil {
		t.Fatalf("create Name2Id: %v", err)
	}
	return f
}

// TableName mirrors the archive's naming scheme.
func TableName(username string) string {
	sum := md5.Sum([]byte(username))
	return "Msg_" + hex.EncodeToString(sum[:])
}

// AddContact inserts a contact row. localType: 1 friend, 2 group, 3 group member.
func (f *Fixture) AddContact(username string, localType int, remark, nickName string) {
	f.T.Helper()
	if _, err := f.contact.Exec(
		`INSERT INTO contact (username, local_type, remark, nick_name) VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''))`,
		username, localType, remark, nickName,
	); err != nil {
		f.T.Fatalf("AddContact(%s): %v", username, err)
	}
}

// AddChat creates the Msg_ table for username and returns its name.
func (f *Fixture) AddChat(username string) string {
	f.T.Helper()
	table := TableName(username)
	if _, err := f.msg.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %q (
			local_id INTEGER PRIMARY KEY AUTOINCREMENT,
			server_id INTEGER DEFAULT 0,
			local_type INTEGER NOT NULL,
			real_sender_id INTEGER NOT NULL,
			create_time INTEGER NOT NULL,
			message_content TEXT
		)`, table)); err != nil {
		f.T.Fatalf("AddChat(%s): %v", username, err)
	}
	return table
}

// Msg describes a row to insert. Zero ID lets SQLite assign one; zero Type
// means text (1); zero Time means 2025-01-15 12:00 UTC.
type Msg struct {
	ID      int64
	Type    int
	Sender  int64
	Time    time.Time
	Content string
}

// DefaultTime is used for messages without an explicit time.
var DefaultTime = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

// AddMessage inserts a row into table and returns its local_id.
func (f *Fixture) AddMessage(table string, m Msg) int64 {
	f.T.Helper()
	if m.Type == 0 {
		m.Type = 1
	}
	if m.Time.IsZero() {
		m.Time = DefaultTime
	}
	var id any
	if m.ID > 0 {
		id = m.ID
	}
	res, err := f.msg.Exec(fmt.Sprintf(
		`INSERT INTO %q (local_id, local_type, real_sender_id, create_time, message_content) VALUES (?, ?, ?, ?, ?)`, table),
		id, m.Type, m.Sender, m.Time.Unix(), m.Content,
	)
	if err != nil {
		f.T.Fatalf("AddMessage(%s): %v", table, err)
	}
	rowID, _ := res.LastInsertId()
	return rowID
}

// AddMessages inserts msgs into table in one transaction and returns
// their local_ids.
func (f *Fixture) AddMessages(table string, msgs ...Msg) []int64 {
	f.T.Helper()
	tx, err := f.msg.Begin()
	if err != nil {
		f.T.Fatalf("AddMessages(%s): %v", table, err)
	}
	defer tx.Rollback()
	stmt := fmt.Sprintf(
		`INSERT INTO %q (local_id, local_type, real_sender_id, create_time, message_content) VALUES (?, ?, ?, ?, ?)`, table)
	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		if m.Type == 0 {
			m.Type = 1
		}
		if m.Time.IsZero() {
			m.Time = DefaultTime
		}
		var id any
		if m.ID > 0 {
			id = m.ID
		}
		res, err := tx.Exec(stmt, id, m.Type, m.Sender, m.Time.Unix(), m.Content)
		if err != nil {
			f.T.Fatalf("AddMessages(%s): %v", table, err)
		}
		rowID, _ := res.LastInsertId()
		ids = append(ids, rowID)
	}
	if err := tx.Commit(); err != nil {
		f.T.Fatalf("AddMessages(%s): %v", table, err)
	}
	return ids
}

// AddConversation inserts texts as consecutive rows from sender, one
// minute apart starting at DefaultTime.
func (f *Fixture) AddConversation(table string, sender int64, texts ...string) []int64 {
	f.T.Helper()
	ids := make([]int64, 0, len(texts))
	for i, text := range texts {
		ids = append(ids, f.AddMessage(table, Msg{
			Sender:  sender,
			Time:    DefaultTime.Add(time.Duration(i) * time.Minute),
			Content: text,
		}))
	}
	return ids
}

// DeleteMessage removes a row, leaving a hole in local_id.
func (f *Fixture) DeleteMessage(table string, id int64) {
	f.T.Helper()
	if _, err := f.msg.Exec(fmt.Sprintf(`DELETE FROM %q WHERE local_id = ?`, table), id); err != nil {
		f.T.Fatalf("DeleteMessage(%s, %d): %v", table, id, err)
	}
}

// Pools opens initialized read-only pools over both databases. They are
// closed on test cleanup.
func (f *Fixture) Pools(opts pool.Options) (messages, contacts *pool.Pool) {
	f.T.Helper()
	ctx := context.Background()

	opts.Name = "archive"
	messages = pool.New(pool.OpenReadOnly("sqlite3", f.MessageDB), f.MessageDB, opts)
	if err := messages.Init(ctx); err != nil {
		f.T.Fatalf("init message pool: %v", err)
	}
	f.T.Cleanup(func() { messages.Close() })

	contacts = pool.New(pool.OpenReadOnly("sqlite3", f.ContactDB), f.ContactDB,
		pool.Options{Name: "contacts", MinSize: 1, MaxSize: 2})
	if err := contacts.Init(ctx); err != nil {
		f.T.Fatalf("init contact pool: %v", err)
	}
	f.T.Cleanup(func() { contacts.Close() })
	return messages, contacts
}
