// Package replica is the durable bookkeeping for messages the batch
// processor has seen. One record per effective UID, mailbox path and
// mailbox id proves a message was already handled so a later run will
// not reprocess it.
package replica

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Status is the processing state of a replica record.
type Status string

const (
	StatusOK        Status = "ok"
	StatusError     Status = "error"
	StatusUndesired Status = "undesired"
	StatusIgnored   Status = "ignored"
)

// Record is the durable state of one seen message.
type Record struct {
	ID           int64
	UIDL         string
	MailboxID    int64
	MailboxPath  string
	MessageID    string
	Status       Status
	ErrorMessage string
	ErrorTrace   string
	TicketID     *int64
	MessageDate  time.Time
	LastSeen     time.Time
	Contents     []byte
}

var createTableSQL = []string{
	// replica_records is keyed by (uidl, mailbox_path, mailbox_id);
	// the unique index enforces the dedup invariant even across
	// overlapping runs.
	`
CREATE TABLE IF NOT EXISTS replica_records (
id INTEGER PRIMARY KEY AUTOINCREMENT,
uidl TEXT NOT NULL,
mailbox_id INTEGER NOT NULL,
mailbox_path TEXT NOT NULL,
message_id TEXT NOT NULL DEFAULT '',
status TEXT NOT NULL,
error_message TEXT NOT NULL DEFAULT '',
error_trace TEXT NOT NULL DEFAULT '',
ticket_id INTEGER,
message_date TIMESTAMP,
last_seen TIMESTAMP NOT NULL,
contents BLOB
);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_replica_identity
ON replica_records (uidl, mailbox_path, mailbox_id);`,
	`CREATE INDEX IF NOT EXISTS idx_replica_uidl ON replica_records (uidl);`,
	`CREATE INDEX IF NOT EXISTS idx_replica_uidl_path
ON replica_records (uidl, mailbox_path);`,
	// message_references maps a seen Message-ID (or any reference it
	// carried) to the ticket it belongs to, for In-Reply-To/References
	// resolution on later messages.
	`
CREATE TABLE IF NOT EXISTS message_references (
mailbox_id INTEGER NOT NULL,
message_uid TEXT NOT NULL,
ticket_id INTEGER NOT NULL,
created_at TIMESTAMP NOT NULL,
PRIMARY KEY (mailbox_id, message_uid, ticket_id)
);`,
}

// Store persists replica records and reference links in sqlite.
type Store struct {
	db *sql.DB
}

// findChunkSize bounds the number of placeholders per IN query; sqlite
// caps bound variables at 999 by default.
const findChunkSize = 500

// Open opens (and if needed creates) the store at path.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn, err := dsnFromPath(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open replica store at %q", path)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open replica store at %q", path)
	}
	for _, stmt := range createTableSQL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "initialize replica schema")
		}
	}
	return &Store{db: db}, nil
}

func dsnFromPath(path string) (string, error) {
	u := &url.URL{Scheme: "file", Path: path}
	if path == ":memory:" {
		u = &url.URL{Scheme: "file", Opaque: ":memory:"}
	}
	if strings.HasPrefix(path, "file:") {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	// The default 5s busy timeout is too short when a sweep and a
	// run overlap on slow disks.
	values.Set("_busy_timeout", fmt.Sprintf("%d", int(time.Minute/time.Millisecond)))
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for collaborators sharing the same database
// file, such as the reference ticket sink.
func (s *Store) DB() *sql.DB {
	return s.db
}

// FindByUIDLsAndMailbox bulk-resolves records for a listing pass. The
// lookup is chunked so listings of thousands of messages stay within
// sqlite's bound-variable limit.
func (s *Store) FindByUIDLsAndMailbox(ctx context.Context, uidls []string, mailboxID int64, mailboxPath string) (map[string]*Record, error) {
	out := make(map[string]*Record, len(uidls))
	for start := 0; start < len(uidls); start += findChunkSize {
		end := start + findChunkSize
		if end > len(uidls) {
			end = len(uidls)
		}
		if err := s.findChunk(ctx, uidls[start:end], mailboxID, mailboxPath, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) findChunk(ctx context.Context, uidls []string, mailboxID int64, mailboxPath string, out map[string]*Record) error {
	if len(uidls) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(uidls)-1) + "?"
	query := `
SELECT id, uidl, mailbox_id, mailbox_path, message_id, status,
       error_message, error_trace, ticket_id, message_date, last_seen, contents
FROM replica_records
WHERE mailbox_id = ? AND mailbox_path = ? AND uidl IN (` + placeholders + `)`

	args := make([]any, 0, len(uidls)+2)
	args = append(args, mailboxID, mailboxPath)
	for _, uidl := range uidls {
		args = append(args, uidl)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "replica bulk lookup")
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		out[rec.UIDL] = rec
	}
	return errors.Wrap(rows.Err(), "replica bulk lookup")
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	var rec Record
	var ticketID sql.NullInt64
	var messageDate sql.NullTime
	if err := rows.Scan(
		&rec.ID, &rec.UIDL, &rec.MailboxID, &rec.MailboxPath, &rec.MessageID,
		&rec.Status, &rec.ErrorMessage, &rec.ErrorTrace, &ticketID,
		&messageDate, &rec.LastSeen, &rec.Contents,
	); err != nil {
		return nil, errors.Wrap(err, "scan replica record")
	}
	if ticketID.Valid {
		rec.TicketID = &ticketID.Int64
	}
	if messageDate.Valid {
		rec.MessageDate = messageDate.Time
	}
	return &rec, nil
}

// Upsert creates or updates a record, keyed by (uidl, mailbox_path,
// mailbox_id). A record without a primary key is assigned one.
func (s *Store) Upsert(ctx context.Context, rec *Record) error {
	if rec.UIDL == "" {
		return errors.New("replica record requires a uidl")
	}
	var ticketID sql.NullInt64
	if rec.TicketID != nil {
		ticketID = sql.NullInt64{Int64: *rec.TicketID, Valid: true}
	}
	var messageDate sql.NullTime
	if !rec.MessageDate.IsZero() {
		messageDate = sql.NullTime{Time: rec.MessageDate, Valid: true}
	}

	const query = `
INSERT INTO replica_records
  (uidl, mailbox_id, mailbox_path, message_id, status, error_message,
   error_trace, ticket_id, message_date, last_seen, contents)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (uidl, mailbox_path, mailbox_id) DO UPDATE SET
  message_id = excluded.message_id,
  status = excluded.status,
  error_message = excluded.error_message,
  error_trace = excluded.error_trace,
  ticket_id = excluded.ticket_id,
  message_date = excluded.message_date,
  last_seen = excluded.last_seen,
  contents = excluded.contents`

	if _, err := s.db.ExecContext(ctx, query,
		rec.UIDL, rec.MailboxID, rec.MailboxPath, rec.MessageID, rec.Status,
		rec.ErrorMessage, rec.ErrorTrace, ticketID, messageDate, rec.LastSeen,
		rec.Contents,
	); err != nil {
		return errors.Wrap(err, "replica upsert")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id FROM replica_records WHERE uidl = ? AND mailbox_path = ? AND mailbox_id = ?`,
		rec.UIDL, rec.MailboxPath, rec.MailboxID)
	if err := row.Scan(&rec.ID); err != nil {
		return errors.Wrap(err, "replica upsert id readback")
	}
	return nil
}

// Delete removes a record by primary key.
func (s *Store) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM replica_records WHERE id = ?`, id)
	return errors.Wrap(err, "replica delete")
}

// GarbageCollect removes stale records written by one source in
// multi-source mode: uidl matching the source prefix, belonging to the
// mailbox path, not among keepIDs, last seen before the cutoff. It
// returns the number of deleted records. The uid prefix is the only
// safe selector, so callers must not invoke this outside multi-source
// mode.
func (s *Store) GarbageCollect(ctx context.Context, uidPrefix, mailboxPath string, keepIDs []int64, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	query := `
DELETE FROM replica_records
WHERE uidl LIKE ? ESCAPE '\'
  AND mailbox_path = ?
  AND last_seen < ?`
	args := []any{likePrefix(uidPrefix), mailboxPath, cutoff}

	if len(keepIDs) > 0 {
		placeholders := strings.Repeat("?,", len(keepIDs)-1) + "?"
		query += ` AND id NOT IN (` + placeholders + `)`
		for _, id := range keepIDs {
			args = append(args, id)
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, "replica garbage collect")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "replica garbage collect")
}

// likePrefix escapes LIKE metacharacters so the prefix matches
// literally.
func likePrefix(prefix string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(prefix) + "%"
}
