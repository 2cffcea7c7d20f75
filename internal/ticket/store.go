// Package ticket is a sqlite-backed ticket sink and contact directory.
// The pipeline only depends on the interfaces in pkg/base; this
// implementation exists so the CLI runs end to end without an external
// ticketing system.
package ticket

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"aaronromeo.com/mailclerk/pkg/base"
	"github.com/pkg/errors"
)

var createTableSQL = []string{
	`
CREATE TABLE IF NOT EXISTS tickets (
id INTEGER PRIMARY KEY AUTOINCREMENT,
ref TEXT NOT NULL DEFAULT '',
title TEXT NOT NULL,
status TEXT NOT NULL,
caller_id INTEGER NOT NULL DEFAULT 0,
caller_email TEXT NOT NULL DEFAULT '',
created_at TIMESTAMP NOT NULL,
updated_at TIMESTAMP NOT NULL
);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tickets_ref ON tickets (ref);`,
	`
CREATE TABLE IF NOT EXISTS ticket_articles (
id INTEGER PRIMARY KEY AUTOINCREMENT,
ticket_id INTEGER NOT NULL,
body TEXT NOT NULL,
created_at TIMESTAMP NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS idx_articles_ticket ON ticket_articles (ticket_id);`,
	`
CREATE TABLE IF NOT EXISTS ticket_attachments (
id INTEGER PRIMARY KEY AUTOINCREMENT,
ticket_id INTEGER NOT NULL,
filename TEXT NOT NULL,
mime_type TEXT NOT NULL,
inline INTEGER NOT NULL DEFAULT 0,
blob BLOB
);`,
	`CREATE INDEX IF NOT EXISTS idx_attachments_ticket ON ticket_attachments (ticket_id);`,
	`
CREATE TABLE IF NOT EXISTS contacts (
id INTEGER PRIMARY KEY AUTOINCREMENT,
email TEXT NOT NULL,
name TEXT NOT NULL DEFAULT '',
inactive INTEGER NOT NULL DEFAULT 0
);`,
	`CREATE INDEX IF NOT EXISTS idx_contacts_email ON contacts (email);`,
}

// Store implements base.TicketSink and base.ContactDirectory on a
// shared sqlite handle, typically the replica store's.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates the schema on db if needed.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("nil db handle")
	}
	for _, stmt := range createTableSQL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, errors.Wrap(err, "create ticket schema")
		}
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) FindByRef(ctx context.Context, ref string) (*base.Ticket, error) {
	return s.findTicket(ctx, "ref = ?", ref)
}

func (s *Store) FindByID(ctx context.Context, id int64) (*base.Ticket, error) {
	return s.findTicket(ctx, "id = ?", id)
}

func (s *Store) findTicket(ctx context.Context, where string, arg any) (*base.Ticket, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, ref, title, status, caller_id, caller_email, created_at, updated_at
FROM tickets WHERE `+where, arg)

	var t base.Ticket
	err := row.Scan(&t.ID, &t.Ref, &t.Title, &t.Status, &t.CallerID, &t.CallerEmail,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find ticket")
	}
	return &t, nil
}

// Create opens a ticket and its first article. The reference is the
// creation date plus the zero-padded row id.
func (s *Store) Create(ctx context.Context, fields base.TicketFields) (*base.Ticket, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO tickets (ref, title, status, caller_id, caller_email, created_at, updated_at)
VALUES ('', ?, ?, ?, ?, ?, ?)`,
		fields.Title, base.TicketStatusOpen, fields.CallerID, fields.CallerEmail, now, now)
	if err != nil {
		return nil, errors.Wrap(err, "create ticket")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "create ticket")
	}

	ref := fmt.Sprintf("%s%05d", now.Format("20060102"), id)
	if _, err := s.db.ExecContext(ctx, `UPDATE tickets SET ref = ? WHERE id = ?`, ref, id); err != nil {
		return nil, errors.Wrap(err, "assign ticket reference")
	}
	if err := s.addArticle(ctx, id, fields.Body, now); err != nil {
		return nil, err
	}

	return &base.Ticket{
		ID:          id,
		Ref:         ref,
		Title:       fields.Title,
		Status:      base.TicketStatusOpen,
		CallerID:    fields.CallerID,
		CallerEmail: fields.CallerEmail,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Update appends an article to an existing ticket.
func (s *Store) Update(ctx context.Context, t *base.Ticket, fields base.TicketFields) error {
	now := s.now()
	if _, err := s.db.ExecContext(ctx, `UPDATE tickets SET updated_at = ? WHERE id = ?`, now, t.ID); err != nil {
		return errors.Wrap(err, "update ticket")
	}
	t.UpdatedAt = now
	return s.addArticle(ctx, t.ID, fields.Body, now)
}

func (s *Store) Reopen(ctx context.Context, t *base.Ticket) error {
	now := s.now()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE tickets SET status = ?, updated_at = ? WHERE id = ?`,
		base.TicketStatusOpen, now, t.ID); err != nil {
		return errors.Wrap(err, "reopen ticket")
	}
	t.Status = base.TicketStatusOpen
	t.UpdatedAt = now
	return nil
}

func (s *Store) LinkAttachment(ctx context.Context, t *base.Ticket, blob []byte, filename, mimeType string, inline bool) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO ticket_attachments (ticket_id, filename, mime_type, inline, blob)
VALUES (?, ?, ?, ?, ?)`,
		t.ID, filename, mimeType, inline, blob)
	return errors.Wrap(err, "link attachment")
}

func (s *Store) addArticle(ctx context.Context, ticketID int64, body string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO ticket_articles (ticket_id, body, created_at)
VALUES (?, ?, ?)`, ticketID, body, now)
	return errors.Wrap(err, "add article")
}

// Contacts is the contact directory view over the same handle.
type Contacts struct {
	db *sql.DB
}

// Contacts returns the store's contact directory.
func (s *Store) Contacts() *Contacts {
	return &Contacts{db: s.db}
}

// FindByEmail returns every contact for the address, active first,
// oldest first within each group.
func (d *Contacts) FindByEmail(ctx context.Context, email string) ([]base.Contact, error) {
	rows, err := d.db.QueryContext(ctx, `
SELECT id, email, name, inactive FROM contacts
WHERE email = ? COLLATE NOCASE
ORDER BY inactive ASC, id ASC`, email)
	if err != nil {
		return nil, errors.Wrap(err, "find contacts")
	}
	defer rows.Close()

	var out []base.Contact
	for rows.Next() {
		var c base.Contact
		if err := rows.Scan(&c.ID, &c.Email, &c.Name, &c.Inactive); err != nil {
			return nil, errors.Wrap(err, "find contacts")
		}
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "find contacts")
}

func (d *Contacts) Create(ctx context.Context, c base.Contact) (base.Contact, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO contacts (email, name, inactive) VALUES (?, ?, ?)`,
		c.Email, c.Name, c.Inactive)
	if err != nil {
		return base.Contact{}, errors.Wrap(err, "create contact")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return base.Contact{}, errors.Wrap(err, "create contact")
	}
	c.ID = id
	return c, nil
}

var (
	_ base.TicketSink       = (*Store)(nil)
	_ base.ContactDirectory = (*Contacts)(nil)
)

func (d *Contacts) MarkInactive(ctx context.Context, id int64) error {
	_, err := d.db.ExecContext(ctx, `UPDATE contacts SET inactive = 1 WHERE id = ?`, id)
	return errors.Wrap(err, "mark contact inactive")
}
