package base

import (
	"context"
	"time"
)

// MessageInfo is one entry of a mailbox listing. Index is the
// server-side position the source uses to address the message for
// fetch/delete/move and stays valid for the lifetime of the session.
type MessageInfo struct {
	Index     int
	UID       string
	MessageID string
	SentTime  time.Time
}

// RawMessage is the undecoded RFC 5322 payload of one message.
type RawMessage struct {
	Body         []byte
	InternalDate time.Time
}

// MessageSource is the mailbox the batch processor drains. A nil
// RawMessage with a nil error from Fetch signals a transient fetch
// failure; the message is retried on the next run.
type MessageSource interface {
	Name() string
	MailboxPath() string
	Count() (int, error)
	List() ([]MessageInfo, error)
	Fetch(index int) (*RawMessage, error)
	Delete(index int) error
	Move(index int, folder string) error
	Disconnect()
}

// Ticket is the downstream record a processed message creates or updates.
type Ticket struct {
	ID          int64
	Ref         string
	Title       string
	Status      string
	CallerID    int64
	CallerEmail string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Ticket status values recognized by the pipeline.
const (
	TicketStatusOpen     = "open"
	TicketStatusClosed   = "closed"
	TicketStatusResolved = "resolved"
)

// TicketFields carries the values for a ticket create or update.
type TicketFields struct {
	Title       string
	Body        string
	CallerID    int64
	CallerEmail string
}

// TicketSink is the ticketing backend consumed by the pipeline.
type TicketSink interface {
	FindByRef(ctx context.Context, ref string) (*Ticket, error)
	FindByID(ctx context.Context, id int64) (*Ticket, error)
	Create(ctx context.Context, fields TicketFields) (*Ticket, error)
	Update(ctx context.Context, t *Ticket, fields TicketFields) error
	Reopen(ctx context.Context, t *Ticket) error
	LinkAttachment(ctx context.Context, t *Ticket, blob []byte, filename, mimeType string, inline bool) error
}

// Contact is a person record resolved from a message address.
type Contact struct {
	ID       int64
	Email    string
	Name     string
	Inactive bool
}

// ContactDirectory looks up or creates contact records by address.
type ContactDirectory interface {
	FindByEmail(ctx context.Context, email string) ([]Contact, error)
	Create(ctx context.Context, c Contact) (Contact, error)
	MarkInactive(ctx context.Context, id int64) error
}

// Notification is a bounce or rejection mail sent back to a sender.
type Notification struct {
	To             string
	From           string
	Subject        string
	Body           string
	Attachment     []byte
	AttachmentName string
}

// NotificationSender delivers bounce notifications.
type NotificationSender interface {
	Send(ctx context.Context, n Notification) error
}
