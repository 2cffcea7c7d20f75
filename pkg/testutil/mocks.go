// Package testutil provides mocks for the collaborator interfaces so
// pipeline and batch tests can run without a mail server, a ticket
// system, or an SMTP relay. Mocks inject behavior through function
// fields and track calls for verification.
package testutil

import (
	"context"
	"fmt"

	"aaronromeo.com/mailclerk/pkg/base"
)

// MockMessageSource implements base.MessageSource.
type MockMessageSource struct {
	NameValue    string
	PathValue    string
	CountFunc    func() (int, error)
	ListFunc     func() ([]base.MessageInfo, error)
	FetchFunc    func(index int) (*base.RawMessage, error)
	DeleteFunc   func(index int) error
	MoveFunc     func(index int, folder string) error
	DisconnFunc  func()
	DeletedIdx   []int
	MovedIdx     []int
	Disconnected bool
}

func (m *MockMessageSource) Name() string {
	if m.NameValue == "" {
		return "MockSource"
	}
	return m.NameValue
}

func (m *MockMessageSource) MailboxPath() string {
	if m.PathValue == "" {
		return "INBOX"
	}
	return m.PathValue
}

func (m *MockMessageSource) Count() (int, error) {
	if m.CountFunc != nil {
		return m.CountFunc()
	}
	list, err := m.List()
	return len(list), err
}

func (m *MockMessageSource) List() ([]base.MessageInfo, error) {
	if m.ListFunc != nil {
		return m.ListFunc()
	}
	return nil, nil
}

func (m *MockMessageSource) Fetch(index int) (*base.RawMessage, error) {
	if m.FetchFunc != nil {
		return m.FetchFunc(index)
	}
	return nil, nil
}

func (m *MockMessageSource) Delete(index int) error {
	m.DeletedIdx = append(m.DeletedIdx, index)
	if m.DeleteFunc != nil {
		return m.DeleteFunc(index)
	}
	return nil
}

func (m *MockMessageSource) Move(index int, folder string) error {
	m.MovedIdx = append(m.MovedIdx, index)
	if m.MoveFunc != nil {
		return m.MoveFunc(index, folder)
	}
	return nil
}

func (m *MockMessageSource) Disconnect() {
	m.Disconnected = true
	if m.DisconnFunc != nil {
		m.DisconnFunc()
	}
}

// MockTicketSink implements base.TicketSink.
type MockTicketSink struct {
	FindByRefFunc      func(ctx context.Context, ref string) (*base.Ticket, error)
	FindByIDFunc       func(ctx context.Context, id int64) (*base.Ticket, error)
	CreateFunc         func(ctx context.Context, fields base.TicketFields) (*base.Ticket, error)
	UpdateFunc         func(ctx context.Context, t *base.Ticket, fields base.TicketFields) error
	ReopenFunc         func(ctx context.Context, t *base.Ticket) error
	LinkAttachmentFunc func(ctx context.Context, t *base.Ticket, blob []byte, filename, mimeType string, inline bool) error

	CreateCalls  []base.TicketFields
	UpdateCalls  []base.TicketFields
	ReopenCalls  []int64
	Attachments  []string
	created      map[int64]*base.Ticket
	nextTicketID int64
}

// FindByRef serves tickets created through the mock unless overridden,
// so lookups behave like a real sink across pipeline runs.
func (m *MockTicketSink) FindByRef(ctx context.Context, ref string) (*base.Ticket, error) {
	if m.FindByRefFunc != nil {
		return m.FindByRefFunc(ctx, ref)
	}
	for _, t := range m.created {
		if t.Ref == ref {
			found := *t
			return &found, nil
		}
	}
	return nil, nil
}

func (m *MockTicketSink) FindByID(ctx context.Context, id int64) (*base.Ticket, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, id)
	}
	if t, ok := m.created[id]; ok {
		found := *t
		return &found, nil
	}
	return nil, nil
}

func (m *MockTicketSink) Create(ctx context.Context, fields base.TicketFields) (*base.Ticket, error) {
	m.CreateCalls = append(m.CreateCalls, fields)
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, fields)
	}
	m.nextTicketID++
	t := &base.Ticket{
		ID:          m.nextTicketID,
		Ref:         fmt.Sprintf("%05d", m.nextTicketID),
		Title:       fields.Title,
		Status:      base.TicketStatusOpen,
		CallerID:    fields.CallerID,
		CallerEmail: fields.CallerEmail,
	}
	if m.created == nil {
		m.created = map[int64]*base.Ticket{}
	}
	m.created[t.ID] = t
	out := *t
	return &out, nil
}

func (m *MockTicketSink) Update(ctx context.Context, t *base.Ticket, fields base.TicketFields) error {
	m.UpdateCalls = append(m.UpdateCalls, fields)
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, t, fields)
	}
	return nil
}

func (m *MockTicketSink) Reopen(ctx context.Context, t *base.Ticket) error {
	m.ReopenCalls = append(m.ReopenCalls, t.ID)
	if m.ReopenFunc != nil {
		return m.ReopenFunc(ctx, t)
	}
	t.Status = base.TicketStatusOpen
	return nil
}

func (m *MockTicketSink) LinkAttachment(ctx context.Context, t *base.Ticket, blob []byte, filename, mimeType string, inline bool) error {
	m.Attachments = append(m.Attachments, filename)
	if m.LinkAttachmentFunc != nil {
		return m.LinkAttachmentFunc(ctx, t, blob, filename, mimeType, inline)
	}
	return nil
}

// MockContactDirectory implements base.ContactDirectory.
type MockContactDirectory struct {
	FindByEmailFunc  func(ctx context.Context, email string) ([]base.Contact, error)
	CreateFunc       func(ctx context.Context, c base.Contact) (base.Contact, error)
	MarkInactiveFunc func(ctx context.Context, id int64) error

	CreateCalls   []base.Contact
	InactiveCalls []int64
	nextContactID int64
}

func (m *MockContactDirectory) FindByEmail(ctx context.Context, email string) ([]base.Contact, error) {
	if m.FindByEmailFunc != nil {
		return m.FindByEmailFunc(ctx, email)
	}
	return nil, nil
}

func (m *MockContactDirectory) Create(ctx context.Context, c base.Contact) (base.Contact, error) {
	m.CreateCalls = append(m.CreateCalls, c)
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, c)
	}
	m.nextContactID++
	c.ID = m.nextContactID
	return c, nil
}

func (m *MockContactDirectory) MarkInactive(ctx context.Context, id int64) error {
	m.InactiveCalls = append(m.InactiveCalls, id)
	if m.MarkInactiveFunc != nil {
		return m.MarkInactiveFunc(ctx, id)
	}
	return nil
}

// MockNotificationSender implements base.NotificationSender.
type MockNotificationSender struct {
	SendFunc func(ctx context.Context, n base.Notification) error
	Sent     []base.Notification
}

func (m *MockNotificationSender) Send(ctx context.Context, n base.Notification) error {
	m.Sent = append(m.Sent, n)
	if m.SendFunc != nil {
		return m.SendFunc(ctx, n)
	}
	return nil
}
