// Package imapsource implements the batch processor's message source
// on an IMAP mailbox. Deletion is flag-and-expunge: messages are
// flagged \Deleted as directives arrive and expunged once at
// disconnect, so sequence numbers from the listing stay valid for the
// whole session.
package imapsource

import (
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"aaronromeo.com/mailclerk/pkg/base"
	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/pkg/errors"
)

// Client is the subset of the IMAP client the source drives. A fake
// implementation stands in for tests.
type Client interface {
	Login(username, password string) error
	Logout() error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Store(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
	Copy(seqset *imap.SeqSet, dest string) error
	Expunge(ch chan uint32) error
}

// Source is a connected IMAP mailbox.
type Source struct {
	client   Client
	logger   *slog.Logger
	name     string
	mailbox  string
	username string
	password string

	selected       *imap.MailboxStatus
	pendingExpunge bool
}

type Option func(*Source) error

func WithClient(c Client) Option {
	return func(s *Source) error {
		s.client = c
		return nil
	}
}

// WithTLS dials the server directly instead of taking an injected
// client.
func WithTLS(addr string, tlsConfig *tls.Config) Option {
	return func(s *Source) error {
		c, err := imapclient.DialTLS(addr, tlsConfig)
		if err != nil {
			return errors.Wrapf(err, "dial %s", addr)
		}
		s.client = c
		return nil
	}
}

func WithAuth(username, password string) Option {
	return func(s *Source) error {
		s.username = username
		s.password = password
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) error {
		s.logger = logger
		return nil
	}
}

// WithName sets the source name used for UID prefixing in multi-source
// mode.
func WithName(name string) Option {
	return func(s *Source) error {
		s.name = name
		return nil
	}
}

func WithMailbox(mailbox string) Option {
	return func(s *Source) error {
		s.mailbox = mailbox
		return nil
	}
}

func New(opts ...Option) (*Source, error) {
	var src Source
	for _, opt := range opts {
		if err := opt(&src); err != nil {
			return nil, err
		}
	}

	if src.client == nil {
		return nil, errors.New("requires client")
	}

	if src.logger == nil {
		return nil, errors.New("requires slogger")
	}

	if src.name == "" {
		return nil, errors.New("requires source name")
	}

	if src.mailbox == "" {
		src.mailbox = "INBOX"
	}

	return &src, nil
}

// Connect logs in and selects the mailbox read-write.
func (s *Source) Connect() error {
	if s.username != "" {
		if err := s.client.Login(s.username, s.password); err != nil {
			return errors.Wrap(err, "login")
		}
	}
	status, err := s.client.Select(s.mailbox, false)
	if err != nil {
		return errors.Wrapf(err, "select %s", s.mailbox)
	}
	s.selected = status
	return nil
}

func (s *Source) Name() string { return s.name }

func (s *Source) MailboxPath() string { return s.mailbox }

func (s *Source) Count() (int, error) {
	if s.selected == nil {
		return 0, errors.New("mailbox not selected")
	}
	return int(s.selected.Messages), nil
}

// List fetches envelope data for every message in the mailbox. The
// returned Index values are IMAP sequence numbers and stay valid until
// Disconnect because expunge is deferred.
func (s *Source) List() ([]base.MessageInfo, error) {
	count, err := s.Count()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddRange(1, uint32(count))
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, imap.FetchInternalDate}

	ch := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.client.Fetch(seqset, items, ch)
	}()

	var list []base.MessageInfo
	for msg := range ch {
		info := base.MessageInfo{
			Index:    int(msg.SeqNum),
			SentTime: msg.InternalDate,
		}
		if msg.Uid != 0 {
			info.UID = strconv.FormatUint(uint64(msg.Uid), 10)
		}
		if msg.Envelope != nil {
			info.MessageID = msg.Envelope.MessageId
			if !msg.Envelope.Date.IsZero() {
				info.SentTime = msg.Envelope.Date
			}
		}
		list = append(list, info)
	}
	if err := <-done; err != nil {
		return nil, errors.Wrap(err, "fetch listing")
	}
	return list, nil
}

// Fetch retrieves the raw body of one message by sequence number. A
// nil result with nil error means the server returned nothing for the
// sequence number; the caller retries next run.
func (s *Source) Fetch(index int) (*base.RawMessage, error) {
	if index < 1 {
		return nil, errors.Errorf("invalid sequence number %d", index)
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(index))
	// Peek keeps the \Seen flag untouched on deferred messages.
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchInternalDate}

	ch := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.client.Fetch(seqset, items, ch)
	}()

	var raw *base.RawMessage
	for msg := range ch {
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, errors.Wrap(err, "read message body")
		}
		raw = &base.RawMessage{Body: data, InternalDate: msg.InternalDate}
	}
	if err := <-done; err != nil {
		return nil, errors.Wrapf(err, "fetch message %d", index)
	}
	return raw, nil
}

// Delete flags the message \Deleted. The expunge happens at
// Disconnect.
func (s *Source) Delete(index int) error {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(index))
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.DeletedFlag}
	if err := s.client.Store(seqset, item, flags, nil); err != nil {
		return errors.Wrapf(err, "flag message %d deleted", index)
	}
	s.pendingExpunge = true
	return nil
}

// Move copies the message to folder and flags the original \Deleted.
func (s *Source) Move(index int, folder string) error {
	if folder == "" {
		return errors.New("move requires a target folder")
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(index))
	if err := s.client.Copy(seqset, folder); err != nil {
		return errors.Wrapf(err, "copy message %d to %s", index, folder)
	}
	return s.Delete(index)
}

// Disconnect expunges flagged messages and logs out. Errors are logged
// rather than returned; the session is over either way.
func (s *Source) Disconnect() {
	if s.pendingExpunge {
		if err := s.client.Expunge(nil); err != nil {
			s.logger.Error(fmt.Sprintf("expunge failed for %s", s.mailbox),
				slog.Any("error", err))
		}
		s.pendingExpunge = false
	}
	if err := s.client.Logout(); err != nil {
		s.logger.Error(fmt.Sprintf("logout failed for %s", s.name),
			slog.Any("error", err))
	}
	s.selected = nil
}

var _ base.MessageSource = (*Source)(nil)
