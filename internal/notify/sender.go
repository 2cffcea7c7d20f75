// Package notify delivers bounce and rejection notifications over an
// SMTP relay.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"strings"

	"aaronromeo.com/mailclerk/pkg/base"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/pkg/errors"
)

// transport is the SMTP session surface the sender drives, pluggable
// for tests.
type transport interface {
	Auth(a sasl.Client) error
	SendMail(from string, to []string, r io.Reader) error
	Close() error
}

// Sender implements base.NotificationSender over SMTP with STARTTLS.
type Sender struct {
	host     string
	username string
	password string
	logger   *slog.Logger

	dial func() (transport, error)
}

type Option func(*Sender) error

func WithRelay(host string) Option {
	return func(s *Sender) error {
		s.host = host
		return nil
	}
}

func WithAuth(username, password string) Option {
	return func(s *Sender) error {
		s.username = username
		s.password = password
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sender) error {
		s.logger = logger
		return nil
	}
}

// WithDialer substitutes the connection factory, for tests.
func WithDialer(dial func() (transport, error)) Option {
	return func(s *Sender) error {
		s.dial = dial
		return nil
	}
}

func NewSender(opts ...Option) (*Sender, error) {
	var sender Sender
	for _, opt := range opts {
		if err := opt(&sender); err != nil {
			return nil, err
		}
	}

	if sender.logger == nil {
		return nil, errors.New("requires slogger")
	}

	if sender.dial == nil {
		if sender.host == "" {
			return nil, errors.New("requires relay host")
		}
		sender.dial = sender.dialStartTLS
	}

	return &sender, nil
}

func (s *Sender) dialStartTLS() (transport, error) {
	serverName := s.host
	if i := strings.IndexByte(serverName, ':'); i >= 0 {
		serverName = serverName[:i]
	}
	c, err := smtp.DialStartTLS(s.host, &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "dial relay %s", s.host)
	}
	return c, nil
}

// Send composes and delivers one notification. An empty recipient is
// dropped silently; bounces to bounces are a loop.
func (s *Sender) Send(ctx context.Context, n base.Notification) error {
	if n.To == "" {
		s.logger.WarnContext(ctx, "notification without recipient dropped",
			slog.String("subject", n.Subject))
		return nil
	}

	body, err := Compose(n)
	if err != nil {
		return errors.Wrap(err, "compose notification")
	}

	conn, err := s.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	if s.username != "" {
		if err := conn.Auth(sasl.NewPlainClient("", s.username, s.password)); err != nil {
			return errors.Wrap(err, "relay auth")
		}
	}

	if err := conn.SendMail(n.From, []string{n.To}, bytes.NewReader(body)); err != nil {
		return errors.Wrapf(err, "send notification to %s", n.To)
	}

	s.logger.InfoContext(ctx, "notification sent",
		slog.String("to", n.To), slog.String("subject", n.Subject))
	return nil
}

// IsPermanent reports whether a send failure is a 5xx rejection that
// should not be retried.
func IsPermanent(err error) bool {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}
	return false
}

var _ base.NotificationSender = (*Sender)(nil)
