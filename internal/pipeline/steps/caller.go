package steps

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"aaronromeo.com/mailclerk/internal/config"
	"aaronromeo.com/mailclerk/internal/pipeline"
	"aaronromeo.com/mailclerk/pkg/base"
	"github.com/pkg/errors"
)

// CallerResolution resolves the sender address to a contact record,
// creating one when no match exists. The first directory match wins.
type CallerResolution struct {
	mb   *config.Mailbox
	deps Deps
}

func NewCallerResolution(mb *config.Mailbox, deps Deps) *CallerResolution {
	return &CallerResolution{mb: mb, deps: deps}
}

func (s *CallerResolution) Name() string    { return "caller_resolution" }
func (s *CallerResolution) Precedence() int { return 109 }

func (s *CallerResolution) Execute(ctx context.Context, pctx *pipeline.Context) error {
	if pctx.DirectiveSet() {
		return nil
	}
	from := pctx.Message.From
	if from == "" {
		return nil
	}

	matches, err := s.deps.Contacts.FindByEmail(ctx, from)
	if err != nil {
		return errors.Wrapf(err, "look up contact %s", from)
	}
	if len(matches) > 0 {
		pctx.Caller = &matches[0]
		return nil
	}

	name := pctx.Message.FromName
	if name == "" {
		name = s.mb.Steps.Caller.DefaultName
	}
	created, err := s.deps.Contacts.Create(ctx, base.Contact{Email: from, Name: name})
	if err != nil {
		return errors.Wrapf(err, "create contact %s", from)
	}
	s.deps.Logger.InfoContext(ctx, "contact created for sender",
		slog.String("email", from), slog.Int64("contact_id", created.ID))
	pctx.Caller = &created
	return nil
}

// ExtraContactResolution resolves the Cc addresses to existing contact
// records. Unknown addresses are skipped; only the caller warrants a
// create.
type ExtraContactResolution struct {
	mb   *config.Mailbox
	deps Deps
}

func NewExtraContactResolution(mb *config.Mailbox, deps Deps) *ExtraContactResolution {
	return &ExtraContactResolution{mb: mb, deps: deps}
}

func (s *ExtraContactResolution) Name() string    { return "extra_contact_resolution" }
func (s *ExtraContactResolution) Precedence() int { return 110 }

func (s *ExtraContactResolution) Execute(ctx context.Context, pctx *pipeline.Context) error {
	if pctx.DirectiveSet() {
		return nil
	}
	for _, addr := range pctx.Message.Cc {
		if pctx.Caller != nil && strings.EqualFold(addr, pctx.Caller.Email) {
			continue
		}
		matches, err := s.deps.Contacts.FindByEmail(ctx, addr)
		if err != nil {
			s.deps.Logger.WarnContext(ctx, "extra contact lookup failed",
				slog.String("email", addr), slog.Any("error", err))
			pctx.AddError(err)
			continue
		}
		if len(matches) > 0 {
			pctx.ExtraContacts = append(pctx.ExtraContacts, matches[0])
		}
	}
	return nil
}

// TitleStrip derives the ticket title from the subject, removing any
// matched title pattern so reply prefixes and reference tags don't
// end up in the ticket.
type TitleStrip struct {
	mb *config.Mailbox
}

func NewTitleStrip(mb *config.Mailbox) *TitleStrip {
	return &TitleStrip{mb: mb}
}

func (s *TitleStrip) Name() string    { return "title_strip" }
func (s *TitleStrip) Precedence() int { return 115 }

func (s *TitleStrip) Execute(ctx context.Context, pctx *pipeline.Context) error {
	title := pctx.Message.Subject
	for _, pattern := range s.mb.Steps.Reference.TitlePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		title = re.ReplaceAllString(title, "")
	}
	pctx.Title = strings.TrimSpace(title)
	if pctx.Title == "" {
		pctx.Title = pctx.Message.Subject
	}
	return nil
}
