package steps

import (
	"context"
	"log/slog"
	"regexp"

	"aaronromeo.com/mailclerk/internal/config"
	"aaronromeo.com/mailclerk/internal/pipeline"
	"github.com/pkg/errors"
)

// ReferenceMatch resolves an existing ticket before any step that
// treats "no ticket found" as a signal. It consults the reference-link
// table for the In-Reply-To/References headers, then the configured
// title patterns. Either source marks the context as claiming an
// existing thread.
type ReferenceMatch struct {
	mb   *config.Mailbox
	deps Deps
}

func NewReferenceMatch(mb *config.Mailbox, deps Deps) *ReferenceMatch {
	return &ReferenceMatch{mb: mb, deps: deps}
}

func (s *ReferenceMatch) Name() string    { return "reference_match" }
func (s *ReferenceMatch) Precedence() int { return 9 }

func (s *ReferenceMatch) Execute(ctx context.Context, pctx *pipeline.Context) error {
	// The message's own Message-ID is part of the lookup set: a
	// message seen on an earlier run was linked to its ticket then, so
	// reprocessing resolves to an update instead of a duplicate.
	var refs []string
	if pctx.Message.MessageID != "" {
		refs = append(refs, pctx.Message.MessageID)
	}
	refs = append(refs, pctx.Message.AllReferences()...)

	if len(refs) > 0 && s.deps.Store != nil {
		ticketID, err := s.deps.Store.FindTicketByReferences(ctx, pctx.MailboxID, refs)
		if err != nil {
			return errors.Wrap(err, "resolve header references")
		}
		if ticketID != 0 {
			pctx.ReferenceClaimed = true
			ticket, err := s.deps.Tickets.FindByID(ctx, ticketID)
			if err != nil {
				return errors.Wrap(err, "load referenced ticket")
			}
			if ticket != nil {
				pctx.Ticket = ticket
			}
		}
	}

	for _, pattern := range s.mb.Steps.Reference.TitlePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			// A broken pattern must not block the pipeline.
			s.deps.Logger.WarnContext(ctx, "invalid title pattern",
				slog.String("pattern", pattern), slog.Any("error", err))
			pctx.AddError(err)
			continue
		}
		match := re.FindStringSubmatch(pctx.Message.Subject)
		if match == nil {
			continue
		}
		pctx.ReferenceClaimed = true
		if pctx.Ticket != nil || len(match) < 2 {
			continue
		}
		ticket, err := s.deps.Tickets.FindByRef(ctx, match[1])
		if err != nil {
			return errors.Wrap(err, "load ticket by title reference")
		}
		if ticket != nil {
			pctx.Ticket = ticket
		}
	}
	return nil
}

// UnknownReference fires when the message claimed to belong to an
// existing thread that cannot be located. A dangling claim is treated
// as undesired unless configured otherwise.
type UnknownReference struct {
	mb   *config.Mailbox
	deps Deps
}

func NewUnknownReference(mb *config.Mailbox, deps Deps) *UnknownReference {
	return &UnknownReference{mb: mb, deps: deps}
}

func (s *UnknownReference) Name() string    { return "unknown_reference" }
func (s *UnknownReference) Precedence() int { return 10 }

func (s *UnknownReference) Execute(ctx context.Context, pctx *pipeline.Context) error {
	if !pctx.ReferenceClaimed || pctx.Ticket != nil {
		return nil
	}
	behavior := s.mb.Steps.Reference.UnknownBehavior
	if behavior == "" {
		behavior = pipeline.BehaviorMarkUndesired
	}
	pipeline.HandleViolation(ctx, pctx, pipeline.Violation{
		Behavior: behavior,
		Reason:   "message references a thread that cannot be located",
		Bounce:   s.deps.bounceFor(pctx, "unknown ticket reference"),
	}, s.deps.Notifier, s.deps.Logger)
	return nil
}
