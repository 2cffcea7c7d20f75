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

// OtherRecipientsCheck flags messages addressed to recipients beyond
// the mailbox address and its allow list. Mail blasted at many inboxes
// rarely belongs in the queue.
type OtherRecipientsCheck struct {
	mb   *config.Mailbox
	deps Deps
}

func NewOtherRecipientsCheck(mb *config.Mailbox, deps Deps) *OtherRecipientsCheck {
	return &OtherRecipientsCheck{mb: mb, deps: deps}
}

func (s *OtherRecipientsCheck) Name() string    { return "other_recipients_check" }
func (s *OtherRecipientsCheck) Precedence() int { return 20 }

func (s *OtherRecipientsCheck) Execute(ctx context.Context, pctx *pipeline.Context) error {
	cfg := s.mb.Steps.Recipients
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil
	}
	for _, rcpt := range append(append([]string{}, pctx.Message.To...), pctx.Message.Cc...) {
		if strings.EqualFold(rcpt, address) || containsFold(cfg.Allowed, rcpt) {
			continue
		}
		pipeline.HandleViolation(ctx, pctx, pipeline.Violation{
			Behavior: cfg.Behavior,
			Reason:   "message addressed to other recipient " + rcpt,
			Bounce:   s.deps.bounceFor(pctx, "unexpected recipients"),
		}, s.deps.Notifier, s.deps.Logger)
		return nil
	}
	return nil
}

// CallerMismatchCheck flags follow-ups whose sender differs from the
// resolved ticket's caller.
type CallerMismatchCheck struct {
	mb   *config.Mailbox
	deps Deps
}

func NewCallerMismatchCheck(mb *config.Mailbox, deps Deps) *CallerMismatchCheck {
	return &CallerMismatchCheck{mb: mb, deps: deps}
}

func (s *CallerMismatchCheck) Name() string    { return "caller_mismatch_check" }
func (s *CallerMismatchCheck) Precedence() int { return 20 }

func (s *CallerMismatchCheck) Execute(ctx context.Context, pctx *pipeline.Context) error {
	cfg := s.mb.Steps.Caller
	if cfg.MismatchBehavior == "" || pctx.Ticket == nil || pctx.Ticket.CallerEmail == "" {
		return nil
	}
	if strings.EqualFold(pctx.Ticket.CallerEmail, pctx.Message.From) {
		return nil
	}
	pipeline.HandleViolation(ctx, pctx, pipeline.Violation{
		Behavior: cfg.MismatchBehavior,
		Reason:   "sender does not match ticket caller",
		Bounce:   s.deps.bounceFor(pctx, "sender mismatch"),
	}, s.deps.Notifier, s.deps.Logger)
	return nil
}

// UndesiredTitleCheck flags subjects matching an undesired pattern.
type UndesiredTitleCheck struct {
	mb   *config.Mailbox
	deps Deps
}

func NewUndesiredTitleCheck(mb *config.Mailbox, deps Deps) *UndesiredTitleCheck {
	return &UndesiredTitleCheck{mb: mb, deps: deps}
}

func (s *UndesiredTitleCheck) Name() string    { return "undesired_title_check" }
func (s *UndesiredTitleCheck) Precedence() int { return 20 }

func (s *UndesiredTitleCheck) Execute(ctx context.Context, pctx *pipeline.Context) error {
	cfg := s.mb.Steps.UndesiredTitle
	for _, pattern := range cfg.Patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			s.deps.Logger.WarnContext(ctx, "invalid undesired title pattern",
				slog.String("pattern", pattern), slog.Any("error", err))
			pctx.AddError(err)
			continue
		}
		if !re.MatchString(pctx.Message.Subject) {
			continue
		}
		behavior := cfg.Behavior
		if behavior == "" {
			behavior = pipeline.BehaviorMarkUndesired
		}
		pipeline.HandleViolation(ctx, pctx, pipeline.Violation{
			Behavior: behavior,
			Reason:   "subject matches undesired pattern " + pattern,
			Bounce:   s.deps.bounceFor(pctx, "undesired subject"),
		}, s.deps.Notifier, s.deps.Logger)
		return nil
	}
	return nil
}

// ClosedTicketCheck handles follow-ups to closed or resolved tickets:
// either reopen and continue, or treat the follow-up as a violation.
type ClosedTicketCheck struct {
	mb   *config.Mailbox
	deps Deps
}

func NewClosedTicketCheck(mb *config.Mailbox, deps Deps) *ClosedTicketCheck {
	return &ClosedTicketCheck{mb: mb, deps: deps}
}

func (s *ClosedTicketCheck) Name() string    { return "closed_ticket_check" }
func (s *ClosedTicketCheck) Precedence() int { return 20 }

func (s *ClosedTicketCheck) Execute(ctx context.Context, pctx *pipeline.Context) error {
	ticket := pctx.Ticket
	if ticket == nil {
		return nil
	}
	if ticket.Status != base.TicketStatusClosed && ticket.Status != base.TicketStatusResolved {
		return nil
	}

	cfg := s.mb.Steps.ClosedTicket
	if cfg.Reopen {
		if err := s.deps.Tickets.Reopen(ctx, ticket); err != nil {
			return errors.Wrap(err, "reopen ticket")
		}
		s.deps.Logger.InfoContext(ctx, "ticket reopened for follow-up",
			slog.Int64("ticket_id", ticket.ID))
		return nil
	}

	pipeline.HandleViolation(ctx, pctx, pipeline.Violation{
		Behavior: cfg.Behavior,
		Reason:   "follow-up to a " + ticket.Status + " ticket",
		Bounce:   s.deps.bounceFor(pctx, "ticket already "+ticket.Status),
	}, s.deps.Notifier, s.deps.Logger)
	return nil
}
