package steps

import (
	"context"
	"log/slog"

	"aaronromeo.com/mailclerk/internal/config"
	"aaronromeo.com/mailclerk/internal/pipeline"
	"aaronromeo.com/mailclerk/pkg/base"
)

// TicketAction creates or updates the downstream ticket according to
// the mailbox behavior. Sink failures never abort the run; the message
// is marked as an error and retried later.
type TicketAction struct {
	mb   *config.Mailbox
	deps Deps
}

func NewTicketAction(mb *config.Mailbox, deps Deps) *TicketAction {
	return &TicketAction{mb: mb, deps: deps}
}

func (s *TicketAction) Name() string    { return "ticket_action" }
func (s *TicketAction) Precedence() int { return 200 }

func (s *TicketAction) Execute(ctx context.Context, pctx *pipeline.Context) error {
	if pctx.DirectiveSet() {
		return nil
	}

	fields := s.ticketFields(pctx)

	var (
		ticket *base.Ticket
		err    error
	)
	switch s.mb.Behavior {
	case config.BehaviorCreateOnly:
		ticket, err = s.deps.Tickets.Create(ctx, fields)
	case config.BehaviorUpdateOnly:
		if pctx.Ticket == nil {
			s.deps.Logger.InfoContext(ctx, "no ticket to update in update-only mailbox",
				slog.String("message_id", pctx.Message.MessageID))
			pctx.SetNextAction(pipeline.MarkAsUndesired)
			return nil
		}
		ticket = pctx.Ticket
		err = s.deps.Tickets.Update(ctx, ticket, fields)
	default:
		if pctx.Ticket != nil {
			ticket = pctx.Ticket
			err = s.deps.Tickets.Update(ctx, ticket, fields)
		} else {
			ticket, err = s.deps.Tickets.Create(ctx, fields)
		}
	}
	if err != nil {
		s.deps.Logger.ErrorContext(ctx, "ticket sink failed",
			slog.String("message_id", pctx.Message.MessageID), slog.Any("error", err))
		pctx.AddError(err)
		pctx.SetNextAction(pipeline.MarkAsError)
		return nil
	}

	pctx.Ticket = ticket
	if pctx.Record != nil {
		id := ticket.ID
		pctx.Record.TicketID = &id
	}

	for _, att := range pctx.Message.Attachments {
		if err := s.deps.Tickets.LinkAttachment(ctx, ticket, att.Data, att.Filename, att.MIMEType, att.Inline); err != nil {
			s.deps.Logger.WarnContext(ctx, "attachment link failed",
				slog.Int64("ticket_id", ticket.ID),
				slog.String("filename", att.Filename), slog.Any("error", err))
			pctx.AddError(err)
		}
	}
	return nil
}

func (s *TicketAction) ticketFields(pctx *pipeline.Context) base.TicketFields {
	fields := base.TicketFields{
		Title:       pctx.Title,
		Body:        pctx.Message.Body,
		CallerEmail: pctx.Message.From,
	}
	if fields.Title == "" {
		fields.Title = pctx.Message.Subject
	}
	if fields.Body == "" {
		fields.Body = pctx.Message.HTMLBody
	}
	if pctx.Caller != nil {
		fields.CallerID = pctx.Caller.ID
		fields.CallerEmail = pctx.Caller.Email
	}
	return fields
}
