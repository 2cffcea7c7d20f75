package steps

import (
	"context"
	"log/slog"

	"aaronromeo.com/mailclerk/internal/config"
	"aaronromeo.com/mailclerk/internal/pipeline"
)

// ReferencePersist records the message's identifiers against the
// resolved ticket so later follow-ups land on the same thread. Link
// failures are tolerated; the worst case is a follow-up opening a new
// ticket.
type ReferencePersist struct {
	mb   *config.Mailbox
	deps Deps
}

func NewReferencePersist(mb *config.Mailbox, deps Deps) *ReferencePersist {
	return &ReferencePersist{mb: mb, deps: deps}
}

func (s *ReferencePersist) Name() string    { return "reference_persist" }
func (s *ReferencePersist) Precedence() int { return 201 }

func (s *ReferencePersist) Execute(ctx context.Context, pctx *pipeline.Context) error {
	if pctx.Ticket == nil {
		return nil
	}

	uids := append([]string{pctx.Message.MessageID}, pctx.Message.AllReferences()...)
	for _, uid := range uids {
		if err := s.deps.Store.LinkReference(ctx, pctx.MailboxID, uid, pctx.Ticket.ID); err != nil {
			s.deps.Logger.WarnContext(ctx, "reference link failed",
				slog.String("message_uid", uid),
				slog.Int64("ticket_id", pctx.Ticket.ID), slog.Any("error", err))
			pctx.AddError(err)
		}
	}
	return nil
}
