package steps

import (
	"context"

	"aaronromeo.com/mailclerk/internal/config"
	"aaronromeo.com/mailclerk/internal/pipeline"
)

// FinalAction maps the mailbox's after-processing storage setting to a
// directive when no earlier step decided one. It always runs last.
type FinalAction struct {
	mb *config.Mailbox
}

func NewFinalAction(mb *config.Mailbox) *FinalAction {
	return &FinalAction{mb: mb}
}

func (s *FinalAction) Name() string    { return "final_action" }
func (s *FinalAction) Precedence() int { return 9999 }

func (s *FinalAction) Execute(ctx context.Context, pctx *pipeline.Context) error {
	if pctx.DirectiveSet() {
		return nil
	}
	switch s.mb.EmailStorage {
	case config.StorageDelete:
		pctx.SetNextAction(pipeline.DeleteMessage)
	case config.StorageMove:
		pctx.SetNextAction(pipeline.MoveMessage)
	default:
		pctx.SetNextAction(pipeline.NoAction)
	}
	return nil
}
