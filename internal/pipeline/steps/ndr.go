package steps

import (
	"context"
	"log/slog"
	"strings"

	"aaronromeo.com/mailclerk/internal/config"
	"aaronromeo.com/mailclerk/internal/pipeline"
	"github.com/pkg/errors"
)

// NonDeliveryReport detects bounced mail by its message/delivery-status
// part. A permanent failure (5.x.x) with a recognized phrase optionally
// flags the recipient's contact inactive, then routes through violation
// handling so the bounce loop is cut instead of opening a ticket.
type NonDeliveryReport struct {
	mb   *config.Mailbox
	deps Deps
}

func NewNonDeliveryReport(mb *config.Mailbox, deps Deps) *NonDeliveryReport {
	return &NonDeliveryReport{mb: mb, deps: deps}
}

func (s *NonDeliveryReport) Name() string    { return "non_delivery_report" }
func (s *NonDeliveryReport) Precedence() int { return 0 }

func (s *NonDeliveryReport) Execute(ctx context.Context, pctx *pipeline.Context) error {
	ds := pctx.Message.DeliveryStatus()
	if ds == nil || !ds.Permanent() {
		return nil
	}

	cfg := s.mb.Steps.NDR
	if len(cfg.Phrases) > 0 && !matchesPhrase(ds.DiagnosticCode, cfg.Phrases) {
		return nil
	}

	if cfg.MarkContactInactive && ds.FinalRecipient != "" && s.deps.Contacts != nil {
		contacts, err := s.deps.Contacts.FindByEmail(ctx, ds.FinalRecipient)
		if err != nil {
			return errors.Wrap(err, "lookup bounced recipient")
		}
		if len(contacts) > 0 {
			if err := s.deps.Contacts.MarkInactive(ctx, contacts[0].ID); err != nil {
				return errors.Wrap(err, "mark bounced recipient inactive")
			}
			s.deps.Logger.InfoContext(ctx, "contact flagged inactive after permanent bounce",
				slog.String("email", ds.FinalRecipient))
		}
	}

	pipeline.HandleViolation(ctx, pctx, pipeline.Violation{
		Behavior: cfg.Behavior,
		Reason:   "permanent delivery failure " + ds.Status,
		Bounce:   s.deps.bounceFor(pctx, "non-delivery report"),
	}, s.deps.Notifier, s.deps.Logger)
	return nil
}

func matchesPhrase(diagnostic string, phrases []string) bool {
	lowered := strings.ToLower(diagnostic)
	for _, phrase := range phrases {
		if phrase == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}
