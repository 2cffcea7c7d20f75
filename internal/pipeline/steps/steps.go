// Package steps contains the policy step implementations the pipeline
// runs over each message. Each step is registered with its precedence;
// shared per-message state travels in the pipeline context.
package steps

import (
	"log/slog"
	"strings"

	"aaronromeo.com/mailclerk/internal/config"
	"aaronromeo.com/mailclerk/internal/pipeline"
	"aaronromeo.com/mailclerk/internal/replica"
	"aaronromeo.com/mailclerk/pkg/base"
)

// Deps are the collaborators shared by the steps of one mailbox.
type Deps struct {
	Store    *replica.Store
	Tickets  base.TicketSink
	Contacts base.ContactDirectory
	Notifier base.NotificationSender
	Bounce   config.Bounce
	Logger   *slog.Logger
}

// BuildRegistry wires the full step chain for one mailbox. The
// registry sorts by precedence; registration order is the documented
// tie-break, so unknown-reference is registered after the checks that
// share its precedence value but must not depend on them.
func BuildRegistry(mb *config.Mailbox, deps Deps) *pipeline.Registry {
	return pipeline.NewRegistry(
		NewNonDeliveryReport(mb, deps),
		NewReferenceMatch(mb, deps),
		NewSizeCheck(mb, deps),
		NewSubjectPresence(mb),
		NewAttachmentTypeCheck(mb, deps),
		NewAutoReplyCheck(mb, deps),
		NewSenderPatternCheck(mb, deps),
		NewUnknownReference(mb, deps),
		NewOtherRecipientsCheck(mb, deps),
		NewCallerMismatchCheck(mb, deps),
		NewUndesiredTitleCheck(mb, deps),
		NewClosedTicketCheck(mb, deps),
		NewAttachmentCriteria(mb, deps),
		NewCallerResolution(mb, deps),
		NewExtraContactResolution(mb, deps),
		NewTitleStrip(mb),
		NewTicketAction(mb, deps),
		NewReferencePersist(mb, deps),
		NewFinalAction(mb),
	)
}

// bounceFor builds the notification for a bounce_* behavior from the
// configured templates. {subject} and {reason} placeholders are
// substituted.
func (d Deps) bounceFor(pctx *pipeline.Context, reason string) base.Notification {
	subject := d.Bounce.SubjectTemplate
	if subject == "" {
		subject = "Message rejected: {subject}"
	}
	body := d.Bounce.BodyTemplate
	if body == "" {
		body = "Your message could not be processed: {reason}"
	}

	origSubject := ""
	to := ""
	if pctx.Message != nil {
		origSubject = pctx.Message.Subject
		to = pctx.Message.From
	}

	fill := func(tpl string) string {
		tpl = strings.ReplaceAll(tpl, "{subject}", origSubject)
		return strings.ReplaceAll(tpl, "{reason}", reason)
	}

	return base.Notification{
		To:      to,
		From:    d.Bounce.From,
		Subject: fill(subject),
		Body:    fill(body),
	}
}
