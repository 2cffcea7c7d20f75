package steps

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"aaronromeo.com/mailclerk/internal/config"
	"aaronromeo.com/mailclerk/internal/pipeline"
)

// SizeCheck rejects messages above the configured byte limit.
type SizeCheck struct {
	mb   *config.Mailbox
	deps Deps
}

func NewSizeCheck(mb *config.Mailbox, deps Deps) *SizeCheck {
	return &SizeCheck{mb: mb, deps: deps}
}

func (s *SizeCheck) Name() string    { return "size_check" }
func (s *SizeCheck) Precedence() int { return 10 }

func (s *SizeCheck) Execute(ctx context.Context, pctx *pipeline.Context) error {
	cfg := s.mb.Steps.Size
	if cfg.MaxBytes <= 0 || pctx.Message.Size() <= cfg.MaxBytes {
		return nil
	}
	pipeline.HandleViolation(ctx, pctx, pipeline.Violation{
		Behavior: cfg.Behavior,
		Reason:   fmt.Sprintf("message size %d exceeds limit %d", pctx.Message.Size(), cfg.MaxBytes),
		Bounce:   s.deps.bounceFor(pctx, "message too large"),
	}, s.deps.Notifier, s.deps.Logger)
	return nil
}

// SubjectPresence substitutes the configured default when the subject
// is missing. This is a fallback, never a violation.
type SubjectPresence struct {
	mb *config.Mailbox
}

func NewSubjectPresence(mb *config.Mailbox) *SubjectPresence {
	return &SubjectPresence{mb: mb}
}

func (s *SubjectPresence) Name() string    { return "subject_presence" }
func (s *SubjectPresence) Precedence() int { return 10 }

func (s *SubjectPresence) Execute(_ context.Context, pctx *pipeline.Context) error {
	if strings.TrimSpace(pctx.Message.Subject) != "" {
		return nil
	}
	fallback := s.mb.Steps.Subject.Default
	if fallback == "" {
		fallback = "(no subject)"
	}
	pctx.Message.Subject = fallback
	return nil
}

// AttachmentTypeCheck rejects messages carrying an attachment whose
// MIME type is on the forbidden list.
type AttachmentTypeCheck struct {
	mb   *config.Mailbox
	deps Deps
}

func NewAttachmentTypeCheck(mb *config.Mailbox, deps Deps) *AttachmentTypeCheck {
	return &AttachmentTypeCheck{mb: mb, deps: deps}
}

func (s *AttachmentTypeCheck) Name() string    { return "attachment_type_check" }
func (s *AttachmentTypeCheck) Precedence() int { return 10 }

func (s *AttachmentTypeCheck) Execute(ctx context.Context, pctx *pipeline.Context) error {
	cfg := s.mb.Steps.AttachmentTypes
	if len(cfg.Forbidden) == 0 {
		return nil
	}
	for _, att := range pctx.Message.Attachments {
		if !containsFold(cfg.Forbidden, att.MIMEType) {
			continue
		}
		pipeline.HandleViolation(ctx, pctx, pipeline.Violation{
			Behavior: cfg.Behavior,
			Reason:   "forbidden attachment type " + att.MIMEType,
			Bounce:   s.deps.bounceFor(pctx, "forbidden attachment type"),
		}, s.deps.Notifier, s.deps.Logger)
		return nil
	}
	return nil
}

// AutoReplyCheck applies the configured behavior to auto-responder
// mail so vacation loops never open tickets.
type AutoReplyCheck struct {
	mb   *config.Mailbox
	deps Deps
}

func NewAutoReplyCheck(mb *config.Mailbox, deps Deps) *AutoReplyCheck {
	return &AutoReplyCheck{mb: mb, deps: deps}
}

func (s *AutoReplyCheck) Name() string    { return "auto_reply_check" }
func (s *AutoReplyCheck) Precedence() int { return 10 }

func (s *AutoReplyCheck) Execute(ctx context.Context, pctx *pipeline.Context) error {
	if !pctx.Message.AutoReply {
		return nil
	}
	pipeline.HandleViolation(ctx, pctx, pipeline.Violation{
		Behavior: s.mb.Steps.AutoReply.Behavior,
		Reason:   "auto-submitted message",
	}, s.deps.Notifier, s.deps.Logger)
	return nil
}

// SenderPatternCheck rejects senders matching a blocked pattern.
type SenderPatternCheck struct {
	mb   *config.Mailbox
	deps Deps
}

func NewSenderPatternCheck(mb *config.Mailbox, deps Deps) *SenderPatternCheck {
	return &SenderPatternCheck{mb: mb, deps: deps}
}

func (s *SenderPatternCheck) Name() string    { return "sender_pattern_check" }
func (s *SenderPatternCheck) Precedence() int { return 10 }

func (s *SenderPatternCheck) Execute(ctx context.Context, pctx *pipeline.Context) error {
	for _, pattern := range s.mb.Steps.Sender.BlockedPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			s.deps.Logger.WarnContext(ctx, "invalid sender pattern",
				slog.String("pattern", pattern), slog.Any("error", err))
			pctx.AddError(err)
			continue
		}
		if !re.MatchString(pctx.Message.From) {
			continue
		}
		pipeline.HandleViolation(ctx, pctx, pipeline.Violation{
			Behavior: s.mb.Steps.Sender.Behavior,
			Reason:   "sender matches blocked pattern " + pattern,
			Bounce:   s.deps.bounceFor(pctx, "sender not accepted"),
		}, s.deps.Notifier, s.deps.Logger)
		return nil
	}
	return nil
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}
