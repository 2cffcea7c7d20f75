package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"aaronromeo.com/mailclerk/pkg/base"
)

// Behavior names configurable per step under <prefix>_behavior.
const (
	BehaviorBounceDelete        = "bounce_delete"
	BehaviorBounceMarkUndesired = "bounce_mark_as_undesired"
	BehaviorMarkUndesired       = "mark_as_undesired"
	BehaviorDelete              = "delete"
	BehaviorMarkError           = "mark_as_error"
	BehaviorMove                = "move"
	BehaviorDoNothing           = "do_nothing"
)

// Violation describes a policy breach a step detected.
type Violation struct {
	Behavior string
	Reason   string
	// Bounce carries the notification to send for bounce_* behaviors.
	Bounce base.Notification
}

// HandleViolation applies the configured behavior: for bounce_*
// behaviors it first sends the notification, then it maps the behavior
// to a directive on the context. An unrecognized behavior declines to
// act so a misconfigured step never blocks the pipeline. A failed
// bounce is logged and the directive still applies.
func HandleViolation(ctx context.Context, pctx *Context, v Violation, notifier base.NotificationSender, logger *slog.Logger) {
	behavior := strings.TrimSpace(v.Behavior)

	if behavior == BehaviorBounceDelete || behavior == BehaviorBounceMarkUndesired {
		if notifier == nil {
			logger.WarnContext(ctx, "bounce requested but no notifier configured",
				slog.String("reason", v.Reason))
		} else if err := notifier.Send(ctx, v.Bounce); err != nil {
			logger.ErrorContext(ctx, "bounce send failed",
				slog.String("reason", v.Reason),
				slog.Any("error", err))
			pctx.AddError(err)
		}
	}

	switch behavior {
	case BehaviorBounceDelete, BehaviorDelete:
		pctx.SetNextAction(DeleteMessage)
	case BehaviorBounceMarkUndesired, BehaviorMarkUndesired:
		pctx.SetNextAction(MarkAsUndesired)
	case BehaviorMarkError:
		pctx.SetNextAction(MarkAsError)
	case BehaviorMove:
		pctx.SetNextAction(MoveMessage)
	case BehaviorDoNothing:
		// No directive: processing continues and the ticket steps still
		// run, same as an unrecognized behavior.
	default:
		logger.WarnContext(ctx, "unrecognized violation behavior, taking no action",
			slog.String("behavior", behavior),
			slog.String("reason", v.Reason))
	}

	logger.InfoContext(ctx, "policy violation handled",
		slog.String("behavior", behavior),
		slog.String("reason", v.Reason),
		slog.String("directive", pctx.Directive().String()))
}
