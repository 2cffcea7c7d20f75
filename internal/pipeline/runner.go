package pipeline

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
)

// Runner drives a message through the registered steps.
type Runner struct {
	registry *Registry
	logger   *slog.Logger
}

// NewRunner builds a runner over the registry.
func NewRunner(registry *Registry, logger *slog.Logger) *Runner {
	return &Runner{registry: registry, logger: logger}
}

// Run executes the steps in precedence order and returns the final
// directive. SkipForNow and AbortAllFurtherProcessing stop the run
// immediately; any other directive may be overwritten by a later step.
// A step error aborts the run for this message and is returned to the
// caller, which marks the replica and stops the source for this batch.
func (r *Runner) Run(ctx context.Context, pctx *Context) (Directive, error) {
	for _, step := range r.registry.Sorted() {
		if err := ctx.Err(); err != nil {
			return pctx.Directive(), err
		}

		pctx.Executed = append(pctx.Executed, step.Name())
		if err := step.Execute(ctx, pctx); err != nil {
			r.logger.ErrorContext(ctx, "step failed",
				slog.String("step", step.Name()),
				slog.Any("error", err))
			return pctx.Directive(), errors.Wrapf(err, "step %s", step.Name())
		}

		if d := pctx.Directive(); d.Terminates() {
			r.logger.DebugContext(ctx, "pipeline terminated",
				slog.String("step", step.Name()),
				slog.String("directive", d.String()))
			return d, nil
		}
	}
	return pctx.Directive(), nil
}
