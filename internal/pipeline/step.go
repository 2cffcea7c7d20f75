package pipeline

import (
	"context"
	"sort"
)

// Step is one ordered unit of pipeline logic. Implementations are
// stateless across messages; per-batch configuration is captured at
// construction time.
type Step interface {
	Name() string
	// Precedence is the ascending sort key; lower runs first.
	Precedence() int
	Execute(ctx context.Context, pctx *Context) error
}

// Registry holds the active steps. Steps with equal precedence run in
// registration order; the sort is stable so the order is
// deterministic across runs.
type Registry struct {
	steps []Step
}

// NewRegistry builds a registry from the given steps.
func NewRegistry(steps ...Step) *Registry {
	r := &Registry{}
	for _, s := range steps {
		r.Register(s)
	}
	return r
}

// Register appends a step.
func (r *Registry) Register(s Step) {
	r.steps = append(r.steps, s)
}

// Sorted returns the steps ordered by ascending precedence,
// registration order breaking ties.
func (r *Registry) Sorted() []Step {
	out := make([]Step, len(r.steps))
	copy(out, r.steps)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Precedence() < out[j].Precedence()
	})
	return out
}
