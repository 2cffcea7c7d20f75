package pipeline

import (
	"context"
	"testing"

	"aaronromeo.com/mailclerk/pkg/testutil"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStep struct {
	name       string
	precedence int
	execute    func(pctx *Context) error
}

func (s *fakeStep) Name() string    { return s.name }
func (s *fakeStep) Precedence() int { return s.precedence }
func (s *fakeStep) Execute(_ context.Context, pctx *Context) error {
	if s.execute != nil {
		return s.execute(pctx)
	}
	return nil
}

func TestRunnerExecutesInPrecedenceOrder(t *testing.T) {
	registry := NewRegistry(
		&fakeStep{name: "late", precedence: 200},
		&fakeStep{name: "early", precedence: 0},
		&fakeStep{name: "middle", precedence: 10},
	)
	runner := NewRunner(registry, testutil.SetupLogger(t))

	pctx := &Context{}
	_, err := runner.Run(context.Background(), pctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "middle", "late"}, pctx.Executed)
}

func TestRunnerBreaksTiesByRegistrationOrder(t *testing.T) {
	registry := NewRegistry(
		&fakeStep{name: "first", precedence: 10},
		&fakeStep{name: "second", precedence: 10},
		&fakeStep{name: "third", precedence: 10},
	)
	runner := NewRunner(registry, testutil.SetupLogger(t))

	pctx := &Context{}
	_, err := runner.Run(context.Background(), pctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, pctx.Executed)
}

func TestRunnerLastWriteWins(t *testing.T) {
	registry := NewRegistry(
		&fakeStep{name: "a", precedence: 10, execute: func(pctx *Context) error {
			pctx.SetNextAction(MarkAsUndesired)
			return nil
		}},
		&fakeStep{name: "b", precedence: 200, execute: func(pctx *Context) error {
			pctx.SetNextAction(ProcessMessage)
			return nil
		}},
	)
	runner := NewRunner(registry, testutil.SetupLogger(t))

	pctx := &Context{}
	directive, err := runner.Run(context.Background(), pctx)
	require.NoError(t, err)
	assert.Equal(t, ProcessMessage, directive)
}

func TestRunnerSkipShortCircuits(t *testing.T) {
	registry := NewRegistry(
		&fakeStep{name: "a", precedence: 10, execute: func(pctx *Context) error {
			pctx.SetNextAction(SkipForNow)
			return nil
		}},
		&fakeStep{name: "b", precedence: 200, execute: func(pctx *Context) error {
			t.Fatal("step b must never execute after skip")
			return nil
		}},
	)
	runner := NewRunner(registry, testutil.SetupLogger(t))

	pctx := &Context{}
	directive, err := runner.Run(context.Background(), pctx)
	require.NoError(t, err)
	assert.Equal(t, SkipForNow, directive)
	assert.Equal(t, []string{"a"}, pctx.Executed)
}

func TestRunnerAbortShortCircuits(t *testing.T) {
	registry := NewRegistry(
		&fakeStep{name: "a", precedence: 10, execute: func(pctx *Context) error {
			pctx.SetNextAction(AbortAllFurtherProcessing)
			return nil
		}},
		&fakeStep{name: "b", precedence: 200},
	)
	runner := NewRunner(registry, testutil.SetupLogger(t))

	pctx := &Context{}
	directive, err := runner.Run(context.Background(), pctx)
	require.NoError(t, err)
	assert.Equal(t, AbortAllFurtherProcessing, directive)
	assert.Equal(t, []string{"a"}, pctx.Executed)
}

func TestRunnerStepErrorStopsRun(t *testing.T) {
	boom := errors.New("boom")
	registry := NewRegistry(
		&fakeStep{name: "a", precedence: 10, execute: func(pctx *Context) error {
			return boom
		}},
		&fakeStep{name: "b", precedence: 200},
	)
	runner := NewRunner(registry, testutil.SetupLogger(t))

	pctx := &Context{}
	_, err := runner.Run(context.Background(), pctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a"}, pctx.Executed)
}

func TestDirectiveDefaultsToNoAction(t *testing.T) {
	pctx := &Context{}
	assert.Equal(t, NoAction, pctx.Directive())
	assert.False(t, pctx.DirectiveSet())
}
