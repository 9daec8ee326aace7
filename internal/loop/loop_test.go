package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alphamine/internal/backtest"
	apperrors "alphamine/internal/errors"
	"alphamine/internal/factor"
	"alphamine/internal/knowledge"
	"alphamine/internal/panel"
	"alphamine/internal/sandbox"
	"alphamine/internal/session"
	"alphamine/internal/testutils"
	"alphamine/internal/types"
)

type countingGenerator struct {
	calls  atomic.Int32
	delay  time.Duration
	err    error
	mu     sync.Mutex
	traces []Trace
}

func (g *countingGenerator) Propose(_ context.Context, trace Trace) (types.Hypothesis, error) {
	n := g.calls.Add(1)
	g.mu.Lock()
	g.traces = append(g.traces, trace)
	g.mu.Unlock()
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if g.err != nil {
		return types.Hypothesis{}, g.err
	}
	return types.Hypothesis{
		Theme:        "short-term momentum",
		Rationale:    "recent winners keep winning",
		Fields:       []string{"close"},
		Observations: strings.Repeat("x", int(n)),
	}, nil
}

// scriptConstructor returns batches[i] on the i-th call and the last batch after
type scriptConstructor struct {
	calls   atomic.Int32
	batches [][]string
}

func (c *scriptConstructor) Construct(context.Context, types.Hypothesis, Trace) ([]types.FactorTask, error) {
	i := int(c.calls.Add(1)) - 1
	if i >= len(c.batches) {
		i = len(c.batches) - 1
	}
	tasks := make([]types.FactorTask, len(c.batches[i]))
	for j, expr := range c.batches[i] {
		name, text, _ := strings.Cut(expr, "=")
		tasks[j] = types.FactorTask{Name: strings.TrimSpace(name), Expression: strings.TrimSpace(text)}
	}
	return tasks, nil
}

// fakeRunner scores factors by expression; unknown expressions get a weak IC
type fakeRunner struct {
	ic  map[string]float64
	err map[string]error
}

func (r *fakeRunner) Run(_ context.Context, values *panel.Matrix) (backtest.Metrics, error) {
	// the runner only sees values; the tests key on the valid cell count
	key := keyOf(values.Valid())
	if err, ok := r.err[key]; ok {
		return backtest.Metrics{}, err
	}
	ic := 0.001
	if v, ok := r.ic[key]; ok {
		ic = v
	}
	return backtest.Metrics{IC: ic, RankIC: ic, InformationRatio: ic * 10, Periods: 10}, nil
}

func keyOf(valid int) string {
	return fmt.Sprintf("valid=%d", valid)
}

type harness struct {
	provider    *panel.MemoryProvider
	kb          *knowledge.KnowledgeBase
	checkpoints *session.Manager
	executor    TaskExecutor
	runner      *fakeRunner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	testutils.NewTestSuite(t, nil)
	csv := testutils.NewMockData(7).PanelCSV(testutils.Symbols(6), 30, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	p, err := panel.LoadCSV(strings.NewReader(csv))
	require.NoError(t, err)
	return &harness{
		provider:    p,
		kb:          knowledge.New(nil),
		checkpoints: session.NewManager(session.NewFileStore(t.TempDir())),
		executor:    sandbox.NewExecutor(sandbox.Config{MaxRounds: 2, Workers: 2, AttemptTimeout: 5 * time.Second}, p),
		runner:      &fakeRunner{ic: map[string]float64{}, err: map[string]error{}},
	}
}

// validCells counts the non-missing values expr produces on the harness panel
func (h *harness) validCells(t *testing.T, expr string) string {
	t.Helper()
	results := h.executor.Run(context.Background(), []types.FactorTask{{Name: "probe", Expression: expr}}, panel.Query{})
	require.Equal(t, sandbox.StateVerified, results[0].State)
	return keyOf(results[0].Values.Valid())
}

func (h *harness) controller(t *testing.T, gen HypothesisGenerator, ctor FactorConstructor, opts Options) *Controller {
	t.Helper()
	c, err := NewController(Deps{
		Generator:   gen,
		Constructor: ctor,
		Executor:    h.executor,
		Runner:      h.runner,
		Knowledge:   h.kb,
		Checkpoints: h.checkpoints,
	}, opts)
	require.NoError(t, err)
	return c
}

func defaultOptions() Options {
	opts := Options{MaxIterations: 2, Direction: "momentum"}
	opts.Admission.MinNovelty = 0.1
	opts.Acceptance = AcceptancePolicy{MinIC: 0.02, MinRankIC: 0.02}
	return opts
}

func TestRunCheckpointsEveryStep(t *testing.T) {
	h := newHarness(t)
	h.runner.ic[h.validCells(t, "Mean($close, 5)")] = 0.05

	gen := &countingGenerator{}
	ctor := &scriptConstructor{batches: [][]string{
		{"ma5 = Mean($close, 5)", "delta = Delta($close, 3)"},
		{"vol = Std($return, 10)"},
	}}
	c := h.controller(t, gen, ctor, defaultOptions())

	require.NoError(t, c.Run(context.Background(), "s1"))
	assert.Equal(t, StateStopped, c.State())

	cps, err := h.checkpoints.Store().List(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, cps, 10)
	for i, cp := range cps {
		assert.Equal(t, i/5, cp.Iteration)
		assert.Equal(t, i%5, cp.Step)
		assert.Equal(t, Step(i%5).String(), cp.StepName)
	}
	assert.Equal(t, string(StateFeedingBack), cps[9].State)

	trace := c.Trace()
	require.Len(t, trace.History, 2)
	assert.Equal(t, []string{"ma5"}, trace.History[0].Accepted)
	assert.True(t, trace.History[0].Decision)
	assert.False(t, trace.History[1].Decision, "weak IC is not accepted")
	assert.Equal(t, 1, h.kb.Len())

	_, ok := h.kb.Get(knowledge.EntryID("s1", 0, "ma5"))
	assert.True(t, ok)

	// the second proposal sees the first iteration's feedback
	require.Len(t, gen.traces, 2)
	assert.Equal(t, "momentum", gen.traces[0].Direction)
	assert.Empty(t, gen.traces[0].History)
	require.Len(t, gen.traces[1].History, 1)
	assert.Equal(t, []string{"ma5"}, gen.traces[1].History[0].Accepted)
}

func TestEmptyFactorBatchSkipsIteration(t *testing.T) {
	h := newHarness(t)
	gen := &countingGenerator{}
	ctor := &scriptConstructor{batches: [][]string{
		{"bad = Mean($close", "unknown = Foo($close)", "field = $sentiment"},
		{"ok = Mean($close, 5)"},
	}}
	c := h.controller(t, gen, ctor, defaultOptions())

	require.NoError(t, c.Run(context.Background(), "s1"))

	trace := c.Trace()
	require.Len(t, trace.History, 2)
	first := trace.History[0]
	assert.True(t, first.Skipped)
	codes := make([]string, 0, len(first.Failures))
	for _, f := range first.Failures {
		codes = append(codes, f.Code)
	}
	assert.Equal(t, []string{
		string(apperrors.ErrCodeSyntax),
		string(apperrors.ErrCodeUnknownSymbol),
		string(apperrors.ErrCodeUnknownSymbol),
		string(apperrors.ErrCodeEmptyFactorBatch),
	}, codes)

	assert.False(t, trace.History[1].Skipped)
	assert.Equal(t, int32(2), gen.calls.Load(), "loop continues after a skipped iteration")
}

func TestConstructRejectsDuplicatesAndKnownFactors(t *testing.T) {
	h := newHarness(t)
	tree, err := factor.ParseAndValidate("Mean($close, 5)")
	require.NoError(t, err)
	_, err = h.kb.Add(context.Background(), knowledge.Entry{Name: "prior", Tree: tree, SessionID: "old"})
	require.NoError(t, err)

	ctor := &scriptConstructor{batches: [][]string{
		{"a = Mean($close, 5)", "b = Delta($close, 2)", "B = Delta($close, 4)"},
	}}
	opts := defaultOptions()
	opts.MaxIterations = 1
	c := h.controller(t, &countingGenerator{}, ctor, opts)
	require.NoError(t, c.Run(context.Background(), "s1"))

	fb, ok := c.Trace().Last()
	require.True(t, ok)
	require.Len(t, fb.Failures, 2)
	assert.Equal(t, "a", fb.Failures[0].Task)
	assert.Equal(t, string(apperrors.ErrCodeNoveltyRejected), fb.Failures[0].Code)
	assert.Equal(t, "B", fb.Failures[1].Task)
	assert.Equal(t, string(apperrors.ErrCodeDuplicateTask), fb.Failures[1].Code)
	require.Len(t, fb.Evaluations, 1)
	assert.Equal(t, "b", fb.Evaluations[0].Task)
}

func TestResumeContinuesWithNextStep(t *testing.T) {
	batches := [][]string{{"ma5 = Mean($close, 5)", "delta = Delta($close, 3)"}}

	// uninterrupted reference session
	ref := newHarness(t)
	ref.runner.ic[ref.validCells(t, "Mean($close, 5)")] = 0.05
	opts := defaultOptions()
	opts.MaxIterations = 1
	refCtl := ref.controller(t, &countingGenerator{}, &scriptConstructor{batches: batches}, opts)
	require.NoError(t, refCtl.Run(context.Background(), "s1"))

	// same session stopped after execute, then resumed by a fresh controller
	h := newHarness(t)
	h.runner.ic[h.validCells(t, "Mean($close, 5)")] = 0.05
	interrupted := opts
	interrupted.MaxSteps = 3
	gen1, ctor1 := &countingGenerator{}, &scriptConstructor{batches: batches}
	require.NoError(t, h.controller(t, gen1, ctor1, interrupted).Run(context.Background(), "s1"))

	latest, err := h.checkpoints.Store().Latest(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int(StepExecute), latest.Step)

	gen2, ctor2 := &countingGenerator{}, &scriptConstructor{batches: batches}
	resumed := h.controller(t, gen2, ctor2, opts)
	require.NoError(t, resumed.Resume(context.Background(), "s1"))

	assert.Equal(t, int32(1), gen1.calls.Load())
	assert.Equal(t, int32(0), gen2.calls.Load(), "no step is replayed")
	assert.Equal(t, int32(0), ctor2.calls.Load())

	if diff := cmp.Diff(refCtl.Trace(), resumed.Trace()); diff != "" {
		t.Errorf("resumed trace differs (-want +got):\n%s", diff)
	}
	assert.Equal(t, ref.kb.Len(), h.kb.Len())

	cps, err := h.checkpoints.Store().List(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, cps, 5)
}

func TestResumeReplaysFeedbackAfterPartialKnowledgeWrite(t *testing.T) {
	batches := [][]string{{"ma5 = Mean($close, 5)", "ma10 = Mean($close, 10)", "delta = Delta($close, 3)"}}
	opts := defaultOptions()
	opts.MaxIterations = 1

	ref := newHarness(t)
	ref.runner.ic[ref.validCells(t, "Mean($close, 5)")] = 0.05
	ref.runner.ic[ref.validCells(t, "Mean($close, 10)")] = 0.04
	refCtl := ref.controller(t, &countingGenerator{}, &scriptConstructor{batches: batches}, opts)
	require.NoError(t, refCtl.Run(context.Background(), "s1"))
	fb, ok := refCtl.Trace().Last()
	require.True(t, ok)
	require.Equal(t, []string{"ma5", "ma10"}, fb.Accepted)

	// stop after evaluate, then leave ma5 in the knowledge base as a crash
	// between its write and the feedback checkpoint would
	h := newHarness(t)
	h.runner.ic[h.validCells(t, "Mean($close, 5)")] = 0.05
	h.runner.ic[h.validCells(t, "Mean($close, 10)")] = 0.04
	interrupted := opts
	interrupted.MaxSteps = 4
	require.NoError(t, h.controller(t, &countingGenerator{}, &scriptConstructor{batches: batches}, interrupted).
		Run(context.Background(), "s1"))

	latest, err := h.checkpoints.Store().Latest(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, int(StepEvaluate), latest.Step)

	tree, err := factor.ParseAndValidate("Mean($close, 5)")
	require.NoError(t, err)
	added, err := h.kb.Add(context.Background(), knowledge.Entry{
		ID:        knowledge.EntryID("s1", 0, "ma5"),
		Name:      "ma5",
		Tree:      tree,
		SessionID: "s1",
	})
	require.NoError(t, err)
	require.True(t, added)

	resumed := h.controller(t, &countingGenerator{}, &scriptConstructor{batches: batches}, opts)
	require.NoError(t, resumed.Resume(context.Background(), "s1"))

	if diff := cmp.Diff(refCtl.Trace(), resumed.Trace()); diff != "" {
		t.Errorf("replayed feedback differs (-want +got):\n%s", diff)
	}
	assert.Equal(t, 2, h.kb.Len())
}

func TestIterationRecordsDispatchedTaskNames(t *testing.T) {
	h := newHarness(t)
	opts := defaultOptions()
	opts.MaxIterations = 1
	opts.MaxSteps = 2
	c := h.controller(t, &countingGenerator{}, &scriptConstructor{batches: [][]string{{"= Mean($close, 5)", "x = Delta($close, 2)"}}}, opts)
	require.NoError(t, c.Run(context.Background(), "s1"))

	c.mu.Lock()
	tasks := c.iteration.Tasks
	c.mu.Unlock()
	require.Len(t, tasks, 2)
	assert.Equal(t, "factor_1", tasks[0].Name)
	assert.NotNil(t, tasks[0].Tree)
	assert.Equal(t, "x", tasks[1].Name)
}

func TestResumeUnknownSession(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t, &countingGenerator{}, &scriptConstructor{batches: [][]string{{"a = $close"}}}, defaultOptions())
	err := c.Resume(context.Background(), "missing")
	assert.True(t, errors.Is(err, apperrors.ErrCheckpointNotFound))
}

type cancellingExecutor struct {
	inner  TaskExecutor
	cancel context.CancelFunc
}

func (e *cancellingExecutor) Run(ctx context.Context, tasks []types.FactorTask, q panel.Query) []sandbox.Result {
	e.cancel()
	return e.inner.Run(ctx, tasks, q)
}

func TestCancelDuringExecuteStopsAtNextBoundary(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.executor = &cancellingExecutor{inner: h.executor, cancel: cancel}

	gen := &countingGenerator{}
	c := h.controller(t, gen, &scriptConstructor{batches: [][]string{{"ma5 = Mean($close, 5)"}}}, defaultOptions())

	require.NoError(t, c.Run(ctx, "s1"))
	assert.Equal(t, StateStopped, c.State())

	latest, err := h.checkpoints.Store().Latest(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, latest.Iteration)
	assert.Equal(t, int(StepExecute), latest.Step, "execute completes and is checkpointed")
	assert.Equal(t, int32(1), gen.calls.Load())
}

// splitExecutor runs the first `finish` tasks to completion, then cancels
// ctx before handing the rest to the sandbox
type splitExecutor struct {
	inner  TaskExecutor
	finish int
	cancel context.CancelFunc
	ran    [][]string
}

func (e *splitExecutor) Run(ctx context.Context, tasks []types.FactorTask, q panel.Query) []sandbox.Result {
	names := make([]string, len(tasks))
	for i, task := range tasks {
		names[i] = task.Name
	}
	e.ran = append(e.ran, names)
	if e.cancel == nil {
		return e.inner.Run(ctx, tasks, q)
	}
	head := e.inner.Run(context.WithoutCancel(ctx), tasks[:e.finish], q)
	e.cancel()
	return append(head, e.inner.Run(ctx, tasks[e.finish:], q)...)
}

func TestResumeRerunsCancelledTasks(t *testing.T) {
	batches := [][]string{{"ma5 = Mean($close, 5)", "delta = Delta($close, 3)"}}
	opts := defaultOptions()
	opts.MaxIterations = 1

	ref := newHarness(t)
	ref.runner.ic[ref.validCells(t, "Mean($close, 5)")] = 0.05
	refCtl := ref.controller(t, &countingGenerator{}, &scriptConstructor{batches: batches}, opts)
	require.NoError(t, refCtl.Run(context.Background(), "s1"))

	h := newHarness(t)
	h.runner.ic[h.validCells(t, "Mean($close, 5)")] = 0.05
	inner := h.executor
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.executor = &splitExecutor{inner: inner, finish: 1, cancel: cancel}
	first := h.controller(t, &countingGenerator{}, &scriptConstructor{batches: batches}, opts)
	require.NoError(t, first.Run(ctx, "s1"))

	require.Len(t, first.iteration.Results, 2)
	assert.Equal(t, sandbox.StateVerified, first.iteration.Results[0].State)
	assert.Equal(t, sandbox.StateCancelled, first.iteration.Results[1].State)
	assert.Empty(t, first.iteration.Failures, "a cancelled task is not a failure")

	latest, err := h.checkpoints.Store().Latest(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int(StepExecute), latest.Step)

	rerun := &splitExecutor{inner: inner}
	h.executor = rerun
	resumed := h.controller(t, &countingGenerator{}, &scriptConstructor{batches: batches}, opts)
	require.NoError(t, resumed.Resume(context.Background(), "s1"))

	assert.Equal(t, [][]string{{"delta"}}, rerun.ran, "only the cancelled task runs again")
	if diff := cmp.Diff(refCtl.Trace(), resumed.Trace()); diff != "" {
		t.Errorf("resumed trace differs (-want +got):\n%s", diff)
	}
	assert.Equal(t, ref.kb.Len(), h.kb.Len())
}

func TestSessionTimeout(t *testing.T) {
	h := newHarness(t)
	gen := &countingGenerator{delay: 30 * time.Millisecond}
	opts := defaultOptions()
	opts.SessionTimeout = 10 * time.Millisecond
	c := h.controller(t, gen, &scriptConstructor{batches: [][]string{{"a = $close"}}}, opts)

	err := c.Run(context.Background(), "s1")
	assert.True(t, errors.Is(err, apperrors.ErrSessionTimeout))
	assert.Equal(t, StateStopped, c.State())

	latest, err := h.checkpoints.Store().Latest(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int(StepPropose), latest.Step, "in-flight step finishes and is checkpointed")
}

func TestMaxStepsWithUnlimitedIterations(t *testing.T) {
	h := newHarness(t)
	opts := defaultOptions()
	opts.MaxIterations = 0
	opts.MaxSteps = 7
	c := h.controller(t, &countingGenerator{}, &scriptConstructor{batches: [][]string{{"a = Delta($close, 1)"}}}, opts)

	require.NoError(t, c.Run(context.Background(), "s1"))
	latest, err := h.checkpoints.Store().Latest(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Iteration)
	assert.Equal(t, int(StepConstruct), latest.Step)
}

func TestGeneratorErrors(t *testing.T) {
	h := newHarness(t)
	transient := &countingGenerator{err: apperrors.NewAppError(apperrors.ErrCodeLLMTransient, "rate limited", nil)}
	c := h.controller(t, transient, &scriptConstructor{batches: [][]string{{"a = $close"}}}, defaultOptions())
	require.NoError(t, c.Run(context.Background(), "s1"))
	trace := c.Trace()
	require.Len(t, trace.History, 2)
	assert.True(t, trace.History[0].Skipped)
	assert.Equal(t, string(apperrors.ErrCodeLLMTransient), trace.History[0].Failures[0].Code)

	fatal := &countingGenerator{err: apperrors.NewAppError(apperrors.ErrCodeLLMFatal, "invalid api key", nil)}
	c = h.controller(t, fatal, &scriptConstructor{batches: [][]string{{"a = $close"}}}, defaultOptions())
	err := c.Run(context.Background(), "s2")
	assert.True(t, errors.Is(err, apperrors.ErrLLMFatal))
	assert.Equal(t, int32(1), fatal.calls.Load())
}

func TestBacktestFailureIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.runner.err[h.validCells(t, "Delta($close, 1)")] = apperrors.NewAppError(apperrors.ErrCodeBacktestFailed, "no periods", nil)
	opts := defaultOptions()
	opts.MaxIterations = 1
	c := h.controller(t, &countingGenerator{}, &scriptConstructor{batches: [][]string{{"d = Delta($close, 1)"}}}, opts)

	require.NoError(t, c.Run(context.Background(), "s1"))
	fb, _ := c.Trace().Last()
	require.Len(t, fb.Failures, 1)
	assert.Equal(t, "evaluate", fb.Failures[0].Step)
	assert.Equal(t, string(apperrors.ErrCodeBacktestFailed), fb.Failures[0].Code)
}

func TestBacktestMode(t *testing.T) {
	h := newHarness(t)
	h.runner.ic[h.validCells(t, "Mean($close, 5)")] = 0.05
	tasks := []types.FactorTask{
		{Name: "ma5", Expression: "Mean($close, 5)"},
		{Name: "ma5_copy", Expression: "Mean($close, 5)"},
	}
	deps := BacktestDeps(Deps{
		Executor:    h.executor,
		Runner:      h.runner,
		Knowledge:   h.kb,
		Checkpoints: h.checkpoints,
	}, types.Hypothesis{Theme: "batch"}, tasks)
	opts := defaultOptions()
	opts.MaxIterations = 5
	c, err := NewController(deps, BacktestOptions(opts))
	require.NoError(t, err)

	require.NoError(t, c.Run(context.Background(), "batch"))
	trace := c.Trace()
	require.Len(t, trace.History, 1)
	assert.Len(t, trace.History[0].Evaluations, 2, "batch factors skip the novelty filter")
	assert.Equal(t, []string{"ma5", "ma5_copy"}, trace.History[0].Accepted)
}

func TestAcceptancePolicy(t *testing.T) {
	p := AcceptancePolicy{MinIC: 0.02, MinRankIC: 0.01, MinIR: 0.5, MaxDrawdown: 0.3}
	tests := []struct {
		name string
		m    backtest.Metrics
		ok   bool
	}{
		{"passes", backtest.Metrics{IC: 0.03, RankIC: 0.02, InformationRatio: 1, MaxDrawdown: 0.1}, true},
		{"low ic", backtest.Metrics{IC: 0.01, RankIC: 0.02, InformationRatio: 1}, false},
		{"low rank ic", backtest.Metrics{IC: 0.03, RankIC: 0, InformationRatio: 1}, false},
		{"low ir", backtest.Metrics{IC: 0.03, RankIC: 0.02, InformationRatio: 0.1}, false},
		{"deep drawdown", backtest.Metrics{IC: 0.03, RankIC: 0.02, InformationRatio: 1, MaxDrawdown: 0.5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := p.Accept(tt.m)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.ok, reason == "")
		})
	}

	ok, _ := AcceptancePolicy{}.Accept(backtest.Metrics{MaxDrawdown: 0.9})
	assert.True(t, ok, "zero drawdown limit disables the check")
}

func TestNewControllerRequiresCollaborators(t *testing.T) {
	_, err := NewController(Deps{}, Options{})
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.CodeOf(err))
}
