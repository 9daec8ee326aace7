// Package sandbox turns factor tasks into verified factor values through
// bounded generate, execute and critique rounds.
package sandbox

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "alphamine/internal/errors"
	"alphamine/internal/factor"
	"alphamine/internal/factor/compile"
	"alphamine/internal/factor/registry"
	"alphamine/internal/logger"
	"alphamine/internal/monitoring"
	"alphamine/internal/panel"
	"alphamine/internal/types"
)

// Request asks a synthesizer to rewrite a failing factor
type Request struct {
	Task               types.FactorTask
	Round              int
	PreviousExpression string
	Error              string
	History            []AttemptRecord
}

// Synthesizer rewrites a factor expression given the error of the previous
// attempt
type Synthesizer interface {
	Rewrite(ctx context.Context, req Request) (string, error)
}

// Config 沙箱配置
type Config struct {
	MaxRounds      int
	Workers        int
	AttemptTimeout time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		MaxRounds:      3,
		Workers:        4,
		AttemptTimeout: 30 * time.Second,
	}
}

// Result is the archived workspace of a task in a terminal state
type Result struct {
	Task       types.FactorTask `json:"task"`
	State      State            `json:"state"`
	Rounds     int              `json:"rounds"`
	Expression string           `json:"expression"` // 最后一次尝试的表达式
	Tree       *factor.Node     `json:"tree,omitempty"`
	Values     *panel.Matrix    `json:"values,omitempty"`
	Error      string           `json:"error,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
	History    []AttemptRecord  `json:"history,omitempty"`
}

// Executor runs factor tasks against a panel provider
type Executor struct {
	config      Config
	provider    panel.Provider
	synthesizer Synthesizer
	parser      *factor.Parser
	metrics     *monitoring.Metrics
	log         logger.Logger
	audit       *logger.AuditLogger
}

// Option configures an Executor
type Option func(*Executor)

// WithSynthesizer enables rewriting failed attempts
func WithSynthesizer(s Synthesizer) Option {
	return func(e *Executor) { e.synthesizer = s }
}

// WithRegistry replaces the builtin function registry
func WithRegistry(reg *registry.Registry) Option {
	return func(e *Executor) { e.parser = factor.NewParser(reg) }
}

// WithMetrics records attempts and task outcomes
func WithMetrics(m *monitoring.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor creates a new sandbox executor
func NewExecutor(config Config, provider panel.Provider, opts ...Option) *Executor {
	def := DefaultConfig()
	if config.MaxRounds <= 0 {
		config.MaxRounds = def.MaxRounds
	}
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = def.AttemptTimeout
	}
	log := logger.GetGlobalLogger().WithField("component", "sandbox")
	e := &Executor{
		config:   config,
		provider: provider,
		parser:   factor.NewParser(nil),
		log:      log,
		audit:    logger.NewAuditLogger(log),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes tasks concurrently and returns once every task is terminal.
// Results are in task order. Cancelling ctx stops tasks at their next round
// boundary; running executions finish or time out on their own.
func (e *Executor) Run(ctx context.Context, tasks []types.FactorTask, q panel.Query) []Result {
	results := make([]Result, len(tasks))

	var g errgroup.Group
	g.SetLimit(e.config.Workers)
	for i, task := range tasks {
		g.Go(func() error {
			results[i] = e.RunTask(ctx, task, q)
			return nil
		})
	}
	_ = g.Wait() // failures are captured per task

	return results
}

// RunTask drives one task to Verified or Exhausted, or to Cancelled when ctx
// ends before the round budget is spent
func (e *Executor) RunTask(ctx context.Context, task types.FactorTask, q panel.Query) Result {
	ws := newWorkspace(task, e.audit)
	var values *panel.Matrix

	for {
		// 轮次边界检查取消
		if err := ctx.Err(); err != nil {
			ws.LastError = apperrors.NewAppError(apperrors.ErrCodeCancellationRequested, "cancellation requested", err)
			ws.transition(StateCancelled, map[string]interface{}{"outcome": "cancelled"})
			break
		}

		ws.Round++
		start := time.Now()
		attempt, err := e.generate(ctx, ws)
		if err == nil || attempt.Expression != "" {
			ws.Attempt = attempt
		}
		ws.transition(StateExecuting, map[string]interface{}{"expression": ws.Attempt.Expression})

		if err == nil {
			values, err = e.execute(ctx, attempt.Program, q)
		}
		elapsed := time.Since(start)

		if err == nil {
			ws.LastError = nil
			ws.record(StateVerified, nil, elapsed)
			e.metrics.RecordAttempt("verified", elapsed)
			ws.transition(StateVerified, map[string]interface{}{"outcome": "verified", "duration_ms": elapsed.Milliseconds()})
			break
		}

		ws.LastError = err
		ws.record(StateFailed, err, elapsed)
		e.metrics.RecordAttempt(string(apperrors.CodeOf(err)), elapsed)
		ws.transition(StateFailed, map[string]interface{}{"outcome": "failed", "error": err.Error()})

		if ws.Round >= e.config.MaxRounds {
			ws.transition(StateExhausted, map[string]interface{}{"outcome": "exhausted"})
			break
		}
	}

	e.metrics.RecordTask(string(ws.State))
	return archive(ws, values)
}

func archive(ws *Workspace, values *panel.Matrix) Result {
	r := Result{
		Task:       ws.Task,
		State:      ws.State,
		Rounds:     ws.Round,
		Expression: ws.Attempt.Expression,
		Tree:       ws.Tree,
		History:    ws.History,
	}
	if ws.State == StateVerified {
		r.Values = values
	}
	if ws.LastError != nil {
		r.Error = ws.LastError.Error()
		r.ErrorCode = string(apperrors.CodeOf(ws.LastError))
	}
	return r
}

// generate compiles the task tree in round one. Later rounds ask the
// synthesizer for a rewrite of the previous attempt, or recompile the same
// tree when there is none.
func (e *Executor) generate(ctx context.Context, ws *Workspace) (Attempt, error) {
	tree := ws.Tree
	if ws.Round > 1 && e.synthesizer != nil {
		prev := ws.Attempt.Expression
		if prev == "" {
			prev = ws.Task.Expression
		}
		text, err := e.synthesizer.Rewrite(context.WithoutCancel(ctx), Request{
			Task:               ws.Task,
			Round:              ws.Round,
			PreviousExpression: prev,
			Error:              errorText(ws.LastError),
			History:            slices.Clone(ws.History),
		})
		if err != nil {
			return Attempt{}, generationError("synthesizer failed", err)
		}
		tree, err = e.parser.ParseAndValidate(text)
		if err != nil {
			return Attempt{Expression: text}, err
		}
		ws.Tree = tree
	}
	if tree == nil {
		parsed, err := e.parser.ParseAndValidate(ws.Task.Expression)
		if err != nil {
			return Attempt{Expression: ws.Task.Expression}, err
		}
		tree = parsed
		ws.Tree = tree
	}

	prog, err := compile.Compile(tree, e.parser.Registry())
	if err != nil {
		return Attempt{Expression: tree.String()}, err
	}
	return Attempt{Expression: prog.Expression(), Program: prog}, nil
}

type outcome struct {
	values *panel.Matrix
	err    error
}

// execute runs prog in its own goroutine under the attempt timeout. The
// parent's cancellation does not reach the execution.
func (e *Executor) execute(ctx context.Context, prog *compile.Program, q panel.Query) (*panel.Matrix, error) {
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.AttemptTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("Factor execution panicked", "expression", prog.Expression(), "panic", r, "stack", string(debug.Stack()))
				done <- outcome{err: executionError(fmt.Sprintf("panic: %v", r), nil)}
			}
		}()
		values, err := prog.Run(execCtx, e.provider, q)
		done <- outcome{values: values, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if execCtx.Err() != nil {
				return nil, timeoutError(e.config.AttemptTimeout)
			}
			if apperrors.IsAppError(out.err) {
				return nil, out.err
			}
			return nil, executionError("", out.err)
		}
		if err := checkOutput(out.values, q); err != nil {
			return nil, err
		}
		return out.values, nil
	case <-execCtx.Done():
		return nil, timeoutError(e.config.AttemptTimeout)
	}
}

// checkOutput verifies the values cover the requested index and are not all
// missing
func checkOutput(values *panel.Matrix, q panel.Query) error {
	if values == nil {
		return executionError("program returned no values", nil)
	}
	if len(q.Symbols) > 0 && !slices.Equal(values.Symbols, q.Symbols) {
		return executionError("output is not aligned with the requested symbols", nil)
	}
	if values.AllMissing() {
		return executionError("output is entirely missing", nil)
	}
	return nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func executionError(details string, cause error) error {
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeExecution, "factor execution failed", details, cause)
}

func generationError(details string, cause error) error {
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeGeneration, "factor generation failed", details, cause)
}

func timeoutError(limit time.Duration) error {
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeAttemptTimeout, "factor execution timed out",
		fmt.Sprintf("exceeded %s", limit), nil)
}
