// Package loop drives a factor-mining session: propose a hypothesis,
// construct factor tasks, execute them in the sandbox, evaluate the verified
// ones and feed the outcome back, checkpointing after every step.
package loop

import (
	"context"
	"fmt"
	"time"

	"alphamine/internal/backtest"
	"alphamine/internal/factor/regularizer"
	"alphamine/internal/panel"
	"alphamine/internal/sandbox"
	"alphamine/internal/types"
)

// State 会话状态
type State string

const (
	StateIdle         State = "Idle"
	StateProposing    State = "Proposing"
	StateConstructing State = "Constructing"
	StateExecuting    State = "Executing"
	StateEvaluating   State = "Evaluating"
	StateFeedingBack  State = "FeedingBack"
	StateStopped      State = "Stopped"
	StateTimedOut     State = "TimedOut"
)

// Step indexes the five steps of an iteration
type Step int

const (
	StepPropose Step = iota
	StepConstruct
	StepExecute
	StepEvaluate
	StepFeedback
	numSteps
)

var stepNames = [numSteps]string{"propose", "construct", "execute", "evaluate", "feedback"}

var stepStates = [numSteps]State{StateProposing, StateConstructing, StateExecuting, StateEvaluating, StateFeedingBack}

func (s Step) String() string {
	if s < 0 || s >= numSteps {
		return fmt.Sprintf("step(%d)", int(s))
	}
	return stepNames[s]
}

// State returns the session state while s runs
func (s Step) State() State {
	return stepStates[s]
}

// HypothesisGenerator proposes the next hypothesis from the session trace
type HypothesisGenerator interface {
	Propose(ctx context.Context, trace Trace) (types.Hypothesis, error)
}

// FactorConstructor turns a hypothesis into factor tasks
type FactorConstructor interface {
	Construct(ctx context.Context, h types.Hypothesis, trace Trace) ([]types.FactorTask, error)
}

// BacktestRunner scores verified factor values
type BacktestRunner interface {
	Run(ctx context.Context, values *panel.Matrix) (backtest.Metrics, error)
}

// TaskExecutor runs factor tasks to a terminal state. ctx cancellation is
// honoured only between rounds.
type TaskExecutor interface {
	Run(ctx context.Context, tasks []types.FactorTask, q panel.Query) []sandbox.Result
}

// Failure is a terminal task-local failure reported back to the generator
type Failure struct {
	Task       string `json:"task,omitempty"`
	Expression string `json:"expression,omitempty"`
	Step       string `json:"step"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (f Failure) String() string {
	if f.Task == "" {
		return fmt.Sprintf("[%s] %s: %s", f.Step, f.Code, f.Message)
	}
	return fmt.Sprintf("[%s] %s (%s) %s: %s", f.Step, f.Task, f.Expression, f.Code, f.Message)
}

// ScoredTask is a task admitted by the regularizer
type ScoredTask struct {
	Task  types.FactorTask  `json:"task"`
	Score regularizer.Score `json:"score"`
}

// Evaluation 回测结果
type Evaluation struct {
	Task       string           `json:"task"`
	Expression string           `json:"expression"`
	Metrics    backtest.Metrics `json:"metrics"`
	Accepted   bool             `json:"accepted"`
	Reason     string           `json:"reason,omitempty"`
}

// Feedback closes an iteration and is what the next proposal sees
type Feedback struct {
	Iteration   int               `json:"iteration"`
	Hypothesis  *types.Hypothesis `json:"hypothesis,omitempty"`
	Evaluations []Evaluation      `json:"evaluations,omitempty"`
	Accepted    []string          `json:"accepted,omitempty"`
	Failures    []Failure         `json:"failures,omitempty"`
	Skipped     bool              `json:"skipped,omitempty"`
	Decision    bool              `json:"decision"` // 是否有因子入库
}

// Trace is the session's feedback history plus the initial direction
type Trace struct {
	Direction string     `json:"direction,omitempty"`
	History   []Feedback `json:"history,omitempty"`
}

// Last returns the most recent feedback, if any
func (t Trace) Last() (Feedback, bool) {
	if len(t.History) == 0 {
		return Feedback{}, false
	}
	return t.History[len(t.History)-1], true
}

// Iteration is the working record of one iteration; it is checkpointed after
// every step
type Iteration struct {
	Index       int                `json:"index"`
	Hypothesis  *types.Hypothesis  `json:"hypothesis,omitempty"`
	Tasks       []types.FactorTask `json:"tasks,omitempty"`
	Scored      []ScoredTask       `json:"scored,omitempty"`
	Results     []sandbox.Result   `json:"results,omitempty"`
	Evaluations []Evaluation       `json:"evaluations,omitempty"`
	Failures    []Failure          `json:"failures,omitempty"`
	Skipped     bool               `json:"skipped,omitempty"`
}

func (it *Iteration) fail(f Failure) {
	it.Failures = append(it.Failures, f)
}

// cancelled reports whether some sandbox task stopped before its round
// budget was spent
func (it Iteration) cancelled() bool {
	for _, r := range it.Results {
		if r.State == sandbox.StateCancelled {
			return true
		}
	}
	return false
}

// snapshot is the checkpoint payload
type snapshot struct {
	Iteration Iteration `json:"iteration"`
	Trace     Trace     `json:"trace"`
}

// AcceptancePolicy decides which evaluated factors enter the knowledge base.
// Zero MaxDrawdown disables the drawdown check.
type AcceptancePolicy struct {
	MinIC       float64 `json:"min_ic" yaml:"min_ic"`
	MinRankIC   float64 `json:"min_rank_ic" yaml:"min_rank_ic"`
	MinIR       float64 `json:"min_ir" yaml:"min_ir"`
	MaxDrawdown float64 `json:"max_drawdown" yaml:"max_drawdown"`
}

// Accept reports whether m passes the policy, with the first failed check
func (p AcceptancePolicy) Accept(m backtest.Metrics) (bool, string) {
	switch {
	case m.IC < p.MinIC:
		return false, fmt.Sprintf("IC %.4f below %.4f", m.IC, p.MinIC)
	case m.RankIC < p.MinRankIC:
		return false, fmt.Sprintf("RankIC %.4f below %.4f", m.RankIC, p.MinRankIC)
	case m.InformationRatio < p.MinIR:
		return false, fmt.Sprintf("IR %.3f below %.3f", m.InformationRatio, p.MinIR)
	case p.MaxDrawdown > 0 && m.MaxDrawdown > p.MaxDrawdown:
		return false, fmt.Sprintf("max drawdown %.2f%% above %.2f%%", m.MaxDrawdown*100, p.MaxDrawdown*100)
	}
	return true, ""
}

// Options 会话选项
type Options struct {
	MaxIterations  int           // 0 表示不限
	MaxSteps       int           // 本次运行最多执行的步数，0 表示不限
	SessionTimeout time.Duration // 0 表示不限
	Direction      string        // 初始研究方向
	Query          panel.Query
	Admission      regularizer.Policy
	Acceptance     AcceptancePolicy
}
