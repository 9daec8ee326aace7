package loop

import (
	"context"
	"slices"

	"alphamine/internal/types"
)

// FixedHypothesis proposes the same hypothesis every iteration
type FixedHypothesis types.Hypothesis

func (h FixedHypothesis) Propose(context.Context, Trace) (types.Hypothesis, error) {
	return types.Hypothesis(h), nil
}

// StaticTasks constructs the same factor tasks every iteration
type StaticTasks []types.FactorTask

func (s StaticTasks) Construct(context.Context, types.Hypothesis, Trace) ([]types.FactorTask, error) {
	return slices.Clone(s), nil
}

// BacktestDeps wires a one-iteration session that evaluates a fixed factor
// batch instead of generated ones. The executor, runner, knowledge base and
// checkpoints come from base.
func BacktestDeps(base Deps, h types.Hypothesis, tasks []types.FactorTask) Deps {
	base.Generator = FixedHypothesis(h)
	base.Constructor = StaticTasks(tasks)
	return base
}

// BacktestOptions limits opts to a single iteration and admits every valid
// factor regardless of novelty
func BacktestOptions(opts Options) Options {
	opts.MaxIterations = 1
	opts.MaxSteps = 0
	opts.Admission.MinNovelty = 0
	opts.Admission.MaxComplexity = 0
	return opts
}
