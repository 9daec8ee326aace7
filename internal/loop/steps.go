package loop

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "alphamine/internal/errors"
	"alphamine/internal/factor/regularizer"
	"alphamine/internal/knowledge"
	"alphamine/internal/sandbox"
	"alphamine/internal/types"
)

// collaboratorFailed records a failed generator or constructor call and skips
// the rest of the iteration. Fatal LLM errors end the session.
func (c *Controller) collaboratorFailed(step Step, err error) error {
	if apperrors.CodeOf(err) == apperrors.ErrCodeLLMFatal {
		return err
	}
	c.log.Warn("Skipping iteration", "session_id", c.sessionID, "iteration", c.iteration.Index,
		"step", step.String(), "error", err)
	c.mu.Lock()
	c.iteration.fail(Failure{Step: step.String(), Code: codeOr(err, apperrors.ErrCodeGeneration), Message: err.Error()})
	c.iteration.Skipped = true
	c.mu.Unlock()
	return nil
}

func (c *Controller) propose(ctx context.Context) error {
	h, err := c.generator.Propose(ctx, c.Trace())
	if err != nil {
		return c.collaboratorFailed(StepPropose, err)
	}
	c.log.Info("Hypothesis proposed", "session_id", c.sessionID, "iteration", c.iteration.Index, "theme", h.Theme)

	c.mu.Lock()
	c.iteration.Hypothesis = &h
	c.mu.Unlock()
	return nil
}

func (c *Controller) construct(ctx context.Context) error {
	if c.iteration.Skipped {
		return nil
	}
	tasks, err := c.constructor.Construct(ctx, *c.iteration.Hypothesis, c.Trace())
	if err != nil {
		return c.collaboratorFailed(StepConstruct, err)
	}

	var (
		scored   []ScoredTask
		failures []Failure
		seen     = make(map[string]bool, len(tasks))
		named    = make([]types.FactorTask, len(tasks)) // 记录实际派发的任务
	)
	reject := func(task types.FactorTask, err error) {
		code := codeOr(err, apperrors.ErrCodeValidation)
		c.metrics.RecordRejection(code)
		failures = append(failures, Failure{
			Task:       task.Name,
			Expression: task.Expression,
			Step:       StepConstruct.String(),
			Code:       code,
			Message:    err.Error(),
		})
	}

	for i, task := range tasks {
		if strings.TrimSpace(task.Name) == "" {
			task.Name = fmt.Sprintf("factor_%d", i+1)
		}
		named[i] = task
		key := strings.ToLower(task.Name)
		if seen[key] {
			reject(task, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeDuplicateTask, "duplicate factor name",
				task.Name, nil))
			continue
		}
		seen[key] = true

		tree := task.Tree
		if tree == nil {
			tree, err = c.parser.ParseAndValidate(task.Expression)
		} else {
			err = c.parser.Validate(tree)
		}
		if err != nil {
			reject(task, err)
			continue
		}
		task.Tree = tree
		if task.Expression == "" {
			task.Expression = tree.String()
		}
		task.Fields = tree.Fields()
		named[i] = task

		score := regularizer.Evaluate(tree, c.kb)
		c.metrics.RecordNovelty(score.Novelty)
		if err := c.opts.Admission.Check(score); err != nil {
			reject(task, err)
			continue
		}
		scored = append(scored, ScoredTask{Task: task, Score: score})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.iteration.Tasks = named
	c.iteration.Scored = scored
	c.iteration.Failures = append(c.iteration.Failures, failures...)
	if len(scored) == 0 {
		err := apperrors.NewAppErrorWithDetails(apperrors.ErrCodeEmptyFactorBatch, "no factor survived construction",
			fmt.Sprintf("%d candidates", len(tasks)), nil)
		c.iteration.fail(Failure{Step: StepConstruct.String(), Code: string(apperrors.ErrCodeEmptyFactorBatch), Message: err.Error()})
		c.iteration.Skipped = true
		c.log.Warn("Empty factor batch, skipping iteration", "session_id", c.sessionID,
			"iteration", c.iteration.Index, "candidates", len(tasks))
		return nil
	}
	c.log.Info("Factor tasks constructed", "session_id", c.sessionID, "iteration", c.iteration.Index,
		"candidates", len(tasks), "admitted", len(scored))
	return nil
}

// execute passes the caller's ctx to the sandbox so cancellation stops tasks
// at their next round boundary. On resume only tasks left Cancelled run
// again; finished results are kept.
func (c *Controller) execute(ctx context.Context) error {
	if c.iteration.Skipped {
		return nil
	}
	results := make([]sandbox.Result, len(c.iteration.Scored))
	var (
		pending []types.FactorTask
		slots   []int
	)
	prior := c.iteration.Results
	for i, st := range c.iteration.Scored {
		if i < len(prior) && prior[i].State.Terminal() && prior[i].State != sandbox.StateCancelled {
			results[i] = prior[i]
			continue
		}
		pending = append(pending, st.Task)
		slots = append(slots, i)
	}
	if len(pending) < len(results) {
		c.log.Info("Re-running cancelled factor tasks", "session_id", c.sessionID,
			"iteration", c.iteration.Index, "tasks", len(pending), "kept", len(results)-len(pending))
	}

	var failures []Failure
	cancelled := 0
	for j, r := range c.executor.Run(ctx, pending, c.opts.Query) {
		results[slots[j]] = r
		switch r.State {
		case sandbox.StateVerified:
		case sandbox.StateCancelled:
			cancelled++
		default:
			failures = append(failures, Failure{
				Task:       r.Task.Name,
				Expression: r.Expression,
				Step:       StepExecute.String(),
				Code:       r.ErrorCode,
				Message:    r.Error,
			})
		}
	}
	verified := 0
	for _, r := range results {
		if r.State == sandbox.StateVerified {
			verified++
		}
	}
	if cancelled > 0 {
		c.log.Info("Factor tasks cancelled, left for resume", "session_id", c.sessionID,
			"iteration", c.iteration.Index, "cancelled", cancelled)
	} else if verified == 0 {
		c.log.Warn("No factor verified in sandbox", "session_id", c.sessionID, "iteration", c.iteration.Index,
			"tasks", len(results))
	}

	c.mu.Lock()
	c.iteration.Results = results
	c.iteration.Failures = append(c.iteration.Failures, failures...)
	c.mu.Unlock()
	return nil
}

func (c *Controller) evaluate(ctx context.Context) error {
	if c.iteration.Skipped {
		return nil
	}
	var (
		evaluations []Evaluation
		failures    []Failure
	)
	for _, r := range c.iteration.Results {
		if r.State != sandbox.StateVerified {
			continue
		}
		m, err := c.runner.Run(ctx, r.Values)
		if err != nil {
			failures = append(failures, Failure{
				Task:       r.Task.Name,
				Expression: r.Expression,
				Step:       StepEvaluate.String(),
				Code:       codeOr(err, apperrors.ErrCodeBacktestFailed),
				Message:    err.Error(),
			})
			continue
		}
		c.log.Info("Factor evaluated", "session_id", c.sessionID, "task", r.Task.Name, "metrics", m.Summary())
		evaluations = append(evaluations, Evaluation{Task: r.Task.Name, Expression: r.Expression, Metrics: m})
	}

	c.mu.Lock()
	c.iteration.Evaluations = evaluations
	c.iteration.Failures = append(c.iteration.Failures, failures...)
	c.mu.Unlock()
	return nil
}

// feedback applies the acceptance policy, grows the knowledge base and
// appends the iteration's outcome to the trace
func (c *Controller) feedback(ctx context.Context) error {
	it := c.iteration
	fb := Feedback{Iteration: it.Index, Hypothesis: it.Hypothesis, Skipped: it.Skipped}

	results := make(map[string]sandbox.Result, len(it.Results))
	for _, r := range it.Results {
		results[r.Task.Name] = r
	}

	evaluations := append([]Evaluation(nil), it.Evaluations...)
	ids := make([]string, len(evaluations))
	for i, ev := range evaluations {
		ids[i] = knowledge.EntryID(c.sessionID, it.Index, ev.Task)
	}
	for i := range evaluations {
		ev := &evaluations[i]
		ok, reason := c.opts.Acceptance.Accept(ev.Metrics)
		if !ok {
			ev.Reason = reason
			continue
		}

		r := results[ev.Task]
		tree := r.Tree
		if tree == nil {
			var err error
			if tree, err = c.parser.ParseAndValidate(ev.Expression); err != nil {
				ev.Reason = err.Error()
				continue
			}
		}
		// 重放的反馈步骤：该因子在中断前已入库
		if _, stored := c.kb.Get(ids[i]); stored {
			ev.Accepted = true
			fb.Accepted = append(fb.Accepted, ev.Task)
			continue
		}
		// 同一轮内先入库的因子也参与新颖度比较；排在后面的不参与，重放时结果不变
		score := regularizer.Evaluate(tree, c.kb.Without(ids[i+1:]...))
		if err := c.opts.Admission.Check(score); err != nil {
			ev.Reason = err.Error()
			c.metrics.RecordRejection(string(apperrors.ErrCodeNoveltyRejected))
			continue
		}

		entry := knowledge.Entry{
			ID:         ids[i],
			Name:       ev.Task,
			Expression: tree.String(),
			Tree:       tree,
			Metrics:    ev.Metrics,
			Novelty:    score.Novelty,
			Complexity: score.Complexity,
			SessionID:  c.sessionID,
			Iteration:  it.Index,
			CreatedAt:  time.Now().UTC(),
		}
		if it.Hypothesis != nil {
			entry.Theme = it.Hypothesis.Theme
		}
		if _, err := c.kb.Add(ctx, entry); err != nil {
			return fmt.Errorf("failed to record accepted factor %s: %w", ev.Task, err)
		}
		ev.Accepted = true
		fb.Accepted = append(fb.Accepted, ev.Task)
	}
	fb.Evaluations = evaluations
	fb.Failures = append([]Failure(nil), it.Failures...)
	fb.Decision = len(fb.Accepted) > 0

	outcome := "zero_yield"
	switch {
	case it.Skipped:
		outcome = "skipped"
	case fb.Decision:
		outcome = "accepted"
	}
	c.metrics.RecordIteration(outcome)
	c.metrics.RecordAccepted(len(fb.Accepted), c.kb.Len())
	c.log.Info("Iteration finished", "session_id", c.sessionID, "iteration", it.Index, "outcome", outcome,
		"accepted", len(fb.Accepted), "failures", len(fb.Failures), "knowledge_entries", c.kb.Len())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.iteration.Evaluations = evaluations
	// 值矩阵已完成使命，不再写入检查点
	for i := range c.iteration.Results {
		c.iteration.Results[i].Values = nil
	}
	c.trace.History = append(c.trace.History, fb)
	return nil
}

func codeOr(err error, fallback apperrors.ErrorCode) string {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return string(appErr.Code)
	}
	return string(fallback)
}
