package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "alphamine/internal/errors"
	"alphamine/internal/factor"
	"alphamine/internal/knowledge"
	"alphamine/internal/logger"
	"alphamine/internal/monitoring"
	"alphamine/internal/session"
)

// Controller runs one mining session at a time. Steps execute strictly in
// order; the only concurrency is inside the execute step.
type Controller struct {
	generator   HypothesisGenerator
	constructor FactorConstructor
	executor    TaskExecutor
	runner      BacktestRunner
	kb          *knowledge.KnowledgeBase
	checkpoints *session.Manager
	parser      *factor.Parser
	metrics     *monitoring.Metrics
	opts        Options

	mu        sync.RWMutex
	state     State
	sessionID string
	iteration Iteration
	trace     Trace

	log  logger.Logger
	perf *logger.PerformanceLogger
}

// Deps are the collaborators of a controller
type Deps struct {
	Generator   HypothesisGenerator
	Constructor FactorConstructor
	Executor    TaskExecutor
	Runner      BacktestRunner
	Knowledge   *knowledge.KnowledgeBase
	Checkpoints *session.Manager
	Parser      *factor.Parser      // nil uses the builtin registry
	Metrics     *monitoring.Metrics // optional
}

// NewController creates a new session controller
func NewController(deps Deps, opts Options) (*Controller, error) {
	switch {
	case deps.Generator == nil, deps.Constructor == nil:
		return nil, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "loop requires a generator and a constructor", nil)
	case deps.Executor == nil, deps.Runner == nil:
		return nil, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "loop requires an executor and a backtest runner", nil)
	case deps.Knowledge == nil, deps.Checkpoints == nil:
		return nil, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "loop requires a knowledge base and a checkpoint manager", nil)
	}
	parser := deps.Parser
	if parser == nil {
		parser = factor.NewParser(nil)
	}
	log := logger.GetGlobalLogger().WithField("component", "loop")
	return &Controller{
		generator:   deps.Generator,
		constructor: deps.Constructor,
		executor:    deps.Executor,
		runner:      deps.Runner,
		kb:          deps.Knowledge,
		checkpoints: deps.Checkpoints,
		parser:      parser,
		metrics:     deps.Metrics,
		opts:        opts,
		state:       StateIdle,
		log:         log,
		perf:        logger.NewPerformanceLogger(log, 10*time.Minute),
	}, nil
}

// State returns the current session state
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SessionID returns the ID of the running or last session
func (c *Controller) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Trace returns a copy of the session trace
func (c *Controller) Trace() Trace {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t := c.trace
	t.History = append([]Feedback(nil), c.trace.History...)
	return t
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.log.Debug("Session state changed", "session_id", c.sessionID, "from", prev, "to", s)
	}
}

// Run starts a new session. sessionID may be empty to generate one.
//
// Cancelling ctx stops the session at the next step boundary, after the
// running step has completed and been checkpointed; Run then returns nil.
// Exceeding the session timeout does the same but returns an
// ErrSessionTimeout-matching error.
func (c *Controller) Run(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	c.mu.Lock()
	c.sessionID = sessionID
	c.iteration = Iteration{}
	c.trace = Trace{Direction: c.opts.Direction}
	c.mu.Unlock()

	c.log.Info("Starting mining session", "session_id", sessionID, "direction", c.opts.Direction,
		"max_iterations", c.opts.MaxIterations)
	return c.drive(ctx, 0, StepPropose)
}

// Resume continues sessionID from the step after its latest checkpoint. An
// execute step that was cancelled mid-way runs again for its unfinished tasks.
func (c *Controller) Resume(ctx context.Context, sessionID string) error {
	cp, err := c.checkpoints.Latest(ctx, sessionID)
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(cp.Payload, &snap); err != nil {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeCheckpointCorrupt, "checkpoint is unreadable",
			cp.String(), err)
	}

	iteration, step := cp.Iteration, Step(cp.Step)+1
	if Step(cp.Step) == StepExecute && snap.Iteration.cancelled() {
		step = StepExecute
	}
	if step == numSteps {
		iteration, step = iteration+1, StepPropose
		snap.Iteration = Iteration{}
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.iteration = snap.Iteration
	c.trace = snap.Trace
	c.mu.Unlock()

	c.log.Info("Resuming mining session", "session_id", sessionID, "checkpoint", cp.String(),
		"iteration", iteration, "step", step.String())
	return c.drive(ctx, iteration, step)
}

func (c *Controller) drive(ctx context.Context, iteration int, step Step) error {
	var deadline time.Time
	if c.opts.SessionTimeout > 0 {
		deadline = time.Now().Add(c.opts.SessionTimeout)
	}
	log := c.log.WithField("session_id", c.sessionID)

	for steps := 0; ; steps++ {
		switch {
		case c.opts.MaxIterations > 0 && iteration >= c.opts.MaxIterations:
			log.Info("Reached iteration limit", "iterations", iteration)
			c.setState(StateStopped)
			return nil
		case c.opts.MaxSteps > 0 && steps >= c.opts.MaxSteps:
			log.Info("Reached step limit", "steps", steps)
			c.setState(StateStopped)
			return nil
		case ctx.Err() != nil:
			log.Info("Session cancelled", "iteration", iteration, "next_step", step.String())
			c.setState(StateStopped)
			return nil
		case !deadline.IsZero() && !time.Now().Before(deadline):
			log.Warn("Session timed out", "iteration", iteration, "next_step", step.String(),
				"timeout", c.opts.SessionTimeout)
			c.setState(StateTimedOut)
			c.setState(StateStopped)
			return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeSessionTimeout, "session timed out",
				fmt.Sprintf("exceeded %s", c.opts.SessionTimeout), nil)
		}

		if step == StepPropose {
			c.mu.Lock()
			c.iteration = Iteration{Index: iteration}
			c.mu.Unlock()
		}

		c.setState(step.State())
		start := time.Now()
		if err := c.runStep(ctx, step); err != nil {
			c.setState(StateStopped)
			return err
		}
		elapsed := time.Since(start)
		c.metrics.RecordStep(step.String(), elapsed)
		c.perf.LogPerformance("loop."+step.String(), elapsed, map[string]interface{}{
			"session_id": c.sessionID,
			"iteration":  iteration,
		})

		if err := c.checkpoint(context.WithoutCancel(ctx), iteration, step); err != nil {
			c.setState(StateStopped)
			return err
		}

		if step++; step == numSteps {
			iteration, step = iteration+1, StepPropose
		}
	}
}

// runStep runs one step to completion. Only the execute step sees ctx's
// cancellation, and only at sandbox round boundaries.
func (c *Controller) runStep(ctx context.Context, step Step) error {
	work := context.WithoutCancel(ctx)
	work = context.WithValue(work, logger.SessionIDKey, c.sessionID)
	work = context.WithValue(work, logger.IterationKey, c.iteration.Index)
	work = context.WithValue(work, logger.StepKey, step.String())

	switch step {
	case StepPropose:
		return c.propose(work)
	case StepConstruct:
		return c.construct(work)
	case StepExecute:
		return c.execute(ctx)
	case StepEvaluate:
		return c.evaluate(work)
	case StepFeedback:
		return c.feedback(work)
	}
	return fmt.Errorf("unknown step %d", step)
}

func (c *Controller) checkpoint(ctx context.Context, iteration int, step Step) error {
	c.mu.RLock()
	payload, err := json.Marshal(snapshot{Iteration: c.iteration, Trace: c.trace})
	state := c.state
	c.mu.RUnlock()
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeInternal, "failed to encode checkpoint", err)
	}

	cp := session.Checkpoint{
		Version:          session.CheckpointVersion,
		SessionID:        c.sessionID,
		Iteration:        iteration,
		Step:             int(step),
		StepName:         step.String(),
		State:            string(state),
		KnowledgeVersion: c.kb.Version(),
		Payload:          payload,
		SavedAt:          time.Now().UTC(),
	}
	if err := c.checkpoints.Save(ctx, cp); err != nil {
		return err
	}
	c.metrics.RecordCheckpoint()
	return nil
}
