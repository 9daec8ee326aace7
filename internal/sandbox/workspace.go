package sandbox

import (
	"fmt"
	"time"

	"alphamine/internal/factor"
	"alphamine/internal/factor/compile"
	"alphamine/internal/logger"
	"alphamine/internal/types"
)

// Attempt is one generated implementation of a task
type Attempt struct {
	Expression string
	Program    *compile.Program
}

// AttemptRecord 单轮尝试记录
type AttemptRecord struct {
	Round      int           `json:"round"`
	Expression string        `json:"expression"`
	Outcome    State         `json:"outcome"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Workspace is the mutable state of one task across rounds. It is owned by
// the goroutine running the task.
type Workspace struct {
	Task      types.FactorTask
	Tree      *factor.Node
	Attempt   Attempt
	LastError error
	Round     int
	State     State
	History   []AttemptRecord

	audit *logger.AuditLogger
}

func newWorkspace(task types.FactorTask, audit *logger.AuditLogger) *Workspace {
	return &Workspace{
		Task:  task,
		Tree:  task.Tree,
		State: StatePending,
		audit: audit,
	}
}

// transition moves the workspace to next and logs it; an illegal move is a
// programming error
func (w *Workspace) transition(next State, details map[string]interface{}) {
	if !canTransition(w.State, next) {
		panic(fmt.Sprintf("sandbox: illegal transition %s -> %s for task %s", w.State, next, w.Task.Name))
	}
	prev := w.State
	w.State = next
	if w.audit != nil {
		w.audit.LogTransition(w.Task.Name, string(prev), string(next), w.Round, details)
	}
}

func (w *Workspace) record(outcome State, err error, d time.Duration) {
	rec := AttemptRecord{
		Round:      w.Round,
		Expression: w.Attempt.Expression,
		Outcome:    outcome,
		Duration:   d,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	w.History = append(w.History, rec)
}
