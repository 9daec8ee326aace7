package sandbox

// State 因子任务状态
type State string

const (
	StatePending   State = "Pending"
	StateExecuting State = "Executing"
	StateVerified  State = "Verified"
	StateFailed    State = "Failed"
	StateExhausted State = "Exhausted"
	// StateCancelled 在轮次边界收到取消，任务可在恢复时重跑
	StateCancelled State = "Cancelled"
)

// transitions lists the legal moves of the task state machine. Cancellation
// is only observed at round boundaries, so it leaves Pending or Failed.
var transitions = map[State][]State{
	StatePending:   {StateExecuting, StateCancelled},
	StateExecuting: {StateVerified, StateFailed},
	StateFailed:    {StateExecuting, StateExhausted, StateCancelled},
}

// Terminal reports whether s ends the task
func (s State) Terminal() bool {
	return s == StateVerified || s == StateExhausted || s == StateCancelled
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
