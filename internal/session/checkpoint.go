// Package session persists loop checkpoints, one per (iteration, step), so
// an interrupted mining session can resume at the step after the last one
// written.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	apperrors "alphamine/internal/errors"
)

// CheckpointVersion is the current record layout
const CheckpointVersion = 1

// Checkpoint 会话检查点
type Checkpoint struct {
	Version          int             `json:"version"`
	SessionID        string          `json:"session_id"`
	Iteration        int             `json:"iteration"`
	Step             int             `json:"step"`
	StepName         string          `json:"step_name"`
	State            string          `json:"state"`
	KnowledgeVersion uint64          `json:"knowledge_version"`
	Payload          json.RawMessage `json:"payload,omitempty"` // 循环状态快照
	SavedAt          time.Time       `json:"saved_at"`
}

// Before reports whether c was written before o in a session
func (c Checkpoint) Before(o Checkpoint) bool {
	if c.Iteration != o.Iteration {
		return c.Iteration < o.Iteration
	}
	return c.Step < o.Step
}

func (c Checkpoint) String() string {
	return fmt.Sprintf("%s@%d/%d_%s", c.SessionID, c.Iteration, c.Step, c.StepName)
}

// Store persists checkpoints. Save replaces any record for the same
// (session, iteration, step).
type Store interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, sessionID string, iteration, step int) (Checkpoint, error)
	Latest(ctx context.Context, sessionID string) (Checkpoint, error)
	List(ctx context.Context, sessionID string) ([]Checkpoint, error)
	Sessions(ctx context.Context) ([]string, error)
}

func notFound(sessionID string, details string) error {
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeCheckpointNotFound, "checkpoint not found",
		fmt.Sprintf("session %s: %s", sessionID, details), nil)
}

func corrupt(where string, cause error) error {
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeCheckpointCorrupt, "checkpoint is unreadable", where, cause)
}

func validate(cp Checkpoint) error {
	if cp.SessionID == "" {
		return apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "checkpoint has no session id", nil)
	}
	if cp.Iteration < 0 || cp.Step < 0 {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidInput, "invalid checkpoint position",
			fmt.Sprintf("iteration=%d step=%d", cp.Iteration, cp.Step), nil)
	}
	return nil
}
