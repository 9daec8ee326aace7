// Package knowledge holds accepted factors. The base is append-only: entries
// are immutable value copies and every add bumps the version.
package knowledge

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"alphamine/internal/backtest"
	"alphamine/internal/factor"
)

// entryNamespace seeds deterministic entry IDs
var entryNamespace = uuid.MustParse("3f1c9a52-6d0e-4b8a-9c41-2a7e5d8b6f10")

// Entry 知识库条目
type Entry struct {
	ID         string           `json:"id"`
	Seq        uint64           `json:"seq"`
	Name       string           `json:"name"`
	Theme      string           `json:"theme"`
	Expression string           `json:"expression"`
	Tree       *factor.Node     `json:"tree"`
	Metrics    backtest.Metrics `json:"metrics"`
	Novelty    float64          `json:"novelty"`
	Complexity int              `json:"complexity"`
	SessionID  string           `json:"session_id,omitempty"`
	Iteration  int              `json:"iteration"`
	CreatedAt  time.Time        `json:"created_at"`
}

// EntryID derives the ID of the factor named name accepted in the given
// session iteration, so replaying an add after a resume is a no-op.
func EntryID(sessionID string, iteration int, name string) string {
	return uuid.NewSHA1(entryNamespace, []byte(fmt.Sprintf("%s/%d/%s", sessionID, iteration, name))).String()
}

// clone returns a copy sharing nothing mutable with e
func (e Entry) clone() Entry {
	e.Tree = e.Tree.Clone()
	if e.Metrics.Splits != nil {
		splits := make(map[string]backtest.SplitMetrics, len(e.Metrics.Splits))
		for k, v := range e.Metrics.Splits {
			splits[k] = v
		}
		e.Metrics.Splits = splits
	}
	return e
}
