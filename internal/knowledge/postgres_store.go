package knowledge

import (
	"context"
	"encoding/json"
	"fmt"

	"alphamine/internal/database"
)

// PostgresStore keeps entries in the knowledge_entries table created by the
// database migrations
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a store over db
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	tree, err := json.Marshal(e.Tree)
	if err != nil {
		return fmt.Errorf("failed to marshal tree: %w", err)
	}
	metrics, err := json.Marshal(e.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	query := `
		INSERT INTO knowledge_entries (
			seq, id, name, theme, expression, tree, metrics,
			novelty, complexity, session_id, iteration, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		) ON CONFLICT (id) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query,
		int64(e.Seq),
		e.ID,
		e.Name,
		e.Theme,
		e.Expression,
		tree,
		metrics,
		e.Novelty,
		e.Complexity,
		e.SessionID,
		e.Iteration,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to execute query: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) ([]Entry, error) {
	query := `
		SELECT seq, id, name, theme, expression, tree, metrics,
			novelty, complexity, session_id, iteration, created_at
		FROM knowledge_entries
		ORDER BY seq
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var seq int64
		var tree, metrics []byte
		if err := rows.Scan(
			&seq,
			&e.ID,
			&e.Name,
			&e.Theme,
			&e.Expression,
			&tree,
			&metrics,
			&e.Novelty,
			&e.Complexity,
			&e.SessionID,
			&e.Iteration,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge entry: %w", err)
		}
		e.Seq = uint64(seq)
		if err := json.Unmarshal(tree, &e.Tree); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tree of %s: %w", e.ID, err)
		}
		if err := json.Unmarshal(metrics, &e.Metrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics of %s: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating knowledge entries: %w", err)
	}
	return entries, nil
}
