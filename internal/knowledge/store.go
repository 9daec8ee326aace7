package knowledge

import (
	"context"
	"sync"
)

// Store persists knowledge entries. Append is called under the knowledge
// base's write lock, so implementations see entries in Seq order.
type Store interface {
	Append(ctx context.Context, e Entry) error
	Load(ctx context.Context) ([]Entry, error)
}

// MemoryStore keeps entries in process memory
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e.clone())
	return nil
}

func (s *MemoryStore) Load(_ context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.clone()
	}
	return out, nil
}
