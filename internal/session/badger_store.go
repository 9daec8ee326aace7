package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const badgerPrefix = "session/"

// BadgerStore keeps checkpoints in BadgerDB under
// session/<id>/<iteration:08d>/<step>. The DB is owned by the caller.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a store over db
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func checkpointKey(sessionID string, iteration, step int) []byte {
	return []byte(fmt.Sprintf("%s%s/%08d/%d", badgerPrefix, sessionID, iteration, step))
}

func sessionPrefix(sessionID string) []byte {
	return []byte(badgerPrefix + sessionID + "/")
}

func (s *BadgerStore) Save(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(cp); err != nil {
		return err
	}
	if strings.Contains(cp.SessionID, "/") {
		return fmt.Errorf("invalid session id %q", cp.SessionID)
	}
	cp.Version = CheckpointVersion
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", cp, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey(cp.SessionID, cp.Iteration, cp.Step), data)
	})
}

func (s *BadgerStore) Load(ctx context.Context, sessionID string, iteration, step int) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}
	var cp Checkpoint
	key := checkpointKey(sessionID, iteration, step)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &cp); err != nil {
				return corrupt(string(key), err)
			}
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Checkpoint{}, notFound(sessionID, fmt.Sprintf("iteration %d step %d", iteration, step))
	}
	return cp, err
}

// scan decodes a session's checkpoints in key order
func (s *BadgerStore) scan(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	var out []Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = sessionPrefix(sessionID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var cp Checkpoint
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &cp)
			}); err != nil {
				return corrupt(string(item.Key()), err)
			}
			out = append(out, cp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// step keys are not zero padded
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *BadgerStore) Latest(ctx context.Context, sessionID string) (Checkpoint, error) {
	all, err := s.scan(ctx, sessionID)
	if err != nil {
		return Checkpoint{}, err
	}
	if len(all) == 0 {
		return Checkpoint{}, notFound(sessionID, "no checkpoint written")
	}
	return all[len(all)-1], nil
}

func (s *BadgerStore) List(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	return s.scan(ctx, sessionID)
}

func (s *BadgerStore) Sessions(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			rest := strings.TrimPrefix(string(it.Item().Key()), badgerPrefix)
			if id, _, ok := strings.Cut(rest, "/"); ok {
				seen[id] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
