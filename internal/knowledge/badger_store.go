package knowledge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

const badgerPrefix = "knowledge/"

// BadgerStore keeps entries in BadgerDB under knowledge/<seq>. The DB is
// owned by the caller.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a store over db
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func badgerKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016d", badgerPrefix, seq))
}

func (s *BadgerStore) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal knowledge entry %s: %w", e.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(e.Seq), data)
	})
}

func (s *BadgerStore) Load(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}
