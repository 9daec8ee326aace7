package knowledge

import (
	"context"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	apperrors "alphamine/internal/errors"
	"alphamine/internal/factor"
	"alphamine/internal/factor/regularizer"
	"alphamine/internal/logger"
)

// fullScanLimit is the size up to which Query scores every entry
const fullScanLimit = 256

// KnowledgeBase 因子知识库：只追加，读并发、写串行
type KnowledgeBase struct {
	mu      sync.RWMutex
	entries []Entry
	byID    map[string]int
	byKey   map[string][]int // regularizer.SubtreeKeys -> entry positions
	byToken map[string][]int // theme token -> entry positions
	store   Store
	log     logger.Logger
}

// New creates an empty knowledge base persisted to store; nil keeps it in
// memory only.
func New(store Store) *KnowledgeBase {
	if store == nil {
		store = NewMemoryStore()
	}
	return &KnowledgeBase{
		byID:    make(map[string]int),
		byKey:   make(map[string][]int),
		byToken: make(map[string][]int),
		store:   store,
		log:     logger.GetGlobalLogger().WithField("component", "knowledge"),
	}
}

// Open creates a knowledge base and replays store's entries into it
func Open(ctx context.Context, store Store) (*KnowledgeBase, error) {
	kb := New(store)
	entries, err := kb.store.Load(ctx)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to load knowledge base", err)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	for _, e := range entries {
		if _, dup := kb.byID[e.ID]; dup || e.Tree == nil {
			continue
		}
		kb.index(e)
	}
	kb.log.Info("Knowledge base loaded", "entries", len(kb.entries))
	return kb, nil
}

// Add appends e. An entry whose ID is already present is ignored and Add
// reports false. The entry is persisted before it becomes visible.
func (kb *KnowledgeBase) Add(ctx context.Context, e Entry) (bool, error) {
	if e.Tree == nil {
		return false, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "knowledge entry has no tree", nil)
	}
	if e.ID == "" {
		e.ID = EntryID(e.SessionID, e.Iteration, e.Name)
	}
	if e.Expression == "" {
		e.Expression = e.Tree.String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	kb.mu.Lock()
	defer kb.mu.Unlock()

	if _, dup := kb.byID[e.ID]; dup {
		return false, nil
	}
	e = e.clone()
	e.Seq = uint64(len(kb.entries)) + 1

	if err := kb.store.Append(ctx, e); err != nil {
		return false, apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to persist knowledge entry", err)
	}
	kb.index(e)
	kb.log.Debug("Knowledge entry added", "id", e.ID, "name", e.Name, "expression", e.Expression)
	return true, nil
}

// index must be called with the write lock held (or before kb is shared)
func (kb *KnowledgeBase) index(e Entry) {
	pos := len(kb.entries)
	kb.entries = append(kb.entries, e)
	kb.byID[e.ID] = pos
	for _, key := range regularizer.SubtreeKeys(e.Tree) {
		kb.byKey[key] = append(kb.byKey[key], pos)
	}
	for tok := range tokenSet(e.Theme) {
		kb.byToken[tok] = append(kb.byToken[tok], pos)
	}
}

// Len returns the number of entries
func (kb *KnowledgeBase) Len() int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.entries)
}

// Version increases by one with every add
func (kb *KnowledgeBase) Version() uint64 {
	return uint64(kb.Len())
}

// Get returns the entry with id
func (kb *KnowledgeBase) Get(id string) (Entry, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	pos, ok := kb.byID[id]
	if !ok {
		return Entry{}, false
	}
	return kb.entries[pos].clone(), true
}

// All iterates over a snapshot of the entries in insertion order
func (kb *KnowledgeBase) All() iter.Seq[Entry] {
	kb.mu.RLock()
	snapshot := kb.entries[:len(kb.entries):len(kb.entries)]
	kb.mu.RUnlock()

	return func(yield func(Entry) bool) {
		for _, e := range snapshot {
			if !yield(e.clone()) {
				return
			}
		}
	}
}

// Neighbors returns the stored trees sharing at least one subtree root with
// tree, the only ones whose structural similarity to tree can be non-zero
func (kb *KnowledgeBase) Neighbors(tree *factor.Node) []*factor.Node {
	return kb.neighbors(tree, nil)
}

// Without is a view of the base for novelty scoring that leaves out the
// entries with the given IDs
func (kb *KnowledgeBase) Without(ids ...string) regularizer.Corpus {
	skip := make(map[string]bool, len(ids))
	for _, id := range ids {
		skip[id] = true
	}
	return regularizer.CorpusFunc(func(tree *factor.Node) []*factor.Node {
		return kb.neighbors(tree, skip)
	})
}

func (kb *KnowledgeBase) neighbors(tree *factor.Node, skip map[string]bool) []*factor.Node {
	if tree == nil {
		return nil
	}
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	var out []*factor.Node
	for _, pos := range kb.positions(tree) {
		if e := kb.entries[pos]; !skip[e.ID] {
			out = append(out, e.Tree.Clone())
		}
	}
	return out
}

// positions returns, in insertion order, the entries indexed under any
// subtree key of tree. Callers hold the read lock.
func (kb *KnowledgeBase) positions(tree *factor.Node) []int {
	seen := make(map[int]bool)
	var out []int
	for _, key := range regularizer.SubtreeKeys(tree) {
		for _, pos := range kb.byKey[key] {
			if !seen[pos] {
				seen[pos] = true
				out = append(out, pos)
			}
		}
	}
	sort.Ints(out)
	return out
}

// Match is a query hit
type Match struct {
	Entry Entry   `json:"entry"`
	Score float64 `json:"score"`
}

// Query ranks entries by theme token overlap and, when tree is non-nil, by
// structural similarity to tree. Only entries scoring above zero are
// returned, best first; ties keep insertion order.
func (kb *KnowledgeBase) Query(theme string, tree *factor.Node, topK int) []Match {
	if topK <= 0 {
		return nil
	}
	tokens := tokenSet(theme)
	if len(tokens) == 0 && tree == nil {
		return nil
	}

	kb.mu.RLock()
	defer kb.mu.RUnlock()

	var candidates []int
	if len(kb.entries) <= fullScanLimit {
		candidates = make([]int, len(kb.entries))
		for i := range candidates {
			candidates[i] = i
		}
	} else {
		seen := make(map[int]bool)
		for tok := range tokens {
			for _, pos := range kb.byToken[tok] {
				seen[pos] = true
			}
		}
		if tree != nil {
			for _, pos := range kb.positions(tree) {
				seen[pos] = true
			}
		}
		for pos := range seen {
			candidates = append(candidates, pos)
		}
		sort.Ints(candidates)
	}

	var matches []Match
	for _, pos := range candidates {
		e := kb.entries[pos]
		score := scoreEntry(tokens, tree, e)
		if score > 0 {
			matches = append(matches, Match{Entry: e, Score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	for i := range matches {
		matches[i].Entry = matches[i].Entry.clone()
	}
	return matches
}

// scoreEntry averages the theme and structure similarities that apply
func scoreEntry(tokens map[string]struct{}, tree *factor.Node, e Entry) float64 {
	var total float64
	var parts int
	if len(tokens) > 0 {
		total += jaccard(tokens, tokenSet(e.Theme))
		parts++
	}
	if tree != nil {
		total += regularizer.Similarity(tree, e.Tree)
		parts++
	}
	return total / float64(parts)
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(tok) > 1 {
			set[tok] = struct{}{}
		}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}
