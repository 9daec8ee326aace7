// Package regularizer scores candidate factor trees for structural novelty
// against prior factors and for complexity.
package regularizer

import (
	"fmt"
	"sort"

	apperrors "alphamine/internal/errors"
	"alphamine/internal/factor"
)

// Corpus supplies the prior trees a candidate is compared with. Neighbors
// must return every stored tree whose similarity to tree can be non-zero.
type Corpus interface {
	Neighbors(tree *factor.Node) []*factor.Node
}

// CorpusFunc adapts a function to Corpus
type CorpusFunc func(tree *factor.Node) []*factor.Node

func (f CorpusFunc) Neighbors(tree *factor.Node) []*factor.Node { return f(tree) }

// Trees is a fixed corpus
type Trees []*factor.Node

func (ts Trees) Neighbors(*factor.Node) []*factor.Node { return ts }

// Score 新颖度与复杂度评分
type Score struct {
	Novelty    float64 `json:"novelty"`
	Complexity int     `json:"complexity"`
	Nearest    string  `json:"nearest,omitempty"`
}

// Evaluate scores tree against corpus. An empty corpus yields novelty 1.
func Evaluate(tree *factor.Node, corpus Corpus) Score {
	s := Score{Novelty: 1, Complexity: ComputeComplexity(tree).NodeCount}
	if corpus == nil {
		return s
	}
	best := 0.0
	for _, prior := range corpus.Neighbors(tree) {
		if sim := Similarity(tree, prior); sim > best {
			best = sim
			s.Nearest = prior.String()
		}
	}
	s.Novelty = 1 - best
	return s
}

// Policy 准入策略；零值表示不限制
type Policy struct {
	MinNovelty    float64 `json:"min_novelty" yaml:"min_novelty"`
	MaxComplexity int     `json:"max_complexity" yaml:"max_complexity"`
}

// Check returns an ErrNoveltyRejected-matching error when s violates p
func (p Policy) Check(s Score) error {
	if s.Novelty < p.MinNovelty {
		details := fmt.Sprintf("novelty %.3f below %.3f", s.Novelty, p.MinNovelty)
		if s.Nearest != "" {
			details += ", nearest " + s.Nearest
		}
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeNoveltyRejected, "factor rejected by regularizer", details, nil).
			WithContext("novelty", s.Novelty)
	}
	if p.MaxComplexity > 0 && s.Complexity > p.MaxComplexity {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeNoveltyRejected, "factor rejected by regularizer",
			fmt.Sprintf("complexity %d above %d", s.Complexity, p.MaxComplexity), nil).
			WithContext("complexity", s.Complexity)
	}
	return nil
}

// Similarity is the weight of the best structural match between any subtree
// of a and any subtree of b, divided by the size of the larger tree.
// Identical trees score 1; a tree wrapped in an extra operator keeps most of
// its similarity to the bare tree.
func Similarity(a, b *factor.Node) float64 {
	if a == nil || b == nil {
		return 0
	}
	denom := max(a.Size(), b.Size())
	if denom == 0 {
		return 0
	}
	best := 0.0
	bs := subtrees(b)
	for _, x := range subtrees(a) {
		for _, y := range bs {
			if RootKey(x) == RootKey(y) {
				best = max(best, match(x, y))
			}
		}
	}
	return best / float64(denom)
}

// RootKey identifies the node a match starts from; subtrees with different
// root keys never match.
func RootKey(n *factor.Node) string {
	return string(n.Tag) + ":" + n.Name
}

// SubtreeKeys returns the distinct root keys of every subtree of n. Two trees
// can only have non-zero similarity when their key sets intersect.
func SubtreeKeys(n *factor.Node) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, sub := range subtrees(n) {
		if k := RootKey(sub); !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

func subtrees(n *factor.Node) []*factor.Node {
	var out []*factor.Node
	n.Walk(func(sub *factor.Node) bool {
		out = append(out, sub)
		return true
	})
	return out
}

// match scores the aligned subtrees of a and b from the top down. Nodes
// differing in tag or name contribute 0 and stop the descent. Same-function
// windows of different length and unequal constants contribute 0.5.
func match(a, b *factor.Node) float64 {
	if a.Tag != b.Tag || a.Name != b.Name {
		return 0
	}
	w := 1.0
	switch a.Tag {
	case factor.TagConst:
		if a.Value != b.Value {
			w = 0.5
		}
	case factor.TagWindow:
		if a.Window != b.Window {
			w = 0.5
		}
	}
	return w + alignChildren(a.Children, b.Children)
}

// maxExhaustive bounds the child count aligned by full assignment search
const maxExhaustive = 10

// alignChildren returns the maximum-weight one-to-one pairing of xs and ys.
// Wide nodes fall back to a greedy pairing.
func alignChildren(xs, ys []*factor.Node) float64 {
	if len(xs) == 0 || len(ys) == 0 {
		return 0
	}
	if len(xs) > len(ys) {
		xs, ys = ys, xs
	}

	weights := make([][]float64, len(xs))
	for i, x := range xs {
		weights[i] = make([]float64, len(ys))
		for j, y := range ys {
			weights[i][j] = match(x, y)
		}
	}

	if len(ys) > maxExhaustive {
		return greedyAlign(weights)
	}

	// dp over subsets of ys used by the first i xs
	full := 1 << len(ys)
	dp := make([]float64, full)
	for mask := 1; mask < full; mask++ {
		dp[mask] = -1
	}
	for i := range xs {
		next := make([]float64, full)
		for mask := range next {
			next[mask] = -1
		}
		for mask, v := range dp {
			if v < 0 {
				continue
			}
			for j := range ys {
				if mask&(1<<j) != 0 {
					continue
				}
				m := mask | 1<<j
				next[m] = max(next[m], v+weights[i][j])
			}
		}
		dp = next
	}

	best := 0.0
	for _, v := range dp {
		best = max(best, v)
	}
	return best
}

// greedyAlign repeatedly takes the heaviest pair whose row and column are
// both still free
func greedyAlign(weights [][]float64) float64 {
	type pair struct {
		i, j int
		w    float64
	}
	var pairs []pair
	for i, row := range weights {
		for j, w := range row {
			if w > 0 {
				pairs = append(pairs, pair{i, j, w})
			}
		}
	}
	sort.SliceStable(pairs, func(a, b int) bool { return pairs[a].w > pairs[b].w })

	usedX, usedY := make(map[int]bool), make(map[int]bool)
	total := 0.0
	for _, p := range pairs {
		if usedX[p.i] || usedY[p.j] {
			continue
		}
		usedX[p.i], usedY[p.j] = true, true
		total += p.w
	}
	return total
}
