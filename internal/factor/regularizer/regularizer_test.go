package regularizer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "alphamine/internal/errors"
	"alphamine/internal/factor"
)

func parse(t *testing.T, text string) *factor.Node {
	t.Helper()
	n, err := factor.ParseAndValidate(text)
	require.NoError(t, err, text)
	return n
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"Mean($close, 5)", "Mean($close, 5)", 1},
		{"Mean($close, 5)", "Mean($close, 20)", 0.75},
		// only the shared $close leaf matches
		{"Mean($close, 5)", "Std($close, 5)", 0.5},
		{"Mean($close, 5)", "Mean($open, 5)", 0.5},
		{"$close + 1", "$close + 2", 2.5 / 3},
		// children are matched by best pairing, not position
		{"$close * $volume", "$volume * $close", 1},
		// a shared subtree matches below the root
		{"Mean($close, 5)", "Mean($close, 5) / $open", 0.5},
		{"Mean($close, 5) / $open", "Mean($close, 10) / $high", 2.5 / 4},
		{"$close", "$open", 0},
	}
	for _, tt := range tests {
		t.Run(tt.a+" ~ "+tt.b, func(t *testing.T) {
			a, b := parse(t, tt.a), parse(t, tt.b)
			assert.InDelta(t, tt.want, Similarity(a, b), 1e-9)
			assert.InDelta(t, Similarity(a, b), Similarity(b, a), 1e-9, "similarity is symmetric")
		})
	}
}

func TestEvaluateNovelty(t *testing.T) {
	candidate := parse(t, "Mean($close, 5)")

	s := Evaluate(candidate, Trees(nil))
	assert.Equal(t, 1.0, s.Novelty, "empty corpus gives full novelty")
	assert.Equal(t, 2, s.Complexity)

	s = Evaluate(candidate, Trees{parse(t, "Mean($close, 20)")})
	assert.InDelta(t, 0.25, s.Novelty, 1e-9)
	assert.Equal(t, "Mean($close, 20)", s.Nearest)

	s = Evaluate(candidate, Trees{parse(t, "Mean($close, 5)")})
	assert.InDelta(t, 0.0, s.Novelty, 1e-9)
}

func TestWrappedDuplicatesAreNotNovel(t *testing.T) {
	corpus := Trees{parse(t, "Mean($close, 5)")}
	tests := []struct {
		expr    string
		novelty float64
	}{
		{"Rank(Mean($close, 5))", 1.0 / 3},
		{"-Mean($close, 5)", 1.0 / 3},
		{"Mean($close, 5) * 2", 0.5},
		{"Mean($close, 5) + 0", 0.5},
		{"Rank(Mean($close, 5) - $open)", 0.6},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			s := Evaluate(parse(t, tt.expr), corpus)
			assert.InDelta(t, tt.novelty, s.Novelty, 1e-9)
			assert.Equal(t, "Mean($close, 5)", s.Nearest)
		})
	}

	// the regularizer is symmetric: the bare factor is no news after its wrapper
	s := Evaluate(parse(t, "Mean($close, 5)"), Trees{parse(t, "Rank(Mean($close, 5))")})
	assert.InDelta(t, 1.0/3, s.Novelty, 1e-9)
}

func TestSubtreeKeys(t *testing.T) {
	keys := SubtreeKeys(parse(t, "Rank(Mean($close, 5) - $close)"))
	assert.ElementsMatch(t, []string{"cross:Rank", "binary:-", "window:Mean", "field:close"}, keys)
}

func TestAlignChildrenGreedyForWideNodes(t *testing.T) {
	var xs, ys []*factor.Node
	for i := 0; i < maxExhaustive+2; i++ {
		xs = append(xs, factor.Field(fmt.Sprintf("f%d", i)))
		// reversed order: a positional pairing would match nothing
		ys = append([]*factor.Node{factor.Field(fmt.Sprintf("f%d", i))}, ys...)
	}
	assert.InDelta(t, float64(len(xs)), alignChildren(xs, ys), 1e-9)
	assert.InDelta(t, 1.0, greedyAlign([][]float64{{1, 0.5}, {1, 0}}), 1e-9,
		"greedy takes the heaviest pair and never reuses its row or column")
}

func TestNoveltyNonIncreasingAsCorpusGrows(t *testing.T) {
	candidate := parse(t, "Rank(Mean($close, 5) - $open)")
	priors := []string{
		"Std($volume, 10)",
		"Rank($close - $open)",
		"Rank(Mean($close, 10) - $open)",
		"Corr($close, $volume, 20)",
		"Rank(Mean($close, 5) - $open)",
	}

	var corpus Trees
	last := Evaluate(candidate, corpus).Novelty
	for _, p := range priors {
		corpus = append(corpus, parse(t, p))
		n := Evaluate(candidate, corpus).Novelty
		assert.LessOrEqual(t, n, last, "after adding %s", p)
		assert.GreaterOrEqual(t, n, 0.0)
		last = n
	}
	assert.InDelta(t, 0.0, last, 1e-9)
}

func TestComplexity(t *testing.T) {
	cx := ComputeComplexity(parse(t, "Rank(Mean($close, 5) - $open) * 2"))
	assert.Equal(t, 7, cx.NodeCount)
	assert.Equal(t, 3, cx.LeafCount)
	assert.Equal(t, 2, cx.ParamCount)
	assert.Equal(t, 5, cx.MaxDepth)
	assert.Equal(t, map[string]bool{"close": true, "open": true}, cx.UniqueFields)
	assert.Equal(t, 1, cx.OperatorCount["Mean"])

	base := parse(t, "$close")
	grown := parse(t, "Abs($close)")
	assert.Less(t, ComputeComplexity(base).NodeCount, ComputeComplexity(grown).NodeCount)
}

func TestPolicyCheck(t *testing.T) {
	p := Policy{MinNovelty: 0.3, MaxComplexity: 5}

	assert.NoError(t, p.Check(Score{Novelty: 0.3, Complexity: 5}))

	err := p.Check(Score{Novelty: 0.25, Complexity: 2, Nearest: "Mean($close, 20)"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNoveltyRejected))
	assert.Contains(t, err.Error(), "Mean($close, 20)")

	err = p.Check(Score{Novelty: 1, Complexity: 6})
	assert.True(t, errors.Is(err, apperrors.ErrNoveltyRejected))

	assert.NoError(t, Policy{}.Check(Score{Novelty: 0, Complexity: 100}))
}
