package factor

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, text string) *Node {
	t.Helper()
	n, err := ParseAndValidate(text)
	require.NoError(t, err, text)
	return n
}

func TestNodeMeasures(t *testing.T) {
	n := mustParse(t, "Rank(Mean($close, 5) - $open) * 2")

	assert.Equal(t, 7, n.Size())
	assert.Equal(t, 5, n.Depth())
	assert.Equal(t, []string{"close", "open"}, n.Fields())
}

func TestSizeGrowsWithOperators(t *testing.T) {
	small := mustParse(t, "Mean($close, 5)")
	larger := mustParse(t, "Mean($close, 5) / $open")
	largest := mustParse(t, "Rank(Mean($close, 5) / $open)")

	assert.Equal(t, 2, small.Size())
	assert.Less(t, small.Size(), larger.Size())
	assert.Less(t, larger.Size(), largest.Size())
}

func TestSkeletonIgnoresParameters(t *testing.T) {
	a := mustParse(t, "Mean($close, 5) * 2")
	b := mustParse(t, "Mean($close, 20) * 3")
	c := mustParse(t, "Mean($open, 5) * 2")

	assert.Equal(t, a.Skeleton(), b.Skeleton())
	assert.NotEqual(t, a.Skeleton(), c.Skeleton())
}

func TestCloneIsIndependent(t *testing.T) {
	orig := mustParse(t, "Mean($close, 5) + $open")
	cp := orig.Clone()
	require.True(t, orig.Equal(cp))

	cp.Children[0].Window = 10
	cp.Children[1].Name = "high"

	assert.Equal(t, "Mean($close, 5) + $open", orig.String())
	assert.False(t, orig.Equal(cp))
}

func TestNodeJSON(t *testing.T) {
	orig := mustParse(t, "Corr(Rank($volume), $close, 10) - 0.5")

	data, err := json.Marshal(orig)
	require.NoError(t, err)

	var decoded Node
	require.NoError(t, json.Unmarshal(data, &decoded))
	if diff := cmp.Diff(orig, &decoded); diff != "" {
		t.Errorf("json round trip mismatch (-want +got):\n%s", diff)
	}
	assert.NoError(t, Validate(&decoded))
}

func TestEqual(t *testing.T) {
	assert.True(t, mustParse(t, "$close + 1").Equal(mustParse(t, "($close) + 1.0")))
	assert.False(t, mustParse(t, "$close + 1").Equal(mustParse(t, "$close + 2")))
	assert.False(t, mustParse(t, "Mean($close, 5)").Equal(mustParse(t, "Mean($close, 6)")))
	assert.False(t, mustParse(t, "$close + $open").Equal(mustParse(t, "$close - $open")))

	var nilNode *Node
	assert.True(t, nilNode.Equal(nil))
}
