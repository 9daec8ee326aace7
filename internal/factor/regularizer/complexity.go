package regularizer

import "alphamine/internal/factor"

// Complexity holds complexity metrics for a factor tree
type Complexity struct {
	NodeCount     int
	LeafCount     int
	ParamCount    int // constants and windows
	MaxDepth      int
	UniqueFields  map[string]bool
	OperatorCount map[string]int
}

// ComputeComplexity walks a tree once and collects its metrics
func ComputeComplexity(root *factor.Node) Complexity {
	cx := Complexity{
		UniqueFields:  make(map[string]bool),
		OperatorCount: make(map[string]int),
	}
	walkTree(root, &cx, 1)
	return cx
}

func walkTree(n *factor.Node, cx *Complexity, depth int) {
	if n == nil {
		return
	}
	cx.MaxDepth = max(cx.MaxDepth, depth)
	cx.NodeCount++

	switch n.Tag {
	case factor.TagField:
		cx.LeafCount++
		cx.UniqueFields[n.Name] = true
	case factor.TagConst:
		cx.LeafCount++
		cx.ParamCount++
	case factor.TagWindow:
		cx.ParamCount++
		cx.OperatorCount[n.Name]++
	default:
		cx.OperatorCount[n.Name]++
	}

	for _, c := range n.Children {
		walkTree(c, cx, depth+1)
	}
}
