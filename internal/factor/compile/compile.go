// Package compile turns a validated factor tree into a program evaluated over
// panel matrices.
package compile

import (
	"context"
	"fmt"
	"math"

	apperrors "alphamine/internal/errors"
	"alphamine/internal/factor"
	"alphamine/internal/factor/registry"
	"alphamine/internal/panel"
)

// Program is a compiled factor. It is immutable and safe for concurrent use.
type Program struct {
	expr   string
	fields []string
	root   evalFunc
}

type frame struct {
	ctx     context.Context
	symbols []string
	fields  map[string]*panel.Matrix
	shape   [2]int
}

type evalFunc func(f *frame) (*panel.Matrix, error)

// Compile validates tree against reg (nil for the builtin table) and builds
// its program. Compilation is deterministic: equal trees yield equal programs.
func Compile(tree *factor.Node, reg *registry.Registry) (*Program, error) {
	p := factor.NewParser(reg)
	if err := p.Validate(tree); err != nil {
		return nil, err
	}
	root, err := build(tree, p.Registry())
	if err != nil {
		return nil, err
	}
	return &Program{expr: tree.String(), fields: tree.Fields(), root: root}, nil
}

// Expression returns the canonical text the program was compiled from
func (p *Program) Expression() string { return p.expr }

// Fields returns the base fields the program reads
func (p *Program) Fields() []string { return append([]string(nil), p.fields...) }

// Run fetches the program's fields and evaluates it. The result is indexed
// like the query's panel slice. ctx is checked between nodes.
func (p *Program) Run(ctx context.Context, provider panel.Provider, q panel.Query) (*panel.Matrix, error) {
	f := &frame{ctx: ctx, fields: make(map[string]*panel.Matrix, len(p.fields))}

	var index *panel.Matrix
	for _, name := range p.fields {
		m, err := provider.Fetch(ctx, q, name)
		if err != nil {
			return nil, err
		}
		if index == nil {
			index = m
		} else if !index.SameIndex(m) {
			return nil, executionError(fmt.Sprintf("field %s is not aligned with %s", name, p.fields[0]), nil)
		}
		f.fields[name] = m
	}
	if index == nil {
		// constant-only program: borrow the index of close
		m, err := provider.Fetch(ctx, q, "close")
		if err != nil {
			return nil, err
		}
		index = m
	}
	f.symbols = index.Symbols
	f.shape = [2]int{len(index.Symbols), len(index.Dates)}

	out, err := p.root(f)
	if err != nil {
		return nil, err
	}
	out.Symbols = append([]string(nil), index.Symbols...)
	out.Dates = append(out.Dates[:0:0], index.Dates...)
	return out, nil
}

func build(n *factor.Node, reg *registry.Registry) (evalFunc, error) {
	children := make([]evalFunc, len(n.Children))
	for i, c := range n.Children {
		fn, err := build(c, reg)
		if err != nil {
			return nil, err
		}
		children[i] = fn
	}

	switch n.Tag {
	case factor.TagField:
		name := n.Name
		return func(f *frame) (*panel.Matrix, error) {
			m, ok := f.fields[name]
			if !ok {
				return nil, executionError("field $"+name+" was not fetched", nil)
			}
			return m, nil
		}, nil

	case factor.TagConst:
		v := n.Value
		return func(f *frame) (*panel.Matrix, error) {
			m := blank(f)
			for _, row := range m.Values {
				for d := range row {
					row[d] = v
				}
			}
			return m, nil
		}, nil

	case factor.TagUnary:
		op, err := unaryFunc(n, reg)
		if err != nil {
			return nil, err
		}
		return elementwise(children, func(xs []float64) float64 { return op(xs[0]) }), nil

	case factor.TagBinary:
		op, err := binaryFunc(n, reg)
		if err != nil {
			return nil, err
		}
		return elementwise(children, func(xs []float64) float64 { return op(xs[0], xs[1]) }), nil

	case factor.TagWindow:
		spec, _ := reg.Lookup(n.Name)
		w := n.Window
		if spec.Pair != nil {
			return perSymbol(children, func(rows [][]float64) []float64 { return spec.Pair(rows[0], rows[1], w) }), nil
		}
		return perSymbol(children, func(rows [][]float64) []float64 { return spec.Series(rows[0], w) }), nil

	case factor.TagCross:
		spec, _ := reg.Lookup(n.Name)
		return perDate(children[0], spec.Cross), nil
	}
	return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeValidation, "invalid factor expression",
		fmt.Sprintf("cannot compile node tag %q", n.Tag), nil)
}

func unaryFunc(n *factor.Node, reg *registry.Registry) (registry.UnaryFunc, error) {
	if op, ok := registry.UnaryOperator(n.Name); ok {
		return op, nil
	}
	if spec, ok := reg.Lookup(n.Name); ok && spec.Unary != nil {
		return spec.Unary, nil
	}
	return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeValidation, "invalid factor expression",
		"no unary evaluator for "+n.Name, nil)
}

func binaryFunc(n *factor.Node, reg *registry.Registry) (registry.BinaryFunc, error) {
	if op, ok := registry.BinaryOperator(n.Name); ok {
		return op, nil
	}
	if spec, ok := reg.Lookup(n.Name); ok && spec.Binary != nil {
		return spec.Binary, nil
	}
	return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeValidation, "invalid factor expression",
		"no binary evaluator for "+n.Name, nil)
}

func blank(f *frame) *panel.Matrix {
	m := &panel.Matrix{Values: make([][]float64, f.shape[0])}
	for s := range m.Values {
		m.Values[s] = make([]float64, f.shape[1])
	}
	return m
}

func evalChildren(f *frame, children []evalFunc) ([]*panel.Matrix, error) {
	if err := f.ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]*panel.Matrix, len(children))
	for i, c := range children {
		m, err := c(f)
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

func elementwise(children []evalFunc, op func(xs []float64) float64) evalFunc {
	return func(f *frame) (*panel.Matrix, error) {
		in, err := evalChildren(f, children)
		if err != nil {
			return nil, err
		}
		out := blank(f)
		xs := make([]float64, len(in))
		for s, row := range out.Values {
			for d := range row {
				for i, m := range in {
					xs[i] = m.Values[s][d]
				}
				row[d] = finite(op(xs))
			}
		}
		return out, nil
	}
}

func perSymbol(children []evalFunc, op func(rows [][]float64) []float64) evalFunc {
	return func(f *frame) (*panel.Matrix, error) {
		in, err := evalChildren(f, children)
		if err != nil {
			return nil, err
		}
		out := blank(f)
		rows := make([][]float64, len(in))
		for s := range out.Values {
			for i, m := range in {
				rows[i] = m.Values[s]
			}
			res := op(rows)
			for d := range out.Values[s] {
				out.Values[s][d] = finite(res[d])
			}
		}
		return out, nil
	}
}

func perDate(child evalFunc, op registry.CrossFunc) evalFunc {
	return func(f *frame) (*panel.Matrix, error) {
		in, err := evalChildren(f, []evalFunc{child})
		if err != nil {
			return nil, err
		}
		out := blank(f)
		col := make([]float64, f.shape[0])
		for d := 0; d < f.shape[1]; d++ {
			for s := range col {
				col[s] = in[0].Values[s][d]
			}
			res := op(col)
			for s := range col {
				out.Values[s][d] = finite(res[s])
			}
		}
		return out, nil
	}
}

func finite(v float64) float64 {
	if math.IsInf(v, 0) {
		return math.NaN()
	}
	return v
}

func executionError(details string, cause error) error {
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeExecution, "factor execution failed", details, cause)
}
