// Package registry maps factor DSL function names to their semantic
// category, argument contract and typed evaluator.
//
// The table is static. Every entry is checked once at construction so that a
// spec whose evaluator does not fit its kind and arity is rejected before any
// expression is parsed against it.
package registry

import (
	"fmt"
	"sort"
	"strings"
)

// Kind is the semantic category of a DSL function.
type Kind int

const (
	KindArithmetic Kind = iota
	KindTimeSeries
	KindCrossSectional
	KindTechnical
)

func (k Kind) String() string {
	switch k {
	case KindArithmetic:
		return "arithmetic"
	case KindTimeSeries:
		return "time-series"
	case KindCrossSectional:
		return "cross-sectional"
	case KindTechnical:
		return "technical"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Evaluator signatures. Missing values are NaN; none of them panic or return
// errors on insufficient history or division by zero.
type (
	SeriesFunc func(x []float64, window int) []float64
	PairFunc   func(x, y []float64, window int) []float64
	CrossFunc  func(row []float64) []float64
	UnaryFunc  func(x float64) float64
	BinaryFunc func(a, b float64) float64
)

// Spec describes one DSL function.
type Spec struct {
	Name        string
	Kind        Kind
	Args        int // number of series arguments
	Windowed    bool
	MinWindow   int
	MaxWindow   int
	Description string

	Series SeriesFunc
	Pair   PairFunc
	Cross  CrossFunc
	Unary  UnaryFunc
	Binary BinaryFunc
}

// Arity is the number of call arguments including the trailing window.
func (s Spec) Arity() int {
	if s.Windowed {
		return s.Args + 1
	}
	return s.Args
}

// check verifies that exactly the evaluator required by kind and arity is set.
func (s Spec) check() error {
	if s.Name == "" {
		return fmt.Errorf("function spec without name")
	}
	set := 0
	for _, ok := range []bool{s.Series != nil, s.Pair != nil, s.Cross != nil, s.Unary != nil, s.Binary != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("function %s: expected exactly one evaluator, found %d", s.Name, set)
	}

	switch s.Kind {
	case KindTimeSeries, KindTechnical:
		if !s.Windowed {
			return fmt.Errorf("function %s: %s functions take a window", s.Name, s.Kind)
		}
		if s.MinWindow < 1 || s.MaxWindow < s.MinWindow {
			return fmt.Errorf("function %s: invalid window range [%d, %d]", s.Name, s.MinWindow, s.MaxWindow)
		}
		switch {
		case s.Args == 1 && s.Series != nil:
		case s.Args == 2 && s.Pair != nil:
		default:
			return fmt.Errorf("function %s: evaluator does not match %d series arguments", s.Name, s.Args)
		}
	case KindCrossSectional:
		if s.Windowed || s.Args != 1 || s.Cross == nil {
			return fmt.Errorf("function %s: cross-sectional functions take one series and no window", s.Name)
		}
	case KindArithmetic:
		if s.Windowed {
			return fmt.Errorf("function %s: arithmetic functions take no window", s.Name)
		}
		switch {
		case s.Args == 1 && s.Unary != nil:
		case s.Args == 2 && s.Binary != nil:
		default:
			return fmt.Errorf("function %s: evaluator does not match %d arguments", s.Name, s.Args)
		}
	default:
		return fmt.Errorf("function %s: unknown kind %d", s.Name, int(s.Kind))
	}
	return nil
}

// Registry is an immutable, case-insensitive function table.
type Registry struct {
	specs map[string]Spec
}

// New builds a registry, rejecting duplicate or malformed specs.
func New(specs ...Spec) (*Registry, error) {
	r := &Registry{specs: make(map[string]Spec, len(specs))}
	for _, s := range specs {
		if err := s.check(); err != nil {
			return nil, err
		}
		key := strings.ToLower(s.Name)
		if _, dup := r.specs[key]; dup {
			return nil, fmt.Errorf("duplicate function %s", s.Name)
		}
		r.specs[key] = s
	}
	return r, nil
}

// Lookup resolves a function name regardless of case.
func (r *Registry) Lookup(name string) (Spec, bool) {
	s, ok := r.specs[strings.ToLower(name)]
	return s, ok
}

// Names returns canonical function names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.specs))
	for _, s := range r.specs {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

// ByKind returns the canonical names of all functions of the given kind.
func (r *Registry) ByKind(kind Kind) []string {
	var names []string
	for _, s := range r.specs {
		if s.Kind == kind {
			names = append(names, s.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Describe renders the table for prompts and CLI help.
func (r *Registry) Describe() string {
	var b strings.Builder
	for _, name := range r.Names() {
		s, _ := r.Lookup(name)
		args := make([]string, 0, s.Arity())
		for i := 0; i < s.Args; i++ {
			args = append(args, fmt.Sprintf("x%d", i+1))
		}
		if s.Windowed {
			args = append(args, "n")
		}
		fmt.Fprintf(&b, "%s(%s) [%s] %s\n", s.Name, strings.Join(args, ", "), s.Kind, s.Description)
	}
	return b.String()
}

var defaultRegistry *Registry

func init() {
	r, err := New(builtins()...)
	if err != nil {
		panic(fmt.Sprintf("registry: invalid builtin table: %v", err))
	}
	defaultRegistry = r
}

// Default returns the builtin function table.
func Default() *Registry {
	return defaultRegistry
}

// Operators evaluated element-wise. Comparisons and logic yield 1 or 0.
var (
	binaryOperators = map[string]BinaryFunc{
		"+":  func(a, b float64) float64 { return a + b },
		"-":  func(a, b float64) float64 { return a - b },
		"*":  func(a, b float64) float64 { return a * b },
		"/":  safeDiv,
		">":  compare(func(a, b float64) bool { return a > b }),
		"<":  compare(func(a, b float64) bool { return a < b }),
		">=": compare(func(a, b float64) bool { return a >= b }),
		"<=": compare(func(a, b float64) bool { return a <= b }),
		"==": compare(func(a, b float64) bool { return a == b }),
		"!=": compare(func(a, b float64) bool { return a != b }),
		"&&": compare(func(a, b float64) bool { return a != 0 && b != 0 }),
		"||": compare(func(a, b float64) bool { return a != 0 || b != 0 }),
	}
	unaryOperators = map[string]UnaryFunc{
		"-": func(x float64) float64 { return -x },
		"!": func(x float64) float64 {
			if isNaN(x) {
				return nan
			}
			return boolToFloat(x == 0)
		},
	}
)

// BinaryOperator returns the evaluator of an infix operator.
func BinaryOperator(symbol string) (BinaryFunc, bool) {
	f, ok := binaryOperators[symbol]
	return f, ok
}

// UnaryOperator returns the evaluator of a prefix operator.
func UnaryOperator(symbol string) (UnaryFunc, bool) {
	f, ok := unaryOperators[symbol]
	return f, ok
}
