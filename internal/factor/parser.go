package factor

import (
	"fmt"
	"math"
	"strings"

	apperrors "alphamine/internal/errors"
	"alphamine/internal/factor/registry"
)

// Parser 表达式解析器，绑定一个函数注册表
type Parser struct {
	reg *registry.Registry
}

// NewParser creates a parser over reg; nil selects the builtin registry
func NewParser(reg *registry.Registry) *Parser {
	if reg == nil {
		reg = registry.Default()
	}
	return &Parser{reg: reg}
}

// Registry returns the function table the parser resolves names against
func (p *Parser) Registry() *registry.Registry {
	return p.reg
}

var defaultParser = NewParser(nil)

// Parse parses text with the builtin registry
func Parse(text string) (*Node, error) {
	return defaultParser.Parse(text)
}

// Validate validates a tree against the builtin registry
func Validate(n *Node) error {
	return defaultParser.Validate(n)
}

// ParseAndValidate parses then validates
func ParseAndValidate(text string) (*Node, error) {
	return defaultParser.ParseAndValidate(text)
}

// Parse 将文本解析为表达式树，不做求值
//
// Fails with an ErrSyntax-matching error on malformed text and an
// ErrUnknownSymbol-matching error on functions or fields that do not exist.
// Arity and window checks are left to Validate.
func (p *Parser) Parse(text string) (*Node, error) {
	if strings.TrimSpace(text) == "" {
		return nil, syntaxError(0, "empty expression")
	}
	toks, err := lex(text)
	if err != nil {
		return nil, err
	}
	ps := &parseState{toks: toks, reg: p.reg}
	n, err := ps.expr(0)
	if err != nil {
		return nil, err
	}
	if t := ps.peek(); t.kind != tokEOF {
		return nil, syntaxError(t.pos, "unexpected "+t.describe())
	}
	return n, nil
}

// ParseAndValidate parses then validates
func (p *Parser) ParseAndValidate(text string) (*Node, error) {
	n, err := p.Parse(text)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(n); err != nil {
		return nil, err
	}
	return n, nil
}

type parseState struct {
	toks []token
	i    int
	reg  *registry.Registry
}

func (ps *parseState) peek() token { return ps.toks[ps.i] }

func (ps *parseState) next() token {
	t := ps.toks[ps.i]
	if t.kind != tokEOF {
		ps.i++
	}
	return t
}

// expr parses a left-associative chain of infix operators binding tighter
// than minPrec.
func (ps *parseState) expr(minPrec int) (*Node, error) {
	left, err := ps.prefix()
	if err != nil {
		return nil, err
	}
	for {
		t := ps.peek()
		if t.kind != tokOp {
			return left, nil
		}
		prec, ok := infixPrecedence[t.text]
		if !ok {
			return nil, syntaxError(t.pos, "unexpected "+t.describe())
		}
		if prec <= minPrec {
			return left, nil
		}
		ps.next()
		right, err := ps.expr(prec)
		if err != nil {
			return nil, err
		}
		left = Binary(t.text, left, right)
	}
}

func (ps *parseState) prefix() (*Node, error) {
	t := ps.next()
	switch t.kind {
	case tokNumber:
		return Const(t.num), nil
	case tokField:
		if !IsBaseField(t.text) {
			return nil, unknownSymbol(t.pos, fmt.Sprintf("unknown field $%s", t.text))
		}
		return Field(t.text), nil
	case tokIdent:
		return ps.call(t)
	case tokLParen:
		n, err := ps.expr(0)
		if err != nil {
			return nil, err
		}
		if r := ps.next(); r.kind != tokRParen {
			return nil, syntaxError(r.pos, "expected ')' but found "+r.describe())
		}
		return n, nil
	case tokOp:
		if t.text != "-" && t.text != "!" {
			break
		}
		operand, err := ps.expr(prefixPrecedence)
		if err != nil {
			return nil, err
		}
		if t.text == "-" && operand.Tag == TagConst {
			return Const(-operand.Value), nil
		}
		return Unary(t.text, operand), nil
	}
	return nil, syntaxError(t.pos, "unexpected "+t.describe())
}

func (ps *parseState) call(name token) (*Node, error) {
	spec, ok := ps.reg.Lookup(name.text)
	if !ok {
		if ps.peek().kind != tokLParen {
			return nil, unknownSymbol(name.pos, fmt.Sprintf("unknown identifier %s", name.text))
		}
		return nil, unknownSymbol(name.pos, fmt.Sprintf("unknown function %s", name.text))
	}
	if open := ps.next(); open.kind != tokLParen {
		return nil, syntaxError(open.pos, fmt.Sprintf("expected '(' after %s", spec.Name))
	}

	var args []*Node
	if ps.peek().kind == tokRParen {
		ps.next()
	} else {
		for {
			arg, err := ps.expr(0)
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			sep := ps.next()
			if sep.kind == tokRParen {
				break
			}
			if sep.kind != tokComma {
				return nil, syntaxError(sep.pos, "expected ',' or ')' but found "+sep.describe())
			}
		}
	}

	return buildCall(spec, args), nil
}

// buildCall maps a call onto its node tag. A trailing integral literal of a
// windowed call with full arity becomes the window; anything else is kept in
// Children so Validate can report it.
func buildCall(spec registry.Spec, args []*Node) *Node {
	switch spec.Kind {
	case registry.KindTimeSeries, registry.KindTechnical:
		n := &Node{Tag: TagWindow, Name: spec.Name, Children: args}
		if len(args) == spec.Arity() {
			last := args[len(args)-1]
			if w, ok := windowLiteral(last); ok {
				n.Window = w
				n.Children = args[:len(args)-1]
			}
		}
		return n
	case registry.KindCrossSectional:
		return &Node{Tag: TagCross, Name: spec.Name, Children: args}
	default:
		tag := TagBinary
		if spec.Args == 1 {
			tag = TagUnary
		}
		return &Node{Tag: tag, Name: spec.Name, Children: args}
	}
}

func windowLiteral(n *Node) (int, bool) {
	if n.Tag != TagConst || n.Value <= 0 || n.Value != math.Trunc(n.Value) || n.Value > math.MaxInt32 {
		return 0, false
	}
	return int(n.Value), true
}

// Validate 校验参数个数和窗口范围
func (p *Parser) Validate(n *Node) error {
	if n == nil {
		return apperrors.NewAppError(apperrors.ErrCodeValidation, "invalid factor expression: empty tree", nil)
	}
	var err error
	n.Walk(func(x *Node) bool {
		if err != nil {
			return false
		}
		err = p.validateNode(x)
		return err == nil
	})
	return err
}

func (p *Parser) validateNode(n *Node) error {
	switch n.Tag {
	case TagField:
		if !IsBaseField(n.Name) {
			return validationError(n, fmt.Sprintf("unknown field $%s", n.Name))
		}
		return nil
	case TagConst:
		if math.IsNaN(n.Value) || math.IsInf(n.Value, 0) {
			return validationError(n, "constant must be finite")
		}
		return nil
	case TagUnary, TagBinary:
		want := 1
		if n.Tag == TagBinary {
			want = 2
		}
		if IsOperator(n.Name) {
			if n.Tag == TagUnary && n.Name != "-" && n.Name != "!" {
				return validationError(n, fmt.Sprintf("%s is not a prefix operator", n.Name))
			}
			if n.Tag == TagBinary && n.Name == "!" {
				return validationError(n, "! is not an infix operator")
			}
			if len(n.Children) != want {
				return validationError(n, fmt.Sprintf("operator %s expects %d operands, got %d", n.Name, want, len(n.Children)))
			}
			return nil
		}
	case TagWindow, TagCross:
	default:
		return validationError(n, fmt.Sprintf("unknown node tag %q", n.Tag))
	}

	spec, ok := p.reg.Lookup(n.Name)
	if !ok {
		return validationError(n, fmt.Sprintf("unknown function %s", n.Name))
	}

	if n.Tag == TagWindow {
		if !spec.Windowed {
			return validationError(n, fmt.Sprintf("%s does not take a window", spec.Name))
		}
		if len(n.Children) == spec.Args+1 {
			return validationError(n, fmt.Sprintf("%s window must be a positive integer literal", spec.Name))
		}
		if len(n.Children) != spec.Args || n.Window == 0 {
			return validationError(n, fmt.Sprintf("%s expects %d arguments, got %d", spec.Name, spec.Arity(), len(n.Children)+boolInt(n.Window != 0)))
		}
		if n.Window < spec.MinWindow || n.Window > spec.MaxWindow {
			return validationError(n, fmt.Sprintf("%s window %d outside [%d, %d]", spec.Name, n.Window, spec.MinWindow, spec.MaxWindow))
		}
		return nil
	}

	if spec.Windowed {
		return validationError(n, fmt.Sprintf("%s requires a window", spec.Name))
	}
	if len(n.Children) != spec.Args {
		return validationError(n, fmt.Sprintf("%s expects %d arguments, got %d", spec.Name, spec.Args, len(n.Children)))
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func syntaxError(pos int, msg string) error {
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeSyntax, "syntax error",
		fmt.Sprintf("%s at %d", msg, pos), nil).WithContext("position", pos)
}

func unknownSymbol(pos int, msg string) error {
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeUnknownSymbol, "unknown symbol",
		fmt.Sprintf("%s at %d", msg, pos), nil).WithContext("position", pos)
}

func validationError(n *Node, msg string) error {
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeValidation, "invalid factor expression", msg, nil).
		WithContext("node", n.String())
}
