// Package factor implements the factor expression tree, its parser and
// canonical serializer.
package factor

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Tag 节点类型
type Tag string

const (
	TagField  Tag = "field"  // $close
	TagConst  Tag = "const"  // 5, 0.5
	TagUnary  Tag = "unary"  // -x, !x, Abs(x)
	TagBinary Tag = "binary" // x + y, Power(x, y)
	TagWindow Tag = "window" // Mean(x, 5), Corr(x, y, 10)
	TagCross  Tag = "cross"  // Rank(x)
)

// BaseFields 可引用的基础字段
var BaseFields = []string{"open", "high", "low", "close", "volume", "vwap", "return"}

var baseFieldSet = func() map[string]bool {
	m := make(map[string]bool, len(BaseFields))
	for _, f := range BaseFields {
		m[f] = true
	}
	return m
}()

// IsBaseField reports whether name is a recognized base field
func IsBaseField(name string) bool {
	return baseFieldSet[strings.ToLower(name)]
}

// Node 因子表达式树节点
//
// Name holds the field name for TagField, the operator symbol or function
// name for TagUnary/TagBinary, and the function name for TagWindow/TagCross.
// Window is the window length of a TagWindow node; series arguments are in
// Children. A tree is not modified after parse.
type Node struct {
	Tag      Tag     `json:"tag"`
	Name     string  `json:"name,omitempty"`
	Value    float64 `json:"value,omitempty"`
	Window   int     `json:"window,omitempty"`
	Children []*Node `json:"children,omitempty"`
}

// Field 创建字段引用
func Field(name string) *Node {
	return &Node{Tag: TagField, Name: strings.ToLower(name)}
}

// Const 创建常量
func Const(v float64) *Node {
	return &Node{Tag: TagConst, Value: v}
}

// Unary 创建一元运算
func Unary(op string, child *Node) *Node {
	return &Node{Tag: TagUnary, Name: op, Children: []*Node{child}}
}

// Binary 创建二元运算
func Binary(op string, left, right *Node) *Node {
	return &Node{Tag: TagBinary, Name: op, Children: []*Node{left, right}}
}

// WindowOp 创建窗口函数调用
func WindowOp(fn string, window int, series ...*Node) *Node {
	return &Node{Tag: TagWindow, Name: fn, Window: window, Children: series}
}

// CrossOp 创建截面函数调用
func CrossOp(fn string, child *Node) *Node {
	return &Node{Tag: TagCross, Name: fn, Children: []*Node{child}}
}

// operator precedence; 0 for function calls and leaves
var infixPrecedence = map[string]int{
	"||": 1,
	"&&": 2,
	">":  3, "<": 3, ">=": 3, "<=": 3, "==": 3, "!=": 3,
	"+": 4, "-": 4,
	"*": 5, "/": 5,
}

const prefixPrecedence = 6

// IsOperator reports whether name is an infix or prefix operator symbol
func IsOperator(name string) bool {
	if _, ok := infixPrecedence[name]; ok {
		return true
	}
	return name == "!"
}

func (n *Node) precedence() int {
	switch {
	case n.Tag == TagBinary && IsOperator(n.Name):
		return infixPrecedence[n.Name]
	case n.Tag == TagUnary && IsOperator(n.Name):
		return prefixPrecedence
	case n.Tag == TagConst && n.Value < 0:
		return prefixPrecedence
	default:
		return prefixPrecedence + 1
	}
}

// String 序列化为规范文本
func (n *Node) String() string {
	var b strings.Builder
	n.write(&b)
	return b.String()
}

func (n *Node) write(b *strings.Builder) {
	switch n.Tag {
	case TagField:
		b.WriteByte('$')
		b.WriteString(n.Name)
	case TagConst:
		b.WriteString(formatConst(n.Value))
	case TagUnary:
		if IsOperator(n.Name) {
			b.WriteString(n.Name)
			writeOperand(b, n.Children[0], prefixPrecedence, false)
			return
		}
		n.writeCall(b)
	case TagBinary:
		if IsOperator(n.Name) && len(n.Children) == 2 {
			p := infixPrecedence[n.Name]
			writeOperand(b, n.Children[0], p, false)
			b.WriteByte(' ')
			b.WriteString(n.Name)
			b.WriteByte(' ')
			writeOperand(b, n.Children[1], p, true)
			return
		}
		n.writeCall(b)
	default:
		n.writeCall(b)
	}
}

func writeOperand(b *strings.Builder, child *Node, parent int, right bool) {
	p := child.precedence()
	if p < parent || (right && p == parent) {
		b.WriteByte('(')
		child.write(b)
		b.WriteByte(')')
		return
	}
	child.write(b)
}

func (n *Node) writeCall(b *strings.Builder) {
	b.WriteString(n.Name)
	b.WriteByte('(')
	for i, c := range n.Children {
		if i > 0 {
			b.WriteString(", ")
		}
		c.write(b)
	}
	if n.Tag == TagWindow && n.Window != 0 {
		if len(n.Children) > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.Itoa(n.Window))
	}
	b.WriteByte(')')
}

func formatConst(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Equal 结构相等
func (n *Node) Equal(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	if n.Tag != o.Tag || n.Name != o.Name || n.Window != o.Window || len(n.Children) != len(o.Children) {
		return false
	}
	if n.Tag == TagConst && n.Value != o.Value {
		return false
	}
	for i := range n.Children {
		if !n.Children[i].Equal(o.Children[i]) {
			return false
		}
	}
	return true
}

// Clone 深拷贝
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Children != nil {
		c.Children = make([]*Node, len(n.Children))
		for i, ch := range n.Children {
			c.Children[i] = ch.Clone()
		}
	}
	return &c
}

// Walk visits nodes in pre-order; returning false skips the subtree
func (n *Node) Walk(fn func(*Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Size 节点数
func (n *Node) Size() int {
	count := 0
	n.Walk(func(*Node) bool {
		count++
		return true
	})
	return count
}

// Depth 树深度，叶子为1
func (n *Node) Depth() int {
	if n == nil {
		return 0
	}
	d := 0
	for _, c := range n.Children {
		d = max(d, c.Depth())
	}
	return d + 1
}

// Fields 引用的字段，去重排序
func (n *Node) Fields() []string {
	seen := make(map[string]bool)
	n.Walk(func(x *Node) bool {
		if x.Tag == TagField {
			seen[x.Name] = true
		}
		return true
	})
	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Skeleton 去掉常量和窗口参数后的结构指纹
func (n *Node) Skeleton() string {
	var b strings.Builder
	n.writeSkeleton(&b)
	return b.String()
}

func (n *Node) writeSkeleton(b *strings.Builder) {
	switch n.Tag {
	case TagField:
		b.WriteByte('$')
		b.WriteString(n.Name)
		return
	case TagConst:
		b.WriteByte('#')
		return
	}
	fmt.Fprintf(b, "%s:%s(", n.Tag, n.Name)
	for i, c := range n.Children {
		if i > 0 {
			b.WriteByte(',')
		}
		c.writeSkeleton(b)
	}
	if n.Tag == TagWindow {
		b.WriteString(",_")
	}
	b.WriteByte(')')
}
