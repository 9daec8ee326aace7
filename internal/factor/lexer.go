package factor

import (
	"fmt"
	"strconv"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokField
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

func (t token) describe() string {
	if t.kind == tokEOF {
		return "end of input"
	}
	return fmt.Sprintf("'%s'", t.text)
}

// lex splits an expression into tokens; pos is a 0-based byte offset.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, text: ",", pos: i})
			i++
		case c == '$':
			j := i + 1
			for j < len(src) && isIdentByte(src[j], j == i+1) {
				j++
			}
			if j == i+1 {
				return nil, syntaxError(i, "expected field name after '$'")
			}
			toks = append(toks, token{kind: tokField, text: src[i+1 : j], pos: i})
			i = j
		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])):
			j := scanNumber(src, i)
			v, err := strconv.ParseFloat(src[i:j], 64)
			if err != nil {
				return nil, syntaxError(i, fmt.Sprintf("malformed number '%s'", src[i:j]))
			}
			toks = append(toks, token{kind: tokNumber, text: src[i:j], num: v, pos: i})
			i = j
		case isIdentByte(c, true):
			j := i + 1
			for j < len(src) && isIdentByte(src[j], false) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: src[i:j], pos: i})
			i = j
		default:
			if op, ok := scanOperator(src, i); ok {
				toks = append(toks, token{kind: tokOp, text: op, pos: i})
				i += len(op)
				continue
			}
			r := []rune(src[i:])[0]
			if unicode.IsPrint(r) {
				return nil, syntaxError(i, fmt.Sprintf("unexpected character '%c'", r))
			}
			return nil, syntaxError(i, fmt.Sprintf("unexpected character %q", r))
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentByte(c byte, first bool) bool {
	if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
		return true
	}
	return !first && isDigit(c)
}

func scanNumber(src string, i int) int {
	j := i
	for j < len(src) && isDigit(src[j]) {
		j++
	}
	if j < len(src) && src[j] == '.' {
		j++
		for j < len(src) && isDigit(src[j]) {
			j++
		}
	}
	if j < len(src) && (src[j] == 'e' || src[j] == 'E') {
		k := j + 1
		if k < len(src) && (src[k] == '+' || src[k] == '-') {
			k++
		}
		if k < len(src) && isDigit(src[k]) {
			for k < len(src) && isDigit(src[k]) {
				k++
			}
			j = k
		}
	}
	return j
}

var twoCharOps = []string{">=", "<=", "==", "!=", "&&", "||"}

func scanOperator(src string, i int) (string, bool) {
	if i+1 < len(src) {
		pair := src[i : i+2]
		for _, op := range twoCharOps {
			if pair == op {
				return op, true
			}
		}
	}
	switch src[i] {
	case '+', '-', '*', '/', '>', '<', '!':
		return src[i : i+1], true
	}
	return "", false
}
