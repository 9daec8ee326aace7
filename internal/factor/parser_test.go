package factor

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "alphamine/internal/errors"
)

func TestParseStructure(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want *Node
	}{
		{
			name: "window call",
			in:   "Mean($close, 5)",
			want: WindowOp("Mean", 5, Field("close")),
		},
		{
			name: "case insensitive names",
			in:   "mean($CLOSE, 5)",
			want: WindowOp("Mean", 5, Field("close")),
		},
		{
			name: "multiplicative binds tighter",
			in:   "$close - $open / $high",
			want: Binary("-", Field("close"), Binary("/", Field("open"), Field("high"))),
		},
		{
			name: "left associative",
			in:   "$close - $open - $high",
			want: Binary("-", Binary("-", Field("close"), Field("open")), Field("high")),
		},
		{
			name: "logical below comparison",
			in:   "$close > $open && $volume > 0 || !$return",
			want: Binary("||",
				Binary("&&",
					Binary(">", Field("close"), Field("open")),
					Binary(">", Field("volume"), Const(0))),
				Unary("!", Field("return"))),
		},
		{
			name: "negative literal folds",
			in:   "-2 * $close",
			want: Binary("*", Const(-2), Field("close")),
		},
		{
			name: "pair window",
			in:   "Corr($close, $volume, 10)",
			want: WindowOp("Corr", 10, Field("close"), Field("volume")),
		},
		{
			name: "cross sectional and arithmetic",
			in:   "Rank(Abs($close - Ref($close, 1)))",
			want: CrossOp("Rank", &Node{Tag: TagUnary, Name: "Abs", Children: []*Node{
				Binary("-", Field("close"), WindowOp("Ref", 1, Field("close"))),
			}}),
		},
		{
			name: "exponent literal",
			in:   "$volume * 1.5e-3",
			want: Binary("*", Field("volume"), Const(1.5e-3)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tt.in, diff)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	exprs := []string{
		"Mean($close, 5)",
		"($close - $open) / $open",
		"$close - ($open - $high)",
		"-($close + $open)",
		"--$close",
		"Rank(Delta($close, 5)) * -1",
		"Corr(Rank($volume), Rank($close), 10) + TSZScore($return, 20)",
		"Greater($high - $low, 0.01) / Power($vwap, 2)",
		"$close > Mean($close, 20) && RSI($close, 14) < 30",
		"!($close == $open) || $volume != 0",
		"EMA($close, 12) - EMA($close, 26)",
		"Scale(Demean(ZScore($close / Ref($close, 1) - 1)))",
		"1e+21 * $close",
	}

	for _, expr := range exprs {
		t.Run(expr, func(t *testing.T) {
			first, err := ParseAndValidate(expr)
			require.NoError(t, err)

			text := first.String()
			second, err := Parse(text)
			require.NoError(t, err)

			if diff := cmp.Diff(first, second); diff != "" {
				t.Errorf("tree changed after round trip (-first +second):\n%s", diff)
			}
			assert.Equal(t, text, second.String(), "canonical text must be stable")
		})
	}
}

func TestCanonicalText(t *testing.T) {
	tests := map[string]string{
		"mean( $close ,5 )":        "Mean($close, 5)",
		"(($close))":               "$close",
		"($close * $open) + $high": "$close * $open + $high",
		"$close * ($open + $high)": "$close * ($open + $high)",
		"2.50 * $close":            "2.5 * $close",
	}
	for in, want := range tests {
		n, err := Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, n.String(), in)
	}
}

func TestParseSyntaxErrors(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"Mean($close, 5",
		"Mean($close 5)",
		"$close +",
		"$close )",
		"$close # 2",
		"$",
		"* $close",
		"Mean",
		"($close",
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrSyntax), "got %v", err)
		})
	}

	_, err := Parse("$close )")
	assert.EqualError(t, err, "[SYNTAX_ERROR] syntax error: unexpected ')' at 7")
}

func TestParseUnknownSymbols(t *testing.T) {
	for _, in := range []string{"Foo($close)", "$price + 1", "close", "Mean($close, 5) + Bar(1)"} {
		_, err := Parse(in)
		require.Error(t, err, in)
		assert.True(t, errors.Is(err, apperrors.ErrUnknownSymbol), "%s: got %v", in, err)
	}
}

func TestValidate(t *testing.T) {
	valid := []string{"Mean($close, 1)", "Std($close, 2)", "Mean($close, 500)", "Abs($close)", "Rank($close)"}
	for _, in := range valid {
		_, err := ParseAndValidate(in)
		assert.NoError(t, err, in)
	}

	invalid := []string{
		"Mean($close)",
		"Mean($close, 0)",
		"Mean($close, 2.5)",
		"Mean($close, 1000)",
		"Mean($close, $open)",
		"Std($close, 1)",
		"Corr($close, 5)",
		"Abs($close, $open)",
		"Power($close)",
		"Rank($close, 5)",
		"Mean()",
	}
	for _, in := range invalid {
		t.Run(in, func(t *testing.T) {
			n, err := Parse(in)
			require.NoError(t, err, "misuse must still parse")
			err = Validate(n)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrValidation), "got %v", err)
		})
	}
}

func TestValidateRejectsMalformedTrees(t *testing.T) {
	assert.Error(t, Validate(nil))
	assert.Error(t, Validate(Field("price")))
	assert.Error(t, Validate(&Node{Tag: TagUnary, Name: "+", Children: []*Node{Field("close")}}))
	assert.Error(t, Validate(&Node{Tag: "lambda"}))
}
