package registry

import (
	"math"
	"sort"
)

var nan = math.NaN()

const maxWindow = 500

func isNaN(x float64) bool { return math.IsNaN(x) }

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func safeDiv(a, b float64) float64 {
	if b == 0 || isNaN(a) || isNaN(b) {
		return nan
	}
	return a / b
}

func compare(pred func(a, b float64) bool) BinaryFunc {
	return func(a, b float64) float64 {
		if isNaN(a) || isNaN(b) {
			return nan
		}
		return boolToFloat(pred(a, b))
	}
}

// finite maps ±Inf to NaN so overflow surfaces as a missing value.
func finite(x float64) float64 {
	if math.IsInf(x, 0) {
		return nan
	}
	return x
}

func builtins() []Spec {
	ts := func(name, desc string, minWindow int, f SeriesFunc) Spec {
		return Spec{Name: name, Kind: KindTimeSeries, Args: 1, Windowed: true,
			MinWindow: minWindow, MaxWindow: maxWindow, Description: desc, Series: f}
	}
	pair := func(name, desc string, f PairFunc) Spec {
		return Spec{Name: name, Kind: KindTimeSeries, Args: 2, Windowed: true,
			MinWindow: 2, MaxWindow: maxWindow, Description: desc, Pair: f}
	}
	tech := func(name, desc string, f SeriesFunc) Spec {
		return Spec{Name: name, Kind: KindTechnical, Args: 1, Windowed: true,
			MinWindow: 2, MaxWindow: maxWindow, Description: desc, Series: f}
	}
	cs := func(name, desc string, f CrossFunc) Spec {
		return Spec{Name: name, Kind: KindCrossSectional, Args: 1, Description: desc, Cross: f}
	}
	un := func(name, desc string, f UnaryFunc) Spec {
		return Spec{Name: name, Kind: KindArithmetic, Args: 1, Description: desc, Unary: f}
	}
	bin := func(name, desc string, f BinaryFunc) Spec {
		return Spec{Name: name, Kind: KindArithmetic, Args: 2, Description: desc, Binary: f}
	}

	return []Spec{
		ts("Mean", "rolling mean", 1, rolling(mean)),
		ts("Std", "rolling sample standard deviation", 2, rolling(std)),
		ts("Var", "rolling sample variance", 2, rolling(variance)),
		ts("Sum", "rolling sum", 1, rolling(sum)),
		ts("Max", "rolling maximum", 1, rolling(maxOf)),
		ts("Min", "rolling minimum", 1, rolling(minOf)),
		ts("Skew", "rolling sample skewness", 3, rolling(skew)),
		ts("Slope", "rolling linear regression slope against time", 2, rolling(slope)),
		ts("TSRank", "percentile rank of the latest value within the window", 1, rolling(tsRank)),
		ts("TSZScore", "z-score of the latest value within the window", 2, rolling(tsZScore)),
		ts("WMA", "linearly weighted moving average", 1, rolling(wma)),
		ts("EMA", "exponential moving average with span n", 1, ema),
		ts("Delta", "difference from n periods ago", 1, lagged(func(cur, past float64) float64 { return cur - past })),
		ts("Ref", "value n periods ago", 1, lagged(func(_, past float64) float64 { return past })),
		pair("Corr", "rolling Pearson correlation", rollingPair(corr)),
		pair("Cov", "rolling sample covariance", rollingPair(cov)),

		tech("RSI", "relative strength index over n changes", rsi),
		tech("ROC", "rate of change over n periods", lagged(func(cur, past float64) float64 { return safeDiv(cur, past) - 1 })),

		cs("Rank", "cross-sectional percentile rank", csRank),
		cs("ZScore", "cross-sectional z-score", csZScore),
		cs("Demean", "cross-sectional demeaning", csDemean),
		cs("Scale", "scale so absolute values sum to one", csScale),

		un("Abs", "absolute value", math.Abs),
		un("Log", "natural logarithm, missing for non-positive input", func(x float64) float64 {
			if x <= 0 {
				return nan
			}
			return math.Log(x)
		}),
		un("Sign", "sign of the value", func(x float64) float64 {
			switch {
			case isNaN(x):
				return nan
			case x > 0:
				return 1
			case x < 0:
				return -1
			}
			return 0
		}),
		un("Sqrt", "square root, missing for negative input", func(x float64) float64 {
			if x < 0 {
				return nan
			}
			return math.Sqrt(x)
		}),
		un("Exp", "exponential", func(x float64) float64 { return finite(math.Exp(x)) }),
		bin("Power", "x1 raised to x2", func(a, b float64) float64 { return finite(math.Pow(a, b)) }),
		bin("Greater", "element-wise maximum", func(a, b float64) float64 {
			if isNaN(a) || isNaN(b) {
				return nan
			}
			return math.Max(a, b)
		}),
		bin("Less", "element-wise minimum", func(a, b float64) float64 {
			if isNaN(a) || isNaN(b) {
				return nan
			}
			return math.Min(a, b)
		}),
	}
}

// rolling applies f to each complete trailing window. A window that is not
// yet full or holds a missing value yields NaN.
func rolling(f func(win []float64) float64) SeriesFunc {
	return func(x []float64, w int) []float64 {
		out := make([]float64, len(x))
		for i := range x {
			if i < w-1 {
				out[i] = nan
				continue
			}
			win := x[i-w+1 : i+1]
			if hasNaN(win) {
				out[i] = nan
				continue
			}
			out[i] = finite(f(win))
		}
		return out
	}
}

func rollingPair(f func(a, b []float64) float64) PairFunc {
	return func(x, y []float64, w int) []float64 {
		out := make([]float64, len(x))
		for i := range x {
			if i < w-1 || i >= len(y) {
				out[i] = nan
				continue
			}
			a, b := x[i-w+1:i+1], y[i-w+1:i+1]
			if hasNaN(a) || hasNaN(b) {
				out[i] = nan
				continue
			}
			out[i] = finite(f(a, b))
		}
		return out
	}
}

func lagged(f func(cur, past float64) float64) SeriesFunc {
	return func(x []float64, n int) []float64 {
		out := make([]float64, len(x))
		for i := range x {
			if i < n || isNaN(x[i]) || isNaN(x[i-n]) {
				out[i] = nan
				continue
			}
			out[i] = finite(f(x[i], x[i-n]))
		}
		return out
	}
}

func hasNaN(xs []float64) bool {
	for _, v := range xs {
		if isNaN(v) {
			return true
		}
	}
	return false
}

func sum(win []float64) float64 {
	s := 0.0
	for _, v := range win {
		s += v
	}
	return s
}

func mean(win []float64) float64 { return sum(win) / float64(len(win)) }

func variance(win []float64) float64 {
	if len(win) < 2 {
		return nan
	}
	m := mean(win)
	ss := 0.0
	for _, v := range win {
		ss += (v - m) * (v - m)
	}
	return ss / float64(len(win)-1)
}

func std(win []float64) float64 { return math.Sqrt(variance(win)) }

func maxOf(win []float64) float64 {
	m := win[0]
	for _, v := range win[1:] {
		m = math.Max(m, v)
	}
	return m
}

func minOf(win []float64) float64 {
	m := win[0]
	for _, v := range win[1:] {
		m = math.Min(m, v)
	}
	return m
}

func skew(win []float64) float64 {
	n := float64(len(win))
	if n < 3 {
		return nan
	}
	m := mean(win)
	var m2, m3 float64
	for _, v := range win {
		d := v - m
		m2 += d * d
		m3 += d * d * d
	}
	m2 /= n
	m3 /= n
	if m2 == 0 {
		return nan
	}
	g1 := m3 / math.Pow(m2, 1.5)
	return g1 * math.Sqrt(n*(n-1)) / (n - 2)
}

func slope(win []float64) float64 {
	n := float64(len(win))
	xm := (n - 1) / 2
	ym := mean(win)
	var num, den float64
	for i, v := range win {
		dx := float64(i) - xm
		num += dx * (v - ym)
		den += dx * dx
	}
	return safeDiv(num, den)
}

func tsRank(win []float64) float64 {
	last := win[len(win)-1]
	count := 0
	for _, v := range win {
		if v <= last {
			count++
		}
	}
	return float64(count) / float64(len(win))
}

func tsZScore(win []float64) float64 {
	s := std(win)
	if s == 0 {
		return nan
	}
	return (win[len(win)-1] - mean(win)) / s
}

func wma(win []float64) float64 {
	var num, den float64
	for i, v := range win {
		w := float64(i + 1)
		num += w * v
		den += w
	}
	return num / den
}

func ema(x []float64, span int) []float64 {
	out := make([]float64, len(x))
	alpha := 2 / (float64(span) + 1)
	state, seen := nan, 0
	for i, v := range x {
		if isNaN(v) {
			out[i] = nan
			continue
		}
		if isNaN(state) {
			state = v
		} else {
			state = alpha*v + (1-alpha)*state
		}
		seen++
		if seen < span {
			out[i] = nan
			continue
		}
		out[i] = state
	}
	return out
}

func cov(a, b []float64) float64 {
	if len(a) < 2 {
		return nan
	}
	ma, mb := mean(a), mean(b)
	s := 0.0
	for i := range a {
		s += (a[i] - ma) * (b[i] - mb)
	}
	return s / float64(len(a)-1)
}

func corr(a, b []float64) float64 {
	sa, sb := std(a), std(b)
	if sa == 0 || sb == 0 {
		return nan
	}
	return cov(a, b) / (sa * sb)
}

func rsi(x []float64, n int) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		out[i] = nan
		if i < n {
			continue
		}
		var gain, loss float64
		valid := true
		for j := i - n + 1; j <= i; j++ {
			if isNaN(x[j]) || isNaN(x[j-1]) {
				valid = false
				break
			}
			d := x[j] - x[j-1]
			if d > 0 {
				gain += d
			} else {
				loss -= d
			}
		}
		switch {
		case !valid:
		case loss == 0 && gain == 0:
		case loss == 0:
			out[i] = 100
		default:
			out[i] = 100 - 100/(1+gain/loss)
		}
	}
	return out
}

func csRank(row []float64) []float64 {
	type item struct {
		idx int
		v   float64
	}
	items := make([]item, 0, len(row))
	for i, v := range row {
		if !isNaN(v) {
			items = append(items, item{i, v})
		}
	}
	out := make([]float64, len(row))
	for i := range out {
		out[i] = nan
	}
	if len(items) == 0 {
		return out
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].v < items[j].v })
	n := float64(len(items))
	for i := 0; i < len(items); {
		j := i
		for j+1 < len(items) && items[j+1].v == items[i].v {
			j++
		}
		// ties share the average 1-based rank
		r := (float64(i+1) + float64(j+1)) / 2
		for k := i; k <= j; k++ {
			out[items[k].idx] = r / n
		}
		i = j + 1
	}
	return out
}

func validValues(row []float64) []float64 {
	vals := make([]float64, 0, len(row))
	for _, v := range row {
		if !isNaN(v) {
			vals = append(vals, v)
		}
	}
	return vals
}

func csZScore(row []float64) []float64 {
	vals := validValues(row)
	out := make([]float64, len(row))
	m, s := nan, nan
	if len(vals) >= 2 {
		m, s = mean(vals), std(vals)
	}
	for i, v := range row {
		if isNaN(v) || isNaN(s) || s == 0 {
			out[i] = nan
			continue
		}
		out[i] = (v - m) / s
	}
	return out
}

func csDemean(row []float64) []float64 {
	vals := validValues(row)
	out := make([]float64, len(row))
	for i, v := range row {
		if isNaN(v) || len(vals) == 0 {
			out[i] = nan
			continue
		}
		out[i] = v - mean(vals)
	}
	return out
}

func csScale(row []float64) []float64 {
	total := 0.0
	for _, v := range validValues(row) {
		total += math.Abs(v)
	}
	out := make([]float64, len(row))
	for i, v := range row {
		out[i] = safeDiv(v, total)
	}
	return out
}
