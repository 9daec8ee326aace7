package backtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	apperrors "alphamine/internal/errors"
	"alphamine/internal/factor/registry"
	"alphamine/internal/logger"
	"alphamine/internal/panel"
)

// ICRunner scores factor values by their cross-sectional correlation with
// forward close-to-close returns
type ICRunner struct {
	provider panel.Provider
	cfg      Config
	rank     registry.CrossFunc
	log      logger.Logger
}

// NewICRunner creates a runner reading prices from provider
func NewICRunner(provider panel.Provider, cfg Config) *ICRunner {
	def := DefaultConfig()
	if cfg.Horizon <= 0 {
		cfg.Horizon = def.Horizon
	}
	if cfg.PeriodsPerYear <= 0 {
		cfg.PeriodsPerYear = def.PeriodsPerYear
	}
	if cfg.QuantileFraction <= 0 || cfg.QuantileFraction > 0.5 {
		cfg.QuantileFraction = def.QuantileFraction
	}
	if cfg.MinCrossSection < 2 {
		cfg.MinCrossSection = def.MinCrossSection
	}
	spec, _ := registry.Default().Lookup("Rank")
	return &ICRunner{
		provider: provider,
		cfg:      cfg,
		rank:     spec.Cross,
		log:      logger.GetGlobalLogger().WithField("component", "ic_backtest"),
	}
}

// period is one evaluated date
type period struct {
	date   time.Time
	ic     float64
	rankIC float64
	spread float64
}

// Run evaluates values. Dates without enough valid pairs are skipped; a
// factor with no evaluable date fails with BACKTEST_FAILED.
func (r *ICRunner) Run(ctx context.Context, values *panel.Matrix) (Metrics, error) {
	if values == nil || len(values.Dates) == 0 {
		return Metrics{}, backtestError("empty factor values", nil)
	}

	closeM, err := r.provider.Fetch(ctx, panel.Query{
		Symbols: values.Symbols,
		Start:   values.Dates[0],
		End:     values.Dates[len(values.Dates)-1],
	}, "close")
	if err != nil {
		return Metrics{}, backtestError("failed to fetch close prices", err)
	}
	if !closeM.SameIndex(values) {
		return Metrics{}, backtestError("factor values are not aligned with close prices", nil)
	}

	fwd := forwardReturns(closeM, r.cfg.Horizon)
	periods := make([]period, 0, len(values.Dates))
	for d, date := range values.Dates {
		if err := ctx.Err(); err != nil {
			return Metrics{}, err
		}
		if p, ok := r.evaluateDate(values.Column(d), fwd.Column(d)); ok {
			p.date = date
			periods = append(periods, p)
		}
	}
	if len(periods) == 0 {
		return Metrics{}, backtestError(fmt.Sprintf("no date has %d valid factor/return pairs", r.cfg.MinCrossSection), nil)
	}

	m := r.aggregate(periods)
	if len(r.cfg.Splits) > 0 {
		m.Splits = make(map[string]SplitMetrics, len(r.cfg.Splits))
		for _, split := range r.cfg.Splits {
			var in []period
			for _, p := range periods {
				if split.contains(p.date) {
					in = append(in, p)
				}
			}
			sm := r.aggregate(in)
			m.Splits[split.Name] = SplitMetrics{
				IC:               sm.IC,
				RankIC:           sm.RankIC,
				InformationRatio: sm.InformationRatio,
				AnnualReturn:     sm.AnnualReturn,
				MaxDrawdown:      sm.MaxDrawdown,
				Periods:          sm.Periods,
			}
		}
	}

	r.log.Debug("Backtest finished", "periods", m.Periods, "ic", m.IC, "rank_ic", m.RankIC)
	return m, nil
}

func (r *ICRunner) evaluateDate(factorCol, retCol []float64) (period, bool) {
	xs := make([]float64, 0, len(factorCol))
	ys := make([]float64, 0, len(factorCol))
	for s := range factorCol {
		if math.IsNaN(factorCol[s]) || math.IsNaN(retCol[s]) {
			continue
		}
		xs = append(xs, factorCol[s])
		ys = append(ys, retCol[s])
	}
	if len(xs) < r.cfg.MinCrossSection {
		return period{}, false
	}
	ic := pearson(xs, ys)
	if math.IsNaN(ic) {
		return period{}, false
	}
	rankIC := pearson(r.rank(xs), r.rank(ys))
	if math.IsNaN(rankIC) {
		rankIC = 0
	}
	return period{
		ic:     ic,
		rankIC: rankIC,
		spread: longShortSpread(xs, ys, r.cfg.QuantileFraction) / float64(r.cfg.Horizon),
	}, true
}

func (r *ICRunner) aggregate(periods []period) Metrics {
	if len(periods) == 0 {
		return Metrics{}
	}
	ics := make([]float64, len(periods))
	rankICs := make([]float64, len(periods))
	spreads := make([]float64, len(periods))
	for i, p := range periods {
		ics[i], rankICs[i], spreads[i] = p.ic, p.rankIC, p.spread
	}

	m := Metrics{Periods: len(periods)}
	m.IC, m.ICStdDev = meanStd(ics)
	if m.ICStdDev > 0 {
		m.ICIR = m.IC / m.ICStdDev
	}
	var rankStd float64
	m.RankIC, rankStd = meanStd(rankICs)
	if rankStd > 0 {
		m.RankICIR = m.RankIC / rankStd
	}

	stats := CalculatePerformanceStats(spreads, r.cfg.PeriodsPerYear)
	m.InformationRatio = stats.InformationRatio
	m.AnnualReturn = stats.AnnualReturn
	m.MaxDrawdown = stats.MaxDrawdown
	return m
}

// forwardReturns computes close[d+h]/close[d]-1; the last h dates are missing
func forwardReturns(closeM *panel.Matrix, horizon int) *panel.Matrix {
	out := panel.NewMatrix(closeM.Symbols, closeM.Dates)
	for s, row := range closeM.Values {
		for d := 0; d+horizon < len(row); d++ {
			if now, later := row[d], row[d+horizon]; now != 0 && !math.IsNaN(now) && !math.IsNaN(later) {
				out.Values[s][d] = later/now - 1
			}
		}
	}
	return out
}

// longShortSpread is the mean return of the top fraction by factor value
// minus that of the bottom fraction
func longShortSpread(xs, ys []float64, fraction float64) float64 {
	idx := make([]int, len(xs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return xs[idx[a]] < xs[idx[b]] })

	k := max(1, int(float64(len(xs))*fraction))
	var long, short float64
	for i := 0; i < k; i++ {
		short += ys[idx[i]]
		long += ys[idx[len(idx)-1-i]]
	}
	return (long - short) / float64(k)
}

func backtestError(details string, cause error) error {
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeBacktestFailed, "backtest failed", details, cause)
}
