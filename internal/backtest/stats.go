package backtest

import "math"

// PerformanceStats 多空组合收益统计
type PerformanceStats struct {
	TotalReturn      float64
	AnnualReturn     float64
	InformationRatio float64
	MaxDrawdown      float64
}

// CalculatePerformanceStats calculates performance statistics from per-period
// returns, annualized with periodsPerYear
func CalculatePerformanceStats(returns []float64, periodsPerYear int) PerformanceStats {
	if len(returns) == 0 {
		return PerformanceStats{}
	}

	mean, std := meanStd(returns)

	stats := PerformanceStats{
		AnnualReturn: mean * float64(periodsPerYear),
	}
	if std > 0 {
		stats.InformationRatio = mean / std * math.Sqrt(float64(periodsPerYear))
	}

	// 最大回撤
	peak := 1.0
	equity := 1.0
	for _, ret := range returns {
		equity *= 1 + ret
		if equity > peak {
			peak = equity
		}
		if drawdown := (peak - equity) / peak; drawdown > stats.MaxDrawdown {
			stats.MaxDrawdown = drawdown
		}
	}
	stats.TotalReturn = equity - 1
	return stats
}

// meanStd returns the mean and sample standard deviation
func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	variance := 0.0
	for _, x := range xs {
		diff := x - mean
		variance += diff * diff
	}
	variance /= float64(len(xs) - 1)
	return mean, math.Sqrt(variance)
}

func pearson(xs, ys []float64) float64 {
	mx, _ := meanStd(xs)
	my, _ := meanStd(ys)
	var sxy, sxx, syy float64
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return math.NaN()
	}
	return sxy / math.Sqrt(sxx*syy)
}
