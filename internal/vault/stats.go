package vault

import (
	"math"
	"time"

	"hl-sentinel/internal/feeds"
)

// minSharpePoints is the number of portfolio samples needed before the
// Sharpe ratio is reported.
const minSharpePoints = 30

// pnlOver returns latest value minus the value of the earliest point at or
// after now-window. Fewer than two points give 0.
func pnlOver(points []feeds.PortfolioPoint, now time.Time, window time.Duration) float64 {
	if len(points) < 2 {
		return 0
	}
	current := points[len(points)-1].Value
	cutoff := now.Add(-window)
	for _, p := range points {
		if !p.Time.Before(cutoff) {
			return current - p.Value
		}
	}
	return 0
}

// sharpeRatio annualises simple period returns with a zero risk-free rate.
// Returns nil below minSharpePoints samples or when returns do not vary.
func sharpeRatio(points []feeds.PortfolioPoint) *float64 {
	if len(points) < minSharpePoints {
		return nil
	}

	returns := make([]float64, 0, len(points)-1)
	for i := 1; i < len(points); i++ {
		prev := points[i-1].Value
		if prev <= 0 {
			continue
		}
		returns = append(returns, (points[i].Value-prev)/prev)
	}
	if len(returns) < 2 {
		return nil
	}

	mean, std := meanStd(returns, true)
	if std == 0 {
		return nil
	}
	ratio := (mean * 365) / (std * math.Sqrt(365))
	return &ratio
}

// maxDrawdownPct is the largest peak-to-trough fall over the series, in
// percent. Returns nil for fewer than two points.
func maxDrawdownPct(points []feeds.PortfolioPoint) *float64 {
	if len(points) < 2 {
		return nil
	}

	peak := points[0].Value
	worst := 0.0
	for _, p := range points {
		if p.Value > peak {
			peak = p.Value
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - p.Value) / peak; dd > worst {
			worst = dd
		}
	}
	pct := math.Min(100, math.Max(0, worst*100))
	return &pct
}

// meanStd returns the mean and standard deviation of values. sample selects
// the n-1 denominator; otherwise the population form is used.
func meanStd(values []float64, sample bool) (float64, float64) {
	n := len(values)
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)

	denom := float64(n)
	if sample {
		if n < 2 {
			return mean, 0
		}
		denom = float64(n - 1)
	}

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / denom)
}
