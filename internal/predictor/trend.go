package predictor

import (
	"math"

	"github.com/litmajor/mtaa-elders/internal/model"
)

// Trend classifies the direction of a health sub-score.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
	TrendVolatile  Trend = "volatile"
)

const (
	volatileThreshold = 0.2
	slopeThreshold    = 2.0
)

// TrendAnalysis summarizes one sub-score series. Slope is per sample.
type TrendAnalysis struct {
	Metric     model.Metric `json:"metric"`
	Current    float64      `json:"current"`
	Slope      float64      `json:"slope"`
	Volatility float64      `json:"volatility"`
	Strength   float64      `json:"strength"`
	Projected  float64      `json:"projected"`
	Trend      Trend        `json:"trend"`
}

// analyze classifies series and projects it horizon samples ahead using the
// slope of the most recent window samples.
func analyze(m model.Metric, series []float64, window, horizon int) TrendAnalysis {
	slope, _ := regress(series)
	vol := volatility(series)

	ta := TrendAnalysis{
		Metric:     m,
		Current:    series[len(series)-1],
		Slope:      slope,
		Volatility: vol,
		Strength:   math.Min(1, math.Abs(slope)/10),
	}
	switch {
	case vol > volatileThreshold:
		ta.Trend = TrendVolatile
	case slope > slopeThreshold:
		ta.Trend = TrendImproving
	case slope < -slopeThreshold:
		ta.Trend = TrendDeclining
	default:
		ta.Trend = TrendStable
	}

	recent := series
	if window > 0 && len(recent) > window {
		recent = recent[len(recent)-window:]
	}
	recentSlope, _ := regress(recent)
	ta.Projected = clamp(ta.Current+recentSlope*float64(horizon), 0, 100)
	return ta
}

// regress fits values against their index by least squares.
func regress(values []float64) (slope, intercept float64) {
	n := float64(len(values))
	if n == 0 {
		return 0, 0
	}
	var sx, sy, sxy, sxx float64
	for i, v := range values {
		x := float64(i)
		sx += x
		sy += v
		sxy += x * v
		sxx += x * x
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0, sy / n
	}
	slope = (n*sxy - sx*sy) / den
	intercept = (sy - slope*sx) / n
	return slope, intercept
}

// volatility is the coefficient of variation of the residuals around the
// fitted line, so a steady decline is not mistaken for noise.
func volatility(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	slope, intercept := regress(values)
	var sum, sq float64
	for i, v := range values {
		sum += v
		r := v - (intercept + slope*float64(i))
		sq += r * r
	}
	std := math.Sqrt(sq / float64(len(values)))
	mean := sum / float64(len(values))
	switch {
	case std < 1e-9:
		return 0
	case mean == 0:
		return 1
	default:
		return std / math.Abs(mean)
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
