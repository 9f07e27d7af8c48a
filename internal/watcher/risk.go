package watcher

import (
	"github.com/litmajor/mtaa-elders/internal/model"
	"github.com/litmajor/mtaa-elders/internal/predictor"
	"github.com/litmajor/mtaa-elders/internal/surveillance"
)

// RiskLevel combines detections and a forecast into one level. It is the
// maximum of: critical for any critical pattern; critical for any critical
// risk factor with probability above 0.6; high when more than two high items
// exist, medium when one or two do; medium for any medium pattern; else low.
// High items are high patterns plus high risk factors with probability above 0.5.
func RiskLevel(detections []surveillance.Detection, f predictor.Forecast) model.Severity {
	level := model.SeverityLow
	highItems := 0

	for _, d := range detections {
		switch d.Severity {
		case model.SeverityCritical:
			level = model.SeverityCritical
		case model.SeverityHigh:
			highItems++
		case model.SeverityMedium:
			level = model.MaxSeverity(level, model.SeverityMedium)
		}
	}
	for _, r := range f.RiskFactors {
		switch {
		case r.RiskLevel == model.SeverityCritical && r.Probability > 0.6:
			level = model.SeverityCritical
		case r.RiskLevel == model.SeverityHigh && r.Probability > 0.5:
			highItems++
		}
	}

	switch {
	case highItems > 2:
		level = model.MaxSeverity(level, model.SeverityHigh)
	case highItems > 0:
		level = model.MaxSeverity(level, model.SeverityMedium)
	}
	return level
}

// HealthTrend summarizes a forecast's direction.
func HealthTrend(f predictor.Forecast) predictor.Trend {
	if f.HasCritical() {
		return predictor.TrendDeclining
	}
	for _, r := range f.RiskFactors {
		if r.RiskLevel == model.SeverityHigh {
			return predictor.TrendVolatile
		}
	}
	if f.PredictedScore > 80 {
		return predictor.TrendImproving
	}
	return predictor.TrendStable
}
