// Package predictor forecasts organization health from hourly samples:
// per-metric trends, risk factors, early warnings and interventions.
package predictor

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/litmajor/mtaa-elders/internal/history"
	"github.com/litmajor/mtaa-elders/internal/logging"
	"github.com/litmajor/mtaa-elders/internal/model"
)

// RiskFactor is a projected threat to one area of organization health.
type RiskFactor struct {
	Category       model.Metric   `json:"category"`
	RiskLevel      model.Severity `json:"risk_level"`
	Description    string         `json:"description"`
	Probability    float64        `json:"probability"`
	Impact         float64        `json:"impact"`
	ProjectedValue float64        `json:"projected_value"`
	Mitigation     string         `json:"mitigation"`
}

// Warning levels, mildest first.
const (
	WarningInfo     = "warning"
	WarningAlert    = "alert"
	WarningCritical = "critical"
)

// EarlyWarning asks for action before a projected problem lands.
type EarlyWarning struct {
	Level          string       `json:"level"`
	Category       model.Metric `json:"category"`
	Message        string       `json:"message"`
	TimeToEvent    float64      `json:"time_to_event_hours"`
	RequiredAction string       `json:"required_action"`
}

// Forecast is the projected health of one organization.
type Forecast struct {
	ID             string                         `json:"id"`
	OrgID          string                         `json:"org_id"`
	HorizonHours   int                            `json:"horizon_hours"`
	PredictedScore float64                        `json:"predicted_score"`
	Confidence     float64                        `json:"confidence"`
	RiskFactors    []RiskFactor                   `json:"risk_factors"`
	EarlyWarnings  []EarlyWarning                 `json:"early_warnings"`
	Interventions  []string                       `json:"interventions"`
	Trends         map[model.Metric]TrendAnalysis `json:"trends,omitempty"`
	SampleCount    int                            `json:"sample_count"`
	GeneratedAt    time.Time                      `json:"generated_at"`
}

// HasCritical reports whether any risk factor or warning is critical.
func (f Forecast) HasCritical() bool {
	for _, r := range f.RiskFactors {
		if r.RiskLevel == model.SeverityCritical {
			return true
		}
	}
	for _, w := range f.EarlyWarnings {
		if w.Level == WarningCritical {
			return true
		}
	}
	return false
}

// Options configures a Predictor.
type Options struct {
	MaxSamples       int
	ProjectionWindow int
	DefaultHistory   int
	Logger           logging.Logger
	Clock            func() time.Time
}

// DefaultOptions keeps a year of hourly samples and projects from the last day.
func DefaultOptions() Options {
	return Options{
		MaxSamples:       8760,
		ProjectionWindow: 24,
		DefaultHistory:   168,
		Logger:           logging.NoOpLogger{},
		Clock:            time.Now,
	}
}

// Predictor is safe for concurrent use.
type Predictor struct {
	opts    Options
	samples *history.Partitioned[model.HealthSample]

	mu     sync.RWMutex
	latest map[string]Forecast
}

// New creates a Predictor.
func New(optFns ...func(o *Options)) *Predictor {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Predictor{
		opts:    opts,
		samples: history.NewPartitioned[model.HealthSample](opts.MaxSamples),
		latest:  make(map[string]Forecast),
	}
}

// Record appends health samples for orgID. Scores are clamped to 0-100 and a
// missing timestamp is set to now.
func (p *Predictor) Record(orgID string, samples ...model.HealthSample) {
	now := p.opts.Clock().UTC()
	samples = append([]model.HealthSample(nil), samples...)
	for i := range samples {
		s := &samples[i]
		if s.Timestamp.IsZero() {
			s.Timestamp = now
		}
		s.Overall = clampScore(s.Overall)
		s.Treasury = clampScore(s.Treasury)
		s.Governance = clampScore(s.Governance)
		s.Community = clampScore(s.Community)
		s.System = clampScore(s.System)
	}
	p.samples.Append(orgID, samples...)
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return clamp(v, 0, 100)
}

// History returns up to limit of orgID's newest samples, oldest first.
// limit <= 0 uses the default of one week.
func (p *Predictor) History(orgID string, limit int) []model.HealthSample {
	if limit <= 0 {
		limit = p.opts.DefaultHistory
	}
	return p.samples.Last(orgID, limit)
}

// Latest returns the most recent forecast generated for orgID.
func (p *Predictor) Latest(orgID string) (Forecast, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, ok := p.latest[orgID]
	return f, ok
}

// Forecast projects orgID's health horizonHours ahead. With fewer than two
// samples a low-confidence default is returned.
func (p *Predictor) Forecast(orgID string, horizonHours int) Forecast {
	if horizonHours <= 0 {
		horizonHours = 24
	}
	series := p.samples.Last(orgID, 0)

	var f Forecast
	if len(series) < 2 {
		f = defaultForecast(horizonHours)
	} else {
		f = p.project(series, horizonHours)
	}
	f.ID = uuid.NewString()
	f.OrgID = orgID
	f.HorizonHours = horizonHours
	f.SampleCount = len(series)
	f.GeneratedAt = p.opts.Clock().UTC()

	p.mu.Lock()
	p.latest[orgID] = f
	p.mu.Unlock()

	p.opts.Logger.Debug("forecast generated",
		"org", orgID, "horizon_hours", horizonHours, "predicted", f.PredictedScore,
		"risk_factors", len(f.RiskFactors), "warnings", len(f.EarlyWarnings))
	return f
}

func defaultForecast(horizon int) Forecast {
	return Forecast{
		PredictedScore: 75,
		Confidence:     0.3,
		RiskFactors: []RiskFactor{{
			Category:       model.MetricSystem,
			RiskLevel:      model.SeverityLow,
			Description:    "Insufficient historical data for accurate forecast",
			Probability:    0.3,
			Impact:         20,
			ProjectedValue: 75,
			Mitigation:     "Collect more health samples",
		}},
		EarlyWarnings: []EarlyWarning{{
			Level:          WarningInfo,
			Category:       model.MetricSystem,
			Message:        "Limited historical data; forecast reliability is low",
			TimeToEvent:    float64(horizon),
			RequiredAction: "Continue monitoring to build a baseline",
		}},
		Interventions: []string{},
	}
}

func (p *Predictor) project(series []model.HealthSample, horizon int) Forecast {
	trends := make(map[model.Metric]TrendAnalysis, len(model.Metrics))
	for _, m := range model.Metrics {
		values := make([]float64, len(series))
		for i, s := range series {
			values[i] = s.Value(m)
		}
		trends[m] = analyze(m, values, p.opts.ProjectionWindow, horizon)
	}

	risks := riskFactors(trends)
	warnings := earlyWarnings(risks, trends, horizon)

	return Forecast{
		PredictedScore: trends[model.MetricOverall].Projected,
		Confidence:     confidence(len(series), horizon, trends[model.MetricOverall].Volatility),
		RiskFactors:    risks,
		EarlyWarnings:  warnings,
		Interventions:  interventions(risks, warnings),
		Trends:         trends,
	}
}

func riskFactors(t map[model.Metric]TrendAnalysis) []RiskFactor {
	var out []RiskFactor
	add := func(m model.Metric, level model.Severity, desc string, prob, impact float64, action string) {
		out = append(out, RiskFactor{
			Category:       m,
			RiskLevel:      level,
			Description:    desc,
			Probability:    clamp(prob, 0, 1),
			Impact:         impact,
			ProjectedValue: t[m].Projected,
			Mitigation:     action,
		})
	}

	if tr := t[model.MetricTreasury]; tr.Trend == TrendDeclining && tr.Projected < 30 {
		add(model.MetricTreasury, model.SeverityCritical,
			"Projected treasury depletion within forecast period",
			tr.Strength, 90, "Freeze non-essential treasury outflows and convene an emergency treasury review")
	}
	if tr := t[model.MetricTreasury]; tr.Volatility > 0.3 {
		add(model.MetricTreasury, model.SeverityHigh,
			"Treasury balance is unstable",
			tr.Volatility, 70, "Rebalance treasury holdings and tighten spending limits")
	}
	if g := t[model.MetricGovernance]; g.Trend == TrendDeclining && g.Projected < 40 {
		add(model.MetricGovernance, model.SeverityHigh,
			"Governance participation projected to collapse",
			g.Strength, 75, "Launch a participation drive and review quorum requirements")
	}
	if c := t[model.MetricCommunity]; c.Trend == TrendDeclining && c.Strength > 0.5 {
		add(model.MetricCommunity, model.SeverityMedium,
			"Community engagement in sustained decline",
			c.Strength, 60, "Run a community engagement and retention campaign")
	}
	if s := t[model.MetricSystem]; s.Volatility > 0.4 {
		add(model.MetricSystem, model.SeverityHigh,
			"System performance is unstable",
			s.Volatility*0.8, 65, "Investigate system performance and scale infrastructure")
	}
	if o := t[model.MetricOverall]; o.Trend == TrendDeclining && o.Projected < 50 {
		add(model.MetricOverall, model.SeverityCritical,
			"Overall organization health projected below viable level",
			o.Strength, 100, "Initiate an organization-wide recovery plan")
	}
	return out
}

func earlyWarnings(risks []RiskFactor, t map[model.Metric]TrendAnalysis, horizon int) []EarlyWarning {
	var out []EarlyWarning
	for _, r := range risks {
		if r.RiskLevel == model.SeverityCritical && r.Probability > 0.6 {
			out = append(out, EarlyWarning{
				Level:          WarningCritical,
				Category:       r.Category,
				Message:        r.Description,
				TimeToEvent:    12,
				RequiredAction: r.Mitigation,
			})
		}
	}
	if tr := t[model.MetricTreasury]; tr.Projected < 50 {
		out = append(out, EarlyWarning{
			Level:          WarningAlert,
			Category:       model.MetricTreasury,
			Message:        fmt.Sprintf("Treasury health projected at %.1f within %dh", tr.Projected, horizon),
			TimeToEvent:    float64(horizon),
			RequiredAction: "Review treasury runway and defer discretionary spending",
		})
	}
	if g := t[model.MetricGovernance]; g.Projected < 45 {
		out = append(out, EarlyWarning{
			Level:          WarningAlert,
			Category:       model.MetricGovernance,
			Message:        fmt.Sprintf("Governance health projected at %.1f within %dh", g.Projected, horizon),
			TimeToEvent:    float64(horizon),
			RequiredAction: "Increase voter outreach ahead of upcoming proposals",
		})
	}
	return out
}

func interventions(risks []RiskFactor, warnings []EarlyWarning) []string {
	seen := map[string]bool{}
	out := []string{}
	add := func(a string) {
		if a != "" && !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, w := range warnings {
		if w.Level == WarningCritical {
			add(w.RequiredAction)
		}
	}
	for _, r := range risks {
		if r.Impact > 75 {
			add(r.Mitigation)
		}
	}
	return out
}

// confidence grows with data, shrinks with horizon and overall volatility.
func confidence(n, horizon int, vol float64) float64 {
	c := 0.5 +
		math.Min(0.3, float64(n)/1000) +
		math.Max(0, 0.2-float64(horizon)/500) +
		(1-math.Min(1, vol))*0.2
	return clamp(c, 0.3, 0.95)
}

// Prune drops samples older than maxAge and returns how many were removed.
func (p *Predictor) Prune(maxAge time.Duration) int {
	cutoff := p.opts.Clock().UTC().Add(-maxAge)
	n := p.samples.Retain(func(s model.HealthSample) bool { return !s.Timestamp.Before(cutoff) })
	if n > 0 {
		p.opts.Logger.Info("health samples pruned", "removed", n)
	}
	return n
}
