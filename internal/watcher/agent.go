// Package watcher runs the security elder: it feeds organization activity
// through surveillance, forecasts health, grades risk and reports findings on
// the bus, once per interval.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/litmajor/mtaa-elders/internal/bus"
	"github.com/litmajor/mtaa-elders/internal/logging"
	"github.com/litmajor/mtaa-elders/internal/model"
	"github.com/litmajor/mtaa-elders/internal/predictor"
	"github.com/litmajor/mtaa-elders/internal/surveillance"
)

// Phase is the agent lifecycle state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseMonitoring Phase = "monitoring"
	PhaseAnalyzing  Phase = "analyzing"
)

// ErrRunning is returned by Start when the loop is already running.
var ErrRunning = errors.New("watcher: already running")

// Publisher is the slice of the message bus the agent uses.
type Publisher interface {
	Publish(ctx context.Context, msg bus.Message) (bus.Message, error)
	SendCriticalAlert(ctx context.Context, topic bus.Topic, from bus.Agent, orgID string, payload map[string]any) (bus.Message, error)
}

// Options configures an Agent.
type Options struct {
	Interval     time.Duration
	HorizonHours int
	AutoReport   bool
	MaxPending   int
	Logger       logging.Logger
	Clock        func() time.Time
}

// DefaultOptions analyzes hourly with a one day forecast horizon.
func DefaultOptions() Options {
	return Options{
		Interval:     time.Hour,
		HorizonHours: 24,
		AutoReport:   true,
		MaxPending:   10000,
		Logger:       logging.NoOpLogger{},
		Clock:        time.Now,
	}
}

// OrgMetrics is the latest analysis of one organization.
type OrgMetrics struct {
	OrgID            string                   `json:"org_id"`
	RecentActivities int                      `json:"recent_activities"`
	Detections       []surveillance.Detection `json:"detections"`
	Forecast         predictor.Forecast       `json:"forecast"`
	RiskLevel        model.Severity           `json:"risk_level"`
	HealthTrend      predictor.Trend          `json:"health_trend"`
	LastUpdated      time.Time                `json:"last_updated"`
}

// ThreatStats counts detections since start.
type ThreatStats struct {
	TotalDetected  int `json:"total_detected"`
	Critical       int `json:"critical"`
	High           int `json:"high"`
	Medium         int `json:"medium"`
	Low            int `json:"low"`
	OrgsMonitored  int `json:"orgs_monitored"`
	AnalysisCycles int `json:"analysis_cycles"`
}

// Status is a point-in-time view of the agent.
type Status struct {
	Phase             Phase       `json:"phase"`
	Running           bool        `json:"running"`
	LastAnalysis      time.Time   `json:"last_analysis"`
	PendingActivities int         `json:"pending_activities"`
	Threats           ThreatStats `json:"threats"`
}

// CycleSummary describes one periodic pass.
type CycleSummary struct {
	Orgs       int            `json:"orgs"`
	Detections int            `json:"detections"`
	Highest    model.Severity `json:"highest_risk"`
	Skipped    bool           `json:"skipped"`
}

// Agent is safe for concurrent use.
type Agent struct {
	opts      Options
	engine    *surveillance.Engine
	predictor *predictor.Predictor
	pub       Publisher

	mu           sync.Mutex
	phase        Phase
	lastAnalysis time.Time
	stats        ThreatStats
	metrics      map[string]OrgMetrics
	pending      map[string][]model.Activity

	cycleMu sync.Mutex

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an idle Agent. pub may be nil to run without announcements.
func New(engine *surveillance.Engine, pred *predictor.Predictor, pub Publisher, optFns ...func(o *Options)) *Agent {
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
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.HorizonHours <= 0 {
		opts.HorizonHours = 24
	}
	return &Agent{
		opts:      opts,
		engine:    engine,
		predictor: pred,
		pub:       pub,
		phase:     PhaseIdle,
		metrics:   make(map[string]OrgMetrics),
		pending:   make(map[string][]model.Activity),
	}
}

// Observe queues activities for the next periodic pass.
func (a *Agent) Observe(orgID string, activities ...model.Activity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	q := append(a.pending[orgID], activities...)
	if a.opts.MaxPending > 0 && len(q) > a.opts.MaxPending {
		dropped := len(q) - a.opts.MaxPending
		q = append([]model.Activity(nil), q[dropped:]...)
		a.opts.Logger.Warn("pending activities dropped", "org", orgID, "dropped", dropped)
	}
	a.pending[orgID] = q
}

// RecordHealth forwards health samples to the predictor.
func (a *Agent) RecordHealth(orgID string, samples ...model.HealthSample) {
	a.predictor.Record(orgID, samples...)
}

// MonitorDAO analyzes one batch of activities for orgID and returns the
// organization's updated metrics.
func (a *Agent) MonitorDAO(ctx context.Context, orgID string, activities []model.Activity) OrgMetrics {
	prev := a.setPhase(PhaseAnalyzing)
	defer a.setPhase(prev)
	return a.analyze(ctx, orgID, activities)
}

func (a *Agent) analyze(ctx context.Context, orgID string, activities []model.Activity) OrgMetrics {
	detections := a.engine.MonitorDAO(orgID, activities)
	forecast := a.predictor.Forecast(orgID, a.opts.HorizonHours)

	m := OrgMetrics{
		OrgID:            orgID,
		RecentActivities: len(a.engine.ActivityHistory(orgID, 0)),
		Detections:       detections,
		Forecast:         forecast,
		RiskLevel:        RiskLevel(detections, forecast),
		HealthTrend:      HealthTrend(forecast),
		LastUpdated:      a.opts.Clock().UTC(),
	}

	a.mu.Lock()
	a.metrics[orgID] = m
	a.stats.OrgsMonitored = len(a.metrics)
	for _, d := range detections {
		a.stats.TotalDetected++
		switch d.Severity {
		case model.SeverityCritical:
			a.stats.Critical++
		case model.SeverityHigh:
			a.stats.High++
		case model.SeverityMedium:
			a.stats.Medium++
		default:
			a.stats.Low++
		}
	}
	a.mu.Unlock()

	a.opts.Logger.Info("organization analyzed",
		"org", orgID, "activities", len(activities), "detections", len(detections),
		"risk", m.RiskLevel, "trend", m.HealthTrend)
	a.report(ctx, m)
	return m
}

func (a *Agent) report(ctx context.Context, m OrgMetrics) {
	if a.pub == nil {
		return
	}
	if len(m.Detections) > 0 {
		payload := map[string]any{
			"risk_level": string(m.RiskLevel),
			"detections": m.Detections,
			"confidence": meanConfidence(m.Detections),
		}
		var err error
		if m.RiskLevel == model.SeverityCritical && hasCriticalPattern(m.Detections) {
			_, err = a.pub.SendCriticalAlert(ctx, bus.TopicThreatDetected, bus.AgentScry, m.OrgID, payload)
		} else {
			_, err = a.pub.Publish(ctx, bus.Message{
				Topic:    bus.TopicThreatDetected,
				From:     bus.AgentScry,
				To:       bus.AgentAll,
				OrgID:    m.OrgID,
				Payload:  payload,
				Priority: priorityFor(m.RiskLevel),
			})
		}
		if err != nil {
			a.opts.Logger.Warn("threat announcement failed", "org", m.OrgID, "error", err)
		}
	}

	if _, err := a.pub.Publish(ctx, bus.Message{
		Topic: bus.TopicForecastUpdated,
		From:  bus.AgentScry,
		To:    bus.AgentAll,
		OrgID: m.OrgID,
		Payload: map[string]any{
			"predicted_score": m.Forecast.PredictedScore,
			"confidence":      m.Forecast.Confidence,
			"health_trend":    string(m.HealthTrend),
			"risk_factors":    len(m.Forecast.RiskFactors),
			"early_warnings":  len(m.Forecast.EarlyWarnings),
		},
		Priority: bus.PriorityLow,
	}); err != nil {
		a.opts.Logger.Warn("forecast announcement failed", "org", m.OrgID, "error", err)
	}
}

func priorityFor(level model.Severity) bus.Priority {
	switch level {
	case model.SeverityCritical:
		return bus.PriorityCritical
	case model.SeverityHigh:
		return bus.PriorityHigh
	default:
		return bus.PriorityNormal
	}
}

func hasCriticalPattern(ds []surveillance.Detection) bool {
	for _, d := range ds {
		if d.Severity == model.SeverityCritical {
			return true
		}
	}
	return false
}

func meanConfidence(ds []surveillance.Detection) float64 {
	if len(ds) == 0 {
		return 0
	}
	var sum float64
	for _, d := range ds {
		sum += d.Confidence
	}
	return sum / float64(len(ds))
}

// Start runs one pass immediately, then one per interval until Stop or ctx
// cancellation. Passes never overlap.
func (a *Agent) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel != nil {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.setPhase(PhaseMonitoring)
	a.opts.Logger.Info("watcher started", "interval", a.opts.Interval)

	a.RunCycle(ctx)
	go a.run(ctx, a.done)
	return nil
}

func (a *Agent) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.RunCycle(ctx)
		}
	}
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (a *Agent) Stop() {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
	a.cancel = nil
	a.done = nil
	a.setPhase(PhaseIdle)
	a.opts.Logger.Info("watcher stopped")
}

// RunCycle analyzes every known organization, draining queued activities.
// A call made while another pass is in flight is skipped.
func (a *Agent) RunCycle(ctx context.Context) CycleSummary {
	if !a.cycleMu.TryLock() {
		a.opts.Logger.Debug("analysis pass already running, skipping")
		return CycleSummary{Skipped: true}
	}
	defer a.cycleMu.Unlock()

	prev := a.setPhase(PhaseAnalyzing)
	defer a.setPhase(prev)

	a.mu.Lock()
	batches := a.pending
	a.pending = make(map[string][]model.Activity)
	orgs := make(map[string]bool, len(batches)+len(a.metrics))
	for org := range batches {
		orgs[org] = true
	}
	for org := range a.metrics {
		orgs[org] = true
	}
	a.mu.Unlock()

	ids := make([]string, 0, len(orgs))
	for org := range orgs {
		ids = append(ids, org)
	}
	sort.Strings(ids)

	sum := CycleSummary{Highest: model.SeverityLow}
	for _, org := range ids {
		if ctx.Err() != nil {
			break
		}
		m := a.analyze(ctx, org, batches[org])
		sum.Orgs++
		sum.Detections += len(m.Detections)
		sum.Highest = model.MaxSeverity(sum.Highest, m.RiskLevel)
	}

	a.mu.Lock()
	a.stats.AnalysisCycles++
	a.lastAnalysis = a.opts.Clock().UTC()
	a.mu.Unlock()

	if a.opts.AutoReport && a.pub != nil {
		if _, err := a.pub.Publish(ctx, bus.Message{
			Topic: bus.TopicAnalysisComplete,
			From:  bus.AgentScry,
			To:    bus.AgentAll,
			Payload: map[string]any{
				"orgs":         sum.Orgs,
				"detections":   sum.Detections,
				"highest_risk": string(sum.Highest),
			},
			Priority: bus.PriorityLow,
		}); err != nil {
			a.opts.Logger.Warn("analysis announcement failed", "error", err)
		}
	}
	return sum
}

func (a *Agent) setPhase(p Phase) Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.phase
	a.phase = p
	return prev
}

// Status reports lifecycle state and counters.
func (a *Agent) Status() Status {
	a.runMu.Lock()
	running := a.cancel != nil
	a.runMu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	pending := 0
	for _, q := range a.pending {
		pending += len(q)
	}
	return Status{
		Phase:             a.phase,
		Running:           running,
		LastAnalysis:      a.lastAnalysis,
		PendingActivities: pending,
		Threats:           a.stats,
	}
}

// Metrics returns the latest analysis of orgID.
func (a *Agent) Metrics(orgID string) (OrgMetrics, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.metrics[orgID]
	return m, ok
}

// SuspicionScore returns the learned threat trait of an actor.
func (a *Agent) SuspicionScore(actorID string) float64 {
	return a.engine.PreemptiveSuspicionScore(actorID)
}

// Signatures returns recurring threat signatures.
func (a *Agent) Signatures() []surveillance.Signature {
	return a.engine.ThreatSignatures()
}

// PruneOldData drops surveillance data older than days and health samples
// older than twelve times that.
func (a *Agent) PruneOldData(days int) (surveillance.PruneResult, int) {
	if days <= 0 {
		days = 30
	}
	age := time.Duration(days) * 24 * time.Hour
	res := a.engine.Prune(age)
	samples := a.predictor.Prune(12 * age)
	return res, samples
}

const suspicionMark = 0.5

// Assess grades the security risk of a proposal for orgID from the latest
// analysis and the proposer's learned suspicion score.
func (a *Agent) Assess(_ context.Context, orgID string, p model.Proposal) (model.RiskAssessment, error) {
	m, ok := a.Metrics(orgID)
	if !ok {
		return model.RiskAssessment{
			IsSafe:      true,
			ThreatLevel: model.SeverityLow,
			Concerns:    []string{"No surveillance data for organization"},
			Confidence:  0.5,
		}, nil
	}

	level := m.RiskLevel
	var concerns []string
	for _, d := range m.Detections {
		concerns = append(concerns, fmt.Sprintf("%s detected (%s, confidence %.2f)", d.PatternName, d.Severity, d.Confidence))
	}
	for _, r := range m.Forecast.RiskFactors {
		if r.RiskLevel.Rank() >= model.SeverityHigh.Rank() {
			concerns = append(concerns, r.Description)
		}
	}
	if p.ProposerID != "" {
		if s := a.engine.PreemptiveSuspicionScore(p.ProposerID); s >= suspicionMark {
			concerns = append(concerns, fmt.Sprintf("Proposer %s has a suspicion score of %.2f", p.ProposerID, s))
			bump := model.SeverityMedium
			if s >= 0.8 {
				bump = model.SeverityHigh
			}
			level = model.MaxSeverity(level, bump)
		}
	}
	if p.DecisionType == model.DecisionTreasuryMovement {
		if tr, ok := m.Forecast.Trends[model.MetricTreasury]; ok && tr.Trend == predictor.TrendDeclining {
			concerns = append(concerns, "Treasury health is declining")
			level = model.MaxSeverity(level, model.SeverityMedium)
		}
	}

	conf := m.Forecast.Confidence
	if len(m.Detections) > 0 {
		conf = (conf + meanConfidence(m.Detections)) / 2
	}
	return model.RiskAssessment{
		IsSafe:      level.Rank() < model.SeverityHigh.Rank(),
		ThreatLevel: level,
		Concerns:    concerns,
		Confidence:  conf,
	}, nil
}
