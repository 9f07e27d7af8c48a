package watcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litmajor/mtaa-elders/internal/bus"
	"github.com/litmajor/mtaa-elders/internal/model"
	"github.com/litmajor/mtaa-elders/internal/predictor"
	"github.com/litmajor/mtaa-elders/internal/surveillance"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu       sync.Mutex
	messages []bus.Message
	critical []bus.Message
}

func (r *recorder) Publish(_ context.Context, msg bus.Message) (bus.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return msg, nil
}

func (r *recorder) SendCriticalAlert(_ context.Context, topic bus.Topic, from bus.Agent, orgID string, payload map[string]any) (bus.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg := bus.Message{Topic: topic, From: from, To: bus.AgentAll, OrgID: orgID, Payload: payload, Priority: bus.PriorityCritical}
	r.critical = append(r.critical, msg)
	return msg, nil
}

func (r *recorder) topics() []bus.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Topic
	for _, m := range r.messages {
		out = append(out, m.Topic)
	}
	return out
}

func newTestAgent(t *testing.T, optFns ...func(o *Options)) (*Agent, *recorder) {
	t.Helper()
	clock := func() time.Time { return t0 }
	eng := surveillance.New(func(o *surveillance.Options) { o.Clock = clock })
	pred := predictor.New(func(o *predictor.Options) { o.Clock = clock })
	rec := &recorder{}
	fns := append([]func(o *Options){func(o *Options) { o.Clock = clock }}, optFns...)
	return New(eng, pred, rec, fns...), rec
}

func transfer(id, actor string, amount float64, at time.Time) model.Activity {
	return model.Activity{
		ID:        id,
		ActorID:   actor,
		Type:      model.ActivityTransfer,
		Timestamp: at,
		Details:   map[string]any{"amount": amount, "recipient": "0xdead"},
	}
}

func steepDecline(n int) []model.HealthSample {
	out := make([]model.HealthSample, n)
	for i := range out {
		v := 90 - float64(i)*10
		out[i] = model.HealthSample{
			Timestamp:  t0.Add(time.Duration(i-n) * time.Hour),
			Overall:    v,
			Treasury:   v,
			Governance: 70,
			Community:  70,
			System:     70,
		}
	}
	return out
}

func TestRiskLevelRules(t *testing.T) {
	det := func(s model.Severity) surveillance.Detection { return surveillance.Detection{Severity: s} }
	risk := func(s model.Severity, p float64) predictor.RiskFactor {
		return predictor.RiskFactor{RiskLevel: s, Probability: p}
	}

	tests := []struct {
		name       string
		detections []surveillance.Detection
		risks      []predictor.RiskFactor
		want       model.Severity
	}{
		{"nothing", nil, nil, model.SeverityLow},
		{"low pattern", []surveillance.Detection{det(model.SeverityLow)}, nil, model.SeverityLow},
		{"medium pattern", []surveillance.Detection{det(model.SeverityMedium)}, nil, model.SeverityMedium},
		{"one high pattern", []surveillance.Detection{det(model.SeverityHigh)}, nil, model.SeverityMedium},
		{"three high items", []surveillance.Detection{det(model.SeverityHigh), det(model.SeverityHigh)},
			[]predictor.RiskFactor{risk(model.SeverityHigh, 0.7)}, model.SeverityHigh},
		{"unlikely high risk ignored", []surveillance.Detection{det(model.SeverityHigh), det(model.SeverityHigh)},
			[]predictor.RiskFactor{risk(model.SeverityHigh, 0.5)}, model.SeverityMedium},
		{"critical pattern", []surveillance.Detection{det(model.SeverityCritical)}, nil, model.SeverityCritical},
		{"likely critical risk", nil, []predictor.RiskFactor{risk(model.SeverityCritical, 0.61)}, model.SeverityCritical},
		{"unlikely critical risk", nil, []predictor.RiskFactor{risk(model.SeverityCritical, 0.6)}, model.SeverityLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RiskLevel(tt.detections, predictor.Forecast{RiskFactors: tt.risks})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRiskLevelNeverDropsWhenEvidenceIsAdded(t *testing.T) {
	severities := []model.Severity{model.SeverityLow, model.SeverityMedium, model.SeverityHigh, model.SeverityCritical}
	var ds []surveillance.Detection
	var f predictor.Forecast
	prev := RiskLevel(ds, f)
	for i := 0; i < 24; i++ {
		s := severities[(i*7)%len(severities)]
		if i%2 == 0 {
			ds = append(ds, surveillance.Detection{Severity: s})
		} else {
			f.RiskFactors = append(f.RiskFactors, predictor.RiskFactor{RiskLevel: s, Probability: float64(i%10) / 10})
		}
		got := RiskLevel(ds, f)
		assert.GreaterOrEqual(t, got.Rank(), prev.Rank(), "step %d", i)
		prev = got
	}
}

func TestHealthTrend(t *testing.T) {
	assert.Equal(t, predictor.TrendStable, HealthTrend(predictor.Forecast{PredictedScore: 70}))
	assert.Equal(t, predictor.TrendImproving, HealthTrend(predictor.Forecast{PredictedScore: 85}))
	assert.Equal(t, predictor.TrendVolatile, HealthTrend(predictor.Forecast{
		PredictedScore: 85,
		RiskFactors:    []predictor.RiskFactor{{RiskLevel: model.SeverityHigh}},
	}))
	assert.Equal(t, predictor.TrendDeclining, HealthTrend(predictor.Forecast{
		RiskFactors: []predictor.RiskFactor{{RiskLevel: model.SeverityCritical}},
	}))
}

func TestMonitorDAOWithCollapsingHealth(t *testing.T) {
	a, rec := newTestAgent(t)
	a.RecordHealth("dao-1", steepDecline(8)...)

	m := a.MonitorDAO(context.Background(), "dao-1", nil)

	assert.Equal(t, model.SeverityCritical, m.RiskLevel)
	assert.Equal(t, predictor.TrendDeclining, m.HealthTrend)
	assert.Empty(t, m.Detections)
	assert.Equal(t, t0, m.LastUpdated)
	assert.Equal(t, []bus.Topic{bus.TopicForecastUpdated}, rec.topics())
	assert.Empty(t, rec.critical)

	stored, ok := a.Metrics("dao-1")
	require.True(t, ok)
	assert.Equal(t, m.RiskLevel, stored.RiskLevel)
	assert.Equal(t, PhaseIdle, a.Status().Phase)
}

func TestMonitorDAOTreasuryDrainRaisesCriticalAlert(t *testing.T) {
	a, rec := newTestAgent(t)
	batch := []model.Activity{
		transfer("a1", "alice", 150000, t0.Add(-10*time.Minute)),
		transfer("a2", "bob", 200000, t0.Add(-6*time.Minute)),
		transfer("a3", "alice", 175000, t0.Add(-1*time.Minute)),
	}

	m := a.MonitorDAO(context.Background(), "dao-1", batch)

	assert.Equal(t, model.SeverityCritical, m.RiskLevel)
	assert.Equal(t, 3, m.RecentActivities)
	require.NotEmpty(t, rec.critical)
	assert.Equal(t, bus.TopicThreatDetected, rec.critical[0].Topic)
	assert.Equal(t, bus.AgentScry, rec.critical[0].From)
	assert.Equal(t, "dao-1", rec.critical[0].OrgID)

	st := a.Status()
	assert.GreaterOrEqual(t, st.Threats.Critical, 1)
	assert.Equal(t, len(m.Detections), st.Threats.TotalDetected)
	assert.Equal(t, 1, st.Threats.OrgsMonitored)

	r, err := a.Assess(context.Background(), "dao-1", model.Proposal{Title: "Grant"})
	require.NoError(t, err)
	assert.False(t, r.IsSafe)
	assert.Equal(t, model.SeverityCritical, r.ThreatLevel)
	assert.NotEmpty(t, r.Concerns)
}

func TestAssessUnmonitoredOrg(t *testing.T) {
	a, _ := newTestAgent(t)
	r, err := a.Assess(context.Background(), "unknown", model.Proposal{Title: "x"})
	require.NoError(t, err)
	assert.True(t, r.IsSafe)
	assert.Equal(t, model.SeverityLow, r.ThreatLevel)
	assert.Equal(t, 0.5, r.Confidence)
	assert.Len(t, r.Concerns, 1)
}

func TestAssessFlagsSuspiciousProposer(t *testing.T) {
	a, _ := newTestAgent(t)
	ctx := context.Background()
	for i := 0; i < 14; i++ {
		a.MonitorDAO(ctx, "dao-1", []model.Activity{
			transfer(fmt.Sprintf("a%d", i), "mallory", 150000, t0.Add(-2*time.Minute)),
			transfer(fmt.Sprintf("b%d", i), "mallory", 150000, t0.Add(-1*time.Minute)),
		})
	}
	require.GreaterOrEqual(t, a.SuspicionScore("mallory"), 0.8)

	a.MonitorDAO(ctx, "dao-2", nil)

	clean, err := a.Assess(ctx, "dao-2", model.Proposal{Title: "Fund", ProposerID: "carol"})
	require.NoError(t, err)
	assert.True(t, clean.IsSafe)
	assert.Equal(t, model.SeverityLow, clean.ThreatLevel)
	assert.InDelta(t, 0.3, clean.Confidence, 1e-9)

	flagged, err := a.Assess(ctx, "dao-2", model.Proposal{Title: "Fund", ProposerID: "mallory"})
	require.NoError(t, err)
	assert.False(t, flagged.IsSafe)
	assert.Equal(t, model.SeverityHigh, flagged.ThreatLevel)
	require.Len(t, flagged.Concerns, 1)
	assert.Contains(t, flagged.Concerns[0], "mallory")
}

func TestRunCycleDrainsObservedActivities(t *testing.T) {
	a, rec := newTestAgent(t)
	a.Observe("dao-b", transfer("x1", "dave", 10, t0))
	a.Observe("dao-a", transfer("x2", "erin", 10, t0))
	assert.Equal(t, 2, a.Status().PendingActivities)

	sum := a.RunCycle(context.Background())
	assert.False(t, sum.Skipped)
	assert.Equal(t, 2, sum.Orgs)

	st := a.Status()
	assert.Zero(t, st.PendingActivities)
	assert.Equal(t, 1, st.Threats.AnalysisCycles)
	assert.Equal(t, t0, st.LastAnalysis)
	assert.Contains(t, rec.topics(), bus.TopicAnalysisComplete)

	// Known orgs are revisited on later passes.
	sum = a.RunCycle(context.Background())
	assert.Equal(t, 2, sum.Orgs)
}

func TestObserveIsBounded(t *testing.T) {
	a, _ := newTestAgent(t, func(o *Options) { o.MaxPending = 3 })
	for i := 0; i < 5; i++ {
		a.Observe("dao-1", transfer(fmt.Sprintf("t%d", i), "x", 1, t0))
	}
	assert.Equal(t, 3, a.Status().PendingActivities)
}

func TestRunCycleSkipsWhenBusy(t *testing.T) {
	a, _ := newTestAgent(t)
	a.cycleMu.Lock()
	sum := a.RunCycle(context.Background())
	a.cycleMu.Unlock()
	assert.True(t, sum.Skipped)
	assert.Zero(t, a.Status().Threats.AnalysisCycles)
}

func TestStartStopLifecycle(t *testing.T) {
	a, _ := newTestAgent(t, func(o *Options) { o.Interval = 10 * time.Millisecond })
	ctx := context.Background()

	require.NoError(t, a.Start(ctx))
	assert.ErrorIs(t, a.Start(ctx), ErrRunning)

	st := a.Status()
	assert.True(t, st.Running)
	assert.Equal(t, PhaseMonitoring, st.Phase)
	assert.GreaterOrEqual(t, st.Threats.AnalysisCycles, 1, "first pass runs on start")

	a.Observe("dao-1", transfer("t1", "x", 1, t0))
	assert.Eventually(t, func() bool {
		return a.Status().PendingActivities == 0 && a.Status().Threats.AnalysisCycles >= 2
	}, time.Second, 5*time.Millisecond)

	a.Stop()
	st = a.Status()
	assert.False(t, st.Running)
	assert.Equal(t, PhaseIdle, st.Phase)
	a.Stop()

	require.NoError(t, a.Start(ctx))
	a.Stop()
}

func TestPruneOldData(t *testing.T) {
	a, _ := newTestAgent(t)
	a.MonitorDAO(context.Background(), "dao-1", []model.Activity{
		transfer("old", "x", 1, t0.Add(-40*24*time.Hour)),
		transfer("new", "x", 1, t0),
	})
	a.RecordHealth("dao-1",
		model.HealthSample{Timestamp: t0.Add(-400 * 24 * time.Hour), Overall: 50},
		model.HealthSample{Timestamp: t0.Add(-100 * 24 * time.Hour), Overall: 50},
	)

	res, samples := a.PruneOldData(30)
	assert.Equal(t, 1, res.Activities)
	assert.Equal(t, 1, samples)
}
