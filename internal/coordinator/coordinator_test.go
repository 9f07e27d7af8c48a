package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litmajor/mtaa-elders/internal/bus"
	"github.com/litmajor/mtaa-elders/internal/ethics"
	"github.com/litmajor/mtaa-elders/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type riskFunc func(ctx context.Context, orgID string, p model.Proposal) (model.RiskAssessment, error)

func (f riskFunc) Assess(ctx context.Context, orgID string, p model.Proposal) (model.RiskAssessment, error) {
	return f(ctx, orgID, p)
}

type benefitFunc func(ctx context.Context, orgID string, p model.Proposal) (model.BenefitAssessment, error)

func (f benefitFunc) Assess(ctx context.Context, orgID string, p model.Proposal) (model.BenefitAssessment, error) {
	return f(ctx, orgID, p)
}

type ethicsFunc func(ctx context.Context, orgID string, p model.Proposal) (model.EthicsAssessment, error)

func (f ethicsFunc) Assess(ctx context.Context, orgID string, p model.Proposal) (model.EthicsAssessment, error) {
	return f(ctx, orgID, p)
}

func safe(conf float64) riskFunc {
	return func(context.Context, string, model.Proposal) (model.RiskAssessment, error) {
		return model.RiskAssessment{IsSafe: true, ThreatLevel: model.SeverityLow, Confidence: conf}, nil
	}
}

func beneficial(conf float64) benefitFunc {
	return func(context.Context, string, model.Proposal) (model.BenefitAssessment, error) {
		return model.BenefitAssessment{IsBeneficial: true, ImprovementPotential: 0.8, Recommendations: []string{"x"}, Confidence: conf}, nil
	}
}

func ethical(conf float64) ethicsFunc {
	return func(context.Context, string, model.Proposal) (model.EthicsAssessment, error) {
		return model.EthicsAssessment{IsEthical: true, EthicalScore: 0.9, Confidence: conf}, nil
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCoordinator(t *testing.T, optFns ...func(o *Options)) (*Coordinator, *clock) {
	t.Helper()
	clk := &clock{now: t0}
	fns := append([]func(o *Options){func(o *Options) {
		o.Clock = clk.Now
		o.Risk = safe(0.9)
		o.Benefit = beneficial(0.9)
		o.Ethics = ethical(0.9)
	}}, optFns...)
	c, err := New(fns...)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c, clk
}

var proposal = model.Proposal{
	ID:           "p-1",
	Title:        "Community grant",
	Description:  "Fund the onboarding working group",
	DecisionType: model.DecisionResourceAllocation,
	ProposerID:   "alice",
}

func TestSynthesize(t *testing.T) {
	r := model.RiskAssessment{IsSafe: true, ThreatLevel: model.SeverityLow, Confidence: 0.9}
	b := model.BenefitAssessment{IsBeneficial: true, Confidence: 0.9}
	e := model.EthicsAssessment{IsEthical: true, Confidence: 0.9}

	v := Synthesize(r, b, e)
	assert.True(t, v.CanApprove)
	assert.False(t, v.RequiresReview)
	assert.InDelta(t, 0.9, v.OverallConfidence, 1e-9)
	assert.Equal(t, "Standard review protocol", v.ReviewReason)

	lukewarm := Synthesize(
		model.RiskAssessment{IsSafe: true, Confidence: 0.7},
		model.BenefitAssessment{IsBeneficial: true, Confidence: 0.7},
		model.EthicsAssessment{IsEthical: true, Confidence: 0.7},
	)
	assert.True(t, lukewarm.CanApprove)
	assert.True(t, lukewarm.RequiresReview, "approvable but mean confidence below 0.75")

	unsafe := r
	unsafe.IsSafe = false
	unsafe.ThreatLevel = model.SeverityHigh
	v = Synthesize(unsafe, b, e)
	assert.False(t, v.CanApprove)
	assert.False(t, v.RequiresReview, "confident rejection needs no review")
	assert.Equal(t, "Security concern: high threat level", v.ReviewReason)

	doubtful := b
	doubtful.IsBeneficial = false
	doubtful.Confidence = 0.4
	v = Synthesize(r, doubtful, e)
	assert.True(t, v.RequiresReview)
	assert.Equal(t, "Limited optimization potential; Low confidence in optimization assessment", v.ReviewReason)

	unethical := e
	unethical.IsEthical = false
	unethical.Confidence = 0.6
	v = Synthesize(r, b, unethical)
	assert.True(t, v.RequiresReview, "confidence of exactly 0.6 is not confident")
	assert.Equal(t, "Ethical concerns identified", v.ReviewReason)
}

func TestConsensusWithFailingOptimizer(t *testing.T) {
	c, _ := newTestCoordinator(t, func(o *Options) {
		o.Benefit = benefitFunc(func(context.Context, string, model.Proposal) (model.BenefitAssessment, error) {
			return model.BenefitAssessment{}, errors.New("optimizer unreachable")
		})
	})

	out, err := c.GetElderConsensus(context.Background(), "dao-1", proposal)
	require.NoError(t, err)

	assert.Equal(t, "dao-1", out.OrgID)
	assert.Equal(t, 0.5, out.Benefit.Confidence)
	assert.False(t, out.Benefit.IsBeneficial)
	assert.Equal(t, []string{"Unable to assess optimizations"}, out.Benefit.Recommendations)
	assert.Equal(t, []bus.Agent{bus.AgentKaizen}, out.Fallbacks)

	assert.True(t, out.Risk.IsSafe)
	assert.Equal(t, 0.9, out.Ethics.Confidence)
	assert.False(t, out.Verdict.CanApprove)
	assert.True(t, out.Verdict.RequiresReview)
	assert.InDelta(t, (0.9+0.5+0.9)/3, out.Verdict.OverallConfidence, 1e-9)
	assert.Contains(t, out.Verdict.ReviewReason, "Low confidence in optimization assessment")

	st := c.Status()
	assert.Equal(t, HealthDegraded, st.State)
	assert.Equal(t, 1, st.Fallbacks[bus.AgentKaizen])
	assert.Equal(t, 1, st.Decisions.Escalated)
}

func TestPanickingAssessorsDegrade(t *testing.T) {
	c, _ := newTestCoordinator(t, func(o *Options) {
		o.Risk = riskFunc(func(context.Context, string, model.Proposal) (model.RiskAssessment, error) {
			panic("boom")
		})
		o.Ethics = ethicsFunc(func(context.Context, string, model.Proposal) (model.EthicsAssessment, error) {
			panic("boom")
		})
	})

	out, err := c.GetElderConsensus(context.Background(), "dao-1", proposal)
	require.NoError(t, err)
	assert.Equal(t, defaultRisk(), out.Risk)
	assert.Equal(t, defaultEthics(), out.Ethics)
	assert.ElementsMatch(t, []bus.Agent{bus.AgentScry, bus.AgentLumen}, out.Fallbacks)
}

func TestMissingAssessorsUseDefaults(t *testing.T) {
	c, err := New(func(o *Options) { o.Clock = func() time.Time { return t0 } })
	require.NoError(t, err)

	out, err := c.GetElderConsensus(context.Background(), "dao-1", model.Proposal{Title: "x"})
	require.NoError(t, err)
	assert.NotEmpty(t, out.Proposal.ID)
	assert.Len(t, out.Fallbacks, 3)
	assert.InDelta(t, 0.5, out.Verdict.OverallConfidence, 1e-9)
	assert.True(t, out.Verdict.RequiresReview)

	st := c.Status()
	assert.Zero(t, st.EldersConnected)
	assert.Equal(t, HealthDegraded, st.State)
}

func TestAssessorsRunConcurrently(t *testing.T) {
	var started sync.WaitGroup
	started.Add(3)
	all := make(chan struct{})
	go func() { started.Wait(); close(all) }()

	wait := func() error {
		started.Done()
		select {
		case <-all:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("assessors ran sequentially")
		}
	}

	c, _ := newTestCoordinator(t, func(o *Options) {
		o.Risk = riskFunc(func(ctx context.Context, org string, p model.Proposal) (model.RiskAssessment, error) {
			if err := wait(); err != nil {
				return model.RiskAssessment{}, err
			}
			return safe(0.9)(ctx, org, p)
		})
		o.Benefit = benefitFunc(func(ctx context.Context, org string, p model.Proposal) (model.BenefitAssessment, error) {
			if err := wait(); err != nil {
				return model.BenefitAssessment{}, err
			}
			return beneficial(0.9)(ctx, org, p)
		})
		o.Ethics = ethicsFunc(func(ctx context.Context, org string, p model.Proposal) (model.EthicsAssessment, error) {
			if err := wait(); err != nil {
				return model.EthicsAssessment{}, err
			}
			return ethical(0.9)(ctx, org, p)
		})
	})

	out, err := c.GetElderConsensus(context.Background(), "dao-1", proposal)
	require.NoError(t, err)
	assert.Empty(t, out.Fallbacks)
	assert.True(t, out.Verdict.CanApprove)
	assert.False(t, out.Verdict.RequiresReview)
}

func TestDecisionRegistry(t *testing.T) {
	c, _ := newTestCoordinator(t, func(o *Options) { o.MaxDecisions = 2 })
	ctx := context.Background()

	approved, err := c.GetElderConsensus(ctx, "dao-1", proposal)
	require.NoError(t, err)

	unsafe := model.Proposal{ID: "p-2", Title: "Drain"}
	c.opts.Risk = riskFunc(func(context.Context, string, model.Proposal) (model.RiskAssessment, error) {
		return model.RiskAssessment{IsSafe: false, ThreatLevel: model.SeverityHigh, Confidence: 0.9}, nil
	})
	_, err = c.GetElderConsensus(ctx, "dao-1", unsafe)
	require.NoError(t, err)
	_, err = c.GetElderConsensus(ctx, "dao-1", unsafe)
	require.NoError(t, err)

	ds := c.OrgDecisions("dao-1", 0)
	require.Len(t, ds, 2)
	assert.Equal(t, StatusRejected, ds[0].Status)
	assert.Equal(t, "p-2", ds[1].ProposalID)
	assert.Contains(t, ds[1].Recommendation, "Security concern")

	got, ok := c.Decision(ds[1].ID)
	require.True(t, ok)
	assert.Equal(t, ds[1], got)
	_, ok = c.Decision("missing")
	assert.False(t, ok)
	assert.Empty(t, c.OrgDecisions("dao-2", 0))

	st := c.Status()
	assert.Equal(t, DecisionStats{Total: 3, Approved: 1, Rejected: 2}, st.Decisions)
	assert.Equal(t, approved.OrgID, "dao-1")
}

func TestConsensusAnnouncesOnBus(t *testing.T) {
	b := bus.New()
	t.Cleanup(b.Shutdown)
	c, _ := newTestCoordinator(t, func(o *Options) {
		o.Bus = b
		o.Ethics = ethicsFunc(func(context.Context, string, model.Proposal) (model.EthicsAssessment, error) {
			return model.EthicsAssessment{IsEthical: false, EthicalScore: 0.1, Confidence: 0.5}, nil
		})
	})

	_, err := c.GetElderConsensus(context.Background(), "dao-1", proposal)
	require.NoError(t, err)

	require.Len(t, b.History(bus.TopicConsensusRequest, 0), 1)
	made := b.History(bus.TopicDecisionMade, 0)
	require.Len(t, made, 1)
	assert.Equal(t, "escalated", made[0].Payload["status"])
	assert.Equal(t, "dao-1", made[0].OrgID)

	escalated := b.History(bus.TopicAlertEscalated, 0)
	require.Len(t, escalated, 1)
	assert.Equal(t, bus.PriorityCritical, escalated[0].Priority)
	assert.Equal(t, bus.AgentCoordinator, escalated[0].From)
}

func TestInboxCollectsElderAnnouncements(t *testing.T) {
	b := bus.New()
	t.Cleanup(b.Shutdown)
	c, _ := newTestCoordinator(t, func(o *Options) { o.Bus = b })
	ctx := context.Background()

	_, err := b.Broadcast(ctx, bus.TopicThreatDetected, bus.AgentScry, "dao-1", map[string]any{"confidence": 0.2}, bus.PriorityHigh)
	require.NoError(t, err)
	_, err = b.Broadcast(ctx, bus.TopicRecommendationGenerated, bus.AgentKaizen, "dao-1", map[string]any{"confidence": 0.9}, bus.PriorityNormal)
	require.NoError(t, err)
	_, err = b.Broadcast(ctx, bus.TopicReviewComplete, bus.AgentLumen, "dao-1", map[string]any{}, bus.PriorityNormal)
	require.NoError(t, err)
	_, err = b.Broadcast(ctx, bus.TopicMetricsUpdated, bus.AgentKaizen, "dao-1", nil, bus.PriorityLow)
	require.NoError(t, err)

	q := c.MessageQueue()
	require.Len(t, q, 3)
	assert.Equal(t, bus.AgentScry, q[0].Elder)
	assert.Equal(t, 0.8, q[0].Confidence)
	assert.Equal(t, 0.9, q[1].Confidence)
	assert.Equal(t, 0.75, q[2].Confidence)
	assert.Equal(t, 3, c.Status().QueueSize)

	c.ClearMessageQueue()
	assert.Empty(t, c.MessageQueue())
	assert.Equal(t, 3, c.Status().MessagesReceived)

	c.Shutdown()
	assert.Zero(t, b.Stats().TotalSubscriptions)
	assert.Equal(t, HealthOffline, c.Status().State)
	_, err = c.GetElderConsensus(ctx, "dao-1", proposal)
	assert.ErrorIs(t, err, ErrShutdown)
	c.Shutdown()
}

func TestInboxIsBounded(t *testing.T) {
	b := bus.New()
	t.Cleanup(b.Shutdown)
	c, _ := newTestCoordinator(t, func(o *Options) {
		o.Bus = b
		o.MaxQueue = 2
	})
	for i := 0; i < 5; i++ {
		_, err := b.Broadcast(context.Background(), bus.TopicThreatDetected, bus.AgentScry, "dao-1", nil, bus.PriorityNormal)
		require.NoError(t, err)
	}
	assert.Len(t, c.MessageQueue(), 2)
	assert.Equal(t, 5, c.Status().MessagesReceived)
}

func TestHeartbeatAndUptime(t *testing.T) {
	c, clk := newTestCoordinator(t)
	st := c.Status()
	assert.Equal(t, HealthOnline, st.State)
	assert.Equal(t, 3, st.EldersConnected)

	clk.Advance(6 * time.Minute)
	st = c.Status()
	assert.Equal(t, HealthDegraded, st.State)
	assert.Equal(t, 6*time.Minute, st.Uptime)

	c.Heartbeat()
	st = c.Status()
	assert.Equal(t, HealthOnline, st.State)
	assert.Equal(t, t0.Add(6*time.Minute), st.LastHeartbeat)
}

func TestMissingOrgIsRejected(t *testing.T) {
	c, _ := newTestCoordinator(t)
	_, err := c.GetElderConsensus(context.Background(), "", proposal)
	assert.ErrorIs(t, err, ErrMissingOrg)
}

func TestConsensusWithEthicsReviewer(t *testing.T) {
	b := bus.New()
	t.Cleanup(b.Shutdown)
	rev, err := ethics.New(func(o *ethics.Options) {
		o.Publisher = b
		o.Clock = func() time.Time { return t0 }
	})
	require.NoError(t, err)
	c, _ := newTestCoordinator(t, func(o *Options) {
		o.Bus = b
		o.Ethics = rev
	})

	harmful := model.Proposal{
		ID:             "p-9",
		Title:          "Deceive members",
		Description:    "Deceive members about the treasury to move funds",
		DecisionType:   model.DecisionTreasuryMovement,
		PotentialHarms: []string{"financial loss", "loss of trust", "privacy breach"},
	}
	out, err := c.GetElderConsensus(context.Background(), "dao-1", harmful)
	require.NoError(t, err)
	assert.False(t, out.Ethics.IsEthical)
	assert.False(t, out.Verdict.CanApprove)
	assert.Contains(t, out.Verdict.ReviewReason, "Ethical concerns identified")

	q := c.MessageQueue()
	require.NotEmpty(t, q)
	assert.Equal(t, bus.AgentLumen, q[0].Elder)
	assert.Equal(t, "dao-1", q[0].OrgID)
}
