package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/litmajor/mtaa-elders/internal/bus"
	"github.com/litmajor/mtaa-elders/internal/model"
)

const (
	confidentAbove   = 0.6
	autoApproveFloor = 0.75
)

// Verdict is the synthesized outcome of the three assessments.
type Verdict struct {
	CanApprove        bool    `json:"can_approve"`
	OverallConfidence float64 `json:"overall_confidence"`
	RequiresReview    bool    `json:"requires_review"`
	ReviewReason      string  `json:"review_reason"`
}

// Consensus is the full answer to one consensus request.
type Consensus struct {
	ID        string                  `json:"id"`
	OrgID     string                  `json:"org_id"`
	Proposal  model.Proposal          `json:"proposal"`
	Risk      model.RiskAssessment    `json:"risk_assessment"`
	Benefit   model.BenefitAssessment `json:"benefit_assessment"`
	Ethics    model.EthicsAssessment  `json:"ethics_assessment"`
	Verdict   Verdict                 `json:"consensus_decision"`
	Fallbacks []bus.Agent             `json:"fallbacks,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

func defaultRisk() model.RiskAssessment {
	return model.RiskAssessment{
		IsSafe:      true,
		ThreatLevel: model.SeverityLow,
		Concerns:    []string{"Unable to assess threats"},
		Confidence:  0.5,
	}
}

func defaultBenefit() model.BenefitAssessment {
	return model.BenefitAssessment{
		IsBeneficial:         false,
		ImprovementPotential: 0.5,
		Recommendations:      []string{"Unable to assess optimizations"},
		Confidence:           0.5,
	}
}

func defaultEthics() model.EthicsAssessment {
	return model.EthicsAssessment{
		IsEthical:    true,
		EthicalScore: 0.5,
		Concerns:     []string{"Unable to assess ethical compliance"},
		Confidence:   0.5,
	}
}

// GetElderConsensus runs the three assessments concurrently and synthesizes
// them. An assessor that is missing, fails or panics is replaced by its
// conservative default; the consensus itself still completes. Every consensus
// is registered as a Decision.
func (c *Coordinator) GetElderConsensus(ctx context.Context, orgID string, p model.Proposal) (Consensus, error) {
	if orgID == "" {
		return Consensus{}, ErrMissingOrg
	}
	if !c.online() {
		return Consensus{}, ErrShutdown
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	out := Consensus{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		Proposal:  p,
		Timestamp: c.opts.Clock().UTC(),
	}
	c.publish(ctx, bus.Message{
		Topic: bus.TopicConsensusRequest,
		From:  bus.AgentCoordinator,
		To:    bus.AgentAll,
		OrgID: orgID,
		Payload: map[string]any{
			"consensus_id": out.ID,
			"proposal_id":  p.ID,
			"title":        p.Title,
		},
		Priority: bus.PriorityNormal,
	})

	var (
		wg        sync.WaitGroup
		riskErr   error
		benefErr  error
		ethicsErr error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		riskErr = guard(func() (err error) {
			if c.opts.Risk == nil {
				return errNotConnected
			}
			out.Risk, err = c.opts.Risk.Assess(ctx, orgID, p)
			return err
		})
	}()
	go func() {
		defer wg.Done()
		benefErr = guard(func() (err error) {
			if c.opts.Benefit == nil {
				return errNotConnected
			}
			out.Benefit, err = c.opts.Benefit.Assess(ctx, orgID, p)
			return err
		})
	}()
	go func() {
		defer wg.Done()
		ethicsErr = guard(func() (err error) {
			if c.opts.Ethics == nil {
				return errNotConnected
			}
			out.Ethics, err = c.opts.Ethics.Assess(ctx, orgID, p)
			return err
		})
	}()
	wg.Wait()

	if riskErr != nil {
		out.Risk = defaultRisk()
		out.Fallbacks = append(out.Fallbacks, bus.AgentScry)
		c.opts.Logger.Warn("risk assessment failed, using default", "org", orgID, "error", riskErr)
	}
	if benefErr != nil {
		out.Benefit = defaultBenefit()
		out.Fallbacks = append(out.Fallbacks, bus.AgentKaizen)
		c.opts.Logger.Warn("benefit assessment failed, using default", "org", orgID, "error", benefErr)
	}
	if ethicsErr != nil {
		out.Ethics = defaultEthics()
		out.Fallbacks = append(out.Fallbacks, bus.AgentLumen)
		c.opts.Logger.Warn("ethics assessment failed, using default", "org", orgID, "error", ethicsErr)
	}

	out.Verdict = Synthesize(out.Risk, out.Benefit, out.Ethics)
	d := c.register(out)

	c.opts.Logger.Info("consensus reached",
		"org", orgID, "proposal", p.ID, "status", d.Status,
		"confidence", out.Verdict.OverallConfidence, "review", out.Verdict.RequiresReview)
	c.announce(ctx, out, d)
	return out, nil
}

func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("assessor panic: %v", r)
		}
	}()
	return fn()
}

// Synthesize combines three assessments. Approval needs all three to be
// favorable; review is required unless every confidence is above 0.6, and
// also for an approvable proposal whose mean confidence is below 0.75.
func Synthesize(r model.RiskAssessment, b model.BenefitAssessment, e model.EthicsAssessment) Verdict {
	allConfident := r.Confidence > confidentAbove &&
		b.Confidence > confidentAbove &&
		e.Confidence > confidentAbove
	canApprove := r.IsSafe && b.IsBeneficial && e.IsEthical
	overall := (r.Confidence + b.Confidence + e.Confidence) / 3

	return Verdict{
		CanApprove:        canApprove,
		OverallConfidence: overall,
		RequiresReview:    !allConfident || (overall < autoApproveFloor && canApprove),
		ReviewReason:      reviewReason(r, b, e),
	}
}

func reviewReason(r model.RiskAssessment, b model.BenefitAssessment, e model.EthicsAssessment) string {
	var reasons []string
	if !r.IsSafe {
		reasons = append(reasons, fmt.Sprintf("Security concern: %s threat level", r.ThreatLevel))
	}
	if !b.IsBeneficial {
		reasons = append(reasons, "Limited optimization potential")
	}
	if !e.IsEthical {
		reasons = append(reasons, "Ethical concerns identified")
	}
	if r.Confidence < confidentAbove {
		reasons = append(reasons, "Low confidence in security assessment")
	}
	if b.Confidence < confidentAbove {
		reasons = append(reasons, "Low confidence in optimization assessment")
	}
	if e.Confidence < confidentAbove {
		reasons = append(reasons, "Low confidence in ethical assessment")
	}
	if len(reasons) == 0 {
		return "Standard review protocol"
	}
	return strings.Join(reasons, "; ")
}

func (c *Coordinator) announce(ctx context.Context, out Consensus, d Decision) {
	c.publish(ctx, bus.Message{
		Topic: bus.TopicDecisionMade,
		From:  bus.AgentCoordinator,
		To:    bus.AgentAll,
		OrgID: out.OrgID,
		Payload: map[string]any{
			"decision_id":        d.ID,
			"consensus_id":       out.ID,
			"proposal_id":        out.Proposal.ID,
			"status":             string(d.Status),
			"can_approve":        out.Verdict.CanApprove,
			"overall_confidence": out.Verdict.OverallConfidence,
			"requires_review":    out.Verdict.RequiresReview,
			"review_reason":      out.Verdict.ReviewReason,
		},
		Priority: bus.PriorityNormal,
	})

	if d.Status != StatusEscalated {
		return
	}
	priority := bus.PriorityHigh
	if out.Risk.ThreatLevel == model.SeverityCritical || !out.Ethics.IsEthical {
		priority = bus.PriorityCritical
	}
	c.publish(ctx, bus.Message{
		Topic: bus.TopicAlertEscalated,
		From:  bus.AgentCoordinator,
		To:    bus.AgentAll,
		OrgID: out.OrgID,
		Payload: map[string]any{
			"decision_id":  d.ID,
			"proposal_id":  out.Proposal.ID,
			"reason":       out.Verdict.ReviewReason,
			"threat_level": string(out.Risk.ThreatLevel),
		},
		Priority: priority,
	})
}

func (c *Coordinator) publish(ctx context.Context, msg bus.Message) {
	if c.opts.Bus == nil {
		return
	}
	if _, err := c.opts.Bus.Publish(ctx, msg); err != nil {
		c.opts.Logger.Warn("coordinator announcement failed", "topic", msg.Topic, "error", err)
	}
}
