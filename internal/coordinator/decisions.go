package coordinator

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/litmajor/mtaa-elders/internal/model"
)

// DecisionStatus is the registry outcome of a consensus.
type DecisionStatus string

const (
	StatusApproved  DecisionStatus = "approved"
	StatusRejected  DecisionStatus = "rejected"
	StatusEscalated DecisionStatus = "escalated"
)

// Reasoning holds one summary line per elder.
type Reasoning struct {
	Security     string `json:"security"`
	Optimization string `json:"optimization"`
	Ethics       string `json:"ethics"`
}

// Decision is a registered consensus outcome.
type Decision struct {
	ID             string             `json:"id"`
	OrgID          string             `json:"org_id"`
	ConsensusID    string             `json:"consensus_id"`
	ProposalID     string             `json:"proposal_id"`
	Type           model.DecisionType `json:"type,omitempty"`
	Status         DecisionStatus     `json:"status"`
	Confidence     float64            `json:"confidence"`
	Recommendation string             `json:"recommendation"`
	Reasoning      Reasoning          `json:"reasoning"`
	Timestamp      time.Time          `json:"timestamp"`
}

// statusFor escalates anything needing review; otherwise the verdict decides.
func statusFor(v Verdict) DecisionStatus {
	switch {
	case v.RequiresReview:
		return StatusEscalated
	case v.CanApprove:
		return StatusApproved
	default:
		return StatusRejected
	}
}

func recommendationFor(s DecisionStatus, v Verdict) string {
	switch s {
	case StatusApproved:
		return "Proceed with the proposal"
	case StatusRejected:
		return "Do not proceed: " + v.ReviewReason
	default:
		return "Escalate for human review: " + v.ReviewReason
	}
}

func (c *Coordinator) register(out Consensus) Decision {
	status := statusFor(out.Verdict)
	d := Decision{
		ID:             uuid.NewString(),
		OrgID:          out.OrgID,
		ConsensusID:    out.ID,
		ProposalID:     out.Proposal.ID,
		Type:           out.Proposal.DecisionType,
		Status:         status,
		Confidence:     out.Verdict.OverallConfidence,
		Recommendation: recommendationFor(status, out.Verdict),
		Reasoning: Reasoning{
			Security:     fmt.Sprintf("safe=%t threat=%s confidence=%.2f", out.Risk.IsSafe, out.Risk.ThreatLevel, out.Risk.Confidence),
			Optimization: fmt.Sprintf("beneficial=%t potential=%.2f confidence=%.2f", out.Benefit.IsBeneficial, out.Benefit.ImprovementPotential, out.Benefit.Confidence),
			Ethics:       fmt.Sprintf("ethical=%t score=%.2f confidence=%.2f", out.Ethics.IsEthical, out.Ethics.EthicalScore, out.Ethics.Confidence),
		},
		Timestamp: out.Timestamp,
	}
	c.decisions.Append(out.OrgID, d)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Total++
	switch status {
	case StatusApproved:
		c.stats.Approved++
	case StatusRejected:
		c.stats.Rejected++
	case StatusEscalated:
		c.stats.Escalated++
	}
	for _, a := range out.Fallbacks {
		c.fallbacks[a]++
	}
	c.lastDegraded = len(out.Fallbacks) > 0
	c.lastHeartbeat = c.opts.Clock().UTC()
	return d
}

// Decision looks up a registered decision by id.
func (c *Coordinator) Decision(id string) (Decision, bool) {
	for _, org := range c.decisions.Keys() {
		for _, d := range c.decisions.Last(org, 0) {
			if d.ID == id {
				return d, true
			}
		}
	}
	return Decision{}, false
}

// OrgDecisions returns up to limit of orgID's newest decisions, oldest first.
// limit <= 0 returns all that are retained.
func (c *Coordinator) OrgDecisions(orgID string, limit int) []Decision {
	return c.decisions.Last(orgID, limit)
}

// Orgs lists organizations with retained decisions, sorted.
func (c *Coordinator) Orgs() []string {
	return c.decisions.Keys()
}
