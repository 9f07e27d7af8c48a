package ethics

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/litmajor/mtaa-elders/internal/model"
)

// Level grades the overall ethical concern of a request.
type Level string

const (
	LevelGreen  Level = "green"
	LevelYellow Level = "yellow"
	LevelOrange Level = "orange"
	LevelRed    Level = "red"
)

// Principle is an ethical principle a request may touch.
type Principle string

const (
	PrincipleMinimizeHarm       Principle = "minimize_harm"
	PrincipleRespectAutonomy    Principle = "respect_autonomy"
	PrincipleEnsureJustice      Principle = "ensure_justice"
	PrinciplePromoteBeneficence Principle = "promote_beneficence"
	PrincipleTransparency       Principle = "transparency"
	PrincipleProportionality    Principle = "proportionality"
	PrincipleFairness           Principle = "fairness"
	PrincipleAccountability     Principle = "accountability"
)

// Criterion is one scored dimension of a review.
type Criterion string

const (
	CriterionHarm            Criterion = "harm_assessment"
	CriterionConsent         Criterion = "consent_verification"
	CriterionProportionality Criterion = "proportionality_check"
	CriterionTransparency    Criterion = "transparency_requirement"
	CriterionFairness        Criterion = "fairness_evaluation"
)

// ErrInvalidRequest is returned for requests that cannot be reviewed.
var ErrInvalidRequest = errors.New("ethics: invalid request")

// Request is a decision submitted for ethical review.
type Request struct {
	ID                string             `json:"id" yaml:"id"`
	OrgID             string             `json:"org_id,omitempty" yaml:"org_id,omitempty"`
	DecisionType      model.DecisionType `json:"decision_type" yaml:"decision_type"`
	ProposedAction    string             `json:"proposed_action" yaml:"proposed_action"`
	Justification     string             `json:"justification" yaml:"justification"`
	AffectedParties   []string           `json:"affected_parties,omitempty" yaml:"affected_parties,omitempty"`
	PotentialHarms    []string           `json:"potential_harms,omitempty" yaml:"potential_harms,omitempty"`
	PotentialBenefits []string           `json:"potential_benefits,omitempty" yaml:"potential_benefits,omitempty"`
	Urgency           model.Severity     `json:"urgency,omitempty" yaml:"urgency,omitempty"`
	Metadata          map[string]any     `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Validate rejects requests missing an action or carrying unknown enums.
func (r Request) Validate() error {
	if strings.TrimSpace(r.ProposedAction) == "" {
		return fmt.Errorf("%w: proposed action required", ErrInvalidRequest)
	}
	if !r.DecisionType.Valid() {
		return fmt.Errorf("%w: unknown decision type %q", ErrInvalidRequest, r.DecisionType)
	}
	if r.Urgency != "" && !r.Urgency.Valid() {
		return fmt.Errorf("%w: unknown urgency %q", ErrInvalidRequest, r.Urgency)
	}
	return nil
}

// RequestFromProposal maps a consensus proposal onto a review request.
// Proposals without a decision type are reviewed as policy changes.
func RequestFromProposal(orgID string, p model.Proposal) Request {
	dt := p.DecisionType
	if dt == "" {
		dt = model.DecisionPolicyChange
	}
	urgency := p.Urgency
	if urgency == "" {
		urgency = model.SeverityMedium
	}
	return Request{
		ID:                p.ID,
		OrgID:             orgID,
		DecisionType:      dt,
		ProposedAction:    p.Action(),
		Justification:     p.Justification,
		AffectedParties:   p.AffectedParties,
		PotentialHarms:    p.PotentialHarms,
		PotentialBenefits: p.PotentialBenefits,
		Urgency:           urgency,
		Metadata:          p.Metadata,
	}
}

// Result is the outcome of one review.
type Result struct {
	RequestID       string                `json:"request_id"`
	OrgID           string                `json:"org_id,omitempty"`
	Approved        bool                  `json:"approved"`
	ConcernLevel    Level                 `json:"concern_level"`
	Score           float64               `json:"score"`
	Principles      []Principle           `json:"principles_affected"`
	Concerns        []string              `json:"concerns"`
	Recommendations []string              `json:"recommendations"`
	CriterionScores map[Criterion]float64 `json:"criterion_scores"`
	Triggered       []Criterion           `json:"triggered_criteria"`
	ForbiddenMatch  string                `json:"forbidden_match,omitempty"`
	Confidence      float64               `json:"confidence"`
	StrictMode      bool                  `json:"strict_mode"`
	Reason          string                `json:"reason"`
	ReviewedAt      time.Time             `json:"reviewed_at"`
}

// AuditRecord is the immutable trail entry written for every review.
type AuditRecord struct {
	ID        string    `json:"id"`
	Request   Request   `json:"request"`
	Result    Result    `json:"result"`
	Timestamp time.Time `json:"timestamp"`
}
