package model

import (
	"errors"
	"fmt"
)

// DecisionType classifies a governance action under review.
type DecisionType string

const (
	DecisionTreasuryMovement   DecisionType = "treasury_movement"
	DecisionGovernanceChange   DecisionType = "governance_change"
	DecisionMemberRemoval      DecisionType = "member_removal"
	DecisionPolicyChange       DecisionType = "policy_change"
	DecisionSystemModification DecisionType = "system_modification"
	DecisionDataAccess         DecisionType = "data_access"
	DecisionEmergencyAction    DecisionType = "emergency_action"
	DecisionResourceAllocation DecisionType = "resource_allocation"
)

var decisionTypes = map[DecisionType]bool{
	DecisionTreasuryMovement:   true,
	DecisionGovernanceChange:   true,
	DecisionMemberRemoval:      true,
	DecisionPolicyChange:       true,
	DecisionSystemModification: true,
	DecisionDataAccess:         true,
	DecisionEmergencyAction:    true,
	DecisionResourceAllocation: true,
}

// Valid reports whether d is a known decision type.
func (d DecisionType) Valid() bool { return decisionTypes[d] }

// ErrInvalidProposal is returned by Proposal.Validate.
var ErrInvalidProposal = errors.New("invalid proposal")

// Proposal is a governance action submitted for elder consensus.
type Proposal struct {
	ID                string         `json:"id" yaml:"id"`
	Title             string         `json:"title" yaml:"title"`
	Description       string         `json:"description" yaml:"description"`
	DecisionType      DecisionType   `json:"decision_type" yaml:"decision_type"`
	ProposerID        string         `json:"proposer_id,omitempty" yaml:"proposer_id,omitempty"`
	AffectedParties   []string       `json:"affected_parties,omitempty" yaml:"affected_parties,omitempty"`
	PotentialHarms    []string       `json:"potential_harms,omitempty" yaml:"potential_harms,omitempty"`
	PotentialBenefits []string       `json:"potential_benefits,omitempty" yaml:"potential_benefits,omitempty"`
	Justification     string         `json:"justification,omitempty" yaml:"justification,omitempty"`
	Urgency           Severity       `json:"urgency,omitempty" yaml:"urgency,omitempty"`
	Amount            float64        `json:"amount,omitempty" yaml:"amount,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Validate checks the fields required to evaluate a proposal.
func (p Proposal) Validate() error {
	if p.Title == "" && p.Description == "" {
		return fmt.Errorf("%w: title or description required", ErrInvalidProposal)
	}
	if p.DecisionType != "" && !p.DecisionType.Valid() {
		return fmt.Errorf("%w: unknown decision type %q", ErrInvalidProposal, p.DecisionType)
	}
	if p.Urgency != "" && !p.Urgency.Valid() {
		return fmt.Errorf("%w: unknown urgency %q", ErrInvalidProposal, p.Urgency)
	}
	return nil
}

// Action returns the text describing what the proposal does.
func (p Proposal) Action() string {
	switch {
	case p.Title == "":
		return p.Description
	case p.Description == "":
		return p.Title
	default:
		return p.Title + ": " + p.Description
	}
}
