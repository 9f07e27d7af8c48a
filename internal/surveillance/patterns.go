package surveillance

import "github.com/litmajor/mtaa-elders/internal/model"

// Pattern is a registered detection rule. Immutable once registered.
type Pattern struct {
	ID             string         `json:"id" yaml:"id"`
	Name           string         `json:"name" yaml:"name"`
	Description    string         `json:"description" yaml:"description"`
	Indicators     []string       `json:"indicators" yaml:"indicators"`
	Severity       model.Severity `json:"severity" yaml:"severity"`
	BaseConfidence float64        `json:"base_confidence" yaml:"base_confidence"`
	Categories     []string       `json:"categories,omitempty" yaml:"categories,omitempty"`
}

// SeedPatterns returns the patterns every engine starts with.
func SeedPatterns() []Pattern {
	return []Pattern{
		{
			ID:             "treasury-drain",
			Name:           "Treasury Drain Attack",
			Description:    "Multiple large transfers out of the treasury in quick succession",
			Indicators:     []string{"outbound_transfer", "multiple_transfers", "large_amounts", "short_timeframe", "rapid_succession", "suspicious_recipients"},
			Severity:       model.SeverityCritical,
			BaseConfidence: 0.85,
			Categories:     []string{"treasury", "financial"},
		},
		{
			ID:             "governance-takeover",
			Name:           "Governance Takeover",
			Description:    "Coordinated accumulation of voting power to control outcomes",
			Indicators:     []string{"vote_activity", "sudden_voting_surge", "coordinated_delegates", "voting_bloc_formation", "proposal_spam", "rapid_succession"},
			Severity:       model.SeverityCritical,
			BaseConfidence: 0.80,
			Categories:     []string{"governance", "voting"},
		},
		{
			ID:             "sybil-attack",
			Name:           "Sybil Attack",
			Description:    "Many fresh identities acting in lockstep",
			Indicators:     []string{"similar_voting_behavior", "identical_timestamps", "similar_profiles", "coordinated_actions", "vote_activity"},
			Severity:       model.SeverityHigh,
			BaseConfidence: 0.75,
			Categories:     []string{"identity", "voting"},
		},
		{
			ID:             "flash-loan-attack",
			Name:           "Flash Loan Attack",
			Description:    "Borrowed balance used to sway a vote within one block",
			Indicators:     []string{"sudden_balance_spike", "immediate_transfer", "same_block", "voting_with_borrowed", "large_amounts"},
			Severity:       model.SeverityHigh,
			BaseConfidence: 0.70,
			Categories:     []string{"financial", "voting"},
		},
		{
			ID:             "insider-trading",
			Name:           "Insider Trading",
			Description:    "Large trades placed shortly before governance announcements",
			Indicators:     []string{"trades_before_announcement", "large_volumes", "abnormal_timing", "outbound_transfer", "large_amounts"},
			Severity:       model.SeverityMedium,
			BaseConfidence: 0.65,
			Categories:     []string{"financial", "information"},
		},
		{
			ID:             "member-exodus",
			Name:           "Member Exodus",
			Description:    "Sudden wave of members leaving or withdrawing delegation",
			Indicators:     []string{"leave_activity", "sudden_exits", "low_engagement", "delegate_changes", "delegation_removals", "coordinated_actions"},
			Severity:       model.SeverityMedium,
			BaseConfidence: 0.60,
			Categories:     []string{"community"},
		},
		{
			ID:             "proposal-spam",
			Name:           "Proposal Spam",
			Description:    "Flood of low quality proposals clogging governance",
			Indicators:     []string{"proposal_activity", "proposal_volume_spike", "low_quality", "rapid_submission", "rejection_rate", "rapid_succession"},
			Severity:       model.SeverityLow,
			BaseConfidence: 0.55,
			Categories:     []string{"governance"},
		},
	}
}
