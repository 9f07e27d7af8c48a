package model

// RiskAssessment is the security verdict on a proposal.
type RiskAssessment struct {
	IsSafe      bool     `json:"is_safe"`
	ThreatLevel Severity `json:"threat_level"`
	Concerns    []string `json:"concerns"`
	Confidence  float64  `json:"confidence"`
}

// BenefitAssessment is the optimization verdict on a proposal.
type BenefitAssessment struct {
	IsBeneficial         bool     `json:"is_beneficial"`
	ImprovementPotential float64  `json:"improvement_potential"`
	Recommendations      []string `json:"recommendations"`
	Confidence           float64  `json:"confidence"`
}

// EthicsAssessment is the ethical verdict on a proposal.
type EthicsAssessment struct {
	IsEthical    bool     `json:"is_ethical"`
	EthicalScore float64  `json:"ethical_score"`
	Concerns     []string `json:"concerns"`
	Confidence   float64  `json:"confidence"`
}
