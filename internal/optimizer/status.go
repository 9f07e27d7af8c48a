// Package optimizer reads the optimization collaborator's status and turns
// it into benefit assessments for the coordinator.
package optimizer

import (
	"time"

	"github.com/litmajor/mtaa-elders/internal/model"
)

// Scores are 0-100 performance scores.
type Scores struct {
	Overall    float64 `json:"overall"`
	Treasury   float64 `json:"treasury"`
	Governance float64 `json:"governance"`
	Community  float64 `json:"community"`
	System     float64 `json:"system"`
}

// OrgMetrics is the collaborator's latest measurement of one organization.
type OrgMetrics struct {
	Timestamp time.Time `json:"timestamp"`
	Scores    Scores    `json:"scores"`
}

// Opportunity is one ranked improvement.
type Opportunity struct {
	ID                  string         `json:"id"`
	Category            string         `json:"category"`
	Severity            model.Severity `json:"severity"`
	Title               string         `json:"title"`
	Description         string         `json:"description,omitempty"`
	CurrentValue        float64        `json:"currentValue"`
	TargetValue         float64        `json:"targetValue"`
	ExpectedImprovement float64        `json:"expectedImprovement"`
	EstimatedEffort     string         `json:"estimatedEffort,omitempty"`
	Priority            int            `json:"priority"`
}

// Recommendation is the collaborator's current plan for one organization.
type Recommendation struct {
	Timestamp              time.Time     `json:"timestamp"`
	Opportunities          []Opportunity `json:"opportunities,omitempty"`
	PriorityRanking        []Opportunity `json:"priorityRanking"`
	EstimatedOverallImpact float64       `json:"estimatedOverallImpact"`
	ConfidenceScore        float64       `json:"confidenceScore"`
	WeeklyProjection       Scores        `json:"weeklyProjection"`
	MonthlyProjection      Scores        `json:"monthlyProjection"`
}

// Status is the collaborator's full report, keyed by organization id.
type Status struct {
	State           string                    `json:"status"`
	LastAnalysis    *time.Time                `json:"lastAnalysis,omitempty"`
	Metrics         map[string]OrgMetrics     `json:"daoMetrics"`
	Recommendations map[string]Recommendation `json:"recommendations"`
}
