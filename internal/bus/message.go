// Package bus is the in-process publish/subscribe channel the elders use to
// exchange findings. Subscribers match on an exact topic or the ALL wildcard,
// deliveries fan out concurrently, and failed critical deliveries are retried
// with exponential backoff.
package bus

import (
	"time"
)

// Topic is a closed enumeration of message kinds.
type Topic string

const (
	TopicThreatDetected          Topic = "scry:threat-detected"
	TopicForecastUpdated         Topic = "scry:forecast-updated"
	TopicAnalysisComplete        Topic = "scry:analysis-complete"
	TopicRecommendationGenerated Topic = "kaizen:recommendation-generated"
	TopicOptimizationApplied     Topic = "kaizen:optimization-applied"
	TopicMetricsUpdated          Topic = "kaizen:metrics-updated"
	TopicReviewComplete          Topic = "lumen:review-complete"
	TopicEthicsViolation         Topic = "lumen:ethics-violation-detected"
	TopicComplianceUpdated       Topic = "lumen:compliance-status-updated"
	TopicConsensusRequest        Topic = "coordinator:consensus-request"
	TopicDecisionMade            Topic = "coordinator:decision-made"
	TopicAlertEscalated          Topic = "coordinator:alert-escalated"

	// TopicAll subscribes to every topic. It is not a publishable topic.
	TopicAll Topic = "ALL"
)

// Topics lists every publishable topic.
var Topics = []Topic{
	TopicThreatDetected,
	TopicForecastUpdated,
	TopicAnalysisComplete,
	TopicRecommendationGenerated,
	TopicOptimizationApplied,
	TopicMetricsUpdated,
	TopicReviewComplete,
	TopicEthicsViolation,
	TopicComplianceUpdated,
	TopicConsensusRequest,
	TopicDecisionMade,
	TopicAlertEscalated,
}

// Valid reports whether t is a publishable topic.
func (t Topic) Valid() bool {
	for _, known := range Topics {
		if t == known {
			return true
		}
	}
	return false
}

// Agent identifies a message sender or recipient.
type Agent string

const (
	AgentScry        Agent = "SCRY"
	AgentKaizen      Agent = "KAIZEN"
	AgentLumen       Agent = "LUMEN"
	AgentCoordinator Agent = "COORDINATOR"
	AgentAll         Agent = "ALL"
)

// Priority orders messages. Only PriorityCritical is retried.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityRank = map[Priority]int{
	PriorityLow:      0,
	PriorityNormal:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

// Rank returns a comparable integer. Unknown priorities rank as normal.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[PriorityNormal]
}

// Message is immutable once published.
type Message struct {
	ID               string         `json:"id"`
	Topic            Topic          `json:"topic"`
	From             Agent          `json:"from"`
	To               Agent          `json:"to"`
	OrgID            string         `json:"org_id,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	Priority         Priority       `json:"priority"`
	Timestamp        time.Time      `json:"timestamp"`
	RequiresResponse bool           `json:"requires_response,omitempty"`
	ResponseDeadline *time.Time     `json:"response_deadline,omitempty"`
}

// Filter narrows a subscription beyond its topic.
type Filter func(msg Message) bool

// ForOrg matches messages about one organization.
func ForOrg(orgID string) Filter {
	return func(msg Message) bool { return msg.OrgID == orgID }
}

// ForRecipient matches messages addressed to a or broadcast to everyone.
func ForRecipient(a Agent) Filter {
	return func(msg Message) bool { return msg.To == a || msg.To == AgentAll }
}

// MinPriority matches messages at or above p.
func MinPriority(p Priority) Filter {
	return func(msg Message) bool { return msg.Priority.Rank() >= p.Rank() }
}
