package alert

import "github.com/litmajor/mtaa-elders/internal/ratelimit"

// Config defines a webhook alert destination.
type Config struct {
	URL         string            `yaml:"url"          json:"url"`
	Format      string            `yaml:"format"       json:"format"`       // "generic", "slack", "pagerduty"
	Topics      []string          `yaml:"topics"       json:"topics"`       // empty matches every topic
	MinPriority string            `yaml:"min_priority" json:"min_priority"` // default "high"
	Headers     map[string]string `yaml:"headers"      json:"headers"`

	// RateLimit caps deliveries per topic to this URL. Excess messages are
	// dropped without a bus retry.
	RateLimit *ratelimit.Limit `yaml:"rate_limit" json:"rate_limit,omitempty"`

	// RedactKeys are payload keys masked in addition to redact.DefaultKeys.
	RedactKeys []string `yaml:"redact_keys" json:"redact_keys,omitempty"`
}

// Event is the payload sent to webhook endpoints.
type Event struct {
	Timestamp string         `json:"timestamp"`
	MessageID string         `json:"message_id"`
	Topic     string         `json:"topic"`
	From      string         `json:"from"`
	OrgID     string         `json:"org_id,omitempty"`
	Priority  string         `json:"priority"`
	Summary   string         `json:"summary"`
	Details   map[string]any `json:"details,omitempty"`
}
