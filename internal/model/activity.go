package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// ActivityType is the category of an observed organization event.
type ActivityType string

const (
	ActivityProposal ActivityType = "proposal"
	ActivityVote     ActivityType = "vote"
	ActivityTransfer ActivityType = "transfer"
	ActivityDelegate ActivityType = "delegate"
	ActivityJoin     ActivityType = "join"
	ActivityLeave    ActivityType = "leave"
	ActivityOther    ActivityType = "other"
)

// Activity is one observed event within an organization. RiskScore and
// Anomalous are filled in by surveillance.
type Activity struct {
	ID        string         `json:"id" yaml:"id"`
	OrgID     string         `json:"org_id" yaml:"org_id"`
	ActorID   string         `json:"actor_id" yaml:"actor_id"`
	Type      ActivityType   `json:"type" yaml:"type"`
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
	Details   map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
	RiskScore float64        `json:"risk_score,omitempty" yaml:"risk_score,omitempty"`
	Anomalous bool           `json:"anomalous,omitempty" yaml:"anomalous,omitempty"`
}

// Number returns a numeric detail field.
func (a Activity) Number(key string) (float64, bool) {
	return ToNumber(a.Details[key])
}

// ToNumber coerces the numeric representations that JSON, YAML and Go
// callers produce.
func ToNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// NumberOr returns the numeric detail field or def when absent.
func (a Activity) NumberOr(key string, def float64) float64 {
	if f, ok := a.Number(key); ok {
		return f
	}
	return def
}

// Text returns a string detail field, or "" when absent or not a string.
func (a Activity) Text(key string) string {
	s, _ := a.Details[key].(string)
	return s
}

// Flag returns a boolean detail field, false when absent.
func (a Activity) Flag(key string) bool {
	switch b := a.Details[key].(type) {
	case bool:
		return b
	case string:
		v, _ := strconv.ParseBool(b)
		return v
	default:
		return false
	}
}
