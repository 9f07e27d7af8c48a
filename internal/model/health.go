package model

import "time"

// HealthSample is one point of an organization's health series. Scores are 0-100.
type HealthSample struct {
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
	Overall    float64   `json:"overall" yaml:"overall"`
	Treasury   float64   `json:"treasury" yaml:"treasury"`
	Governance float64   `json:"governance" yaml:"governance"`
	Community  float64   `json:"community" yaml:"community"`
	System     float64   `json:"system" yaml:"system"`
}

// Metric names a sub-score of a HealthSample.
type Metric string

const (
	MetricOverall    Metric = "overall"
	MetricTreasury   Metric = "treasury"
	MetricGovernance Metric = "governance"
	MetricCommunity  Metric = "community"
	MetricSystem     Metric = "system"
)

// Metrics lists every sub-score in a stable order.
var Metrics = []Metric{MetricOverall, MetricTreasury, MetricGovernance, MetricCommunity, MetricSystem}

// Value returns the sub-score named by m.
func (h HealthSample) Value(m Metric) float64 {
	switch m {
	case MetricTreasury:
		return h.Treasury
	case MetricGovernance:
		return h.Governance
	case MetricCommunity:
		return h.Community
	case MetricSystem:
		return h.System
	default:
		return h.Overall
	}
}
