package model

// Severity grades threats, risk factors and urgency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityRank maps severity to a comparable integer for monotonic escalation.
var SeverityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the comparable rank. Unknown values rank as low.
func (s Severity) Rank() int {
	return SeverityRank[s]
}

// Valid reports whether s is one of the four known levels.
func (s Severity) Valid() bool {
	_, ok := SeverityRank[s]
	return ok
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	if !a.Valid() {
		return SeverityLow
	}
	return a
}
