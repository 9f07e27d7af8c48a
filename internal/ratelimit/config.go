package ratelimit

import "time"

// Limit caps events per key within a fixed window.
// Zero values mean no limit.
type Limit struct {
	MaxRequests int           `yaml:"max_requests" json:"max_requests"`
	Window      time.Duration `yaml:"window" json:"window"`
}

// Enabled returns true if the limit is configured.
func (l *Limit) Enabled() bool {
	return l != nil && l.MaxRequests > 0 && l.Window > 0
}
