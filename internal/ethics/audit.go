package ethics

import "time"

func (r *Reviewer) appendAudit(rec AuditRecord, now time.Time) {
	r.auditMu.Lock()
	defer r.auditMu.Unlock()
	r.audit.Append(rec)
	r.pruneLocked(now)
}

func (r *Reviewer) pruneLocked(now time.Time) int {
	if r.opts.AuditRetention <= 0 {
		return 0
	}
	cutoff := now.Add(-r.opts.AuditRetention)
	return r.audit.Retain(func(rec AuditRecord) bool { return !rec.Timestamp.Before(cutoff) })
}

// PruneAudit drops audit records older than the retention period.
func (r *Reviewer) PruneAudit() int {
	r.auditMu.Lock()
	defer r.auditMu.Unlock()
	return r.pruneLocked(r.opts.Clock().UTC())
}

// AuditLog returns records from the last days days, newest first. days <= 0
// returns every retained record.
func (r *Reviewer) AuditLog(days int) []AuditRecord {
	var cutoff time.Time
	if days > 0 {
		cutoff = r.opts.Clock().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	}
	r.auditMu.Lock()
	defer r.auditMu.Unlock()
	return r.audit.Newest(0, func(rec AuditRecord) bool { return !rec.Timestamp.Before(cutoff) })
}

// Stats summarizes reviews over a window.
type Stats struct {
	Total             int           `json:"total"`
	Approved          int           `json:"approved"`
	Rejected          int           `json:"rejected"`
	Conditional       int           `json:"conditional"`
	ByLevel           map[Level]int `json:"by_level"`
	AverageConfidence float64       `json:"average_confidence"`
	ApprovalRate      float64       `json:"approval_rate"`
}

// Statistics summarizes the reviews of the last days days. Conditional counts
// approvals that still carried concerns.
func (r *Reviewer) Statistics(days int) Stats {
	st := Stats{ByLevel: map[Level]int{
		LevelGreen:  0,
		LevelYellow: 0,
		LevelOrange: 0,
		LevelRed:    0,
	}}
	var conf float64
	for _, rec := range r.AuditLog(days) {
		st.Total++
		st.ByLevel[rec.Result.ConcernLevel]++
		conf += rec.Result.Confidence
		switch {
		case !rec.Result.Approved:
			st.Rejected++
		case len(rec.Result.Concerns) > 0:
			st.Approved++
			st.Conditional++
		default:
			st.Approved++
		}
	}
	if st.Total > 0 {
		st.AverageConfidence = conf / float64(st.Total)
		st.ApprovalRate = float64(st.Approved) / float64(st.Total)
	}
	return st
}
