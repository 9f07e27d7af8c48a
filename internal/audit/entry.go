package audit

import (
	"github.com/litmajor/mtaa-elders/internal/ethics"
)

// TimestampFormat is the layout used in audit entry timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Entry is one line in the hash-chained JSONL audit log.
// Fields are scalars and slices only (no map[string]any) so that
// json.Marshal output is deterministic for hashing.
type Entry struct {
	Timestamp    string   `json:"ts"`
	ReviewID     string   `json:"review_id"`
	RequestID    string   `json:"request_id"`
	OrgID        string   `json:"org_id"`
	DecisionType string   `json:"decision_type"`
	Action       string   `json:"action"`
	Approved     bool     `json:"approved"`
	ConcernLevel string   `json:"concern_level"`
	Score        float64  `json:"score"`
	Confidence   float64  `json:"confidence"`
	Triggered    []string `json:"triggered"`
	Reason       string   `json:"reason"`
	StrictMode   bool     `json:"strict_mode"`
	PrevHash     string   `json:"prev_hash"`
}

// EntryFrom flattens an ethics audit record.
func EntryFrom(rec ethics.AuditRecord) Entry {
	triggered := make([]string, 0, len(rec.Result.Triggered))
	for _, c := range rec.Result.Triggered {
		triggered = append(triggered, string(c))
	}
	e := Entry{
		ReviewID:     rec.ID,
		RequestID:    rec.Request.ID,
		OrgID:        rec.Request.OrgID,
		DecisionType: string(rec.Request.DecisionType),
		Action:       rec.Request.ProposedAction,
		Approved:     rec.Result.Approved,
		ConcernLevel: string(rec.Result.ConcernLevel),
		Score:        rec.Result.Score,
		Confidence:   rec.Result.Confidence,
		Triggered:    triggered,
		Reason:       rec.Result.Reason,
		StrictMode:   rec.Result.StrictMode,
	}
	if !rec.Timestamp.IsZero() {
		e.Timestamp = rec.Timestamp.UTC().Format(TimestampFormat)
	}
	return e
}
