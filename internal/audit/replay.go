package audit

import (
	"fmt"
	"time"
)

// Filter selects entries from an audit log.
type Filter struct {
	OrgID string
	From  time.Time // zero value = no lower bound
	To    time.Time // zero value = no upper bound
	Limit int       // newest n after filtering; <= 0 keeps all
}

// Summary counts the selected entries.
type Summary struct {
	Total          int            `json:"total"`
	Approved       int            `json:"approved"`
	Rejected       int            `json:"rejected"`
	ByLevel        map[string]int `json:"by_level"`
	FirstTimestamp string         `json:"first_timestamp"`
	LastTimestamp  string         `json:"last_timestamp"`
}

// Report holds filtered entries, oldest first, and their summary.
type Report struct {
	Entries []Entry `json:"entries"`
	Summary Summary `json:"summary"`
}

// Read loads the entries of path matching filter. Lines that fail to parse
// stop the read with an error; use Verify to locate them.
func Read(path string, filter Filter) (*Report, error) {
	var entries []Entry
	err := scan(path, func(_ int, _ []byte, e Entry) error {
		if filter.OrgID != "" && e.OrgID != filter.OrgID {
			return nil
		}
		if !filter.From.IsZero() || !filter.To.IsZero() {
			ts, err := time.Parse(TimestampFormat, e.Timestamp)
			if err != nil {
				return nil
			}
			if !filter.From.IsZero() && ts.Before(filter.From) {
				return nil
			}
			if !filter.To.IsZero() && ts.After(filter.To) {
				return nil
			}
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}

	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[len(entries)-filter.Limit:]
	}
	r := &Report{Entries: entries, Summary: Summary{ByLevel: map[string]int{}}}
	for _, e := range entries {
		r.Summary.Total++
		if e.Approved {
			r.Summary.Approved++
		} else {
			r.Summary.Rejected++
		}
		r.Summary.ByLevel[e.ConcernLevel]++
		if r.Summary.FirstTimestamp == "" {
			r.Summary.FirstTimestamp = e.Timestamp
		}
		r.Summary.LastTimestamp = e.Timestamp
	}
	return r, nil
}
