package surveillance

import (
	"math"
	"time"

	"github.com/litmajor/mtaa-elders/internal/model"
)

// Evidence is what an indicator can consult besides the activity itself.
type Evidence struct {
	// Batch is the full set of activities submitted with the activity.
	Batch []model.Activity
	// Trait returns the learned threat trait of an actor or address.
	Trait func(id string) float64
}

// Indicator is a named boolean check. Unknown names never match.
type Indicator func(a model.Activity, ev Evidence) bool

const (
	largeAmount         = 100000.0
	balanceSpike        = 1_000_000.0
	successionWindow    = 10 * time.Minute
	coordinationWindow  = time.Minute
	suspiciousTraitMark = 0.3
)

func builtinIndicators() map[string]Indicator {
	return map[string]Indicator{
		"outbound_transfer":  isType(model.ActivityTransfer),
		"vote_activity":      isType(model.ActivityVote),
		"leave_activity":     isType(model.ActivityLeave),
		"proposal_activity":  isType(model.ActivityProposal),
		"multiple_transfers": multipleTransfers,
		"large_amounts": func(a model.Activity, _ Evidence) bool {
			return a.NumberOr("amount", 0) > largeAmount
		},
		"short_timeframe": func(a model.Activity, _ Evidence) bool {
			return a.NumberOr("timeframeHours", 0) < 24
		},
		"rapid_succession":      rapidSuccession,
		"suspicious_recipients": suspiciousRecipient,

		"sudden_voting_surge": func(a model.Activity, _ Evidence) bool {
			return a.Type == model.ActivityVote && a.NumberOr("voteCount", 0) > 50
		},
		"coordinated_delegates": coordinatedDelegates,
		"voting_bloc_formation": func(a model.Activity, _ Evidence) bool {
			return a.NumberOr("blocSize", 0) > 5
		},
		"proposal_spam": func(a model.Activity, _ Evidence) bool {
			return a.NumberOr("proposalCount", 0) > 10
		},

		"similar_voting_behavior": func(a model.Activity, _ Evidence) bool {
			return a.NumberOr("similarityScore", 0) > 0.9
		},
		"identical_timestamps": identicalTimestamps,
		"similar_profiles": func(a model.Activity, _ Evidence) bool {
			age, ok := a.Number("accountAgeDays")
			return ok && age < 7
		},
		"coordinated_actions": coordinatedActions,

		"sudden_balance_spike": func(a model.Activity, _ Evidence) bool {
			return math.Abs(a.NumberOr("balanceChange", 0)) > balanceSpike
		},
		"immediate_transfer": func(a model.Activity, _ Evidence) bool {
			hold, ok := a.Number("holdSeconds")
			return ok && hold < 60
		},
		"same_block": func(a model.Activity, _ Evidence) bool {
			return a.Flag("sameBlock")
		},
		"voting_with_borrowed": func(a model.Activity, _ Evidence) bool {
			return a.Type == model.ActivityVote && a.Flag("borrowed")
		},

		"trades_before_announcement": func(a model.Activity, _ Evidence) bool {
			h, ok := a.Number("hoursBeforeAnnouncement")
			return ok && h >= 0 && h < 48
		},
		"large_volumes": func(a model.Activity, _ Evidence) bool {
			return a.NumberOr("volume", 0) > 50000
		},
		"abnormal_timing": func(a model.Activity, _ Evidence) bool {
			return a.Flag("offHours")
		},

		"sudden_exits": func(a model.Activity, _ Evidence) bool {
			return a.Type == model.ActivityLeave && a.NumberOr("exitCount", 0) > 20
		},
		"low_engagement": func(a model.Activity, _ Evidence) bool {
			score, ok := a.Number("engagementScore")
			return ok && score < 0.2
		},
		"delegate_changes": func(a model.Activity, _ Evidence) bool {
			return a.Type == model.ActivityDelegate && a.Flag("revoked")
		},
		"delegation_removals": func(a model.Activity, _ Evidence) bool {
			return a.Flag("delegationRemoved")
		},

		"proposal_volume_spike": func(a model.Activity, _ Evidence) bool {
			return a.NumberOr("proposalCount", 0) > 10 && a.NumberOr("periodHours", 0) < 24
		},
		"low_quality": func(a model.Activity, _ Evidence) bool {
			q, ok := a.Number("qualityScore")
			return ok && q < 0.3
		},
		"rapid_submission": func(a model.Activity, _ Evidence) bool {
			m, ok := a.Number("minutesSinceLast")
			return a.Type == model.ActivityProposal && ok && m < 5
		},
		"rejection_rate": func(a model.Activity, _ Evidence) bool {
			return a.NumberOr("rejectionRate", 0) > 0.7
		},
	}
}

func isType(t model.ActivityType) Indicator {
	return func(a model.Activity, _ Evidence) bool { return a.Type == t }
}

// multipleTransfers matches a transfer that reports a repeat count above one
// or that arrived alongside other transfers.
func multipleTransfers(a model.Activity, ev Evidence) bool {
	if a.Type != model.ActivityTransfer {
		return false
	}
	if a.NumberOr("count", 1) > 1 {
		return true
	}
	n := 0
	for _, b := range ev.Batch {
		if b.Type == model.ActivityTransfer {
			n++
		}
	}
	return n > 1
}

// rapidSuccession matches when another activity of the same type falls within
// ten minutes.
func rapidSuccession(a model.Activity, ev Evidence) bool {
	n := 0
	for _, b := range ev.Batch {
		if b.Type == a.Type && within(a.Timestamp, b.Timestamp, successionWindow) {
			n++
		}
	}
	return n > 1
}

func suspiciousRecipient(a model.Activity, ev Evidence) bool {
	if a.Flag("recipientFlagged") {
		return true
	}
	r := a.Text("recipient")
	return r != "" && ev.Trait != nil && ev.Trait(r) >= suspiciousTraitMark
}

// coordinatedDelegates matches when three or more distinct actors delegate to
// the same delegate within one batch.
func coordinatedDelegates(a model.Activity, ev Evidence) bool {
	if a.Type != model.ActivityDelegate {
		return false
	}
	if a.NumberOr("delegateCount", 0) > 10 {
		return true
	}
	target := a.Text("delegate")
	if target == "" {
		return false
	}
	actors := map[string]bool{}
	for _, b := range ev.Batch {
		if b.Type == model.ActivityDelegate && b.Text("delegate") == target {
			actors[b.ActorID] = true
		}
	}
	return len(actors) >= 3
}

func identicalTimestamps(a model.Activity, ev Evidence) bool {
	ts := a.Timestamp.Truncate(time.Second)
	for _, b := range ev.Batch {
		if b.ActorID != a.ActorID && b.Timestamp.Truncate(time.Second).Equal(ts) {
			return true
		}
	}
	return false
}

// coordinatedActions matches when three or more distinct actors perform the
// same kind of activity within one minute.
func coordinatedActions(a model.Activity, ev Evidence) bool {
	actors := map[string]bool{}
	for _, b := range ev.Batch {
		if b.Type == a.Type && within(a.Timestamp, b.Timestamp, coordinationWindow) {
			actors[b.ActorID] = true
		}
	}
	return len(actors) >= 3
}

func within(a, b time.Time, d time.Duration) bool {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= d
}
