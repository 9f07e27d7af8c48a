package optimizer

import (
	"context"
	"fmt"

	"github.com/litmajor/mtaa-elders/internal/logging"
	"github.com/litmajor/mtaa-elders/internal/model"
)

const maxSuggestions = 3

// Assessor grades a proposal's optimization benefit from the collaborator's
// view of the organization.
type Assessor struct {
	provider StatusProvider
	log      logging.Logger
}

// NewAssessor wraps provider. A nil logger discards output.
func NewAssessor(provider StatusProvider, log logging.Logger) *Assessor {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Assessor{provider: provider, log: log}
}

// Assess reports the organization as beneficial to act on when the
// collaborator holds at least one ranked opportunity for it. Without data the
// result is not beneficial with potential and confidence of 0.5. A provider
// failure is returned as an error.
func (a *Assessor) Assess(ctx context.Context, orgID string, _ model.Proposal) (model.BenefitAssessment, error) {
	st, err := a.provider.Status(ctx)
	if err != nil {
		a.log.Warn("optimizer status unavailable", "org", orgID, "error", err)
		return model.BenefitAssessment{}, fmt.Errorf("optimizer status: %w", err)
	}

	out := model.BenefitAssessment{
		ImprovementPotential: 0.5,
		Recommendations:      []string{},
		Confidence:           0.5,
	}
	if m, ok := st.Metrics[orgID]; ok {
		out.ImprovementPotential = normalize(m.Scores.Overall)
	}
	rec, ok := st.Recommendations[orgID]
	if !ok {
		return out, nil
	}

	out.IsBeneficial = len(rec.PriorityRanking) > 0
	out.Confidence = normalize(rec.ConfidenceScore)
	for i, o := range rec.PriorityRanking {
		if i == maxSuggestions {
			break
		}
		out.Recommendations = append(out.Recommendations, o.Title)
	}
	return out, nil
}

// normalize maps a percentage onto [0, 1]; values already in range pass
// through.
func normalize(v float64) float64 {
	if v > 1 {
		v /= 100
	}
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
