package optimizer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litmajor/mtaa-elders/internal/model"
)

func sampleStatus() Status {
	return Status{
		State: "monitoring",
		Metrics: map[string]OrgMetrics{
			"dao-1": {Scores: Scores{Overall: 72}},
		},
		Recommendations: map[string]Recommendation{
			"dao-1": {
				PriorityRanking: []Opportunity{
					{ID: "o1", Title: "Reduce gas costs"},
					{ID: "o2", Title: "Extend treasury runway"},
					{ID: "o3", Title: "Raise participation"},
					{ID: "o4", Title: "Refresh onboarding"},
				},
				ConfidenceScore: 85,
			},
		},
	}
}

func TestAssessWithRecommendations(t *testing.T) {
	a := NewAssessor(NewStaticProvider(sampleStatus()), nil)
	got, err := a.Assess(context.Background(), "dao-1", model.Proposal{Title: "x"})
	require.NoError(t, err)

	assert.True(t, got.IsBeneficial)
	assert.InDelta(t, 0.72, got.ImprovementPotential, 1e-9)
	assert.InDelta(t, 0.85, got.Confidence, 1e-9)
	assert.Equal(t, []string{"Reduce gas costs", "Extend treasury runway", "Raise participation"}, got.Recommendations)
}

func TestAssessWithoutData(t *testing.T) {
	a := NewAssessor(NewStaticProvider(Status{}), nil)
	got, err := a.Assess(context.Background(), "dao-9", model.Proposal{Title: "x"})
	require.NoError(t, err)
	assert.False(t, got.IsBeneficial)
	assert.Equal(t, 0.5, got.ImprovementPotential)
	assert.Equal(t, 0.5, got.Confidence)
	assert.Empty(t, got.Recommendations)
}

func TestAssessEmptyRankingIsNotBeneficial(t *testing.T) {
	p := NewStaticProvider(Status{})
	p.Set(Status{Recommendations: map[string]Recommendation{"dao-1": {ConfidenceScore: 0.4}}})
	got, err := NewAssessor(p, nil).Assess(context.Background(), "dao-1", model.Proposal{Title: "x"})
	require.NoError(t, err)
	assert.False(t, got.IsBeneficial)
	assert.Equal(t, 0.4, got.Confidence)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, 0.0, normalize(-3))
	assert.Equal(t, 0.7, normalize(0.7))
	assert.Equal(t, 1.0, normalize(1))
	assert.InDelta(t, 0.5, normalize(50), 1e-9)
	assert.Equal(t, 1.0, normalize(250))
}

func TestHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"status": "idle",
			"daoMetrics": {"dao-1": {"scores": {"overall": 64}}},
			"recommendations": {"dao-1": {"priorityRanking": [{"title": "Batch payouts"}], "confidenceScore": 70}}
		}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Second, map[string]string{"X-Token": "secret"})
	st, err := p.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "idle", st.State)
	assert.Equal(t, 64.0, st.Metrics["dao-1"].Scores.Overall)

	got, err := NewAssessor(p, nil).Assess(context.Background(), "dao-1", model.Proposal{Title: "x"})
	require.NoError(t, err)
	assert.True(t, got.IsBeneficial)
	assert.InDelta(t, 0.7, got.Confidence, 1e-9)
	assert.Equal(t, []string{"Batch payouts"}, got.Recommendations)
}

func TestHTTPProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad-json" {
			_, _ = w.Write([]byte("{"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPProvider(srv.URL, 0, nil).Status(context.Background())
	assert.ErrorContains(t, err, "HTTP 503")

	_, err = NewHTTPProvider(srv.URL+"/bad-json", 0, nil).Status(context.Background())
	assert.ErrorContains(t, err, "decode")

	_, err = NewAssessor(NewHTTPProvider(srv.URL, 0, nil), nil).Assess(context.Background(), "dao-1", model.Proposal{})
	assert.Error(t, err)
}
