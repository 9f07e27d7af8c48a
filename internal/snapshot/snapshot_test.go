package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litmajor/mtaa-elders/internal/bus"
	"github.com/litmajor/mtaa-elders/internal/coordinator"
	"github.com/litmajor/mtaa-elders/internal/ethics"
	"github.com/litmajor/mtaa-elders/internal/model"
	"github.com/litmajor/mtaa-elders/internal/surveillance"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSources struct {
	detections map[string][]surveillance.Detection
	audit      []ethics.AuditRecord
	messages   []bus.Message
	decisions  map[string][]coordinator.Decision
}

func (f *fakeSources) MonitoredOrgs() []string {
	var orgs []string
	for k := range f.detections {
		orgs = append(orgs, k)
	}
	return orgs
}

func (f *fakeSources) DetectedPatterns(orgID string, _ int) []surveillance.Detection {
	return f.detections[orgID]
}

func (f *fakeSources) AuditLog(int) []ethics.AuditRecord { return f.audit }

func (f *fakeSources) History(bus.Topic, int) []bus.Message { return f.messages }

func (f *fakeSources) Orgs() []string {
	var orgs []string
	for k := range f.decisions {
		orgs = append(orgs, k)
	}
	return orgs
}

func (f *fakeSources) OrgDecisions(orgID string, _ int) []coordinator.Decision {
	return f.decisions[orgID]
}

func (f *fakeSources) all() Sources {
	return Sources{Detections: f, Audit: f, Messages: f, Decisions: f}
}

func populated() *fakeSources {
	return &fakeSources{
		detections: map[string][]surveillance.Detection{
			"dao-1": {
				{OrgID: "dao-1", PatternID: "treasury_drain", PatternName: "Treasury Drain", Severity: model.SeverityCritical, Confidence: 0.9, AffectedEntities: []string{"mallory"}, ActivityIDs: []string{"a1"}, DetectedAt: t0},
				{OrgID: "dao-1", PatternID: "flash_loan_attack", PatternName: "Flash Loan Attack", Severity: model.SeverityHigh, Confidence: 0.7, DetectedAt: t0},
			},
			"dao-2": {
				{OrgID: "dao-2", PatternID: "sybil_attack", PatternName: "Sybil Attack", Severity: model.SeverityHigh, Confidence: 0.6, DetectedAt: t0},
			},
		},
		audit: []ethics.AuditRecord{{
			ID:        "rev-1",
			Request:   ethics.Request{ID: "p-1", OrgID: "dao-1", DecisionType: model.DecisionTreasuryMovement, ProposedAction: "Fund grants"},
			Result:    ethics.Result{RequestID: "p-1", Approved: true, ConcernLevel: ethics.LevelGreen, Score: 0.1, Confidence: 0.8, Reason: "no concerns"},
			Timestamp: t0,
		}},
		messages: []bus.Message{
			{ID: "m-1", Topic: bus.TopicDecisionMade, From: bus.AgentCoordinator, To: bus.AgentAll, OrgID: "dao-1", Priority: bus.PriorityNormal, Timestamp: t0, Payload: map[string]any{"status": "approved"}},
		},
		decisions: map[string][]coordinator.Decision{
			"dao-1": {{ID: "d-1", OrgID: "dao-1", ConsensusID: "c-1", ProposalID: "p-1", Status: coordinator.StatusApproved, Confidence: 0.8, Recommendation: "Proceed with the proposal", Timestamp: t0}},
		},
	}
}

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "elders.db"), nil)
	require.NoError(t, err)
	s.clock = func() time.Time { return t0 }
	t.Cleanup(func() { s.Close() })
	return s
}

func count(t *testing.T, s *Store, table string) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestWriteStoresEverySource(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	info, err := s.Write(ctx, populated().all())
	require.NoError(t, err)
	assert.Equal(t, 3, info.Detections)
	assert.Equal(t, 1, info.Audit)
	assert.Equal(t, 1, info.Messages)
	assert.Equal(t, 1, info.Decisions)

	assert.Equal(t, 3, count(t, s, "detections"))
	assert.Equal(t, 1, count(t, s, "ethics_audit"))
	assert.Equal(t, 1, count(t, s, "bus_messages"))
	assert.Equal(t, 1, count(t, s, "decisions"))

	var affected, severity string
	require.NoError(t, s.db.QueryRow(`SELECT affected_entities, severity FROM detections WHERE pattern_id='treasury_drain'`).Scan(&affected, &severity))
	assert.JSONEq(t, `["mallory"]`, affected)
	assert.Equal(t, "critical", severity)

	var approved bool
	var level string
	require.NoError(t, s.db.QueryRow(`SELECT approved, concern_level FROM ethics_audit WHERE id='rev-1'`).Scan(&approved, &level))
	assert.True(t, approved)
	assert.Equal(t, "green", level)

	last, err := s.Last(ctx)
	require.NoError(t, err)
	assert.Equal(t, info.ID, last.ID)
	assert.True(t, last.TakenAt.Equal(t0))
}

func TestWriteReplacesPreviousContents(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	src := populated()

	_, err := s.Write(ctx, src.all())
	require.NoError(t, err)
	delete(src.detections, "dao-2")
	info, err := s.Write(ctx, src.all())
	require.NoError(t, err)

	assert.Equal(t, 2, info.Detections)
	assert.Equal(t, 2, count(t, s, "detections"))
	assert.Equal(t, 1, count(t, s, "bus_messages"))
	assert.Equal(t, 2, count(t, s, "snapshots"))
}

func TestWriteSkipsNilSources(t *testing.T) {
	s := openTest(t)
	info, err := s.Write(context.Background(), Sources{Messages: populated()})
	require.NoError(t, err)
	assert.Zero(t, info.Detections)
	assert.Zero(t, info.Decisions)
	assert.Equal(t, 1, info.Messages)
}

func TestLastBeforeFirstWrite(t *testing.T) {
	s := openTest(t)
	_, err := s.Last(context.Background())
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestRunWritesFinalSnapshotOnCancel(t *testing.T) {
	s := openTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, time.Hour, populated().all())
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	last, err := s.Last(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, last.Detections)
}

func TestOpenReusesExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "elders.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	_, err = s.Write(context.Background(), populated().all())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	last, err := s.Last(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), last.ID)
	assert.Equal(t, path, s.Path())
}
