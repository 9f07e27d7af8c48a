// Package snapshot writes the core's bounded histories to SQLite.
// Snapshots are write-only: nothing is loaded back at startup.
package snapshot

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/litmajor/mtaa-elders/internal/bus"
	"github.com/litmajor/mtaa-elders/internal/coordinator"
	"github.com/litmajor/mtaa-elders/internal/ethics"
	"github.com/litmajor/mtaa-elders/internal/logging"
	"github.com/litmajor/mtaa-elders/internal/surveillance"
)

//go:embed schema.sql
var schema string

const (
	timeFormat  = time.RFC3339Nano
	maxMessages = 10000
)

// ErrNoSnapshot is returned by Last before the first Write.
var ErrNoSnapshot = errors.New("snapshot: none taken")

// DetectionSource exposes detected patterns per org.
type DetectionSource interface {
	MonitoredOrgs() []string
	DetectedPatterns(orgID string, limit int) []surveillance.Detection
}

// AuditSource exposes ethics audit records.
type AuditSource interface {
	AuditLog(days int) []ethics.AuditRecord
}

// MessageSource exposes bus history.
type MessageSource interface {
	History(topic bus.Topic, limit int) []bus.Message
}

// DecisionSource exposes registered decisions per org.
type DecisionSource interface {
	Orgs() []string
	OrgDecisions(orgID string, limit int) []coordinator.Decision
}

// Sources selects what a snapshot contains. Nil sources are skipped.
type Sources struct {
	Detections DetectionSource
	Audit      AuditSource
	Messages   MessageSource
	Decisions  DecisionSource
}

// Info describes one snapshot.
type Info struct {
	ID         int64     `json:"id"`
	TakenAt    time.Time `json:"taken_at"`
	Detections int       `json:"detections"`
	Audit      int       `json:"audit"`
	Messages   int       `json:"messages"`
	Decisions  int       `json:"decisions"`
}

// Store is safe for concurrent use; writes are serialized.
type Store struct {
	db    *sql.DB
	path  string
	log   logging.Logger
	clock func() time.Time

	mu sync.Mutex
}

// Open creates or opens the snapshot database at path.
func Open(path string, log logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create snapshot dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate snapshot db: %w", err)
	}
	return &Store{db: db, path: path, log: log, clock: time.Now}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Write replaces the snapshot tables with the current contents of src and
// appends a row to the snapshots table.
func (s *Store) Write(ctx context.Context, src Sources) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Info{}, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	info := Info{TakenAt: s.clock().UTC()}
	if src.Detections != nil {
		if info.Detections, err = writeDetections(ctx, tx, src.Detections); err != nil {
			return Info{}, err
		}
	}
	if src.Audit != nil {
		if info.Audit, err = writeAudit(ctx, tx, src.Audit); err != nil {
			return Info{}, err
		}
	}
	if src.Messages != nil {
		if info.Messages, err = writeMessages(ctx, tx, src.Messages); err != nil {
			return Info{}, err
		}
	}
	if src.Decisions != nil {
		if info.Decisions, err = writeDecisions(ctx, tx, src.Decisions); err != nil {
			return Info{}, err
		}
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO snapshots(taken_at, detections, audit, messages, decisions) VALUES (?,?,?,?,?)`,
		info.TakenAt.Format(timeFormat), info.Detections, info.Audit, info.Messages, info.Decisions)
	if err != nil {
		return Info{}, fmt.Errorf("record snapshot: %w", err)
	}
	if info.ID, err = res.LastInsertId(); err != nil {
		return Info{}, fmt.Errorf("record snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Info{}, fmt.Errorf("commit snapshot: %w", err)
	}
	s.log.Debug("snapshot written", "path", s.path, "id", info.ID,
		"detections", info.Detections, "audit", info.Audit,
		"messages", info.Messages, "decisions", info.Decisions)
	return info, nil
}

// Last returns the newest snapshot row.
func (s *Store) Last(ctx context.Context) (Info, error) {
	var info Info
	var taken string
	err := s.db.QueryRowContext(ctx, `SELECT id, taken_at, detections, audit, messages, decisions FROM snapshots ORDER BY id DESC LIMIT 1`).
		Scan(&info.ID, &taken, &info.Detections, &info.Audit, &info.Messages, &info.Decisions)
	if errors.Is(err, sql.ErrNoRows) {
		return Info{}, ErrNoSnapshot
	}
	if err != nil {
		return Info{}, fmt.Errorf("read snapshot: %w", err)
	}
	if info.TakenAt, err = time.Parse(timeFormat, taken); err != nil {
		return Info{}, fmt.Errorf("read snapshot: %w", err)
	}
	return info, nil
}

// Run writes a snapshot every interval until ctx is done, then writes a
// final one.
func (s *Store) Run(ctx context.Context, interval time.Duration, src Sources) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if _, err := s.Write(final, src); err != nil {
				s.log.Error("final snapshot failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if _, err := s.Write(ctx, src); err != nil {
				s.log.Warn("snapshot failed", "error", err)
			}
		}
	}
}

func writeDetections(ctx context.Context, tx *sql.Tx, src DetectionSource) (int, error) {
	if _, err := tx.ExecContext(ctx, `DELETE FROM detections`); err != nil {
		return 0, fmt.Errorf("clear detections: %w", err)
	}
	n := 0
	for _, org := range src.MonitoredOrgs() {
		for _, d := range src.DetectedPatterns(org, 0) {
			_, err := tx.ExecContext(ctx, `INSERT INTO detections(org_id, pattern_id, pattern_name, severity, confidence, affected_entities, activity_ids, detected_at)
VALUES (?,?,?,?,?,?,?,?)`,
				d.OrgID, d.PatternID, d.PatternName, string(d.Severity), d.Confidence,
				jsonText(d.AffectedEntities), jsonText(d.ActivityIDs), d.DetectedAt.UTC().Format(timeFormat))
			if err != nil {
				return 0, fmt.Errorf("insert detection: %w", err)
			}
			n++
		}
	}
	return n, nil
}

func writeAudit(ctx context.Context, tx *sql.Tx, src AuditSource) (int, error) {
	if _, err := tx.ExecContext(ctx, `DELETE FROM ethics_audit`); err != nil {
		return 0, fmt.Errorf("clear ethics audit: %w", err)
	}
	records := src.AuditLog(0)
	for _, rec := range records {
		_, err := tx.ExecContext(ctx, `INSERT INTO ethics_audit(id, org_id, request_id, decision_type, approved, concern_level, score, confidence, reason, ts, record)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			rec.ID, rec.Request.OrgID, rec.Request.ID, string(rec.Request.DecisionType),
			rec.Result.Approved, string(rec.Result.ConcernLevel), rec.Result.Score, rec.Result.Confidence,
			rec.Result.Reason, rec.Timestamp.UTC().Format(timeFormat), jsonText(rec))
		if err != nil {
			return 0, fmt.Errorf("insert audit record: %w", err)
		}
	}
	return len(records), nil
}

func writeMessages(ctx context.Context, tx *sql.Tx, src MessageSource) (int, error) {
	if _, err := tx.ExecContext(ctx, `DELETE FROM bus_messages`); err != nil {
		return 0, fmt.Errorf("clear bus messages: %w", err)
	}
	msgs := src.History(bus.TopicAll, maxMessages)
	for _, m := range msgs {
		_, err := tx.ExecContext(ctx, `INSERT INTO bus_messages(id, topic, sender, recipient, org_id, priority, ts, payload)
VALUES (?,?,?,?,?,?,?,?)`,
			m.ID, string(m.Topic), string(m.From), string(m.To), m.OrgID, string(m.Priority),
			m.Timestamp.UTC().Format(timeFormat), jsonText(m.Payload))
		if err != nil {
			return 0, fmt.Errorf("insert bus message: %w", err)
		}
	}
	return len(msgs), nil
}

func writeDecisions(ctx context.Context, tx *sql.Tx, src DecisionSource) (int, error) {
	if _, err := tx.ExecContext(ctx, `DELETE FROM decisions`); err != nil {
		return 0, fmt.Errorf("clear decisions: %w", err)
	}
	n := 0
	for _, org := range src.Orgs() {
		for _, d := range src.OrgDecisions(org, 0) {
			_, err := tx.ExecContext(ctx, `INSERT INTO decisions(id, org_id, consensus_id, proposal_id, decision_type, status, confidence, recommendation, reasoning, ts)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
				d.ID, d.OrgID, d.ConsensusID, d.ProposalID, string(d.Type), string(d.Status),
				d.Confidence, d.Recommendation, jsonText(d.Reasoning), d.Timestamp.UTC().Format(timeFormat))
			if err != nil {
				return 0, fmt.Errorf("insert decision: %w", err)
			}
			n++
		}
	}
	return n, nil
}

// jsonText marshals v for a TEXT column.
func jsonText(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}
