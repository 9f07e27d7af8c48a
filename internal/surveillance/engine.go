// Package surveillance scores organization activity against registered threat
// patterns, clusters matches in time and learns which actors keep showing up.
package surveillance

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/litmajor/mtaa-elders/internal/history"
	"github.com/litmajor/mtaa-elders/internal/logging"
	"github.com/litmajor/mtaa-elders/internal/model"
)

// ErrInvalidPattern is returned by RegisterPattern.
var ErrInvalidPattern = errors.New("surveillance: invalid pattern")

// Detection is a pattern matched against a cluster of one organization's activities.
type Detection struct {
	OrgID            string         `json:"org_id"`
	PatternID        string         `json:"pattern_id"`
	PatternName      string         `json:"pattern_name"`
	Severity         model.Severity `json:"severity"`
	Confidence       float64        `json:"confidence"`
	AffectedEntities []string       `json:"affected_entities"`
	ActivityIDs      []string       `json:"activity_ids"`
	Indicators       []string       `json:"indicators"`
	DetectedAt       time.Time      `json:"detected_at"`
}

// Signature tracks a recurring pattern/entity combination.
type Signature struct {
	Key         string             `json:"key"`
	PatternID   string             `json:"pattern_id"`
	Entities    []string           `json:"entities"`
	FirstSeen   time.Time          `json:"first_seen"`
	LastSeen    time.Time          `json:"last_seen"`
	Occurrences int                `json:"occurrences"`
	Traits      map[string]float64 `json:"traits"`
}

// Options tunes scoring and retention.
type Options struct {
	MaxActivities    int
	MaxDetections    int
	IndicatorWeight  float64
	TraitWeight      float64
	TraitIncrement   float64
	AnomalyThreshold float64
	ClusterWindow    time.Duration
	RecentWindow     time.Duration
	Logger           logging.Logger
	Clock            func() time.Time
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxActivities:    10000,
		MaxDetections:    1000,
		IndicatorWeight:  0.15,
		TraitWeight:      0.1,
		TraitIncrement:   0.1,
		AnomalyThreshold: 0.6,
		ClusterWindow:    time.Hour,
		RecentWindow:     time.Hour,
		Logger:           logging.NoOpLogger{},
		Clock:            time.Now,
	}
}

const maxConfidence = 0.95

// Engine is safe for concurrent use. Histories are partitioned by organization.
type Engine struct {
	opts Options

	mu         sync.RWMutex
	patterns   map[string]Pattern
	order      []string
	indicators map[string]Indicator

	activities *history.Partitioned[model.Activity]
	detections *history.Partitioned[Detection]

	traitMu    sync.RWMutex
	traits     map[string]float64
	signatures map[string]*Signature
}

// New creates an engine seeded with SeedPatterns.
func New(optFns ...func(o *Options)) *Engine {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	e := &Engine{
		opts:       opts,
		patterns:   make(map[string]Pattern),
		indicators: builtinIndicators(),
		activities: history.NewPartitioned[model.Activity](opts.MaxActivities),
		detections: history.NewPartitioned[Detection](opts.MaxDetections),
		traits:     make(map[string]float64),
		signatures: make(map[string]*Signature),
	}
	for _, p := range SeedPatterns() {
		if err := e.RegisterPattern(p); err != nil {
			panic(err)
		}
	}
	return e
}

// RegisterPattern adds a pattern. Registered patterns cannot be replaced.
func (e *Engine) RegisterPattern(p Pattern) error {
	if p.ID == "" || len(p.Indicators) == 0 {
		return fmt.Errorf("%w: id and indicators required", ErrInvalidPattern)
	}
	if !p.Severity.Valid() {
		return fmt.Errorf("%w: severity %q", ErrInvalidPattern, p.Severity)
	}
	if p.BaseConfidence < 0 || p.BaseConfidence > 1 {
		return fmt.Errorf("%w: base confidence %v out of range", ErrInvalidPattern, p.BaseConfidence)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.patterns[p.ID]; ok {
		return fmt.Errorf("%w: %s already registered", ErrInvalidPattern, p.ID)
	}
	p.Indicators = append([]string(nil), p.Indicators...)
	p.Categories = append([]string(nil), p.Categories...)
	e.patterns[p.ID] = p
	e.order = append(e.order, p.ID)
	return nil
}

// RegisterIndicator adds or replaces a named indicator check.
func (e *Engine) RegisterIndicator(name string, fn Indicator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.indicators[name] = fn
}

// Patterns returns registered patterns in registration order.
func (e *Engine) Patterns() []Pattern {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Pattern, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.patterns[id])
	}
	return out
}

// MonitorDAO scores a batch of activities for orgID and returns the patterns
// detected in it. The annotated batch is retained in the organization's
// activity history. An empty result is the normal outcome.
func (e *Engine) MonitorDAO(orgID string, activities []model.Activity) []Detection {
	now := e.opts.Clock().UTC()

	batch := make([]model.Activity, len(activities))
	copy(batch, activities)
	for i := range batch {
		if batch[i].OrgID == "" {
			batch[i].OrgID = orgID
		}
		if batch[i].Timestamp.IsZero() {
			batch[i].Timestamp = now
		}
	}

	e.mu.RLock()
	patterns := make([]Pattern, 0, len(e.order))
	for _, id := range e.order {
		patterns = append(patterns, e.patterns[id])
	}
	indicators := e.indicators
	e.mu.RUnlock()

	ev := Evidence{Batch: batch, Trait: e.trait}

	var detections []Detection
	for _, p := range patterns {
		var candidates []int
		matched := map[string]bool{}
		for i := range batch {
			score, hits := e.score(p, batch[i], ev, indicators)
			if score > batch[i].RiskScore {
				batch[i].RiskScore = score
			}
			if score > e.opts.AnomalyThreshold {
				batch[i].Anomalous = true
				candidates = append(candidates, i)
				for _, h := range hits {
					matched[h] = true
				}
			}
		}
		if len(candidates) == 0 {
			continue
		}
		if len(candidates) >= 3 && span(batch, candidates) > e.opts.ClusterWindow {
			e.opts.Logger.Debug("candidate set discarded, not clustered",
				"org", orgID, "pattern", p.ID, "candidates", len(candidates))
			continue
		}
		detections = append(detections, e.detection(orgID, p, batch, candidates, matched, now))
	}

	e.activities.Append(orgID, batch...)
	if len(detections) > 0 {
		e.detections.Append(orgID, detections...)
		e.learn(detections, now)
		e.opts.Logger.Info("threat patterns detected", "org", orgID, "count", len(detections))
	}
	return detections
}

func (e *Engine) score(p Pattern, a model.Activity, ev Evidence, indicators map[string]Indicator) (float64, []string) {
	var hits []string
	for _, name := range p.Indicators {
		fn, ok := indicators[name]
		if ok && fn(a, ev) {
			hits = append(hits, name)
		}
	}
	score := float64(len(hits))*e.opts.IndicatorWeight + e.trait(a.ActorID)*e.opts.TraitWeight
	if score > 1 {
		score = 1
	}
	return score, hits
}

func span(batch []model.Activity, idx []int) time.Duration {
	first, last := batch[idx[0]].Timestamp, batch[idx[0]].Timestamp
	for _, i := range idx[1:] {
		ts := batch[i].Timestamp
		if ts.Before(first) {
			first = ts
		}
		if ts.After(last) {
			last = ts
		}
	}
	return last.Sub(first)
}

func (e *Engine) detection(orgID string, p Pattern, batch []model.Activity, idx []int, matched map[string]bool, now time.Time) Detection {
	entities := map[string]bool{}
	ids := make([]string, 0, len(idx))
	recent := 0
	for _, i := range idx {
		a := batch[i]
		ids = append(ids, a.ID)
		if a.ActorID != "" {
			entities[a.ActorID] = true
		}
		if r := a.Text("recipient"); r != "" {
			entities[r] = true
		}
		if age := now.Sub(a.Timestamp); age <= e.opts.RecentWindow {
			recent++
		}
	}

	conf := capConfidence(p.BaseConfidence + 0.02*float64(len(idx)))
	conf = capConfidence(conf + 0.05*float64(recent))

	return Detection{
		OrgID:            orgID,
		PatternID:        p.ID,
		PatternName:      p.Name,
		Severity:         p.Severity,
		Confidence:       conf,
		AffectedEntities: sortedKeys(entities),
		ActivityIDs:      ids,
		Indicators:       sortedKeys(matched),
		DetectedAt:       now,
	}
}

func capConfidence(c float64) float64 {
	if c > maxConfidence {
		return maxConfidence
	}
	return c
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) trait(id string) float64 {
	if id == "" {
		return 0
	}
	e.traitMu.RLock()
	defer e.traitMu.RUnlock()
	return e.traits[id]
}

// learn raises the trait of every affected entity and records signatures.
func (e *Engine) learn(detections []Detection, now time.Time) {
	e.traitMu.Lock()
	defer e.traitMu.Unlock()
	for _, d := range detections {
		for _, id := range d.AffectedEntities {
			e.traits[id] += e.opts.TraitIncrement
		}

		key := d.PatternID + "|" + strings.Join(d.AffectedEntities, ",")
		sig, ok := e.signatures[key]
		if !ok {
			sig = &Signature{
				Key:       key,
				PatternID: d.PatternID,
				Entities:  append([]string(nil), d.AffectedEntities...),
				FirstSeen: now,
				Traits:    make(map[string]float64),
			}
			e.signatures[key] = sig
		}
		sig.LastSeen = now
		sig.Occurrences++
		for _, id := range d.AffectedEntities {
			sig.Traits[id] = e.traits[id]
		}
	}
}

// PreemptiveSuspicionScore returns the learned trait of actorID capped at 1.
func (e *Engine) PreemptiveSuspicionScore(actorID string) float64 {
	t := e.trait(actorID)
	if t > 1 {
		return 1
	}
	return t
}

// ActivityHistory returns up to limit of orgID's most recent activities,
// oldest first. limit <= 0 returns all.
func (e *Engine) ActivityHistory(orgID string, limit int) []model.Activity {
	return e.activities.Last(orgID, limit)
}

// DetectedPatterns returns up to limit of orgID's most recent detections,
// oldest first. limit <= 0 returns all.
func (e *Engine) DetectedPatterns(orgID string, limit int) []Detection {
	return e.detections.Last(orgID, limit)
}

// ThreatSignatures returns every signature, most recently seen first.
func (e *Engine) ThreatSignatures() []Signature {
	e.traitMu.RLock()
	out := make([]Signature, 0, len(e.signatures))
	for _, s := range e.signatures {
		c := *s
		c.Entities = append([]string(nil), s.Entities...)
		c.Traits = make(map[string]float64, len(s.Traits))
		for k, v := range s.Traits {
			c.Traits[k] = v
		}
		out = append(out, c)
	}
	e.traitMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// MonitoredOrgs returns every organization with activity history.
func (e *Engine) MonitoredOrgs() []string {
	return e.activities.Keys()
}

// PruneResult counts what Prune removed.
type PruneResult struct {
	Activities int `json:"activities"`
	Detections int `json:"detections"`
	Signatures int `json:"signatures"`
}

// Prune drops activities, detections and signatures older than maxAge.
func (e *Engine) Prune(maxAge time.Duration) PruneResult {
	cutoff := e.opts.Clock().UTC().Add(-maxAge)
	var res PruneResult
	res.Activities = e.activities.Retain(func(a model.Activity) bool { return !a.Timestamp.Before(cutoff) })
	res.Detections = e.detections.Retain(func(d Detection) bool { return !d.DetectedAt.Before(cutoff) })

	e.traitMu.Lock()
	for k, s := range e.signatures {
		if s.LastSeen.Before(cutoff) {
			delete(e.signatures, k)
			res.Signatures++
		}
	}
	e.traitMu.Unlock()

	if res.Activities+res.Detections+res.Signatures > 0 {
		e.opts.Logger.Info("surveillance data pruned",
			"activities", res.Activities, "detections", res.Detections, "signatures", res.Signatures)
	}
	return res
}
