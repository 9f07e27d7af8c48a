// Package ethics reviews governance decisions against a weighted rule set of
// harm, consent, proportionality, transparency and fairness, and keeps an
// audit trail of every verdict.
package ethics

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/litmajor/mtaa-elders/internal/bus"
	"github.com/litmajor/mtaa-elders/internal/history"
	"github.com/litmajor/mtaa-elders/internal/logging"
	"github.com/litmajor/mtaa-elders/internal/model"
)

// Publisher is the slice of the message bus the reviewer uses.
type Publisher interface {
	Publish(ctx context.Context, msg bus.Message) (bus.Message, error)
}

// AuditSink receives every audit record after it is kept in memory.
type AuditSink interface {
	Write(rec AuditRecord) error
}

// Options configures a Reviewer.
type Options struct {
	StrictMode      bool
	AuditRetention  time.Duration
	MaxAuditRecords int
	Framework       *Framework
	Publisher       Publisher
	Sink            AuditSink
	Logger          logging.Logger
	Clock           func() time.Time
}

// DefaultOptions starts in strict mode with a year of audit retention.
func DefaultOptions() Options {
	return Options{
		StrictMode:      true,
		AuditRetention:  365 * 24 * time.Hour,
		MaxAuditRecords: 10000,
		Logger:          logging.NoOpLogger{},
		Clock:           time.Now,
	}
}

// Reviewer is safe for concurrent use.
type Reviewer struct {
	opts Options

	mu        sync.RWMutex
	framework *Framework
	forbidden []*regexp.Regexp
	strict    bool

	auditMu sync.Mutex
	audit   *history.Buffer[AuditRecord]
}

// New creates a Reviewer. It fails only when the framework does not validate.
func New(optFns ...func(o *Options)) (*Reviewer, error) {
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
	if opts.Framework == nil {
		opts.Framework = DefaultFramework()
	}

	r := &Reviewer{
		opts:   opts,
		strict: opts.StrictMode,
		audit:  history.NewBuffer[AuditRecord](opts.MaxAuditRecords),
	}
	if err := r.SetFramework(opts.Framework); err != nil {
		return nil, err
	}
	return r, nil
}

// SetFramework swaps the rule set used by later reviews.
func (r *Reviewer) SetFramework(f *Framework) error {
	res, err := f.compile()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.framework = f
	r.forbidden = res
	return nil
}

// SetStrictMode switches between green-only approval and the graded policy.
func (r *Reviewer) SetStrictMode(strict bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strict = strict
}

// StrictMode reports the current approval posture.
func (r *Reviewer) StrictMode() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strict
}

// Review scores req, records an audit entry and announces the verdict on the
// bus when a publisher is configured.
func (r *Reviewer) Review(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Urgency == "" {
		req.Urgency = model.SeverityMedium
	}

	r.mu.RLock()
	f, forbidden, strict := r.framework, r.forbidden, r.strict
	r.mu.RUnlock()

	now := r.opts.Clock().UTC()
	res := evaluate(req, f, forbidden, strict)
	res.ReviewedAt = now

	rec := AuditRecord{ID: uuid.NewString(), Request: req, Result: res, Timestamp: now}
	r.appendAudit(rec, now)
	if r.opts.Sink != nil {
		if err := r.opts.Sink.Write(rec); err != nil {
			r.opts.Logger.Error("audit sink write failed", "review", rec.ID, "error", err)
		}
	}

	r.opts.Logger.Info("ethical review complete",
		"org", req.OrgID, "request", req.ID, "level", res.ConcernLevel,
		"score", res.Score, "approved", res.Approved)
	r.announce(ctx, req, res)
	return res, nil
}

// evaluate applies the framework to req. It has no side effects.
func evaluate(req Request, f *Framework, forbidden []*regexp.Regexp, strict bool) Result {
	scores := map[Criterion]float64{
		CriterionHarm:            harmScore(req, f),
		CriterionConsent:         consentScore(req),
		CriterionProportionality: proportionalityScore(req),
		CriterionTransparency:    transparencyScore(req, f),
		CriterionFairness:        fairnessScore(req),
	}
	w := f.Weights
	score := scores[CriterionHarm]*w.Harm +
		scores[CriterionConsent]*w.Consent +
		scores[CriterionProportionality]*w.Proportionality +
		scores[CriterionTransparency]*w.Transparency +
		scores[CriterionFairness]*w.Fairness

	res := Result{
		RequestID:       req.ID,
		OrgID:           req.OrgID,
		CriterionScores: scores,
		StrictMode:      strict,
	}

	principles := map[Principle]bool{}
	concern := func(c Criterion, msg string, ps ...Principle) {
		res.Triggered = append(res.Triggered, c)
		res.Concerns = append(res.Concerns, msg)
		for _, p := range ps {
			principles[p] = true
		}
	}
	t := f.Triggers
	if scores[CriterionHarm] > t.Harm {
		concern(CriterionHarm, "Potential for significant harm to affected parties", PrincipleMinimizeHarm)
	}
	if scores[CriterionConsent] > t.Consent {
		concern(CriterionConsent, "Affected parties may not have given informed consent", PrincipleRespectAutonomy)
	}
	if scores[CriterionProportionality] > t.Proportionality {
		concern(CriterionProportionality, "Response may be disproportionate to the issue", PrincipleProportionality)
	}
	if scores[CriterionTransparency] > t.Transparency {
		concern(CriterionTransparency, "Insufficient justification or transparency", PrincipleTransparency)
	}
	if scores[CriterionFairness] > t.Fairness {
		concern(CriterionFairness, "Decision may affect parties unequally", PrincipleFairness, PrincipleEnsureJustice)
	}

	text := strings.ToLower(req.ProposedAction + " " + req.Justification)
	for _, re := range forbidden {
		if re.MatchString(text) {
			res.ForbiddenMatch = re.String()
			score = 1.0
			res.Concerns = append(res.Concerns, fmt.Sprintf("Proposed action matches forbidden pattern %q", re.String()))
			principles[PrincipleMinimizeHarm] = true
			principles[PrincipleAccountability] = true
			break
		}
	}

	res.Score = math.Min(1, math.Max(0, score))
	res.ConcernLevel = levelFor(res.Score, f.Levels)
	res.Approved = approve(res.ConcernLevel, req.Urgency, strict)
	res.Confidence = 1 - math.Abs(res.Score-0.5)*0.2
	if len(req.PotentialBenefits) > 0 && res.ConcernLevel == LevelGreen {
		principles[PrinciplePromoteBeneficence] = true
	}
	for p := range principles {
		res.Principles = append(res.Principles, p)
	}
	sort.Slice(res.Principles, func(i, j int) bool { return res.Principles[i] < res.Principles[j] })
	res.Recommendations = recommendations(req, res)
	res.Reason = reason(res, req.Urgency)
	return res
}

func clamp01(v float64) float64 { return math.Min(1, math.Max(0, v)) }

func harmScore(req Request, f *Framework) float64 {
	s := 0.3 * float64(len(req.PotentialHarms))
	if req.Urgency == model.SeverityCritical {
		s -= 0.2
	}
	if hasVulnerable(req.AffectedParties, f.VulnerableMarkers) {
		s += 0.2
	}
	return clamp01(s)
}

func hasVulnerable(parties, markers []string) bool {
	for _, p := range parties {
		lp := strings.ToLower(p)
		for _, m := range markers {
			if m != "" && strings.Contains(lp, strings.ToLower(m)) {
				return true
			}
		}
	}
	return false
}

func consentScore(req Request) float64 {
	s := 0.0
	if len(req.AffectedParties) == 0 {
		s += 0.7
	}
	if req.Urgency == model.SeverityCritical {
		s -= 0.4
	}
	if req.DecisionType == model.DecisionGovernanceChange {
		s += 0.3
	}
	return clamp01(s)
}

func proportionalityScore(req Request) float64 {
	s := 0.2
	if req.DecisionType == model.DecisionMemberRemoval {
		s += 0.4
	}
	if req.Urgency != model.SeverityCritical {
		s -= 0.2
	}
	return clamp01(s)
}

func transparencyScore(req Request, f *Framework) float64 {
	s := 0.0
	if len(strings.TrimSpace(req.Justification)) < f.MinJustification {
		s += 0.5
	}
	if req.DecisionType == model.DecisionSystemModification {
		s += 0.3
	}
	return clamp01(s)
}

func fairnessScore(req Request) float64 {
	s := 0.1
	if len(req.AffectedParties) > 1 {
		s += 0.2
	}
	if req.DecisionType == model.DecisionDataAccess {
		s += 0.3
	}
	return clamp01(s)
}

func levelFor(score float64, l Levels) Level {
	switch {
	case score < l.Yellow:
		return LevelGreen
	case score < l.Orange:
		return LevelYellow
	case score < l.Red:
		return LevelOrange
	default:
		return LevelRed
	}
}

// approve applies the approval posture. Strict mode approves green only.
// Otherwise green and yellow pass, orange passes only under critical urgency,
// and red never passes.
func approve(level Level, urgency model.Severity, strict bool) bool {
	if strict {
		return level == LevelGreen
	}
	switch level {
	case LevelGreen, LevelYellow:
		return true
	case LevelOrange:
		return urgency == model.SeverityCritical
	default:
		return false
	}
}

func recommendations(req Request, res Result) []string {
	var out []string
	switch res.ConcernLevel {
	case LevelRed:
		out = append(out, "Do not proceed without a full ethical review by the council")
	case LevelOrange:
		out = append(out, "Escalate to human governance review before execution")
	case LevelYellow:
		out = append(out, "Proceed only after addressing the listed concerns")
	default:
		out = append(out, "No ethical objections identified")
	}
	for _, c := range res.Triggered {
		switch c {
		case CriterionHarm:
			out = append(out, "Conduct a harm mitigation assessment before proceeding")
		case CriterionConsent:
			out = append(out, "Notify affected parties and collect consent or objections")
		case CriterionProportionality:
			out = append(out, "Consider less severe alternatives first")
		case CriterionTransparency:
			out = append(out, "Publish a detailed justification for the decision")
		case CriterionFairness:
			out = append(out, "Review impact across member groups for equitable treatment")
		}
	}
	switch req.DecisionType {
	case model.DecisionMemberRemoval:
		out = append(out, "Offer the member a right of reply before removal")
	case model.DecisionDataAccess:
		out = append(out, "Limit data access to the minimum necessary and log every access")
	case model.DecisionTreasuryMovement:
		out = append(out, "Publish the transaction rationale to members")
	}
	if len(req.PotentialBenefits) == 0 {
		out = append(out, "Document the expected benefits for members")
	}
	return out
}

func reason(res Result, urgency model.Severity) string {
	if res.Approved {
		return fmt.Sprintf("approved: concern level %s", res.ConcernLevel)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "rejected: concern level %s", res.ConcernLevel)
	switch {
	case res.ForbiddenMatch != "":
		fmt.Fprintf(&b, " (forbidden pattern %q)", res.ForbiddenMatch)
	case res.StrictMode && res.ConcernLevel != LevelRed:
		b.WriteString(" exceeds the strict-mode limit of green")
	case res.ConcernLevel == LevelOrange && urgency != model.SeverityCritical:
		b.WriteString(" is only accepted under critical urgency")
	}
	if len(res.Triggered) > 0 {
		names := make([]string, len(res.Triggered))
		for i, c := range res.Triggered {
			names[i] = string(c)
		}
		fmt.Fprintf(&b, "; triggered: %s", strings.Join(names, ", "))
	}
	return b.String()
}

func (r *Reviewer) announce(ctx context.Context, req Request, res Result) {
	if r.opts.Publisher == nil {
		return
	}
	payload := map[string]any{
		"request_id":    req.ID,
		"decision_type": string(req.DecisionType),
		"approved":      res.Approved,
		"concern_level": string(res.ConcernLevel),
		"score":         res.Score,
		"confidence":    res.Confidence,
		"concerns":      res.Concerns,
	}
	if _, err := r.opts.Publisher.Publish(ctx, bus.Message{
		Topic:    bus.TopicReviewComplete,
		From:     bus.AgentLumen,
		To:       bus.AgentAll,
		OrgID:    req.OrgID,
		Payload:  payload,
		Priority: bus.PriorityNormal,
	}); err != nil {
		r.opts.Logger.Warn("review announcement failed", "request", req.ID, "error", err)
	}

	if res.ConcernLevel != LevelRed {
		return
	}
	if _, err := r.opts.Publisher.Publish(ctx, bus.Message{
		Topic:    bus.TopicEthicsViolation,
		From:     bus.AgentLumen,
		To:       bus.AgentAll,
		OrgID:    req.OrgID,
		Payload:  payload,
		Priority: bus.PriorityCritical,
	}); err != nil {
		r.opts.Logger.Warn("violation announcement failed", "request", req.ID, "error", err)
	}
}

// Assess reviews a consensus proposal and reports the ethical verdict.
func (r *Reviewer) Assess(ctx context.Context, orgID string, p model.Proposal) (model.EthicsAssessment, error) {
	res, err := r.Review(ctx, RequestFromProposal(orgID, p))
	if err != nil {
		return model.EthicsAssessment{}, err
	}
	return model.EthicsAssessment{
		IsEthical:    res.Approved,
		EthicalScore: 1 - res.Score,
		Concerns:     res.Concerns,
		Confidence:   res.Confidence,
	}, nil
}
