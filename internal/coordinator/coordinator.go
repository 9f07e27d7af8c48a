// Package coordinator gathers the three elder assessments for a proposal and
// synthesizes them into one consensus.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/litmajor/mtaa-elders/internal/bus"
	"github.com/litmajor/mtaa-elders/internal/history"
	"github.com/litmajor/mtaa-elders/internal/logging"
	"github.com/litmajor/mtaa-elders/internal/model"
)

var (
	// ErrShutdown is returned by GetElderConsensus after Shutdown.
	ErrShutdown = errors.New("coordinator: shut down")
	// ErrMissingOrg is returned when a consensus request names no organization.
	ErrMissingOrg = errors.New("coordinator: organization id is required")

	errNotConnected = errors.New("elder not connected")
)

// RiskAssessor grades the security risk of a proposal.
type RiskAssessor interface {
	Assess(ctx context.Context, orgID string, p model.Proposal) (model.RiskAssessment, error)
}

// BenefitAssessor grades the optimization benefit of a proposal.
type BenefitAssessor interface {
	Assess(ctx context.Context, orgID string, p model.Proposal) (model.BenefitAssessment, error)
}

// EthicsAssessor grades the ethics of a proposal.
type EthicsAssessor interface {
	Assess(ctx context.Context, orgID string, p model.Proposal) (model.EthicsAssessment, error)
}

// MessageBus is the slice of the bus the coordinator uses.
type MessageBus interface {
	Publish(ctx context.Context, msg bus.Message) (bus.Message, error)
	Subscribe(topic bus.Topic, h bus.Handler, filters ...bus.Filter) (string, error)
	Unsubscribe(id string) bool
}

// Health is the coordinator's own liveness state.
type Health string

const (
	HealthOnline   Health = "online"
	HealthDegraded Health = "degraded"
	HealthOffline  Health = "offline"
)

// Options configures a Coordinator.
type Options struct {
	// MaxDecisions bounds the decision registry per organization.
	MaxDecisions int
	// MaxQueue bounds the inbox of elder inputs.
	MaxQueue int
	// HeartbeatTimeout marks the coordinator degraded when no heartbeat or
	// consensus refreshed it for this long. Zero disables the check.
	HeartbeatTimeout time.Duration

	Risk    RiskAssessor
	Benefit BenefitAssessor
	Ethics  EthicsAssessor
	Bus     MessageBus
	Logger  logging.Logger
	Clock   func() time.Time
}

// DefaultOptions returns bounded registries and a five minute heartbeat window.
func DefaultOptions() Options {
	return Options{
		MaxDecisions:     1000,
		MaxQueue:         1000,
		HeartbeatTimeout: 5 * time.Minute,
		Logger:           logging.NoOpLogger{},
		Clock:            time.Now,
	}
}

// DecisionStats counts registered decisions by outcome.
type DecisionStats struct {
	Total     int `json:"total"`
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	Escalated int `json:"escalated"`
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	State            Health            `json:"status"`
	EldersConnected  int               `json:"elders_connected"`
	QueueSize        int               `json:"message_queue_size"`
	MessagesReceived int               `json:"messages_received"`
	LastHeartbeat    time.Time         `json:"last_heartbeat"`
	Uptime           time.Duration     `json:"uptime"`
	Decisions        DecisionStats     `json:"recent_decisions"`
	Fallbacks        map[bus.Agent]int `json:"fallbacks"`
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	opts    Options
	started time.Time

	mu            sync.Mutex
	health        Health
	lastHeartbeat time.Time
	lastDegraded  bool
	stats         DecisionStats
	received      int
	fallbacks     map[bus.Agent]int
	queue         *history.Buffer[ElderInput]
	subs          []string

	decisions *history.Partitioned[Decision]
}

// New creates an online Coordinator and, when a bus is configured, subscribes
// its inbox to elder announcements.
func New(optFns ...func(o *Options)) (*Coordinator, error) {
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

	now := opts.Clock().UTC()
	c := &Coordinator{
		opts:          opts,
		started:       now,
		health:        HealthOnline,
		lastHeartbeat: now,
		fallbacks:     make(map[bus.Agent]int),
		queue:         history.NewBuffer[ElderInput](opts.MaxQueue),
		decisions:     history.NewPartitioned[Decision](opts.MaxDecisions),
	}
	if opts.Bus != nil {
		if err := c.subscribe(); err != nil {
			c.unsubscribe()
			return nil, err
		}
	}
	opts.Logger.Info("coordinator online", "elders", c.eldersConnected())
	return c, nil
}

func (c *Coordinator) eldersConnected() int {
	n := 0
	if c.opts.Risk != nil {
		n++
	}
	if c.opts.Benefit != nil {
		n++
	}
	if c.opts.Ethics != nil {
		n++
	}
	return n
}

// Heartbeat refreshes the liveness timestamp.
func (c *Coordinator) Heartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.health == HealthOffline {
		return
	}
	c.lastHeartbeat = c.opts.Clock().UTC()
}

// Status reports health, uptime, inbox size and decision counts. The
// coordinator is degraded when an elder is missing, the last consensus fell
// back to a default, or the heartbeat is stale.
func (c *Coordinator) Status() Status {
	now := c.opts.Clock().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:            c.health,
		EldersConnected:  c.eldersConnected(),
		QueueSize:        c.queue.Len(),
		MessagesReceived: c.received,
		LastHeartbeat:    c.lastHeartbeat,
		Uptime:           now.Sub(c.started),
		Decisions:        c.stats,
		Fallbacks:        make(map[bus.Agent]int, len(c.fallbacks)),
	}
	for k, v := range c.fallbacks {
		st.Fallbacks[k] = v
	}
	if st.State == HealthOnline {
		stale := c.opts.HeartbeatTimeout > 0 && now.Sub(c.lastHeartbeat) > c.opts.HeartbeatTimeout
		if stale || c.lastDegraded || st.EldersConnected < 3 {
			st.State = HealthDegraded
		}
	}
	return st
}

// Shutdown drops bus subscriptions and takes the coordinator offline.
// It is safe to call more than once.
func (c *Coordinator) Shutdown() {
	c.unsubscribe()
	c.mu.Lock()
	already := c.health == HealthOffline
	c.health = HealthOffline
	c.mu.Unlock()
	if !already {
		c.opts.Logger.Info("coordinator offline")
	}
}

func (c *Coordinator) online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health != HealthOffline
}
