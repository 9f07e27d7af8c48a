// Package council builds the elders from configuration and owns their
// lifecycle.
package council

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/litmajor/mtaa-elders/internal/alert"
	"github.com/litmajor/mtaa-elders/internal/audit"
	"github.com/litmajor/mtaa-elders/internal/bus"
	"github.com/litmajor/mtaa-elders/internal/config"
	"github.com/litmajor/mtaa-elders/internal/coordinator"
	"github.com/litmajor/mtaa-elders/internal/ethics"
	"github.com/litmajor/mtaa-elders/internal/logging"
	"github.com/litmajor/mtaa-elders/internal/natsbridge"
	"github.com/litmajor/mtaa-elders/internal/optimizer"
	"github.com/litmajor/mtaa-elders/internal/predictor"
	"github.com/litmajor/mtaa-elders/internal/snapshot"
	"github.com/litmajor/mtaa-elders/internal/surveillance"
	"github.com/litmajor/mtaa-elders/internal/watcher"
)

const pruneInterval = 24 * time.Hour

// ErrStarted is returned by Start on a running council.
var ErrStarted = errors.New("council: already started")

// Options overrides parts of the composition.
type Options struct {
	Logger logging.Logger
	// Provider replaces the optimizer status source chosen from config.
	Provider optimizer.StatusProvider
	// Conn replaces the NATS connection dialed from config.
	Conn natsbridge.Conn
}

// Council holds every component. Fields are set by New and not replaced.
type Council struct {
	Bus         *bus.Bus
	Engine      *surveillance.Engine
	Predictor   *predictor.Predictor
	Watcher     *watcher.Agent
	Ethics      *ethics.Reviewer
	Optimizer   *optimizer.Assessor
	Coordinator *coordinator.Coordinator

	cfg       *config.Config
	log       logging.Logger
	auditLog  *audit.Log
	alerts    *alert.Dispatcher
	nc        *nats.Conn
	bridge    *natsbridge.Bridge
	snapshots *snapshot.Store

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New wires the council from cfg. On error everything opened so far is
// closed.
func New(cfg *config.Config, optFns ...func(o *Options)) (*Council, error) {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}
	log := opts.Logger
	if log == nil {
		log = logging.NoOpLogger{}
	}

	c := &Council{cfg: cfg, log: log}
	built := false
	defer func() {
		if !built {
			c.close()
		}
	}()

	c.Bus = bus.New(func(o *bus.Options) {
		o.MaxHistory = cfg.Bus.MaxHistory
		o.MaxDeliveryAttempts = cfg.Bus.MaxDeliveryAttempts
		o.RetryBase = cfg.Bus.RetryBase
		o.ResponseDeadline = cfg.Bus.ResponseDeadline
		o.Logger = logging.With(log, "component", "bus")
	})

	c.Engine = surveillance.New(func(o *surveillance.Options) {
		o.MaxActivities = cfg.Watcher.MaxActivities
		o.MaxDetections = cfg.Watcher.MaxDetections
		o.AnomalyThreshold = cfg.Watcher.AnomalyThreshold
		o.ClusterWindow = cfg.Watcher.ClusterWindow
		o.Logger = logging.With(log, "component", "surveillance")
	})
	c.Predictor = predictor.New(func(o *predictor.Options) {
		o.MaxSamples = cfg.Watcher.MaxSamples
		o.Logger = logging.With(log, "component", "predictor")
	})
	c.Watcher = watcher.New(c.Engine, c.Predictor, c.Bus, func(o *watcher.Options) {
		o.Interval = cfg.Watcher.Interval
		o.HorizonHours = cfg.Watcher.HorizonHours
		o.Logger = logging.With(log, "component", "watcher")
	})

	var err error
	var sink ethics.AuditSink
	if cfg.Ethics.AuditPath != "" {
		if c.auditLog, err = audit.Open(cfg.Ethics.AuditPath); err != nil {
			return nil, fmt.Errorf("open ethics audit log: %w", err)
		}
		sink = c.auditLog
	}
	if c.Ethics, err = ethics.New(func(o *ethics.Options) {
		o.StrictMode = cfg.Ethics.StrictMode
		o.AuditRetention = cfg.Ethics.AuditRetention
		o.MaxAuditRecords = cfg.Ethics.MaxAuditRecords
		o.Framework = cfg.Ethics.Framework
		o.Publisher = c.Bus
		o.Sink = sink
		o.Logger = logging.With(log, "component", "ethics")
	}); err != nil {
		return nil, fmt.Errorf("create ethics reviewer: %w", err)
	}

	provider := opts.Provider
	if provider == nil {
		if cfg.Optimizer.URL != "" {
			provider = optimizer.NewHTTPProvider(cfg.Optimizer.URL, cfg.Optimizer.Timeout, cfg.Optimizer.Headers)
		} else {
			provider = optimizer.NewStaticProvider(optimizer.Status{})
		}
	}
	c.Optimizer = optimizer.NewAssessor(provider, logging.With(log, "component", "optimizer"))

	if c.Coordinator, err = coordinator.New(func(o *coordinator.Options) {
		o.MaxDecisions = cfg.Coordinator.MaxDecisions
		o.MaxQueue = cfg.Coordinator.MaxQueue
		o.HeartbeatTimeout = cfg.Coordinator.HeartbeatTimeout
		o.Risk = c.Watcher
		o.Benefit = c.Optimizer
		o.Ethics = c.Ethics
		o.Bus = c.Bus
		o.Logger = logging.With(log, "component", "coordinator")
	}); err != nil {
		return nil, fmt.Errorf("create coordinator: %w", err)
	}

	if c.alerts = alert.NewDispatcher(cfg.Alerts, logging.With(log, "component", "alert")); c.alerts != nil {
		if _, err := c.alerts.Attach(c.Bus); err != nil {
			return nil, fmt.Errorf("attach alerts: %w", err)
		}
	}

	if err := c.connectNATS(opts.Conn); err != nil {
		return nil, err
	}

	if cfg.Snapshot.Path != "" {
		if c.snapshots, err = snapshot.Open(cfg.Snapshot.Path, logging.With(log, "component", "snapshot")); err != nil {
			return nil, err
		}
	}
	built = true
	return c, nil
}

func (c *Council) connectNATS(conn natsbridge.Conn) error {
	nc := c.cfg.NATS
	if conn == nil {
		if nc.URL == "" {
			return nil
		}
		dialed, err := natsbridge.Connect(nc.URL, nc.Name)
		if err != nil {
			return err
		}
		c.nc = dialed
		conn = dialed
	}
	c.bridge = natsbridge.New(conn, nc.Prefix, logging.With(c.log, "component", "nats"))
	if nc.Mirror {
		if err := c.bridge.Mirror(c.Bus); err != nil {
			return err
		}
	}
	if nc.Ingest {
		if err := c.bridge.Ingest(c.Watcher, c.Watcher); err != nil {
			return err
		}
	}
	return nil
}

// Sources returns the histories written to snapshots.
func (c *Council) Sources() snapshot.Sources {
	return snapshot.Sources{
		Detections: c.Engine,
		Audit:      c.Ethics,
		Messages:   c.Bus,
		Decisions:  c.Coordinator,
	}
}

// Bridge returns the NATS bridge, or nil when NATS is not configured.
func (c *Council) Bridge() *natsbridge.Bridge { return c.bridge }

// Start runs the watcher loop, periodic pruning and snapshots until Stop.
func (c *Council) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return ErrStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	if err := c.Watcher.Start(ctx); err != nil {
		cancel()
		return err
	}
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pruneLoop(ctx)
	}()
	if c.snapshots != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.snapshots.Run(ctx, c.cfg.Snapshot.Interval, c.Sources())
		}()
	}
	c.log.Info("council started",
		"alerts", len(c.cfg.Alerts), "nats", c.bridge != nil, "snapshots", c.snapshots != nil)
	return nil
}

func (c *Council) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Prune()
		}
	}
}

// Prune drops watcher data older than watcher.prune_days and expired ethics
// audit records.
func (c *Council) Prune() {
	res, samples := c.Watcher.PruneOldData(c.cfg.Watcher.PruneDays)
	audits := c.Ethics.PruneAudit()
	c.log.Info("pruned old data",
		"activities", res.Activities, "detections", res.Detections,
		"signatures", res.Signatures, "samples", samples, "audit_records", audits)
}

// Apply hot-reloads the parts of cfg that can change at runtime: ethics strict
// mode and framework.
func (c *Council) Apply(cfg *config.Config) error {
	if cfg.Ethics.Framework != nil {
		if err := c.Ethics.SetFramework(cfg.Ethics.Framework); err != nil {
			return fmt.Errorf("reload ethics framework: %w", err)
		}
	}
	c.Ethics.SetStrictMode(cfg.Ethics.StrictMode)
	c.log.Info("configuration applied", "strict_mode", cfg.Ethics.StrictMode)
	return nil
}

// Stop halts background work, writes a final snapshot and releases every
// resource. Safe to call more than once.
func (c *Council) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.Watcher.Stop()
		c.wg.Wait()
		c.close()
		c.log.Info("council stopped")
	})
}

// close releases resources in reverse order of construction. Components not
// yet built are nil.
func (c *Council) close() {
	if c.Coordinator != nil {
		c.Coordinator.Shutdown()
	}
	if c.bridge != nil {
		c.bridge.Close()
	}
	if c.nc != nil {
		if err := c.nc.Drain(); err != nil {
			c.nc.Close()
		}
	}
	if c.Bus != nil {
		c.Bus.Shutdown()
	}
	if c.snapshots != nil {
		if err := c.snapshots.Close(); err != nil {
			c.log.Warn("close snapshot db", "error", err)
		}
	}
	if c.auditLog != nil {
		if err := c.auditLog.Close(); err != nil {
			c.log.Warn("close ethics audit log", "error", err)
		}
	}
}
