// Package config loads the elders.yaml runtime configuration.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/litmajor/mtaa-elders/internal/alert"
	"github.com/litmajor/mtaa-elders/internal/ethics"
	"github.com/litmajor/mtaa-elders/internal/logging"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "elders.yaml"

// ErrInvalid is returned when a loaded config fails validation.
var ErrInvalid = errors.New("config: invalid")

// BusConfig tunes the message bus.
type BusConfig struct {
	MaxHistory          int           `yaml:"max_history"`
	MaxDeliveryAttempts int           `yaml:"max_delivery_attempts"`
	RetryBase           time.Duration `yaml:"retry_base"`
	ResponseDeadline    time.Duration `yaml:"response_deadline"`
}

// WatcherConfig tunes surveillance, forecasting and the analysis loop.
type WatcherConfig struct {
	Interval         time.Duration `yaml:"interval"`
	HorizonHours     int           `yaml:"horizon_hours"`
	MaxActivities    int           `yaml:"max_activities"`
	MaxDetections    int           `yaml:"max_detections"`
	MaxSamples       int           `yaml:"max_samples"`
	AnomalyThreshold float64       `yaml:"anomaly_threshold"`
	ClusterWindow    time.Duration `yaml:"cluster_window"`
	PruneDays        int           `yaml:"prune_days"`
}

// EthicsConfig tunes the ethics reviewer.
type EthicsConfig struct {
	StrictMode      bool              `yaml:"strict_mode"`
	AuditRetention  time.Duration     `yaml:"audit_retention"`
	MaxAuditRecords int               `yaml:"max_audit_records"`
	AuditPath       string            `yaml:"audit_path"`
	Framework       *ethics.Framework `yaml:"framework"`
}

// CoordinatorConfig tunes the coordinator.
type CoordinatorConfig struct {
	MaxDecisions     int           `yaml:"max_decisions"`
	MaxQueue         int           `yaml:"max_queue"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
}

// NATSConfig connects the bus to a NATS server. Empty URL disables it.
type NATSConfig struct {
	URL    string `yaml:"url"`
	Name   string `yaml:"name"`
	Prefix string `yaml:"prefix"`
	Mirror bool   `yaml:"mirror"`
	Ingest bool   `yaml:"ingest"`
}

// OptimizerConfig locates the optimization collaborator. Empty URL means no
// collaborator and benefit assessments fall back to defaults.
type OptimizerConfig struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// SnapshotConfig enables periodic SQLite snapshots. Empty path disables them.
type SnapshotConfig struct {
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
}

// Config is the full runtime configuration.
type Config struct {
	Log         logging.Config    `yaml:"log"`
	Bus         BusConfig         `yaml:"bus"`
	Watcher     WatcherConfig     `yaml:"watcher"`
	Ethics      EthicsConfig      `yaml:"ethics"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Alerts      []alert.Config    `yaml:"alerts"`
	NATS        NATSConfig        `yaml:"nats"`
	Optimizer   OptimizerConfig   `yaml:"optimizer"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: logging.Config{Level: "info", Format: "text"},
		Bus: BusConfig{
			MaxHistory:          10000,
			MaxDeliveryAttempts: 3,
			RetryBase:           time.Second,
			ResponseDeadline:    time.Minute,
		},
		Watcher: WatcherConfig{
			Interval:         time.Hour,
			HorizonHours:     24,
			MaxActivities:    10000,
			MaxDetections:    1000,
			MaxSamples:       8760,
			AnomalyThreshold: 0.6,
			ClusterWindow:    time.Hour,
			PruneDays:        30,
		},
		Ethics: EthicsConfig{
			StrictMode:      true,
			AuditRetention:  365 * 24 * time.Hour,
			MaxAuditRecords: 10000,
			Framework:       ethics.DefaultFramework(),
		},
		Coordinator: CoordinatorConfig{
			MaxDecisions:     1000,
			MaxQueue:         1000,
			HeartbeatTimeout: 5 * time.Minute,
		},
		NATS: NATSConfig{
			Name:   "mtaa-elders",
			Prefix: "elders",
			Mirror: true,
			Ingest: true,
		},
		Optimizer: OptimizerConfig{Timeout: 5 * time.Second},
		Snapshot:  SnapshotConfig{Interval: 15 * time.Minute},
	}
}

// Validate checks ranges and the ethics framework.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch {
	case c.Bus.MaxDeliveryAttempts < 1:
		return fmt.Errorf("%w: bus.max_delivery_attempts must be at least 1", ErrInvalid)
	case c.Watcher.Interval <= 0:
		return fmt.Errorf("%w: watcher.interval must be positive", ErrInvalid)
	case c.Watcher.HorizonHours <= 0:
		return fmt.Errorf("%w: watcher.horizon_hours must be positive", ErrInvalid)
	case c.Watcher.AnomalyThreshold <= 0 || c.Watcher.AnomalyThreshold >= 1:
		return fmt.Errorf("%w: watcher.anomaly_threshold must be in (0, 1)", ErrInvalid)
	}
	for i, a := range c.Alerts {
		if a.URL == "" {
			return fmt.Errorf("%w: alerts[%d].url is required", ErrInvalid, i)
		}
	}
	if c.Ethics.Framework == nil {
		c.Ethics.Framework = ethics.DefaultFramework()
	}
	if err := c.Ethics.Framework.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Load reads path over Default. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg, _, err := LoadWithHash(path)
	return cfg, err
}

// LoadWithHash loads the configuration and returns the SHA-256 of the raw
// bytes on disk. When no file exists the hash is that of empty input.
func LoadWithHash(path string) (*Config, string, error) {
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), hashOf(nil), nil
		}
		return nil, "", fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, hashOf(data), nil
}

func hashOf(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// DefaultYAML returns a commented configuration for `elders init`.
func DefaultYAML() string {
	return `# mtaa-elders configuration
# Generated by: elders init
#
# Durations use Go syntax (30s, 5m, 1h). Every section is optional;
# omitted fields keep their defaults.

log:
  level: info        # debug | info | warn | error
  format: text       # text | json

# In-process message bus between the elders.
# Critical messages are retried: retry n waits retry_base * 2^n.
bus:
  max_history: 10000
  max_delivery_attempts: 3
  retry_base: 1s
  response_deadline: 1m

# Security elder: pattern surveillance and health forecasting.
watcher:
  interval: 1h
  horizon_hours: 24
  max_activities: 10000
  max_detections: 1000
  max_samples: 8760
  anomaly_threshold: 0.6
  cluster_window: 1h
  prune_days: 30

# Ethics elder. Strict mode approves green reviews only.
ethics:
  strict_mode: true
  audit_retention: 8760h
  max_audit_records: 10000
  audit_path: ""     # hash-chained JSONL export; empty disables it
  framework:
    weights:
      harm: 0.30
      consent: 0.25
      proportionality: 0.20
      transparency: 0.15
      fairness: 0.10
    levels:
      yellow: 0.3
      orange: 0.6
      red: 0.85
    triggers:
      harm: 0.6
      consent: 0.5
      proportionality: 0.7
      transparency: 0.4
      fairness: 0.6
    forbidden_patterns:
      - "harm.*without.*reason"
      - "deceive"
      - "discriminate"
      - "abuse"
      - "violate.*privacy"
    vulnerable_markers: [member, new]
    min_justification: 20

coordinator:
  max_decisions: 1000
  max_queue: 1000
  heartbeat_timeout: 5m

# Webhooks for bus messages at or above min_priority (default high).
# format: generic | slack | pagerduty
# alerts:
#   - url: https://hooks.slack.com/services/XXX
#     format: slack
#     min_priority: critical
#     topics: ["scry:threat-detected", "lumen:ethics-violation-detected"]
#     rate_limit:
#       max_requests: 10
#       window: 1m
#     redact_keys: [proposer_id]   # masked with email, token, private_key, ...

# Optional NATS link. mirror publishes bus messages to <prefix>.bus.<topic>;
# ingest reads activities.<org> and health.<org> under the prefix.
nats:
  url: ""
  name: mtaa-elders
  prefix: elders
  mirror: true
  ingest: true

# Optimization collaborator status endpoint (GET, JSON).
optimizer:
  url: ""
  timeout: 5s

# Periodic SQLite snapshot of in-memory histories. Empty path disables it.
snapshot:
  path: ""
  interval: 15m
`
}
