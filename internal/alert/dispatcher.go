package alert

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/litmajor/mtaa-elders/internal/bus"
	"github.com/litmajor/mtaa-elders/internal/logging"
	"github.com/litmajor/mtaa-elders/internal/ratelimit"
	"github.com/litmajor/mtaa-elders/internal/redact"
)

const (
	pruneEvery     = 1024
	limitRetention = 24 * time.Hour
)

// Subscriber is the slice of the bus a Dispatcher attaches to.
type Subscriber interface {
	Subscribe(topic bus.Topic, h bus.Handler, filters ...bus.Filter) (string, error)
}

// Dispatcher forwards bus messages to matching webhook configurations.
type Dispatcher struct {
	configs []Config
	log     logging.Logger
	limits  *ratelimit.Tracker
	now     func() time.Time
	handled atomic.Uint64
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty (callers should nil-check).
func NewDispatcher(configs []Config, log logging.Logger) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Dispatcher{configs: configs, log: log, limits: ratelimit.NewTracker(), now: time.Now}
}

// Attach subscribes the dispatcher to every topic on b.
func (d *Dispatcher) Attach(b Subscriber) (string, error) {
	return b.Subscribe(bus.TopicAll, d.Handle)
}

// Handle sends msg to every matching webhook and waits for the results. A
// failure is returned so that the bus retries critical messages.
func (d *Dispatcher) Handle(ctx context.Context, msg bus.Message) error {
	ev := EventFrom(msg)
	now := d.now()
	if d.handled.Add(1)%pruneEvery == 0 {
		d.limits.Prune(limitRetention, now)
	}

	var errs []error
	for _, cfg := range d.configs {
		if !matches(cfg, msg) {
			continue
		}
		if res := d.limits.Allow(cfg.URL+"|"+string(msg.Topic), cfg.RateLimit, now); res.Exceeded {
			d.log.Debug("alert suppressed", "url", cfg.URL, "topic", msg.Topic, "reason", res.Reason)
			continue
		}
		if err := Send(ctx, cfg, scrub(ev, cfg.RedactKeys)); err != nil {
			d.log.Warn("alert webhook failed", "url", cfg.URL, "topic", msg.Topic, "error", err)
			errs = append(errs, err)
			continue
		}
		d.log.Debug("alert delivered", "url", cfg.URL, "topic", msg.Topic)
	}
	return errors.Join(errs...)
}

// scrub masks sensitive payload values before an event leaves the process.
func scrub(ev Event, extraKeys []string) Event {
	ev.Summary = redact.Text(ev.Summary)
	ev.Details = redact.Auto(ev.Details, extraKeys)
	return ev
}

func matches(cfg Config, msg bus.Message) bool {
	floor := bus.Priority(cfg.MinPriority)
	if floor == "" {
		floor = bus.PriorityHigh
	}
	if msg.Priority.Rank() < floor.Rank() {
		return false
	}
	if len(cfg.Topics) == 0 {
		return true
	}
	for _, t := range cfg.Topics {
		if t == string(msg.Topic) || t == string(bus.TopicAll) {
			return true
		}
	}
	return false
}

// EventFrom converts a bus message into a webhook event.
func EventFrom(msg bus.Message) Event {
	return Event{
		Timestamp: msg.Timestamp.UTC().Format(time.RFC3339),
		MessageID: msg.ID,
		Topic:     string(msg.Topic),
		From:      string(msg.From),
		OrgID:     msg.OrgID,
		Priority:  string(msg.Priority),
		Summary:   summarize(msg),
		Details:   msg.Payload,
	}
}

func summarize(msg bus.Message) string {
	for _, key := range []string{"reason", "review_reason", "message", "risk_level", "concern_level"} {
		if v, ok := msg.Payload[key].(string); ok && v != "" {
			return fmt.Sprintf("%s from %s: %s", msg.Topic, msg.From, v)
		}
	}
	return fmt.Sprintf("%s from %s", msg.Topic, msg.From)
}
