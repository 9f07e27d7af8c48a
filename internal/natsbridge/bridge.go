// Package natsbridge links the in-process bus to NATS: bus messages are
// mirrored out, and activity and health feeds are ingested.
package natsbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/litmajor/mtaa-elders/internal/bus"
	"github.com/litmajor/mtaa-elders/internal/logging"
	"github.com/litmajor/mtaa-elders/internal/model"
)

// Conn is the slice of *nats.Conn the bridge uses.
type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// BusSubscriber is the slice of the bus Mirror attaches to.
type BusSubscriber interface {
	Subscribe(topic bus.Topic, h bus.Handler, filters ...bus.Filter) (string, error)
	Unsubscribe(id string) bool
}

// ActivitySink receives ingested activities.
type ActivitySink interface {
	Observe(orgID string, activities ...model.Activity)
}

// HealthSink receives ingested health samples.
type HealthSink interface {
	RecordHealth(orgID string, samples ...model.HealthSample)
}

// Connect dials a NATS server with reconnects enabled.
func Connect(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url, nats.Name(name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}

// Stats counts bridged traffic.
type Stats struct {
	Mirrored int64 `json:"mirrored"`
	Ingested int64 `json:"ingested"`
	Rejected int64 `json:"rejected"`
}

// Bridge is safe for concurrent use.
type Bridge struct {
	conn   Conn
	prefix string
	log    logging.Logger

	mu      sync.Mutex
	natsSub []*nats.Subscription
	bus     BusSubscriber
	busSub  string

	mirrored atomic.Int64
	ingested atomic.Int64
	rejected atomic.Int64
}

// New creates a bridge using subjects under prefix.
func New(conn Conn, prefix string, log logging.Logger) *Bridge {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	if prefix == "" {
		prefix = "elders"
	}
	return &Bridge{conn: conn, prefix: prefix, log: log}
}

// Subject maps a bus topic to its mirror subject: "scry:threat-detected"
// becomes "<prefix>.bus.scry.threat-detected".
func (b *Bridge) Subject(topic bus.Topic) string {
	return b.prefix + ".bus." + strings.ReplaceAll(string(topic), ":", ".")
}

// Mirror publishes every bus message to NATS as JSON. Publish errors are
// returned to the bus so that critical messages are retried.
func (b *Bridge) Mirror(src BusSubscriber) error {
	id, err := src.Subscribe(bus.TopicAll, func(_ context.Context, msg bus.Message) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		if err := b.conn.Publish(b.Subject(msg.Topic), data); err != nil {
			return fmt.Errorf("mirror %s: %w", msg.Topic, err)
		}
		b.mirrored.Add(1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror bus: %w", err)
	}
	b.mu.Lock()
	b.bus, b.busSub = src, id
	b.mu.Unlock()
	return nil
}

// Ingest subscribes to <prefix>.activities.<org> and <prefix>.health.<org>.
// Payloads are a JSON object or an array of objects.
func (b *Bridge) Ingest(acts ActivitySink, health HealthSink) error {
	if acts != nil {
		if err := b.subscribe(b.prefix+".activities.*", func(org string, data []byte) error {
			var batch []model.Activity
			if err := decodeBatch(data, &batch); err != nil {
				return err
			}
			acts.Observe(org, batch...)
			return nil
		}); err != nil {
			return err
		}
	}
	if health != nil {
		if err := b.subscribe(b.prefix+".health.*", func(org string, data []byte) error {
			var batch []model.HealthSample
			if err := decodeBatch(data, &batch); err != nil {
				return err
			}
			health.RecordHealth(org, batch...)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) subscribe(subject string, fn func(org string, data []byte) error) error {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		org := msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]
		if org == "" {
			b.rejected.Add(1)
			return
		}
		if err := fn(org, msg.Data); err != nil {
			b.rejected.Add(1)
			b.log.Warn("nats payload rejected", "subject", msg.Subject, "error", err)
			return
		}
		b.ingested.Add(1)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	b.mu.Lock()
	b.natsSub = append(b.natsSub, sub)
	b.mu.Unlock()
	b.log.Info("nats ingest subscribed", "subject", subject)
	return nil
}

// decodeBatch accepts a single JSON object or an array into out.
func decodeBatch[T any](data []byte, out *[]T) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty payload")
	}
	if data[0] == '[' {
		return json.Unmarshal(data, out)
	}
	var one T
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*out = append(*out, one)
	return nil
}

// Stats reports bridged traffic counts.
func (b *Bridge) Stats() Stats {
	return Stats{
		Mirrored: b.mirrored.Load(),
		Ingested: b.ingested.Load(),
		Rejected: b.rejected.Load(),
	}
}

// Close detaches from the bus and drops NATS subscriptions. The connection
// itself belongs to the caller.
func (b *Bridge) Close() {
	b.mu.Lock()
	subs, src, id := b.natsSub, b.bus, b.busSub
	b.natsSub, b.bus, b.busSub = nil, nil, ""
	b.mu.Unlock()

	if src != nil {
		src.Unsubscribe(id)
	}
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			b.log.Debug("nats unsubscribe failed", "error", err)
		}
	}
}
