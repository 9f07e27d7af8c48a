package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litmajor/mtaa-elders/internal/bus"
	"github.com/litmajor/mtaa-elders/internal/model"
)

type fakeConn struct {
	mu        sync.Mutex
	published map[string][][]byte
	handlers  map[string]nats.MsgHandler
	failPub   error
}

func newFakeConn() *fakeConn {
	return &fakeConn{published: map[string][][]byte{}, handlers: map[string]nats.MsgHandler{}}
}

func (c *fakeConn) Publish(subj string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failPub != nil {
		return c.failPub
	}
	c.published[subj] = append(c.published[subj], data)
	return nil
}

func (c *fakeConn) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[subj] = cb
	return nil, nil
}

func (c *fakeConn) deliver(wildcard, subject, data string) {
	c.mu.Lock()
	h := c.handlers[wildcard]
	c.mu.Unlock()
	h(&nats.Msg{Subject: subject, Data: []byte(data)})
}

type sinks struct {
	mu         sync.Mutex
	activities map[string][]model.Activity
	samples    map[string][]model.HealthSample
}

func (s *sinks) Observe(org string, acts ...model.Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities[org] = append(s.activities[org], acts...)
}

func (s *sinks) RecordHealth(org string, samples ...model.HealthSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[org] = append(s.samples[org], samples...)
}

func TestSubject(t *testing.T) {
	b := New(newFakeConn(), "", nil)
	assert.Equal(t, "elders.bus.scry.threat-detected", b.Subject(bus.TopicThreatDetected))
	assert.Equal(t, "x.bus.coordinator.decision-made", New(newFakeConn(), "x", nil).Subject(bus.TopicDecisionMade))
}

func TestMirrorPublishesBusMessages(t *testing.T) {
	conn := newFakeConn()
	eb := bus.New()
	defer eb.Shutdown()

	b := New(conn, "elders", nil)
	require.NoError(t, b.Mirror(eb))

	_, err := eb.Broadcast(context.Background(), bus.TopicDecisionMade, bus.AgentCoordinator, "dao-1", map[string]any{"status": "approved"}, bus.PriorityNormal)
	require.NoError(t, err)

	got := conn.published["elders.bus.coordinator.decision-made"]
	require.Len(t, got, 1)
	var msg bus.Message
	require.NoError(t, json.Unmarshal(got[0], &msg))
	assert.Equal(t, "dao-1", msg.OrgID)
	assert.Equal(t, "approved", msg.Payload["status"])
	assert.Equal(t, int64(1), b.Stats().Mirrored)

	b.Close()
	assert.Zero(t, eb.Stats().TotalSubscriptions)
}

func TestMirrorFailureIsRetriedForCriticalMessages(t *testing.T) {
	conn := newFakeConn()
	conn.failPub = errors.New("nats: connection closed")
	eb := bus.New(func(o *bus.Options) { o.RetryBase = time.Millisecond })
	defer eb.Shutdown()

	b := New(conn, "elders", nil)
	require.NoError(t, b.Mirror(eb))

	_, err := eb.SendCriticalAlert(context.Background(), bus.TopicEthicsViolation, bus.AgentLumen, "dao-1", nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return eb.Stats().FailedDeliveries >= 3 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, b.Stats().Mirrored)
}

func TestIngestActivitiesAndHealth(t *testing.T) {
	conn := newFakeConn()
	s := &sinks{activities: map[string][]model.Activity{}, samples: map[string][]model.HealthSample{}}
	b := New(conn, "elders", nil)
	require.NoError(t, b.Ingest(s, s))

	conn.deliver("elders.activities.*", "elders.activities.dao-1",
		`[{"id":"a1","actor_id":"alice","type":"transfer","details":{"amount":150000}},{"id":"a2","type":"vote"}]`)
	conn.deliver("elders.activities.*", "elders.activities.dao-2", `{"id":"b1","type":"join"}`)
	conn.deliver("elders.health.*", "elders.health.dao-1", `{"overall":71,"treasury":64}`)
	conn.deliver("elders.activities.*", "elders.activities.dao-1", `not json`)
	conn.deliver("elders.health.*", "elders.health.dao-1", ``)

	require.Len(t, s.activities["dao-1"], 2)
	assert.Equal(t, model.ActivityTransfer, s.activities["dao-1"][0].Type)
	assert.Equal(t, 150000.0, s.activities["dao-1"][0].NumberOr("amount", 0))
	require.Len(t, s.activities["dao-2"], 1)
	require.Len(t, s.samples["dao-1"], 1)
	assert.Equal(t, 64.0, s.samples["dao-1"][0].Treasury)

	st := b.Stats()
	assert.Equal(t, int64(3), st.Ingested)
	assert.Equal(t, int64(2), st.Rejected)

	b.Close()
}

func TestIngestSkipsNilSinks(t *testing.T) {
	conn := newFakeConn()
	require.NoError(t, New(conn, "elders", nil).Ingest(nil, nil))
	assert.Empty(t, conn.handlers)
}
