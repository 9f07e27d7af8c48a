package coordinator

import (
	"context"
	"time"

	"github.com/litmajor/mtaa-elders/internal/bus"
	"github.com/litmajor/mtaa-elders/internal/model"
)

// ElderInput is one announcement an elder sent to the coordinator.
type ElderInput struct {
	Elder      bus.Agent      `json:"elder"`
	Topic      bus.Topic      `json:"topic"`
	MessageID  string         `json:"message_id"`
	OrgID      string         `json:"org_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Confidence float64        `json:"confidence"`
	Timestamp  time.Time      `json:"timestamp"`
}

// inboxTopics maps each followed topic to its sender and the confidence used
// when the payload carries none. Threat reports always count as 0.8.
var inboxTopics = []struct {
	topic       bus.Topic
	elder       bus.Agent
	confidence  float64
	fromPayload bool
}{
	{bus.TopicThreatDetected, bus.AgentScry, 0.8, false},
	{bus.TopicRecommendationGenerated, bus.AgentKaizen, 0.7, true},
	{bus.TopicReviewComplete, bus.AgentLumen, 0.75, true},
}

func (c *Coordinator) subscribe() error {
	for _, t := range inboxTopics {
		t := t
		id, err := c.opts.Bus.Subscribe(t.topic, func(_ context.Context, msg bus.Message) error {
			conf := t.confidence
			if t.fromPayload {
				if v, ok := model.ToNumber(msg.Payload["confidence"]); ok && v > 0 {
					conf = v
				}
			}
			c.enqueue(ElderInput{
				Elder:      t.elder,
				Topic:      msg.Topic,
				MessageID:  msg.ID,
				OrgID:      msg.OrgID,
				Data:       msg.Payload,
				Confidence: conf,
				Timestamp:  c.opts.Clock().UTC(),
			})
			return nil
		})
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.subs = append(c.subs, id)
		c.mu.Unlock()
	}
	return nil
}

func (c *Coordinator) unsubscribe() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, id := range subs {
		c.opts.Bus.Unsubscribe(id)
	}
}

func (c *Coordinator) enqueue(in ElderInput) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.health == HealthOffline {
		return
	}
	c.received++
	if c.queue.Append(in) > 0 {
		c.opts.Logger.Debug("coordinator inbox full, oldest input dropped")
	}
}

// MessageQueue returns the inbox, oldest first.
func (c *Coordinator) MessageQueue() []ElderInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.All()
}

// ClearMessageQueue empties the inbox.
func (c *Coordinator) ClearMessageQueue() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue.Reset()
}
