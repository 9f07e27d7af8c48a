package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/litmajor/mtaa-elders/internal/history"
	"github.com/litmajor/mtaa-elders/internal/logging"
)

var (
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("bus: closed")
	// ErrUnknownTopic is returned when publishing outside the topic enumeration.
	ErrUnknownTopic = errors.New("bus: unknown topic")
	// ErrNilHandler is returned by Subscribe without a handler.
	ErrNilHandler = errors.New("bus: nil handler")
)

const defaultHistoryLimit = 100

// Handler receives one delivery. A returned error or panic counts as a failed
// delivery.
type Handler func(ctx context.Context, msg Message) error

// Options configures a Bus.
type Options struct {
	// MaxHistory bounds the rolling message history.
	MaxHistory int
	// MaxDeliveryAttempts is the total number of attempts for a critical
	// message to one subscriber, including the first.
	MaxDeliveryAttempts int
	// RetryBase scales the backoff: retry n waits RetryBase * 2^n.
	RetryBase time.Duration
	// ResponseDeadline is stamped on critical alerts. Advisory only.
	ResponseDeadline time.Duration
	Logger           logging.Logger
	Clock            func() time.Time
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxHistory:          10000,
		MaxDeliveryAttempts: 3,
		RetryBase:           time.Second,
		ResponseDeadline:    60 * time.Second,
		Logger:              logging.NoOpLogger{},
		Clock:               time.Now,
	}
}

type subscription struct {
	id      string
	topic   Topic
	handler Handler
	filters []Filter
}

func (s *subscription) matches(msg Message) bool {
	if s.topic != TopicAll && s.topic != msg.Topic {
		return false
	}
	for _, f := range s.filters {
		if !f(msg) {
			return false
		}
	}
	return true
}

// Stats is a point-in-time view of bus state.
type Stats struct {
	TotalSubscriptions   int           `json:"total_subscriptions"`
	SubscriptionsByTopic map[Topic]int `json:"subscriptions_by_topic"`
	HistorySize          int           `json:"history_size"`
	PendingRetries       int           `json:"pending_retries"`
	TopicsSeen           []Topic       `json:"topics_seen"`
	Published            uint64        `json:"published"`
	FailedDeliveries     uint64        `json:"failed_deliveries"`
	DroppedDeliveries    uint64        `json:"dropped_deliveries"`
}

// Bus is safe for concurrent use.
type Bus struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool

	histMu     sync.Mutex
	history    *history.Buffer[Message]
	topicsSeen map[Topic]struct{}

	retryMu   sync.Mutex
	retrySeq  uint64
	retries   map[uint64]*time.Timer
	retryWG   sync.WaitGroup
	published atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a Bus. Options not set by optFns keep DefaultOptions values.
func New(optFns ...func(o *Options)) *Bus {
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
	if opts.MaxDeliveryAttempts < 1 {
		opts.MaxDeliveryAttempts = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
		subs:       make(map[string]*subscription),
		history:    history.NewBuffer[Message](opts.MaxHistory),
		topicsSeen: make(map[Topic]struct{}),
		retries:    make(map[uint64]*time.Timer),
	}
}

// Subscribe registers h for topic (or TopicAll). All filters must match for a
// message to be delivered. Returns the subscription id.
func (b *Bus) Subscribe(topic Topic, h Handler, filters ...Filter) (string, error) {
	if h == nil {
		return "", ErrNilHandler
	}
	if topic != TopicAll && !topic.Valid() {
		return "", fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}
	id := uuid.NewString()
	b.subs[id] = &subscription{id: id, topic: topic, handler: h, filters: filters}
	b.opts.Logger.Debug("subscription added", "subscription", id, "topic", topic)
	return id, nil
}

// Unsubscribe removes a subscription. Pending retries to it are abandoned.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	return true
}

// Publish delivers msg to every matching subscriber concurrently and returns
// once each has had its first attempt. Missing id, timestamp and priority are
// filled in. Subscriber failures never surface here.
func (b *Bus) Publish(ctx context.Context, msg Message) (Message, error) {
	if !msg.Topic.Valid() {
		return msg, fmt.Errorf("%w: %s", ErrUnknownTopic, msg.Topic)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.opts.Clock().UTC()
	}
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}
	if msg.To == "" {
		msg.To = AgentAll
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return msg, ErrClosed
	}
	var targets []*subscription
	for _, s := range b.subs {
		if s.matches(msg) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	b.record(msg)
	b.published.Add(1)

	var wg sync.WaitGroup
	for _, s := range targets {
		wg.Add(1)
		go func(s *subscription) {
			defer wg.Done()
			b.deliver(ctx, s, msg, 1)
		}(s)
	}
	wg.Wait()
	return msg, nil
}

// Broadcast publishes payload to all agents.
func (b *Bus) Broadcast(ctx context.Context, topic Topic, from Agent, orgID string, payload map[string]any, priority Priority) (Message, error) {
	return b.Publish(ctx, Message{
		Topic:    topic,
		From:     from,
		To:       AgentAll,
		OrgID:    orgID,
		Payload:  payload,
		Priority: priority,
	})
}

// SendMessage publishes a normal-priority message addressed to one agent.
func (b *Bus) SendMessage(ctx context.Context, topic Topic, from, to Agent, orgID string, payload map[string]any) (Message, error) {
	return b.Publish(ctx, Message{
		Topic:    topic,
		From:     from,
		To:       to,
		OrgID:    orgID,
		Payload:  payload,
		Priority: PriorityNormal,
	})
}

// SendCriticalAlert broadcasts a critical message that asks for a response
// within the configured deadline. The deadline is not enforced.
func (b *Bus) SendCriticalAlert(ctx context.Context, topic Topic, from Agent, orgID string, payload map[string]any) (Message, error) {
	deadline := b.opts.Clock().UTC().Add(b.opts.ResponseDeadline)
	return b.Publish(ctx, Message{
		Topic:            topic,
		From:             from,
		To:               AgentAll,
		OrgID:            orgID,
		Payload:          payload,
		Priority:         PriorityCritical,
		RequiresResponse: true,
		ResponseDeadline: &deadline,
	})
}

func (b *Bus) deliver(ctx context.Context, s *subscription, msg Message, attempt int) {
	err := invoke(ctx, s.handler, msg)
	if err == nil {
		return
	}
	b.failed.Add(1)

	if msg.Priority != PriorityCritical {
		b.dropped.Add(1)
		b.opts.Logger.Warn("delivery failed",
			"message", msg.ID, "topic", msg.Topic, "subscription", s.id, "error", err)
		return
	}
	if attempt >= b.opts.MaxDeliveryAttempts {
		b.dropped.Add(1)
		b.opts.Logger.Error("critical delivery abandoned",
			"message", msg.ID, "topic", msg.Topic, "subscription", s.id,
			"attempts", attempt, "error", err)
		return
	}

	delay := Backoff(b.opts.RetryBase, attempt)
	b.opts.Logger.Warn("critical delivery failed, retrying",
		"message", msg.ID, "topic", msg.Topic, "subscription", s.id,
		"attempt", attempt, "retry_in", delay, "error", err)
	b.scheduleRetry(s.id, msg, attempt+1, delay)
}

func (b *Bus) scheduleRetry(subID string, msg Message, attempt int, delay time.Duration) {
	b.retryMu.Lock()
	defer b.retryMu.Unlock()
	if b.ctx.Err() != nil {
		return
	}
	b.retrySeq++
	seq := b.retrySeq
	b.retryWG.Add(1)
	b.retries[seq] = time.AfterFunc(delay, func() {
		defer b.retryWG.Done()
		b.retryMu.Lock()
		delete(b.retries, seq)
		b.retryMu.Unlock()

		if b.ctx.Err() != nil {
			return
		}
		b.mu.RLock()
		s, ok := b.subs[subID]
		b.mu.RUnlock()
		if !ok {
			b.dropped.Add(1)
			return
		}
		b.deliver(b.ctx, s, msg, attempt)
	})
}

// Backoff returns the wait before retry n (n >= 1): base * 2^n.
func Backoff(base time.Duration, n int) time.Duration {
	return base * time.Duration(1<<uint(n))
}

func invoke(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}

func (b *Bus) record(msg Message) {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	b.history.Append(msg)
	b.topicsSeen[msg.Topic] = struct{}{}
}

// History returns up to limit messages on topic, newest first. An empty topic
// or TopicAll matches every message; limit <= 0 means 100.
func (b *Bus) History(topic Topic, limit int) []Message {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	b.histMu.Lock()
	defer b.histMu.Unlock()
	return b.history.Newest(limit, func(m Message) bool {
		return topic == "" || topic == TopicAll || m.Topic == topic
	})
}

// OrgHistory returns up to limit messages about orgID, newest first.
func (b *Bus) OrgHistory(orgID string, limit int) []Message {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	b.histMu.Lock()
	defer b.histMu.Unlock()
	return b.history.Newest(limit, func(m Message) bool { return m.OrgID == orgID })
}

// ClearHistory drops the message history.
func (b *Bus) ClearHistory() {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	b.history.Reset()
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	st := Stats{SubscriptionsByTopic: make(map[Topic]int)}

	b.mu.RLock()
	st.TotalSubscriptions = len(b.subs)
	for _, s := range b.subs {
		st.SubscriptionsByTopic[s.topic]++
	}
	b.mu.RUnlock()

	b.histMu.Lock()
	st.HistorySize = b.history.Len()
	for t := range b.topicsSeen {
		st.TopicsSeen = append(st.TopicsSeen, t)
	}
	b.histMu.Unlock()
	sort.Slice(st.TopicsSeen, func(i, j int) bool { return st.TopicsSeen[i] < st.TopicsSeen[j] })

	b.retryMu.Lock()
	st.PendingRetries = len(b.retries)
	b.retryMu.Unlock()

	st.Published = b.published.Load()
	st.FailedDeliveries = b.failed.Load()
	st.DroppedDeliveries = b.dropped.Load()
	return st
}

// Shutdown cancels pending retries and clears subscriptions and history.
// Further publishes fail with ErrClosed.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	b.retryMu.Lock()
	b.cancel()
	for seq, t := range b.retries {
		if t.Stop() {
			b.retryWG.Done()
		}
		delete(b.retries, seq)
	}
	b.retryMu.Unlock()
	b.retryWG.Wait()

	b.ClearHistory()
	b.opts.Logger.Info("bus shut down")
}
