package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T, optFns ...func(o *Options)) *Bus {
	t.Helper()
	b := New(optFns...)
	t.Cleanup(b.Shutdown)
	return b
}

func TestPublishDeliversToTopicAndWildcard(t *testing.T) {
	b := newTestBus(t)
	var topicHits, allHits, otherHits atomic.Int32

	_, err := b.Subscribe(TopicThreatDetected, func(context.Context, Message) error { topicHits.Add(1); return nil })
	require.NoError(t, err)
	_, err = b.Subscribe(TopicAll, func(context.Context, Message) error { allHits.Add(1); return nil })
	require.NoError(t, err)
	_, err = b.Subscribe(TopicDecisionMade, func(context.Context, Message) error { otherHits.Add(1); return nil })
	require.NoError(t, err)

	msg, err := b.Broadcast(context.Background(), TopicThreatDetected, AgentScry, "dao-1", map[string]any{"k": "v"}, PriorityHigh)
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, AgentAll, msg.To)
	assert.Equal(t, int32(1), topicHits.Load())
	assert.Equal(t, int32(1), allHits.Load())
	assert.Equal(t, int32(0), otherHits.Load())
}

func TestPublishAppliesFilters(t *testing.T) {
	b := newTestBus(t)
	var got []string
	var mu sync.Mutex
	_, err := b.Subscribe(TopicAll, func(_ context.Context, m Message) error {
		mu.Lock()
		got = append(got, m.OrgID)
		mu.Unlock()
		return nil
	}, ForOrg("dao-2"), MinPriority(PriorityHigh))
	require.NoError(t, err)

	ctx := context.Background()
	_, _ = b.Broadcast(ctx, TopicDecisionMade, AgentCoordinator, "dao-1", nil, PriorityCritical)
	_, _ = b.Broadcast(ctx, TopicDecisionMade, AgentCoordinator, "dao-2", nil, PriorityLow)
	_, _ = b.Broadcast(ctx, TopicDecisionMade, AgentCoordinator, "dao-2", nil, PriorityHigh)

	assert.Equal(t, []string{"dao-2"}, got)
}

func TestPublishWaitsForAllSubscribers(t *testing.T) {
	b := newTestBus(t)
	var done atomic.Int32
	for i := 0; i < 5; i++ {
		_, err := b.Subscribe(TopicAnalysisComplete, func(context.Context, Message) error {
			time.Sleep(20 * time.Millisecond)
			done.Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	start := time.Now()
	_, err := b.Broadcast(context.Background(), TopicAnalysisComplete, AgentScry, "", nil, PriorityNormal)
	require.NoError(t, err)

	assert.Equal(t, int32(5), done.Load())
	assert.Less(t, time.Since(start), 100*time.Millisecond, "deliveries should run concurrently")
}

func TestFailingSubscriberDoesNotAffectOthers(t *testing.T) {
	b := newTestBus(t)
	var ok atomic.Int32
	_, _ = b.Subscribe(TopicAll, func(context.Context, Message) error { return errors.New("boom") })
	_, _ = b.Subscribe(TopicAll, func(context.Context, Message) error { panic("kaboom") })
	_, _ = b.Subscribe(TopicAll, func(context.Context, Message) error { ok.Add(1); return nil })

	_, err := b.SendMessage(context.Background(), TopicReviewComplete, AgentLumen, AgentCoordinator, "dao-1", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), ok.Load())

	st := b.Stats()
	assert.Equal(t, uint64(2), st.FailedDeliveries)
	assert.Equal(t, 0, st.PendingRetries, "non-critical failures are not retried")
}

func TestCriticalRetriesExactlyMaxAttempts(t *testing.T) {
	const base = 5 * time.Millisecond
	b := newTestBus(t, func(o *Options) {
		o.RetryBase = base
		o.MaxDeliveryAttempts = 3
	})

	var mu sync.Mutex
	var calls []time.Time
	_, err := b.Subscribe(TopicThreatDetected, func(context.Context, Message) error {
		mu.Lock()
		calls = append(calls, time.Now())
		mu.Unlock()
		return errors.New("unavailable")
	})
	require.NoError(t, err)

	_, err = b.SendCriticalAlert(context.Background(), TopicThreatDetected, AgentScry, "dao-1", nil)
	require.NoError(t, err)

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(calls)
	}
	require.Eventually(t, func() bool { return count() == 3 }, time.Second, time.Millisecond)
	time.Sleep(Backoff(base, 3) * 2)
	assert.Equal(t, 3, count())

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, calls[1].Sub(calls[0]), Backoff(base, 1))
	assert.GreaterOrEqual(t, calls[2].Sub(calls[1]), Backoff(base, 2))
	assert.Equal(t, 0, b.Stats().PendingRetries)
}

func TestCriticalRetrySucceedsLater(t *testing.T) {
	b := newTestBus(t, func(o *Options) { o.RetryBase = time.Millisecond })
	var calls atomic.Int32
	_, _ = b.Subscribe(TopicAlertEscalated, func(context.Context, Message) error {
		if calls.Add(1) < 2 {
			return errors.New("not yet")
		}
		return nil
	})

	_, err := b.SendCriticalAlert(context.Background(), TopicAlertEscalated, AgentCoordinator, "dao-1", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestBackoffStrictlyIncreasing(t *testing.T) {
	prev := time.Duration(0)
	for n := 1; n <= 5; n++ {
		d := Backoff(time.Second, n)
		assert.Greater(t, d, prev)
		prev = d
	}
	assert.Equal(t, 2*time.Second, Backoff(time.Second, 1))
}

func TestSendCriticalAlertStampsDeadline(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b := newTestBus(t, func(o *Options) { o.Clock = func() time.Time { return now } })

	msg, err := b.SendCriticalAlert(context.Background(), TopicThreatDetected, AgentScry, "dao-1", nil)
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, msg.Priority)
	assert.True(t, msg.RequiresResponse)
	require.NotNil(t, msg.ResponseDeadline)
	assert.Equal(t, now.Add(60*time.Second), *msg.ResponseDeadline)
}

func TestHistoryBoundedAndNewestFirst(t *testing.T) {
	b := newTestBus(t, func(o *Options) { o.MaxHistory = 5 })
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		_, err := b.Broadcast(ctx, TopicMetricsUpdated, AgentKaizen, fmt.Sprintf("dao-%d", i%2), map[string]any{"i": i}, PriorityLow)
		require.NoError(t, err)
	}

	assert.Equal(t, 5, b.Stats().HistorySize)

	all := b.History("", 0)
	require.Len(t, all, 5)
	assert.Equal(t, 7, all[0].Payload["i"])
	assert.Equal(t, 3, all[4].Payload["i"])

	org := b.OrgHistory("dao-1", 2)
	require.Len(t, org, 2)
	assert.Equal(t, 7, org[0].Payload["i"])
	assert.Equal(t, 5, org[1].Payload["i"])

	assert.Empty(t, b.History(TopicDecisionMade, 10))

	// Queries do not mutate state.
	assert.Equal(t, all, b.History("", 0))

	b.ClearHistory()
	assert.Equal(t, 0, b.Stats().HistorySize)
}

func TestPublishRejectsUnknownTopic(t *testing.T) {
	b := newTestBus(t)
	_, err := b.Publish(context.Background(), Message{Topic: "scry:gossip"})
	assert.ErrorIs(t, err, ErrUnknownTopic)

	_, err = b.Publish(context.Background(), Message{Topic: TopicAll})
	assert.ErrorIs(t, err, ErrUnknownTopic)

	_, err = b.Subscribe("nope", func(context.Context, Message) error { return nil })
	assert.ErrorIs(t, err, ErrUnknownTopic)

	_, err = b.Subscribe(TopicAll, nil)
	assert.ErrorIs(t, err, ErrNilHandler)
}

func TestUnsubscribeAndStats(t *testing.T) {
	b := newTestBus(t)
	id1, _ := b.Subscribe(TopicThreatDetected, func(context.Context, Message) error { return nil })
	_, _ = b.Subscribe(TopicThreatDetected, func(context.Context, Message) error { return nil })
	_, _ = b.Subscribe(TopicAll, func(context.Context, Message) error { return nil })

	st := b.Stats()
	assert.Equal(t, 3, st.TotalSubscriptions)
	assert.Equal(t, 2, st.SubscriptionsByTopic[TopicThreatDetected])

	assert.True(t, b.Unsubscribe(id1))
	assert.False(t, b.Unsubscribe(id1))
	assert.Equal(t, 2, b.Stats().TotalSubscriptions)

	_, _ = b.Broadcast(context.Background(), TopicForecastUpdated, AgentScry, "", nil, PriorityNormal)
	assert.Equal(t, []Topic{TopicForecastUpdated}, b.Stats().TopicsSeen)
}

func TestShutdownCancelsRetries(t *testing.T) {
	b := New(func(o *Options) { o.RetryBase = 50 * time.Millisecond })
	var calls atomic.Int32
	_, _ = b.Subscribe(TopicAll, func(context.Context, Message) error {
		calls.Add(1)
		return errors.New("down")
	})
	_, err := b.SendCriticalAlert(context.Background(), TopicThreatDetected, AgentScry, "dao-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Stats().PendingRetries)

	b.Shutdown()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	_, err = b.Broadcast(context.Background(), TopicThreatDetected, AgentScry, "", nil, PriorityLow)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = b.Subscribe(TopicAll, func(context.Context, Message) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}
