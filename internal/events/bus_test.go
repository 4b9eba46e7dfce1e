package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// EVENT BUS UNIT TESTS
// ============================================================================

func TestBus_PrefixSubscription(t *testing.T) {
	bus := NewBus()
	approvals := bus.Subscribe(10, "approval.")
	everything := bus.Subscribe(10)
	defer approvals.Close()
	defer everything.Close()

	bus.Emit(TopicApprovalCreated, "/approvals", "req1", map[string]interface{}{"risk": "high"})
	bus.Emit(TopicCostAlert, "/costs", "daily", nil)

	// Prefix subscriber sees only its topic family
	ev := <-approvals.C
	assert.Equal(t, TopicApprovalCreated, ev.Type)
	assert.Equal(t, "req1", ev.Subject)
	select {
	case extra := <-approvals.C:
		t.Fatalf("unexpected event %s on approval subscription", extra.Type)
	default:
	}

	// Catch-all subscriber sees both
	first := <-everything.C
	second := <-everything.C
	assert.Equal(t, TopicApprovalCreated, first.Type)
	assert.Equal(t, TopicCostAlert, second.Type)
}

func TestBus_OrderPreservedPerTopic(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(64, "rollout.")
	defer sub.Close()

	for i := 0; i < 20; i++ {
		bus.Emit(TopicRolloutPhase, "/rollout", "", map[string]interface{}{"seq": i})
	}

	for i := 0; i < 20; i++ {
		ev := <-sub.C
		assert.Equal(t, i, ev.Data["seq"], "delivery order must match publish order")
	}
}

func TestBus_SlowSubscriberDropsNotBlocks(t *testing.T) {
	bus := NewBus()
	slow := bus.Subscribe(2, "gc.")
	defer slow.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Emit(TopicGCCompleted, "/gc", "", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	assert.Equal(t, int64(8), slow.Dropped())
	assert.Equal(t, int64(8), bus.Dropped())
	assert.Len(t, slow.C, 2)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4, "trust.")
	require.Equal(t, 1, bus.SubscriberCount())

	sub.Close()
	assert.Equal(t, 0, bus.SubscriberCount())

	// Channel is closed; publishing afterwards reaches nobody.
	bus.Emit(TopicTrustRegression, "/trust", "", nil)
	_, open := <-sub.C
	assert.False(t, open)

	// Double close is safe.
	sub.Close()
}

func TestEvent_SSEFormat(t *testing.T) {
	ev := NewEvent(TopicProviderDown, "/health", "ollama", map[string]interface{}{"failures": 3})
	frame, err := ev.SSEFormat()
	require.NoError(t, err)

	s := string(frame)
	assert.Contains(t, s, "event: provider.down\n")
	assert.Contains(t, s, `"failures":3`)
	assert.Contains(t, s, "id: "+ev.ID)
	assert.True(t, len(s) > 0 && s[len(s)-2:] == "\n\n", "frame must end with a blank line")
}
