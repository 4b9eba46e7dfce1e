package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by gateway components. Subscribers match by
// prefix, so "approval." receives every approval topic.
const (
	TopicApprovalCreated  = "approval.created"
	TopicApprovalApproved = "approval.approved"
	TopicApprovalDenied   = "approval.denied"
	TopicApprovalExpired  = "approval.expired"

	TopicActionApproved = "action.approved"
	TopicActionExecuted = "action.executed"
	TopicActionUndone   = "action.undone"

	TopicProviderDown      = "provider.down"
	TopicProviderRecovered = "provider.recovered"

	TopicCostAlert       = "cost.alert"
	TopicRouterRouted    = "router.routed"
	TopicTrustRegression = "trust.regression"
	TopicRolloutFreeze   = "rollout.freeze"
	TopicRolloutPhase    = "rollout.phase_changed"
	TopicGCCompleted     = "gc.completed"
	TopicMemoryCritical  = "sysmon.memory.critical"
)

// Emitter is the publishing side of the bus. Components hold this
// rather than the concrete Bus.
type Emitter interface {
	Emit(topic, source, subject string, data map[string]interface{})
}

// Event is the envelope delivered to subscribers, shaped after
// CloudEvents 1.0 so the SSE feed can forward it verbatim.
type Event struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewEvent stamps a fresh envelope for the given topic.
func NewEvent(topic, source, subject string, data map[string]interface{}) *Event {
	return &Event{
		SpecVersion: "1.0",
		Type:        topic,
		Source:      source,
		ID:          fmt.Sprintf("evt-%d", time.Now().UnixNano()),
		Time:        time.Now(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the event
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// SSEFormat returns the event as a Server-Sent Events frame.
func (e *Event) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", e.Type, data, e.ID)), nil
}

// Subscription is one subscriber's feed. Receive from C; call
// Close (or Bus.Unsubscribe) when done.
type Subscription struct {
	C <-chan *Event

	ch       chan *Event
	prefixes []string
	dropped  int64
	bus      *Bus
	once     sync.Once
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() { s.bus.Unsubscribe(s) }

// Dropped reports how many events this subscriber missed because its
// buffer was full.
func (s *Subscription) Dropped() int64 { return atomic.LoadInt64(&s.dropped) }

func (s *Subscription) matches(topic string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// Bus is the in-process pub/sub broadcaster. Publish never blocks:
// a subscriber whose buffer is full loses the event (counted, not
// retried). Order is preserved per topic for each subscriber; nothing
// here is durable.
type Bus struct {
	mu         sync.RWMutex
	subs       []*Subscription
	bufferSize int
	dropped    int64
}

// NewBus creates an event bus with the default per-subscriber buffer.
func NewBus() *Bus {
	return &Bus{bufferSize: 100}
}

// Subscribe registers a feed for topics matching any of the given
// prefixes. No prefixes means all topics. buffer <= 0 uses the
// default.
func (b *Bus) Subscribe(buffer int, prefixes ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if buffer <= 0 {
		buffer = b.bufferSize
	}
	ch := make(chan *Event, buffer)
	sub := &Subscription{C: ch, ch: ch, prefixes: prefixes, bus: b}
	b.subs = append(b.subs, sub)
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	filtered := b.subs[:0]
	for _, s := range b.subs {
		if s != sub {
			filtered = append(filtered, s)
		}
	}
	b.subs = filtered
	sub.once.Do(func() { close(sub.ch) })
}

// Publish sends an event to all matching subscribers.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.matches(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Buffer full, skip
			atomic.AddInt64(&sub.dropped, 1)
			atomic.AddInt64(&b.dropped, 1)
		}
	}
}

// Emit creates and publishes an event in one call.
func (b *Bus) Emit(topic, source, subject string, data map[string]interface{}) {
	b.Publish(NewEvent(topic, source, subject, data))
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the total events lost to full buffers bus-wide.
func (b *Bus) Dropped() int64 { return atomic.LoadInt64(&b.dropped) }
