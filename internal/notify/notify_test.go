package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianfofficial/atlas/internal/events"
	"github.com/brianfofficial/atlas/internal/storage"
)

type captureSink struct {
	mu       sync.Mutex
	failures int // deliveries to fail before succeeding
	attempts int
	delay    time.Duration
	got      []*storage.Notification
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Deliver(_ context.Context, n *storage.Notification) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.attempts <= s.failures {
		return errors.New("sink unavailable")
	}
	s.got = append(s.got, n)
	return nil
}

func (s *captureSink) delivered() []*storage.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*storage.Notification, len(s.got))
	copy(out, s.got)
	return out
}

func (s *captureSink) tries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func countRows(t *testing.T, store Store) int {
	t.Helper()
	rows, err := store.ListNotifications(context.Background(), 0)
	require.NoError(t, err)
	return len(rows)
}

func TestDispatch_PersistsAndDelivers(t *testing.T) {
	store := storage.NewMemory()
	sink := &captureSink{}
	d := New(Config{RetryBase: time.Millisecond}, store, nil, sink)
	defer d.Shutdown()

	err := d.Dispatch(context.Background(), &storage.Notification{
		Channel: "budget",
		Subject: "Budget alert: day spend crossed 50%",
		Body:    "Spent $5.00 of the $10.00 day limit.",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(sink.delivered()) == 1 }, 2*time.Second, 5*time.Millisecond)
	got := sink.delivered()[0]
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "info", got.Severity)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Equal(t, 1, countRows(t, store))
}

func TestWatch_CostAlertDeliveredWithoutDoublePersist(t *testing.T) {
	store := storage.NewMemory()
	bus := events.NewBus()
	sink := &captureSink{}
	d := New(Config{RetryBase: time.Millisecond}, store, bus, sink)
	defer d.Shutdown()

	bus.Emit(events.TopicCostAlert, "costs", "day", map[string]interface{}{
		"period": "day", "threshold": 90, "spent": 9.5, "limit": 10.0, "utilization": 0.95,
	})

	require.Eventually(t, func() bool { return len(sink.delivered()) == 1 }, 2*time.Second, 5*time.Millisecond)
	got := sink.delivered()[0]
	assert.Equal(t, "budget", got.Channel)
	assert.Equal(t, "critical", got.Severity)
	assert.Contains(t, got.Subject, "crossed 90%")
	assert.Contains(t, got.Body, "$9.50")

	// The tracker owns the budget row; the dispatcher must not add one.
	assert.Equal(t, 0, countRows(t, store))
}

func TestWatch_RolloutFreezePersisted(t *testing.T) {
	store := storage.NewMemory()
	bus := events.NewBus()
	sink := &captureSink{}
	d := New(Config{RetryBase: time.Millisecond}, store, bus, sink)
	defer d.Shutdown()

	bus.Emit(events.TopicRolloutFreeze, "rollout", "trust_signal:briefing_failure_rate", map[string]interface{}{
		"action": "freeze", "reason": "trust_signal:briefing_failure_rate", "by": "trust-monitor",
	})
	require.Eventually(t, func() bool { return len(sink.delivered()) == 1 }, 2*time.Second, 5*time.Millisecond)
	frozen := sink.delivered()[0]
	assert.Equal(t, "rollout", frozen.Channel)
	assert.Equal(t, "critical", frozen.Severity)
	assert.Equal(t, "Rollout frozen: trust_signal:briefing_failure_rate", frozen.Subject)
	assert.Equal(t, 1, countRows(t, store))

	bus.Emit(events.TopicRolloutFreeze, "rollout", "", map[string]interface{}{
		"action": "unfreeze", "by": "brian",
	})
	require.Eventually(t, func() bool { return len(sink.delivered()) == 2 }, 2*time.Second, 5*time.Millisecond)
	thawed := sink.delivered()[1]
	assert.Equal(t, "Rollout unfrozen", thawed.Subject)
	assert.Equal(t, "info", thawed.Severity)
	assert.Equal(t, 2, countRows(t, store))
}

func TestWatch_TrustRegressionSeverity(t *testing.T) {
	store := storage.NewMemory()
	bus := events.NewBus()
	sink := &captureSink{}
	// One worker keeps delivery order deterministic.
	d := New(Config{Workers: 1, RetryBase: time.Millisecond}, store, bus, sink)
	defer d.Shutdown()

	bus.Emit(events.TopicTrustRegression, "trust", "reg-1", map[string]interface{}{
		"kind": "regression", "trigger": "stale_data", "severity": "critical", "owner": "brian",
	})
	bus.Emit(events.TopicTrustRegression, "trust", "retry_rate", map[string]interface{}{
		"kind": "signal_stop", "signal": "retry_rate", "value": 0.25, "level": "stop",
	})

	require.Eventually(t, func() bool { return len(sink.delivered()) == 2 }, 2*time.Second, 5*time.Millisecond)
	notes := sink.delivered()

	assert.Equal(t, "trust", notes[0].Channel)
	assert.Equal(t, "critical", notes[0].Severity)
	assert.Contains(t, notes[0].Subject, "stale_data")

	assert.Equal(t, "Trust signal at stop level: retry_rate", notes[1].Subject)
	assert.Equal(t, "critical", notes[1].Severity)

	assert.Equal(t, 2, countRows(t, store))
}

func TestWatch_UnrelatedEventsIgnored(t *testing.T) {
	store := storage.NewMemory()
	bus := events.NewBus()
	sink := &captureSink{}
	d := New(Config{RetryBase: time.Millisecond}, store, bus, sink)
	defer d.Shutdown()

	bus.Emit(events.TopicRouterRouted, "router", "req-1", nil)
	bus.Emit(events.TopicGCCompleted, "gc", "", nil)
	bus.Emit(events.TopicRolloutFreeze, "rollout", "manual", map[string]interface{}{
		"action": "freeze", "reason": "manual", "by": "brian",
	})

	require.Eventually(t, func() bool { return len(sink.delivered()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "rollout", sink.delivered()[0].Channel)
}

func TestDeliver_RetriesUntilSuccess(t *testing.T) {
	sink := &captureSink{failures: 2}
	d := New(Config{MaxAttempts: 3, RetryBase: time.Millisecond}, nil, nil, sink)
	defer d.Shutdown()

	require.NoError(t, d.Dispatch(context.Background(), &storage.Notification{Subject: "flaky"}))

	require.Eventually(t, func() bool { return len(sink.delivered()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, sink.tries())
}

func TestDeliver_GivesUpAfterMaxAttempts(t *testing.T) {
	sink := &captureSink{failures: 100}
	d := New(Config{MaxAttempts: 2, RetryBase: time.Millisecond}, nil, nil, sink)
	defer d.Shutdown()

	require.NoError(t, d.Dispatch(context.Background(), &storage.Notification{Subject: "doomed"}))

	require.Eventually(t, func() bool { return sink.tries() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, sink.tries())
	assert.Empty(t, sink.delivered())
}

func TestShutdown_DrainsAndIsIdempotent(t *testing.T) {
	store := storage.NewMemory()
	sink := &captureSink{delay: 5 * time.Millisecond}
	d := New(Config{Workers: 2, RetryBase: time.Millisecond}, store, nil, sink)

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Dispatch(context.Background(), &storage.Notification{Subject: "drain me"}))
	}
	d.Shutdown()
	assert.Len(t, sink.delivered(), 5)

	// Late dispatches persist but are not delivered.
	require.NoError(t, d.Dispatch(context.Background(), &storage.Notification{Subject: "too late"}))
	assert.Len(t, sink.delivered(), 5)
	assert.Equal(t, 6, countRows(t, store))

	d.Shutdown()
}

func TestRecent_ReturnsNewestFirst(t *testing.T) {
	store := storage.NewMemory()
	d := New(Config{}, store, nil, &captureSink{})
	defer d.Shutdown()

	base := time.Now()
	for i, subject := range []string{"first", "second", "third"} {
		require.NoError(t, d.Dispatch(context.Background(), &storage.Notification{
			Subject:   subject,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	rows, err := d.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "third", rows[0].Subject)
	assert.Equal(t, "second", rows[1].Subject)
}

func TestWebhookSink_SignsAndPosts(t *testing.T) {
	var (
		mu      sync.Mutex
		gotBody []byte
		gotHdr  http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = body
		gotHdr = r.Header.Clone()
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "s3cret")
	require.Equal(t, "webhook", sink.Name())

	n := &storage.Notification{
		ID:        "n-1",
		Channel:   "trust",
		Subject:   "Trust regression: stale_data",
		Severity:  "critical",
		CreatedAt: time.Now(),
	}
	require.NoError(t, sink.Deliver(context.Background(), n))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "application/json", gotHdr.Get("Content-Type"))
	assert.Equal(t, "n-1", gotHdr.Get("X-Atlas-Notification-ID"))
	assert.Equal(t, "trust", gotHdr.Get("X-Atlas-Channel"))
	assert.Equal(t, "sha256="+SignPayload(gotBody, "s3cret"), gotHdr.Get("X-Atlas-Signature"))

	var decoded storage.Notification
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "Trust regression: stale_data", decoded.Subject)
}

func TestWebhookSink_NoSecretSkipsSignature(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Atlas-Signature")
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "")
	require.NoError(t, sink.Deliver(context.Background(), &storage.Notification{ID: "n-2"}))
	assert.Empty(t, gotSig)
}

func TestWebhookSink_ErrorStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "")
	err := sink.Deliver(context.Background(), &storage.Notification{ID: "n-3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestLogSink_AlwaysSucceeds(t *testing.T) {
	sink := LogSink{}
	assert.Equal(t, "log", sink.Name())
	assert.NoError(t, sink.Deliver(context.Background(), &storage.Notification{
		Channel: "budget", Subject: "Budget alert", Severity: "warning",
	}))
}
