package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianfofficial/atlas/internal/circuitbreaker"
	"github.com/brianfofficial/atlas/internal/events"
)

// ============================================================================
// BREAKER + HEALTH CACHE TESTS
// ============================================================================

// fakeAdapter is a scriptable Adapter for breaker and cache tests.
type fakeAdapter struct {
	name        string
	healthDelay time.Duration

	mu            sync.Mutex
	available     bool
	models        []ModelConfig
	failComplete  bool
	healthCalls   int
	listCalls     int
	completeCalls int
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) CheckHealth(ctx context.Context) ProviderStatus {
	if f.healthDelay > 0 {
		time.Sleep(f.healthDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthCalls++
	st := ProviderStatus{Provider: f.name, Available: f.available, CheckedAt: time.Now()}
	if !f.available {
		st.Error = "connection refused"
	}
	return st
}

func (f *fakeAdapter) ListModels(ctx context.Context) ([]ModelConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.models, nil
}

func (f *fakeAdapter) Complete(ctx context.Context, req CompletionRequest, model string) ModelResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	if f.failComplete {
		return ModelResponse{Provider: f.name, Model: model, FinishReason: FinishError, Error: "boom"}
	}
	return ModelResponse{Provider: f.name, Model: model, Content: "ok", FinishReason: FinishStop}
}

func (f *fakeAdapter) CompleteStream(ctx context.Context, req CompletionRequest, model string) (<-chan StreamChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failComplete {
		return nil, errors.New("boom")
	}
	ch := make(chan StreamChunk, 1)
	ch <- StreamChunk{Done: true, FinishReason: FinishStop, Usage: &Usage{}}
	close(ch)
	return ch, nil
}

func (f *fakeAdapter) set(fn func(*fakeAdapter)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeAdapter) calls() (health, list, complete int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthCalls, f.listCalls, f.completeCalls
}

func TestGuarded_OpenBreakerShortCircuits(t *testing.T) {
	inner := &fakeAdapter{name: "flaky", failComplete: true}
	g := Guard(inner, nil)
	ctx := context.Background()

	// Three consecutive failures trip the breaker.
	for i := 0; i < 3; i++ {
		resp := g.Complete(ctx, CompletionRequest{}, "m")
		assert.Equal(t, FinishError, resp.FinishReason)
	}
	assert.Equal(t, circuitbreaker.StateOpen, g.Breaker().State())

	// The next call is error-shaped without touching the adapter.
	resp := g.Complete(ctx, CompletionRequest{}, "m")
	assert.Equal(t, FinishError, resp.FinishReason)
	assert.Contains(t, resp.Error, "circuit breaker is open")

	_, _, completes := inner.calls()
	assert.Equal(t, 3, completes)

	// Streams are refused outright.
	_, err := g.CompleteStream(ctx, CompletionRequest{}, "m")
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
}

func TestGuarded_HalfOpenRecovery(t *testing.T) {
	inner := &fakeAdapter{name: "flaky", failComplete: true}
	cfg := circuitbreaker.ProviderConfig("flaky")
	cfg.Timeout = 30 * time.Millisecond
	cfg.OnStateChange = nil
	g := Guard(inner, circuitbreaker.New(cfg))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		g.Complete(ctx, CompletionRequest{}, "m")
	}
	require.Equal(t, circuitbreaker.StateOpen, g.Breaker().State())

	inner.set(func(f *fakeAdapter) { f.failComplete = false })
	time.Sleep(40 * time.Millisecond)

	// Half-open probe succeeds and closes the breaker.
	resp := g.Complete(ctx, CompletionRequest{}, "m")
	assert.Equal(t, FinishStop, resp.FinishReason)
	assert.Equal(t, circuitbreaker.StateClosed, g.Breaker().State())
}

func TestHealthCache_StatusCachedWithinTTL(t *testing.T) {
	inner := &fakeAdapter{name: "p1", available: true}
	hc := NewHealthCache([]Adapter{inner}, time.Hour, nil)
	ctx := context.Background()

	st, ok := hc.Status(ctx, "p1")
	require.True(t, ok)
	assert.True(t, st.Available)

	// Second lookup is served from the cache.
	_, _ = hc.Status(ctx, "p1")
	health, _, _ := inner.calls()
	assert.Equal(t, 1, health)

	_, ok = hc.Status(ctx, "nope")
	assert.False(t, ok)
}

func TestHealthCache_StaleSnapshotReprobes(t *testing.T) {
	inner := &fakeAdapter{name: "p1", available: true}
	hc := NewHealthCache([]Adapter{inner}, 20*time.Millisecond, nil)
	ctx := context.Background()

	hc.Status(ctx, "p1")
	time.Sleep(30 * time.Millisecond)
	hc.Status(ctx, "p1")

	health, _, _ := inner.calls()
	assert.Equal(t, 2, health)
}

func TestHealthCache_DownAndRecoveredEvents(t *testing.T) {
	inner := &fakeAdapter{name: "p1", available: true}
	bus := events.NewBus()
	sub := bus.Subscribe(10, "provider.")
	defer sub.Close()

	hc := NewHealthCache([]Adapter{inner}, time.Nanosecond, bus)
	ctx := context.Background()

	hc.Status(ctx, "p1") // healthy, no event

	inner.set(func(f *fakeAdapter) { f.available = false })
	hc.Status(ctx, "p1") // transition down

	inner.set(func(f *fakeAdapter) { f.available = true })
	hc.Status(ctx, "p1") // transition up

	require.Len(t, sub.C, 2)
	first := <-sub.C
	second := <-sub.C
	assert.Equal(t, events.TopicProviderDown, first.Topic)
	assert.Equal(t, events.TopicProviderRecovered, second.Topic)
}

func TestHealthCache_RefreshAllFansOut(t *testing.T) {
	adapters := []Adapter{
		&fakeAdapter{name: "a", available: true, healthDelay: 80 * time.Millisecond},
		&fakeAdapter{name: "b", available: true, healthDelay: 80 * time.Millisecond},
		&fakeAdapter{name: "c", available: false, healthDelay: 80 * time.Millisecond},
	}
	hc := NewHealthCache(adapters, time.Hour, nil)

	started := time.Now()
	results := hc.RefreshAll(context.Background())
	elapsed := time.Since(started)

	require.Len(t, results, 3)
	assert.True(t, results["a"].Available)
	assert.False(t, results["c"].Available)
	// Serial execution would take 240ms.
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestHealthCache_CatalogInvalidation(t *testing.T) {
	inner := &fakeAdapter{name: "p1", available: true, models: []ModelConfig{
		{Provider: "p1", Model: "m1", Local: true},
	}}
	hc := NewHealthCache([]Adapter{inner}, time.Hour, nil)
	ctx := context.Background()

	models, err := hc.Catalog(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, models, 1)

	// Cached until invalidated.
	_, _ = hc.Catalog(ctx, "p1")
	_, list, _ := inner.calls()
	assert.Equal(t, 1, list)

	hc.InvalidateCatalog("p1")
	_, err = hc.Catalog(ctx, "p1")
	require.NoError(t, err)
	_, list, _ = inner.calls()
	assert.Equal(t, 2, list)
}
