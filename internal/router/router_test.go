package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianfofficial/atlas/internal/batch"
	"github.com/brianfofficial/atlas/internal/provider"
	"github.com/brianfofficial/atlas/internal/storage"
)

// fakeAdapter scripts provider behavior for routing tests.
type fakeAdapter struct {
	name      string
	available bool
	models    []provider.ModelConfig
	complete  func(model string) provider.ModelResponse
	chunks    []provider.StreamChunk
	streamErr error

	mu    sync.Mutex
	calls []string
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) CheckHealth(ctx context.Context) provider.ProviderStatus {
	names := make([]string, 0, len(f.models))
	for _, m := range f.models {
		names = append(names, m.Model)
	}
	status := provider.ProviderStatus{
		Provider:        f.name,
		Available:       f.available,
		CheckedAt:       time.Now(),
		AvailableModels: names,
	}
	if !f.available {
		status.Error = "connection refused"
	}
	return status
}

func (f *fakeAdapter) ListModels(ctx context.Context) ([]provider.ModelConfig, error) {
	return f.models, nil
}

func (f *fakeAdapter) Complete(ctx context.Context, req provider.CompletionRequest, model string) provider.ModelResponse {
	f.mu.Lock()
	f.calls = append(f.calls, model)
	f.mu.Unlock()
	if f.complete != nil {
		return f.complete(model)
	}
	return provider.ModelResponse{
		Provider:     f.name,
		Model:        model,
		Content:      "ok from " + f.name,
		FinishReason: provider.FinishStop,
		Usage:        provider.Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
	}
}

func (f *fakeAdapter) CompleteStream(ctx context.Context, req provider.CompletionRequest, model string) (<-chan provider.StreamChunk, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan provider.StreamChunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeAdapter) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type captureCosts struct {
	mu      sync.Mutex
	entries []*storage.CostEntry
}

func (c *captureCosts) Record(ctx context.Context, e *storage.CostEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

func newTestRouter(cfg Config, costs CostRecorder, adapters ...*fakeAdapter) (*Router, []provider.Adapter) {
	var as []provider.Adapter
	for _, a := range adapters {
		as = append(as, a)
	}
	health := provider.NewHealthCache(as, time.Minute, nil)
	r := New(cfg, health, costs, nil, nil)
	for _, a := range adapters {
		r.Register(a, strings.HasPrefix(a.name, "ollama"))
	}
	return r, as
}

// ============================================================================
// CLASSIFICATION
// ============================================================================

func TestClassifyPrompt(t *testing.T) {
	tests := []struct {
		prompt string
		want   Complexity
	}{
		{"Design and architect a microservices system for 1M rps.", Complex},
		{"Refactor this function to be thread safe", Complex},
		{"Find the security vulnerability in this snippet", Complex},
		{"Choose a data structure for range queries", Complex},
		{"What time is it?", Simple},
		{"list the files in this folder", Simple},
		{"Summarize this article", Simple},
		{"translate this to French please", Simple},
		{strings.Repeat("a", 50), Simple},
		{strings.Repeat("word ", 100), Moderate},
		{strings.Repeat("lorem ipsum ", 200), Complex},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyPrompt(tt.prompt), "prompt=%q", tt.prompt)
	}
}

func TestClassifyPrompt_ComplexBeatsSimple(t *testing.T) {
	// Contains "list" (simple) and "optimize" (complex): complex wins.
	assert.Equal(t, Complex, ClassifyPrompt("list the ways to optimize this query"))
}

// ============================================================================
// CANDIDATE SELECTION
// ============================================================================

func TestCandidates_DedupPreservesOrder(t *testing.T) {
	r, _ := newTestRouter(Config{
		Rules: Rules{
			Complex: []string{"anthropic:claude-3.5-sonnet", "openai:gpt-4o"},
		},
		FallbackChain: []string{"openai:gpt-4o", "anthropic:claude-3-opus"},
	}, nil)

	got := r.Candidates(Complex)
	require.Len(t, got, 3)
	assert.Equal(t, "anthropic:claude-3.5-sonnet", got[0].String())
	assert.Equal(t, "openai:gpt-4o", got[1].String())
	assert.Equal(t, "anthropic:claude-3-opus", got[2].String())
}

func TestParseSpec_BareModelNeedsLocalProvider(t *testing.T) {
	ollama := &fakeAdapter{name: "ollama", available: true}
	r, _ := newTestRouter(Config{}, nil, ollama)

	ms, ok := r.ParseSpec("llama3")
	require.True(t, ok)
	assert.Equal(t, "ollama", ms.Provider)
	assert.Equal(t, "llama3", ms.Model)

	empty, _ := newTestRouter(Config{}, nil)
	_, ok = empty.ParseSpec("llama3")
	assert.False(t, ok)
}

// ============================================================================
// ROUTING
// ============================================================================

// Complex prompt with the primary provider down routes to the first
// healthy candidate.
func TestRoute_PrimaryDownFallsBack(t *testing.T) {
	anthropic := &fakeAdapter{
		name:      "anthropic",
		available: true,
		models: []provider.ModelConfig{
			{Provider: "anthropic", Model: "claude-3.5-sonnet", CostPerInputK: 0.003, CostPerOutputK: 0.015},
			{Provider: "anthropic", Model: "claude-3-opus"},
		},
	}
	openai := &fakeAdapter{name: "openai", available: false}

	costs := &captureCosts{}
	r, _ := newTestRouter(Config{
		Rules:                Rules{Complex: []string{"anthropic:claude-3.5-sonnet", "openai:gpt-4o"}},
		FallbackChain:        []string{"anthropic:claude-3-opus"},
		AutoDetectComplexity: true,
	}, costs, anthropic, openai)

	resp := r.Route(context.Background(), provider.CompletionRequest{
		Messages: []provider.Message{{Role: "user", Content: "Design and architect a microservices system for 1M rps."}},
	}, "")

	assert.Equal(t, "anthropic", resp.Provider)
	assert.Equal(t, "claude-3.5-sonnet", resp.Model)
	assert.Equal(t, provider.FinishStop, resp.FinishReason)
	assert.Equal(t, []string{"claude-3.5-sonnet"}, anthropic.called())
	assert.Empty(t, openai.called())

	require.Len(t, costs.entries, 1)
	// 10/1000*0.003 + 20/1000*0.015
	assert.InDelta(t, 0.00033, costs.entries[0].CostUSD, 1e-9)
	assert.Equal(t, "complex", costs.entries[0].TaskType)
}

// Simple prompt served by a healthy local model costs nothing.
func TestRoute_SimplePromptLocalHit(t *testing.T) {
	ollama := &fakeAdapter{
		name:      "ollama",
		available: true,
		models:    []provider.ModelConfig{{Provider: "ollama", Model: "llama3", Local: true}},
	}

	costs := &captureCosts{}
	r, _ := newTestRouter(Config{
		Rules:                Rules{Simple: []string{"ollama:llama3"}},
		AutoDetectComplexity: true,
	}, costs, ollama)

	resp := r.Route(context.Background(), provider.CompletionRequest{
		Messages: []provider.Message{{Role: "user", Content: "What time is it?"}},
	}, "")

	assert.Equal(t, "ollama", resp.Provider)
	assert.Equal(t, "llama3", resp.Model)
	assert.Equal(t, provider.FinishStop, resp.FinishReason)

	require.Len(t, costs.entries, 1)
	assert.Zero(t, costs.entries[0].CostUSD)
	assert.Equal(t, "simple", costs.entries[0].TaskType)
}

func TestRoute_ErrorResponsesTryNextCandidate(t *testing.T) {
	flaky := &fakeAdapter{
		name:      "openai",
		available: true,
		models: []provider.ModelConfig{
			{Provider: "openai", Model: "gpt-4o"},
			{Provider: "openai", Model: "gpt-4o-mini"},
		},
		complete: func(model string) provider.ModelResponse {
			if model == "gpt-4o" {
				return provider.ModelResponse{Provider: "openai", Model: model, FinishReason: provider.FinishError, Error: "500"}
			}
			return provider.ModelResponse{Provider: "openai", Model: model, FinishReason: provider.FinishStop, Content: "ok"}
		},
	}

	r, _ := newTestRouter(Config{
		Rules: Rules{Moderate: []string{"openai:gpt-4o", "openai:gpt-4o-mini"}},
	}, nil, flaky)

	resp := r.Route(context.Background(), provider.CompletionRequest{
		Messages: []provider.Message{{Role: "user", Content: "hello"}},
	}, Moderate)

	assert.Equal(t, "gpt-4o-mini", resp.Model)
	assert.Equal(t, provider.FinishStop, resp.FinishReason)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, flaky.called())
}

func TestRoute_AllCandidatesFail(t *testing.T) {
	down := &fakeAdapter{name: "openai", available: false}
	r, _ := newTestRouter(Config{
		Rules:         Rules{Moderate: []string{"openai:gpt-4o"}},
		FallbackChain: []string{"openai:gpt-3.5-turbo"},
	}, nil, down)

	resp := r.Route(context.Background(), provider.CompletionRequest{
		Messages: []provider.Message{{Role: "user", Content: "hello"}},
	}, Moderate)

	assert.Equal(t, "none", resp.Model)
	assert.Equal(t, provider.FinishError, resp.FinishReason)
	assert.Equal(t, "all models failed or unavailable", resp.Error)
	assert.Empty(t, down.called())
}

func TestRoute_SkipsModelsTheProviderDoesNotServe(t *testing.T) {
	ollama := &fakeAdapter{
		name:      "ollama",
		available: true,
		models:    []provider.ModelConfig{{Provider: "ollama", Model: "llama3", Local: true}},
	}
	r, _ := newTestRouter(Config{
		Rules: Rules{Simple: []string{"ollama:mistral", "ollama:llama3"}},
	}, nil, ollama)

	resp := r.Route(context.Background(), provider.CompletionRequest{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	}, Simple)

	assert.Equal(t, "llama3", resp.Model)
	assert.Equal(t, []string{"llama3"}, ollama.called())
}

func TestRoute_PreferredComplexityOverridesDetection(t *testing.T) {
	a := &fakeAdapter{
		name:      "openai",
		available: true,
		models:    []provider.ModelConfig{{Provider: "openai", Model: "gpt-4o"}},
	}
	r, _ := newTestRouter(Config{
		Rules:                Rules{Complex: []string{"openai:gpt-4o"}},
		AutoDetectComplexity: true,
	}, nil, a)

	// "hi" would classify simple; the explicit preference forces complex.
	resp := r.Route(context.Background(), provider.CompletionRequest{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	}, Complex)

	assert.Equal(t, "gpt-4o", resp.Model)
}

// ============================================================================
// STREAMING
// ============================================================================

func TestRouteStream_PassesChunksThrough(t *testing.T) {
	a := &fakeAdapter{
		name:      "ollama",
		available: true,
		models:    []provider.ModelConfig{{Provider: "ollama", Model: "llama3", Local: true}},
		chunks: []provider.StreamChunk{
			{Content: "hel"},
			{Content: "lo"},
			{Done: true, FinishReason: provider.FinishStop, Usage: &provider.Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3}},
		},
	}
	costs := &captureCosts{}
	r, _ := newTestRouter(Config{
		Rules: Rules{Simple: []string{"ollama:llama3"}},
	}, costs, a)

	ch, info, err := r.RouteStream(context.Background(), provider.CompletionRequest{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	}, Simple)
	require.NoError(t, err)
	assert.Equal(t, "ollama", info.Provider)
	assert.Equal(t, "llama3", info.Model)

	var got []provider.StreamChunk
	for c := range ch {
		got = append(got, c)
	}
	require.Len(t, got, 3)
	assert.Equal(t, "hel", got[0].Content)
	assert.Equal(t, "lo", got[1].Content)
	assert.True(t, got[2].Done)

	// Final chunk's usage is booked as a cost entry.
	require.Len(t, costs.entries, 1)
	assert.Equal(t, 1, costs.entries[0].InputTokens)
	assert.Equal(t, 2, costs.entries[0].OutputTokens)
}

func TestRouteStream_AllRefused(t *testing.T) {
	a := &fakeAdapter{
		name:      "openai",
		available: true,
		models:    []provider.ModelConfig{{Provider: "openai", Model: "gpt-4o"}},
		streamErr: errors.New("stream not supported"),
	}
	r, _ := newTestRouter(Config{
		Rules: Rules{Moderate: []string{"openai:gpt-4o"}},
	}, nil, a)

	_, _, err := r.RouteStream(context.Background(), provider.CompletionRequest{
		Messages: []provider.Message{{Role: "user", Content: "hello"}},
	}, Moderate)
	assert.Error(t, err)
}

// ============================================================================
// BATCHED COMPLETIONS
// ============================================================================

func TestRoute_ThroughBatcher(t *testing.T) {
	a := &fakeAdapter{
		name:      "openai",
		available: true,
		models:    []provider.ModelConfig{{Provider: "openai", Model: "gpt-4o"}},
	}
	r, _ := newTestRouter(Config{
		Rules: Rules{Moderate: []string{"openai:gpt-4o"}},
	}, nil, a)

	b := batch.New(batch.Config{MaxBatchSize: 2, MaxWait: 10 * time.Millisecond}, r.BatchProcessor(), nil)
	defer b.Shutdown(context.Background())
	r.AttachBatcher(b)

	var wg sync.WaitGroup
	responses := make([]provider.ModelResponse, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i] = r.Route(context.Background(), provider.CompletionRequest{
				Messages: []provider.Message{{Role: "user", Content: "hello"}},
			}, Moderate)
		}(i)
	}
	wg.Wait()

	for _, resp := range responses {
		assert.Equal(t, provider.FinishStop, resp.FinishReason)
		assert.Equal(t, "gpt-4o", resp.Model)
	}
	assert.Len(t, a.called(), 2)
}

func TestBatchProcessor_UnknownProvider(t *testing.T) {
	r, _ := newTestRouter(Config{}, nil)
	_, err := r.BatchProcessor()(context.Background(), "ghost:m", []interface{}{provider.CompletionRequest{}})
	assert.Error(t, err)
}
