// Package router picks a model for each request and drives the fallback
// chain. Selection consults the health cache only; no network I/O ever
// happens under the registry lock. Like the adapters beneath it, Route
// never returns an error: when every candidate is down the caller gets a
// synthetic error-shaped response.
package router

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/brianfofficial/atlas/internal/batch"
	"github.com/brianfofficial/atlas/internal/events"
	"github.com/brianfofficial/atlas/internal/provider"
	"github.com/brianfofficial/atlas/internal/storage"
)

// ============================================================================
// CONFIG
// ============================================================================

// Rules holds the candidate model specs per complexity class, in
// preference order.
type Rules struct {
	Simple   []string `json:"simple" yaml:"simple"`
	Moderate []string `json:"moderate" yaml:"moderate"`
	Complex  []string `json:"complex" yaml:"complex"`
}

// Config tunes the router.
type Config struct {
	Rules                Rules    `json:"rules" yaml:"rules"`
	FallbackChain        []string `json:"fallback_chain" yaml:"fallback_chain"`
	AutoDetectComplexity bool     `json:"auto_detect_complexity" yaml:"auto_detect_complexity"`
	MaxLatencyMS         int      `json:"max_latency_ms" yaml:"max_latency_ms"`
}

// ModelSpec is a parsed "provider:model" reference. Bare model names
// resolve to the first registered local provider.
type ModelSpec struct {
	Provider string
	Model    string
}

func (s ModelSpec) String() string { return s.Provider + ":" + s.Model }

// CostRecorder receives one accounting row per successful completion.
// *costs.Tracker satisfies it.
type CostRecorder interface {
	Record(ctx context.Context, e *storage.CostEntry) error
}

// MetricsRecorder is the slice of instrumentation the router feeds.
// *metrics.Metrics satisfies it.
type MetricsRecorder interface {
	RecordRoute(complexity string, fallbackDepth int)
	RecordCompletion(provider, model, finishReason string, latencySec float64, inputTokens, outputTokens int, costUSD float64)
}

// ============================================================================
// ROUTER
// ============================================================================

// Router holds the provider registry and the routing rules.
type Router struct {
	health  *provider.HealthCache
	costs   CostRecorder
	metrics MetricsRecorder
	emitter events.Emitter
	logger  *log.Logger

	mu       sync.RWMutex
	adapters map[string]provider.Adapter
	locals   []string // registration order; locals[0] resolves bare specs
	cfg      Config

	// Optional: when attached, non-streaming completions ride the
	// batcher so same-model bursts coalesce under bounded concurrency.
	batcher *batch.Batcher
}

// New builds a router over the health cache. costs, metrics and emitter
// may each be nil.
func New(cfg Config, health *provider.HealthCache, costs CostRecorder, metrics MetricsRecorder, emitter events.Emitter) *Router {
	return &Router{
		health:   health,
		costs:    costs,
		metrics:  metrics,
		emitter:  emitter,
		logger:   log.New(log.Writer(), "[ROUTER] ", log.LstdFlags),
		adapters: make(map[string]provider.Adapter),
		cfg:      cfg,
	}
}

// Register adds an adapter to the registry. Local providers are also
// remembered in order so bare model specs can resolve.
func (r *Router) Register(a provider.Adapter, local bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
	if local {
		r.locals = append(r.locals, a.Name())
	}
}

// AttachBatcher routes non-streaming completions through b. Call once
// during wiring, before traffic.
func (r *Router) AttachBatcher(b *batch.Batcher) { r.batcher = b }

// Providers returns the registered adapter names.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// Config returns a copy of the active routing configuration.
func (r *Router) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// SetConfig swaps the routing rules at runtime (selection_set).
func (r *Router) SetConfig(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Router) adapter(name string) provider.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[name]
}

// ParseSpec resolves "provider:model" or a bare "model". Bare specs take
// the first registered local provider; with no local provider they do
// not resolve.
func (r *Router) ParseSpec(spec string) (ModelSpec, bool) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return ModelSpec{}, false
	}
	if i := strings.IndexByte(spec, ':'); i >= 0 {
		ms := ModelSpec{Provider: spec[:i], Model: spec[i+1:]}
		return ms, ms.Provider != "" && ms.Model != ""
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.locals) == 0 {
		return ModelSpec{}, false
	}
	return ModelSpec{Provider: r.locals[0], Model: spec}, true
}

// Candidates builds the ordered, deduplicated candidate list for a
// complexity class: the class rules first, then the fallback chain.
func (r *Router) Candidates(c Complexity) []ModelSpec {
	r.mu.RLock()
	rules := r.cfg.Rules
	fallback := r.cfg.FallbackChain
	r.mu.RUnlock()

	var raw []string
	switch c {
	case Simple:
		raw = rules.Simple
	case Moderate:
		raw = rules.Moderate
	case Complex:
		raw = rules.Complex
	}
	raw = append(append([]string(nil), raw...), fallback...)

	seen := make(map[string]bool, len(raw))
	specs := make([]ModelSpec, 0, len(raw))
	for _, s := range raw {
		ms, ok := r.ParseSpec(s)
		if !ok || seen[ms.String()] {
			continue
		}
		seen[ms.String()] = true
		specs = append(specs, ms)
	}
	return specs
}

// ============================================================================
// ROUTING
// ============================================================================

// Route selects a model for req and returns the first non-error
// completion. preferred overrides auto-detection when valid; otherwise
// the prompt is classified from its last user message.
func (r *Router) Route(ctx context.Context, req provider.CompletionRequest, preferred Complexity) provider.ModelResponse {
	complexity := r.resolveComplexity(req, preferred)
	candidates := r.Candidates(complexity)

	for depth, spec := range candidates {
		adapter, status := r.probe(ctx, spec)
		if adapter == nil {
			continue
		}
		if !modelServed(status, spec.Model) {
			continue
		}

		resp := r.complete(ctx, adapter, spec, req, complexity)
		if resp.FinishReason == provider.FinishError {
			r.logger.Printf("Candidate %s failed: %s", spec, resp.Error)
			continue
		}

		r.observe(ctx, resp, complexity, depth)
		return resp
	}

	if r.metrics != nil {
		r.metrics.RecordRoute(string(complexity), len(candidates))
	}
	r.logger.Printf("All %d candidates failed or unavailable (complexity=%s)", len(candidates), complexity)
	return provider.ModelResponse{
		Model:        "none",
		FinishReason: provider.FinishError,
		Error:        "all models failed or unavailable",
	}
}

// RouteInfo reports which candidate accepted a stream.
type RouteInfo struct {
	Provider   string
	Model      string
	Complexity Complexity
	Depth      int
}

// RouteStream selects a candidate with the same logic as Route and hands
// back the accepted provider's chunk channel unchanged. An error means no
// candidate could establish a stream.
func (r *Router) RouteStream(ctx context.Context, req provider.CompletionRequest, preferred Complexity) (<-chan provider.StreamChunk, RouteInfo, error) {
	complexity := r.resolveComplexity(req, preferred)
	candidates := r.Candidates(complexity)

	for depth, spec := range candidates {
		adapter, status := r.probe(ctx, spec)
		if adapter == nil {
			continue
		}
		if !modelServed(status, spec.Model) {
			continue
		}

		ch, err := adapter.CompleteStream(ctx, req, spec.Model)
		if err != nil {
			r.logger.Printf("Stream candidate %s refused: %v", spec, err)
			continue
		}

		if r.metrics != nil {
			r.metrics.RecordRoute(string(complexity), depth)
		}
		r.emit(spec, complexity, depth, true)
		info := RouteInfo{Provider: spec.Provider, Model: spec.Model, Complexity: complexity, Depth: depth}
		return r.meterStream(ctx, ch, info, req), info, nil
	}

	return nil, RouteInfo{Complexity: complexity}, fmt.Errorf("router: all models failed or unavailable")
}

// resolveComplexity applies the preference, then auto-detection, then the
// moderate default.
func (r *Router) resolveComplexity(req provider.CompletionRequest, preferred Complexity) Complexity {
	if preferred.Valid() {
		return preferred
	}
	r.mu.RLock()
	auto := r.cfg.AutoDetectComplexity
	r.mu.RUnlock()
	if !auto {
		return Moderate
	}
	return ClassifyPrompt(lastUserContent(req.Messages))
}

// probe returns the adapter and its health snapshot, or nil when the
// provider is unknown or down.
func (r *Router) probe(ctx context.Context, spec ModelSpec) (provider.Adapter, provider.ProviderStatus) {
	adapter := r.adapter(spec.Provider)
	if adapter == nil {
		return nil, provider.ProviderStatus{}
	}
	status, known := r.health.Status(ctx, spec.Provider)
	if !known || !status.Available {
		return nil, status
	}
	return adapter, status
}

// complete runs one candidate call, through the batcher when attached.
func (r *Router) complete(ctx context.Context, adapter provider.Adapter, spec ModelSpec, req provider.CompletionRequest, complexity Complexity) provider.ModelResponse {
	if r.batcher == nil {
		return adapter.Complete(ctx, req, spec.Model)
	}

	handle, err := r.batcher.Add(ctx, spec.String(), req, priorityFor(complexity))
	if err != nil {
		// Batcher shut down or ctx dead: fall back to a direct call so
		// drain-time requests still complete.
		return adapter.Complete(ctx, req, spec.Model)
	}
	v, err := handle.Wait(ctx)
	if err != nil {
		return provider.ModelResponse{
			Provider:     spec.Provider,
			Model:        spec.Model,
			FinishReason: provider.FinishError,
			Error:        err.Error(),
		}
	}
	resp, ok := v.(provider.ModelResponse)
	if !ok {
		return provider.ModelResponse{
			Provider:     spec.Provider,
			Model:        spec.Model,
			FinishReason: provider.FinishError,
			Error:        "batch returned unexpected result type",
		}
	}
	return resp
}

// BatchProcessor returns the batch.Processor that executes queued
// completions. The batch key is the full "provider:model" spec, so one
// batch never mixes providers.
func (r *Router) BatchProcessor() batch.Processor {
	return func(ctx context.Context, spec string, payloads []interface{}) ([]interface{}, error) {
		ms, ok := r.ParseSpec(spec)
		if !ok {
			return nil, fmt.Errorf("router: bad batch spec %q", spec)
		}
		adapter := r.adapter(ms.Provider)
		if adapter == nil {
			return nil, fmt.Errorf("router: unknown provider %q", ms.Provider)
		}

		results := make([]interface{}, len(payloads))
		for i, p := range payloads {
			req, ok := p.(provider.CompletionRequest)
			if !ok {
				continue // leaves the slot nil; the batcher fails that item
			}
			results[i] = adapter.Complete(ctx, req, ms.Model)
		}
		return results, nil
	}
}

// ============================================================================
// ACCOUNTING
// ============================================================================

// observe books metrics, cost and the routed event for a successful
// completion.
func (r *Router) observe(ctx context.Context, resp provider.ModelResponse, complexity Complexity, depth int) {
	if r.metrics != nil {
		r.metrics.RecordRoute(string(complexity), depth)
	}

	cost := r.costOf(ctx, resp)
	if r.metrics != nil {
		r.metrics.RecordCompletion(resp.Provider, resp.Model, resp.FinishReason,
			float64(resp.LatencyMS)/1000, resp.Usage.InputTokens, resp.Usage.OutputTokens, cost)
	}

	if r.costs != nil {
		entry := &storage.CostEntry{
			Provider:     resp.Provider,
			Model:        resp.Model,
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			CostUSD:      cost,
			TaskType:     string(complexity),
		}
		if err := r.costs.Record(ctx, entry); err != nil {
			r.logger.Printf("Cost entry for %s:%s not recorded: %v", resp.Provider, resp.Model, err)
		}
	}

	r.emit(ModelSpec{Provider: resp.Provider, Model: resp.Model}, complexity, depth, false)
}

// costOf prices a response from the provider's cached catalog. Unknown
// models and local providers cost zero.
func (r *Router) costOf(ctx context.Context, resp provider.ModelResponse) float64 {
	if r.health == nil {
		return 0
	}
	catalog, err := r.health.Catalog(ctx, resp.Provider)
	if err != nil {
		return 0
	}
	for _, mc := range catalog {
		if mc.Model != resp.Model {
			continue
		}
		if mc.Local {
			return 0
		}
		in := float64(resp.Usage.InputTokens) / 1000 * mc.CostPerInputK
		out := float64(resp.Usage.OutputTokens) / 1000 * mc.CostPerOutputK
		return in + out
	}
	return 0
}

// meterStream forwards chunks unchanged and books usage from the final
// done chunk. The inner channel closing closes the outer one.
func (r *Router) meterStream(ctx context.Context, in <-chan provider.StreamChunk, info RouteInfo, req provider.CompletionRequest) <-chan provider.StreamChunk {
	out := make(chan provider.StreamChunk)
	started := time.Now()
	go func() {
		defer close(out)
		for chunk := range in {
			if chunk.Done && chunk.Usage != nil {
				resp := provider.ModelResponse{
					Provider:     info.Provider,
					Model:        info.Model,
					FinishReason: chunk.FinishReason,
					Usage:        *chunk.Usage,
					LatencyMS:    time.Since(started).Milliseconds(),
				}
				r.observe(ctx, resp, info.Complexity, info.Depth)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (r *Router) emit(spec ModelSpec, complexity Complexity, depth int, stream bool) {
	if r.emitter == nil {
		return
	}
	r.emitter.Emit(events.TopicRouterRouted, "router", spec.String(), map[string]interface{}{
		"provider":   spec.Provider,
		"model":      spec.Model,
		"complexity": string(complexity),
		"depth":      depth,
		"stream":     stream,
	})
}

// ============================================================================
// HELPERS
// ============================================================================

// modelServed reports whether the status advertises the model. Providers
// that do not publish a model list are taken at their word.
func modelServed(status provider.ProviderStatus, model string) bool {
	if len(status.AvailableModels) == 0 {
		return true
	}
	for _, m := range status.AvailableModels {
		if m == model {
			return true
		}
	}
	return false
}

// lastUserContent returns the newest user turn, falling back to the last
// message of any role.
func lastUserContent(messages []provider.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	if len(messages) > 0 {
		return messages[len(messages)-1].Content
	}
	return ""
}
