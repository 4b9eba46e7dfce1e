package provider

import (
	"context"
	"errors"
	"time"

	"github.com/brianfofficial/atlas/internal/circuitbreaker"
)

// ============================================================================
// BREAKER-GUARDED ADAPTER
// ============================================================================

// Guarded wraps an Adapter with a circuit breaker. An open breaker
// short-circuits Complete into the standard error-shaped response and
// refuses new streams, so dead backends cost nothing per attempt.
type Guarded struct {
	inner Adapter
	cb    *circuitbreaker.CircuitBreaker
}

// Guard wraps the adapter. A nil breaker gets the provider defaults.
func Guard(inner Adapter, cb *circuitbreaker.CircuitBreaker) *Guarded {
	if cb == nil {
		cb = circuitbreaker.New(circuitbreaker.ProviderConfig(inner.Name()))
	}
	return &Guarded{inner: inner, cb: cb}
}

func (g *Guarded) Name() string { return g.inner.Name() }

// Breaker exposes the underlying breaker for status reporting.
func (g *Guarded) Breaker() *circuitbreaker.CircuitBreaker { return g.cb }

// CheckHealth passes through. Health probes are cheap and independent of
// the completion path, and recovery detection depends on them.
func (g *Guarded) CheckHealth(ctx context.Context) ProviderStatus {
	return g.inner.CheckHealth(ctx)
}

func (g *Guarded) ListModels(ctx context.Context) ([]ModelConfig, error) {
	return g.inner.ListModels(ctx)
}

// Complete records error-shaped responses as breaker failures. When the
// breaker is open the inner adapter is never called.
func (g *Guarded) Complete(ctx context.Context, req CompletionRequest, model string) ModelResponse {
	started := time.Now()

	result, err := g.cb.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		resp := g.inner.Complete(ctx, req, model)
		if resp.FinishReason == FinishError {
			return resp, errors.New(resp.Error)
		}
		return resp, nil
	})

	if resp, ok := result.(ModelResponse); ok {
		return resp
	}
	// The breaker rejected the call before it ran.
	return errorResponse(g.inner.Name(), model, started, err)
}

// CompleteStream counts stream establishment against the breaker.
func (g *Guarded) CompleteStream(ctx context.Context, req CompletionRequest, model string) (<-chan StreamChunk, error) {
	result, err := g.cb.Execute(func() (interface{}, error) {
		return g.inner.CompleteStream(ctx, req, model)
	})
	if err != nil {
		return nil, err
	}
	return result.(<-chan StreamChunk), nil
}
