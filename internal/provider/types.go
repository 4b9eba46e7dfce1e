// Package provider adapts external LLM backends to one completion
// contract. Adapters never propagate errors out of Complete: any failure
// becomes a response with finish_reason="error" and zero usage, so the
// router can fall through the chain without unwinding.
package provider

import (
	"context"
	"time"
)

// ============================================================================
// CONTRACT
// ============================================================================

const (
	// CharsPerToken is the estimation divisor when a backend omits usage
	// counts.
	CharsPerToken = 4

	// FinishStop marks a normal completion.
	FinishStop = "stop"
	// FinishLength marks a max_tokens cutoff.
	FinishLength = "length"
	// FinishError marks a failed call surfaced as a response.
	FinishError = "error"

	healthTimeout     = 5 * time.Second
	completionTimeout = 60 * time.Second
	streamTimeout     = 120 * time.Second
)

// Message is one turn of a chat-shaped request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the provider-independent request shape.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

// Usage counts tokens for cost attribution. Estimated when the backend
// does not report them.
type Usage struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	TotalTokens  int  `json:"total_tokens"`
	Estimated    bool `json:"estimated,omitempty"`
}

// ModelResponse is the uniform completion result.
type ModelResponse struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
	LatencyMS    int64  `json:"latency_ms"`
	Error        string `json:"error,omitempty"`
}

// StreamChunk is one streamed delta. The final chunk has Done=true and
// carries the usage totals.
type StreamChunk struct {
	Content      string `json:"content,omitempty"`
	Done         bool   `json:"done"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// Capabilities is the closed capability record carried by ModelConfig.
type Capabilities struct {
	CodeGeneration  bool   `json:"code_generation"`
	CodeExplanation bool   `json:"code_explanation"`
	Reasoning       bool   `json:"reasoning"`
	Creativity      bool   `json:"creativity"`
	Speed           string `json:"speed"`   // fast, medium, slow
	Quality         string `json:"quality"` // basic, good, excellent
}

// defaultCapabilities fills the record when the backend reports nothing.
func defaultCapabilities(local bool) Capabilities {
	caps := Capabilities{
		CodeGeneration:  true,
		CodeExplanation: true,
		Reasoning:       true,
		Creativity:      true,
		Speed:           "medium",
		Quality:         "excellent",
	}
	if local {
		caps.Speed = "fast"
		caps.Quality = "good"
	}
	return caps
}

// ModelConfig describes one servable model. Local models carry zero cost.
type ModelConfig struct {
	Provider       string       `json:"provider"`
	Model          string       `json:"model_id"`
	DisplayName    string       `json:"display_name"`
	ContextWindow  int          `json:"context_window,omitempty"`
	CostPerInputK  float64      `json:"cost_per_1k_input"`
	CostPerOutputK float64      `json:"cost_per_1k_output"`
	Local          bool         `json:"is_local"`
	Capabilities   Capabilities `json:"capabilities"`
	OwnedBy        string       `json:"owned_by,omitempty"`
	SizeBytes      int64        `json:"size_bytes,omitempty"`
	Digest         string       `json:"digest,omitempty"`
	ModifiedAt     time.Time    `json:"modified_at,omitempty"`
}

// ProviderStatus is a point-in-time health snapshot. Stale after 30 s.
type ProviderStatus struct {
	Provider        string    `json:"provider"`
	Available       bool      `json:"available"`
	LatencyMS       int64     `json:"latency_ms,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
	AvailableModels []string  `json:"available_models"`
	Error           string    `json:"error,omitempty"`
}

// Adapter is the uniform provider contract.
type Adapter interface {
	// Name returns the registry key ("openai", "ollama", ...).
	Name() string

	// CheckHealth probes the backend with a short timeout.
	CheckHealth(ctx context.Context) ProviderStatus

	// ListModels returns the backend's servable models.
	ListModels(ctx context.Context) ([]ModelConfig, error)

	// Complete runs one completion. Never returns an error: failures
	// yield finish_reason="error" with Error set.
	Complete(ctx context.Context, req CompletionRequest, model string) ModelResponse

	// CompleteStream starts a streaming completion. The returned channel
	// is closed after the Done chunk. An error here means the stream
	// could not be established at all.
	CompleteStream(ctx context.Context, req CompletionRequest, model string) (<-chan StreamChunk, error)
}

// KeyFunc resolves the API key at call time, so rotation in the vault
// takes effect without restarting the adapter.
type KeyFunc func(ctx context.Context) (string, error)

// StaticKey wraps a fixed key as a KeyFunc.
func StaticKey(key string) KeyFunc {
	return func(context.Context) (string, error) { return key, nil }
}

// ============================================================================
// TOKEN ESTIMATION
// ============================================================================

// EstimateTokens approximates the token count of text as
// ceil(chars / CharsPerToken).
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// EstimateMessageTokens sums the estimate over a message array.
func EstimateMessageTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content)
	}
	return total
}

// errorResponse shapes a failure as the standard non-raising response.
func errorResponse(providerName, model string, started time.Time, err error) ModelResponse {
	return ModelResponse{
		Provider:     providerName,
		Model:        model,
		FinishReason: FinishError,
		LatencyMS:    time.Since(started).Milliseconds(),
		Error:        err.Error(),
	}
}
