package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// OPENAI-COMPATIBLE ADAPTER
// ============================================================================

// OpenAIAdapter speaks the chat-completions dialect. It also covers local
// servers exposing an OpenAI-compatible endpoint (llama.cpp, vLLM, LM
// Studio) by pointing BaseURL at them.
type OpenAIAdapter struct {
	name    string
	baseURL string
	key     KeyFunc
	local   bool

	// Per-model pricing in USD per 1K tokens, keyed by model id.
	// Models missing from the table cost zero.
	pricing map[string][2]float64

	healthClient *http.Client
	client       *http.Client
	streamClient *http.Client
	logger       *log.Logger
}

// OpenAIOptions configures an OpenAIAdapter.
type OpenAIOptions struct {
	Name    string
	BaseURL string
	Key     KeyFunc
	Local   bool
	Pricing map[string][2]float64 // model → {input, output} USD per 1K
}

// NewOpenAI builds an adapter for an OpenAI-compatible backend.
func NewOpenAI(opts OpenAIOptions) *OpenAIAdapter {
	name := opts.Name
	if name == "" {
		name = "openai"
	}
	baseURL := strings.TrimSuffix(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	key := opts.Key
	if key == nil {
		key = StaticKey("")
	}

	return &OpenAIAdapter{
		name:         name,
		baseURL:      baseURL,
		key:          key,
		local:        opts.Local,
		pricing:      opts.Pricing,
		healthClient: &http.Client{Timeout: healthTimeout},
		client:       &http.Client{Timeout: completionTimeout},
		streamClient: &http.Client{Timeout: streamTimeout},
		logger:       log.New(log.Writer(), "[PROVIDER:"+name+"] ", log.LstdFlags),
	}
}

func (a *OpenAIAdapter) Name() string { return a.name }

// ============================================================================
// WIRE SHAPES
// ============================================================================

type openAIChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type openAIStreamFrame struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type openAIModelList struct {
	Data []struct {
		ID      string `json:"id"`
		OwnedBy string `json:"owned_by"`
	} `json:"data"`
}

// ============================================================================
// OPERATIONS
// ============================================================================

// CheckHealth probes GET /v1/models with the short health timeout. The
// same response doubles as the available-model list.
func (a *OpenAIAdapter) CheckHealth(ctx context.Context) ProviderStatus {
	started := time.Now()
	status := ProviderStatus{Provider: a.name, CheckedAt: started.UTC()}

	req, err := a.newRequest(ctx, http.MethodGet, "/v1/models", nil)
	if err != nil {
		status.Error = err.Error()
		return status
	}

	resp, err := a.healthClient.Do(req)
	if err != nil {
		status.Error = err.Error()
		status.LatencyMS = time.Since(started).Milliseconds()
		return status
	}
	defer resp.Body.Close()

	status.LatencyMS = time.Since(started).Milliseconds()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		status.Error = fmt.Sprintf("status %d", resp.StatusCode)
		return status
	}

	var list openAIModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err == nil {
		for _, m := range list.Data {
			status.AvailableModels = append(status.AvailableModels, m.ID)
		}
	}
	status.Available = true
	return status
}

// ListModels returns the catalog from GET /v1/models.
func (a *OpenAIAdapter) ListModels(ctx context.Context) ([]ModelConfig, error) {
	req, err := a.newRequest(ctx, http.MethodGet, "/v1/models", nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.healthClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list models: status %d", resp.StatusCode)
	}

	var list openAIModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}

	models := make([]ModelConfig, 0, len(list.Data))
	for _, m := range list.Data {
		mc := ModelConfig{
			Provider:     a.name,
			Model:        m.ID,
			DisplayName:  m.ID,
			Local:        a.local,
			Capabilities: defaultCapabilities(a.local),
			OwnedBy:      m.OwnedBy,
		}
		if !a.local {
			if p, ok := a.pricing[m.ID]; ok {
				mc.CostPerInputK = p[0]
				mc.CostPerOutputK = p[1]
			}
		}
		models = append(models, mc)
	}
	return models, nil
}

// Complete runs one chat completion. Failures come back error-shaped.
func (a *OpenAIAdapter) Complete(ctx context.Context, req CompletionRequest, model string) ModelResponse {
	started := time.Now()

	body, err := json.Marshal(openAIChatRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
	})
	if err != nil {
		return errorResponse(a.name, model, started, err)
	}

	httpReq, err := a.newRequest(ctx, http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return errorResponse(a.name, model, started, err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return errorResponse(a.name, model, started, err)
	}
	defer resp.Body.Close()

	var parsed openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return errorResponse(a.name, model, started, fmt.Errorf("decode response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return errorResponse(a.name, model, started, errors.New(msg))
	}
	if len(parsed.Choices) == 0 {
		return errorResponse(a.name, model, started, errors.New("empty choices"))
	}

	content := parsed.Choices[0].Message.Content
	usage := Usage{
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		TotalTokens:  parsed.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage = estimateUsage(req.Messages, content)
	}

	finish := parsed.Choices[0].FinishReason
	if finish == "" {
		finish = FinishStop
	}

	return ModelResponse{
		Provider:     a.name,
		Model:        model,
		Content:      content,
		FinishReason: finish,
		Usage:        usage,
		LatencyMS:    time.Since(started).Milliseconds(),
	}
}

// CompleteStream starts an SSE stream of deltas. Frames arrive as
// "data: <json>" lines and end with "data: [DONE]".
func (a *OpenAIAdapter) CompleteStream(ctx context.Context, req CompletionRequest, model string) (<-chan StreamChunk, error) {
	body, err := json.Marshal(openAIChatRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
		Stream:      true,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := a.newRequest(ctx, http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	resp, err := a.streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("start stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("start stream: status %d", resp.StatusCode)
	}

	out := make(chan StreamChunk)
	go a.readStream(ctx, resp.Body, req, out)
	return out, nil
}

// readStream scans SSE frames, buffering partial lines across reads.
func (a *OpenAIAdapter) readStream(ctx context.Context, body io.ReadCloser, req CompletionRequest, out chan<- StreamChunk) {
	defer close(out)
	defer body.Close()

	var (
		contentChars int
		finish       = FinishStop
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

scan:
	for scanner.Scan() {
		if ctx.Err() != nil {
			finish = "cancelled"
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var frame openAIStreamFrame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			// Malformed frames are skipped, not fatal.
			continue
		}
		if len(frame.Choices) == 0 {
			continue
		}
		if fr := frame.Choices[0].FinishReason; fr != "" {
			finish = fr
		}

		delta := frame.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		contentChars += len(delta)

		select {
		case out <- StreamChunk{Content: delta}:
		case <-ctx.Done():
			finish = "cancelled"
			break scan
		}
	}

	if err := scanner.Err(); err != nil && finish != "cancelled" {
		a.logger.Printf("Stream read aborted: %v", err)
		finish = FinishError
	}

	usage := Usage{
		InputTokens:  EstimateMessageTokens(req.Messages),
		OutputTokens: (contentChars + CharsPerToken - 1) / CharsPerToken,
		Estimated:    true,
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens

	select {
	case out <- StreamChunk{Done: true, FinishReason: finish, Usage: &usage}:
	case <-ctx.Done():
	}
}

func (a *OpenAIAdapter) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	key, err := a.key(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve api key: %w", err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req, nil
}

// estimateUsage fills usage from character counts when the backend
// reported none.
func estimateUsage(messages []Message, content string) Usage {
	u := Usage{
		InputTokens:  EstimateMessageTokens(messages),
		OutputTokens: EstimateTokens(content),
		Estimated:    true,
	}
	u.TotalTokens = u.InputTokens + u.OutputTokens
	return u
}
