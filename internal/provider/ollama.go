package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// OLLAMA ADAPTER
// ============================================================================

// OllamaAdapter speaks the bespoke /api/generate dialect of a local
// Ollama server. Local models carry zero cost.
type OllamaAdapter struct {
	name    string
	baseURL string

	healthClient *http.Client
	client       *http.Client
	streamClient *http.Client
	logger       *log.Logger
}

// NewOllama builds an adapter for a local Ollama server. An empty
// baseURL defaults to the standard local port.
func NewOllama(name, baseURL string) *OllamaAdapter {
	if name == "" {
		name = "ollama"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	return &OllamaAdapter{
		name:         name,
		baseURL:      baseURL,
		healthClient: &http.Client{Timeout: healthTimeout},
		client:       &http.Client{Timeout: completionTimeout},
		streamClient: &http.Client{Timeout: streamTimeout},
		logger:       log.New(log.Writer(), "[PROVIDER:"+name+"] ", log.LstdFlags),
	}
}

func (a *OllamaAdapter) Name() string { return a.name }

// ============================================================================
// WIRE SHAPES
// ============================================================================

type ollamaGenerateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaGenerateResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

type ollamaTagList struct {
	Models []struct {
		Name       string    `json:"name"`
		Size       int64     `json:"size"`
		Digest     string    `json:"digest"`
		ModifiedAt time.Time `json:"modified_at"`
	} `json:"models"`
}

// buildPrompt flattens the message array into "role: content" lines,
// which is how chat context reaches a bare generate endpoint.
func buildPrompt(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// ============================================================================
// OPERATIONS
// ============================================================================

// CheckHealth probes GET /api/tags with the short health timeout. The
// same response doubles as the available-model list.
func (a *OllamaAdapter) CheckHealth(ctx context.Context) ProviderStatus {
	started := time.Now()
	status := ProviderStatus{Provider: a.name, CheckedAt: started.UTC()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", nil)
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

	var tags ollamaTagList
	if err := json.NewDecoder(resp.Body).Decode(&tags); err == nil {
		for _, m := range tags.Models {
			status.AvailableModels = append(status.AvailableModels, m.Name)
		}
	}
	status.Available = true
	return status
}

// ListModels returns the locally pulled models from GET /api/tags.
func (a *OllamaAdapter) ListModels(ctx context.Context) ([]ModelConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", nil)
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

	var tags ollamaTagList
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode tag list: %w", err)
	}

	models := make([]ModelConfig, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, ModelConfig{
			Provider:     a.name,
			Model:        m.Name,
			DisplayName:  m.Name,
			Local:        true,
			Capabilities: defaultCapabilities(true),
			SizeBytes:    m.Size,
			Digest:       m.Digest,
			ModifiedAt:   m.ModifiedAt,
		})
	}
	return models, nil
}

// Complete runs one generation. Failures come back error-shaped.
func (a *OllamaAdapter) Complete(ctx context.Context, req CompletionRequest, model string) ModelResponse {
	started := time.Now()

	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  model,
		Prompt: buildPrompt(req.Messages),
		Stream: false,
		Options: ollamaOptions{
			NumPredict:  req.MaxTokens,
			Temperature: req.Temperature,
			Stop:        req.Stop,
		},
	})
	if err != nil {
		return errorResponse(a.name, model, started, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return errorResponse(a.name, model, started, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return errorResponse(a.name, model, started, err)
	}
	defer resp.Body.Close()

	var parsed ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return errorResponse(a.name, model, started, fmt.Errorf("decode response: %w", err))
	}
	if resp.StatusCode != http.StatusOK || parsed.Error != "" {
		msg := parsed.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return errorResponse(a.name, model, started, fmt.Errorf("%s", msg))
	}

	usage := Usage{
		InputTokens:  parsed.PromptEvalCount,
		OutputTokens: parsed.EvalCount,
	}
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		usage = estimateUsage(req.Messages, parsed.Response)
	} else {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}

	return ModelResponse{
		Provider:     a.name,
		Model:        model,
		Content:      parsed.Response,
		FinishReason: FinishStop,
		Usage:        usage,
		LatencyMS:    time.Since(started).Milliseconds(),
	}
}

// CompleteStream starts a line-delimited JSON stream. The final line has
// done=true and carries the eval counts.
func (a *OllamaAdapter) CompleteStream(ctx context.Context, req CompletionRequest, model string) (<-chan StreamChunk, error) {
	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  model,
		Prompt: buildPrompt(req.Messages),
		Stream: true,
		Options: ollamaOptions{
			NumPredict:  req.MaxTokens,
			Temperature: req.Temperature,
			Stop:        req.Stop,
		},
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

func (a *OllamaAdapter) readStream(ctx context.Context, body io.ReadCloser, req CompletionRequest, out chan<- StreamChunk) {
	defer close(out)
	defer body.Close()

	var (
		contentChars int
		finish       = FinishStop
		usage        *Usage
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
		if line == "" {
			continue
		}

		var frame ollamaGenerateResponse
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			// Malformed lines are skipped, not fatal.
			continue
		}

		if frame.Done {
			u := Usage{
				InputTokens:  frame.PromptEvalCount,
				OutputTokens: frame.EvalCount,
			}
			if u.InputTokens == 0 && u.OutputTokens == 0 {
				u.InputTokens = EstimateMessageTokens(req.Messages)
				u.OutputTokens = (contentChars + CharsPerToken - 1) / CharsPerToken
				u.Estimated = true
			}
			u.TotalTokens = u.InputTokens + u.OutputTokens
			usage = &u
			break
		}

		if frame.Response == "" {
			continue
		}
		contentChars += len(frame.Response)

		select {
		case out <- StreamChunk{Content: frame.Response}:
		case <-ctx.Done():
			finish = "cancelled"
			break scan
		}
	}

	if err := scanner.Err(); err != nil && finish != "cancelled" {
		a.logger.Printf("Stream read aborted: %v", err)
		finish = FinishError
	}
	if usage == nil {
		u := Usage{
			InputTokens:  EstimateMessageTokens(req.Messages),
			OutputTokens: (contentChars + CharsPerToken - 1) / CharsPerToken,
			Estimated:    true,
		}
		u.TotalTokens = u.InputTokens + u.OutputTokens
		usage = &u
	}

	select {
	case out <- StreamChunk{Done: true, FinishReason: finish, Usage: usage}:
	case <-ctx.Done():
	}
}
