package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/brianfofficial/atlas/internal/compress"
	"github.com/brianfofficial/atlas/internal/provider"
	"github.com/brianfofficial/atlas/internal/router"
)

type chatRequest struct {
	Messages    []provider.Message `json:"messages"`
	Complexity  string             `json:"complexity,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	Stop        []string           `json:"stop,omitempty"`
	SessionID   string             `json:"session_id,omitempty"`
	NoCache     bool               `json:"no_cache,omitempty"`
	CacheTTLSec int                `json:"cache_ttl_sec,omitempty"`
}

type compressionReport struct {
	OriginalTokens   int     `json:"original_tokens"`
	CompressedTokens int     `json:"compressed_tokens"`
	Ratio            float64 `json:"ratio"`
	TurnsRemoved     int     `json:"turns_removed"`
}

type chatResponse struct {
	Reply       provider.ModelResponse `json:"reply"`
	Compression compressionReport      `json:"compression"`
}

// routeFailure carries an all-providers-down completion out of the
// dedupe producer as an error, so the failure is never cached.
type routeFailure struct {
	resp provider.ModelResponse
}

func (e *routeFailure) Error() string { return e.resp.Error }

// prepare validates the chat request, folds history through the
// compressor, and returns the provider request plus the report.
func (s *Server) prepare(req *chatRequest) (provider.CompletionRequest, compressionReport, error) {
	if len(req.Messages) == 0 {
		return provider.CompletionRequest{}, compressionReport{}, fmt.Errorf("messages are required")
	}
	if req.Complexity != "" && !router.Complexity(req.Complexity).Valid() {
		return provider.CompletionRequest{}, compressionReport{}, fmt.Errorf("unknown complexity %q", req.Complexity)
	}

	turns := make([]compress.Turn, len(req.Messages))
	for i, m := range req.Messages {
		turns[i] = compress.Turn{Role: m.Role, Content: m.Content}
	}
	result := s.deps.Compress.Compress(turns)

	messages := make([]provider.Message, len(result.Turns))
	for i, t := range result.Turns {
		messages[i] = provider.Message{Role: t.Role, Content: t.Content}
	}
	report := compressionReport{
		OriginalTokens:   result.OriginalTokens,
		CompressedTokens: result.CompressedTokens,
		Ratio:            result.Ratio,
		TurnsRemoved:     result.TurnsRemoved,
	}
	return provider.CompletionRequest{
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
	}, report, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	completion, report, err := s.prepare(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindValidation, err.Error())
		return
	}

	produced := false
	produce := func(ctx context.Context) (interface{}, error) {
		produced = true
		resp := s.deps.Router.Route(ctx, completion, router.Complexity(req.Complexity))
		if resp.FinishReason == provider.FinishError {
			return nil, &routeFailure{resp: resp}
		}
		return chatResponse{Reply: resp, Compression: report}, nil
	}

	if req.NoCache {
		v, err := produce(r.Context())
		if err != nil {
			writeRouteError(w, r, err)
			return
		}
		w.Header().Set("X-Atlas-Cache", "bypass")
		writeJSON(w, http.StatusOK, v)
		return
	}

	// The compressed request is the dedupe key: identical histories
	// compress identically, so replays hit regardless of how the
	// client chunked them.
	scope := []string{claims.Owner, req.SessionID}
	ttl := time.Duration(req.CacheTTLSec) * time.Second
	raw, err := s.deps.Cache.Dedupe(r.Context(), completion, produce, ttl, scope...)
	if err != nil {
		writeRouteError(w, r, err)
		return
	}
	if produced {
		w.Header().Set("X-Atlas-Cache", "miss")
	} else {
		w.Header().Set("X-Atlas-Cache", "hit")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

// writeRouteError distinguishes "every provider failed" from plumbing
// errors. The former is the chain's terminal response, not a bug.
func writeRouteError(w http.ResponseWriter, r *http.Request, err error) {
	var rf *routeFailure
	if errors.As(err, &rf) {
		writeErrorDetails(w, http.StatusServiceUnavailable, kindUnavailable, rf.resp.Error,
			map[string]interface{}{"finish_reason": rf.resp.FinishReason})
		return
	}
	writeServiceError(w, r, err)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireClaims(w, r); !ok {
		return
	}
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	completion, report, err := s.prepare(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindValidation, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, kindInternal, "streaming unsupported")
		return
	}

	chunks, info, err := s.deps.Router.RouteStream(r.Context(), completion, router.Complexity(req.Complexity))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, kindUnavailable, err.Error())
		return
	}

	// The server-wide write timeout would sever long streams.
	http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, "route", map[string]interface{}{
		"provider":    info.Provider,
		"model":       info.Model,
		"complexity":  info.Complexity,
		"depth":       info.Depth,
		"compression": report,
	})
	flusher.Flush()

	for chunk := range chunks {
		if chunk.Done {
			writeSSE(w, "done", chunk)
		} else {
			writeSSE(w, "chunk", chunk)
		}
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, event string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
