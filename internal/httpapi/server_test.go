package httpapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianfofficial/atlas/internal/approval"
	"github.com/brianfofficial/atlas/internal/audit"
	"github.com/brianfofficial/atlas/internal/auth"
	"github.com/brianfofficial/atlas/internal/cache"
	"github.com/brianfofficial/atlas/internal/compress"
	"github.com/brianfofficial/atlas/internal/config"
	"github.com/brianfofficial/atlas/internal/costs"
	"github.com/brianfofficial/atlas/internal/events"
	"github.com/brianfofficial/atlas/internal/gc"
	"github.com/brianfofficial/atlas/internal/notify"
	"github.com/brianfofficial/atlas/internal/provider"
	"github.com/brianfofficial/atlas/internal/rollout"
	"github.com/brianfofficial/atlas/internal/router"
	"github.com/brianfofficial/atlas/internal/sandbox"
	"github.com/brianfofficial/atlas/internal/storage"
	"github.com/brianfofficial/atlas/internal/trust"
	"github.com/brianfofficial/atlas/internal/undo"
	"github.com/brianfofficial/atlas/internal/vault"
)

// stubAdapter is a scripted provider backend.
type stubAdapter struct {
	mu    sync.Mutex
	reply string
	fail  bool
	calls int
}

func (a *stubAdapter) Name() string { return "stub" }

func (a *stubAdapter) CheckHealth(context.Context) provider.ProviderStatus {
	return provider.ProviderStatus{
		Provider:        "stub",
		Available:       true,
		CheckedAt:       time.Now(),
		AvailableModels: []string{"stub-small"},
	}
}

func (a *stubAdapter) ListModels(context.Context) ([]provider.ModelConfig, error) {
	return []provider.ModelConfig{{
		Provider: "stub", Model: "stub-small", DisplayName: "Stub Small", Local: true,
	}}, nil
}

func (a *stubAdapter) Complete(_ context.Context, req provider.CompletionRequest, model string) provider.ModelResponse {
	a.mu.Lock()
	a.calls++
	reply, fail := a.reply, a.fail
	a.mu.Unlock()
	if fail {
		return provider.ModelResponse{
			Provider: "stub", Model: model, FinishReason: provider.FinishError, Error: "stub down",
		}
	}
	if reply == "" {
		reply = "ok"
	}
	return provider.ModelResponse{
		Provider: "stub", Model: model, Content: reply,
		FinishReason: provider.FinishStop,
		Usage:        provider.Usage{InputTokens: len(req.Messages), OutputTokens: 2, TotalTokens: len(req.Messages) + 2},
		LatencyMS:    3,
	}
}

func (a *stubAdapter) CompleteStream(_ context.Context, _ provider.CompletionRequest, model string) (<-chan provider.StreamChunk, error) {
	a.mu.Lock()
	fail := a.fail
	a.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("stub down")
	}
	ch := make(chan provider.StreamChunk, 3)
	ch <- provider.StreamChunk{Content: "hel"}
	ch <- provider.StreamChunk{Content: "lo"}
	ch <- provider.StreamChunk{Done: true, FinishReason: provider.FinishStop, Usage: &provider.Usage{TotalTokens: 5}}
	close(ch)
	return ch, nil
}

func (a *stubAdapter) completions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *stubAdapter) setFail(fail bool) {
	a.mu.Lock()
	a.fail = fail
	a.mu.Unlock()
}

// testEnv is a full in-memory gateway behind a real listener. One
// device is paired during setup; its access token authenticates every
// request made through do().
type testEnv struct {
	ts    *httptest.Server
	srv   *Server
	store *storage.Memory
	bus   *events.Bus
	stub  *stubAdapter

	owner    string
	deviceID string
	tokens   *auth.TokenPair
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemory()
	bus := events.NewBus()
	auditor := audit.New(store)

	vlt, err := vault.New(ctx, store, auditor, "unit-test-master-seed")
	require.NoError(t, err)

	authSvc, err := auth.New(store, auditor, auth.Config{
		TokenSecret: "0123456789abcdef0123456789abcdef",
	})
	require.NoError(t, err)

	stub := &stubAdapter{}
	health := provider.NewHealthCache([]provider.Adapter{stub}, time.Minute, bus)
	tracker := costs.New(store, bus, costs.Budget{})

	spec := "stub:stub-small"
	rt := router.New(router.Config{
		Rules: router.Rules{
			Simple:   []string{spec},
			Moderate: []string{spec},
			Complex:  []string{spec},
		},
		FallbackChain:        []string{spec},
		AutoDetectComplexity: true,
	}, health, tracker, nil, bus)
	rt.Register(stub, true)

	dedupe := cache.New(cache.Config{SweepEvery: time.Hour}, nil)
	approvals := approval.New(approval.Config{SweepEvery: time.Hour}, store, approval.NewScorer(approval.ScorerConfig{}), auditor, bus, nil)
	noop := sandbox.NewNoopExecutor(sandbox.NewAllowlist("echo", "git", "touch", "rm"))
	undoMgr := undo.New(undo.Config{UndoWindow: time.Minute}, noop, approvals, auditor, bus)

	rolloutCtl, err := rollout.New(ctx, rollout.Config{CleanDayEvery: time.Hour}, store, auditor, bus)
	require.NoError(t, err)
	trustMon := trust.New(trust.Config{Refresh: time.Hour}, store, auditor, bus, rolloutCtl, nil)

	gcSched := gc.New(gc.Config{Interval: time.Hour}, gc.Deps{
		Sessions: authSvc,
		Caches:   []gc.CachePurger{dedupe},
		Bus:      bus,
	})
	notifier := notify.New(notify.Config{Workers: 1}, store, nil, &notify.LogSink{})

	srv := New(config.ServerConfig{
		Addr:             "127.0.0.1:0",
		ReadTimeoutSec:   5,
		WriteTimeoutSec:  30,
		CORSAllowOrigins: []string{"*"},
		RateLimitPerMin:  100000,
	}, Deps{
		Auth:      authSvc,
		Vault:     vlt,
		Router:    rt,
		Health:    health,
		Cache:     dedupe,
		Compress:  compress.New(compress.Config{}),
		Costs:     tracker,
		Approvals: approvals,
		Undo:      undoMgr,
		Sandbox:   noop,
		Trust:     trustMon,
		Rollout:   rolloutCtl,
		Audit:     auditor,
		GC:        gcSched,
		Notify:    notifier,
		Bus:       bus,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		shctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shctx)
		gcSched.Stop()
		trustMon.Stop()
		rolloutCtl.Stop()
		approvals.Close()
		dedupe.Stop()
		authSvc.Stop()
		notifier.Shutdown()
	})

	env := &testEnv{ts: ts, srv: srv, store: store, bus: bus, stub: stub, owner: "brian"}
	env.pair(t)
	return env
}

// pair runs the full challenge flow over HTTP and keeps the minted
// tokens for the rest of the test.
func (e *testEnv) pair(t *testing.T) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pemKey, err := auth.EncodePublicKeyPEM(pub)
	require.NoError(t, err)

	var began struct {
		ChallengeID string `json:"challenge_id"`
		Nonce       string `json:"nonce"`
	}
	resp := e.doNoAuth(t, "POST", "/v1/auth/pair/begin",
		map[string]string{"fingerprint": "SHA256:test-device"}, &began)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	nonce, err := base64.StdEncoding.DecodeString(began.Nonce)
	require.NoError(t, err)

	var completed pairCompleteResponse
	resp = e.doNoAuth(t, "POST", "/v1/auth/pair/complete", map[string]string{
		"owner":        e.owner,
		"challenge_id": began.ChallengeID,
		"signature":    base64.StdEncoding.EncodeToString(ed25519.Sign(priv, nonce)),
		"public_key":   pemKey,
		"name":         "test laptop",
	}, &completed)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotNil(t, completed.Tokens)
	require.NotEmpty(t, completed.Tokens.AccessToken)

	e.deviceID = completed.Device.ID
	e.tokens = completed.Tokens
}

func (e *testEnv) request(t *testing.T, method, path string, body interface{}, token string, out interface{}) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out),
			"decoding %s %s response", method, path)
	}
	return resp
}

func (e *testEnv) do(t *testing.T, method, path string, body, out interface{}) *http.Response {
	return e.request(t, method, path, body, e.tokens.AccessToken, out)
}

func (e *testEnv) doNoAuth(t *testing.T, method, path string, body, out interface{}) *http.Response {
	return e.request(t, method, path, body, "", out)
}

func decodeEnvelope(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env.Error
}

// ============================================================================
// AUTH FLOW
// ============================================================================

func TestPairing_MintsWorkingToken(t *testing.T) {
	e := newTestEnv(t)

	var out map[string]interface{}
	resp := e.do(t, "GET", "/healthz", nil, &out)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["status"])
}

func TestPairing_BadSignatureRejected(t *testing.T) {
	e := newTestEnv(t)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pemKey, err := auth.EncodePublicKeyPEM(pub)
	require.NoError(t, err)

	var began struct {
		ChallengeID string `json:"challenge_id"`
	}
	e.doNoAuth(t, "POST", "/v1/auth/pair/begin", map[string]string{"fingerprint": "SHA256:x"}, &began)

	resp := e.doNoAuth(t, "POST", "/v1/auth/pair/complete", map[string]string{
		"owner":        "brian",
		"challenge_id": began.ChallengeID,
		"signature":    base64.StdEncoding.EncodeToString([]byte("not a signature")),
		"public_key":   pemKey,
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, kindAuthentication, decodeEnvelope(t, resp).Kind)
}

func TestPairing_UnknownChallengeIs404(t *testing.T) {
	e := newTestEnv(t)
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	pemKey, _ := auth.EncodePublicKeyPEM(pub)

	resp := e.doNoAuth(t, "POST", "/v1/auth/pair/complete", map[string]string{
		"owner":        "brian",
		"challenge_id": "nope",
		"signature":    base64.StdEncoding.EncodeToString([]byte("sig")),
		"public_key":   pemKey,
	}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuth_MissingTokenGetsEnvelope(t *testing.T) {
	e := newTestEnv(t)

	resp := e.doNoAuth(t, "GET", "/v1/credentials", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decodeEnvelope(t, resp)
	assert.Equal(t, kindAuthentication, body.Kind)
	assert.Equal(t, "Unauthorized", body.Code)
}

func TestRefresh_RotatesAndDetectsReuse(t *testing.T) {
	e := newTestEnv(t)
	firstRefresh := e.tokens.RefreshToken

	var rotated struct {
		Tokens *auth.TokenPair `json:"tokens"`
	}
	resp := e.doNoAuth(t, "POST", "/v1/auth/refresh", map[string]string{"refresh_token": firstRefresh}, &rotated)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEqual(t, firstRefresh, rotated.Tokens.RefreshToken)

	// Replaying the consumed token must fail and kill the session.
	resp = e.doNoAuth(t, "POST", "/v1/auth/refresh", map[string]string{"refresh_token": firstRefresh}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLogout_InvalidatesRefresh(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, "POST", "/v1/auth/logout", map[string]string{"session_id": e.tokens.SessionID}, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Access tokens are stateless and ride out their TTL; the refresh
	// chain dies immediately.
	resp = e.doNoAuth(t, "POST", "/v1/auth/refresh", map[string]string{"refresh_token": e.tokens.RefreshToken}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDevices_ListAndRevoke(t *testing.T) {
	e := newTestEnv(t)

	var listed struct {
		Devices []*storage.Device `json:"devices"`
	}
	resp := e.do(t, "GET", "/v1/auth/devices", nil, &listed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, listed.Devices, 1)
	assert.Equal(t, "test laptop", listed.Devices[0].Name)

	resp = e.do(t, "DELETE", "/v1/auth/devices/"+e.deviceID, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Revocation kills the device's sessions with it.
	resp = e.do(t, "GET", "/v1/credentials", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// ============================================================================
// ROUTING SURFACE
// ============================================================================

func TestRoutes_UnknownEndpointAndMethod(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(t, "GET", "/v1/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, kindResource, decodeEnvelope(t, resp).Kind)

	resp = e.do(t, "DELETE", "/v1/chat", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsEndpointIsPublic(t *testing.T) {
	e := newTestEnv(t)

	resp := e.doNoAuth(t, "GET", "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSystemStatus(t *testing.T) {
	e := newTestEnv(t)

	var out map[string]interface{}
	resp := e.do(t, "GET", "/v1/system", nil, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, out, "uptime_seconds")
	assert.Contains(t, out, "events")
	assert.Contains(t, out, "rate_limiter")
}
