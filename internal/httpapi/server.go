// Package httpapi is the gateway's ingress: a gorilla/mux surface over
// the vault, pairing, routing, approval, and rollout services. Handlers
// decode, delegate, and translate component errors into one envelope;
// they hold no state of their own.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brianfofficial/atlas/internal/approval"
	"github.com/brianfofficial/atlas/internal/audit"
	"github.com/brianfofficial/atlas/internal/auth"
	"github.com/brianfofficial/atlas/internal/cache"
	"github.com/brianfofficial/atlas/internal/compress"
	"github.com/brianfofficial/atlas/internal/config"
	"github.com/brianfofficial/atlas/internal/costs"
	"github.com/brianfofficial/atlas/internal/events"
	"github.com/brianfofficial/atlas/internal/gc"
	"github.com/brianfofficial/atlas/internal/middleware"
	"github.com/brianfofficial/atlas/internal/notify"
	"github.com/brianfofficial/atlas/internal/provider"
	"github.com/brianfofficial/atlas/internal/rollout"
	"github.com/brianfofficial/atlas/internal/router"
	"github.com/brianfofficial/atlas/internal/sandbox"
	"github.com/brianfofficial/atlas/internal/sysmon"
	"github.com/brianfofficial/atlas/internal/trust"
	"github.com/brianfofficial/atlas/internal/undo"
	"github.com/brianfofficial/atlas/internal/vault"
)

// publicPrefixes are reachable without a bearer token: liveness,
// metrics scraping, and the pairing/refresh endpoints a device needs
// before it holds one.
var publicPrefixes = []string{
	"/healthz",
	"/metrics",
	"/v1/auth/pair",
	"/v1/auth/refresh",
}

// Deps wires the components the handlers delegate to. Everything is
// required except Sysmon and Notify, which degrade to absent sections
// in the system status.
type Deps struct {
	Auth      *auth.Service
	Vault     *vault.Vault
	Router    *router.Router
	Health    *provider.HealthCache
	Cache     *cache.Cache
	Compress  *compress.Compressor
	Costs     *costs.Tracker
	Approvals *approval.Queue
	Undo      *undo.Manager
	Sandbox   sandbox.Executor
	Trust     *trust.Monitor
	Rollout   *rollout.Controller
	Audit     *audit.Logger
	GC        *gc.Scheduler
	Notify    *notify.Dispatcher
	Sysmon    *sysmon.Watcher
	Bus       *events.Bus
}

// Server owns the HTTP listener, the rate limiter, and the websocket
// hub. Build with New, run with Start, stop with Shutdown.
type Server struct {
	cfg     config.ServerConfig
	deps    Deps
	limiter *middleware.RateLimiter
	hub     *eventHub
	httpSrv *http.Server
	started time.Time
}

func New(cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		limiter: middleware.NewRateLimiter(middleware.RateLimitConfig{PerMinute: cfg.RateLimitPerMin}),
		started: time.Now(),
	}
	if deps.Bus != nil {
		s.hub = newEventHub(deps.Bus)
	}
	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSec) * time.Second,
	}
	return s
}

// Handler exposes the routed handler chain.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	r.Use(middleware.Logging)
	r.Use(middleware.MakeCORS(s.cfg.CORSAllowOrigins))
	r.Use(s.limiter.Middleware())
	r.Use(middleware.Auth(s.deps.Auth, publicPrefixes...))

	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Pairing and sessions.
	r.HandleFunc("/v1/auth/pair/begin", s.handlePairBegin).Methods("POST")
	r.HandleFunc("/v1/auth/pair/complete", s.handlePairComplete).Methods("POST")
	r.HandleFunc("/v1/auth/refresh", s.handleRefresh).Methods("POST")
	r.HandleFunc("/v1/auth/logout", s.handleLogout).Methods("POST")
	r.HandleFunc("/v1/auth/devices", s.handleListDevices).Methods("GET")
	r.HandleFunc("/v1/auth/devices/{id}", s.handleRevokeDevice).Methods("DELETE")

	// Credential vault.
	r.HandleFunc("/v1/credentials", s.handleListCredentials).Methods("GET")
	r.HandleFunc("/v1/credentials", s.handleCreateCredential).Methods("POST")
	r.HandleFunc("/v1/credentials/{id}/reveal", s.handleRevealCredential).Methods("POST")
	r.HandleFunc("/v1/credentials/{id}/rotate", s.handleRotateCredential).Methods("POST")
	r.HandleFunc("/v1/credentials/{id}", s.handleDeleteCredential).Methods("DELETE")

	// Completions.
	r.HandleFunc("/v1/chat", s.handleChat).Methods("POST")
	r.HandleFunc("/v1/chat/stream", s.handleChatStream).Methods("POST")

	// Models, routing, spend.
	r.HandleFunc("/v1/models", s.handleListModels).Methods("GET")
	r.HandleFunc("/v1/models/health", s.handleModelHealth).Methods("GET")
	r.HandleFunc("/v1/models/health/refresh", s.handleModelHealthRefresh).Methods("POST")
	r.HandleFunc("/v1/routing", s.handleGetRouting).Methods("GET")
	r.HandleFunc("/v1/routing", s.handlePutRouting).Methods("PUT")
	r.HandleFunc("/v1/usage", s.handleUsage).Methods("GET")
	r.HandleFunc("/v1/budget", s.handleGetBudget).Methods("GET")
	r.HandleFunc("/v1/budget", s.handlePutBudget).Methods("PUT")

	// Approvals and sandboxed actions.
	r.HandleFunc("/v1/approvals", s.handlePendingApprovals).Methods("GET")
	r.HandleFunc("/v1/approvals", s.handleCreateApproval).Methods("POST")
	r.HandleFunc("/v1/approvals/history", s.handleApprovalHistory).Methods("GET")
	r.HandleFunc("/v1/approvals/rules", s.handleListRules).Methods("GET")
	r.HandleFunc("/v1/approvals/rules", s.handleAddRule).Methods("POST")
	r.HandleFunc("/v1/approvals/rules/{id}", s.handleRemoveRule).Methods("DELETE")
	r.HandleFunc("/v1/approvals/{id}", s.handleGetApproval).Methods("GET")
	r.HandleFunc("/v1/approvals/{id}/trail", s.handleApprovalTrail).Methods("GET")
	r.HandleFunc("/v1/approvals/{id}/approve", s.handleApprove).Methods("POST")
	r.HandleFunc("/v1/approvals/{id}/deny", s.handleDeny).Methods("POST")
	r.HandleFunc("/v1/actions/{id}/execute", s.handleExecuteAction).Methods("POST")
	r.HandleFunc("/v1/actions/{id}/undo", s.handleUndoAvailability).Methods("GET")
	r.HandleFunc("/v1/actions/{id}/undo", s.handleUndoAction).Methods("POST")

	// Trust and rollout.
	r.HandleFunc("/v1/trust", s.handleTrustStatus).Methods("GET")
	r.HandleFunc("/v1/trust/reports", s.handleFeelsWrongReport).Methods("POST")
	r.HandleFunc("/v1/trust/regressions", s.handleListRegressions).Methods("GET")
	r.HandleFunc("/v1/trust/regressions", s.handleRecordRegression).Methods("POST")
	r.HandleFunc("/v1/trust/regressions/{id}/resolve", s.handleResolveRegression).Methods("POST")
	r.HandleFunc("/v1/rollout", s.handleRolloutStatus).Methods("GET")
	r.HandleFunc("/v1/rollout/advance", s.handleRolloutAdvance).Methods("POST")
	r.HandleFunc("/v1/rollout/freeze", s.handleRolloutFreeze).Methods("POST")
	r.HandleFunc("/v1/rollout/unfreeze", s.handleRolloutUnfreeze).Methods("POST")
	r.HandleFunc("/v1/rollout/briefings", s.handleRolloutBriefings).Methods("POST")
	r.HandleFunc("/v1/rollout/eligibility", s.handleRolloutEligibility).Methods("POST")
	r.HandleFunc("/v1/rollout/admit", s.handleRolloutAdmit).Methods("POST")

	// Audit, GC, notifications, caches, system.
	r.HandleFunc("/v1/audit", s.handleAuditQuery).Methods("GET")
	r.HandleFunc("/v1/audit/export", s.handleAuditExport).Methods("GET")
	r.HandleFunc("/v1/gc/reports", s.handleGCReports).Methods("GET")
	r.HandleFunc("/v1/gc/run", s.handleGCRun).Methods("POST")
	r.HandleFunc("/v1/notifications", s.handleNotifications).Methods("GET")
	r.HandleFunc("/v1/cache/stats", s.handleCacheStats).Methods("GET")
	r.HandleFunc("/v1/cache/purge", s.handleCachePurge).Methods("POST")
	r.HandleFunc("/v1/system", s.handleSystemStatus).Methods("GET")

	// Event feed.
	r.HandleFunc("/v1/events", s.handleEventsSSE).Methods("GET")
	r.HandleFunc("/v1/events/ws", s.handleEventsWS).Methods("GET")

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, kindResource, "no such endpoint")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, kindValidation, "method not allowed")
	})
	return r
}

// Start blocks on the listener until Shutdown or a listener error.
func (s *Server) Start() error {
	slog.Info("[API] listening", "addr", s.cfg.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests, then stops the hub and limiter.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	if s.hub != nil {
		s.hub.stop()
	}
	s.limiter.Stop()
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"providers":      s.deps.Router.Providers(),
	})
}
