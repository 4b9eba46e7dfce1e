// Package app assembles the daemon. Components come up in dependency
// order; each one that needs a teardown registers it as it starts, so
// Shutdown is the exact reverse and a failed boot unwinds the part
// that did start.
package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/brianfofficial/atlas/internal/approval"
	"github.com/brianfofficial/atlas/internal/audit"
	"github.com/brianfofficial/atlas/internal/auth"
	"github.com/brianfofficial/atlas/internal/batch"
	"github.com/brianfofficial/atlas/internal/cache"
	"github.com/brianfofficial/atlas/internal/compress"
	"github.com/brianfofficial/atlas/internal/config"
	"github.com/brianfofficial/atlas/internal/costs"
	"github.com/brianfofficial/atlas/internal/events"
	"github.com/brianfofficial/atlas/internal/gc"
	"github.com/brianfofficial/atlas/internal/httpapi"
	"github.com/brianfofficial/atlas/internal/metrics"
	"github.com/brianfofficial/atlas/internal/middleware"
	"github.com/brianfofficial/atlas/internal/notify"
	"github.com/brianfofficial/atlas/internal/provider"
	"github.com/brianfofficial/atlas/internal/rollout"
	"github.com/brianfofficial/atlas/internal/router"
	"github.com/brianfofficial/atlas/internal/sandbox"
	"github.com/brianfofficial/atlas/internal/storage"
	"github.com/brianfofficial/atlas/internal/sysmon"
	"github.com/brianfofficial/atlas/internal/trust"
	"github.com/brianfofficial/atlas/internal/undo"
	"github.com/brianfofficial/atlas/internal/vault"
)

// Startup failures wrap one of these so main can map them onto the
// documented process exit codes.
var (
	ErrStorageStartup = errors.New("app: storage unreachable")
	ErrVaultStartup   = errors.New("app: vault startup failed")
)

// promauto instruments live on the process-wide default registry, so a
// second App in the same process must share them.
var (
	metricsOnce   sync.Once
	sharedMetrics *metrics.Metrics
)

func appMetrics() *metrics.Metrics {
	metricsOnce.Do(func() { sharedMetrics = metrics.New() })
	return sharedMetrics
}

const shutdownGrace = 30 * time.Second

// App owns every long-lived component of the daemon.
type App struct {
	cfg *config.Config

	Store     storage.Store
	Bus       *events.Bus
	Metrics   *metrics.Metrics
	Audit     *audit.Logger
	Notify    *notify.Dispatcher
	Vault     *vault.Vault
	Auth      *auth.Service
	Health    *provider.HealthCache
	Compress  *compress.Compressor
	Cache     *cache.Cache
	Costs     *costs.Tracker
	Router    *router.Router
	Batcher   *batch.Batcher
	Approvals *approval.Queue
	Sandbox   sandbox.Executor
	Undo      *undo.Manager
	Rollout   *rollout.Controller
	Trust     *trust.Monitor
	Sysmon    *sysmon.Watcher
	GC        *gc.Scheduler
	Server    *httpapi.Server

	teardown []func(context.Context)
	stopOnce sync.Once
}

// New builds the full component graph. The context bounds startup
// probes (storage ping, docker ping); it is not retained.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}

	booted := false
	defer func() {
		if !booted {
			a.Shutdown(context.Background())
		}
	}()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageStartup, err)
	}
	a.Store = store
	a.onShutdown(func(context.Context) {
		if err := store.Close(); err != nil {
			slog.Error("[App] storage close", "error", err)
		}
	})

	a.Bus = events.NewBus()
	a.Metrics = appMetrics()
	a.Audit = audit.New(store)

	// Notify comes up early and goes down late so teardown-time
	// freezes and alerts still reach the operator.
	sinks := []notify.Sink{notify.LogSink{}}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL, os.Getenv("ATLAS_NOTIFY_WEBHOOK_SECRET")))
	}
	a.Notify = notify.New(notify.Config{Workers: cfg.Notify.Workers}, store, a.Bus, sinks...)
	a.onShutdown(func(context.Context) { a.Notify.Shutdown() })

	seed := os.Getenv(cfg.Vault.SeedEnv)
	vlt, err := vault.New(ctx, store, a.Audit, seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVaultStartup, err)
	}
	a.Vault = vlt

	authSvc, err := auth.New(store, a.Audit, auth.Config{
		TokenSecret:        tokenSecret(seed),
		AccessTTL:          cfg.Tuning.AccessTokenTTL(),
		RefreshTTL:         cfg.Tuning.RefreshTokenTTL(),
		MaxDevicesPerOwner: cfg.Tuning.MaxDevicesPerOwner,
	})
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	a.Auth = authSvc
	a.onShutdown(func(context.Context) { authSvc.Stop() })

	adapters, locals := a.buildAdapters(cfg.Providers)
	a.Health = provider.NewHealthCache(adapters, cfg.Tuning.HealthTTL(), a.Bus)

	a.Compress = compress.New(compress.Config{
		MaxContextTokens: cfg.Tuning.MaxContextTokens,
		WindowSize:       cfg.Tuning.WindowSize,
		CharsPerToken:    cfg.Tuning.CharsPerToken,
	})

	cacheCfg := cache.Config{
		MaxEntries: cfg.Tuning.DedupMaxEntries,
		DefaultTTL: cfg.Tuning.DedupTTL(),
	}
	if cfg.Redis.Enabled {
		a.Cache = cache.NewRedis(cacheCfg, cfg.Redis.Addr, os.Getenv("ATLAS_REDIS_PASSWORD"), cfg.Redis.DB, a.Metrics)
	} else {
		a.Cache = cache.New(cacheCfg, a.Metrics)
	}
	a.onShutdown(func(context.Context) { a.Cache.Stop() })

	a.Costs = costs.New(store, a.Bus, costs.Budget{
		DailyLimit:      cfg.Budget.DailyLimit,
		WeeklyLimit:     cfg.Budget.WeeklyLimit,
		MonthlyLimit:    cfg.Budget.MonthlyLimit,
		AlertThresholds: cfg.Budget.AlertThresholds,
	})

	a.Router = router.New(router.Config{
		Rules: router.Rules{
			Simple:   cfg.Routing.Rules.Simple,
			Moderate: cfg.Routing.Rules.Moderate,
			Complex:  cfg.Routing.Rules.Complex,
		},
		FallbackChain:        cfg.Routing.FallbackChain,
		AutoDetectComplexity: cfg.Routing.AutoDetectComplexity,
		MaxLatencyMS:         cfg.Routing.MaxLatencyMs,
	}, a.Health, a.Costs, a.Metrics, a.Bus)
	for i, ad := range adapters {
		a.Router.Register(ad, locals[i])
	}

	a.Batcher = batch.New(batch.Config{
		MaxBatchSize:  cfg.Tuning.BatcherMaxBatchSize,
		MaxWait:       cfg.Tuning.BatcherMaxWait(),
		MaxConcurrent: cfg.Tuning.BatcherMaxConcurrent,
	}, a.Router.BatchProcessor(), a.Metrics)
	a.Router.AttachBatcher(a.Batcher)
	a.onShutdown(func(ctx context.Context) {
		if err := a.Batcher.Shutdown(ctx); err != nil {
			slog.Warn("[App] batcher drain", "error", err)
		}
	})

	a.Approvals = approval.New(approval.Config{
		DefaultTTL: cfg.Tuning.ApprovalTTL(),
	}, store, approval.NewScorer(approval.ScorerConfig{}), a.Audit, a.Bus, a.Metrics)
	a.onShutdown(func(context.Context) { a.Approvals.Close() })

	a.Sandbox = buildExecutor(ctx)

	a.Undo = undo.New(undo.Config{
		UndoWindow: cfg.Tuning.UndoWindow(),
	}, a.Sandbox, a.Approvals, a.Audit, a.Bus)

	rolloutCtl, err := rollout.New(ctx, rollout.Config{}, store, a.Audit, a.Bus)
	if err != nil {
		return nil, fmt.Errorf("rollout: %w", err)
	}
	a.Rollout = rolloutCtl
	a.onShutdown(func(context.Context) { rolloutCtl.Stop() })

	a.Trust = trust.New(trust.Config{
		Refresh:       cfg.Tuning.TrustRefresh(),
		Window:        cfg.Tuning.TrustWindow(),
		SustainWindow: cfg.SustainedStopWindowDuration(),
	}, store, a.Audit, a.Bus, rolloutCtl, a.Metrics)
	a.onShutdown(func(context.Context) { a.Trust.Stop() })

	a.Sysmon = sysmon.New(sysmon.Config{
		Threshold: cfg.Tuning.GCMemoryThreshold,
	}, a.Bus, a.Metrics)
	a.onShutdown(func(context.Context) { a.Sysmon.Stop() })

	a.GC = gc.New(gc.Config{Interval: cfg.Tuning.GCInterval()}, gc.Deps{
		Sessions:  authSvc,
		Caches:    []gc.CachePurger{a.Cache},
		Approvals: a.Approvals,
		Tickets:   a.Undo,
		Bus:       a.Bus,
		Metrics:   a.Metrics,
	})
	a.onShutdown(func(context.Context) { a.GC.Stop() })

	a.Server = httpapi.New(cfg.Server, httpapi.Deps{
		Auth:      a.Auth,
		Vault:     a.Vault,
		Router:    a.Router,
		Health:    a.Health,
		Cache:     a.Cache,
		Compress:  a.Compress,
		Costs:     a.Costs,
		Approvals: a.Approvals,
		Undo:      a.Undo,
		Sandbox:   a.Sandbox,
		Trust:     a.Trust,
		Rollout:   a.Rollout,
		Audit:     a.Audit,
		GC:        a.GC,
		Notify:    a.Notify,
		Sysmon:    a.Sysmon,
		Bus:       a.Bus,
	})
	a.onShutdown(func(ctx context.Context) {
		if err := a.Server.Shutdown(ctx); err != nil {
			slog.Warn("[App] server shutdown", "error", err)
		}
	})

	slog.Info("[App] assembled",
		"storage", cfg.Storage.Driver,
		"providers", len(adapters),
		"sandbox", a.Sandbox.Name(),
		"redis", cfg.Redis.Enabled)
	booted = true
	return a, nil
}

// Run serves until the context is cancelled or the listener fails,
// then tears the application down.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- a.Server.Start() }()

	select {
	case err := <-errCh:
		// Listener died on its own; unwind everything else.
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		a.Shutdown(shCtx)
		return err
	case <-ctx.Done():
	}

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	a.Shutdown(shCtx)
	return <-errCh
}

// Shutdown unwinds the components in reverse start order. Safe to call
// more than once and on a partially built App.
func (a *App) Shutdown(ctx context.Context) {
	a.stopOnce.Do(func() {
		for i := len(a.teardown) - 1; i >= 0; i-- {
			a.teardown[i](ctx)
		}
		slog.Info("[App] stopped")
	})
}

func (a *App) onShutdown(fn func(context.Context)) {
	a.teardown = append(a.teardown, fn)
}

// ConfigureLogging installs the process-wide slog handler from the
// log config block. Level and format were validated at load time.
func ConfigureLogging(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemory(), nil
	case "postgres":
		return storage.NewPostgres(ctx, cfg.DSN)
	case "supabase":
		return storage.NewSupabase(ctx, cfg.Supabase.URL, cfg.Supabase.Key)
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

// tokenSecret prefers an explicit ATLAS_TOKEN_SECRET and otherwise
// derives one from the vault seed, so access tokens survive restarts
// without a second secret to provision.
func tokenSecret(seed string) string {
	if v := os.Getenv("ATLAS_TOKEN_SECRET"); v != "" {
		return v
	}
	sum := sha256.Sum256([]byte("atlas/token-hmac:" + seed))
	return hex.EncodeToString(sum[:])
}

// buildAdapters turns the provider config blocks into breaker-guarded
// adapters. The parallel bool slice marks local backends for the
// router's bare-spec resolution and zero-cost accounting.
func (a *App) buildAdapters(specs []config.ProviderConfig) ([]provider.Adapter, []bool) {
	adapters := make([]provider.Adapter, 0, len(specs))
	locals := make([]bool, 0, len(specs))
	for _, p := range specs {
		switch p.Kind {
		case "ollama":
			adapters = append(adapters, provider.Guard(provider.NewOllama(p.Name, p.BaseURL), nil))
			locals = append(locals, true)
		case "openai":
			local := isLoopback(p.BaseURL)
			adapters = append(adapters, provider.Guard(provider.NewOpenAI(provider.OpenAIOptions{
				Name:    p.Name,
				BaseURL: p.BaseURL,
				Key:     a.keyFunc(p.Name, p.Credential),
				Local:   local,
			}), nil))
			locals = append(locals, local)
		}
	}
	return adapters, locals
}

// keyFunc resolves a provider API key at call time. Requests carry the
// owner in their context, so the vault lookup runs as that owner and
// picks up rotations immediately. Outside a session (health probes,
// catalog refresh) the per-provider environment variable is the only
// source.
func (a *App) keyFunc(providerName, credName string) provider.KeyFunc {
	envKey := "ATLAS_PROVIDER_" + envToken(providerName) + "_KEY"
	return func(ctx context.Context) (string, error) {
		if credName != "" {
			if claims, ok := middleware.ClaimsFrom(ctx); ok {
				key, err := a.Vault.RetrieveByName(ctx, claims.Owner, credName)
				if err == nil {
					return key, nil
				}
				if !errors.Is(err, vault.ErrNotFound) {
					return "", err
				}
			}
		}
		return os.Getenv(envKey), nil
	}
}

func envToken(name string) string {
	up := strings.ToUpper(name)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, up)
}

// buildExecutor prefers docker and falls back to the audit-only noop
// runner on hosts without a daemon.
func buildExecutor(ctx context.Context) sandbox.Executor {
	exec, err := sandbox.NewDockerExecutor(ctx, sandbox.DefaultAllowlist(), sandbox.Options{})
	if err != nil {
		slog.Warn("[App] docker unavailable, commands run on the noop executor", "error", err)
		return sandbox.NewNoopExecutor(sandbox.DefaultAllowlist())
	}
	return exec
}

func isLoopback(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
