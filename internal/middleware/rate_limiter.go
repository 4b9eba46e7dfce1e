package middleware

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
)

// RateLimiter enforces a per-client request budget. Each client carries
// two adjacent one-minute buckets; the effective rate is the current
// bucket plus the previous one weighted by how much of it still overlaps
// the trailing minute. That smooths the window edge without keeping a
// timestamp per request.
type RateLimiter struct {
	perMinute int
	burstSize int
	denied    atomic.Uint64

	mu      sync.RWMutex
	clients map[string]*clientWindow

	stopCh   chan struct{}
	stopOnce sync.Once
}

// RateLimitConfig defines the thresholds.
type RateLimitConfig struct {
	PerMinute int // steady-state budget per client per minute
	BurstSize int // hard ceiling on any single bucket
}

// clientWindow has its own lock so hot clients do not serialize against
// each other; the outer map lock is only held for lookup.
type clientWindow struct {
	mu       sync.Mutex
	prev     int
	cur      int
	curStart time.Time
	lastSeen time.Time
}

// NewRateLimiter creates a limiter and starts its eviction loop.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.PerMinute == 0 {
		cfg.PerMinute = 120
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = cfg.PerMinute * 2
	}

	rl := &RateLimiter{
		perMinute: cfg.PerMinute,
		burstSize: cfg.BurstSize,
		clients:   make(map[string]*clientWindow),
		stopCh:    make(chan struct{}),
	}
	go rl.evictIdle()
	return rl
}

// Stop halts the eviction loop. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Allow reports whether one more request under the given key fits the
// budget, and counts it if so.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.RLock()
	cw := rl.clients[key]
	rl.mu.RUnlock()

	if cw == nil {
		rl.mu.Lock()
		if cw = rl.clients[key]; cw == nil {
			cw = &clientWindow{curStart: now}
			rl.clients[key] = cw
		}
		rl.mu.Unlock()
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.lastSeen = now
	elapsed := now.Sub(cw.curStart)
	if elapsed >= time.Minute {
		if elapsed >= 2*time.Minute {
			cw.prev = 0
		} else {
			cw.prev = cw.cur
		}
		cw.cur = 0
		cw.curStart = now.Truncate(time.Minute)
		elapsed = now.Sub(cw.curStart)
	}

	if cw.cur+1 > rl.burstSize {
		rl.denied.Add(1)
		return false
	}

	overlap := 1 - float64(elapsed)/float64(time.Minute)
	estimated := float64(cw.cur+1) + float64(cw.prev)*overlap
	if estimated > float64(rl.perMinute) {
		rl.denied.Add(1)
		return false
	}

	cw.cur++
	return true
}

// Middleware enforces the limit per client address.
func (rl *RateLimiter) Middleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(RemoteIP(r)) {
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, "resource", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// evictIdle drops clients that have been quiet for two full windows.
func (rl *RateLimiter) evictIdle() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * time.Minute)
			rl.mu.Lock()
			for key, cw := range rl.clients {
				cw.mu.Lock()
				idle := cw.lastSeen.Before(cutoff)
				cw.mu.Unlock()
				if idle {
					delete(rl.clients, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stats reports limiter state for the status endpoint.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.RLock()
	active := len(rl.clients)
	rl.mu.RUnlock()

	return map[string]interface{}{
		"active_windows": active,
		"per_minute":     rl.perMinute,
		"burst_size":     rl.burstSize,
		"denied_total":   rl.denied.Load(),
	}
}
