// Package cache is the content-addressed response cache and request
// deduplicator. Identical requests inside the TTL window are served from
// the cache, and concurrent duplicates wait on the single in-flight
// producer instead of fanning out to a provider.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// KEYS
// ============================================================================

// Key returns the content address of a request: the first 16 hex digits of
// the SHA-256 over its canonical JSON. Scope parts (session id, time
// bucket) are hashed in after the body so scoped entries never collide
// with unscoped ones.
func Key(req interface{}, scope ...string) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("canonicalize request: %w", err)
	}
	h := sha256.New()
	h.Write(data)
	for _, s := range scope {
		h.Write([]byte{0})
		h.Write([]byte(s))
	}
	return hex.EncodeToString(h.Sum(nil)[:8]), nil
}

// TimeBucket quantizes t into width-sized buckets, for callers that want
// cache keys to roll over periodically.
func TimeBucket(t time.Time, width time.Duration) string {
	if width <= 0 {
		return ""
	}
	return strconv.FormatInt(t.UnixNano()/int64(width), 10)
}

// ============================================================================
// TYPES
// ============================================================================

// Config tunes the cache. Zero values take the defaults.
type Config struct {
	MaxEntries int           `json:"max_entries" yaml:"max_entries"`
	DefaultTTL time.Duration `json:"default_ttl" yaml:"default_ttl"`
	SweepEvery time.Duration `json:"sweep_every" yaml:"sweep_every"`
}

// DefaultConfig is a 1000-entry cache with a 30 s TTL and a 60 s sweep.
func DefaultConfig() Config {
	return Config{
		MaxEntries: 1000,
		DefaultTTL: 30 * time.Second,
		SweepEvery: 60 * time.Second,
	}
}

// Result is the outcome of a duplicate probe.
type Result struct {
	Duplicate bool            `json:"duplicate"`
	Cached    json.RawMessage `json:"cached,omitempty"`
	// Hits is how many times this entry has been served, counting this
	// probe. The redis backend leaves accounting to the server and
	// reports zero.
	Hits int64 `json:"hits,omitempty"`
}

// Stats are the aggregate counters, readable for cost attribution.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// Recorder receives cache traffic counts. *metrics.Metrics satisfies it.
type Recorder interface {
	RecordCacheHit()
	RecordCacheMiss()
	RecordCacheEviction()
	SetCacheSize(n int)
}

// backend is the storage contract shared by the memory and redis drivers.
type backend interface {
	get(ctx context.Context, key string) (val []byte, hits int64, ok bool, err error)
	set(ctx context.Context, key string, val []byte, ttl time.Duration) (evicted int, err error)
	purgeExpired(ctx context.Context) (int, error)
	size(ctx context.Context) (int, error)
	close() error
}

type flight struct {
	done chan struct{}
	val  json.RawMessage
	err  error
}

// ============================================================================
// CACHE
// ============================================================================

// Cache fronts a backend with duplicate suppression and counters.
type Cache struct {
	cfg    Config
	be     backend
	rec    Recorder
	logger *log.Logger

	flightMu sync.Mutex
	inflight map[string]*flight

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
}

// New builds a memory-backed cache. rec may be nil.
func New(cfg Config, rec Recorder) *Cache {
	cfg = withDefaults(cfg)
	return newCache(cfg, newMemoryBackend(cfg.MaxEntries), rec)
}

// NewRedis builds a redis-backed cache. The constructor pings the server
// first; when that fails it logs and falls back to the memory backend so
// callers always get a working cache.
func NewRedis(cfg Config, addr, password string, db int, rec Recorder) *Cache {
	cfg = withDefaults(cfg)
	be, err := newRedisBackend(addr, password, db)
	if err != nil {
		c := newCache(cfg, newMemoryBackend(cfg.MaxEntries), rec)
		c.logger.Printf("Redis unavailable, using memory backend: %v", err)
		return c
	}
	c := newCache(cfg, be, rec)
	c.logger.Printf("Redis backend connected: %s", addr)
	return c
}

func newCache(cfg Config, be backend, rec Recorder) *Cache {
	c := &Cache{
		cfg:      cfg,
		be:       be,
		rec:      rec,
		logger:   log.New(log.Writer(), "[CACHE] ", log.LstdFlags),
		inflight: make(map[string]*flight),
		stop:     make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = def.SweepEvery
	}
	return cfg
}

// Check probes for a duplicate of req. Duplicate is true when a cached
// response exists or a producer for the same key is in flight; Cached is
// only set in the former case.
func (c *Cache) Check(ctx context.Context, req interface{}, scope ...string) (Result, error) {
	key, err := Key(req, scope...)
	if err != nil {
		return Result{}, err
	}

	if raw, hits, ok := c.lookup(ctx, key); ok {
		return Result{Duplicate: true, Cached: raw, Hits: hits}, nil
	}

	c.flightMu.Lock()
	_, producing := c.inflight[key]
	c.flightMu.Unlock()
	if producing {
		return Result{Duplicate: true}, nil
	}
	return Result{}, nil
}

// Cache stores resp under the content address of req. A non-positive ttl
// takes the configured default.
func (c *Cache) Cache(ctx context.Context, req, resp interface{}, ttl time.Duration, scope ...string) error {
	key, err := Key(req, scope...)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return c.store(ctx, key, raw, ttl)
}

// Dedupe returns the cached response for req, or calls produce exactly
// once, caches its result, and returns it. Concurrent callers with the
// same key wait for the in-flight producer instead of invoking their own.
// Producer errors are returned to every waiter and are not cached.
func (c *Cache) Dedupe(ctx context.Context, req interface{}, produce func(context.Context) (interface{}, error), ttl time.Duration, scope ...string) (json.RawMessage, error) {
	key, err := Key(req, scope...)
	if err != nil {
		return nil, err
	}

	if raw, _, ok := c.lookup(ctx, key); ok {
		return raw, nil
	}

	c.flightMu.Lock()
	if f, ok := c.inflight[key]; ok {
		c.flightMu.Unlock()
		select {
		case <-f.done:
			if f.err != nil {
				return nil, f.err
			}
			c.hits.Add(1)
			if c.rec != nil {
				c.rec.RecordCacheHit()
			}
			return f.val, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	c.inflight[key] = f
	c.flightMu.Unlock()

	defer func() {
		c.flightMu.Lock()
		delete(c.inflight, key)
		c.flightMu.Unlock()
		close(f.done)
	}()

	val, err := produce(ctx)
	if err != nil {
		f.err = err
		return nil, err
	}
	raw, err := json.Marshal(val)
	if err != nil {
		f.err = fmt.Errorf("encode response: %w", err)
		return nil, f.err
	}
	if serr := c.store(ctx, key, raw, ttl); serr != nil {
		// The caller still gets the produced value.
		c.logger.Printf("Store failed for %s: %v", key, serr)
	}
	f.val = raw
	return raw, nil
}

// PurgeExpired removes expired rows and returns how many went. The GC
// scheduler calls this outside the regular sweep.
func (c *Cache) PurgeExpired(ctx context.Context) (int, error) {
	n, err := c.be.purgeExpired(ctx)
	if err != nil {
		return 0, err
	}
	c.refreshSizeGauge(ctx)
	return n, nil
}

// Stats snapshots the counters. Size is best effort when the backend
// cannot be reached.
func (c *Cache) Stats(ctx context.Context) Stats {
	size, err := c.be.size(ctx)
	if err != nil {
		c.logger.Printf("Size probe failed: %v", err)
		size = 0
	}
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      size,
	}
}

// Stop halts the sweeper and closes the backend. Safe to call twice.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		if err := c.be.close(); err != nil {
			c.logger.Printf("Backend close failed: %v", err)
		}
	})
}

// ============================================================================
// INTERNALS
// ============================================================================

func (c *Cache) lookup(ctx context.Context, key string) (json.RawMessage, int64, bool) {
	val, hits, ok, err := c.be.get(ctx, key)
	if err != nil {
		// A flaky backend degrades to a miss rather than failing the
		// request path.
		c.logger.Printf("Lookup failed for %s: %v", key, err)
		ok = false
	}
	if ok {
		c.hits.Add(1)
		if c.rec != nil {
			c.rec.RecordCacheHit()
		}
		return val, hits, true
	}
	c.misses.Add(1)
	if c.rec != nil {
		c.rec.RecordCacheMiss()
	}
	return nil, 0, false
}

func (c *Cache) store(ctx context.Context, key string, raw []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	evicted, err := c.be.set(ctx, key, raw, ttl)
	if err != nil {
		return err
	}
	if evicted > 0 {
		c.evictions.Add(int64(evicted))
		if c.rec != nil {
			for i := 0; i < evicted; i++ {
				c.rec.RecordCacheEviction()
			}
		}
	}
	return nil
}

func (c *Cache) refreshSizeGauge(ctx context.Context) {
	if c.rec == nil {
		return
	}
	if size, err := c.be.size(ctx); err == nil {
		c.rec.SetCacheSize(size)
	}
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.cfg.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			n, err := c.PurgeExpired(ctx)
			cancel()
			if err != nil {
				c.logger.Printf("Sweep failed: %v", err)
			} else if n > 0 {
				c.logger.Printf("Swept %d expired entries", n)
			}
		case <-c.stop:
			return
		}
	}
}
