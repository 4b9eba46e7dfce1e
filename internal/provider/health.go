package provider

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/brianfofficial/atlas/internal/events"
)

// ============================================================================
// HEALTH CACHE
// ============================================================================

const defaultHealthTTL = 30 * time.Second

// HealthCache keeps the last ProviderStatus and model catalog per
// provider. Lookups within the TTL are served from memory; stale lookups
// re-probe. Locking is per bucket, so one slow backend cannot block
// status reads for the others, and no network I/O happens under the
// registry lock.
type HealthCache struct {
	ttl     time.Duration
	emitter events.Emitter
	logger  *log.Logger

	mu      sync.RWMutex
	buckets map[string]*healthBucket
}

type healthBucket struct {
	adapter Adapter

	mu        sync.Mutex
	status    *ProviderStatus
	catalog   []ModelConfig
	catalogAt time.Time
}

// NewHealthCache builds the cache over the given adapters. A zero ttl
// takes the 30-second default.
func NewHealthCache(adapters []Adapter, ttl time.Duration, emitter events.Emitter) *HealthCache {
	if ttl <= 0 {
		ttl = defaultHealthTTL
	}
	hc := &HealthCache{
		ttl:     ttl,
		emitter: emitter,
		logger:  log.New(log.Writer(), "[HEALTH] ", log.LstdFlags),
		buckets: make(map[string]*healthBucket),
	}
	for _, a := range adapters {
		hc.buckets[a.Name()] = &healthBucket{adapter: a}
	}
	return hc
}

// Providers returns the registered provider names.
func (hc *HealthCache) Providers() []string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	names := make([]string, 0, len(hc.buckets))
	for name := range hc.buckets {
		names = append(names, name)
	}
	return names
}

// Status returns the cached snapshot, re-probing when missing or older
// than the TTL. Concurrent callers for the same provider share one probe.
func (hc *HealthCache) Status(ctx context.Context, providerName string) (ProviderStatus, bool) {
	bucket := hc.bucket(providerName)
	if bucket == nil {
		return ProviderStatus{}, false
	}

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	if bucket.status != nil && time.Since(bucket.status.CheckedAt) < hc.ttl {
		return *bucket.status, true
	}
	return hc.refreshLocked(ctx, bucket), true
}

// RefreshAll probes every provider concurrently and waits for all.
func (hc *HealthCache) RefreshAll(ctx context.Context) map[string]ProviderStatus {
	hc.mu.RLock()
	buckets := make(map[string]*healthBucket, len(hc.buckets))
	for name, b := range hc.buckets {
		buckets[name] = b
	}
	hc.mu.RUnlock()

	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	results := make(map[string]ProviderStatus, len(buckets))

	for name, bucket := range buckets {
		wg.Add(1)
		go func(name string, bucket *healthBucket) {
			defer wg.Done()
			bucket.mu.Lock()
			status := hc.refreshLocked(ctx, bucket)
			bucket.mu.Unlock()

			rmu.Lock()
			results[name] = status
			rmu.Unlock()
		}(name, bucket)
	}
	wg.Wait()
	return results
}

// refreshLocked probes the backend and records the availability
// transition. Caller holds the bucket lock.
func (hc *HealthCache) refreshLocked(ctx context.Context, bucket *healthBucket) ProviderStatus {
	status := bucket.adapter.CheckHealth(ctx)

	prev := bucket.status
	bucket.status = &status

	switch {
	case !status.Available && (prev == nil || prev.Available):
		hc.logger.Printf("Provider %s down: %s", status.Provider, status.Error)
		hc.emit(events.TopicProviderDown, status)
	case status.Available && prev != nil && !prev.Available:
		hc.logger.Printf("Provider %s recovered (%dms)", status.Provider, status.LatencyMS)
		hc.emit(events.TopicProviderRecovered, status)
	}

	return status
}

func (hc *HealthCache) emit(topic string, status ProviderStatus) {
	if hc.emitter == nil {
		return
	}
	hc.emitter.Emit(topic, "health", status.Provider, map[string]interface{}{
		"provider":   status.Provider,
		"available":  status.Available,
		"latency_ms": status.LatencyMS,
		"error":      status.Error,
	})
}

// Catalog returns the cached model list, fetching on first use or after
// invalidation. Catalogs have no TTL; they change only on administrative
// action.
func (hc *HealthCache) Catalog(ctx context.Context, providerName string) ([]ModelConfig, error) {
	bucket := hc.bucket(providerName)
	if bucket == nil {
		return nil, nil
	}

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	if !bucket.catalogAt.IsZero() {
		return append([]ModelConfig(nil), bucket.catalog...), nil
	}

	models, err := bucket.adapter.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	bucket.catalog = models
	bucket.catalogAt = time.Now()
	return append([]ModelConfig(nil), models...), nil
}

// InvalidateCatalog drops the cached model list after administrative
// changes (model pulled, credentials rotated).
func (hc *HealthCache) InvalidateCatalog(providerName string) {
	bucket := hc.bucket(providerName)
	if bucket == nil {
		return
	}
	bucket.mu.Lock()
	bucket.catalog = nil
	bucket.catalogAt = time.Time{}
	bucket.mu.Unlock()
}

func (hc *HealthCache) bucket(name string) *healthBucket {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.buckets[name]
}
