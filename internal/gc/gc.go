// Package gc reclaims dead state across the gateway on a fixed cadence:
// expired sessions, cache rows past TTL, stale approvals and their old audit
// rows, and spent undo tickets. A critical memory event triggers an
// emergency pass that also hints the runtime collector.
package gc

import (
	"context"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/brianfofficial/atlas/internal/events"
)

const maxReports = 100

// SessionSweeper removes expired and revoked sessions.
type SessionSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// CachePurger removes cache rows past their TTL.
type CachePurger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// ApprovalSweeper expires stale pendings and trims the approval audit trail.
type ApprovalSweeper interface {
	ExpireSweep(ctx context.Context) (int, error)
	PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// TicketSweeper drops undo tickets past their deadline.
type TicketSweeper interface {
	SweepExpired(ctx context.Context) int
}

// MetricsRecorder publishes pass results.
type MetricsRecorder interface {
	RecordGC(sessions, cacheEntries, approvals, tickets int, durationSec float64)
	SetEventsDropped(n int64)
}

// Report is the outcome of one pass.
type Report struct {
	Sessions     int       `json:"sessions"`
	CacheEntries int       `json:"cache_entries"`
	Approvals    int       `json:"approvals"`
	AuditRows    int       `json:"audit_rows"`
	Tickets      int       `json:"tickets"`
	MemoryFreed  uint64    `json:"memory_freed"`
	DurationMS   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
	Emergency    bool      `json:"emergency,omitempty"`
}

type Config struct {
	Interval time.Duration // pass cadence, default 5 min

	// AuditRetention bounds the approval audit trail. Rows older than this
	// are purged each pass. Default 30 days.
	AuditRetention time.Duration
}

// Deps are the cleanup targets. Nil targets are skipped.
type Deps struct {
	Sessions  SessionSweeper
	Caches    []CachePurger
	Approvals ApprovalSweeper
	Tickets   TicketSweeper
	Bus       *events.Bus
	Metrics   MetricsRecorder
}

// Scheduler drives periodic and emergency cleanup passes.
type Scheduler struct {
	cfg    Config
	deps   Deps
	logger *log.Logger

	sub *events.Subscription

	mu      sync.Mutex
	reports []Report

	stopCh   chan struct{}
	stopOnce sync.Once
	done     sync.WaitGroup

	now func() time.Time
}

func New(cfg Config, deps Deps) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.AuditRetention <= 0 {
		cfg.AuditRetention = 30 * 24 * time.Hour
	}
	s := &Scheduler{
		cfg:    cfg,
		deps:   deps,
		logger: log.New(log.Writer(), "[GC] ", log.LstdFlags),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
	if deps.Bus != nil {
		s.sub = deps.Bus.Subscribe(4, events.TopicMemoryCritical)
	}
	s.done.Add(1)
	go s.loop()
	return s
}

func (s *Scheduler) loop() {
	defer s.done.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var memCh <-chan *events.Event
	if s.sub != nil {
		memCh = s.sub.C
	}

	for {
		select {
		case <-ticker.C:
			s.RunPass(context.Background(), false)
		case _, ok := <-memCh:
			if !ok {
				memCh = nil
				continue
			}
			s.logger.Printf("memory critical, starting emergency pass")
			s.RunPass(context.Background(), true)
		case <-s.stopCh:
			return
		}
	}
}

// Stop halts the loop and waits for it to exit; no pass starts afterwards.
// Idempotent.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.done.Wait()
		if s.sub != nil {
			s.sub.Close()
		}
	})
}

// RunPass performs one cleanup sweep. Collaborator errors are logged, not
// fatal; a partly failed pass still reports what it freed.
func (s *Scheduler) RunPass(ctx context.Context, emergency bool) Report {
	start := s.now()
	r := Report{Timestamp: start, Emergency: emergency}

	var heapBefore uint64
	if emergency {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		heapBefore = ms.HeapAlloc
	}

	if s.deps.Sessions != nil {
		n, err := s.deps.Sessions.SweepExpired(ctx)
		if err != nil {
			s.logger.Printf("session sweep failed: %v", err)
		}
		r.Sessions = n
	}
	for _, c := range s.deps.Caches {
		n, err := c.PurgeExpired(ctx)
		if err != nil {
			s.logger.Printf("cache purge failed: %v", err)
		}
		r.CacheEntries += n
	}
	if s.deps.Approvals != nil {
		n, err := s.deps.Approvals.ExpireSweep(ctx)
		if err != nil {
			s.logger.Printf("approval sweep failed: %v", err)
		}
		r.Approvals = n

		purged, err := s.deps.Approvals.PurgeAuditBefore(ctx, start.Add(-s.cfg.AuditRetention))
		if err != nil {
			s.logger.Printf("approval audit purge failed: %v", err)
		}
		r.AuditRows = purged
	}
	if s.deps.Tickets != nil {
		r.Tickets = s.deps.Tickets.SweepExpired(ctx)
	}

	if emergency {
		runtime.GC()
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		if ms.HeapAlloc < heapBefore {
			r.MemoryFreed = heapBefore - ms.HeapAlloc
		}
	}

	r.DurationMS = time.Since(start).Milliseconds()

	s.mu.Lock()
	s.reports = append(s.reports, r)
	if len(s.reports) > maxReports {
		s.reports = s.reports[len(s.reports)-maxReports:]
	}
	s.mu.Unlock()

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordGC(r.Sessions, r.CacheEntries, r.Approvals, r.Tickets,
			float64(r.DurationMS)/1000.0)
		if s.deps.Bus != nil {
			s.deps.Metrics.SetEventsDropped(s.deps.Bus.Dropped())
		}
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Emit(events.TopicGCCompleted, "gc", "", map[string]interface{}{
			"sessions":      r.Sessions,
			"cache_entries": r.CacheEntries,
			"approvals":     r.Approvals,
			"audit_rows":    r.AuditRows,
			"tickets":       r.Tickets,
			"memory_freed":  r.MemoryFreed,
			"duration_ms":   r.DurationMS,
			"emergency":     r.Emergency,
		})
	}

	s.logger.Printf("pass complete: sessions=%d cache=%d approvals=%d audit=%d tickets=%d freed=%dB in %dms emergency=%v",
		r.Sessions, r.CacheEntries, r.Approvals, r.AuditRows, r.Tickets, r.MemoryFreed, r.DurationMS, emergency)
	return r
}

// Reports returns the retained pass history, oldest first.
func (s *Scheduler) Reports() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Report, len(s.reports))
	copy(out, s.reports)
	return out
}

// LastReport returns the most recent pass, if any.
func (s *Scheduler) LastReport() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reports) == 0 {
		return Report{}, false
	}
	return s.reports[len(s.reports)-1], true
}
