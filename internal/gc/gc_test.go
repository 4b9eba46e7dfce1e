package gc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianfofficial/atlas/internal/events"
)

type fakeSessions struct {
	mu    sync.Mutex
	n     int
	err   error
	calls int
}

func (f *fakeSessions) SweepExpired(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.n, f.err
}

type fakeCache struct {
	mu sync.Mutex
	n  int
}

func (f *fakeCache) PurgeExpired(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n, nil
}

type fakeApprovals struct {
	mu         sync.Mutex
	expired    int
	purged     int
	lastCutoff time.Time
}

func (f *fakeApprovals) ExpireSweep(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expired, nil
}

func (f *fakeApprovals) PurgeAuditBefore(_ context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCutoff = cutoff
	return f.purged, nil
}

type fakeTickets struct {
	mu sync.Mutex
	n  int
}

func (f *fakeTickets) SweepExpired(context.Context) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

type fakeMetrics struct {
	mu      sync.Mutex
	calls   int
	dropped int64
}

func (f *fakeMetrics) RecordGC(_, _, _, _ int, _ float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
}

func (f *fakeMetrics) SetEventsDropped(n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = n
}

func TestRunPass_SweepsEveryTarget(t *testing.T) {
	sessions := &fakeSessions{n: 3}
	approvals := &fakeApprovals{expired: 2, purged: 7}
	tickets := &fakeTickets{n: 1}
	metrics := &fakeMetrics{}
	bus := events.NewBus()

	s := New(Config{Interval: time.Hour, AuditRetention: 24 * time.Hour}, Deps{
		Sessions:  sessions,
		Caches:    []CachePurger{&fakeCache{n: 5}, &fakeCache{n: 4}},
		Approvals: approvals,
		Tickets:   tickets,
		Bus:       bus,
		Metrics:   metrics,
	})
	t.Cleanup(s.Stop)

	sub := bus.Subscribe(4, events.TopicGCCompleted)
	t.Cleanup(sub.Close)

	r := s.RunPass(context.Background(), false)
	assert.Equal(t, 3, r.Sessions)
	assert.Equal(t, 9, r.CacheEntries, "both caches contribute")
	assert.Equal(t, 2, r.Approvals)
	assert.Equal(t, 7, r.AuditRows)
	assert.Equal(t, 1, r.Tickets)
	assert.False(t, r.Emergency)
	assert.Zero(t, r.MemoryFreed, "routine passes do not force a collection")

	// Audit retention cutoff is measured from the pass start.
	approvals.mu.Lock()
	cutoff := approvals.lastCutoff
	approvals.mu.Unlock()
	assert.WithinDuration(t, r.Timestamp.Add(-24*time.Hour), cutoff, time.Second)

	metrics.mu.Lock()
	assert.Equal(t, 1, metrics.calls)
	metrics.mu.Unlock()

	select {
	case ev := <-sub.C:
		assert.Equal(t, events.TopicGCCompleted, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("gc.completed event not published")
	}
}

func TestRunPass_CollaboratorErrorIsNonFatal(t *testing.T) {
	sessions := &fakeSessions{err: assert.AnError}
	s := New(Config{Interval: time.Hour}, Deps{
		Sessions: sessions,
		Caches:   []CachePurger{&fakeCache{n: 2}},
	})
	t.Cleanup(s.Stop)

	r := s.RunPass(context.Background(), false)
	assert.Equal(t, 2, r.CacheEntries, "remaining targets still swept")
	sessions.mu.Lock()
	assert.Equal(t, 1, sessions.calls)
	sessions.mu.Unlock()
}

func TestRunPass_NilTargetsSkipped(t *testing.T) {
	s := New(Config{Interval: time.Hour}, Deps{})
	t.Cleanup(s.Stop)

	r := s.RunPass(context.Background(), false)
	assert.Zero(t, r.Sessions)
	assert.Zero(t, r.CacheEntries)
	assert.Zero(t, r.Approvals)
}

func TestEmergencyPass_ReportsFreedMemory(t *testing.T) {
	s := New(Config{Interval: time.Hour}, Deps{})
	t.Cleanup(s.Stop)

	r := s.RunPass(context.Background(), true)
	assert.True(t, r.Emergency)
	// MemoryFreed depends on the runtime; only its presence is guaranteed.
	last, ok := s.LastReport()
	require.True(t, ok)
	assert.True(t, last.Emergency)
}

func TestMemoryCriticalEventTriggersEmergencyPass(t *testing.T) {
	bus := events.NewBus()
	s := New(Config{Interval: time.Hour}, Deps{Bus: bus})
	t.Cleanup(s.Stop)

	bus.Emit(events.TopicMemoryCritical, "sysmon", "", map[string]interface{}{"heap_ratio": 0.75})

	require.Eventually(t, func() bool {
		last, ok := s.LastReport()
		return ok && last.Emergency
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReports_RingKeepsLastHundred(t *testing.T) {
	s := New(Config{Interval: time.Hour}, Deps{})
	t.Cleanup(s.Stop)

	for i := 0; i < maxReports+5; i++ {
		s.RunPass(context.Background(), false)
	}

	reports := s.Reports()
	assert.Len(t, reports, maxReports)
}

func TestStop_NoPassAfterStop(t *testing.T) {
	s := New(Config{Interval: 10 * time.Millisecond}, Deps{})

	require.Eventually(t, func() bool {
		return len(s.Reports()) > 0
	}, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	countAtStop := len(s.Reports())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, countAtStop, len(s.Reports()))

	// Idempotent.
	s.Stop()
}
