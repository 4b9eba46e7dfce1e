package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type testResponse struct {
	Text string `json:"text"`
}

// ============================================================================
// KEYS
// ============================================================================

func TestKey_DeterministicAndScoped(t *testing.T) {
	k1, err := Key(testRequest{Model: "m", Prompt: "p"})
	require.NoError(t, err)
	assert.Len(t, k1, 16)

	k2, err := Key(testRequest{Model: "m", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := Key(testRequest{Model: "m", Prompt: "q"})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	scoped, err := Key(testRequest{Model: "m", Prompt: "p"}, "session-a")
	require.NoError(t, err)
	assert.NotEqual(t, k1, scoped)

	// Canonical JSON: map insertion order must not matter.
	ka, err := Key(map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)
	kb, err := Key(map[string]interface{}{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
}

func TestTimeBucket(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b1 := TimeBucket(base, time.Minute)
	b2 := TimeBucket(base.Add(30*time.Second), time.Minute)
	b3 := TimeBucket(base.Add(61*time.Second), time.Minute)

	assert.Equal(t, b1, b2)
	assert.NotEqual(t, b1, b3)
	assert.Empty(t, TimeBucket(base, 0))
}

// ============================================================================
// CHECK / CACHE
// ============================================================================

func TestCache_CheckMissThenHit(t *testing.T) {
	c := New(Config{}, nil)
	defer c.Stop()
	ctx := context.Background()
	req := testRequest{Model: "gpt", Prompt: "hello"}

	res, err := c.Check(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	require.NoError(t, c.Cache(ctx, req, testResponse{Text: "hi"}, time.Minute))

	res, err = c.Check(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Duplicate)

	var resp testResponse
	require.NoError(t, json.Unmarshal(res.Cached, &resp))
	assert.Equal(t, "hi", resp.Text)
	assert.Equal(t, int64(1), res.Hits)

	stats := c.Stats(ctx)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
}

func TestCache_ScopeSeparatesSessions(t *testing.T) {
	c := New(Config{}, nil)
	defer c.Stop()
	ctx := context.Background()
	req := testRequest{Model: "gpt", Prompt: "hello"}

	require.NoError(t, c.Cache(ctx, req, testResponse{Text: "for-a"}, time.Minute, "session-a"))

	res, err := c.Check(ctx, req, "session-b")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	res, err = c.Check(ctx, req, "session-a")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New(Config{}, nil)
	defer c.Stop()
	ctx := context.Background()
	req := testRequest{Model: "gpt", Prompt: "short-lived"}

	require.NoError(t, c.Cache(ctx, req, testResponse{Text: "x"}, 20*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	res, err := c.Check(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	n, err := c.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, c.Stats(ctx).Size)
}

// ============================================================================
// DEDUPE
// ============================================================================

func TestCache_Dedupe_ProducesOnceWithinTTL(t *testing.T) {
	c := New(Config{}, nil)
	defer c.Stop()
	ctx := context.Background()
	req := testRequest{Model: "gpt", Prompt: "expensive"}

	var calls atomic.Int32
	produce := func(context.Context) (interface{}, error) {
		calls.Add(1)
		return testResponse{Text: "made"}, nil
	}

	raw1, err := c.Dedupe(ctx, req, produce, time.Minute)
	require.NoError(t, err)
	raw2, err := c.Dedupe(ctx, req, produce, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.JSONEq(t, string(raw1), string(raw2))
}

func TestCache_Dedupe_ConcurrentCallersShareOneProducer(t *testing.T) {
	c := New(Config{}, nil)
	defer c.Stop()
	ctx := context.Background()
	req := testRequest{Model: "gpt", Prompt: "stampede"}

	var calls atomic.Int32
	block := make(chan struct{})
	produce := func(context.Context) (interface{}, error) {
		calls.Add(1)
		<-block
		return testResponse{Text: "slow"}, nil
	}

	const n = 5
	var wg sync.WaitGroup
	results := make([]json.RawMessage, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Dedupe(ctx, req, produce, time.Minute)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(block)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.JSONEq(t, string(results[0]), string(results[i]))
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_Dedupe_ProducerErrorNotCached(t *testing.T) {
	c := New(Config{}, nil)
	defer c.Stop()
	ctx := context.Background()
	req := testRequest{Model: "gpt", Prompt: "flaky"}

	boom := errors.New("provider exploded")
	var calls atomic.Int32

	_, err := c.Dedupe(ctx, req, func(context.Context) (interface{}, error) {
		calls.Add(1)
		return nil, boom
	}, time.Minute)
	require.ErrorIs(t, err, boom)

	raw, err := c.Dedupe(ctx, req, func(context.Context) (interface{}, error) {
		calls.Add(1)
		return testResponse{Text: "recovered"}, nil
	}, time.Minute)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "recovered")
	assert.Equal(t, int32(2), calls.Load())
}

func TestCache_Check_DuplicateWhileInFlight(t *testing.T) {
	c := New(Config{}, nil)
	defer c.Stop()
	ctx := context.Background()
	req := testRequest{Model: "gpt", Prompt: "in-flight"}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Dedupe(ctx, req, func(context.Context) (interface{}, error) {
			close(started)
			<-release
			return testResponse{Text: "x"}, nil
		}, time.Minute)
	}()

	<-started
	res, err := c.Check(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Nil(t, res.Cached)

	close(release)
	<-done
}

// ============================================================================
// EVICTION & SWEEP
// ============================================================================

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c := New(Config{MaxEntries: 3}, nil)
	defer c.Stop()
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		req := testRequest{Model: "gpt", Prompt: fmt.Sprintf("req-%d", i)}
		require.NoError(t, c.Cache(ctx, req, testResponse{Text: "v"}, time.Minute))
	}

	res, err := c.Check(ctx, testRequest{Model: "gpt", Prompt: "req-1"})
	require.NoError(t, err)
	assert.False(t, res.Duplicate, "oldest entry should be evicted")

	for i := 2; i <= 4; i++ {
		res, err := c.Check(ctx, testRequest{Model: "gpt", Prompt: fmt.Sprintf("req-%d", i)})
		require.NoError(t, err)
		assert.True(t, res.Duplicate, "req-%d should survive", i)
	}

	stats := c.Stats(ctx)
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, 3, stats.Size)
}

func TestCache_ReinsertMovesToBackOfEvictionOrder(t *testing.T) {
	c := New(Config{MaxEntries: 2}, nil)
	defer c.Stop()
	ctx := context.Background()

	reqA := testRequest{Model: "gpt", Prompt: "a"}
	reqB := testRequest{Model: "gpt", Prompt: "b"}
	reqC := testRequest{Model: "gpt", Prompt: "c"}

	require.NoError(t, c.Cache(ctx, reqA, testResponse{Text: "a"}, time.Minute))
	require.NoError(t, c.Cache(ctx, reqB, testResponse{Text: "b"}, time.Minute))
	require.NoError(t, c.Cache(ctx, reqA, testResponse{Text: "a2"}, time.Minute))
	require.NoError(t, c.Cache(ctx, reqC, testResponse{Text: "c"}, time.Minute))

	resA, _ := c.Check(ctx, reqA)
	resB, _ := c.Check(ctx, reqB)
	resC, _ := c.Check(ctx, reqC)
	assert.True(t, resA.Duplicate, "refreshed entry should survive")
	assert.False(t, resB.Duplicate, "stale entry should be evicted")
	assert.True(t, resC.Duplicate)
}

func TestCache_SweepRemovesExpired(t *testing.T) {
	c := New(Config{SweepEvery: 20 * time.Millisecond}, nil)
	defer c.Stop()
	ctx := context.Background()
	req := testRequest{Model: "gpt", Prompt: "sweep-me"}

	require.NoError(t, c.Cache(ctx, req, testResponse{Text: "x"}, 10*time.Millisecond))

	require.Eventually(t, func() bool {
		return c.Stats(ctx).Size == 0
	}, time.Second, 10*time.Millisecond)
}

// ============================================================================
// RECORDER
// ============================================================================

type fakeRecorder struct {
	hits, misses, evictions atomic.Int32
	size                    atomic.Int32
}

func (r *fakeRecorder) RecordCacheHit()      { r.hits.Add(1) }
func (r *fakeRecorder) RecordCacheMiss()     { r.misses.Add(1) }
func (r *fakeRecorder) RecordCacheEviction() { r.evictions.Add(1) }
func (r *fakeRecorder) SetCacheSize(n int)   { r.size.Store(int32(n)) }

func TestCache_RecorderReceivesCounts(t *testing.T) {
	rec := &fakeRecorder{}
	c := New(Config{MaxEntries: 1}, rec)
	defer c.Stop()
	ctx := context.Background()

	req1 := testRequest{Model: "gpt", Prompt: "one"}
	req2 := testRequest{Model: "gpt", Prompt: "two"}

	_, err := c.Check(ctx, req1)
	require.NoError(t, err)
	require.NoError(t, c.Cache(ctx, req1, testResponse{Text: "1"}, time.Minute))
	_, err = c.Check(ctx, req1)
	require.NoError(t, err)
	require.NoError(t, c.Cache(ctx, req2, testResponse{Text: "2"}, time.Minute))

	assert.Equal(t, int32(1), rec.hits.Load())
	assert.Equal(t, int32(1), rec.misses.Load())
	assert.Equal(t, int32(1), rec.evictions.Load())
}

// ============================================================================
// REDIS BACKEND
// ============================================================================

func TestCache_RedisBackendRoundtrip(t *testing.T) {
	s := miniredis.RunT(t)
	c := NewRedis(Config{}, s.Addr(), "", 0, nil)
	defer c.Stop()
	ctx := context.Background()
	req := testRequest{Model: "gpt", Prompt: "redis"}

	require.NoError(t, c.Cache(ctx, req, testResponse{Text: "stored"}, time.Minute))

	res, err := c.Check(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Duplicate)

	var resp testResponse
	require.NoError(t, json.Unmarshal(res.Cached, &resp))
	assert.Equal(t, "stored", resp.Text)
	assert.Equal(t, 1, c.Stats(ctx).Size)

	// Expiry is the server's job.
	s.FastForward(2 * time.Minute)

	res, err = c.Check(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestCache_RedisFallsBackToMemory(t *testing.T) {
	c := NewRedis(Config{}, "127.0.0.1:1", "", 0, nil)
	defer c.Stop()
	ctx := context.Background()
	req := testRequest{Model: "gpt", Prompt: "fallback"}

	require.NoError(t, c.Cache(ctx, req, testResponse{Text: "still works"}, time.Minute))

	res, err := c.Check(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}
