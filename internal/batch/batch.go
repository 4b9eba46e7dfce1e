// Package batch coalesces per-model requests into bounded batches. A
// batch fires when it reaches the size cap or when the oldest item has
// waited out the timer, whichever comes first. Callers get a one-shot
// handle bound to the batch's eventual outcome.
package batch

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrShutdown is returned by Add once Shutdown has begun.
	ErrShutdown = errors.New("batcher is shut down")
	// ErrNoResult fails an item whose slot in a successful batch came
	// back nil.
	ErrNoResult = errors.New("no result returned")
)

// Processor handles one batch for one model. results must be index-aligned
// with payloads; a nil slot fails that item with ErrNoResult.
type Processor func(ctx context.Context, model string, payloads []interface{}) (results []interface{}, err error)

// Recorder receives batch sizes and waits. *metrics.Metrics satisfies it.
type Recorder interface {
	RecordBatch(size int, maxWaitSec float64)
}

// Config tunes the batcher. Zero values take the defaults.
type Config struct {
	MaxBatchSize  int           `json:"max_batch_size" yaml:"max_batch_size"`
	MaxWait       time.Duration `json:"max_wait" yaml:"max_wait"`
	MaxConcurrent int           `json:"max_concurrent" yaml:"max_concurrent"`
}

// DefaultConfig batches up to 10 items, waits at most 100 ms, and runs at
// most 5 batches at once.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:  10,
		MaxWait:       100 * time.Millisecond,
		MaxConcurrent: 5,
	}
}

// ============================================================================
// HANDLE
// ============================================================================

// Handle is the one-shot result of an enqueued item.
type Handle struct {
	RequestID string

	done  chan struct{}
	value interface{}
	err   error
}

func newHandle(requestID string) *Handle {
	return &Handle{RequestID: requestID, done: make(chan struct{})}
}

func (h *Handle) resolve(value interface{}, err error) {
	h.value, h.err = value, err
	close(h.done)
}

// Done is closed once the result is available.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the batch completes or ctx ends.
func (h *Handle) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ============================================================================
// BATCHER
// ============================================================================

type item struct {
	requestID  string
	payload    interface{}
	model      string
	priority   int
	enqueuedAt time.Time
	handle     *Handle
}

type modelQueue struct {
	items []*item
	timer *time.Timer
	gen   uint64 // bumped on every take; stale timers check it and bail
}

// Batcher owns the per-model queues. Flush and Shutdown are not meant to
// run concurrently with each other.
type Batcher struct {
	cfg     Config
	process Processor
	rec     Recorder
	logger  *log.Logger

	mu     sync.Mutex
	queues map[string]*modelQueue
	closed bool

	sem chan struct{}
	wg  sync.WaitGroup
}

// New builds a batcher around process. rec may be nil.
func New(cfg Config, process Processor, rec Recorder) *Batcher {
	if process == nil {
		panic("batch: nil processor")
	}
	def := DefaultConfig()
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	return &Batcher{
		cfg:     cfg,
		process: process,
		rec:     rec,
		logger:  log.New(log.Writer(), "[BATCH] ", log.LstdFlags),
		queues:  make(map[string]*modelQueue),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Add enqueues payload for model and returns its handle. The batch fires
// immediately when the queue reaches the size cap, otherwise when the
// oldest item's wait timer runs out.
func (b *Batcher) Add(ctx context.Context, model string, payload interface{}, priority int) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if model == "" {
		return nil, errors.New("model is required")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrShutdown
	}
	q := b.queues[model]
	if q == nil {
		q = &modelQueue{}
		b.queues[model] = q
	}

	it := &item{
		requestID:  uuid.NewString(),
		payload:    payload,
		model:      model,
		priority:   priority,
		enqueuedAt: time.Now(),
	}
	it.handle = newHandle(it.requestID)
	q.items = append(q.items, it)

	if len(q.items) >= b.cfg.MaxBatchSize {
		batch := b.takeLocked(q)
		b.armTimerLocked(model, q)
		b.wg.Add(1)
		b.mu.Unlock()
		go func() {
			defer b.wg.Done()
			b.run(model, batch)
		}()
		return it.handle, nil
	}

	b.armTimerLocked(model, q)
	b.mu.Unlock()
	return it.handle, nil
}

// Flush synchronously processes everything queued across all models.
func (b *Batcher) Flush(ctx context.Context) error {
	batches := b.drain()

	var flushed sync.WaitGroup
	for _, p := range batches {
		b.wg.Add(1)
		flushed.Add(1)
		go func(model string, items []*item) {
			defer b.wg.Done()
			defer flushed.Done()
			b.run(model, items)
		}(p.model, p.items)
	}

	done := make(chan struct{})
	go func() {
		flushed.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops intake, cancels pending timers, processes the remaining
// queues, and waits for every in-flight batch. Repeated calls return nil.
func (b *Batcher) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	batches := b.drain()
	for _, p := range batches {
		b.wg.Add(1)
		go func(model string, items []*item) {
			defer b.wg.Done()
			b.run(model, items)
		}(p.model, p.items)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
// INTERNALS
// ============================================================================

type pendingBatch struct {
	model string
	items []*item
}

// drain empties every queue into size-capped batches and stops timers.
func (b *Batcher) drain() []pendingBatch {
	b.mu.Lock()
	defer b.mu.Unlock()

	var batches []pendingBatch
	for model, q := range b.queues {
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
		for len(q.items) > 0 {
			batches = append(batches, pendingBatch{model: model, items: b.takeLocked(q)})
		}
	}
	return batches
}

// takeLocked removes up to MaxBatchSize items in processing order
// (priority descending, FIFO within equal priority), stops the pending
// timer, and invalidates stale timer callbacks. Caller holds b.mu.
func (b *Batcher) takeLocked(q *modelQueue) []*item {
	sort.SliceStable(q.items, func(i, j int) bool {
		return q.items[i].priority > q.items[j].priority
	})

	n := len(q.items)
	if n > b.cfg.MaxBatchSize {
		n = b.cfg.MaxBatchSize
	}
	batch := q.items[:n:n]
	q.items = append([]*item(nil), q.items[n:]...)

	q.gen++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	return batch
}

// armTimerLocked starts the one-shot wait timer when items are queued and
// no timer is pending. Caller holds b.mu.
func (b *Batcher) armTimerLocked(model string, q *modelQueue) {
	if b.closed || q.timer != nil || len(q.items) == 0 {
		return
	}
	gen := q.gen
	q.timer = time.AfterFunc(b.cfg.MaxWait, func() {
		b.fire(model, gen)
	})
}

func (b *Batcher) fire(model string, gen uint64) {
	b.mu.Lock()
	q := b.queues[model]
	if q == nil || q.gen != gen || b.closed || len(q.items) == 0 {
		b.mu.Unlock()
		return
	}
	q.timer = nil
	batch := b.takeLocked(q)
	b.armTimerLocked(model, q)
	b.wg.Add(1)
	b.mu.Unlock()

	defer b.wg.Done()
	b.run(model, batch)
}

// run processes one batch. It blocks on the concurrency semaphore; once
// processing starts the batch is never interrupted.
func (b *Batcher) run(model string, items []*item) {
	b.sem <- struct{}{}
	defer func() { <-b.sem }()

	payloads := make([]interface{}, len(items))
	var oldest time.Time
	for i, it := range items {
		payloads[i] = it.payload
		if oldest.IsZero() || it.enqueuedAt.Before(oldest) {
			oldest = it.enqueuedAt
		}
	}

	results, err := b.process(context.Background(), model, payloads)
	if b.rec != nil {
		b.rec.RecordBatch(len(items), time.Since(oldest).Seconds())
	}
	if err != nil {
		b.logger.Printf("Batch of %d for %s failed: %v", len(items), model, err)
		for _, it := range items {
			it.handle.resolve(nil, err)
		}
		return
	}

	for i, it := range items {
		if i >= len(results) || results[i] == nil {
			it.handle.resolve(nil, ErrNoResult)
			continue
		}
		it.handle.resolve(results[i], nil)
	}
}
