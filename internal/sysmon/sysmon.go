package sysmon

import (
	"log/slog"
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/brianfofficial/atlas/internal/events"
)

const defaultLimitBytes = 512 << 20

// MetricsRecorder receives each heap sample.
type MetricsRecorder interface {
	SetHeapUsage(inuseBytes uint64, ratio float64)
}

type Config struct {
	Interval   time.Duration // sampling cadence (default 30s)
	LimitBytes uint64        // heap budget; 0 reads GOMEMLIMIT, else 512 MiB
	Threshold  float64       // critical fraction of the budget (default 0.6)
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.LimitBytes == 0 {
		if lim := debug.SetMemoryLimit(-1); lim > 0 && lim < math.MaxInt64 {
			c.LimitBytes = uint64(lim)
		} else {
			c.LimitBytes = defaultLimitBytes
		}
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = 0.6
	}
	return c
}

// Sample is one heap reading.
type Sample struct {
	HeapInUse uint64    `json:"heap_inuse_bytes"`
	Limit     uint64    `json:"limit_bytes"`
	Ratio     float64   `json:"ratio"`
	Critical  bool      `json:"critical"`
	At        time.Time `json:"at"`
}

// Watcher samples the Go heap and raises sysmon.memory.critical when
// heap-in-use crosses the threshold fraction of the budget. One event
// per excursion; the trigger re-arms once usage falls back under the
// line. The gc scheduler answers the event with an emergency pass.
type Watcher struct {
	cfg     Config
	bus     events.Emitter
	metrics MetricsRecorder

	stopCh   chan struct{}
	stopOnce sync.Once
	done     sync.WaitGroup

	mu      sync.Mutex
	tripped bool
	last    Sample

	readHeap func() uint64
}

// New starts the sampling loop.
func New(cfg Config, bus events.Emitter, metrics MetricsRecorder) *Watcher {
	w := &Watcher{
		cfg:      cfg.withDefaults(),
		bus:      bus,
		metrics:  metrics,
		stopCh:   make(chan struct{}),
		readHeap: heapInUse,
	}
	w.done.Add(1)
	go w.loop()
	return w
}

// Stop halts sampling. No reading is taken after Stop returns. Safe to
// call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.done.Wait()
}

func (w *Watcher) loop() {
	defer w.done.Done()
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.SampleNow()
		case <-w.stopCh:
			return
		}
	}
}

// SampleNow takes one reading immediately.
func (w *Watcher) SampleNow() Sample {
	inuse := w.readHeap()
	ratio := float64(inuse) / float64(w.cfg.LimitBytes)
	s := Sample{
		HeapInUse: inuse,
		Limit:     w.cfg.LimitBytes,
		Ratio:     ratio,
		Critical:  ratio >= w.cfg.Threshold,
		At:        time.Now(),
	}

	w.mu.Lock()
	fire := s.Critical && !w.tripped
	w.tripped = s.Critical
	w.last = s
	w.mu.Unlock()

	if w.metrics != nil {
		w.metrics.SetHeapUsage(inuse, ratio)
	}
	if fire && w.bus != nil {
		w.bus.Emit(events.TopicMemoryCritical, "sysmon", "", map[string]interface{}{
			"heap_inuse_bytes": inuse,
			"limit_bytes":      w.cfg.LimitBytes,
			"ratio":            ratio,
			"threshold":        w.cfg.Threshold,
		})
		slog.Warn("[Sysmon] heap usage critical",
			"heap_inuse_mb", inuse>>20, "limit_mb", w.cfg.LimitBytes>>20, "ratio", ratio)
	}
	return s
}

// Last returns the most recent sample.
func (w *Watcher) Last() Sample {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}
