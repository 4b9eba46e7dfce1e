package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brianfofficial/atlas/internal/events"
	"github.com/brianfofficial/atlas/internal/storage"
)

// Sink delivers one notification to an external channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n *storage.Notification) error
}

// Store is the slice of the repository the dispatcher needs.
type Store interface {
	InsertNotification(ctx context.Context, n *storage.Notification) error
	ListNotifications(ctx context.Context, limit int) ([]*storage.Notification, error)
}

type Config struct {
	Workers     int           // delivery goroutines (default 4)
	QueueSize   int           // pending deliveries before drops (default 256)
	MaxAttempts int           // per-sink tries including the first (default 3)
	RetryBase   time.Duration // backoff unit, attempt² × base (default 1s)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	return c
}

type deliveryJob struct {
	sink    Sink
	note    *storage.Notification
	attempt int
}

// Dispatcher fans notification records out to sinks over a background
// worker pool. It watches the bus for cost alerts, rollout freezes and
// trust regressions and turns each into a record; components can also
// push records directly with Dispatch.
type Dispatcher struct {
	cfg    Config
	store  Store
	sinks  []Sink
	queue  chan *deliveryJob
	sub    *events.Subscription
	logger *log.Logger
	wg     sync.WaitGroup

	evDone   chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	closed bool
}

// New starts the worker pool and, when bus is non-nil, the event watcher.
// With no sinks configured everything lands in the log.
func New(cfg Config, store Store, bus *events.Bus, sinks ...Sink) *Dispatcher {
	cfg = cfg.withDefaults()
	if len(sinks) == 0 {
		sinks = []Sink{LogSink{}}
	}
	d := &Dispatcher{
		cfg:    cfg,
		store:  store,
		sinks:  sinks,
		queue:  make(chan *deliveryJob, cfg.QueueSize),
		logger: log.New(log.Writer(), "[Notify] ", log.LstdFlags),
		evDone: make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	if bus != nil {
		d.sub = bus.Subscribe(cfg.QueueSize,
			events.TopicCostAlert, events.TopicRolloutFreeze, events.TopicTrustRegression)
		go d.watch()
	} else {
		close(d.evDone)
	}
	return d
}

// Dispatch persists the record and queues it for every sink. A full
// queue drops the delivery, never blocks the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, n *storage.Notification) error {
	d.stamp(n)
	if d.store != nil {
		if err := d.store.InsertNotification(ctx, n); err != nil {
			return fmt.Errorf("persist notification: %w", err)
		}
	}
	d.fanOut(n)
	return nil
}

// Recent returns the newest persisted records, newest first.
func (d *Dispatcher) Recent(ctx context.Context, limit int) ([]*storage.Notification, error) {
	if d.store == nil {
		return nil, nil
	}
	return d.store.ListNotifications(ctx, limit)
}

// Shutdown stops the watcher, drains queued deliveries and waits for
// in-flight ones. Safe to call more than once.
func (d *Dispatcher) Shutdown() {
	d.stopOnce.Do(func() {
		if d.sub != nil {
			d.sub.Close()
		}
		<-d.evDone

		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()

		d.wg.Wait()
	})
}

func (d *Dispatcher) stamp(n *storage.Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if n.Severity == "" {
		n.Severity = "info"
	}
}

func (d *Dispatcher) fanOut(n *storage.Notification) {
	for _, s := range d.sinks {
		if !d.send(&deliveryJob{sink: s, note: n, attempt: 1}) {
			d.logger.Printf("Queue full, dropping %s for sink %s", n.ID, s.Name())
		}
	}
}

// send enqueues under the lock so a concurrent Shutdown cannot close the
// queue out from under us.
func (d *Dispatcher) send(job *deliveryJob) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- job:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) watch() {
	defer close(d.evDone)
	for ev := range d.sub.C {
		note, persist := d.fromEvent(ev)
		if note == nil {
			continue
		}
		d.stamp(note)
		if persist && d.store != nil {
			if err := d.store.InsertNotification(context.Background(), note); err != nil {
				d.logger.Printf("Persist for %s failed: %v", ev.Type, err)
			}
		}
		d.fanOut(note)
	}
}

// fromEvent shapes a bus event into a record. Cost alerts come back with
// persist=false: the tracker already wrote that row before emitting.
func (d *Dispatcher) fromEvent(ev *events.Event) (*storage.Notification, bool) {
	n := &storage.Notification{
		ID:        uuid.NewString(),
		Metadata:  ev.Data,
		CreatedAt: ev.Time,
	}
	switch ev.Type {
	case events.TopicCostAlert:
		n.Channel = "budget"
		n.Subject = fmt.Sprintf("Budget alert: %s spend crossed %v%%", ev.Subject, ev.Data["threshold"])
		n.Body = fmt.Sprintf("Spent $%.2f of the $%.2f %s limit.",
			asFloat(ev.Data["spent"]), asFloat(ev.Data["limit"]), ev.Subject)
		n.Severity = "warning"
		if asFloat(ev.Data["threshold"]) >= 90 {
			n.Severity = "critical"
		}
		return n, false

	case events.TopicRolloutFreeze:
		n.Channel = "rollout"
		action, _ := ev.Data["action"].(string)
		if action == "unfreeze" {
			n.Subject = "Rollout unfrozen"
			n.Body = fmt.Sprintf("Sign-ups resumed by %v.", ev.Data["by"])
			n.Severity = "info"
			return n, true
		}
		n.Subject = "Rollout frozen: " + ev.Subject
		n.Body = fmt.Sprintf("New sign-ups halted by %v. Reason: %s.", ev.Data["by"], ev.Subject)
		n.Severity = "critical"
		return n, true

	case events.TopicTrustRegression:
		n.Channel = "trust"
		kind, _ := ev.Data["kind"].(string)
		if kind == "signal_stop" {
			n.Subject = fmt.Sprintf("Trust signal at stop level: %v", ev.Data["signal"])
			n.Body = fmt.Sprintf("Signal %v measured %v, above its stop threshold.",
				ev.Data["signal"], ev.Data["value"])
			n.Severity = "critical"
			return n, true
		}
		n.Subject = fmt.Sprintf("Trust regression: %v", ev.Data["trigger"])
		n.Body = fmt.Sprintf("Regression %v reported for %v.", ev.Data["trigger"], ev.Data["owner"])
		n.Severity = "warning"
		if sev, _ := ev.Data["severity"].(string); sev == "critical" {
			n.Severity = "critical"
		}
		return n, true
	}
	return nil, false
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err := job.sink.Deliver(ctx, job.note)
	cancel()
	if err == nil {
		return
	}

	d.logger.Printf("Delivery failed (%s, attempt %d/%d): %v",
		job.sink.Name(), job.attempt, d.cfg.MaxAttempts, err)
	if job.attempt >= d.cfg.MaxAttempts {
		d.logger.Printf("Giving up on %s after %d attempts", job.note.ID, job.attempt)
		return
	}

	time.Sleep(time.Duration(job.attempt*job.attempt) * d.cfg.RetryBase)
	job.attempt++
	if !d.send(job) {
		d.logger.Printf("Queue full, dropping retry for %s", job.note.ID)
	}
}

func asFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	default:
		return 0
	}
}

// ============================================================================
// SINKS
// ============================================================================

// WebhookSink POSTs records as JSON to a fixed URL. Payloads are signed
// with HMAC-SHA256 when a secret is configured.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, n *storage.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Atlas-Notification-ID", n.ID)
	req.Header.Set("X-Atlas-Channel", n.Channel)
	if s.secret != "" {
		req.Header.Set("X-Atlas-Signature", "sha256="+SignPayload(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// SignPayload creates the HMAC-SHA256 signature receivers verify
// deliveries with.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// LogSink writes records to the structured log. The fallback when no
// webhook is configured.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Deliver(_ context.Context, n *storage.Notification) error {
	slog.Info("[Notify] "+n.Subject,
		"channel", n.Channel, "severity", n.Severity, "body", n.Body)
	return nil
}
