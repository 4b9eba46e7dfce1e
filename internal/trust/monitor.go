// Package trust watches delivery quality and user behavior for signs the
// assistant is losing its owner's confidence.
//
// Six signals are measured over a moving window (24 h by default) on a fixed
// cadence. Thresholds are deliberately not configurable: the point of the
// monitor is that nobody can quietly loosen it. A stop-level signal halts
// the rollout once per excursion; repeated stop measurements keep auditing
// but do not re-freeze.
package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brianfofficial/atlas/internal/audit"
	"github.com/brianfofficial/atlas/internal/events"
	"github.com/brianfofficial/atlas/internal/storage"
)

var (
	ErrBadSeverity = errors.New("trust: severity must be warning or critical")
	ErrBadTrigger  = errors.New("trust: trigger is required")
	ErrBadOutcome  = errors.New("trust: briefing status must be delivered, failed or partial")
	ErrBadAction   = errors.New("trust: item action must be created or dismissed")
)

// Store is the slice of the repository the monitor needs.
type Store interface {
	InsertTrustSignal(ctx context.Context, s *storage.TrustSignal) error
	ListTrustSignals(ctx context.Context, typ string, since, until time.Time) ([]*storage.TrustSignal, error)
	InsertTrustRegression(ctx context.Context, r *storage.TrustRegression) error
	ListTrustRegressions(ctx context.Context, since time.Time) ([]*storage.TrustRegression, error)
	ResolveTrustRegression(ctx context.Context, id, resolution string, at time.Time) error
	InsertBriefingOutcome(ctx context.Context, b *storage.BriefingOutcome) error
	ListBriefingOutcomes(ctx context.Context, since time.Time) ([]*storage.BriefingOutcome, error)
	InsertItemEvent(ctx context.Context, e *storage.ItemEvent) error
	ListItemEvents(ctx context.Context, since time.Time) ([]*storage.ItemEvent, error)
}

// RolloutControl is how stop-level outcomes reach the rollout controller.
type RolloutControl interface {
	TriggerHalt(ctx context.Context, signal string, value float64, measurementID string)
	Freeze(ctx context.Context, reason, by string) (bool, error)
}

// MetricsRecorder publishes signal levels to prometheus.
type MetricsRecorder interface {
	SetTrustSignal(signalType, level string)
}

type Config struct {
	Refresh time.Duration // measurement cadence, default 5 min
	Window  time.Duration // moving lookback, default 24 h

	// SustainWindow is how long S3 must hold above its stop threshold
	// before the halt fires. Default 1 h.
	SustainWindow time.Duration
}

func (c *Config) applyDefaults() {
	if c.Refresh <= 0 {
		c.Refresh = 5 * time.Minute
	}
	if c.Window <= 0 {
		c.Window = 24 * time.Hour
	}
	if c.SustainWindow <= 0 {
		c.SustainWindow = time.Hour
	}
}

// RegressionInput describes one observed drift event.
type RegressionInput struct {
	Owner        string
	Trigger      string
	Severity     string // warning | critical
	Description  string
	UserReported bool
	UserFeedback string
	BriefingID   string
}

// SignalStatus is the latest classification for one signal.
type SignalStatus struct {
	Type        string    `json:"type"`
	Value       float64   `json:"value"`
	Level       string    `json:"level"`
	Numerator   int       `json:"numerator"`
	Denominator int       `json:"denominator"`
	MeasuredAt  time.Time `json:"measured_at"`
}

// Status is the monitor's externally visible state.
type Status struct {
	Signals         []SignalStatus `json:"signals"`
	OpenRegressions int            `json:"open_regressions"`
	LastMeasuredAt  time.Time      `json:"last_measured_at,omitempty"`
}

// Monitor measures the six signals and records regressions. It is the only
// writer of trust signal rows.
type Monitor struct {
	cfg      Config
	store    Store
	auditLog *audit.Logger
	bus      events.Emitter
	rollout  RolloutControl
	metrics  MetricsRecorder

	mu        sync.Mutex
	retryLog  map[string][]time.Time // session -> retry times inside the window
	spamAt    []time.Time            // when a session crossed 3 retries / 60 s
	haltFired map[string]bool        // signal type -> halt sent this excursion

	stopCh   chan struct{}
	stopOnce sync.Once

	now func() time.Time
}

func New(cfg Config, store Store, auditLog *audit.Logger, bus events.Emitter, rollout RolloutControl, metrics MetricsRecorder) *Monitor {
	cfg.applyDefaults()
	m := &Monitor{
		cfg:       cfg,
		store:     store,
		auditLog:  auditLog,
		bus:       bus,
		rollout:   rollout,
		metrics:   metrics,
		retryLog:  make(map[string][]time.Time),
		haltFired: make(map[string]bool),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
	go m.loop()
	return m
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.cfg.Refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := m.MeasureNow(ctx); err != nil {
				slog.Error("[Trust] measurement failed", "error", err)
			}
			cancel()
		case <-m.stopCh:
			return
		}
	}
}

// Stop halts the measurement loop. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// MeasureNow computes, classifies and persists all six signals. The loop
// calls this on every tick; tests and admin endpoints may call it directly.
func (m *Monitor) MeasureNow(ctx context.Context) ([]*storage.TrustSignal, error) {
	now := m.now()
	since := now.Add(-m.cfg.Window)

	outcomes, err := m.store.ListBriefingOutcomes(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("list briefing outcomes: %w", err)
	}
	items, err := m.store.ListItemEvents(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("list item events: %w", err)
	}
	regressions, err := m.store.ListTrustRegressions(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("list regressions: %w", err)
	}

	signals := []*storage.TrustSignal{
		m.measureBriefingFailures(outcomes, since, now),
		m.measureRetryRate(outcomes, since, now),
		m.measurePartialSuccess(ctx, outcomes, since, now),
		m.measureDismissals(items, since, now),
		m.measureRefreshLoops(since, now),
		m.measureRiskAlerts(regressions, since, now),
	}

	for _, s := range signals {
		if err := m.store.InsertTrustSignal(ctx, s); err != nil {
			return nil, fmt.Errorf("persist %s: %w", s.Type, err)
		}
		if m.metrics != nil {
			m.metrics.SetTrustSignal(s.Type, s.Level)
		}
		if s.Level == LevelStop {
			m.handleStop(ctx, s)
		} else {
			m.mu.Lock()
			delete(m.haltFired, s.Type)
			m.mu.Unlock()
		}
	}
	return signals, nil
}

// S1: failed briefings / total.
func (m *Monitor) measureBriefingFailures(outcomes []*storage.BriefingOutcome, since, now time.Time) *storage.TrustSignal {
	failed := 0
	for _, o := range outcomes {
		if o.Status == "failed" {
			failed++
		}
	}
	value := ratio(failed, len(outcomes))
	return m.newSignal(SignalBriefingFailureRate, value, classify(SignalBriefingFailureRate, value),
		failed, len(outcomes), since, now, nil)
}

// S2: distinct briefings with a retry / total viewed. Any single briefing
// retried more than 3 times forces stop.
func (m *Monitor) measureRetryRate(outcomes []*storage.BriefingOutcome, since, now time.Time) *storage.TrustSignal {
	viewed := 0
	retried := make(map[string]bool)
	maxRetries := 0
	for _, o := range outcomes {
		if o.Viewed {
			viewed++
			if o.Retries > 0 {
				retried[o.BriefingID] = true
			}
		}
		if o.Retries > maxRetries {
			maxRetries = o.Retries
		}
	}
	value := ratio(len(retried), viewed)
	level := classify(SignalRetryRate, value)
	var meta map[string]interface{}
	if maxRetries > 3 {
		level = LevelStop
		meta = map[string]interface{}{"stop_reason": fmt.Sprintf("single briefing retried %d times", maxRetries)}
	}
	return m.newSignal(SignalRetryRate, value, level, len(retried), viewed, since, now, meta)
}

// S3: briefings with at least one failed section / total. The stop level
// only counts when every persisted S3 measurement across the trailing
// sustain window was already above the stop threshold.
func (m *Monitor) measurePartialSuccess(ctx context.Context, outcomes []*storage.BriefingOutcome, since, now time.Time) *storage.TrustSignal {
	partial := 0
	for _, o := range outcomes {
		if o.SectionsFailed > 0 {
			partial++
		}
	}
	value := ratio(partial, len(outcomes))
	level := classify(SignalPartialSuccessRate, value)

	var meta map[string]interface{}
	if level == LevelStop {
		if !m.sustainedAboveStop(ctx, SignalPartialSuccessRate, now) {
			level = LevelWarning
			meta = map[string]interface{}{"raw_level": LevelStop, "sustain_pending": true}
		} else {
			meta = map[string]interface{}{"sustained_for": m.cfg.SustainWindow.String()}
		}
	}
	return m.newSignal(SignalPartialSuccessRate, value, level, partial, len(outcomes), since, now, meta)
}

// sustainedAboveStop reports whether every persisted measurement of typ in
// the trailing sustain window sat above the stop threshold, with history
// reaching back to the start of that window.
func (m *Monitor) sustainedAboveStop(ctx context.Context, typ string, now time.Time) bool {
	windowStart := now.Add(-m.cfg.SustainWindow)
	rows, err := m.store.ListTrustSignals(ctx, typ, windowStart, now)
	if err != nil || len(rows) == 0 {
		return false
	}
	oldest := rows[0].MeasuredAt
	stop := signalThresholds[typ].stop
	for _, r := range rows {
		if r.Value <= stop {
			return false
		}
		if r.MeasuredAt.Before(oldest) {
			oldest = r.MeasuredAt
		}
	}
	// One refresh of slack: the first above-stop measurement must be at
	// least a full window old.
	return !oldest.After(windowStart.Add(m.cfg.Refresh))
}

// S4: items dismissed / items created. The same (owner, item type)
// dismissed more than 3 times forces stop.
func (m *Monitor) measureDismissals(items []*storage.ItemEvent, since, now time.Time) *storage.TrustSignal {
	created, dismissed := 0, 0
	perKey := make(map[string]int)
	worstKey, worstCount := "", 0
	for _, e := range items {
		switch e.Action {
		case "created":
			created++
		case "dismissed":
			dismissed++
			k := e.Owner + "/" + e.ItemType
			perKey[k]++
			if perKey[k] > worstCount {
				worstKey, worstCount = k, perKey[k]
			}
		}
	}
	value := ratio(dismissed, created)
	level := classify(SignalDismissalRate, value)
	var meta map[string]interface{}
	if worstCount > 3 {
		level = LevelStop
		meta = map[string]interface{}{"stop_reason": fmt.Sprintf("%s dismissed %d times", worstKey, worstCount)}
	}
	return m.newSignal(SignalDismissalRate, value, level, dismissed, created, since, now, meta)
}

// S5: average retries per session from the in-memory sliding log. A burst
// (any session over 3 retries inside 60 s) forces stop.
func (m *Monitor) measureRefreshLoops(since, now time.Time) *storage.TrustSignal {
	m.mu.Lock()
	total, sessions := 0, 0
	for id, times := range m.retryLog {
		times = trimTimes(times, since)
		if len(times) == 0 {
			delete(m.retryLog, id)
			continue
		}
		m.retryLog[id] = times
		total += len(times)
		sessions++
	}
	m.spamAt = trimTimes(m.spamAt, since)
	burst := len(m.spamAt) > 0
	m.mu.Unlock()

	value := 0.0
	if sessions > 0 {
		value = float64(total) / float64(sessions)
	}
	level := classify(SignalRefreshLoops, value)
	var meta map[string]interface{}
	if burst {
		level = LevelStop
		meta = map[string]interface{}{"stop_reason": "session exceeded 3 retries in 60s"}
	}
	return m.newSignal(SignalRefreshLoops, value, level, total, sessions, since, now, meta)
}

// S6: count of critical alert events. Any stale_data, silent_failure or
// cascade_failure alert forces stop.
func (m *Monitor) measureRiskAlerts(regressions []*storage.TrustRegression, since, now time.Time) *storage.TrustSignal {
	criticals := 0
	haltTrigger := ""
	for _, r := range regressions {
		if r.Severity == SeverityCritical {
			criticals++
		}
		if haltTriggers[r.Trigger] && haltTrigger == "" {
			haltTrigger = r.Trigger
		}
	}
	value := float64(criticals)
	level := classify(SignalTrustRiskAlerts, value)
	var meta map[string]interface{}
	if haltTrigger != "" {
		level = LevelStop
		meta = map[string]interface{}{"stop_reason": "alert of type " + haltTrigger}
	}
	return m.newSignal(SignalTrustRiskAlerts, value, level, criticals, len(regressions), since, now, meta)
}

func (m *Monitor) newSignal(typ string, value float64, level string, num, den int, since, now time.Time, meta map[string]interface{}) *storage.TrustSignal {
	return &storage.TrustSignal{
		ID:          uuid.New().String(),
		Type:        typ,
		Value:       value,
		Level:       level,
		Numerator:   num,
		Denominator: den,
		PeriodStart: since,
		PeriodEnd:   now,
		MeasuredAt:  now,
		Metadata:    meta,
	}
}

// handleStop halts the rollout once per excursion and audits every stop
// measurement.
func (m *Monitor) handleStop(ctx context.Context, s *storage.TrustSignal) {
	m.mu.Lock()
	fired := m.haltFired[s.Type]
	m.haltFired[s.Type] = true
	m.mu.Unlock()

	if !fired && m.rollout != nil {
		m.rollout.TriggerHalt(ctx, s.Type, s.Value, s.ID)
	}

	m.audit(ctx, audit.Event{
		Type:     audit.TypeTrustSignalStop,
		Severity: audit.SeverityCritical,
		Message:  fmt.Sprintf("trust signal %s at stop level", s.Type),
		Metadata: map[string]interface{}{
			"signal":         s.Type,
			"value":          s.Value,
			"measurement_id": s.ID,
			"halt_sent":      !fired,
		},
	})
	m.emit(events.TopicTrustRegression, s.Type, map[string]interface{}{
		"kind":   "signal_stop",
		"signal": s.Type,
		"value":  s.Value,
		"level":  s.Level,
	})
	slog.Warn("[Trust] stop-level signal", "signal", s.Type, "value", s.Value, "halt_sent", !fired)
}

// RecordRetry tracks a manual refresh from the execution path. The fourth
// retry by one session inside 60 s records a retry_button_spam regression
// at critical, which freezes the rollout.
func (m *Monitor) RecordRetry(ctx context.Context, owner, session, briefingID, section string) {
	now := m.now()

	m.mu.Lock()
	log := append(trimTimes(m.retryLog[session], now.Add(-m.cfg.Window)), now)
	m.retryLog[session] = log
	burst := 0
	cutoff := now.Add(-60 * time.Second)
	for i := len(log) - 1; i >= 0 && !log[i].Before(cutoff); i-- {
		burst++
	}
	spam := burst == 4 // fire once per burst, on the crossing
	if spam {
		m.spamAt = append(m.spamAt, now)
	}
	m.mu.Unlock()

	if !spam {
		return
	}
	desc := fmt.Sprintf("session %s pressed retry %d times inside 60s", session, burst)
	if section != "" {
		desc += " on section " + section
	}
	if _, err := m.RecordRegression(ctx, RegressionInput{
		Owner:       owner,
		Trigger:     TriggerRetryButtonSpam,
		Severity:    SeverityCritical,
		Description: desc,
		BriefingID:  briefingID,
	}); err != nil {
		slog.Error("[Trust] retry spam regression failed", "session", session, "error", err)
	}
}

// RecordRegression persists a drift event. Critical events freeze the
// rollout immediately.
func (m *Monitor) RecordRegression(ctx context.Context, in RegressionInput) (*storage.TrustRegression, error) {
	if in.Severity != SeverityWarning && in.Severity != SeverityCritical {
		return nil, ErrBadSeverity
	}
	if in.Trigger == "" {
		return nil, ErrBadTrigger
	}

	r := &storage.TrustRegression{
		ID:           uuid.New().String(),
		Owner:        in.Owner,
		Trigger:      in.Trigger,
		Severity:     in.Severity,
		Description:  in.Description,
		UserReported: in.UserReported,
		UserFeedback: in.UserFeedback,
		BriefingID:   in.BriefingID,
		At:           m.now(),
	}
	if err := m.store.InsertTrustRegression(ctx, r); err != nil {
		return nil, fmt.Errorf("persist regression: %w", err)
	}

	if typ, ok := auditTypeForTrigger[in.Trigger]; ok {
		sev := audit.SeverityWarning
		if in.Severity == SeverityCritical {
			sev = audit.SeverityCritical
		}
		m.audit(ctx, audit.Event{
			Type:     typ,
			Severity: sev,
			Message:  in.Description,
			Owner:    in.Owner,
			Metadata: map[string]interface{}{"regression_id": r.ID, "user_reported": in.UserReported},
		})
	}

	m.emit(events.TopicTrustRegression, r.ID, map[string]interface{}{
		"kind":     "regression",
		"trigger":  r.Trigger,
		"severity": r.Severity,
		"owner":    r.Owner,
	})

	if in.Severity == SeverityCritical && m.rollout != nil {
		if _, err := m.rollout.Freeze(ctx, "trust_regression:"+in.Trigger, "trust-monitor"); err != nil {
			slog.Error("[Trust] freeze after critical regression failed", "trigger", in.Trigger, "error", err)
		}
	}
	slog.Warn("[Trust] regression recorded", "trigger", r.Trigger, "severity", r.Severity, "owner", r.Owner)
	return r, nil
}

// RecordFeelsWrongReport is the owner saying "something is off". Always
// critical and user-reported; always freezes the rollout.
func (m *Monitor) RecordFeelsWrongReport(ctx context.Context, owner, feedback string) (*storage.TrustRegression, error) {
	return m.RecordRegression(ctx, RegressionInput{
		Owner:        owner,
		Trigger:      TriggerFeelsWrong,
		Severity:     SeverityCritical,
		Description:  "owner reported the assistant feels wrong",
		UserReported: true,
		UserFeedback: feedback,
	})
}

// ResolveRegression closes out a drift event.
func (m *Monitor) ResolveRegression(ctx context.Context, id, resolution string) error {
	return m.store.ResolveTrustRegression(ctx, id, resolution, m.now())
}

// RecordBriefingOutcome feeds S1-S3.
func (m *Monitor) RecordBriefingOutcome(ctx context.Context, b storage.BriefingOutcome) error {
	switch b.Status {
	case "delivered", "failed", "partial":
	default:
		return ErrBadOutcome
	}
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.At.IsZero() {
		b.At = m.now()
	}
	return m.store.InsertBriefingOutcome(ctx, &b)
}

// RecordItemEvent feeds S4.
func (m *Monitor) RecordItemEvent(ctx context.Context, owner, itemType, action string) error {
	if action != "created" && action != "dismissed" {
		return ErrBadAction
	}
	return m.store.InsertItemEvent(ctx, &storage.ItemEvent{
		ID:       uuid.New().String(),
		Owner:    owner,
		ItemType: itemType,
		Action:   action,
		At:       m.now(),
	})
}

// Regressions lists drift events since the given time.
func (m *Monitor) Regressions(ctx context.Context, since time.Time) ([]*storage.TrustRegression, error) {
	return m.store.ListTrustRegressions(ctx, since)
}

// Snapshot returns the latest classification per signal plus the open
// regression count over the window.
func (m *Monitor) Snapshot(ctx context.Context) (*Status, error) {
	now := m.now()
	since := now.Add(-m.cfg.Window)

	rows, err := m.store.ListTrustSignals(ctx, "", since, now)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	latest := make(map[string]*storage.TrustSignal)
	for _, r := range rows {
		if cur, ok := latest[r.Type]; !ok || r.MeasuredAt.After(cur.MeasuredAt) {
			latest[r.Type] = r
		}
	}

	st := &Status{Signals: make([]SignalStatus, 0, len(latest))}
	for _, s := range latest {
		st.Signals = append(st.Signals, SignalStatus{
			Type:        s.Type,
			Value:       s.Value,
			Level:       s.Level,
			Numerator:   s.Numerator,
			Denominator: s.Denominator,
			MeasuredAt:  s.MeasuredAt,
		})
		if s.MeasuredAt.After(st.LastMeasuredAt) {
			st.LastMeasuredAt = s.MeasuredAt
		}
	}
	sort.Slice(st.Signals, func(i, j int) bool { return st.Signals[i].Type < st.Signals[j].Type })

	regs, err := m.store.ListTrustRegressions(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("list regressions: %w", err)
	}
	for _, r := range regs {
		if !r.Resolved {
			st.OpenRegressions++
		}
	}
	return st, nil
}

var auditTypeForTrigger = map[string]string{
	TriggerStaleData:         audit.TypeTrustStaleData,
	TriggerSilentFailure:     audit.TypeTrustSilentFailure,
	TriggerBehaviorChange:    audit.TypeTrustBehaviorChange,
	TriggerMemoryAttribution: audit.TypeTrustMemoryAttribution,
	TriggerCascadeFailure:    audit.TypeTrustCascadeFailure,
	TriggerFeelsWrong:        audit.TypeTrustUserReport,
}

func trimTimes(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	return times[i:]
}

func (m *Monitor) audit(ctx context.Context, ev audit.Event) {
	if m.auditLog == nil {
		return
	}
	if err := m.auditLog.Log(ctx, ev); err != nil {
		slog.Error("[Trust] audit write failed", "type", ev.Type, "error", err)
	}
}

func (m *Monitor) emit(topic, subject string, data map[string]interface{}) {
	if m.bus != nil {
		m.bus.Emit(topic, "trust", subject, data)
	}
}
