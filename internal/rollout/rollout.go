// Package rollout gates how many people the assistant is exposed to.
//
// Phases widen the user cap only after a streak of clean days, and any
// trust halt or critical regression freezes sign-ups until a human unfreezes
// them. The controller is the single writer of the rollout state; readers
// always get snapshots.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brianfofficial/atlas/internal/audit"
	"github.com/brianfofficial/atlas/internal/events"
	"github.com/brianfofficial/atlas/internal/storage"
)

var (
	ErrFrozen       = errors.New("rollout: frozen")
	ErrFinalPhase   = errors.New("rollout: already at the final phase")
	ErrStreakTooLow = errors.New("rollout: clean-day streak below requirement")
)

// Phase caps and advancement requirements. Fixed by policy, not config.
var (
	phaseCaps = map[int]int{0: 1, 1: 5, 2: 15, 3: -1} // -1 = unlimited

	cleanDaysToAdvance = map[int]int{0: 7, 1: 14, 2: 30}

	phaseNames = map[int]string{
		0: "builder-only",
		1: "trusted testers",
		2: "extended pilot",
		3: "open",
	}
)

// Store is the slice of the repository the controller needs. Trust rows are
// read during clean-day evaluation.
type Store interface {
	GetRolloutState(ctx context.Context) (*storage.RolloutState, error)
	PutRolloutState(ctx context.Context, s *storage.RolloutState) error
	ListTrustSignals(ctx context.Context, typ string, since, until time.Time) ([]*storage.TrustSignal, error)
	ListTrustRegressions(ctx context.Context, since time.Time) ([]*storage.TrustRegression, error)
}

// Admission is the structured answer to a sign-up attempt.
type Admission struct {
	Admitted bool   `json:"admitted"`
	Status   string `json:"status"` // active | paused | at_capacity
	Reason   string `json:"reason,omitempty"`
	Phase    int    `json:"phase"`
}

type Config struct {
	// CleanDayEvery is the cadence of the clean-day catch-up check.
	// Default 1 h; the check itself only scores fully elapsed UTC days.
	CleanDayEvery time.Duration
}

// Controller owns the rollout state.
type Controller struct {
	store    Store
	auditLog *audit.Logger
	bus      events.Emitter

	mu    sync.Mutex
	state *storage.RolloutState

	stopCh   chan struct{}
	stopOnce sync.Once

	now func() time.Time
}

func New(ctx context.Context, cfg Config, store Store, auditLog *audit.Logger, bus events.Emitter) (*Controller, error) {
	if cfg.CleanDayEvery <= 0 {
		cfg.CleanDayEvery = time.Hour
	}
	c := &Controller{
		store:    store,
		auditLog: auditLog,
		bus:      bus,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}

	st, err := store.GetRolloutState(ctx)
	switch {
	case err == nil:
		c.state = st
	case errors.Is(err, storage.ErrNotFound):
		c.state = &storage.RolloutState{Phase: 0, UpdatedAt: c.now().UTC()}
		if err := store.PutRolloutState(ctx, c.state); err != nil {
			return nil, fmt.Errorf("seed rollout state: %w", err)
		}
	default:
		return nil, fmt.Errorf("load rollout state: %w", err)
	}

	go c.cleanDayLoop(cfg.CleanDayEvery)
	slog.Info("[Rollout] controller ready", "phase", c.state.Phase, "frozen", c.state.Frozen)
	return c, nil
}

func (c *Controller) cleanDayLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := c.EvaluateCleanDays(ctx); err != nil {
				slog.Error("[Rollout] clean-day evaluation failed", "error", err)
			}
			cancel()
		case <-c.stopCh:
			return
		}
	}
}

// Stop halts the clean-day loop. Idempotent.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// State returns a snapshot.
func (c *Controller) State() storage.RolloutState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.state
}

// PhaseName names the current phase for humans.
func PhaseName(phase int) string {
	if n, ok := phaseNames[phase]; ok {
		return n
	}
	return fmt.Sprintf("phase %d", phase)
}

// UserCap returns the cap for a phase; -1 means unlimited.
func UserCap(phase int) int {
	if limit, ok := phaseCaps[phase]; ok {
		return limit
	}
	return 0
}

// AdvancePhase moves one phase up. Requires an unfrozen state and the
// declared clean-day streak; phases cannot be skipped.
func (c *Controller) AdvancePhase(ctx context.Context, by string) (storage.RolloutState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state
	if st.Frozen {
		return *st, fmt.Errorf("%w: %s", ErrFrozen, st.FreezeReason)
	}
	if st.Phase >= 3 {
		return *st, ErrFinalPhase
	}
	required := cleanDaysToAdvance[st.Phase]
	if st.ConsecutiveCleanDays < required {
		return *st, fmt.Errorf("%w: have %d, need %d", ErrStreakTooLow, st.ConsecutiveCleanDays, required)
	}

	from := st.Phase
	now := c.now().UTC()
	st.Phase++
	st.LastPhaseChange = &now
	st.UpdatedAt = now
	if err := c.store.PutRolloutState(ctx, st); err != nil {
		st.Phase = from
		st.LastPhaseChange = nil
		return *st, fmt.Errorf("persist phase change: %w", err)
	}

	c.audit(ctx, audit.Event{
		Type:    audit.TypeRolloutPhaseChange,
		Message: fmt.Sprintf("rollout advanced to %s", PhaseName(st.Phase)),
		Metadata: map[string]interface{}{
			"from": from, "to": st.Phase, "by": by, "clean_days": st.ConsecutiveCleanDays,
		},
	})
	c.emit(events.TopicRolloutPhase, fmt.Sprintf("%d", st.Phase), map[string]interface{}{
		"from": from, "to": st.Phase, "by": by,
	})
	slog.Info("[Rollout] phase advanced", "from", from, "to", st.Phase, "by", by)
	return *st, nil
}

// Freeze pauses sign-ups. Idempotent: a re-freeze is audited but does not
// change state. Returns whether the state changed.
func (c *Controller) Freeze(ctx context.Context, reason, by string) (bool, error) {
	return c.freeze(ctx, reason, by, nil)
}

// TriggerHalt is the trust monitor's entry point for stop-level signals.
func (c *Controller) TriggerHalt(ctx context.Context, signal string, value float64, measurementID string) {
	changed, err := c.freeze(ctx,
		fmt.Sprintf("trust_signal:%s", signal), "trust-monitor",
		map[string]interface{}{"signal": signal, "value": value, "measurement_id": measurementID})
	if err != nil {
		slog.Error("[Rollout] trust halt failed", "signal", signal, "error", err)
		return
	}
	if changed {
		slog.Warn("[Rollout] halted by trust signal", "signal", signal, "value", value)
	}
}

func (c *Controller) freeze(ctx context.Context, reason, by string, extra map[string]interface{}) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state
	meta := map[string]interface{}{"reason": reason, "by": by}
	for k, v := range extra {
		meta[k] = v
	}

	if st.Frozen {
		meta["already_frozen"] = true
		meta["original_reason"] = st.FreezeReason
		c.audit(ctx, audit.Event{
			Type:     audit.TypeRolloutFreeze,
			Severity: audit.SeverityWarning,
			Message:  "rollout freeze requested while already frozen",
			Metadata: meta,
		})
		return false, nil
	}

	now := c.now().UTC()
	st.Frozen = true
	st.FrozenAt = &now
	st.FreezeReason = reason
	st.FrozenBy = by
	st.UpdatedAt = now
	if err := c.store.PutRolloutState(ctx, st); err != nil {
		st.Frozen = false
		st.FrozenAt = nil
		st.FreezeReason = ""
		st.FrozenBy = ""
		return false, fmt.Errorf("persist freeze: %w", err)
	}

	c.audit(ctx, audit.Event{
		Type:     audit.TypeRolloutFreeze,
		Severity: audit.SeverityCritical,
		Message:  "rollout frozen: " + reason,
		Metadata: meta,
	})
	c.emit(events.TopicRolloutFreeze, reason, map[string]interface{}{
		"action": "freeze", "reason": reason, "by": by,
	})
	return true, nil
}

// Unfreeze resumes sign-ups. Idempotent.
func (c *Controller) Unfreeze(ctx context.Context, by string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state
	if !st.Frozen {
		return false, nil
	}

	prevReason := st.FreezeReason
	now := c.now().UTC()
	st.Frozen = false
	st.FrozenAt = nil
	st.FreezeReason = ""
	st.FrozenBy = ""
	st.UpdatedAt = now
	if err := c.store.PutRolloutState(ctx, st); err != nil {
		return false, fmt.Errorf("persist unfreeze: %w", err)
	}

	c.audit(ctx, audit.Event{
		Type:    audit.TypeRolloutUnfreeze,
		Message: "rollout unfrozen",
		Metadata: map[string]interface{}{
			"by": by, "previous_reason": prevReason,
		},
	})
	c.emit(events.TopicRolloutFreeze, prevReason, map[string]interface{}{
		"action": "unfreeze", "by": by,
	})
	slog.Info("[Rollout] unfrozen", "by", by, "previous_reason", prevReason)
	return true, nil
}

// DisableBriefings suppresses scheduled briefing generation while keeping
// data intact. The second freeze level.
func (c *Controller) DisableBriefings(ctx context.Context, by string) (bool, error) {
	return c.setBriefings(ctx, by, true)
}

// EnableBriefings lifts the suppression.
func (c *Controller) EnableBriefings(ctx context.Context, by string) (bool, error) {
	return c.setBriefings(ctx, by, false)
}

func (c *Controller) setBriefings(ctx context.Context, by string, disabled bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state
	if st.BriefingsDisabled == disabled {
		return false, nil
	}
	st.BriefingsDisabled = disabled
	st.UpdatedAt = c.now().UTC()
	if err := c.store.PutRolloutState(ctx, st); err != nil {
		st.BriefingsDisabled = !disabled
		return false, fmt.Errorf("persist briefings flag: %w", err)
	}

	typ := audit.TypeRolloutBriefingsEnabled
	msg := "scheduled briefings enabled"
	if disabled {
		typ = audit.TypeRolloutBriefingsDisabled
		msg = "scheduled briefings disabled"
	}
	c.audit(ctx, audit.Event{
		Type:     typ,
		Message:  msg,
		Metadata: map[string]interface{}{"by": by},
	})
	return true, nil
}

// AdmitUser counts a sign-up against the phase cap. Frozen state rejects
// with a structured "paused" answer instead of an error.
func (c *Controller) AdmitUser(ctx context.Context) (*Admission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state
	if st.Frozen {
		return &Admission{
			Status: "paused",
			Reason: "rollout is paused: " + st.FreezeReason,
			Phase:  st.Phase,
		}, nil
	}
	limit := phaseCaps[st.Phase]
	if limit >= 0 && st.TotalUsers >= limit {
		return &Admission{
			Status: "at_capacity",
			Reason: fmt.Sprintf("%s phase is capped at %d users", PhaseName(st.Phase), limit),
			Phase:  st.Phase,
		}, nil
	}

	st.TotalUsers++
	st.ActiveUsers++
	st.UpdatedAt = c.now().UTC()
	if err := c.store.PutRolloutState(ctx, st); err != nil {
		st.TotalUsers--
		st.ActiveUsers--
		return nil, fmt.Errorf("persist admission: %w", err)
	}
	return &Admission{Admitted: true, Status: "active", Phase: st.Phase}, nil
}

// MarkCleanDay extends the streak by one.
func (c *Controller) MarkCleanDay(ctx context.Context, day time.Time) (storage.RolloutState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markCleanDayLocked(ctx, day)
}

func (c *Controller) markCleanDayLocked(ctx context.Context, day time.Time) (storage.RolloutState, error) {
	st := c.state
	st.ConsecutiveCleanDays++
	next := day.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	st.LastCleanDayCheck = &next
	st.UpdatedAt = c.now().UTC()
	if err := c.store.PutRolloutState(ctx, st); err != nil {
		st.ConsecutiveCleanDays--
		return *st, fmt.Errorf("persist clean day: %w", err)
	}
	c.audit(ctx, audit.Event{
		Type:    audit.TypeRolloutCleanDay,
		Message: fmt.Sprintf("clean day %s recorded, streak %d", day.UTC().Format("2006-01-02"), st.ConsecutiveCleanDays),
		Metadata: map[string]interface{}{
			"day": day.UTC().Format("2006-01-02"), "streak": st.ConsecutiveCleanDays,
		},
	})
	return *st, nil
}

// ResetCleanDays zeroes the streak.
func (c *Controller) ResetCleanDays(ctx context.Context, reason string) (storage.RolloutState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetCleanDaysLocked(ctx, reason, nil)
}

func (c *Controller) resetCleanDaysLocked(ctx context.Context, reason string, day *time.Time) (storage.RolloutState, error) {
	st := c.state
	prev := st.ConsecutiveCleanDays
	st.ConsecutiveCleanDays = 0
	if day != nil {
		next := day.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
		st.LastCleanDayCheck = &next
	}
	st.UpdatedAt = c.now().UTC()
	if err := c.store.PutRolloutState(ctx, st); err != nil {
		st.ConsecutiveCleanDays = prev
		return *st, fmt.Errorf("persist streak reset: %w", err)
	}
	c.audit(ctx, audit.Event{
		Type:     audit.TypeRolloutCleanDaysReset,
		Severity: audit.SeverityWarning,
		Message:  "clean-day streak reset: " + reason,
		Metadata: map[string]interface{}{"reason": reason, "previous_streak": prev},
	})
	return *st, nil
}

// EvaluateCleanDays scores every fully elapsed UTC day since the last
// check. A clean day has no stop-level signals, no critical regressions
// and no feels_wrong reports.
func (c *Controller) EvaluateCleanDays(ctx context.Context) error {
	now := c.now().UTC()
	todayStart := now.Truncate(24 * time.Hour)

	c.mu.Lock()
	if c.state.LastCleanDayCheck == nil {
		// First boot: start scoring from today, no history to judge.
		c.state.LastCleanDayCheck = &todayStart
		c.state.UpdatedAt = now
		err := c.store.PutRolloutState(ctx, c.state)
		c.mu.Unlock()
		return err
	}
	cursor := c.state.LastCleanDayCheck.UTC().Truncate(24 * time.Hour)
	c.mu.Unlock()

	for day := cursor; day.Before(todayStart); day = day.Add(24 * time.Hour) {
		clean, reason, err := c.dayWasClean(ctx, day)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if clean {
			_, err = c.markCleanDayLocked(ctx, day)
		} else {
			d := day
			_, err = c.resetCleanDaysLocked(ctx, reason, &d)
		}
		c.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) dayWasClean(ctx context.Context, day time.Time) (bool, string, error) {
	start := day
	end := day.Add(24 * time.Hour)

	signals, err := c.store.ListTrustSignals(ctx, "", start, end)
	if err != nil {
		return false, "", fmt.Errorf("list signals for %s: %w", day.Format("2006-01-02"), err)
	}
	for _, s := range signals {
		if s.Level == "stop" && s.MeasuredAt.Before(end) {
			return false, fmt.Sprintf("stop-level %s on %s", s.Type, day.Format("2006-01-02")), nil
		}
	}

	regressions, err := c.store.ListTrustRegressions(ctx, start)
	if err != nil {
		return false, "", fmt.Errorf("list regressions for %s: %w", day.Format("2006-01-02"), err)
	}
	for _, r := range regressions {
		if !r.At.Before(end) {
			continue
		}
		if r.Severity == "critical" {
			return false, fmt.Sprintf("critical regression %s on %s", r.Trigger, day.Format("2006-01-02")), nil
		}
		if r.UserReported && r.Trigger == "feels_wrong" {
			return false, fmt.Sprintf("feels_wrong report on %s", day.Format("2006-01-02")), nil
		}
	}
	return true, "", nil
}

func (c *Controller) audit(ctx context.Context, ev audit.Event) {
	if c.auditLog == nil {
		return
	}
	if err := c.auditLog.Log(ctx, ev); err != nil {
		slog.Error("[Rollout] audit write failed", "type", ev.Type, "error", err)
	}
}

func (c *Controller) emit(topic, subject string, data map[string]interface{}) {
	if c.bus != nil {
		c.bus.Emit(topic, "rollout", subject, data)
	}
}
