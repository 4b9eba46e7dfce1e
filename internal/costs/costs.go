// Package costs tracks per-request spend across providers and raises
// budget alerts. Every completion writes an append-only CostEntry;
// summaries reduce over the stored entries so restarts never lose
// history. Budget thresholds fire a notification and a cost.alert
// event exactly once per period and re-arm when the period rolls.
package costs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brianfofficial/atlas/internal/events"
	"github.com/brianfofficial/atlas/internal/storage"
)

// ============ PERIODS ============

const (
	PeriodDay   = "day"
	PeriodWeek  = "week"
	PeriodMonth = "month"
	PeriodAll   = "all"
)

var defaultThresholds = []int{50, 75, 90}

// ============ TYPES ============

// Store is the slice of the storage layer the tracker needs.
type Store interface {
	InsertCostEntry(ctx context.Context, e *storage.CostEntry) error
	ListCostEntries(ctx context.Context, since, until time.Time) ([]*storage.CostEntry, error)
	InsertNotification(ctx context.Context, n *storage.Notification) error
}

// Budget holds spend limits in USD. A zero limit means the period is
// uncapped. AlertThresholds are percentages of a limit at which an
// alert fires; empty means the 50/75/90 defaults.
type Budget struct {
	DailyLimit      float64 `json:"daily_limit" yaml:"daily_limit"`
	WeeklyLimit     float64 `json:"weekly_limit" yaml:"weekly_limit"`
	MonthlyLimit    float64 `json:"monthly_limit" yaml:"monthly_limit"`
	AlertThresholds []int   `json:"alert_thresholds" yaml:"alert_thresholds"`
}

// Summary aggregates spend over one period.
type Summary struct {
	Period            string             `json:"period"`
	TotalCost         float64            `json:"total_cost"`
	ByProvider        map[string]float64 `json:"by_provider"`
	ByModel           map[string]float64 `json:"by_model"`
	TotalInputTokens  int                `json:"total_input_tokens"`
	TotalOutputTokens int                `json:"total_output_tokens"`
	EntryCount        int                `json:"entry_count"`
}

// Tracker records cost entries and evaluates budget thresholds.
type Tracker struct {
	store   Store
	emitter events.Emitter
	logger  *log.Logger
	now     func() time.Time

	mu        sync.Mutex
	budget    Budget
	fired     map[string]map[int]bool // period kind -> thresholds already alerted
	periodKey map[string]string       // period kind -> start of the period last evaluated
}

// New builds a tracker over the given store. emitter may be nil.
func New(store Store, emitter events.Emitter, budget Budget) *Tracker {
	return &Tracker{
		store:     store,
		emitter:   emitter,
		logger:    log.New(log.Writer(), "[COSTS] ", log.LstdFlags),
		now:       time.Now,
		budget:    normalizeBudget(budget),
		fired:     make(map[string]map[int]bool),
		periodKey: make(map[string]string),
	}
}

func normalizeBudget(b Budget) Budget {
	if len(b.AlertThresholds) == 0 {
		b.AlertThresholds = append([]int(nil), defaultThresholds...)
		return b
	}
	ths := make([]int, 0, len(b.AlertThresholds))
	seen := make(map[int]bool)
	for _, th := range b.AlertThresholds {
		if th <= 0 || th > 100 || seen[th] {
			continue
		}
		seen[th] = true
		ths = append(ths, th)
	}
	sort.Ints(ths)
	if len(ths) == 0 {
		ths = append([]int(nil), defaultThresholds...)
	}
	b.AlertThresholds = ths
	return b
}

// ============ RECORDING ============

// Record validates and persists one cost entry, then re-evaluates the
// budget. ID and Timestamp are filled when unset.
func (t *Tracker) Record(ctx context.Context, e *storage.CostEntry) error {
	if e == nil {
		return errors.New("nil cost entry")
	}
	if e.Provider == "" || e.Model == "" {
		return errors.New("cost entry requires provider and model")
	}
	if e.CostUSD < 0 || e.InputTokens < 0 || e.OutputTokens < 0 {
		return errors.New("cost entry amounts must be non-negative")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = t.now()
	}
	if err := t.store.InsertCostEntry(ctx, e); err != nil {
		return fmt.Errorf("insert cost entry: %w", err)
	}
	t.evaluateBudget(ctx)
	return nil
}

// ============ SUMMARIES ============

// Summarize reduces stored entries over the given period.
func (t *Tracker) Summarize(ctx context.Context, period string) (*Summary, error) {
	start, err := t.periodStart(period)
	if err != nil {
		return nil, err
	}
	entries, err := t.store.ListCostEntries(ctx, start, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("list cost entries: %w", err)
	}
	s := &Summary{
		Period:     period,
		ByProvider: make(map[string]float64),
		ByModel:    make(map[string]float64),
	}
	for _, e := range entries {
		s.TotalCost += e.CostUSD
		s.ByProvider[e.Provider] += e.CostUSD
		s.ByModel[e.Model] += e.CostUSD
		s.TotalInputTokens += e.InputTokens
		s.TotalOutputTokens += e.OutputTokens
		s.EntryCount++
	}
	return s, nil
}

// Utilization returns spent/limit for the period. ok is false when the
// period has no limit configured.
func (t *Tracker) Utilization(ctx context.Context, period string) (util float64, ok bool, err error) {
	start, err := t.periodStart(period)
	if err != nil {
		return 0, false, err
	}
	t.mu.Lock()
	limit := t.limitForLocked(period)
	t.mu.Unlock()
	if limit <= 0 {
		return 0, false, nil
	}
	spent, err := t.sumSince(ctx, start)
	if err != nil {
		return 0, false, err
	}
	return spent / limit, true, nil
}

// ProjectedMonthly extrapolates the current month's spend linearly to
// a full-month figure.
func (t *Tracker) ProjectedMonthly(ctx context.Context) (float64, error) {
	now := t.now()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	spent, err := t.sumSince(ctx, start)
	if err != nil {
		return 0, err
	}
	daysInMonth := time.Date(now.Year(), now.Month()+1, 0, 0, 0, 0, 0, now.Location()).Day()
	return spent * float64(daysInMonth) / float64(now.Day()), nil
}

// ============ BUDGET ============

// SetBudget replaces the budget and clears fired-threshold state so
// the new limits are evaluated fresh on the next entry.
func (t *Tracker) SetBudget(b Budget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.budget = normalizeBudget(b)
	t.fired = make(map[string]map[int]bool)
	t.periodKey = make(map[string]string)
}

// Budget returns a copy of the active budget.
func (t *Tracker) Budget() Budget {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.budget
	b.AlertThresholds = append([]int(nil), b.AlertThresholds...)
	return b
}

func (t *Tracker) limitForLocked(period string) float64 {
	switch period {
	case PeriodDay:
		return t.budget.DailyLimit
	case PeriodWeek:
		return t.budget.WeeklyLimit
	case PeriodMonth:
		return t.budget.MonthlyLimit
	default:
		return 0
	}
}

// evaluateBudget fires an alert for every threshold newly crossed in a
// capped period. The fired set is keyed by the period's start so it
// resets when the period rolls over.
func (t *Tracker) evaluateBudget(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, period := range []string{PeriodDay, PeriodWeek, PeriodMonth} {
		limit := t.limitForLocked(period)
		if limit <= 0 {
			continue
		}
		start, _ := t.periodStart(period)
		key := start.Format(time.RFC3339)
		if t.periodKey[period] != key {
			t.periodKey[period] = key
			t.fired[period] = make(map[int]bool)
		}
		spent, err := t.sumSince(ctx, start)
		if err != nil {
			t.logger.Printf("Budget check for %s failed: %v", period, err)
			continue
		}
		pct := spent / limit * 100
		for _, th := range t.budget.AlertThresholds {
			if pct < float64(th) || t.fired[period][th] {
				continue
			}
			t.fired[period][th] = true
			t.alert(ctx, period, th, spent, limit)
		}
	}
}

func (t *Tracker) alert(ctx context.Context, period string, threshold int, spent, limit float64) {
	severity := "warning"
	if threshold >= 90 {
		severity = "critical"
	}
	n := &storage.Notification{
		ID:       uuid.NewString(),
		Channel:  "budget",
		Subject:  fmt.Sprintf("Budget alert: %s spend crossed %d%%", period, threshold),
		Body:     fmt.Sprintf("Spent $%.2f of the $%.2f %s limit (%.0f%%).", spent, limit, period, spent/limit*100),
		Severity: severity,
		Metadata: map[string]interface{}{
			"period":    period,
			"threshold": threshold,
			"spent":     spent,
			"limit":     limit,
		},
		CreatedAt: t.now(),
	}
	if err := t.store.InsertNotification(ctx, n); err != nil {
		t.logger.Printf("Budget notification failed: %v", err)
	}
	if t.emitter != nil {
		t.emitter.Emit(events.TopicCostAlert, "costs", period, map[string]interface{}{
			"period":      period,
			"threshold":   threshold,
			"spent":       spent,
			"limit":       limit,
			"utilization": spent / limit,
		})
	}
	t.logger.Printf("Budget alert: %s spend $%.2f crossed %d%% of $%.2f", period, spent, threshold, limit)
}

// ============ HELPERS ============

func (t *Tracker) sumSince(ctx context.Context, start time.Time) (float64, error) {
	entries, err := t.store.ListCostEntries(ctx, start, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("list cost entries: %w", err)
	}
	var total float64
	for _, e := range entries {
		total += e.CostUSD
	}
	return total, nil
}

// periodStart returns the inclusive lower bound for a period relative
// to the tracker's clock. Weeks start on Monday. The all period has no
// lower bound and returns the zero time.
func (t *Tracker) periodStart(period string) (time.Time, error) {
	now := t.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch period {
	case PeriodDay:
		return dayStart, nil
	case PeriodWeek:
		offset := (int(now.Weekday()) + 6) % 7
		return dayStart.AddDate(0, 0, -offset), nil
	case PeriodMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()), nil
	case PeriodAll:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unknown period %q", period)
	}
}
