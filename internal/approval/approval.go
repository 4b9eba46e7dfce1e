// Package approval implements the human-in-the-loop action gate: every
// risky operation becomes an approval request that waits for an owner
// decision, expires on a deadline, or short-circuits through an ordered
// auto-approval rule list. Every transition lands in the per-request
// audit trail and the global audit log before the call returns.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brianfofficial/atlas/internal/audit"
	"github.com/brianfofficial/atlas/internal/events"
	"github.com/brianfofficial/atlas/internal/storage"
)

// Request categories. The set is closed; Create rejects anything else.
const (
	CategoryFileWrite        = "file_write"
	CategoryFileDelete       = "file_delete"
	CategoryNetworkCall      = "network_call"
	CategoryCredentialUse    = "credential_use"
	CategoryDangerousCommand = "dangerous_command"
	CategoryExternalAPI      = "external_api"
	CategorySystemConfig     = "system_config"
)

var validCategories = map[string]bool{
	CategoryFileWrite: true, CategoryFileDelete: true, CategoryNetworkCall: true,
	CategoryCredentialUse: true, CategoryDangerousCommand: true,
	CategoryExternalAPI: true, CategorySystemConfig: true,
}

// Request statuses. Transitions leave pending exactly once.
const (
	StatusPending      = "pending"
	StatusApproved     = "approved"
	StatusDenied       = "denied"
	StatusExpired      = "expired"
	StatusAutoApproved = "auto_approved"
)

var (
	ErrNotFound        = errors.New("approval: request not found")
	ErrInvalidState    = errors.New("approval: request is not pending")
	ErrExpired         = errors.New("approval: request has expired")
	ErrUnknownCategory = errors.New("approval: unknown category")
	ErrUnknownRisk     = errors.New("approval: unknown risk level")
	ErrBadRule         = errors.New("approval: invalid auto-approval rule")
)

// ============================================================================
// AUTO-APPROVAL RULES
// ============================================================================

// Rule auto-approves requests whose category matches, whose operation
// matches the glob, and whose risk does not exceed MaxRisk. Rules are
// evaluated in insertion order; the first match wins.
type Rule struct {
	ID        string     `json:"id"`
	Category  string     `json:"category"`
	Operation string     `json:"operation"` // glob, '*' and '?' wildcards
	MaxRisk   string     `json:"max_risk"`
	Owner     string     `json:"owner,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	matcher *regexp.Regexp
}

// matches reports whether the rule covers the request. Network-shaped
// operations are also tested in their normalized "METHOD host/path"
// form so rules written against that shape match raw curl invocations.
func (r *Rule) matches(a *storage.Approval, now time.Time) bool {
	if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
		return false
	}
	if r.Category != a.Category {
		return false
	}
	if r.Owner != "" && r.Owner != a.Owner {
		return false
	}
	if riskRank[a.Risk] > riskRank[r.MaxRisk] {
		return false
	}
	if r.matcher.MatchString(a.Operation) {
		return true
	}
	if a.Category == CategoryNetworkCall || a.Category == CategoryExternalAPI {
		if norm := NormalizeNetworkOperation(a.Operation); norm != a.Operation {
			return r.matcher.MatchString(norm)
		}
	}
	return false
}

// ============================================================================
// QUEUE
// ============================================================================

// Store is the persistence slice the queue consumes.
type Store interface {
	InsertApproval(ctx context.Context, a *storage.Approval) error
	GetApproval(ctx context.Context, id string) (*storage.Approval, error)
	TransitionApproval(ctx context.Context, id, from, to, decidedBy, reason string, at time.Time) (bool, error)
	ListApprovals(ctx context.Context, f storage.ApprovalFilter) ([]*storage.Approval, error)
	ListExpiredPending(ctx context.Context, now time.Time) ([]*storage.Approval, error)
	InsertApprovalAudit(ctx context.Context, a *storage.ApprovalAudit) error
	ListApprovalAudit(ctx context.Context, requestID string) ([]*storage.ApprovalAudit, error)
	PurgeApprovalAuditBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Recorder is the metrics slice the queue consumes.
type Recorder interface {
	RecordApproval(action string)
}

// Config tunes queue timing.
type Config struct {
	DefaultTTL time.Duration // pending lifetime when Create gets none
	SweepEvery time.Duration // expiry sweeper period
}

func DefaultConfig() Config {
	return Config{DefaultTTL: 5 * time.Minute, SweepEvery: 15 * time.Second}
}

// CreateInput describes one approval request.
type CreateInput struct {
	Category         string
	Operation        string
	ActionBody       string
	Risk             string // caller's floor; the scorer can only raise it
	ContextText      string
	TechnicalDetails string
	SessionID        string
	Owner            string
	Metadata         map[string]interface{}
	TTL              time.Duration // 0 means Config.DefaultTTL
}

// Queue owns the approval lifecycle. All state-changing paths persist
// before returning; readers go straight to the store.
type Queue struct {
	cfg    Config
	store  Store
	scorer *Scorer
	audit  *audit.Logger
	bus    events.Emitter
	rec    Recorder
	logger *log.Logger

	ruleMu sync.RWMutex
	rules  []*Rule

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	now func() time.Time
}

// New builds the queue and starts the expiry sweeper. rec may be nil.
func New(cfg Config, store Store, scorer *Scorer, auditLog *audit.Logger, bus events.Emitter, rec Recorder) *Queue {
	def := DefaultConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = def.SweepEvery
	}
	q := &Queue{
		cfg:    cfg,
		store:  store,
		scorer: scorer,
		audit:  auditLog,
		bus:    bus,
		rec:    rec,
		logger: log.New(log.Writer(), "[APPROVAL] ", log.LstdFlags),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	go q.sweepLoop()
	return q
}

// Close stops the sweeper. Idempotent.
func (q *Queue) Close() {
	q.stopOnce.Do(func() { close(q.stop) })
	<-q.done
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// Create registers a request. The final risk is the higher of the
// caller's level and the scorer's verdict. Auto-approval rules run
// before Create returns; the first match whose ceiling covers the risk
// lands the request directly in auto_approved.
func (q *Queue) Create(ctx context.Context, in CreateInput) (*storage.Approval, error) {
	if !validCategories[in.Category] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, in.Category)
	}
	if in.Risk == "" {
		in.Risk = RiskLow
	}
	if !ValidRisk(in.Risk) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRisk, in.Risk)
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = q.cfg.DefaultTTL
	}

	now := q.now()
	a := &storage.Approval{
		ID:               uuid.New().String(),
		Category:         in.Category,
		Operation:        in.Operation,
		ActionBody:       in.ActionBody,
		Risk:             maxRisk(in.Risk, q.scorer.Score(in.Category, in.ActionBody)),
		ContextText:      in.ContextText,
		TechnicalDetails: in.TechnicalDetails,
		SessionID:        in.SessionID,
		Owner:            in.Owner,
		Status:           StatusPending,
		CreatedAt:        now,
		ExpiresAt:        now.Add(ttl),
		Metadata:         in.Metadata,
	}

	if rule := q.firstMatch(a, now); rule != nil {
		a.Status = StatusAutoApproved
		a.RuleID = rule.ID
		a.DecidedBy = "rule:" + rule.ID
		at := now
		a.DecidedAt = &at
	}

	if err := q.store.InsertApproval(ctx, a); err != nil {
		return nil, fmt.Errorf("approval: persist request: %w", err)
	}

	q.trail(ctx, a.ID, "created", a.SessionID, fmt.Sprintf("%s %s risk=%s", a.Category, a.Operation, a.Risk), now)
	q.auditLog(ctx, audit.TypeApprovalCreated, audit.SeverityInfo, a,
		fmt.Sprintf("approval %s created (%s, risk %s)", a.ID, a.Category, a.Risk))
	q.record("created")
	q.emit(events.TopicApprovalCreated, a, nil)

	if a.Status == StatusAutoApproved {
		q.trail(ctx, a.ID, "auto_approved", a.DecidedBy, "rule "+a.RuleID, now)
		q.auditLog(ctx, audit.TypeApprovalAutoApproved, audit.SeverityInfo, a,
			fmt.Sprintf("approval %s auto-approved by rule %s", a.ID, a.RuleID))
		q.record("auto_approved")
		q.emit(events.TopicApprovalApproved, a, map[string]interface{}{"rule_id": a.RuleID, "auto": true})
	}
	return a, nil
}

// Approve moves a pending request to approved. The first concurrent
// decider wins; later callers get ErrInvalidState. When remember is
// set a rule for the same category+operation is installed at the
// request's risk level.
func (q *Queue) Approve(ctx context.Context, id, decidedBy string, remember bool) (*storage.Approval, error) {
	now := q.now()
	a, err := q.store.GetApproval(ctx, id)
	if err != nil {
		return nil, ErrNotFound
	}

	// A pending row past its deadline expires instead of approving.
	if a.Status == StatusPending && a.ExpiresAt.Before(now) {
		q.expireOne(ctx, a, now)
		return nil, ErrExpired
	}

	ok, err := q.store.TransitionApproval(ctx, id, StatusPending, StatusApproved, decidedBy, "", now)
	if err != nil {
		return nil, fmt.Errorf("approval: persist decision: %w", err)
	}
	if !ok {
		return nil, ErrInvalidState
	}

	q.trail(ctx, id, "approved", decidedBy, "", now)
	q.auditLog(ctx, audit.TypeApprovalApproved, audit.SeverityInfo, a,
		fmt.Sprintf("approval %s approved by %s", id, decidedBy))
	q.record("approved")

	if remember {
		op := a.Operation
		if a.Category == CategoryNetworkCall || a.Category == CategoryExternalAPI {
			op = NormalizeNetworkOperation(op)
		}
		if _, err := q.AddRule(Rule{Category: a.Category, Operation: op, MaxRisk: a.Risk, Owner: a.Owner}); err != nil {
			q.logger.Printf("Remember rule for %s rejected: %v", id, err)
		}
	}

	a, err = q.store.GetApproval(ctx, id)
	if err != nil {
		return nil, ErrNotFound
	}
	q.emit(events.TopicApprovalApproved, a, map[string]interface{}{"decided_by": decidedBy})
	return a, nil
}

// Deny moves a pending request to denied.
func (q *Queue) Deny(ctx context.Context, id, decidedBy, reason string) (*storage.Approval, error) {
	now := q.now()
	a, err := q.store.GetApproval(ctx, id)
	if err != nil {
		return nil, ErrNotFound
	}
	if a.Status == StatusPending && a.ExpiresAt.Before(now) {
		q.expireOne(ctx, a, now)
		return nil, ErrExpired
	}

	ok, err := q.store.TransitionApproval(ctx, id, StatusPending, StatusDenied, decidedBy, reason, now)
	if err != nil {
		return nil, fmt.Errorf("approval: persist decision: %w", err)
	}
	if !ok {
		return nil, ErrInvalidState
	}

	q.trail(ctx, id, "denied", decidedBy, reason, now)
	q.auditLog(ctx, audit.TypeApprovalDenied, audit.SeverityWarning, a,
		fmt.Sprintf("approval %s denied by %s: %s", id, decidedBy, reason))
	q.record("denied")

	a, err = q.store.GetApproval(ctx, id)
	if err != nil {
		return nil, ErrNotFound
	}
	q.emit(events.TopicApprovalDenied, a, map[string]interface{}{"decided_by": decidedBy, "reason": reason})
	return a, nil
}

// ExpireSweep moves every pending request past its deadline to expired
// and audits each. Safe to call concurrently with decisions: the store
// transition arbitrates, so a row decided mid-sweep is skipped.
func (q *Queue) ExpireSweep(ctx context.Context) (int, error) {
	now := q.now()
	stale, err := q.store.ListExpiredPending(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("approval: list expired: %w", err)
	}
	expired := 0
	for _, a := range stale {
		if q.expireOne(ctx, a, now) {
			expired++
		}
	}
	if expired > 0 {
		q.logger.Printf("Expired %d pending request(s)", expired)
	}
	return expired, nil
}

func (q *Queue) expireOne(ctx context.Context, a *storage.Approval, now time.Time) bool {
	ok, err := q.store.TransitionApproval(ctx, a.ID, StatusPending, StatusExpired, "", "ttl elapsed", now)
	if err != nil {
		q.logger.Printf("Expire %s failed: %v", a.ID, err)
		return false
	}
	if !ok {
		return false
	}
	q.trail(ctx, a.ID, "expired", "", "ttl elapsed", now)
	q.auditLog(ctx, audit.TypeApprovalExpired, audit.SeverityInfo, a,
		fmt.Sprintf("approval %s expired unanswered", a.ID))
	q.record("expired")
	q.emit(events.TopicApprovalExpired, a, nil)
	return true
}

// ============================================================================
// READS
// ============================================================================

// Get returns one request by id.
func (q *Queue) Get(ctx context.Context, id string) (*storage.Approval, error) {
	a, err := q.store.GetApproval(ctx, id)
	if err != nil {
		return nil, ErrNotFound
	}
	return a, nil
}

// Pending lists requests still awaiting a decision.
func (q *Queue) Pending(ctx context.Context) ([]*storage.Approval, error) {
	return q.store.ListApprovals(ctx, storage.ApprovalFilter{Status: StatusPending})
}

// History lists requests matching the filter, newest first.
func (q *Queue) History(ctx context.Context, f storage.ApprovalFilter) ([]*storage.Approval, error) {
	return q.store.ListApprovals(ctx, f)
}

// AuditTrail returns the per-request trail in insertion order.
func (q *Queue) AuditTrail(ctx context.Context, requestID string) ([]*storage.ApprovalAudit, error) {
	return q.store.ListApprovalAudit(ctx, requestID)
}

// PurgeAuditBefore drops trail rows older than cutoff. GC calls this.
func (q *Queue) PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return q.store.PurgeApprovalAuditBefore(ctx, cutoff)
}

// ============================================================================
// RULE MANAGEMENT
// ============================================================================

// AddRule validates, compiles, and appends a rule. Evaluation order is
// insertion order.
func (q *Queue) AddRule(r Rule) (*Rule, error) {
	if !validCategories[r.Category] {
		return nil, fmt.Errorf("%w: category %q", ErrBadRule, r.Category)
	}
	if r.Operation == "" {
		return nil, fmt.Errorf("%w: empty operation glob", ErrBadRule)
	}
	if r.MaxRisk == "" {
		r.MaxRisk = RiskLow
	}
	if !ValidRisk(r.MaxRisk) {
		return nil, fmt.Errorf("%w: risk %q", ErrBadRule, r.MaxRisk)
	}
	m, err := globToRegexp(r.Operation)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRule, err)
	}
	r.matcher = m
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = q.now()
	}

	q.ruleMu.Lock()
	defer q.ruleMu.Unlock()
	q.rules = append(q.rules, &r)
	q.logger.Printf("Rule %s installed: %s %q risk<=%s", r.ID, r.Category, r.Operation, r.MaxRisk)
	return &r, nil
}

// RemoveRule deletes a rule by id.
func (q *Queue) RemoveRule(id string) error {
	q.ruleMu.Lock()
	defer q.ruleMu.Unlock()
	for i, r := range q.rules {
		if r.ID == id {
			q.rules = append(q.rules[:i], q.rules[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// Rules returns a snapshot in evaluation order.
func (q *Queue) Rules() []Rule {
	q.ruleMu.RLock()
	defer q.ruleMu.RUnlock()
	out := make([]Rule, len(q.rules))
	for i, r := range q.rules {
		out[i] = *r
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (q *Queue) firstMatch(a *storage.Approval, now time.Time) *Rule {
	q.ruleMu.RLock()
	defer q.ruleMu.RUnlock()
	for _, r := range q.rules {
		if r.matches(a, now) {
			return r
		}
	}
	return nil
}

// ============================================================================
// INTERNALS
// ============================================================================

func (q *Queue) sweepLoop() {
	defer close(q.done)
	ticker := time.NewTicker(q.cfg.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := q.ExpireSweep(context.Background()); err != nil {
				q.logger.Printf("Sweep failed: %v", err)
			}
		case <-q.stop:
			return
		}
	}
}

// trail writes one per-request audit row. Trail failures are logged,
// not returned: the decision already persisted.
func (q *Queue) trail(ctx context.Context, requestID, action, actor, details string, at time.Time) {
	err := q.store.InsertApprovalAudit(ctx, &storage.ApprovalAudit{
		ID:        uuid.New().String(),
		RequestID: requestID,
		Action:    action,
		Actor:     actor,
		Details:   details,
		At:        at,
	})
	if err != nil {
		q.logger.Printf("Audit trail write for %s failed: %v", requestID, err)
	}
}

func (q *Queue) auditLog(ctx context.Context, typ, severity string, a *storage.Approval, msg string) {
	if q.audit == nil {
		return
	}
	err := q.audit.Log(ctx, audit.Event{
		Type: typ, Severity: severity, Message: msg, Owner: a.Owner,
		Metadata: map[string]interface{}{"request_id": a.ID, "category": a.Category, "risk": a.Risk},
	})
	if err != nil {
		q.logger.Printf("Audit log write failed: %v", err)
	}
}

func (q *Queue) record(action string) {
	if q.rec != nil {
		q.rec.RecordApproval(action)
	}
}

func (q *Queue) emit(topic string, a *storage.Approval, extra map[string]interface{}) {
	if q.bus == nil {
		return
	}
	data := map[string]interface{}{
		"category":  a.Category,
		"operation": a.Operation,
		"risk":      a.Risk,
		"status":    a.Status,
	}
	for k, v := range extra {
		data[k] = v
	}
	q.bus.Emit(topic, "approval", a.ID, data)
}
