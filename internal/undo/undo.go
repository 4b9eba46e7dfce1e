// Package undo executes approved actions through the sandbox and keeps a
// short-lived ticket so the owner can reverse them.
//
// Tickets live for the configured undo window (30 s by default). Undoing
// spends the ticket whether or not the compensation succeeds; a second call
// gets ErrNoTicket. Expired tickets are dropped by the gc scheduler.
package undo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/brianfofficial/atlas/internal/approval"
	"github.com/brianfofficial/atlas/internal/audit"
	"github.com/brianfofficial/atlas/internal/events"
	"github.com/brianfofficial/atlas/internal/sandbox"
	"github.com/brianfofficial/atlas/internal/storage"
)

var (
	ErrNotApproved     = errors.New("undo: request is not approved")
	ErrAlreadyExecuted = errors.New("undo: request already has a live ticket")
	ErrNoTicket        = errors.New("undo: no ticket")
	ErrWindowElapsed   = errors.New("undo: undo window has elapsed")
)

// ApprovalReader is the slice of the approval queue the manager needs.
type ApprovalReader interface {
	Get(ctx context.Context, id string) (*storage.Approval, error)
}

// Action is the concrete work behind an approved request.
type Action struct {
	Owner   string
	Command []string // argv handed to the sandbox executor
	WorkDir string
	Timeout time.Duration // optional per-action wall clock
}

// Ticket records an execution that can still be reversed.
type Ticket struct {
	RequestID    string    `json:"request_id"`
	Owner        string    `json:"owner,omitempty"`
	ExecutedAt   time.Time `json:"executed_at"`
	UndoDeadline time.Time `json:"undo_deadline"`

	compensation *CompensationStack
}

// Availability answers "can this still be undone, and for how long".
type Availability struct {
	Available   bool  `json:"available"`
	RemainingMS int64 `json:"remaining_ms"`
}

type Config struct {
	// UndoWindow is how long after execution the ticket stays valid.
	UndoWindow time.Duration
}

// Manager gates execution on approval state and tracks undo tickets.
type Manager struct {
	window    time.Duration
	exec      sandbox.Executor
	approvals ApprovalReader
	auditLog  *audit.Logger
	bus       events.Emitter

	mu      sync.Mutex
	tickets map[string]*Ticket

	now func() time.Time
}

func New(cfg Config, exec sandbox.Executor, approvals ApprovalReader, auditLog *audit.Logger, bus events.Emitter) *Manager {
	if cfg.UndoWindow <= 0 {
		cfg.UndoWindow = 30 * time.Second
	}
	return &Manager{
		window:    cfg.UndoWindow,
		exec:      exec,
		approvals: approvals,
		auditLog:  auditLog,
		bus:       bus,
		tickets:   make(map[string]*Ticket),
		now:       time.Now,
	}
}

// Execute runs the action for an approved request. The approval must be in
// approved or auto_approved state. Success mints a ticket valid for the
// undo window; while a live ticket exists the request cannot run again.
func (m *Manager) Execute(ctx context.Context, requestID string, action Action, compensation *CompensationStack) (*sandbox.Result, error) {
	a, err := m.approvals.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if a.Status != approval.StatusApproved && a.Status != approval.StatusAutoApproved {
		return nil, fmt.Errorf("%w: status is %s", ErrNotApproved, a.Status)
	}

	owner := action.Owner
	if owner == "" {
		owner = a.Owner
	}

	m.mu.Lock()
	if t, ok := m.tickets[requestID]; ok && m.now().Before(t.UndoDeadline) {
		m.mu.Unlock()
		return nil, ErrAlreadyExecuted
	}
	m.mu.Unlock()

	m.emit(events.TopicActionApproved, requestID, map[string]interface{}{
		"category": a.Category,
		"status":   a.Status,
	})

	res, err := m.exec.Execute(ctx, sandbox.Request{
		Command: action.Command,
		WorkDir: action.WorkDir,
		Timeout: action.Timeout,
	})
	if err != nil {
		if errors.Is(err, sandbox.ErrBlocked) || errors.Is(err, sandbox.ErrEmptyCommand) {
			m.audit(ctx, audit.Event{
				Type:     audit.TypeSandboxBlocked,
				Severity: audit.SeverityWarning,
				Message:  "command refused by sandbox allowlist",
				Owner:    owner,
				Metadata: map[string]interface{}{
					"request_id": requestID,
					"command":    strings.Join(action.Command, " "),
				},
			})
			return nil, err
		}
		m.audit(ctx, audit.Event{
			Type:     audit.TypeSandboxExecution,
			Severity: audit.SeverityError,
			Message:  "sandboxed execution failed",
			Owner:    owner,
			Metadata: map[string]interface{}{
				"request_id": requestID,
				"command":    strings.Join(action.Command, " "),
				"error":      err.Error(),
				"executor":   m.exec.Name(),
			},
		})
		return nil, err
	}

	now := m.now()
	ticket := &Ticket{
		RequestID:    requestID,
		Owner:        owner,
		ExecutedAt:   now,
		UndoDeadline: now.Add(m.window),
		compensation: compensation,
	}
	m.mu.Lock()
	m.tickets[requestID] = ticket
	m.mu.Unlock()

	m.audit(ctx, audit.Event{
		Type:    audit.TypeSandboxExecution,
		Message: "approved action executed in sandbox",
		Owner:   owner,
		Metadata: map[string]interface{}{
			"request_id":  requestID,
			"command":     strings.Join(action.Command, " "),
			"exit_code":   res.ExitCode,
			"duration_ms": res.DurationMS,
			"executor":    m.exec.Name(),
		},
	})
	m.emit(events.TopicActionExecuted, requestID, map[string]interface{}{
		"exit_code":     res.ExitCode,
		"undo_deadline": ticket.UndoDeadline.UTC().Format(time.RFC3339),
	})
	slog.Info("[Undo] action executed", "request_id", requestID, "exit_code", res.ExitCode,
		"undo_until", ticket.UndoDeadline.UTC().Format(time.RFC3339))

	return res, nil
}

// CanUndo reports whether the ticket is still live and how long remains.
func (m *Manager) CanUndo(id string) Availability {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[id]
	if !ok {
		return Availability{}
	}
	remaining := t.UndoDeadline.Sub(m.now())
	if remaining <= 0 {
		return Availability{}
	}
	return Availability{Available: true, RemainingMS: remaining.Milliseconds()}
}

// Undo spends the ticket and runs its compensation in reverse push order.
// The ticket is invalidated even when compensation fails; retrying a
// half-finished reversal by hand is safer than double-running steps.
func (m *Manager) Undo(ctx context.Context, id string) error {
	m.mu.Lock()
	t, ok := m.tickets[id]
	if !ok {
		m.mu.Unlock()
		return ErrNoTicket
	}
	if !m.now().Before(t.UndoDeadline) {
		delete(m.tickets, id)
		m.mu.Unlock()
		return ErrWindowElapsed
	}
	delete(m.tickets, id)
	m.mu.Unlock()

	err := t.compensation.Compensate(ctx)
	if err != nil {
		slog.Error("[Undo] compensation failed", "request_id", id, "error", err)
		return fmt.Errorf("undo %s: %w", id, err)
	}

	m.emit(events.TopicActionUndone, id, map[string]interface{}{
		"executed_at": t.ExecutedAt.UTC().Format(time.RFC3339),
		"steps":       t.compensation.Len(),
	})
	slog.Info("[Undo] action undone", "request_id", id)
	return nil
}

// SweepExpired drops dead tickets and returns how many were removed.
// Driven by the gc scheduler.
func (m *Manager) SweepExpired(_ context.Context) int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, t := range m.tickets {
		if !now.Before(t.UndoDeadline) {
			delete(m.tickets, id)
			removed++
		}
	}
	return removed
}

// Active returns the number of live tickets.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tickets)
}

func (m *Manager) audit(ctx context.Context, ev audit.Event) {
	if m.auditLog == nil {
		return
	}
	if err := m.auditLog.Log(ctx, ev); err != nil {
		slog.Error("[Undo] audit write failed", "type", ev.Type, "error", err)
	}
}

func (m *Manager) emit(topic, subject string, data map[string]interface{}) {
	if m.bus != nil {
		m.bus.Emit(topic, "undo", subject, data)
	}
}
