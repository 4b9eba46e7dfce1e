package undo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianfofficial/atlas/internal/approval"
	"github.com/brianfofficial/atlas/internal/audit"
	"github.com/brianfofficial/atlas/internal/sandbox"
	"github.com/brianfofficial/atlas/internal/storage"
)

type fakeApprovals struct {
	rows map[string]*storage.Approval
}

func (f *fakeApprovals) Get(_ context.Context, id string) (*storage.Approval, error) {
	a, ok := f.rows[id]
	if !ok {
		return nil, approval.ErrNotFound
	}
	return a, nil
}

type captureEmitter struct {
	mu     sync.Mutex
	topics []string
}

func (c *captureEmitter) Emit(topic, _, _ string, _ map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
}

func (c *captureEmitter) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.topics...)
}

func newTestManager(t *testing.T, windows ...time.Duration) (*Manager, *fakeApprovals, *storage.Memory, *captureEmitter) {
	t.Helper()

	window := 30 * time.Second
	if len(windows) > 0 {
		window = windows[0]
	}
	store := storage.NewMemory()
	t.Cleanup(func() { store.Close() })

	approvals := &fakeApprovals{rows: make(map[string]*storage.Approval)}
	emitter := &captureEmitter{}
	exec := sandbox.NewNoopExecutor(sandbox.NewAllowlist("echo", "ls"))

	m := New(Config{UndoWindow: window}, exec, approvals, audit.New(store), emitter)
	return m, approvals, store, emitter
}

func approvedRow(id, status string) *storage.Approval {
	return &storage.Approval{
		ID:       id,
		Category: "dangerous_command",
		Owner:    "brian",
		Status:   status,
	}
}

func TestManager_ExecuteRequiresApproval(t *testing.T) {
	m, approvals, _, _ := newTestManager(t)

	approvals.rows["req-1"] = approvedRow("req-1", approval.StatusPending)
	_, err := m.Execute(context.Background(), "req-1", Action{Command: []string{"echo", "hi"}}, nil)
	assert.ErrorIs(t, err, ErrNotApproved)

	approvals.rows["req-2"] = approvedRow("req-2", approval.StatusDenied)
	_, err = m.Execute(context.Background(), "req-2", Action{Command: []string{"echo", "hi"}}, nil)
	assert.ErrorIs(t, err, ErrNotApproved)

	_, err = m.Execute(context.Background(), "missing", Action{Command: []string{"echo"}}, nil)
	assert.ErrorIs(t, err, approval.ErrNotFound)
}

func TestManager_ExecuteMintsTicketAndAudits(t *testing.T) {
	m, approvals, store, emitter := newTestManager(t)
	approvals.rows["req-1"] = approvedRow("req-1", approval.StatusApproved)

	res, err := m.Execute(context.Background(), "req-1", Action{Command: []string{"echo", "done"}}, NewCompensation("req-1"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "echo done\n", res.Output)

	avail := m.CanUndo("req-1")
	assert.True(t, avail.Available)
	assert.Greater(t, avail.RemainingMS, int64(0))
	assert.LessOrEqual(t, avail.RemainingMS, int64(30_000))

	entries, err := store.QueryAuditEntries(context.Background(), storage.AuditFilter{TypePrefix: "sandbox:"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.TypeSandboxExecution, entries[0].Type)
	assert.Equal(t, "brian", entries[0].Owner)

	assert.Equal(t, []string{"action.approved", "action.executed"}, emitter.seen())
}

func TestManager_AutoApprovedAlsoExecutes(t *testing.T) {
	m, approvals, _, _ := newTestManager(t)
	approvals.rows["req-1"] = approvedRow("req-1", approval.StatusAutoApproved)

	_, err := m.Execute(context.Background(), "req-1", Action{Command: []string{"ls"}}, nil)
	assert.NoError(t, err)
}

func TestManager_BlockedCommandAuditedWithoutTicket(t *testing.T) {
	m, approvals, store, emitter := newTestManager(t)
	approvals.rows["req-1"] = approvedRow("req-1", approval.StatusApproved)

	_, err := m.Execute(context.Background(), "req-1", Action{Command: []string{"rm", "-rf", "/tmp/x"}}, nil)
	require.ErrorIs(t, err, sandbox.ErrBlocked)

	assert.False(t, m.CanUndo("req-1").Available)

	entries, err := store.QueryAuditEntries(context.Background(), storage.AuditFilter{TypePrefix: audit.TypeSandboxBlocked})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.SeverityWarning, entries[0].Severity)
	assert.Equal(t, "rm -rf /tmp/x", entries[0].Metadata["command"])

	// The approval gate event fired, but nothing executed.
	assert.Equal(t, []string{"action.approved"}, emitter.seen())
}

func TestManager_LiveTicketBlocksReexecution(t *testing.T) {
	m, approvals, _, _ := newTestManager(t)
	approvals.rows["req-1"] = approvedRow("req-1", approval.StatusApproved)

	_, err := m.Execute(context.Background(), "req-1", Action{Command: []string{"echo"}}, nil)
	require.NoError(t, err)

	_, err = m.Execute(context.Background(), "req-1", Action{Command: []string{"echo"}}, nil)
	assert.ErrorIs(t, err, ErrAlreadyExecuted)
}

func TestManager_UndoRunsCompensationOnce(t *testing.T) {
	m, approvals, _, emitter := newTestManager(t)
	approvals.rows["req-1"] = approvedRow("req-1", approval.StatusApproved)

	var order []string
	comp := NewCompensation("req-1")
	comp.Push(func(context.Context) error { order = append(order, "first-pushed"); return nil })
	comp.Push(func(context.Context) error { order = append(order, "last-pushed"); return nil })

	_, err := m.Execute(context.Background(), "req-1", Action{Command: []string{"echo"}}, comp)
	require.NoError(t, err)

	require.NoError(t, m.Undo(context.Background(), "req-1"))
	assert.Equal(t, []string{"last-pushed", "first-pushed"}, order, "compensation runs in reverse push order")

	assert.ErrorIs(t, m.Undo(context.Background(), "req-1"), ErrNoTicket)
	assert.False(t, m.CanUndo("req-1").Available)

	assert.Equal(t, []string{"action.approved", "action.executed", "action.undone"}, emitter.seen())
}

func TestManager_UndoAfterDeadline(t *testing.T) {
	m, approvals, _, _ := newTestManager(t, 30*time.Second)
	approvals.rows["req-1"] = approvedRow("req-1", approval.StatusApproved)

	base := time.Now()
	m.now = func() time.Time { return base }

	_, err := m.Execute(context.Background(), "req-1", Action{Command: []string{"echo"}}, NewCompensation("req-1"))
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(29 * time.Second) }
	assert.True(t, m.CanUndo("req-1").Available)

	m.now = func() time.Time { return base.Add(31 * time.Second) }
	assert.False(t, m.CanUndo("req-1").Available)
	assert.ErrorIs(t, m.Undo(context.Background(), "req-1"), ErrWindowElapsed)

	// The expired ticket was dropped on touch; retry sees no ticket at all.
	assert.ErrorIs(t, m.Undo(context.Background(), "req-1"), ErrNoTicket)
}

func TestManager_FailedCompensationStillSpendsTicket(t *testing.T) {
	m, approvals, _, _ := newTestManager(t)
	approvals.rows["req-1"] = approvedRow("req-1", approval.StatusApproved)

	comp := NewCompensation("req-1")
	comp.Push(func(context.Context) error { return assert.AnError })

	_, err := m.Execute(context.Background(), "req-1", Action{Command: []string{"echo"}}, comp)
	require.NoError(t, err)

	err = m.Undo(context.Background(), "req-1")
	require.Error(t, err)
	assert.ErrorIs(t, m.Undo(context.Background(), "req-1"), ErrNoTicket)
}

func TestManager_SweepExpired(t *testing.T) {
	m, approvals, _, _ := newTestManager(t, time.Minute)

	base := time.Now()
	m.now = func() time.Time { return base }

	for _, id := range []string{"a", "b", "c"} {
		approvals.rows[id] = approvedRow(id, approval.StatusApproved)
		_, err := m.Execute(context.Background(), id, Action{Command: []string{"echo", id}}, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, m.Active())

	m.now = func() time.Time { return base.Add(30 * time.Second) }
	assert.Equal(t, 0, m.SweepExpired(context.Background()))

	m.now = func() time.Time { return base.Add(2 * time.Minute) }
	assert.Equal(t, 3, m.SweepExpired(context.Background()))
	assert.Equal(t, 0, m.Active())
}

func TestCompensationStack_NilSafe(t *testing.T) {
	var s *CompensationStack
	assert.NoError(t, s.Compensate(context.Background()))
	assert.Equal(t, 0, s.Len())
}
