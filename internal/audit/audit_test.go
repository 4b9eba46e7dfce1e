package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brianfofficial/atlas/internal/storage"
)

// ============================================================================
// AUDIT LOGGER UNIT TESTS
// ============================================================================

func TestLogger_LogAndQuery(t *testing.T) {
	ctx := context.Background()
	l := New(storage.NewMemory())

	require.NoError(t, l.Log(ctx, Event{
		Type:     TypeAuthFailedLogin,
		Severity: SeverityWarning,
		Message:  "bad signature on challenge",
		Owner:    "brian",
		IP:       "127.0.0.1",
		Metadata: map[string]interface{}{"device": "d1"},
	}))
	require.NoError(t, l.Log(ctx, Event{Type: TypeApprovalCreated, Message: "approval req1 created"}))

	entries, err := l.Query(ctx, storage.AuditFilter{TypePrefix: "auth:"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, TypeAuthFailedLogin, entries[0].Type)
	assert.Equal(t, "warning", entries[0].Severity)
	assert.Equal(t, "d1", entries[0].Metadata["device"])

	// Severity defaults to info
	all, err := l.Query(ctx, storage.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, e := range all {
		if e.Type == TypeApprovalCreated {
			assert.Equal(t, SeverityInfo, e.Severity)
		}
	}
}

func TestLogger_RejectsUnknownTypeAndSeverity(t *testing.T) {
	ctx := context.Background()
	l := New(storage.NewMemory())

	err := l.Log(ctx, Event{Type: "made:up", Message: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type")

	err = l.Log(ctx, Event{Type: TypeConfigChanged, Severity: "fatal", Message: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown severity")

	entries, _ := l.Query(ctx, storage.AuditFilter{})
	assert.Empty(t, entries, "rejected events must not persist")
}

func TestLogger_ExportCSV(t *testing.T) {
	ctx := context.Background()
	l := New(storage.NewMemory())

	require.NoError(t, l.Log(ctx, Event{
		Type: TypeRolloutFreeze, Severity: SeverityCritical,
		Message: "frozen: retry_button_spam", Owner: "brian",
		Metadata: map[string]interface{}{"trigger": "retry_button_spam"},
	}))

	var buf bytes.Buffer
	require.NoError(t, l.ExportCSV(ctx, &buf, storage.AuditFilter{}))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"id", "at", "type", "severity", "owner", "ip", "message", "metadata"}, rows[0])
	assert.Equal(t, TypeRolloutFreeze, rows[1][2])
	assert.Equal(t, "critical", rows[1][3])
	assert.Contains(t, rows[1][7], "retry_button_spam")
}

func TestLogger_ExportJSON(t *testing.T) {
	ctx := context.Background()
	l := New(storage.NewMemory())

	require.NoError(t, l.Log(ctx, Event{Type: TypeSandboxBlocked, Severity: SeverityWarning, Message: "rm -rf refused"}))

	var buf bytes.Buffer
	require.NoError(t, l.ExportJSON(ctx, &buf, storage.AuditFilter{}))

	var out []storage.AuditEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, TypeSandboxBlocked, out[0].Type)
}

func TestLogger_Purge(t *testing.T) {
	ctx := context.Background()
	l := New(storage.NewMemory())

	require.NoError(t, l.Log(ctx, Event{Type: TypeSessionCreated, Message: "s1"}))
	time.Sleep(5 * time.Millisecond)
	cut := time.Now().UTC()
	require.NoError(t, l.Log(ctx, Event{Type: TypeSessionCreated, Message: "s2"}))

	n, err := l.Purge(ctx, cut)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, _ := l.Query(ctx, storage.AuditFilter{})
	require.Len(t, entries, 1)
	assert.Equal(t, "s2", entries[0].Message)
}
