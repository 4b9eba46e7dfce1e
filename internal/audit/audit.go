// Package audit writes the gateway's append-only security log. Every
// entry types into a closed taxonomy; writes persist synchronously so
// a caller never acknowledges a mutation whose audit row could still
// be lost.
package audit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/brianfofficial/atlas/internal/storage"
)

// ============================================================================
// TAXONOMY
// ============================================================================

const (
	TypeAuthLogin       = "auth:login"
	TypeAuthLogout      = "auth:logout"
	TypeAuthMFAVerify   = "auth:mfa_verify"
	TypeAuthFailedLogin = "auth:failed_login"

	TypeApprovalCreated      = "approval:created"
	TypeApprovalApproved     = "approval:approved"
	TypeApprovalDenied       = "approval:denied"
	TypeApprovalExpired      = "approval:expired"
	TypeApprovalAutoApproved = "approval:auto_approved"

	TypeCredentialCreated  = "credential:created"
	TypeCredentialAccessed = "credential:accessed"
	TypeCredentialRotated  = "credential:rotated"
	TypeCredentialDeleted  = "credential:deleted"

	TypeSandboxExecution = "sandbox:execution"
	TypeSandboxBlocked   = "sandbox:blocked"

	TypeSecurityInjectionBlocked    = "security:injection_blocked"
	TypeSecurityExfiltrationBlocked = "security:exfiltration_blocked"
	TypeSecurityAlert               = "security:alert"

	TypeNetworkRequestBlocked = "network:request_blocked"

	TypeSessionCreated     = "session:created"
	TypeSessionInvalidated = "session:invalidated"

	TypeConfigChanged = "config:changed"

	TypeTrustStaleData         = "trust:stale_data"
	TypeTrustSilentFailure     = "trust:silent_failure"
	TypeTrustBehaviorChange    = "trust:behavior_change"
	TypeTrustUserReport        = "trust:user_report"
	TypeTrustMemoryAttribution = "trust:memory_attribution"
	TypeTrustCascadeFailure    = "trust:cascade_failure"
	TypeTrustSignalStop        = "trust:signal_stop"

	TypeRolloutFreeze            = "rollout:freeze"
	TypeRolloutUnfreeze          = "rollout:unfreeze"
	TypeRolloutPhaseChange       = "rollout:phase_change"
	TypeRolloutBriefingsDisabled = "rollout:briefings_disabled"
	TypeRolloutBriefingsEnabled  = "rollout:briefings_enabled"
	TypeRolloutEligibility       = "rollout:eligibility_assessed"
	TypeRolloutCleanDay          = "rollout:clean_day"
	TypeRolloutCleanDaysReset    = "rollout:clean_days_reset"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

var validTypes = map[string]bool{
	TypeAuthLogin: true, TypeAuthLogout: true, TypeAuthMFAVerify: true, TypeAuthFailedLogin: true,
	TypeApprovalCreated: true, TypeApprovalApproved: true, TypeApprovalDenied: true,
	TypeApprovalExpired: true, TypeApprovalAutoApproved: true,
	TypeCredentialCreated: true, TypeCredentialAccessed: true, TypeCredentialRotated: true,
	TypeCredentialDeleted: true,
	TypeSandboxExecution:  true, TypeSandboxBlocked: true,
	TypeSecurityInjectionBlocked: true, TypeSecurityExfiltrationBlocked: true, TypeSecurityAlert: true,
	TypeNetworkRequestBlocked: true,
	TypeSessionCreated:        true, TypeSessionInvalidated: true,
	TypeConfigChanged: true,
	TypeTrustStaleData: true, TypeTrustSilentFailure: true, TypeTrustBehaviorChange: true,
	TypeTrustUserReport: true, TypeTrustMemoryAttribution: true, TypeTrustCascadeFailure: true,
	TypeTrustSignalStop: true,
	TypeRolloutFreeze:   true, TypeRolloutUnfreeze: true, TypeRolloutPhaseChange: true,
	TypeRolloutBriefingsDisabled: true, TypeRolloutBriefingsEnabled: true,
	TypeRolloutEligibility: true, TypeRolloutCleanDay: true, TypeRolloutCleanDaysReset: true,
}

var validSeverities = map[string]bool{
	SeverityInfo: true, SeverityWarning: true, SeverityError: true, SeverityCritical: true,
}

// ============================================================================
// LOGGER
// ============================================================================

// Store is the persistence slice the logger consumes.
type Store interface {
	InsertAuditEntry(ctx context.Context, e *storage.AuditEntry) error
	QueryAuditEntries(ctx context.Context, f storage.AuditFilter) ([]*storage.AuditEntry, error)
	PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Event describes one audit write.
type Event struct {
	Type     string
	Severity string // defaults to info
	Message  string
	Owner    string
	IP       string
	Metadata map[string]interface{}
}

// Logger validates events against the taxonomy and persists them.
type Logger struct {
	store  Store
	logger *log.Logger
}

// New creates an audit logger over the given store.
func New(store Store) *Logger {
	return &Logger{
		store:  store,
		logger: log.New(log.Writer(), "[AUDIT] ", log.LstdFlags),
	}
}

// Log persists one entry. Unknown types and severities are rejected:
// call sites use the package constants, so an error here is a bug.
func (l *Logger) Log(ctx context.Context, ev Event) error {
	if !validTypes[ev.Type] {
		return fmt.Errorf("audit: unknown event type %q", ev.Type)
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}
	if !validSeverities[ev.Severity] {
		return fmt.Errorf("audit: unknown severity %q", ev.Severity)
	}

	entry := &storage.AuditEntry{
		ID:       uuid.New().String(),
		Type:     ev.Type,
		Severity: ev.Severity,
		Message:  ev.Message,
		Owner:    ev.Owner,
		IP:       ev.IP,
		Metadata: ev.Metadata,
		At:       time.Now().UTC(),
	}
	if err := l.store.InsertAuditEntry(ctx, entry); err != nil {
		l.logger.Printf("Failed to persist %s: %v", ev.Type, err)
		return fmt.Errorf("persist audit entry: %w", err)
	}
	return nil
}

// Query returns entries matching the filter, newest first.
func (l *Logger) Query(ctx context.Context, f storage.AuditFilter) ([]*storage.AuditEntry, error) {
	return l.store.QueryAuditEntries(ctx, f)
}

// Purge removes entries older than the cutoff and reports how many.
func (l *Logger) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := l.store.PurgeAuditBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger.Printf("Purged %d entries older than %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}
