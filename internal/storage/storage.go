// Package storage defines the gateway's persistence contract and its
// three implementations: in-memory (default, also the test double),
// Postgres (lib/pq) and Supabase (PostgREST).
//
// Components depend on the narrow slice of Store they consume; the
// concrete drivers satisfy the whole contract.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a referenced id has no row.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicate is returned on unique-constraint conflicts.
	ErrDuplicate = errors.New("storage: duplicate")
)

// ============================================================================
// RECORDS
// ============================================================================

// Credential is an encrypted secret at rest. Plaintext never appears
// in this struct; the vault owns the cipher.
type Credential struct {
	ID            string     `json:"id"`
	Owner         string     `json:"owner"`
	Name          string     `json:"name"`
	Service       string     `json:"service"`
	Ciphertext    []byte     `json:"ciphertext"`
	Nonce         []byte     `json:"iv"`
	Tag           []byte     `json:"tag"`
	KDFParams     string     `json:"kdf_params"`
	CreatedAt     time.Time  `json:"created_at"`
	LastRotatedAt *time.Time `json:"last_rotated_at,omitempty"`
}

// CredentialMeta is the list view: everything except cipher material.
type CredentialMeta struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Service       string     `json:"service"`
	CreatedAt     time.Time  `json:"created_at"`
	LastRotatedAt *time.Time `json:"last_rotated_at,omitempty"`
}

// Device is a paired client. Immutable except LastSeenAt and Trusted.
type Device struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Name        string    `json:"name"`
	Fingerprint string    `json:"fingerprint"`
	PublicKey   string    `json:"public_key"` // PEM
	PairedAt    time.Time `json:"paired_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	Trusted     bool      `json:"trusted"`
}

// Session pairs a short-lived access token with a rotating refresh
// token. Only the SHA-256 of the refresh token is stored.
type Session struct {
	ID          string     `json:"id"`
	Owner       string     `json:"owner"`
	DeviceID    string     `json:"device_id"`
	RefreshHash string     `json:"refresh_hash"`
	MFAVerified bool       `json:"mfa_verified"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Revoked     bool       `json:"revoked"`
	ConsumedAt  *time.Time `json:"consumed_at,omitempty"`
}

// CostEntry is one provider call's accounting row. Append-only.
type CostEntry struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	Provider     string                 `json:"provider"`
	Model        string                 `json:"model"`
	InputTokens  int                    `json:"input_tokens"`
	OutputTokens int                    `json:"output_tokens"`
	CostUSD      float64                `json:"cost_usd"`
	TaskType     string                 `json:"task_type,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Approval is a pending decision record for a risky action.
type Approval struct {
	ID               string                 `json:"id"`
	Category         string                 `json:"category"`
	Operation        string                 `json:"operation"`
	ActionBody       string                 `json:"action_body"`
	Risk             string                 `json:"risk"`
	ContextText      string                 `json:"context_text"`
	TechnicalDetails string                 `json:"technical_details,omitempty"`
	SessionID        string                 `json:"session_id"`
	Owner            string                 `json:"owner,omitempty"`
	Status           string                 `json:"status"`
	RuleID           string                 `json:"rule_id,omitempty"`
	DecidedBy        string                 `json:"decided_by,omitempty"`
	DenyReason       string                 `json:"deny_reason,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	ExpiresAt        time.Time              `json:"expires_at"`
	DecidedAt        *time.Time             `json:"decided_at,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// ApprovalAudit is the per-request audit trail row. Append-only.
type ApprovalAudit struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	Action    string    `json:"action"` // created | approved | denied | expired | auto_approved
	Actor     string    `json:"actor,omitempty"`
	Details   string    `json:"details,omitempty"`
	At        time.Time `json:"at"`
}

// TrustSignal is one periodic measurement. The trust monitor is the
// only writer.
type TrustSignal struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Value       float64                `json:"value"`
	Level       string                 `json:"level"` // normal | warning | stop
	Numerator   int                    `json:"numerator"`
	Denominator int                    `json:"denominator"`
	PeriodStart time.Time              `json:"period_start"`
	PeriodEnd   time.Time              `json:"period_end"`
	MeasuredAt  time.Time              `json:"measured_at"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// TrustRegression records observed behavior drift.
type TrustRegression struct {
	ID           string     `json:"id"`
	Owner        string     `json:"owner"`
	Trigger      string     `json:"trigger"`
	Severity     string     `json:"severity"` // warning | critical
	Description  string     `json:"description"`
	UserReported bool       `json:"user_reported"`
	UserFeedback string     `json:"user_feedback,omitempty"`
	BriefingID   string     `json:"briefing_id,omitempty"`
	At           time.Time  `json:"at"`
	Resolved     bool       `json:"resolved"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	Resolution   string     `json:"resolution,omitempty"`
}

// BriefingOutcome feeds signals S1-S3.
type BriefingOutcome struct {
	ID             string    `json:"id"`
	Owner          string    `json:"owner"`
	BriefingID     string    `json:"briefing_id"`
	Status         string    `json:"status"` // delivered | failed | partial
	SectionsTotal  int       `json:"sections_total"`
	SectionsFailed int       `json:"sections_failed"`
	Retries        int       `json:"retries"`
	Viewed         bool      `json:"viewed"`
	At             time.Time `json:"at"`
}

// ItemEvent feeds signal S4.
type ItemEvent struct {
	ID       string    `json:"id"`
	Owner    string    `json:"owner"`
	ItemType string    `json:"item_type"`
	Action   string    `json:"action"` // created | dismissed
	At       time.Time `json:"at"`
}

// RolloutState is the single process-wide rollout row.
type RolloutState struct {
	Phase                int        `json:"phase"`
	ConsecutiveCleanDays int        `json:"consecutive_clean_days"`
	LastCleanDayCheck    *time.Time `json:"last_clean_day_check,omitempty"`
	TotalUsers           int        `json:"total_users"`
	ActiveUsers          int        `json:"active_users"`
	Frozen               bool       `json:"frozen"`
	FrozenAt             *time.Time `json:"frozen_at,omitempty"`
	FreezeReason         string     `json:"freeze_reason,omitempty"`
	FrozenBy             string     `json:"frozen_by,omitempty"`
	BriefingsDisabled    bool       `json:"briefings_disabled"`
	LastPhaseChange      *time.Time `json:"last_phase_change,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// AuditEntry is one row of the global append-only audit log.
type AuditEntry struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Severity string                 `json:"severity"` // info | warning | error | critical
	Message  string                 `json:"message"`
	Owner    string                 `json:"owner,omitempty"`
	IP       string                 `json:"ip,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	At       time.Time              `json:"at"`
}

// Notification is an outbound record consumed by notify adapters.
type Notification struct {
	ID        string                 `json:"id"`
	Channel   string                 `json:"channel"`
	Subject   string                 `json:"subject"`
	Body      string                 `json:"body"`
	Severity  string                 `json:"severity"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// ============================================================================
// FILTERS
// ============================================================================

type ApprovalFilter struct {
	Status   string
	Category string
	Owner    string
	Limit    int
	Offset   int
}

type AuditFilter struct {
	TypePrefix string
	Severity   string
	Owner      string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

// ============================================================================
// CONTRACT
// ============================================================================

// Store is the full persistence contract. Drivers implement all of
// it; consumers declare the subset they use.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Install-scoped key/value rows (vault salt and similar).
	GetMeta(ctx context.Context, key string) (string, error)
	PutMeta(ctx context.Context, key, value string) error

	InsertCredential(ctx context.Context, c *Credential) error
	GetCredential(ctx context.Context, id string) (*Credential, error)
	FindCredentialByName(ctx context.Context, owner, name string) (*Credential, error)
	ListCredentials(ctx context.Context, owner string) ([]CredentialMeta, error)
	UpdateCredential(ctx context.Context, c *Credential) error
	DeleteCredential(ctx context.Context, id string) error

	InsertDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context, owner string) ([]*Device, error)
	CountDevices(ctx context.Context, owner string) (int, error)
	TouchDevice(ctx context.Context, id string, at time.Time) error
	SetDeviceTrusted(ctx context.Context, id string, trusted bool) error

	InsertSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessionByRefreshHash(ctx context.Context, hash string) (*Session, error)
	MarkRefreshConsumed(ctx context.Context, id string, at time.Time) error
	RevokeSession(ctx context.Context, id string) error
	RevokeSessionsForOwner(ctx context.Context, owner string) (int, error)
	DeleteDeadSessions(ctx context.Context, now time.Time) (int, error)

	InsertCostEntry(ctx context.Context, e *CostEntry) error
	ListCostEntries(ctx context.Context, since, until time.Time) ([]*CostEntry, error)

	InsertApproval(ctx context.Context, a *Approval) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
	// TransitionApproval atomically moves id from status `from` to
	// `to`. Returns false when the row was not in `from` (first
	// writer already won).
	TransitionApproval(ctx context.Context, id, from, to, decidedBy, reason string, at time.Time) (bool, error)
	ListApprovals(ctx context.Context, f ApprovalFilter) ([]*Approval, error)
	ListExpiredPending(ctx context.Context, now time.Time) ([]*Approval, error)
	InsertApprovalAudit(ctx context.Context, a *ApprovalAudit) error
	ListApprovalAudit(ctx context.Context, requestID string) ([]*ApprovalAudit, error)
	PurgeApprovalAuditBefore(ctx context.Context, cutoff time.Time) (int, error)

	InsertTrustSignal(ctx context.Context, s *TrustSignal) error
	ListTrustSignals(ctx context.Context, typ string, since, until time.Time) ([]*TrustSignal, error)
	InsertTrustRegression(ctx context.Context, r *TrustRegression) error
	ListTrustRegressions(ctx context.Context, since time.Time) ([]*TrustRegression, error)
	ResolveTrustRegression(ctx context.Context, id, resolution string, at time.Time) error
	InsertBriefingOutcome(ctx context.Context, b *BriefingOutcome) error
	ListBriefingOutcomes(ctx context.Context, since time.Time) ([]*BriefingOutcome, error)
	InsertItemEvent(ctx context.Context, e *ItemEvent) error
	ListItemEvents(ctx context.Context, since time.Time) ([]*ItemEvent, error)

	GetRolloutState(ctx context.Context) (*RolloutState, error)
	PutRolloutState(ctx context.Context, s *RolloutState) error

	InsertAuditEntry(ctx context.Context, e *AuditEntry) error
	QueryAuditEntries(ctx context.Context, f AuditFilter) ([]*AuditEntry, error)
	PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int, error)

	InsertNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, limit int) ([]*Notification, error)
}
