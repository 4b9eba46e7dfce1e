package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/supabase-community/postgrest-go"
	supabase "github.com/supabase-community/supabase-go"
)

// Supabase implements Store against a hosted Supabase project via
// PostgREST. Tables mirror the Postgres driver's schema; apply the
// same DDL through the Supabase SQL editor before pointing the
// gateway at it.
type Supabase struct {
	client *supabase.Client
}

// NewSupabase builds the client and verifies the meta table is
// reachable. The caller maps a failure here to exit code 4.
func NewSupabase(ctx context.Context, url, key string) (*Supabase, error) {
	if url == "" || key == "" {
		return nil, fmt.Errorf("supabase url and key must be set")
	}
	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	s := &Supabase{client: client}
	if err := s.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping supabase: %w", err)
	}
	return s, nil
}

func (s *Supabase) Ping(ctx context.Context) error {
	var rows []metaRow
	_, err := s.client.From("meta").Select("key", "", false).Limit(1, "").ExecuteTo(&rows)
	return err
}

func (s *Supabase) Close() error { return nil }

func isSupabaseDuplicate(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key")
}

// PostgREST speaks RFC 3339 strings; binary columns travel as base64.

func encTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func encTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := encTime(*t)
	return &s
}

func decTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02T15:04:05.999999", s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func decTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := decTime(*s)
	return &t
}

func encBytes(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decBytes(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var descending = &postgrest.OrderOpts{Ascending: false}

// ============================================================================
// ROWS
// ============================================================================

type metaRow struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type credentialRow struct {
	ID            string  `json:"id"`
	Owner         string  `json:"owner"`
	Name          string  `json:"name"`
	Service       string  `json:"service"`
	Ciphertext    string  `json:"ciphertext"`
	Nonce         string  `json:"nonce"`
	Tag           string  `json:"tag"`
	KDFParams     string  `json:"kdf_params"`
	CreatedAt     string  `json:"created_at"`
	LastRotatedAt *string `json:"last_rotated_at"`
}

func toCredentialRow(c *Credential) credentialRow {
	return credentialRow{
		ID: c.ID, Owner: c.Owner, Name: c.Name, Service: c.Service,
		Ciphertext: encBytes(c.Ciphertext), Nonce: encBytes(c.Nonce), Tag: encBytes(c.Tag),
		KDFParams: c.KDFParams, CreatedAt: encTime(c.CreatedAt), LastRotatedAt: encTimePtr(c.LastRotatedAt),
	}
}

func (r credentialRow) record() *Credential {
	return &Credential{
		ID: r.ID, Owner: r.Owner, Name: r.Name, Service: r.Service,
		Ciphertext: decBytes(r.Ciphertext), Nonce: decBytes(r.Nonce), Tag: decBytes(r.Tag),
		KDFParams: r.KDFParams, CreatedAt: decTime(r.CreatedAt), LastRotatedAt: decTimePtr(r.LastRotatedAt),
	}
}

type credentialMetaRow struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Service       string  `json:"service"`
	CreatedAt     string  `json:"created_at"`
	LastRotatedAt *string `json:"last_rotated_at"`
}

type deviceRow struct {
	ID          string `json:"id"`
	Owner       string `json:"owner"`
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"public_key"`
	PairedAt    string `json:"paired_at"`
	LastSeenAt  string `json:"last_seen_at"`
	Trusted     bool   `json:"trusted"`
}

func (r deviceRow) record() *Device {
	return &Device{
		ID: r.ID, Owner: r.Owner, Name: r.Name, Fingerprint: r.Fingerprint, PublicKey: r.PublicKey,
		PairedAt: decTime(r.PairedAt), LastSeenAt: decTime(r.LastSeenAt), Trusted: r.Trusted,
	}
}

type sessionRow struct {
	ID          string  `json:"id"`
	Owner       string  `json:"owner"`
	DeviceID    string  `json:"device_id"`
	RefreshHash string  `json:"refresh_hash"`
	MFAVerified bool    `json:"mfa_verified"`
	CreatedAt   string  `json:"created_at"`
	ExpiresAt   string  `json:"expires_at"`
	Revoked     bool    `json:"revoked"`
	ConsumedAt  *string `json:"consumed_at"`
}

func (r sessionRow) record() *Session {
	return &Session{
		ID: r.ID, Owner: r.Owner, DeviceID: r.DeviceID, RefreshHash: r.RefreshHash,
		MFAVerified: r.MFAVerified, CreatedAt: decTime(r.CreatedAt), ExpiresAt: decTime(r.ExpiresAt),
		Revoked: r.Revoked, ConsumedAt: decTimePtr(r.ConsumedAt),
	}
}

type costEntryRow struct {
	ID           string                 `json:"id"`
	TS           string                 `json:"ts"`
	Provider     string                 `json:"provider"`
	Model        string                 `json:"model"`
	InputTokens  int                    `json:"input_tokens"`
	OutputTokens int                    `json:"output_tokens"`
	CostUSD      float64                `json:"cost_usd"`
	TaskType     *string                `json:"task_type"`
	Metadata     map[string]interface{} `json:"metadata"`
}

type approvalRow struct {
	ID               string                 `json:"id"`
	Category         string                 `json:"category"`
	Operation        string                 `json:"operation"`
	ActionBody       string                 `json:"action_body"`
	Risk             string                 `json:"risk"`
	ContextText      string                 `json:"context_text"`
	TechnicalDetails *string                `json:"technical_details"`
	SessionID        string                 `json:"session_id"`
	Owner            *string                `json:"owner"`
	Status           string                 `json:"status"`
	RuleID           *string                `json:"rule_id"`
	DecidedBy        *string                `json:"decided_by"`
	DenyReason       *string                `json:"deny_reason"`
	CreatedAt        string                 `json:"created_at"`
	ExpiresAt        string                 `json:"expires_at"`
	DecidedAt        *string                `json:"decided_at"`
	Metadata         map[string]interface{} `json:"metadata"`
}

func toApprovalRow(a *Approval) approvalRow {
	return approvalRow{
		ID: a.ID, Category: a.Category, Operation: a.Operation, ActionBody: a.ActionBody,
		Risk: a.Risk, ContextText: a.ContextText, TechnicalDetails: strPtr(a.TechnicalDetails),
		SessionID: a.SessionID, Owner: strPtr(a.Owner), Status: a.Status, RuleID: strPtr(a.RuleID),
		DecidedBy: strPtr(a.DecidedBy), DenyReason: strPtr(a.DenyReason),
		CreatedAt: encTime(a.CreatedAt), ExpiresAt: encTime(a.ExpiresAt),
		DecidedAt: encTimePtr(a.DecidedAt), Metadata: a.Metadata,
	}
}

func (r approvalRow) record() *Approval {
	return &Approval{
		ID: r.ID, Category: r.Category, Operation: r.Operation, ActionBody: r.ActionBody,
		Risk: r.Risk, ContextText: r.ContextText, TechnicalDetails: strVal(r.TechnicalDetails),
		SessionID: r.SessionID, Owner: strVal(r.Owner), Status: r.Status, RuleID: strVal(r.RuleID),
		DecidedBy: strVal(r.DecidedBy), DenyReason: strVal(r.DenyReason),
		CreatedAt: decTime(r.CreatedAt), ExpiresAt: decTime(r.ExpiresAt),
		DecidedAt: decTimePtr(r.DecidedAt), Metadata: r.Metadata,
	}
}

type approvalAuditRow struct {
	ID        string  `json:"id"`
	RequestID string  `json:"request_id"`
	Action    string  `json:"action"`
	Actor     *string `json:"actor"`
	Details   *string `json:"details"`
	At        string  `json:"at"`
}

type trustSignalRow struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Value       float64                `json:"value"`
	Level       string                 `json:"level"`
	Numerator   int                    `json:"numerator"`
	Denominator int                    `json:"denominator"`
	PeriodStart string                 `json:"period_start"`
	PeriodEnd   string                 `json:"period_end"`
	MeasuredAt  string                 `json:"measured_at"`
	Metadata    map[string]interface{} `json:"metadata"`
}

type trustRegressionRow struct {
	ID           string  `json:"id"`
	Owner        string  `json:"owner"`
	TriggerType  string  `json:"trigger_type"`
	Severity     string  `json:"severity"`
	Description  string  `json:"description"`
	UserReported bool    `json:"user_reported"`
	UserFeedback *string `json:"user_feedback"`
	BriefingID   *string `json:"briefing_id"`
	At           string  `json:"at"`
	Resolved     bool    `json:"resolved"`
	ResolvedAt   *string `json:"resolved_at"`
	Resolution   *string `json:"resolution"`
}

type briefingOutcomeRow struct {
	ID             string `json:"id"`
	Owner          string `json:"owner"`
	BriefingID     string `json:"briefing_id"`
	Status         string `json:"status"`
	SectionsTotal  int    `json:"sections_total"`
	SectionsFailed int    `json:"sections_failed"`
	Retries        int    `json:"retries"`
	Viewed         bool   `json:"viewed"`
	At             string `json:"at"`
}

type itemEventRow struct {
	ID       string `json:"id"`
	Owner    string `json:"owner"`
	ItemType string `json:"item_type"`
	Action   string `json:"action"`
	At       string `json:"at"`
}

type rolloutStateRow struct {
	Singleton            bool    `json:"singleton"`
	Phase                int     `json:"phase"`
	ConsecutiveCleanDays int     `json:"consecutive_clean_days"`
	LastCleanDayCheck    *string `json:"last_clean_day_check"`
	TotalUsers           int     `json:"total_users"`
	ActiveUsers          int     `json:"active_users"`
	Frozen               bool    `json:"frozen"`
	FrozenAt             *string `json:"frozen_at"`
	FreezeReason         *string `json:"freeze_reason"`
	FrozenBy             *string `json:"frozen_by"`
	BriefingsDisabled    bool    `json:"briefings_disabled"`
	LastPhaseChange      *string `json:"last_phase_change"`
	UpdatedAt            string  `json:"updated_at"`
}

type auditEntryRow struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Severity string                 `json:"severity"`
	Message  string                 `json:"message"`
	Owner    *string                `json:"owner"`
	IP       *string                `json:"ip"`
	Metadata map[string]interface{} `json:"metadata"`
	At       string                 `json:"at"`
}

type notificationRow struct {
	ID        string                 `json:"id"`
	Channel   string                 `json:"channel"`
	Subject   string                 `json:"subject"`
	Body      string                 `json:"body"`
	Severity  string                 `json:"severity"`
	Metadata  map[string]interface{} `json:"metadata"`
	CreatedAt string                 `json:"created_at"`
}

// ============================================================================
// META
// ============================================================================

func (s *Supabase) GetMeta(ctx context.Context, key string) (string, error) {
	var rows []metaRow
	_, err := s.client.From("meta").Select("*", "", false).Eq("key", key).ExecuteTo(&rows)
	if err != nil {
		return "", fmt.Errorf("query meta: %w", err)
	}
	if len(rows) == 0 {
		return "", ErrNotFound
	}
	return rows[0].Value, nil
}

func (s *Supabase) PutMeta(ctx context.Context, key, value string) error {
	_, _, err := s.client.From("meta").
		Upsert(metaRow{Key: key, Value: value}, "key", "", "").
		Execute()
	return err
}

// ============================================================================
// CREDENTIALS
// ============================================================================

func (s *Supabase) InsertCredential(ctx context.Context, c *Credential) error {
	_, _, err := s.client.From("credentials").
		Insert(toCredentialRow(c), false, "", "", "").
		Execute()
	if isSupabaseDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Supabase) GetCredential(ctx context.Context, id string) (*Credential, error) {
	var rows []credentialRow
	_, err := s.client.From("credentials").Select("*", "", false).Eq("id", id).ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0].record(), nil
}

func (s *Supabase) FindCredentialByName(ctx context.Context, owner, name string) (*Credential, error) {
	var rows []credentialRow
	_, err := s.client.From("credentials").
		Select("*", "", false).
		Eq("owner", owner).
		Eq("name", name).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0].record(), nil
}

// ListCredentials selects only metadata columns so cipher material
// never crosses the wire for a listing.
func (s *Supabase) ListCredentials(ctx context.Context, owner string) ([]CredentialMeta, error) {
	query := s.client.From("credentials").
		Select("id,name,service,created_at,last_rotated_at", "", false).
		Order("created_at", nil)
	if owner != "" {
		query = query.Eq("owner", owner)
	}
	var rows []credentialMetaRow
	if _, err := query.ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	out := make([]CredentialMeta, 0, len(rows))
	for _, r := range rows {
		out = append(out, CredentialMeta{
			ID: r.ID, Name: r.Name, Service: r.Service,
			CreatedAt: decTime(r.CreatedAt), LastRotatedAt: decTimePtr(r.LastRotatedAt),
		})
	}
	return out, nil
}

func (s *Supabase) UpdateCredential(ctx context.Context, c *Credential) error {
	patch := map[string]interface{}{
		"ciphertext":      encBytes(c.Ciphertext),
		"nonce":           encBytes(c.Nonce),
		"tag":             encBytes(c.Tag),
		"kdf_params":      c.KDFParams,
		"last_rotated_at": encTimePtr(c.LastRotatedAt),
	}
	var rows []credentialRow
	_, err := s.client.From("credentials").Update(patch, "", "").Eq("id", c.ID).ExecuteTo(&rows)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Supabase) DeleteCredential(ctx context.Context, id string) error {
	var rows []credentialRow
	_, err := s.client.From("credentials").Delete("", "").Eq("id", id).ExecuteTo(&rows)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return nil
}

// ============================================================================
// DEVICES
// ============================================================================

func (s *Supabase) InsertDevice(ctx context.Context, d *Device) error {
	row := deviceRow{
		ID: d.ID, Owner: d.Owner, Name: d.Name, Fingerprint: d.Fingerprint, PublicKey: d.PublicKey,
		PairedAt: encTime(d.PairedAt), LastSeenAt: encTime(d.LastSeenAt), Trusted: d.Trusted,
	}
	_, _, err := s.client.From("devices").Insert(row, false, "", "", "").Execute()
	if isSupabaseDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Supabase) GetDevice(ctx context.Context, id string) (*Device, error) {
	var rows []deviceRow
	_, err := s.client.From("devices").Select("*", "", false).Eq("id", id).ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0].record(), nil
}

func (s *Supabase) ListDevices(ctx context.Context, owner string) ([]*Device, error) {
	query := s.client.From("devices").Select("*", "", false).Order("paired_at", nil)
	if owner != "" {
		query = query.Eq("owner", owner)
	}
	var rows []deviceRow
	if _, err := query.ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	out := make([]*Device, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func (s *Supabase) CountDevices(ctx context.Context, owner string) (int, error) {
	devices, err := s.ListDevices(ctx, owner)
	if err != nil {
		return 0, err
	}
	return len(devices), nil
}

func (s *Supabase) TouchDevice(ctx context.Context, id string, at time.Time) error {
	return s.updateDevice(id, map[string]interface{}{"last_seen_at": encTime(at)})
}

func (s *Supabase) SetDeviceTrusted(ctx context.Context, id string, trusted bool) error {
	return s.updateDevice(id, map[string]interface{}{"trusted": trusted})
}

func (s *Supabase) updateDevice(id string, patch map[string]interface{}) error {
	var rows []deviceRow
	_, err := s.client.From("devices").Update(patch, "", "").Eq("id", id).ExecuteTo(&rows)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return nil
}

// ============================================================================
// SESSIONS
// ============================================================================

func (s *Supabase) InsertSession(ctx context.Context, sess *Session) error {
	row := sessionRow{
		ID: sess.ID, Owner: sess.Owner, DeviceID: sess.DeviceID, RefreshHash: sess.RefreshHash,
		MFAVerified: sess.MFAVerified, CreatedAt: encTime(sess.CreatedAt), ExpiresAt: encTime(sess.ExpiresAt),
		Revoked: sess.Revoked, ConsumedAt: encTimePtr(sess.ConsumedAt),
	}
	_, _, err := s.client.From("sessions").Insert(row, false, "", "", "").Execute()
	if isSupabaseDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Supabase) GetSession(ctx context.Context, id string) (*Session, error) {
	return s.querySession("id", id)
}

func (s *Supabase) GetSessionByRefreshHash(ctx context.Context, hash string) (*Session, error) {
	return s.querySession("refresh_hash", hash)
}

func (s *Supabase) querySession(col, val string) (*Session, error) {
	var rows []sessionRow
	_, err := s.client.From("sessions").Select("*", "", false).Eq(col, val).ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0].record(), nil
}

func (s *Supabase) MarkRefreshConsumed(ctx context.Context, id string, at time.Time) error {
	return s.updateSession(id, map[string]interface{}{"consumed_at": encTime(at)})
}

func (s *Supabase) RevokeSession(ctx context.Context, id string) error {
	return s.updateSession(id, map[string]interface{}{"revoked": true})
}

func (s *Supabase) updateSession(id string, patch map[string]interface{}) error {
	var rows []sessionRow
	_, err := s.client.From("sessions").Update(patch, "", "").Eq("id", id).ExecuteTo(&rows)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Supabase) RevokeSessionsForOwner(ctx context.Context, owner string) (int, error) {
	var rows []sessionRow
	_, err := s.client.From("sessions").
		Update(map[string]interface{}{"revoked": true}, "", "").
		Eq("owner", owner).
		Eq("revoked", "false").
		ExecuteTo(&rows)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (s *Supabase) DeleteDeadSessions(ctx context.Context, now time.Time) (int, error) {
	var rows []sessionRow
	_, err := s.client.From("sessions").
		Delete("", "").
		Or(fmt.Sprintf("revoked.eq.true,expires_at.lt.%s", encTime(now)), "").
		ExecuteTo(&rows)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// ============================================================================
// COST ENTRIES
// ============================================================================

func (s *Supabase) InsertCostEntry(ctx context.Context, e *CostEntry) error {
	row := costEntryRow{
		ID: e.ID, TS: encTime(e.Timestamp), Provider: e.Provider, Model: e.Model,
		InputTokens: e.InputTokens, OutputTokens: e.OutputTokens, CostUSD: e.CostUSD,
		TaskType: strPtr(e.TaskType), Metadata: e.Metadata,
	}
	_, _, err := s.client.From("cost_entries").Insert(row, false, "", "", "").Execute()
	return err
}

func (s *Supabase) ListCostEntries(ctx context.Context, since, until time.Time) ([]*CostEntry, error) {
	query := s.client.From("cost_entries").Select("*", "", false).Order("ts", nil)
	if !since.IsZero() {
		query = query.Gte("ts", encTime(since))
	}
	if !until.IsZero() {
		query = query.Lte("ts", encTime(until))
	}
	var rows []costEntryRow
	if _, err := query.ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("query cost_entries: %w", err)
	}
	out := make([]*CostEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, &CostEntry{
			ID: r.ID, Timestamp: decTime(r.TS), Provider: r.Provider, Model: r.Model,
			InputTokens: r.InputTokens, OutputTokens: r.OutputTokens, CostUSD: r.CostUSD,
			TaskType: strVal(r.TaskType), Metadata: r.Metadata,
		})
	}
	return out, nil
}

// ============================================================================
// APPROVALS
// ============================================================================

func (s *Supabase) InsertApproval(ctx context.Context, a *Approval) error {
	_, _, err := s.client.From("approvals").Insert(toApprovalRow(a), false, "", "", "").Execute()
	if isSupabaseDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Supabase) GetApproval(ctx context.Context, id string) (*Approval, error) {
	var rows []approvalRow
	_, err := s.client.From("approvals").Select("*", "", false).Eq("id", id).ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0].record(), nil
}

func (s *Supabase) TransitionApproval(ctx context.Context, id, from, to, decidedBy, reason string, at time.Time) (bool, error) {
	patch := map[string]interface{}{
		"status":      to,
		"decided_by":  strPtr(decidedBy),
		"deny_reason": strPtr(reason),
		"decided_at":  encTime(at),
	}
	var rows []approvalRow
	_, err := s.client.From("approvals").
		Update(patch, "", "").
		Eq("id", id).
		Eq("status", from).
		ExecuteTo(&rows)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		if _, getErr := s.GetApproval(ctx, id); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

func (s *Supabase) ListApprovals(ctx context.Context, f ApprovalFilter) ([]*Approval, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := s.client.From("approvals").Select("*", "", false).Order("created_at", descending)
	if f.Status != "" {
		query = query.Eq("status", f.Status)
	}
	if f.Category != "" {
		query = query.Eq("category", f.Category)
	}
	if f.Owner != "" {
		query = query.Eq("owner", f.Owner)
	}
	query = query.Range(f.Offset, f.Offset+limit-1, "")
	var rows []approvalRow
	if _, err := query.ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	out := make([]*Approval, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func (s *Supabase) ListExpiredPending(ctx context.Context, now time.Time) ([]*Approval, error) {
	var rows []approvalRow
	_, err := s.client.From("approvals").
		Select("*", "", false).
		Eq("status", "pending").
		Lt("expires_at", encTime(now)).
		Order("expires_at", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	out := make([]*Approval, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func (s *Supabase) InsertApprovalAudit(ctx context.Context, a *ApprovalAudit) error {
	row := approvalAuditRow{
		ID: a.ID, RequestID: a.RequestID, Action: a.Action,
		Actor: strPtr(a.Actor), Details: strPtr(a.Details), At: encTime(a.At),
	}
	_, _, err := s.client.From("approval_audit").Insert(row, false, "", "", "").Execute()
	return err
}

func (s *Supabase) ListApprovalAudit(ctx context.Context, requestID string) ([]*ApprovalAudit, error) {
	var rows []approvalAuditRow
	_, err := s.client.From("approval_audit").
		Select("*", "", false).
		Eq("request_id", requestID).
		Order("at", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query approval_audit: %w", err)
	}
	out := make([]*ApprovalAudit, 0, len(rows))
	for _, r := range rows {
		out = append(out, &ApprovalAudit{
			ID: r.ID, RequestID: r.RequestID, Action: r.Action,
			Actor: strVal(r.Actor), Details: strVal(r.Details), At: decTime(r.At),
		})
	}
	return out, nil
}

func (s *Supabase) PurgeApprovalAuditBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var rows []approvalAuditRow
	_, err := s.client.From("approval_audit").
		Delete("", "").
		Lt("at", encTime(cutoff)).
		ExecuteTo(&rows)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// ============================================================================
// TRUST
// ============================================================================

func (s *Supabase) InsertTrustSignal(ctx context.Context, sig *TrustSignal) error {
	row := trustSignalRow{
		ID: sig.ID, Type: sig.Type, Value: sig.Value, Level: sig.Level,
		Numerator: sig.Numerator, Denominator: sig.Denominator,
		PeriodStart: encTime(sig.PeriodStart), PeriodEnd: encTime(sig.PeriodEnd),
		MeasuredAt: encTime(sig.MeasuredAt), Metadata: sig.Metadata,
	}
	_, _, err := s.client.From("trust_signals").Insert(row, false, "", "", "").Execute()
	return err
}

func (s *Supabase) ListTrustSignals(ctx context.Context, typ string, since, until time.Time) ([]*TrustSignal, error) {
	query := s.client.From("trust_signals").Select("*", "", false).Order("measured_at", nil)
	if typ != "" {
		query = query.Eq("type", typ)
	}
	if !since.IsZero() {
		query = query.Gte("measured_at", encTime(since))
	}
	if !until.IsZero() {
		query = query.Lte("measured_at", encTime(until))
	}
	var rows []trustSignalRow
	if _, err := query.ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("query trust_signals: %w", err)
	}
	out := make([]*TrustSignal, 0, len(rows))
	for _, r := range rows {
		out = append(out, &TrustSignal{
			ID: r.ID, Type: r.Type, Value: r.Value, Level: r.Level,
			Numerator: r.Numerator, Denominator: r.Denominator,
			PeriodStart: decTime(r.PeriodStart), PeriodEnd: decTime(r.PeriodEnd),
			MeasuredAt: decTime(r.MeasuredAt), Metadata: r.Metadata,
		})
	}
	return out, nil
}

func (s *Supabase) InsertTrustRegression(ctx context.Context, r *TrustRegression) error {
	row := trustRegressionRow{
		ID: r.ID, Owner: r.Owner, TriggerType: r.Trigger, Severity: r.Severity,
		Description: r.Description, UserReported: r.UserReported,
		UserFeedback: strPtr(r.UserFeedback), BriefingID: strPtr(r.BriefingID),
		At: encTime(r.At), Resolved: r.Resolved, ResolvedAt: encTimePtr(r.ResolvedAt),
		Resolution: strPtr(r.Resolution),
	}
	_, _, err := s.client.From("trust_regressions").Insert(row, false, "", "", "").Execute()
	if isSupabaseDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Supabase) ListTrustRegressions(ctx context.Context, since time.Time) ([]*TrustRegression, error) {
	query := s.client.From("trust_regressions").Select("*", "", false).Order("at", nil)
	if !since.IsZero() {
		query = query.Gte("at", encTime(since))
	}
	var rows []trustRegressionRow
	if _, err := query.ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("query trust_regressions: %w", err)
	}
	out := make([]*TrustRegression, 0, len(rows))
	for _, r := range rows {
		out = append(out, &TrustRegression{
			ID: r.ID, Owner: r.Owner, Trigger: r.TriggerType, Severity: r.Severity,
			Description: r.Description, UserReported: r.UserReported,
			UserFeedback: strVal(r.UserFeedback), BriefingID: strVal(r.BriefingID),
			At: decTime(r.At), Resolved: r.Resolved, ResolvedAt: decTimePtr(r.ResolvedAt),
			Resolution: strVal(r.Resolution),
		})
	}
	return out, nil
}

func (s *Supabase) ResolveTrustRegression(ctx context.Context, id, resolution string, at time.Time) error {
	patch := map[string]interface{}{
		"resolved":    true,
		"resolution":  resolution,
		"resolved_at": encTime(at),
	}
	var rows []trustRegressionRow
	_, err := s.client.From("trust_regressions").Update(patch, "", "").Eq("id", id).ExecuteTo(&rows)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Supabase) InsertBriefingOutcome(ctx context.Context, b *BriefingOutcome) error {
	row := briefingOutcomeRow{
		ID: b.ID, Owner: b.Owner, BriefingID: b.BriefingID, Status: b.Status,
		SectionsTotal: b.SectionsTotal, SectionsFailed: b.SectionsFailed,
		Retries: b.Retries, Viewed: b.Viewed, At: encTime(b.At),
	}
	_, _, err := s.client.From("briefing_outcomes").Insert(row, false, "", "", "").Execute()
	return err
}

func (s *Supabase) ListBriefingOutcomes(ctx context.Context, since time.Time) ([]*BriefingOutcome, error) {
	query := s.client.From("briefing_outcomes").Select("*", "", false).Order("at", nil)
	if !since.IsZero() {
		query = query.Gte("at", encTime(since))
	}
	var rows []briefingOutcomeRow
	if _, err := query.ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("query briefing_outcomes: %w", err)
	}
	out := make([]*BriefingOutcome, 0, len(rows))
	for _, r := range rows {
		out = append(out, &BriefingOutcome{
			ID: r.ID, Owner: r.Owner, BriefingID: r.BriefingID, Status: r.Status,
			SectionsTotal: r.SectionsTotal, SectionsFailed: r.SectionsFailed,
			Retries: r.Retries, Viewed: r.Viewed, At: decTime(r.At),
		})
	}
	return out, nil
}

func (s *Supabase) InsertItemEvent(ctx context.Context, e *ItemEvent) error {
	row := itemEventRow{ID: e.ID, Owner: e.Owner, ItemType: e.ItemType, Action: e.Action, At: encTime(e.At)}
	_, _, err := s.client.From("item_events").Insert(row, false, "", "", "").Execute()
	return err
}

func (s *Supabase) ListItemEvents(ctx context.Context, since time.Time) ([]*ItemEvent, error) {
	query := s.client.From("item_events").Select("*", "", false).Order("at", nil)
	if !since.IsZero() {
		query = query.Gte("at", encTime(since))
	}
	var rows []itemEventRow
	if _, err := query.ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("query item_events: %w", err)
	}
	out := make([]*ItemEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, &ItemEvent{ID: r.ID, Owner: r.Owner, ItemType: r.ItemType, Action: r.Action, At: decTime(r.At)})
	}
	return out, nil
}

// ============================================================================
// ROLLOUT
// ============================================================================

func (s *Supabase) GetRolloutState(ctx context.Context) (*RolloutState, error) {
	var rows []rolloutStateRow
	_, err := s.client.From("rollout_state").Select("*", "", false).Eq("singleton", "true").ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query rollout_state: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	r := rows[0]
	return &RolloutState{
		Phase: r.Phase, ConsecutiveCleanDays: r.ConsecutiveCleanDays,
		LastCleanDayCheck: decTimePtr(r.LastCleanDayCheck),
		TotalUsers:        r.TotalUsers, ActiveUsers: r.ActiveUsers,
		Frozen: r.Frozen, FrozenAt: decTimePtr(r.FrozenAt),
		FreezeReason: strVal(r.FreezeReason), FrozenBy: strVal(r.FrozenBy),
		BriefingsDisabled: r.BriefingsDisabled,
		LastPhaseChange:   decTimePtr(r.LastPhaseChange), UpdatedAt: decTime(r.UpdatedAt),
	}, nil
}

func (s *Supabase) PutRolloutState(ctx context.Context, st *RolloutState) error {
	row := rolloutStateRow{
		Singleton: true, Phase: st.Phase, ConsecutiveCleanDays: st.ConsecutiveCleanDays,
		LastCleanDayCheck: encTimePtr(st.LastCleanDayCheck),
		TotalUsers:        st.TotalUsers, ActiveUsers: st.ActiveUsers,
		Frozen: st.Frozen, FrozenAt: encTimePtr(st.FrozenAt),
		FreezeReason: strPtr(st.FreezeReason), FrozenBy: strPtr(st.FrozenBy),
		BriefingsDisabled: st.BriefingsDisabled,
		LastPhaseChange:   encTimePtr(st.LastPhaseChange), UpdatedAt: encTime(st.UpdatedAt),
	}
	_, _, err := s.client.From("rollout_state").Upsert(row, "singleton", "", "").Execute()
	return err
}

// ============================================================================
// AUDIT
// ============================================================================

func (s *Supabase) InsertAuditEntry(ctx context.Context, e *AuditEntry) error {
	row := auditEntryRow{
		ID: e.ID, Type: e.Type, Severity: e.Severity, Message: e.Message,
		Owner: strPtr(e.Owner), IP: strPtr(e.IP), Metadata: e.Metadata, At: encTime(e.At),
	}
	_, _, err := s.client.From("audit_log").Insert(row, false, "", "", "").Execute()
	return err
}

func (s *Supabase) QueryAuditEntries(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := s.client.From("audit_log").Select("*", "", false).Order("at", descending)
	if f.TypePrefix != "" {
		query = query.Like("type", f.TypePrefix+"%")
	}
	if f.Severity != "" {
		query = query.Eq("severity", f.Severity)
	}
	if f.Owner != "" {
		query = query.Eq("owner", f.Owner)
	}
	if !f.Since.IsZero() {
		query = query.Gte("at", encTime(f.Since))
	}
	if !f.Until.IsZero() {
		query = query.Lte("at", encTime(f.Until))
	}
	query = query.Range(f.Offset, f.Offset+limit-1, "")
	var rows []auditEntryRow
	if _, err := query.ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("query audit_log: %w", err)
	}
	out := make([]*AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, &AuditEntry{
			ID: r.ID, Type: r.Type, Severity: r.Severity, Message: r.Message,
			Owner: strVal(r.Owner), IP: strVal(r.IP), Metadata: r.Metadata, At: decTime(r.At),
		})
	}
	return out, nil
}

func (s *Supabase) PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var rows []auditEntryRow
	_, err := s.client.From("audit_log").Delete("", "").Lt("at", encTime(cutoff)).ExecuteTo(&rows)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// ============================================================================
// NOTIFICATIONS
// ============================================================================

func (s *Supabase) InsertNotification(ctx context.Context, n *Notification) error {
	row := notificationRow{
		ID: n.ID, Channel: n.Channel, Subject: n.Subject, Body: n.Body,
		Severity: n.Severity, Metadata: n.Metadata, CreatedAt: encTime(n.CreatedAt),
	}
	_, _, err := s.client.From("notifications").Insert(row, false, "", "", "").Execute()
	return err
}

func (s *Supabase) ListNotifications(ctx context.Context, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []notificationRow
	_, err := s.client.From("notifications").
		Select("*", "", false).
		Order("created_at", descending).
		Limit(limit, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	out := make([]*Notification, 0, len(rows))
	for _, r := range rows {
		out = append(out, &Notification{
			ID: r.ID, Channel: r.Channel, Subject: r.Subject, Body: r.Body,
			Severity: r.Severity, Metadata: r.Metadata, CreatedAt: decTime(r.CreatedAt),
		})
	}
	return out, nil
}
