package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Postgres implements Store on a PostgreSQL database via lib/pq.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens the database, verifies connectivity and applies
// the schema. The caller maps a failure here to exit code 4.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := &Postgres{db: db}
	if err := p.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return p, nil
}

// NewPostgresFromDB wraps an existing handle. Used by tests (sqlmock).
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *Postgres) Close() error                   { return p.db.Close() }

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS credentials (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		service TEXT NOT NULL,
		ciphertext BYTEA NOT NULL,
		nonce BYTEA NOT NULL,
		tag BYTEA NOT NULL,
		kdf_params TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		last_rotated_at TIMESTAMPTZ,
		UNIQUE (owner, name)
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		public_key TEXT NOT NULL,
		paired_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL,
		trusted BOOLEAN NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		device_id TEXT NOT NULL,
		refresh_hash TEXT NOT NULL,
		mfa_verified BOOLEAN NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		revoked BOOLEAN NOT NULL DEFAULT FALSE,
		consumed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_refresh ON sessions (refresh_hash)`,
	`CREATE TABLE IF NOT EXISTS cost_entries (
		id TEXT PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		input_tokens INT NOT NULL,
		output_tokens INT NOT NULL,
		cost_usd DOUBLE PRECISION NOT NULL,
		task_type TEXT,
		metadata JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cost_entries_ts ON cost_entries (ts)`,
	`CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		operation TEXT NOT NULL,
		action_body TEXT NOT NULL,
		risk TEXT NOT NULL,
		context_text TEXT NOT NULL,
		technical_details TEXT,
		session_id TEXT NOT NULL,
		owner TEXT,
		status TEXT NOT NULL,
		rule_id TEXT,
		decided_by TEXT,
		deny_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		decided_at TIMESTAMPTZ,
		metadata JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approvals_status_expiry ON approvals (status, expires_at)`,
	`CREATE TABLE IF NOT EXISTS approval_audit (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor TEXT,
		details TEXT,
		at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approval_audit_req ON approval_audit (request_id)`,
	`CREATE TABLE IF NOT EXISTS trust_signals (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		level TEXT NOT NULL,
		numerator INT NOT NULL,
		denominator INT NOT NULL,
		period_start TIMESTAMPTZ NOT NULL,
		period_end TIMESTAMPTZ NOT NULL,
		measured_at TIMESTAMPTZ NOT NULL,
		metadata JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trust_signals_type_at ON trust_signals (type, measured_at)`,
	`CREATE TABLE IF NOT EXISTS trust_regressions (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		description TEXT NOT NULL,
		user_reported BOOLEAN NOT NULL,
		user_feedback TEXT,
		briefing_id TEXT,
		at TIMESTAMPTZ NOT NULL,
		resolved BOOLEAN NOT NULL DEFAULT FALSE,
		resolved_at TIMESTAMPTZ,
		resolution TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS briefing_outcomes (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		briefing_id TEXT NOT NULL,
		status TEXT NOT NULL,
		sections_total INT NOT NULL,
		sections_failed INT NOT NULL,
		retries INT NOT NULL,
		viewed BOOLEAN NOT NULL,
		at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS item_events (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		item_type TEXT NOT NULL,
		action TEXT NOT NULL,
		at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rollout_state (
		singleton BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
		phase INT NOT NULL,
		consecutive_clean_days INT NOT NULL,
		last_clean_day_check TIMESTAMPTZ,
		total_users INT NOT NULL,
		active_users INT NOT NULL,
		frozen BOOLEAN NOT NULL,
		frozen_at TIMESTAMPTZ,
		freeze_reason TEXT,
		frozen_by TEXT,
		briefings_disabled BOOLEAN NOT NULL,
		last_phase_change TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		owner TEXT,
		ip TEXT,
		metadata JSONB,
		at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_type_at ON audit_log (type, at)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		channel TEXT NOT NULL,
		subject TEXT NOT NULL,
		body TEXT NOT NULL,
		severity TEXT NOT NULL,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

func marshalMeta(m map[string]interface{}) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalMeta(s sql.NullString) map[string]interface{} {
	if !s.Valid || s.String == "" {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil
	}
	return m
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// ============================================================================
// META
// ============================================================================

func (p *Postgres) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := p.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = $1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return v, err
}

func (p *Postgres) PutMeta(ctx context.Context, key, value string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return err
}

// ============================================================================
// CREDENTIALS
// ============================================================================

func (p *Postgres) InsertCredential(ctx context.Context, c *Credential) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO credentials (id, owner, name, service, ciphertext, nonce, tag, kdf_params, created_at, last_rotated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.Owner, c.Name, c.Service, c.Ciphertext, c.Nonce, c.Tag, c.KDFParams, c.CreatedAt, nullTime(c.LastRotatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *Postgres) GetCredential(ctx context.Context, id string) (*Credential, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, owner, name, service, ciphertext, nonce, tag, kdf_params, created_at, last_rotated_at
		 FROM credentials WHERE id = $1`, id)
	var c Credential
	var rotated sql.NullTime
	err := row.Scan(&c.ID, &c.Owner, &c.Name, &c.Service, &c.Ciphertext, &c.Nonce, &c.Tag, &c.KDFParams, &c.CreatedAt, &rotated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.LastRotatedAt = timePtr(rotated)
	return &c, nil
}

func (p *Postgres) FindCredentialByName(ctx context.Context, owner, name string) (*Credential, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, owner, name, service, ciphertext, nonce, tag, kdf_params, created_at, last_rotated_at
		 FROM credentials WHERE owner = $1 AND name = $2`, owner, name)
	var c Credential
	var rotated sql.NullTime
	err := row.Scan(&c.ID, &c.Owner, &c.Name, &c.Service, &c.Ciphertext, &c.Nonce, &c.Tag, &c.KDFParams, &c.CreatedAt, &rotated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.LastRotatedAt = timePtr(rotated)
	return &c, nil
}

// ListCredentials deliberately never selects cipher columns.
func (p *Postgres) ListCredentials(ctx context.Context, owner string) ([]CredentialMeta, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, name, service, created_at, last_rotated_at
		 FROM credentials WHERE ($1 = '' OR owner = $1) ORDER BY created_at`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CredentialMeta
	for rows.Next() {
		var m CredentialMeta
		var rotated sql.NullTime
		if err := rows.Scan(&m.ID, &m.Name, &m.Service, &m.CreatedAt, &rotated); err != nil {
			return nil, err
		}
		m.LastRotatedAt = timePtr(rotated)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateCredential(ctx context.Context, c *Credential) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE credentials SET ciphertext = $2, nonce = $3, tag = $4, kdf_params = $5, last_rotated_at = $6
		 WHERE id = $1`,
		c.ID, c.Ciphertext, c.Nonce, c.Tag, c.KDFParams, nullTime(c.LastRotatedAt))
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (p *Postgres) DeleteCredential(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ============================================================================
// DEVICES
// ============================================================================

func (p *Postgres) InsertDevice(ctx context.Context, d *Device) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO devices (id, owner, name, fingerprint, public_key, paired_at, last_seen_at, trusted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.Owner, d.Name, d.Fingerprint, d.PublicKey, d.PairedAt, d.LastSeenAt, d.Trusted)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *Postgres) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, owner, name, fingerprint, public_key, paired_at, last_seen_at, trusted
		 FROM devices WHERE id = $1`, id)
	var d Device
	err := row.Scan(&d.ID, &d.Owner, &d.Name, &d.Fingerprint, &d.PublicKey, &d.PairedAt, &d.LastSeenAt, &d.Trusted)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *Postgres) ListDevices(ctx context.Context, owner string) ([]*Device, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, owner, name, fingerprint, public_key, paired_at, last_seen_at, trusted
		 FROM devices WHERE ($1 = '' OR owner = $1) ORDER BY paired_at`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.Owner, &d.Name, &d.Fingerprint, &d.PublicKey, &d.PairedAt, &d.LastSeenAt, &d.Trusted); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (p *Postgres) CountDevices(ctx context.Context, owner string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices WHERE owner = $1`, owner).Scan(&n)
	return n, err
}

func (p *Postgres) TouchDevice(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE devices SET last_seen_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (p *Postgres) SetDeviceTrusted(ctx context.Context, id string, trusted bool) error {
	res, err := p.db.ExecContext(ctx, `UPDATE devices SET trusted = $2 WHERE id = $1`, id, trusted)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// ============================================================================
// SESSIONS
// ============================================================================

func (p *Postgres) InsertSession(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO sessions (id, owner, device_id, refresh_hash, mfa_verified, created_at, expires_at, revoked, consumed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.Owner, s.DeviceID, s.RefreshHash, s.MFAVerified, s.CreatedAt, s.ExpiresAt, s.Revoked, nullTime(s.ConsumedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *Postgres) GetSession(ctx context.Context, id string) (*Session, error) {
	return p.scanSession(p.db.QueryRowContext(ctx,
		`SELECT id, owner, device_id, refresh_hash, mfa_verified, created_at, expires_at, revoked, consumed_at
		 FROM sessions WHERE id = $1`, id))
}

func (p *Postgres) GetSessionByRefreshHash(ctx context.Context, hash string) (*Session, error) {
	return p.scanSession(p.db.QueryRowContext(ctx,
		`SELECT id, owner, device_id, refresh_hash, mfa_verified, created_at, expires_at, revoked, consumed_at
		 FROM sessions WHERE refresh_hash = $1`, hash))
}

func (p *Postgres) scanSession(row *sql.Row) (*Session, error) {
	var s Session
	var consumed sql.NullTime
	err := row.Scan(&s.ID, &s.Owner, &s.DeviceID, &s.RefreshHash, &s.MFAVerified, &s.CreatedAt, &s.ExpiresAt, &s.Revoked, &consumed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.ConsumedAt = timePtr(consumed)
	return &s, nil
}

func (p *Postgres) MarkRefreshConsumed(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE sessions SET consumed_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (p *Postgres) RevokeSession(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE sessions SET revoked = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (p *Postgres) RevokeSessionsForOwner(ctx context.Context, owner string) (int, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE sessions SET revoked = TRUE WHERE owner = $1 AND NOT revoked`, owner)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *Postgres) DeleteDeadSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE revoked OR expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ============================================================================
// COST ENTRIES
// ============================================================================

func (p *Postgres) InsertCostEntry(ctx context.Context, e *CostEntry) error {
	meta, err := marshalMeta(e.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO cost_entries (id, ts, provider, model, input_tokens, output_tokens, cost_usd, task_type, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.Timestamp, e.Provider, e.Model, e.InputTokens, e.OutputTokens, e.CostUSD, nullStr(e.TaskType), meta)
	return err
}

func (p *Postgres) ListCostEntries(ctx context.Context, since, until time.Time) ([]*CostEntry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, ts, provider, model, input_tokens, output_tokens, cost_usd, task_type, metadata
		 FROM cost_entries
		 WHERE ($1::timestamptz IS NULL OR ts >= $1) AND ($2::timestamptz IS NULL OR ts <= $2)
		 ORDER BY ts`,
		nullTime(nonZero(since)), nullTime(nonZero(until)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CostEntry
	for rows.Next() {
		var e CostEntry
		var task sql.NullString
		var meta sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Provider, &e.Model, &e.InputTokens, &e.OutputTokens, &e.CostUSD, &task, &meta); err != nil {
			return nil, err
		}
		e.TaskType = task.String
		e.Metadata = unmarshalMeta(meta)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// ============================================================================
// APPROVALS
// ============================================================================

func (p *Postgres) InsertApproval(ctx context.Context, a *Approval) error {
	meta, err := marshalMeta(a.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO approvals (id, category, operation, action_body, risk, context_text, technical_details,
		   session_id, owner, status, rule_id, decided_by, deny_reason, created_at, expires_at, decided_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		a.ID, a.Category, a.Operation, a.ActionBody, a.Risk, a.ContextText, nullStr(a.TechnicalDetails),
		a.SessionID, nullStr(a.Owner), a.Status, nullStr(a.RuleID), nullStr(a.DecidedBy), nullStr(a.DenyReason),
		a.CreatedAt, a.ExpiresAt, nullTime(a.DecidedAt), meta)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

const approvalColumns = `id, category, operation, action_body, risk, context_text, technical_details,
	session_id, owner, status, rule_id, decided_by, deny_reason, created_at, expires_at, decided_at, metadata`

func scanApproval(scan func(dest ...interface{}) error) (*Approval, error) {
	var a Approval
	var tech, owner, rule, decidedBy, reason, meta sql.NullString
	var decidedAt sql.NullTime
	err := scan(&a.ID, &a.Category, &a.Operation, &a.ActionBody, &a.Risk, &a.ContextText, &tech,
		&a.SessionID, &owner, &a.Status, &rule, &decidedBy, &reason, &a.CreatedAt, &a.ExpiresAt, &decidedAt, &meta)
	if err != nil {
		return nil, err
	}
	a.TechnicalDetails = tech.String
	a.Owner = owner.String
	a.RuleID = rule.String
	a.DecidedBy = decidedBy.String
	a.DenyReason = reason.String
	a.DecidedAt = timePtr(decidedAt)
	a.Metadata = unmarshalMeta(meta)
	return &a, nil
}

func (p *Postgres) GetApproval(ctx context.Context, id string) (*Approval, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id)
	a, err := scanApproval(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (p *Postgres) TransitionApproval(ctx context.Context, id, from, to, decidedBy, reason string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE approvals SET status = $3, decided_by = $4, deny_reason = $5, decided_at = $6
		 WHERE id = $1 AND status = $2`,
		id, from, to, nullStr(decidedBy), nullStr(reason), at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Distinguish a lost race from an unknown id.
		if _, getErr := p.GetApproval(ctx, id); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

func (p *Postgres) ListApprovals(ctx context.Context, f ApprovalFilter) ([]*Approval, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals
		 WHERE ($1 = '' OR status = $1) AND ($2 = '' OR category = $2) AND ($3 = '' OR owner = $3)
		 ORDER BY created_at DESC LIMIT $4 OFFSET $5`,
		f.Status, f.Category, f.Owner, limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) ListExpiredPending(ctx context.Context, now time.Time) ([]*Approval, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals
		 WHERE status = 'pending' AND expires_at < $1 ORDER BY expires_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertApprovalAudit(ctx context.Context, a *ApprovalAudit) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO approval_audit (id, request_id, action, actor, details, at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.RequestID, a.Action, nullStr(a.Actor), nullStr(a.Details), a.At)
	return err
}

func (p *Postgres) ListApprovalAudit(ctx context.Context, requestID string) ([]*ApprovalAudit, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, request_id, action, actor, details, at FROM approval_audit
		 WHERE request_id = $1 ORDER BY at`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ApprovalAudit
	for rows.Next() {
		var a ApprovalAudit
		var actor, details sql.NullString
		if err := rows.Scan(&a.ID, &a.RequestID, &a.Action, &actor, &details, &a.At); err != nil {
			return nil, err
		}
		a.Actor = actor.String
		a.Details = details.String
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (p *Postgres) PurgeApprovalAuditBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM approval_audit WHERE at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ============================================================================
// TRUST
// ============================================================================

func (p *Postgres) InsertTrustSignal(ctx context.Context, s *TrustSignal) error {
	meta, err := marshalMeta(s.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO trust_signals (id, type, value, level, numerator, denominator, period_start, period_end, measured_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.Type, s.Value, s.Level, s.Numerator, s.Denominator, s.PeriodStart, s.PeriodEnd, s.MeasuredAt, meta)
	return err
}

func (p *Postgres) ListTrustSignals(ctx context.Context, typ string, since, until time.Time) ([]*TrustSignal, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, type, value, level, numerator, denominator, period_start, period_end, measured_at, metadata
		 FROM trust_signals
		 WHERE ($1 = '' OR type = $1)
		   AND ($2::timestamptz IS NULL OR measured_at >= $2)
		   AND ($3::timestamptz IS NULL OR measured_at <= $3)
		 ORDER BY measured_at`,
		typ, nullTime(nonZero(since)), nullTime(nonZero(until)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TrustSignal
	for rows.Next() {
		var s TrustSignal
		var meta sql.NullString
		if err := rows.Scan(&s.ID, &s.Type, &s.Value, &s.Level, &s.Numerator, &s.Denominator, &s.PeriodStart, &s.PeriodEnd, &s.MeasuredAt, &meta); err != nil {
			return nil, err
		}
		s.Metadata = unmarshalMeta(meta)
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertTrustRegression(ctx context.Context, r *TrustRegression) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO trust_regressions (id, owner, trigger_type, severity, description, user_reported,
		   user_feedback, briefing_id, at, resolved, resolved_at, resolution)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.Owner, r.Trigger, r.Severity, r.Description, r.UserReported,
		nullStr(r.UserFeedback), nullStr(r.BriefingID), r.At, r.Resolved, nullTime(r.ResolvedAt), nullStr(r.Resolution))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *Postgres) ListTrustRegressions(ctx context.Context, since time.Time) ([]*TrustRegression, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, owner, trigger_type, severity, description, user_reported, user_feedback, briefing_id,
		   at, resolved, resolved_at, resolution
		 FROM trust_regressions
		 WHERE ($1::timestamptz IS NULL OR at >= $1) ORDER BY at`, nullTime(nonZero(since)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TrustRegression
	for rows.Next() {
		var r TrustRegression
		var feedback, briefing, resolution sql.NullString
		var resolvedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.Owner, &r.Trigger, &r.Severity, &r.Description, &r.UserReported,
			&feedback, &briefing, &r.At, &r.Resolved, &resolvedAt, &resolution); err != nil {
			return nil, err
		}
		r.UserFeedback = feedback.String
		r.BriefingID = briefing.String
		r.ResolvedAt = timePtr(resolvedAt)
		r.Resolution = resolution.String
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (p *Postgres) ResolveTrustRegression(ctx context.Context, id, resolution string, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE trust_regressions SET resolved = TRUE, resolution = $2, resolved_at = $3 WHERE id = $1`,
		id, resolution, at)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (p *Postgres) InsertBriefingOutcome(ctx context.Context, b *BriefingOutcome) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO briefing_outcomes (id, owner, briefing_id, status, sections_total, sections_failed, retries, viewed, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.Owner, b.BriefingID, b.Status, b.SectionsTotal, b.SectionsFailed, b.Retries, b.Viewed, b.At)
	return err
}

func (p *Postgres) ListBriefingOutcomes(ctx context.Context, since time.Time) ([]*BriefingOutcome, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, owner, briefing_id, status, sections_total, sections_failed, retries, viewed, at
		 FROM briefing_outcomes WHERE ($1::timestamptz IS NULL OR at >= $1) ORDER BY at`, nullTime(nonZero(since)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*BriefingOutcome
	for rows.Next() {
		var b BriefingOutcome
		if err := rows.Scan(&b.ID, &b.Owner, &b.BriefingID, &b.Status, &b.SectionsTotal, &b.SectionsFailed, &b.Retries, &b.Viewed, &b.At); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertItemEvent(ctx context.Context, e *ItemEvent) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO item_events (id, owner, item_type, action, at) VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.Owner, e.ItemType, e.Action, e.At)
	return err
}

func (p *Postgres) ListItemEvents(ctx context.Context, since time.Time) ([]*ItemEvent, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, owner, item_type, action, at FROM item_events
		 WHERE ($1::timestamptz IS NULL OR at >= $1) ORDER BY at`, nullTime(nonZero(since)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ItemEvent
	for rows.Next() {
		var e ItemEvent
		if err := rows.Scan(&e.ID, &e.Owner, &e.ItemType, &e.Action, &e.At); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ============================================================================
// ROLLOUT
// ============================================================================

func (p *Postgres) GetRolloutState(ctx context.Context) (*RolloutState, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT phase, consecutive_clean_days, last_clean_day_check, total_users, active_users,
		   frozen, frozen_at, freeze_reason, frozen_by, briefings_disabled, last_phase_change, updated_at
		 FROM rollout_state WHERE singleton`)
	var s RolloutState
	var lastCheck, frozenAt, lastChange sql.NullTime
	var reason, by sql.NullString
	err := row.Scan(&s.Phase, &s.ConsecutiveCleanDays, &lastCheck, &s.TotalUsers, &s.ActiveUsers,
		&s.Frozen, &frozenAt, &reason, &by, &s.BriefingsDisabled, &lastChange, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.LastCleanDayCheck = timePtr(lastCheck)
	s.FrozenAt = timePtr(frozenAt)
	s.FreezeReason = reason.String
	s.FrozenBy = by.String
	s.LastPhaseChange = timePtr(lastChange)
	return &s, nil
}

func (p *Postgres) PutRolloutState(ctx context.Context, s *RolloutState) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO rollout_state (singleton, phase, consecutive_clean_days, last_clean_day_check, total_users,
		   active_users, frozen, frozen_at, freeze_reason, frozen_by, briefings_disabled, last_phase_change, updated_at)
		 VALUES (TRUE, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (singleton) DO UPDATE SET
		   phase = EXCLUDED.phase,
		   consecutive_clean_days = EXCLUDED.consecutive_clean_days,
		   last_clean_day_check = EXCLUDED.last_clean_day_check,
		   total_users = EXCLUDED.total_users,
		   active_users = EXCLUDED.active_users,
		   frozen = EXCLUDED.frozen,
		   frozen_at = EXCLUDED.frozen_at,
		   freeze_reason = EXCLUDED.freeze_reason,
		   frozen_by = EXCLUDED.frozen_by,
		   briefings_disabled = EXCLUDED.briefings_disabled,
		   last_phase_change = EXCLUDED.last_phase_change,
		   updated_at = EXCLUDED.updated_at`,
		s.Phase, s.ConsecutiveCleanDays, nullTime(s.LastCleanDayCheck), s.TotalUsers, s.ActiveUsers,
		s.Frozen, nullTime(s.FrozenAt), nullStr(s.FreezeReason), nullStr(s.FrozenBy),
		s.BriefingsDisabled, nullTime(s.LastPhaseChange), s.UpdatedAt)
	return err
}

// ============================================================================
// AUDIT
// ============================================================================

func (p *Postgres) InsertAuditEntry(ctx context.Context, e *AuditEntry) error {
	meta, err := marshalMeta(e.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, type, severity, message, owner, ip, metadata, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Type, e.Severity, e.Message, nullStr(e.Owner), nullStr(e.IP), meta, e.At)
	return err
}

func (p *Postgres) QueryAuditEntries(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, type, severity, message, owner, ip, metadata, at FROM audit_log
		 WHERE ($1 = '' OR type LIKE $1 || '%')
		   AND ($2 = '' OR severity = $2)
		   AND ($3 = '' OR owner = $3)
		   AND ($4::timestamptz IS NULL OR at >= $4)
		   AND ($5::timestamptz IS NULL OR at <= $5)
		 ORDER BY at DESC LIMIT $6 OFFSET $7`,
		f.TypePrefix, f.Severity, f.Owner, nullTime(nonZero(f.Since)), nullTime(nonZero(f.Until)), limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var owner, ip, meta sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &e.Severity, &e.Message, &owner, &ip, &meta, &e.At); err != nil {
			return nil, err
		}
		e.Owner = owner.String
		e.IP = ip.String
		e.Metadata = unmarshalMeta(meta)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (p *Postgres) PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM audit_log WHERE at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ============================================================================
// NOTIFICATIONS
// ============================================================================

func (p *Postgres) InsertNotification(ctx context.Context, n *Notification) error {
	meta, err := marshalMeta(n.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO notifications (id, channel, subject, body, severity, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.Channel, n.Subject, n.Body, n.Severity, meta, n.CreatedAt)
	return err
}

func (p *Postgres) ListNotifications(ctx context.Context, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, channel, subject, body, severity, metadata, created_at
		 FROM notifications ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		var n Notification
		var meta sql.NullString
		if err := rows.Scan(&n.ID, &n.Channel, &n.Subject, &n.Body, &n.Severity, &meta, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Metadata = unmarshalMeta(meta)
		out = append(out, &n)
	}
	return out, rows.Err()
}
