package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is the in-process Store. It backs single-host installs with
// no external database and doubles as the test fixture. All getters
// return copies; callers never alias internal rows.
type Memory struct {
	mu sync.RWMutex

	meta          map[string]string
	credentials   map[string]*Credential
	devices       map[string]*Device
	sessions      map[string]*Session
	costs         []*CostEntry
	approvals     map[string]*Approval
	approvalAudit []*ApprovalAudit
	signals       []*TrustSignal
	regressions   map[string]*TrustRegression
	regressionSeq []string
	briefings     []*BriefingOutcome
	items         []*ItemEvent
	rollout       *RolloutState
	audit         []*AuditEntry
	notifications []*Notification
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		meta:        make(map[string]string),
		credentials: make(map[string]*Credential),
		devices:     make(map[string]*Device),
		sessions:    make(map[string]*Session),
		approvals:   make(map[string]*Approval),
		regressions: make(map[string]*TrustRegression),
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close() error                   { return nil }

func cloneCredential(c *Credential) *Credential {
	cp := *c
	cp.Ciphertext = append([]byte(nil), c.Ciphertext...)
	cp.Nonce = append([]byte(nil), c.Nonce...)
	cp.Tag = append([]byte(nil), c.Tag...)
	return &cp
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ============================================================================
// META
// ============================================================================

func (m *Memory) GetMeta(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.meta[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) PutMeta(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[key] = value
	return nil
}

// ============================================================================
// CREDENTIALS
// ============================================================================

func (m *Memory) InsertCredential(ctx context.Context, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credentials[c.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range m.credentials {
		if existing.Owner == c.Owner && existing.Name == c.Name {
			return ErrDuplicate
		}
	}
	m.credentials[c.ID] = cloneCredential(c)
	return nil
}

func (m *Memory) GetCredential(ctx context.Context, id string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.credentials[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCredential(c), nil
}

func (m *Memory) FindCredentialByName(ctx context.Context, owner, name string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.credentials {
		if c.Owner == owner && c.Name == name {
			return cloneCredential(c), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListCredentials(ctx context.Context, owner string) ([]CredentialMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CredentialMeta, 0, len(m.credentials))
	for _, c := range m.credentials {
		if owner != "" && c.Owner != owner {
			continue
		}
		out = append(out, CredentialMeta{
			ID:            c.ID,
			Name:          c.Name,
			Service:       c.Service,
			CreatedAt:     c.CreatedAt,
			LastRotatedAt: c.LastRotatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateCredential(ctx context.Context, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credentials[c.ID]; !ok {
		return ErrNotFound
	}
	m.credentials[c.ID] = cloneCredential(c)
	return nil
}

func (m *Memory) DeleteCredential(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credentials[id]; !ok {
		return ErrNotFound
	}
	delete(m.credentials, id)
	return nil
}

// ============================================================================
// DEVICES
// ============================================================================

func (m *Memory) InsertDevice(ctx context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.ID]; ok {
		return ErrDuplicate
	}
	cp := *d
	m.devices[d.ID] = &cp
	return nil
}

func (m *Memory) GetDevice(ctx context.Context, id string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) ListDevices(ctx context.Context, owner string) ([]*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		if owner != "" && d.Owner != owner {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PairedAt.Before(out[j].PairedAt) })
	return out, nil
}

func (m *Memory) CountDevices(ctx context.Context, owner string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, d := range m.devices {
		if d.Owner == owner {
			n++
		}
	}
	return n, nil
}

func (m *Memory) TouchDevice(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return ErrNotFound
	}
	d.LastSeenAt = at
	return nil
}

func (m *Memory) SetDeviceTrusted(ctx context.Context, id string, trusted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return ErrNotFound
	}
	d.Trusted = trusted
	return nil
}

// ============================================================================
// SESSIONS
// ============================================================================

func (m *Memory) InsertSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrDuplicate
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *Memory) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) GetSessionByRefreshHash(ctx context.Context, hash string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.RefreshHash == hash {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) MarkRefreshConsumed(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	t := at
	s.ConsumedAt = &t
	return nil
}

func (m *Memory) RevokeSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Revoked = true
	return nil
}

func (m *Memory) RevokeSessionsForOwner(ctx context.Context, owner string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.Owner == owner && !s.Revoked {
			s.Revoked = true
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteDeadSessions(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.Revoked || s.ExpiresAt.Before(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// ============================================================================
// COST ENTRIES
// ============================================================================

func (m *Memory) InsertCostEntry(ctx context.Context, e *CostEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	cp.Metadata = cloneMap(e.Metadata)
	m.costs = append(m.costs, &cp)
	return nil
}

func (m *Memory) ListCostEntries(ctx context.Context, since, until time.Time) ([]*CostEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*CostEntry, 0)
	for _, e := range m.costs {
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		if !until.IsZero() && e.Timestamp.After(until) {
			continue
		}
		cp := *e
		cp.Metadata = cloneMap(e.Metadata)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// ============================================================================
// APPROVALS
// ============================================================================

func (m *Memory) InsertApproval(ctx context.Context, a *Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.approvals[a.ID]; ok {
		return ErrDuplicate
	}
	cp := *a
	cp.Metadata = cloneMap(a.Metadata)
	m.approvals[a.ID] = &cp
	return nil
}

func (m *Memory) GetApproval(ctx context.Context, id string) (*Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	cp.Metadata = cloneMap(a.Metadata)
	return &cp, nil
}

func (m *Memory) TransitionApproval(ctx context.Context, id, from, to, decidedBy, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[id]
	if !ok {
		return false, ErrNotFound
	}
	if a.Status != from {
		return false, nil
	}
	a.Status = to
	a.DecidedBy = decidedBy
	a.DenyReason = reason
	t := at
	a.DecidedAt = &t
	return true, nil
}

func (m *Memory) ListApprovals(ctx context.Context, f ApprovalFilter) ([]*Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := make([]*Approval, 0)
	for _, a := range m.approvals {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Category != "" && a.Category != f.Category {
			continue
		}
		if f.Owner != "" && a.Owner != f.Owner {
			continue
		}
		cp := *a
		cp.Metadata = cloneMap(a.Metadata)
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	return paginate(matched, f.Limit, f.Offset), nil
}

func (m *Memory) ListExpiredPending(ctx context.Context, now time.Time) ([]*Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Approval, 0)
	for _, a := range m.approvals {
		if a.Status == "pending" && a.ExpiresAt.Before(now) {
			cp := *a
			cp.Metadata = cloneMap(a.Metadata)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *Memory) InsertApprovalAudit(ctx context.Context, a *ApprovalAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.approvalAudit = append(m.approvalAudit, &cp)
	return nil
}

func (m *Memory) ListApprovalAudit(ctx context.Context, requestID string) ([]*ApprovalAudit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ApprovalAudit, 0)
	for _, a := range m.approvalAudit {
		if a.RequestID == requestID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (m *Memory) PurgeApprovalAuditBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.approvalAudit[:0]
	n := 0
	for _, a := range m.approvalAudit {
		if a.At.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	m.approvalAudit = kept
	return n, nil
}

// ============================================================================
// TRUST
// ============================================================================

func (m *Memory) InsertTrustSignal(ctx context.Context, s *TrustSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.Metadata = cloneMap(s.Metadata)
	m.signals = append(m.signals, &cp)
	return nil
}

func (m *Memory) ListTrustSignals(ctx context.Context, typ string, since, until time.Time) ([]*TrustSignal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TrustSignal, 0)
	for _, s := range m.signals {
		if typ != "" && s.Type != typ {
			continue
		}
		if !since.IsZero() && s.MeasuredAt.Before(since) {
			continue
		}
		if !until.IsZero() && s.MeasuredAt.After(until) {
			continue
		}
		cp := *s
		cp.Metadata = cloneMap(s.Metadata)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MeasuredAt.Before(out[j].MeasuredAt) })
	return out, nil
}

func (m *Memory) InsertTrustRegression(ctx context.Context, r *TrustRegression) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.regressions[r.ID]; ok {
		return ErrDuplicate
	}
	cp := *r
	m.regressions[r.ID] = &cp
	m.regressionSeq = append(m.regressionSeq, r.ID)
	return nil
}

func (m *Memory) ListTrustRegressions(ctx context.Context, since time.Time) ([]*TrustRegression, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TrustRegression, 0)
	for _, id := range m.regressionSeq {
		r := m.regressions[id]
		if !since.IsZero() && r.At.Before(since) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) ResolveTrustRegression(ctx context.Context, id, resolution string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regressions[id]
	if !ok {
		return ErrNotFound
	}
	r.Resolved = true
	r.Resolution = resolution
	t := at
	r.ResolvedAt = &t
	return nil
}

func (m *Memory) InsertBriefingOutcome(ctx context.Context, b *BriefingOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.briefings = append(m.briefings, &cp)
	return nil
}

func (m *Memory) ListBriefingOutcomes(ctx context.Context, since time.Time) ([]*BriefingOutcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*BriefingOutcome, 0)
	for _, b := range m.briefings {
		if !since.IsZero() && b.At.Before(since) {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) InsertItemEvent(ctx context.Context, e *ItemEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.items = append(m.items, &cp)
	return nil
}

func (m *Memory) ListItemEvents(ctx context.Context, since time.Time) ([]*ItemEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ItemEvent, 0)
	for _, e := range m.items {
		if !since.IsZero() && e.At.Before(since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// ============================================================================
// ROLLOUT
// ============================================================================

func (m *Memory) GetRolloutState(ctx context.Context) (*RolloutState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rollout == nil {
		return nil, ErrNotFound
	}
	cp := *m.rollout
	return &cp, nil
}

func (m *Memory) PutRolloutState(ctx context.Context, s *RolloutState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.rollout = &cp
	return nil
}

// ============================================================================
// AUDIT
// ============================================================================

func (m *Memory) InsertAuditEntry(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	cp.Metadata = cloneMap(e.Metadata)
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *Memory) QueryAuditEntries(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := make([]*AuditEntry, 0)
	for _, e := range m.audit {
		if f.TypePrefix != "" && !strings.HasPrefix(e.Type, f.TypePrefix) {
			continue
		}
		if f.Severity != "" && e.Severity != f.Severity {
			continue
		}
		if f.Owner != "" && e.Owner != f.Owner {
			continue
		}
		if !f.Since.IsZero() && e.At.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.At.After(f.Until) {
			continue
		}
		cp := *e
		cp.Metadata = cloneMap(e.Metadata)
		matched = append(matched, &cp)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].At.After(matched[j].At) })
	return paginate(matched, f.Limit, f.Offset), nil
}

func (m *Memory) PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.audit[:0]
	n := 0
	for _, e := range m.audit {
		if e.At.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.audit = kept
	return n, nil
}

// ============================================================================
// NOTIFICATIONS
// ============================================================================

func (m *Memory) InsertNotification(ctx context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	cp.Metadata = cloneMap(n.Metadata)
	m.notifications = append(m.notifications, &cp)
	return nil
}

func (m *Memory) ListNotifications(ctx context.Context, limit int) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Notification, 0, len(m.notifications))
	for _, n := range m.notifications {
		cp := *n
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func paginate[T any](rows []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(rows) {
			return []T{}
		}
		rows = rows[offset:]
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}
