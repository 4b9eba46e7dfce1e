// Package auth implements device pairing and session management. Devices
// prove key ownership by signing a one-shot challenge nonce; sessions pair
// a short-lived HMAC access token with a rotating opaque refresh token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brianfofficial/atlas/internal/audit"
	"github.com/brianfofficial/atlas/internal/storage"
)

// ============================================================================
// CONFIG
// ============================================================================

const (
	defaultAccessTTL  = 900 * time.Second
	defaultRefreshTTL = 604800 * time.Second
	defaultMaxDevices = 10
)

var (
	// ErrDeviceLimit is returned when the owner already holds the maximum
	// number of paired devices.
	ErrDeviceLimit = errors.New("auth: device limit reached")
	// ErrBadSignature is returned when the challenge signature does not
	// verify under the submitted key.
	ErrBadSignature = errors.New("auth: signature verification failed")
	// ErrDeviceNotTrusted is returned for tokens minted to revoked devices.
	ErrDeviceNotTrusted = errors.New("auth: device not trusted")
	// ErrEmptySecret is returned when no HMAC secret is configured.
	ErrEmptySecret = errors.New("auth: empty token secret")
)

// Config tunes the auth service. Zero values take the defaults above.
type Config struct {
	TokenSecret        string
	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	ChallengeTTL       time.Duration
	MaxDevicesPerOwner int
}

// Store is the slice of persistence the auth service consumes.
type Store interface {
	InsertDevice(ctx context.Context, d *storage.Device) error
	GetDevice(ctx context.Context, id string) (*storage.Device, error)
	ListDevices(ctx context.Context, owner string) ([]*storage.Device, error)
	CountDevices(ctx context.Context, owner string) (int, error)
	TouchDevice(ctx context.Context, id string, at time.Time) error
	SetDeviceTrusted(ctx context.Context, id string, trusted bool) error

	InsertSession(ctx context.Context, s *storage.Session) error
	GetSession(ctx context.Context, id string) (*storage.Session, error)
	GetSessionByRefreshHash(ctx context.Context, hash string) (*storage.Session, error)
	MarkRefreshConsumed(ctx context.Context, id string, at time.Time) error
	RevokeSession(ctx context.Context, id string) error
	RevokeSessionsForOwner(ctx context.Context, owner string) (int, error)
	DeleteDeadSessions(ctx context.Context, now time.Time) (int, error)
}

// ============================================================================
// SERVICE
// ============================================================================

// Service handles pairing, token issuance and verification.
type Service struct {
	store  Store
	audit  *audit.Logger
	logger *log.Logger

	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	maxDevices int

	challenges *challengeStore

	// revokedAfter invalidates access tokens issued before a blanket
	// revocation. Access tokens are otherwise stateless.
	mu           sync.RWMutex
	revokedAfter map[string]time.Time
}

// New builds the auth service and starts the challenge sweeper.
func New(store Store, auditor *audit.Logger, cfg Config) (*Service, error) {
	if cfg.TokenSecret == "" {
		return nil, ErrEmptySecret
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = defaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = defaultRefreshTTL
	}
	if cfg.MaxDevicesPerOwner <= 0 {
		cfg.MaxDevicesPerOwner = defaultMaxDevices
	}

	return &Service{
		store:        store,
		audit:        auditor,
		logger:       log.New(log.Writer(), "[AUTH] ", log.LstdFlags),
		secret:       []byte(cfg.TokenSecret),
		accessTTL:    cfg.AccessTTL,
		refreshTTL:   cfg.RefreshTTL,
		maxDevices:   cfg.MaxDevicesPerOwner,
		challenges:   newChallengeStore(cfg.ChallengeTTL),
		revokedAfter: make(map[string]time.Time),
	}, nil
}

// Stop halts the challenge sweeper.
func (s *Service) Stop() {
	s.challenges.Stop()
}

// ============================================================================
// PAIRING
// ============================================================================

// BeginPairing mints a challenge the device must sign within the TTL.
func (s *Service) BeginPairing(ctx context.Context, fingerprint string) (*Challenge, error) {
	ch, err := s.challenges.Create(fingerprint)
	if err != nil {
		return nil, fmt.Errorf("create challenge: %w", err)
	}
	s.logger.Printf("Pairing challenge %s issued for fingerprint %s", ch.ID, fingerprint)
	return ch, nil
}

// CompletePairing verifies the signature over the challenge nonce and
// persists the device. The challenge is consumed either way.
func (s *Service) CompletePairing(ctx context.Context, owner, challengeID string, signature []byte, publicKeyPEM, suggestedName string) (*storage.Device, error) {
	ch, err := s.challenges.Take(challengeID)
	if err != nil {
		return nil, err
	}

	key, err := ParseDevicePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}

	if !key.Verify(ch.Nonce, signature) {
		s.auditEvent(ctx, audit.TypeAuthFailedLogin, audit.SeverityWarning, owner,
			fmt.Sprintf("pairing signature rejected for fingerprint %s", ch.Fingerprint), nil)
		return nil, ErrBadSignature
	}

	count, err := s.store.CountDevices(ctx, owner)
	if err != nil {
		return nil, err
	}
	if count >= s.maxDevices {
		return nil, ErrDeviceLimit
	}

	now := time.Now().UTC()
	name := suggestedName
	if name == "" {
		name = fmt.Sprintf("device-%d", count+1)
	}
	device := &storage.Device{
		ID:          uuid.New().String(),
		Owner:       owner,
		Name:        name,
		Fingerprint: ch.Fingerprint,
		PublicKey:   publicKeyPEM,
		PairedAt:    now,
		LastSeenAt:  now,
		Trusted:     true,
	}
	if err := s.store.InsertDevice(ctx, device); err != nil {
		return nil, err
	}

	s.logger.Printf("Device %s paired (%s, %s)", device.ID, name, key.Algorithm())
	s.auditEvent(ctx, audit.TypeAuthLogin, audit.SeverityInfo, owner,
		fmt.Sprintf("device %q paired", name), map[string]interface{}{
			"device_id": device.ID,
			"algorithm": key.Algorithm(),
		})
	return device, nil
}

// ListDevices returns the owner's paired devices.
func (s *Service) ListDevices(ctx context.Context, owner string) ([]*storage.Device, error) {
	return s.store.ListDevices(ctx, owner)
}

// RevokeDevice flips trusted=false. The row is kept so the fingerprint
// and pairing history stay auditable.
func (s *Service) RevokeDevice(ctx context.Context, deviceID string) error {
	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if err := s.store.SetDeviceTrusted(ctx, deviceID, false); err != nil {
		return err
	}

	s.logger.Printf("Device %s revoked", deviceID)
	s.auditEvent(ctx, audit.TypeSessionInvalidated, audit.SeverityWarning, device.Owner,
		fmt.Sprintf("device %q revoked", device.Name), map[string]interface{}{"device_id": deviceID})
	return nil
}

// ============================================================================
// SESSIONS
// ============================================================================

// CreateSession issues an access/refresh pair for a trusted device.
func (s *Service) CreateSession(ctx context.Context, owner, deviceID string, mfaVerified bool) (*TokenPair, error) {
	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !device.Trusted {
		return nil, ErrDeviceNotTrusted
	}

	pair, err := s.issuePair(ctx, owner, deviceID, mfaVerified)
	if err != nil {
		return nil, err
	}

	_ = s.store.TouchDevice(ctx, deviceID, time.Now().UTC())
	s.auditEvent(ctx, audit.TypeSessionCreated, audit.SeverityInfo, owner,
		"session created", map[string]interface{}{"device_id": deviceID, "session_id": pair.SessionID})
	return pair, nil
}

func (s *Service) issuePair(ctx context.Context, owner, deviceID string, mfaVerified bool) (*TokenPair, error) {
	now := time.Now().UTC()
	claims := &Claims{
		Owner:       owner,
		DeviceID:    deviceID,
		MFAVerified: mfaVerified,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(s.accessTTL).Unix(),
	}
	access, err := signAccess(s.secret, claims)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refresh, refreshHash, err := newRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("mint refresh token: %w", err)
	}

	session := &storage.Session{
		ID:          uuid.New().String(),
		Owner:       owner,
		DeviceID:    deviceID,
		RefreshHash: refreshHash,
		MFAVerified: mfaVerified,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.refreshTTL),
	}
	if err := s.store.InsertSession(ctx, session); err != nil {
		return nil, err
	}

	return &TokenPair{
		SessionID:        session.ID,
		AccessToken:      access,
		AccessExpiresAt:  now.Add(s.accessTTL),
		RefreshToken:     refresh,
		RefreshExpiresAt: session.ExpiresAt,
	}, nil
}

// VerifyAccess validates an access token for a protected operation:
// signature, expiry, blanket revocation, device trust and MFA state.
func (s *Service) VerifyAccess(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.verify(ctx, token)
	if err != nil {
		return nil, err
	}
	if !claims.MFAVerified {
		return nil, ErrMFARequired
	}
	return claims, nil
}

// VerifyAccessForMFA validates an access token for MFA enrollment and
// emergency-code use, where mfa_verified=false is expected.
func (s *Service) VerifyAccessForMFA(ctx context.Context, token string) (*Claims, error) {
	return s.verify(ctx, token)
}

func (s *Service) verify(ctx context.Context, token string) (*Claims, error) {
	claims, err := parseAccess(s.secret, token)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if now.Unix() > claims.ExpiresAt {
		return nil, ErrTokenExpired
	}

	s.mu.RLock()
	watermark, blanket := s.revokedAfter[claims.Owner]
	s.mu.RUnlock()
	if blanket && claims.IssuedAt <= watermark.Unix() {
		return nil, ErrTokenRevoked
	}

	device, err := s.store.GetDevice(ctx, claims.DeviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrTokenRevoked
		}
		return nil, err
	}
	if !device.Trusted {
		return nil, ErrTokenRevoked
	}

	return claims, nil
}

// Refresh rotates a refresh token: the old one is marked consumed and a
// fresh pair is issued. Presenting an already-consumed token is treated
// as theft and revokes every session the owner holds.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	session, err := s.store.GetSessionByRefreshHash(ctx, hashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	now := time.Now().UTC()

	if session.ConsumedAt != nil {
		count, _ := s.store.RevokeSessionsForOwner(ctx, session.Owner)
		s.setRevokedAfter(session.Owner, now)
		s.logger.Printf("Refresh token reuse for owner %s: revoked %d sessions", session.Owner, count)
		s.auditEvent(ctx, audit.TypeSecurityAlert, audit.SeverityCritical, session.Owner,
			"refresh token reuse detected, all sessions revoked", map[string]interface{}{
				"session_id":       session.ID,
				"sessions_revoked": count,
			})
		return nil, ErrRefreshReuse
	}
	if session.Revoked {
		return nil, ErrTokenRevoked
	}
	if now.After(session.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	device, err := s.store.GetDevice(ctx, session.DeviceID)
	if err != nil {
		return nil, err
	}
	if !device.Trusted {
		return nil, ErrDeviceNotTrusted
	}

	if err := s.store.MarkRefreshConsumed(ctx, session.ID, now); err != nil {
		return nil, err
	}

	pair, err := s.issuePair(ctx, session.Owner, session.DeviceID, session.MFAVerified)
	if err != nil {
		return nil, err
	}

	_ = s.store.TouchDevice(ctx, session.DeviceID, now)
	s.auditEvent(ctx, audit.TypeSessionCreated, audit.SeverityInfo, session.Owner,
		"session refreshed", map[string]interface{}{"device_id": session.DeviceID, "session_id": pair.SessionID})
	return pair, nil
}

// Logout revokes one session.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.store.RevokeSession(ctx, sessionID); err != nil {
		return err
	}

	s.auditEvent(ctx, audit.TypeAuthLogout, audit.SeverityInfo, session.Owner,
		"session logged out", map[string]interface{}{"session_id": sessionID})
	return nil
}

// RevokeAllForOwner kills every session and invalidates outstanding
// access tokens via the issuance watermark.
func (s *Service) RevokeAllForOwner(ctx context.Context, owner string) (int, error) {
	count, err := s.store.RevokeSessionsForOwner(ctx, owner)
	if err != nil {
		return 0, err
	}
	s.setRevokedAfter(owner, time.Now().UTC())

	s.auditEvent(ctx, audit.TypeSessionInvalidated, audit.SeverityWarning, owner,
		fmt.Sprintf("%d sessions revoked", count), nil)
	return count, nil
}

// SweepExpired deletes sessions past their refresh TTL or revoked.
// Returns the number removed.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	return s.store.DeleteDeadSessions(ctx, time.Now().UTC())
}

// PendingChallenges is exposed for the gc reporter.
func (s *Service) PendingChallenges() int {
	return s.challenges.len()
}

func (s *Service) setRevokedAfter(owner string, at time.Time) {
	s.mu.Lock()
	s.revokedAfter[owner] = at
	s.mu.Unlock()
}

func (s *Service) auditEvent(ctx context.Context, typ, severity, owner, msg string, meta map[string]interface{}) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, audit.Event{
		Type:     typ,
		Severity: severity,
		Message:  msg,
		Owner:    owner,
		Metadata: meta,
	}); err != nil {
		s.logger.Printf("Audit write failed: %v", err)
	}
}
