package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"
)

// ============================================================================
// TOKENS: HMAC-SHA256 access tokens, opaque refresh tokens
// ============================================================================

var (
	// ErrInvalidToken covers malformed tokens and bad signatures.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrTokenExpired is returned after the access or refresh TTL.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenRevoked is returned for tokens invalidated by revocation.
	ErrTokenRevoked = errors.New("auth: token revoked")
	// ErrMFARequired is returned for unverified sessions on protected
	// operations.
	ErrMFARequired = errors.New("auth: mfa verification required")
	// ErrRefreshReuse is returned when a consumed refresh token is
	// presented again. All sessions for the owner are revoked first.
	ErrRefreshReuse = errors.New("auth: refresh token reuse detected")
)

// Claims are the fields embedded in an access token.
type Claims struct {
	Owner       string `json:"owner"`
	DeviceID    string `json:"device_id"`
	MFAVerified bool   `json:"mfa_verified"`
	IssuedAt    int64  `json:"iat"`
	ExpiresAt   int64  `json:"exp"`
}

// TokenPair is the result of session creation or refresh rotation.
type TokenPair struct {
	SessionID        string    `json:"session_id"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// signAccess serializes claims and signs them:
// base64url(claimsJSON) + "." + base64url(HMAC-SHA256(secret, claimsJSON)).
func signAccess(secret []byte, claims *Claims) (string, error) {
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(claimsJSON)
	sig := mac.Sum(nil)

	return base64.RawURLEncoding.EncodeToString(claimsJSON) +
		"." +
		base64.RawURLEncoding.EncodeToString(sig), nil
}

// parseAccess verifies the signature and returns the claims. Expiry is
// the caller's concern so revocation checks can distinguish the cases.
func parseAccess(secret []byte, token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return nil, ErrInvalidToken
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(claimsJSON)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, ErrInvalidToken
	}

	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// newRefreshToken mints an opaque 32-byte random token and the SHA-256
// hex digest stored in its place.
func newRefreshToken() (token, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", "", err
	}
	token = base64.RawURLEncoding.EncodeToString(raw)
	return token, hashRefreshToken(token), nil
}

func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
