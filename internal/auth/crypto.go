package auth

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// ============================================================================
// DEVICE KEY VERIFICATION: Ed25519 / RSA PKCS#1 v1.5
// ============================================================================

var (
	// ErrBadPublicKey is returned when the submitted key cannot be parsed.
	ErrBadPublicKey = errors.New("auth: malformed public key")
	// ErrUnsupportedKey is returned for key types outside Ed25519/RSA.
	ErrUnsupportedKey = errors.New("auth: unsupported key type")
)

// DeviceKey verifies challenge signatures for one paired device. The
// algorithm is inferred from the submitted public key, so clients on
// platforms without Ed25519 support can pair with RSA keys.
type DeviceKey interface {
	// Algorithm names the verification scheme ("ed25519" or "rsa").
	Algorithm() string

	// Verify reports whether signature is valid over data.
	Verify(data, signature []byte) bool
}

type ed25519Key struct {
	pub ed25519.PublicKey
}

func (k *ed25519Key) Algorithm() string { return "ed25519" }

func (k *ed25519Key) Verify(data, signature []byte) bool {
	return ed25519.Verify(k.pub, data, signature)
}

type rsaKey struct {
	pub *rsa.PublicKey
}

func (k *rsaKey) Algorithm() string { return "rsa" }

func (k *rsaKey) Verify(data, signature []byte) bool {
	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(k.pub, crypto.SHA256, digest[:], signature) == nil
}

// ParseDevicePublicKey decodes a PEM "PUBLIC KEY" block and returns the
// matching verifier. RSA keys below 2048 bits are rejected.
func ParseDevicePublicKey(pemStr string) (DeviceKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, ErrBadPublicKey
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}

	switch key := pub.(type) {
	case ed25519.PublicKey:
		return &ed25519Key{pub: key}, nil
	case *rsa.PublicKey:
		if key.N.BitLen() < 2048 {
			return nil, fmt.Errorf("%w: rsa key too small (%d bits)", ErrUnsupportedKey, key.N.BitLen())
		}
		return &rsaKey{pub: key}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}

// EncodePublicKeyPEM renders a public key as a PEM "PUBLIC KEY" block.
// Used by tests and the pairing CLI.
func EncodePublicKeyPEM(pub interface{}) (string, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	pemBlock := &pem.Block{Type: "PUBLIC KEY", Bytes: derBytes}
	return string(pem.EncodeToMemory(pemBlock)), nil
}
