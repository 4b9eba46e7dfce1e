package auth

import (
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// PAIRING CHALLENGES: replay-safe nonce store
// ============================================================================

const (
	// NonceSize is the challenge nonce length the device must sign.
	NonceSize = 32

	defaultChallengeTTL = 5 * time.Minute
)

var (
	// ErrChallengeNotFound is returned for unknown or already-consumed
	// challenge ids.
	ErrChallengeNotFound = errors.New("auth: challenge not found")
	// ErrChallengeExpired is returned when the 5-minute window has passed.
	ErrChallengeExpired = errors.New("auth: challenge expired")
)

// Challenge is a one-shot pairing nonce. The device proves key ownership
// by signing Nonce within the TTL.
type Challenge struct {
	ID          string    `json:"challenge_id"`
	Nonce       []byte    `json:"nonce"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// challengeStore holds live pairing challenges with TTL expiry. A
// background loop sweeps expired entries so abandoned pairings don't
// accumulate.
type challengeStore struct {
	mu          sync.RWMutex
	challenges  map[string]*Challenge
	ttl         time.Duration
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

func newChallengeStore(ttl time.Duration) *challengeStore {
	if ttl <= 0 {
		ttl = defaultChallengeTTL
	}
	store := &challengeStore{
		challenges:  make(map[string]*Challenge),
		ttl:         ttl,
		stopCleanup: make(chan struct{}),
	}

	go store.cleanupLoop()

	return store
}

// Create mints a challenge with a fresh 32-byte nonce.
func (cs *challengeStore) Create(fingerprint string) (*Challenge, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ch := &Challenge{
		ID:          uuid.New().String(),
		Nonce:       nonce,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(cs.ttl),
	}

	cs.mu.Lock()
	cs.challenges[ch.ID] = ch
	cs.mu.Unlock()

	return ch, nil
}

// Take removes and returns the challenge, so each nonce is consumable
// exactly once regardless of verification outcome.
func (cs *challengeStore) Take(id string) (*Challenge, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	ch, exists := cs.challenges[id]
	if !exists {
		return nil, ErrChallengeNotFound
	}
	delete(cs.challenges, id)

	if time.Now().After(ch.ExpiresAt) {
		return nil, ErrChallengeExpired
	}
	return ch, nil
}

func (cs *challengeStore) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cs.cleanup()
		case <-cs.stopCleanup:
			return
		}
	}
}

// Stop signals the background cleanup goroutine to exit.
func (cs *challengeStore) Stop() {
	cs.stopOnce.Do(func() { close(cs.stopCleanup) })
}

func (cs *challengeStore) cleanup() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := time.Now()
	for id, ch := range cs.challenges {
		if now.After(ch.ExpiresAt) {
			delete(cs.challenges, id)
		}
	}
}

func (cs *challengeStore) len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.challenges)
}
