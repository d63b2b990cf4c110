// Package approval implements the HMAC-bound approval token protocol for
// human-in-the-loop gating.
//
// Token wire format: v1.<timestamp>.<nonce>.<signature> where timestamp is
// unix seconds, nonce is 16 hex characters, and signature is the lowercase
// hex HMAC-SHA256 of "<timestamp>:<nonce>:<payload>".
//
// The payload is the composite binding string "thread_id:user_id:approval_hash".
// Because the signature covers the payload, a token issued for one proposal
// cannot approve a different proposal, thread, or user.
package approval

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// DefaultMaxAge is the lifetime of an approval token.
const DefaultMaxAge = 300 * time.Second

// MinSecretLen is the minimum master secret length outside dev mode.
const MinSecretLen = 32

var (
	ErrEmptySecret = errors.New("approval: master secret must not be empty")
	ErrWeakSecret  = errors.New("approval: master secret too short for production use")
)

// tokenKeyInfo is the HKDF domain separation label for the signing key.
// Changing it invalidates every outstanding token.
const tokenKeyInfo = "phylactery/approval-token/v1"

// Manager signs and atomically verifies-and-consumes approval tokens.
type Manager struct {
	key    []byte
	store  ReplayStore
	clock  func() time.Time
	random io.Reader
	logger *slog.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithRand overrides the nonce entropy source for deterministic testing.
func WithRand(r io.Reader) Option {
	return func(m *Manager) { m.random = r }
}

// NewManager derives the signing key from the master secret via HKDF-SHA256
// and returns a ready Manager. Outside dev mode the secret must be at least
// MinSecretLen bytes. If store is nil an in-process replay store is used.
func NewManager(secret string, store ReplayStore, devMode bool, opts ...Option) (*Manager, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if !devMode && len(secret) < MinSecretLen {
		return nil, ErrWeakSecret
	}
	if store == nil {
		store = NewMemoryReplayStore()
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(tokenKeyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("approval: key derivation: %w", err)
	}

	m := &Manager{
		key:    key,
		store:  store,
		clock:  time.Now,
		random: rand.Reader,
		logger: slog.Default().With("component", "approval"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Sign issues a fresh token binding payload to the current time and a
// random 64-bit nonce.
func (m *Manager) Sign(payload string) (string, error) {
	ts := strconv.FormatInt(m.clock().Unix(), 10)

	var raw [8]byte
	if _, err := io.ReadFull(m.random, raw[:]); err != nil {
		return "", fmt.Errorf("approval: nonce generation: %w", err)
	}
	nonce := hex.EncodeToString(raw[:])

	sig := m.signature(ts, nonce, payload)
	return "v1." + ts + "." + nonce + "." + sig, nil
}

// Verify checks version, freshness and signature without consuming the
// token. Approval flows must use VerifyAndConsume instead.
func (m *Manager) Verify(token, payload string, maxAge time.Duration) bool {
	_, _, ok := m.check(token, payload, maxAge)
	return ok
}

// VerifyAndConsume atomically verifies the token and records its
// (nonce, timestamp) pair as consumed. It returns true exactly once per
// valid token; replays, expired, malformed, or forged tokens return false
// with no side effect. Store failures fail closed.
func (m *Manager) VerifyAndConsume(ctx context.Context, token, payload string, maxAge time.Duration) bool {
	ts, nonce, ok := m.check(token, payload, maxAge)
	if !ok {
		return false
	}

	// Retention must outlive the validity window so a replay can never
	// slip in after the entry would otherwise have been dropped.
	first, err := m.store.ConsumeOnce(ctx, nonce+":"+ts, maxAge+time.Minute)
	if err != nil {
		m.logger.Error("replay store failure, failing closed", "error", err)
		return false
	}
	return first
}

// check validates structure, version, freshness, and signature.
func (m *Manager) check(token, payload string, maxAge time.Duration) (ts, nonce string, ok bool) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	parts := strings.Split(token, ".")
	if len(parts) != 4 {
		return "", "", false
	}
	version, ts, nonce, sig := parts[0], parts[1], parts[2], parts[3]
	if version != "v1" {
		return "", "", false
	}
	if len(nonce) != 16 {
		return "", "", false
	}

	issued, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", "", false
	}
	now := m.clock().Unix()
	age := now - issued
	if age < 0 || age > int64(maxAge/time.Second) {
		return "", "", false
	}

	expected := m.signature(ts, nonce, payload)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return "", "", false
	}
	return ts, nonce, true
}

func (m *Manager) signature(ts, nonce, payload string) string {
	mac := hmac.New(sha256.New, m.key)
	mac.Write([]byte(ts + ":" + nonce + ":" + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// BindingPayload composes the exact payload string a token is bound to.
// Any change to this composition is a breaking protocol change.
func BindingPayload(threadID, userID, approvalHash string) string {
	return threadID + ":" + userID + ":" + approvalHash
}
