// Package pairing implements discovery-code issuance and verification
// for first-time agent enrollment: a short random code an operator
// copies from the orchestrator onto a new machine, which proves it
// without exchanging any long-term secret. Codes are single-use, TTL
// bound, and persisted fernet-encrypted via internal/store so a
// restart mid-pairing doesn't lose an outstanding code.
package pairing

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/k-terminus/orchestrator/internal/store"
)

// alphabet excludes visually ambiguous characters (0/O, 1/I/L) since
// pairing codes are meant to be read off one screen and typed on
// another.
const alphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// DefaultTTL is how long an issued pairing code remains valid.
const DefaultTTL = 10 * time.Minute

// MinCodeLength is the floor spec §6 imposes on pairing_code_length.
const MinCodeLength = 8

// Service issues and verifies pairing codes.
type Service struct {
	store      *store.Store
	codeLength int
	ttl        time.Duration
	now        func() time.Time
}

// New creates a Service. codeLength below pairing.MinCodeLength is
// clamped up to it, per spec §6 ("pairing_code_length ≥ 8").
func New(s *store.Store, codeLength int) *Service {
	if codeLength < MinCodeLength {
		codeLength = MinCodeLength
	}
	return &Service{store: s, codeLength: codeLength, ttl: DefaultTTL, now: time.Now}
}

// Issue generates a fresh random code, persists it, and returns it for
// one-time display to the operator. description is a free-text label
// (e.g. the hostname the operator is about to pair) kept only for
// operator convenience, never compared during verification.
func (s *Service) Issue(description string) (string, error) {
	code, err := randomCode(s.codeLength)
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	now := s.now()
	if err := s.store.SavePairingCode(code, description, now, now.Add(s.ttl)); err != nil {
		return "", fmt.Errorf("save pairing code: %w", err)
	}
	return code, nil
}

// Verify reports whether code is a currently valid, unused pairing
// code, and invalidates it on success (single use). Comparison against
// each decrypted candidate is constant-time; which candidate, if any,
// matched is not observable from timing.
func (s *Service) Verify(code string) (bool, error) {
	now := s.now()
	rec, err := s.store.FindUnusedPairingCode(code, now)
	if err != nil {
		return false, fmt.Errorf("lookup pairing code: %w", err)
	}
	if rec == nil {
		return false, nil
	}
	if err := s.store.MarkPairingCodeUsed(rec.ID, now); err != nil {
		return false, fmt.Errorf("invalidate pairing code: %w", err)
	}
	return true, nil
}

func randomCode(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}
