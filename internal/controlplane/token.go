package controlplane

import (
	"crypto/rand"
	"fmt"
	"os"
)

// tokenAlphabet is restricted to printable, unambiguous characters —
// the token is regenerated every start and never typed by a human, but
// keeping it printable matches spec §6's "64 printable chars" and makes
// it safe to drop straight into a JSON string or log line (masked).
const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// TokenLength matches spec §6's ipc_auth_token size.
const TokenLength = 64

// GenerateToken creates a fresh random control-plane auth token.
func GenerateToken() (string, error) {
	buf := make([]byte, TokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate auth token: %w", err)
	}
	out := make([]byte, TokenLength)
	for i, b := range buf {
		out[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(out), nil
}

// PersistToken writes token to path with owner-only permissions,
// overwriting any previous token — spec §6 requires regeneration on
// every orchestrator start.
func PersistToken(path, token string) error {
	return os.WriteFile(path, []byte(token), 0o600)
}
