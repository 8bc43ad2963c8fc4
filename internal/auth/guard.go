// Package auth holds the relay's single shared bearer secret and validates
// requests against it.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// TokenQueryParam carries the secret where headers cannot be set
// (browser WebSocket upgrades, <img> capability links).
const TokenQueryParam = "token"

// Guard validates the shared secret. Safe for concurrent use.
type Guard struct {
	mu     sync.RWMutex
	secret []byte
}

// NewGuard creates a guard holding secret.
func NewGuard(secret string) *Guard {
	return &Guard{secret: []byte(secret)}
}

// Secret returns the current secret.
func (g *Guard) Secret() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return string(g.secret)
}

// SetSecret replaces the secret. Requests presenting the old value fail from
// this point on.
func (g *Guard) SetSecret(secret string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.secret = []byte(secret)
}

// Check compares presented against the secret in constant time.
// An empty secret never authorizes anything.
func (g *Guard) Check(presented string) bool {
	g.mu.RLock()
	secret := g.secret
	g.mu.RUnlock()

	if len(secret) == 0 || len(presented) != len(secret) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), secret) == 1
}

// Authorize reports whether r presents the secret as a bearer header or via
// the token query parameter.
func (g *Guard) Authorize(r *http.Request) bool {
	if tok := BearerToken(r); tok != "" && g.Check(tok) {
		return true
	}
	if tok := r.URL.Query().Get(TokenQueryParam); tok != "" {
		return g.Check(tok)
	}
	return false
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// GenerateSecret returns a new random 256-bit secret, hex encoded.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
