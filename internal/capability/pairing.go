// Package capability issues short-lived, single-purpose tokens: one-time
// pairing codes and upload handles.
package capability

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// DefaultPairingTTL is used when NewPairingCodes is given a zero ttl.
const DefaultPairingTTL = 5 * time.Minute

// pairingAlphabet avoids look-alike characters (0/O, 1/I/L).
const (
	pairingAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	pairingCodeLen  = 8
)

type pairingEntry struct {
	secret    string
	expiresAt time.Time
}

// PairingCodes is an in-memory store of one-time codes that unlock the
// shared secret. Safe for concurrent use.
type PairingCodes struct {
	mu    sync.Mutex
	codes map[string]pairingEntry
	ttl   time.Duration
	now   func() time.Time
}

// NewPairingCodes creates an empty store with the given code lifetime.
func NewPairingCodes(ttl time.Duration) *PairingCodes {
	if ttl <= 0 {
		ttl = DefaultPairingTTL
	}
	return &PairingCodes{
		codes: make(map[string]pairingEntry),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Mint creates a code that unlocks secret until the returned expiry.
func (p *PairingCodes) Mint(secret string) (string, time.Time, error) {
	code, err := randomCode(pairingCodeLen)
	if err != nil {
		return "", time.Time{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Never overwrite a live code.
	for _, exists := p.codes[code]; exists; _, exists = p.codes[code] {
		if code, err = randomCode(pairingCodeLen); err != nil {
			return "", time.Time{}, err
		}
	}
	expiresAt := p.now().Add(p.ttl)
	p.codes[code] = pairingEntry{secret: secret, expiresAt: expiresAt}
	return code, expiresAt, nil
}

// Consume returns the secret for code and deletes it in the same critical
// section. Unknown, already used and expired codes all return ("", false).
func (p *PairingCodes) Consume(code string) (string, bool) {
	code = normalizeCode(code)
	if code == "" {
		return "", false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.codes[code]
	if !ok {
		return "", false
	}
	delete(p.codes, code)
	if !p.now().Before(e.expiresAt) {
		return "", false
	}
	return e.secret, true
}

// Sweep removes expired codes and returns how many were dropped.
func (p *PairingCodes) Sweep() int {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for code, e := range p.codes {
		if !now.Before(e.expiresAt) {
			delete(p.codes, code)
			n++
		}
	}
	return n
}

// Clear drops every outstanding code. Used on secret rotation, since the
// codes unlocked the previous secret.
func (p *PairingCodes) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.codes = make(map[string]pairingEntry)
}

// Len returns the number of outstanding codes, expired or not.
func (p *PairingCodes) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.codes)
}

func normalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.ReplaceAll(code, "-", "")
}

func randomCode(n int) (string, error) {
	max := big.NewInt(int64(len(pairingAlphabet)))
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate pairing code: %w", err)
		}
		b.WriteByte(pairingAlphabet[idx.Int64()])
	}
	return b.String(), nil
}
