package http

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/agentrelay/internal/capability"
)

// PairingHandler mints pairing codes (authenticated) and exchanges them
// for the shared secret (the code is the credential).
type PairingHandler struct {
	guard  Authorizer
	codes  *capability.PairingCodes
	secret func() string
	allow  func(key string) bool // nil: no rate limiting
	keyOf  func(r *http.Request) string
}

// NewPairingHandler creates the pairing API handler. secret returns the
// value a code unlocks at mint time.
func NewPairingHandler(guard Authorizer, codes *capability.PairingCodes, secret func() string) *PairingHandler {
	return &PairingHandler{guard: guard, codes: codes, secret: secret, keyOf: remoteHost}
}

// SetRateLimiter limits consume attempts per client address.
func (h *PairingHandler) SetRateLimiter(allow func(key string) bool, keyOf func(r *http.Request) string) {
	h.allow = allow
	if keyOf != nil {
		h.keyOf = keyOf
	}
}

// RegisterRoutes registers the pairing routes on the given mux.
func (h *PairingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/pairing/codes", requireAuth(h.guard, h.handleMint))
	mux.HandleFunc("POST /api/pairing/consume", h.handleConsume)
}

func (h *PairingHandler) handleMint(w http.ResponseWriter, r *http.Request) {
	secret := h.secret()
	if secret == "" {
		writeError(w, http.StatusInternalServerError, "no shared secret configured")
		return
	}
	code, expiresAt, err := h.codes.Mint(secret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	slog.Info("pairing.minted", "expires_at", expiresAt)
	writeOK(w, http.StatusCreated, map[string]interface{}{
		"code":      code,
		"expiresAt": expiresAt.UnixMilli(),
	})
}

type consumeRequest struct {
	Code string `json:"code"`
}

func (h *PairingHandler) handleConsume(w http.ResponseWriter, r *http.Request) {
	if h.allow != nil && !h.allow(h.keyOf(r)) {
		slog.Warn("security.pairing_rate_limited", "remote", h.keyOf(r))
		writeError(w, http.StatusTooManyRequests, "too many attempts")
		return
	}
	var req consumeRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	secret, ok := h.codes.Consume(req.Code)
	if !ok {
		writeError(w, http.StatusNotFound, "invalid or expired code")
		return
	}
	slog.Info("pairing.consumed", "remote", h.keyOf(r))
	writeOK(w, http.StatusOK, map[string]interface{}{"token": secret})
}

func remoteHost(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i > 0 {
		return strings.Trim(addr[:i], "[]")
	}
	return addr
}
