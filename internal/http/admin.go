package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/bridge"
	"github.com/nextlevelbuilder/agentrelay/internal/capability"
	"github.com/nextlevelbuilder/agentrelay/internal/store"
	"github.com/nextlevelbuilder/agentrelay/pkg/protocol"
)

// BridgeController is the supervisor surface exposed over REST.
type BridgeController interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() bridge.Status
	LogTail(n int) ([]string, error)
}

// SecretRotator replaces the shared secret and returns the new value.
type SecretRotator interface {
	RotateSecret(ctx context.Context) (string, error)
}

// PeerLister reports connected bridges.
type PeerLister interface {
	Peers() []protocol.PeerInfo
}

// AdminHandler serves bridge control, secret rotation and maintenance.
type AdminHandler struct {
	guard         Authorizer
	bridge        BridgeController
	rotator       SecretRotator
	peers         PeerLister
	events        store.EventStore
	uploads       *capability.Uploads // nil: upload prune skipped
	retentionDays int
}

// NewAdminHandler creates the admin API handler. Any dependency may be nil;
// its routes then answer 503.
func NewAdminHandler(guard Authorizer, b BridgeController, rotator SecretRotator, peers PeerLister, events store.EventStore, uploads *capability.Uploads, retentionDays int) *AdminHandler {
	return &AdminHandler{
		guard:         guard,
		bridge:        b,
		rotator:       rotator,
		peers:         peers,
		events:        events,
		uploads:       uploads,
		retentionDays: retentionDays,
	}
}

// RegisterRoutes registers all admin routes on the given mux.
func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/bridge/status", requireAuth(h.guard, h.handleBridgeStatus))
	mux.HandleFunc("GET /api/bridge/logs", requireAuth(h.guard, h.handleBridgeLogs))
	mux.HandleFunc("POST /api/bridge/start", requireAuth(h.guard, h.handleBridgeStart))
	mux.HandleFunc("POST /api/bridge/stop", requireAuth(h.guard, h.handleBridgeStop))
	mux.HandleFunc("POST /api/secret/rotate", requireAuth(h.guard, h.handleRotate))
	mux.HandleFunc("POST /api/events/prune", requireAuth(h.guard, h.handlePrune))
	mux.HandleFunc("GET /api/peers", requireAuth(h.guard, h.handlePeers))
}

func (h *AdminHandler) handleBridgeStatus(w http.ResponseWriter, r *http.Request) {
	if h.bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "bridge supervisor not configured")
		return
	}
	st := h.bridge.Status()
	writeOK(w, http.StatusOK, map[string]interface{}{
		"running": st.State == bridge.StateRunning,
		"status":  st,
	})
}

func (h *AdminHandler) handleBridgeLogs(w http.ResponseWriter, r *http.Request) {
	if h.bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "bridge supervisor not configured")
		return
	}
	n, ok := queryInt(r, "lines", 200)
	if !ok {
		writeError(w, http.StatusBadRequest, "lines must be a non-negative integer")
		return
	}
	lines, err := h.bridge.LogTail(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, http.StatusOK, map[string]interface{}{"lines": lines})
}

func (h *AdminHandler) handleBridgeStart(w http.ResponseWriter, r *http.Request) {
	if h.bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "bridge supervisor not configured")
		return
	}
	err := h.bridge.Start(r.Context())
	switch {
	case errors.Is(err, bridge.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, bridge.ErrNoCommand):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeOK(w, http.StatusOK, map[string]interface{}{"status": h.bridge.Status()})
	}
}

func (h *AdminHandler) handleBridgeStop(w http.ResponseWriter, r *http.Request) {
	if h.bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "bridge supervisor not configured")
		return
	}
	if err := h.bridge.Stop(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, http.StatusOK, map[string]interface{}{"status": h.bridge.Status()})
}

func (h *AdminHandler) handleRotate(w http.ResponseWriter, r *http.Request) {
	if h.rotator == nil {
		writeError(w, http.StatusServiceUnavailable, "rotation not available")
		return
	}
	// Rotation closes the caller's own sockets and may restart the bridge;
	// it must not be cut short by the client hanging up.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 30*time.Second)
	defer cancel()
	secret, err := h.rotator.RotateSecret(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, http.StatusOK, map[string]interface{}{"token": secret})
}

type pruneRequest struct {
	Days *int `json:"days,omitempty"`
}

func (h *AdminHandler) handlePrune(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event log not configured")
		return
	}
	var req pruneRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	days := h.retentionDays
	if req.Days != nil {
		days = *req.Days
	}

	deleted, err := store.PruneOlderThan(r.Context(), h.events, days, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "prune events: "+err.Error())
		return
	}
	out := map[string]interface{}{"deleted": deleted, "days": days}
	if h.uploads != nil {
		n, err := h.uploads.Prune(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "prune uploads: "+err.Error())
			return
		}
		out["uploadsDeleted"] = n
	}
	slog.Info("events.pruned", "deleted", deleted, "days", days, "source", "api")
	writeOK(w, http.StatusOK, out)
}

func (h *AdminHandler) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := []protocol.PeerInfo{}
	if h.peers != nil {
		peers = append(peers, h.peers.Peers()...)
	}
	writeOK(w, http.StatusOK, map[string]interface{}{"peers": peers})
}
