package http

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/nextlevelbuilder/agentrelay/internal/capability"
)

// UploadsHandler issues upload slots, accepts blob writes and serves
// capability reads.
type UploadsHandler struct {
	guard   Authorizer
	uploads *capability.Uploads
	baseURL func() string
}

// NewUploadsHandler creates the upload API handler. baseURL prefixes the
// capability links it returns.
func NewUploadsHandler(guard Authorizer, uploads *capability.Uploads, baseURL func() string) *UploadsHandler {
	return &UploadsHandler{guard: guard, uploads: uploads, baseURL: baseURL}
}

// RegisterRoutes registers the upload routes on the given mux.
// GET /u/{token} carries no auth: the token is the credential.
func (h *UploadsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/uploads", requireAuth(h.guard, h.handleCreate))
	mux.HandleFunc("PUT /api/uploads/{token}", requireAuth(h.guard, h.handleWrite))
	mux.HandleFunc("GET /u/{token}", h.handleRead)
}

type createUploadRequest struct {
	Mime  string `json:"mime"`
	Bytes int64  `json:"bytes"`
}

func (h *UploadsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createUploadRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	tok, err := h.uploads.Create(r.Context(), req.Mime, req.Bytes)
	if err != nil {
		writeUploadError(w, err)
		return
	}
	writeOK(w, http.StatusCreated, map[string]interface{}{
		"token":     tok.Token,
		"url":       strings.TrimRight(h.baseURL(), "/") + "/u/" + tok.Token,
		"mime":      tok.Mime,
		"expiresAt": tok.ExpiresAt.UnixMilli(),
	})
}

func (h *UploadsHandler) handleWrite(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.uploads.MaxBytes() {
		writeUploadError(w, capability.ErrTooLarge)
		return
	}
	n, err := h.uploads.Commit(r.Context(), r.PathValue("token"), r.Header.Get("Content-Type"), r.Body)
	if err != nil {
		writeUploadError(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]interface{}{"bytes": n})
}

func (h *UploadsHandler) handleRead(w http.ResponseWriter, r *http.Request) {
	tok, err := h.uploads.Resolve(r.Context(), r.PathValue("token"))
	if err != nil {
		writeUploadError(w, err)
		return
	}
	f, err := os.Open(tok.Path)
	if err != nil {
		writeUploadError(w, capability.ErrNotFound)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", tok.Mime)
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, "", info.ModTime(), f)
}

func writeUploadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, capability.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, capability.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, capability.ErrMimeMismatch):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, capability.ErrInvalidMime),
		errors.Is(err, capability.ErrInvalidSize),
		errors.Is(err, capability.ErrInvalidImage):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Warn("uploads.failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
