package http

import (
	"bufio"
	"log/slog"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzhttp"

	"github.com/nextlevelbuilder/agentrelay/internal/store"
)

// EventsHandler serves event-log replay and thread maintenance.
type EventsHandler struct {
	guard     Authorizer
	events    store.EventStore
	maxReplay int // <= 0: uncapped
}

// NewEventsHandler creates the event API handler.
func NewEventsHandler(guard Authorizer, events store.EventStore, maxReplay int) *EventsHandler {
	return &EventsHandler{guard: guard, events: events, maxReplay: maxReplay}
}

// RegisterRoutes registers the event routes on the given mux. Replay is
// gzip-compressed when the client accepts it.
func (h *EventsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/threads", requireAuth(h.guard, h.handleListThreads))
	mux.Handle("GET /api/threads/{id}/events", gzhttp.GzipHandler(requireAuth(h.guard, h.handleReplay)))
	mux.HandleFunc("DELETE /api/threads/{id}/events", requireAuth(h.guard, h.handleDeleteThread))
}

func (h *EventsHandler) handleListThreads(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 100)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	threads, err := h.events.ListThreads(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if threads == nil {
		threads = []store.ThreadSummary{}
	}
	writeOK(w, http.StatusOK, map[string]interface{}{"threads": threads})
}

// handleReplay streams one stored wrapper per line, in the requested order.
func (h *EventsHandler) handleReplay(w http.ResponseWriter, r *http.Request) {
	threadID := strings.TrimSpace(r.PathValue("id"))
	if threadID == "" {
		writeError(w, http.StatusBadRequest, "thread id is required")
		return
	}
	limit, ok := queryInt(r, "limit", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	order := strings.ToLower(r.URL.Query().Get("order"))
	if order != "" && order != store.OrderAsc && order != store.OrderDesc {
		writeError(w, http.StatusBadRequest, "order must be asc or desc")
		return
	}
	// No limit means the whole thread; only an explicit limit is capped.
	if h.maxReplay > 0 && limit > h.maxReplay {
		limit = h.maxReplay
	}

	records, err := h.events.ReplayEvents(r.Context(), threadID, store.ReplayOptions{Limit: limit, Order: order})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	bw := bufio.NewWriter(w)
	for _, rec := range records {
		bw.WriteString(rec.Payload)
		bw.WriteByte('\n')
	}
	if err := bw.Flush(); err != nil {
		slog.Debug("events.replay_write_failed", "thread", threadID, "error", err)
	}
}

func (h *EventsHandler) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	threadID := strings.TrimSpace(r.PathValue("id"))
	if threadID == "" {
		writeError(w, http.StatusBadRequest, "thread id is required")
		return
	}
	n, err := h.events.DeleteThreadEvents(r.Context(), threadID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	slog.Info("events.thread_deleted", "thread", threadID, "deleted", n)
	writeOK(w, http.StatusOK, map[string]interface{}{"deleted": n})
}
