// Package http serves the relay's REST API: bridge administration, pairing,
// event replay and upload capabilities.
package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
)

// maxJSONBody bounds admin request bodies.
const maxJSONBody = 64 << 10

// Authorizer validates the shared secret on a request.
type Authorizer interface {
	Authorize(r *http.Request) bool
}

func requireAuth(a Authorizer, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.Authorize(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeOK writes {"ok": true} merged with fields.
func writeOK(w http.ResponseWriter, status int, fields map[string]interface{}) {
	out := map[string]interface{}{"ok": true}
	for k, v := range fields {
		out[k] = v
	}
	writeJSON(w, status, out)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"ok": false, "error": msg})
}

// decodeJSON decodes a bounded JSON body into v. An empty body leaves v
// untouched when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, allowEmpty bool) error {
	if allowEmpty && r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// queryInt parses a non-negative integer query parameter; missing means def.
func queryInt(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
