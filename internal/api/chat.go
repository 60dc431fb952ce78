package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kalambet/pdfchat/internal/chat"
)

// handleChat streams the answer as newline-delimited JSON events. Request
// errors found before the first event are reported with the JSON error
// envelope; later failures arrive as an "error" event in the stream.
func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req chat.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Question) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		flusher, _ := w.(http.Flusher)
		enc := json.NewEncoder(w)
		started := false
		emit := func(e chat.Event) error {
			if err := r.Context().Err(); err != nil {
				return err
			}
			if !started {
				w.Header().Set("Content-Type", "application/x-ndjson")
				w.Header().Set("Cache-Control", "no-cache")
				w.Header().Set("X-Accel-Buffering", "no")
				w.WriteHeader(http.StatusOK)
				started = true
			}
			if err := enc.Encode(e); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
			return nil
		}

		res, err := deps.Chat.Answer(r.Context(), req, emit)
		if err != nil {
			if !started {
				writeAppError(w, err)
				return
			}
			deps.logger().Warn("chat request failed", "phase", res.Phase, "error", err)
		}
	}
}
