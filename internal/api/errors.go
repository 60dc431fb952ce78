package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/kalambet/pdfchat/internal/apperr"
	"github.com/kalambet/pdfchat/internal/jobs"
	"github.com/kalambet/pdfchat/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// writeAppError maps an error class onto the HTTP error envelope.
func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", clientMessage(err))
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s", err.Error())
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%s", err.Error())
	}
}

// clientMessage drops the validation class prefix so clients see only the
// human part, e.g. "PDF has 25 pages (limit 20)".
func clientMessage(err error) string {
	return strings.TrimPrefix(err.Error(), apperr.ErrValidation.Error()+": ")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
