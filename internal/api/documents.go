package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/pdfchat/internal/storage"
	"github.com/kalambet/pdfchat/internal/vectorstore"
)

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid limit: %q", v)
				return
			}
			limit = n
		}

		// Catalog rows are keyed by the normalized ids the index uses.
		key := vectorstore.NewKey(r.URL.Query().Get("userId"), "")
		docs, err := deps.Catalog.ListDocuments(r.Context(), key.UserID, limit)
		if err != nil {
			writeAppError(w, err)
			return
		}
		if docs == nil {
			docs = []storage.Document{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "documents": docs})
	}
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := vectorstore.NewKey(r.URL.Query().Get("userId"), chi.URLParam(r, "docId"))
		doc, err := deps.Catalog.GetDocument(r.Context(), key.UserID, key.DocID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "document": doc})
	}
}

// handleDeleteDocument removes the catalog row. Indexed vectors stay where
// they are.
func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := vectorstore.NewKey(r.URL.Query().Get("userId"), chi.URLParam(r, "docId"))
		if err := deps.Catalog.DeleteDocument(r.Context(), key.UserID, key.DocID); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "docId": key.DocID})
	}
}
