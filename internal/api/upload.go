package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/pdfchat/internal/jobs"
	"github.com/kalambet/pdfchat/internal/vectorstore"
)

const (
	defaultMaxUploadBytes = 25 << 20 // 25MB
	multipartMemory       = 32 << 20
)

type uploadResponse struct {
	OK    bool   `json:"ok"`
	JobID string `json:"jobId"`
	DocID string `json:"docId"`
}

// handleUpload accepts a multipart PDF, rejects it early when it is over the
// page limit, and queues it for ingestion.
func handleUpload(deps Deps) http.HandlerFunc {
	maxBytes := deps.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxUploadBytes
	}

	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes+maxRequestBodySize)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "upload exceeds %d bytes", maxBytes)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "No file provided")
			return
		}
		defer file.Close()

		if header.Size > maxBytes {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "upload exceeds %d bytes", maxBytes)
			return
		}
		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading file: %v", err)
			return
		}
		if len(data) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file is empty")
			return
		}

		if deps.Pages != nil {
			if err := deps.Pages.CheckPageLimit(data); err != nil {
				writeAppError(w, err)
				return
			}
		}

		docID := strings.TrimSpace(r.FormValue("docId"))
		if docID == "" {
			docID = uuid.NewString()
		}
		userID := strings.TrimSpace(r.FormValue("userId"))
		key := vectorstore.NewKey(userID, docID)

		job, err := deps.Jobs.Enqueue(jobs.IngestPayload{
			UserID:   userID,
			DocID:    docID,
			Filename: header.Filename,
			Data:     data,
		})
		if err != nil {
			if errors.Is(err, jobs.ErrClosed) {
				httpError(w, http.StatusServiceUnavailable, "api_error", "server is shutting down")
				return
			}
			writeAppError(w, err)
			return
		}

		deps.logger().Info("upload queued",
			"job_id", job.ID,
			"user_id", key.UserID,
			"doc_id", key.DocID,
			"bytes", len(data),
		)
		writeJSON(w, http.StatusAccepted, uploadResponse{OK: true, JobID: job.ID, DocID: key.DocID})
	}
}
