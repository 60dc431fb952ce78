package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/pdfchat/internal/jobs"
)

type jobResponse struct {
	OK            bool       `json:"ok"`
	JobID         string     `json:"jobId"`
	Kind          jobs.Kind  `json:"kind"`
	State         jobs.State `json:"state"`
	Result        any        `json:"result,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func newJobResponse(j jobs.Job) jobResponse {
	return jobResponse{
		OK:            true,
		JobID:         j.ID,
		Kind:          j.Kind,
		State:         j.State,
		Result:        j.Result,
		FailureReason: j.FailureReason,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Jobs.Get(chi.URLParam(r, "id"))
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newJobResponse(job))
	}
}

// handleJobEvents streams live transitions. Unknown ids get a 404 up front
// since the stream itself would only ever time out.
func handleJobEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Jobs.Get(id); err != nil {
			writeAppError(w, err)
			return
		}
		deps.Events.ServeSSE(w, r, id)
	}
}
