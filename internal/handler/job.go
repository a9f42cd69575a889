package handler

import (
	"errors"
	"net/http"

	"github.com/ebarrios/citasync/internal/job"
)

type JobHandler struct {
	jobs *job.Registry
}

func NewJobHandler(jobs *job.Registry) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// Get returns the current snapshot of a background job. Jobs are evicted a
// while after finishing, so an unknown id is indistinguishable from an old one.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Poll(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to poll job")
		return
	}
	writeJSON(w, http.StatusOK, j)
}
