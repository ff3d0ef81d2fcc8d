package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/pkg/models"
)

type enqueueRequest struct {
	CampaignID string            `json:"campaign_id"`
	TargetID   string            `json:"target_id"`
	Kind       models.JobKind    `json:"kind"`
	Prompt     string            `json:"prompt"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// EnqueueJob accepts a generation job and returns its id immediately.
func (h *Handlers) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id, err := h.Pipeline.Enqueue(req.CampaignID, req.TargetID, req.Kind, req.Prompt, req.Metadata)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": string(models.JobQueued)})
}

func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Pipeline.ListJobs(r.URL.Query().Get("campaign_id")))
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Pipeline.GetJobStatus(chi.URLParam(r, "jobId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}
