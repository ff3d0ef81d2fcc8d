package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/pkg/models"
)

type createCampaignRequest struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	ids, err := h.Contexts.List(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	respondJSON(w, http.StatusOK, ids)
}

func (h *Handlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	cc, err := h.Contexts.Create(r.Context(), req.ID, req.Metadata)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, cc)
}

func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	cc, err := h.Contexts.Get(r.Context(), chi.URLParam(r, "campaignId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cc)
}

func (h *Handlers) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignId")
	existed, err := h.Contexts.Delete(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	if existed {
		log.Info().Str("campaign_id", id).Msg("Campaign context deleted")
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "deleted": existed})
}

// AppendEvent records a generation event. ID and timestamp are assigned
// server-side when omitted.
func (h *Handlers) AppendEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.GenerationEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !ev.Stage.Valid() {
		respondError(w, http.StatusBadRequest, "unknown stage "+string(ev.Stage))
		return
	}

	saved, err := h.Contexts.AddEvent(r.Context(), chi.URLParam(r, "campaignId"), ev)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, saved)
}

func (h *Handlers) ListCampaignJobs(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Pipeline.ListJobs(chi.URLParam(r, "campaignId")))
}

func (h *Handlers) GetCampaignStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Pipeline.GetCampaignStatus(chi.URLParam(r, "campaignId")))
}
