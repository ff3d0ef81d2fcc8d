// Package handlers implements the operator HTTP API over the campaign
// context store, the message bus and the job pipeline.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/bus"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/campaign"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/pipeline"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/resilience"
)

// Handlers holds all handler dependencies. Quota and Cache may be nil.
type Handlers struct {
	Contexts *campaign.Store
	Bus      *bus.Bus
	Pipeline *pipeline.Pipeline
	Breakers *resilience.BreakerSet
	Quota    *resilience.QuotaController
	Cache    *resilience.ResultCache
}

// New creates a new Handlers instance with all dependencies.
func New(cs *campaign.Store, b *bus.Bus, p *pipeline.Pipeline, breakers *resilience.BreakerSet, quota *resilience.QuotaController, cache *resilience.ResultCache) *Handlers {
	return &Handlers{
		Contexts: cs,
		Bus:      b,
		Pipeline: p,
		Breakers: breakers,
		Quota:    quota,
		Cache:    cache,
	}
}

// ── Helpers ─────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps domain errors onto HTTP status codes.
func respondErr(w http.ResponseWriter, err error) {
	respondError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case campaign.IsNotFound(err),
		errors.Is(err, pipeline.ErrJobNotFound),
		errors.Is(err, bus.ErrUnknownMessage):
		return http.StatusNotFound
	case errors.Is(err, campaign.ErrAlreadyExists),
		errors.Is(err, campaign.ErrVersionConflict),
		errors.Is(err, campaign.ErrHistoryRewritten):
		return http.StatusConflict
	case errors.Is(err, campaign.ErrInvalidID),
		errors.Is(err, pipeline.ErrInvalidJob),
		errors.Is(err, bus.ErrInvalidMessage),
		errors.Is(err, bus.ErrInvalidTimeout),
		errors.Is(err, bus.ErrUnknownAgent):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrPipelineStopped),
		errors.Is(err, bus.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
