package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/bus"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Agents & Messages ────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	active, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	agents := h.Bus.ListAgents(active)
	if agents == nil {
		agents = []models.AgentInfo{}
	}
	respondJSON(w, http.StatusOK, agents)
}

// ListMessages returns bus history filtered by campaign_id, type and limit.
func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := bus.HistoryFilter{
		CampaignID: q.Get("campaign_id"),
		Type:       models.MessageType(q.Get("type")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	msgs := h.Bus.History(f)
	if msgs == nil {
		msgs = []models.Message{}
	}
	respondJSON(w, http.StatusOK, msgs)
}

// SendMessage routes an operator-supplied envelope through the bus. The
// payload is decoded by the type tag.
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	var msg models.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	delivered, err := h.Bus.Send(r.Context(), &msg)
	if err != nil {
		respondErr(w, err)
		return
	}
	view, _ := h.Bus.Message(msg.ID)
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"delivered": delivered,
		"message":   view,
	})
}

type responseView struct {
	MessageID  string             `json:"message_id"`
	Responder  string             `json:"responder"`
	Type       models.MessageType `json:"type"`
	Payload    models.Payload     `json:"payload"`
	ReceivedAt time.Time          `json:"received_at"`
}

func (h *Handlers) GetMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "messageId")
	msg, ok := h.Bus.Message(id)
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("message %s not found", id))
		return
	}
	responses := []responseView{}
	for _, resp := range h.Bus.Responses(id) {
		rv := responseView{
			MessageID:  resp.MessageID,
			Responder:  resp.Responder,
			Payload:    resp.Payload,
			ReceivedAt: resp.ReceivedAt,
		}
		if resp.Payload != nil {
			rv.Type = resp.Payload.MessageType()
		}
		responses = append(responses, rv)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":   msg,
		"responses": responses,
	})
}

// StreamMessages pushes every message the bus accepts as SSE until the
// client disconnects or the bus closes. An optional campaign_id narrows
// the stream.
func (h *Handlers) StreamMessages(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "SSE not supported")
		return
	}
	campaignID := r.URL.Query().Get("campaign_id")

	// subscribe before the headers go out so a client that saw the 200
	// cannot miss the next message
	ch := h.Bus.Subscribe()
	defer h.Bus.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log.Debug().Str("campaign_id", campaignID).Msg("📡 Message stream opened")

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if campaignID != "" && msg.CampaignID != campaignID {
				continue
			}
			data, err := json.Marshal(msg)
			if err != nil {
				log.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to encode streamed message")
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", string(data))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// ══════════════════════════════════════════════════════════════
// ── Guards ───────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// GetGuards reports breaker states, quota usage and cache counters.
func (h *Handlers) GetGuards(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{
		"breakers":      h.Breakers.Stats(),
		"context_cache": h.Contexts.CacheStats(),
	}
	if h.Quota != nil {
		out["quota"] = h.Quota.Usage()
	}
	if h.Cache != nil {
		out["result_cache"] = h.Cache.Stats()
	}
	respondJSON(w, http.StatusOK, out)
}

// GetStats reports bus counters and pipeline occupancy.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"bus":         h.Bus.Stats(),
		"queue_depth": h.Pipeline.QueueDepth(),
		"providers":   h.Pipeline.Providers(),
	})
}
