package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fleetgate/fleetgate/internal/api/middleware"
	"github.com/fleetgate/fleetgate/internal/confirm"
	"github.com/fleetgate/fleetgate/internal/orchestrator"
	"github.com/fleetgate/fleetgate/internal/quota"
	"github.com/fleetgate/fleetgate/pkg/models"
)

// Handlers serves the chat transport over the orchestrator.
type Handlers struct {
	orch          *orchestrator.Orchestrator
	confirmations confirm.Store
	tracker       quota.Tracker
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type confirmRequest struct {
	Confirmed   bool   `json:"confirmed"`
	OperationID string `json:"operation_id,omitempty"`
}

// Chat starts a turn and streams its ChatEvents as server-sent events.
func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	uc := middleware.GetUserContext(r.Context())
	conversationID, events, err := h.orch.Chat(r.Context(), uc, req.ConversationID, req.Message)
	if err != nil {
		if errors.Is(err, orchestrator.ErrConversationBusy) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	streamEvents(w, conversationID, events)
}

// Confirm resumes a suspended conversation with the user's answer and
// streams the resumption's events.
func (h *Handlers) Confirm(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	uc := middleware.GetUserContext(r.Context())
	events, err := h.orch.ConfirmOperation(r.Context(), uc, conversationID, req.Confirmed, req.OperationID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrConversationBusy) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	streamEvents(w, conversationID, events)
}

// Cancel abandons a conversation and clears its pending confirmations.
func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	uc := middleware.GetUserContext(r.Context())

	removed, err := h.orch.CancelChat(r.Context(), uc, conversationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id":       conversationID,
		"confirmations_cleared": removed,
	})
}

// ListPending returns the conversation's live pending confirmations.
func (h *Handlers) ListPending(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	uc := middleware.GetUserContext(r.Context())

	pending, err := h.confirmations.List(r.Context(), uc, conversationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pending == nil {
		pending = []models.PendingConfirmation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"pending":         pending,
	})
}

// Quota returns the tenant's usage for the current UTC day.
func (h *Handlers) Quota(w http.ResponseWriter, r *http.Request) {
	uc := middleware.GetUserContext(r.Context())

	usage, err := h.tracker.Usage(r.Context(), uc.TenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// streamEvents writes the event channel as an SSE stream, one event per
// message, flushed as they arrive.
func streamEvents(w http.ResponseWriter, conversationID string, events <-chan models.ChatEvent) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Conversation-Id", conversationID)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			log.Error().Err(err).Str("conversation", conversationID).Msg("Failed to encode chat event")
			continue
		}
		if _, err := w.Write([]byte("event: " + string(ev.Type) + "\ndata: " + string(payload) + "\n\n")); err != nil {
			// Client went away; the orchestrator aborts via the request
			// context, this loop just drains the tail.
			log.Debug().Err(err).Str("conversation", conversationID).Msg("SSE write failed")
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
