package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/webitel/broadcast-delivery-service/internal/service"
)

// InboxHandler is the user-facing read surface.
type InboxHandler struct {
	inbox service.InboxService
}

func NewInboxHandler(inbox service.InboxService) *InboxHandler {
	return &InboxHandler{inbox: inbox}
}

func (h *InboxHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "userId is required"})
		return
	}

	items, err := h.inbox.Assemble(r.Context(), userID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, items)
}

func (h *InboxHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "userId is required"})
		return
	}
	broadcastID, err := strconv.ParseInt(chi.URLParam(r, "broadcastID"), 10, 64)
	if err != nil || broadcastID <= 0 {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "invalid broadcast id"})
		return
	}

	if err := h.inbox.MarkRead(r.Context(), userID, broadcastID); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
