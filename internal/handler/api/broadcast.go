package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/webitel/broadcast-delivery-service/internal/service"
)

// BroadcastHandler is the operator surface of the lifecycle service.
type BroadcastHandler struct {
	lifecycle service.LifecycleService
	deliverer service.Deliverer
}

func NewBroadcastHandler(lifecycle service.LifecycleService, deliverer service.Deliverer) *BroadcastHandler {
	return &BroadcastHandler{lifecycle: lifecycle, deliverer: deliverer}
}

func (h *BroadcastHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in service.CreateBroadcastInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "malformed body"})
		return
	}

	b, err := h.lifecycle.Create(r.Context(), in)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, b)
}

func (h *BroadcastHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	b, err := h.lifecycle.Cancel(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

func (h *BroadcastHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	b, err := h.lifecycle.Get(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

func (h *BroadcastHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	out, err := h.lifecycle.List(r.Context(), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *BroadcastHandler) ListScheduled(w http.ResponseWriter, r *http.Request) {
	out, err := h.lifecycle.ListScheduled(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *BroadcastHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	out, err := h.lifecycle.ListActive(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *BroadcastHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	stats, err := h.lifecycle.Statistics(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *BroadcastHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rows, err := h.lifecycle.Deliveries(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

// HubStats reports this pod's local session registry.
func (h *BroadcastHandler) HubStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.deliverer.Stats())
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "broadcastID"), 10, 64)
	if err != nil || id <= 0 {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "invalid broadcast id"})
		return 0, false
	}
	return id, true
}
