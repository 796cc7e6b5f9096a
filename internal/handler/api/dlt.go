package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/webitel/broadcast-delivery-service/internal/service"
)

// DLTHandler is the operator surface for dead-lettered events.
type DLTHandler struct {
	redrive service.RedriveService
}

func NewDLTHandler(redrive service.RedriveService) *DLTHandler {
	return &DLTHandler{redrive: redrive}
}

func (h *DLTHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	out, err := h.redrive.List(r.Context(), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *DLTHandler) Redrive(w http.ResponseWriter, r *http.Request) {
	id, ok := dltID(w, r)
	if !ok {
		return
	}
	if err := h.redrive.Redrive(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DLTHandler) RedriveAll(w http.ResponseWriter, r *http.Request) {
	res, err := h.redrive.RedriveAll(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *DLTHandler) Purge(w http.ResponseWriter, r *http.Request) {
	id, ok := dltID(w, r)
	if !ok {
		return
	}
	if err := h.redrive.Purge(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DLTHandler) PurgeAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.redrive.PurgeAll(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

func dltID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "dltID"), 10, 64)
	if err != nil || id <= 0 {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "invalid dlt id"})
		return 0, false
	}
	return id, true
}
