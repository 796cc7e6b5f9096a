package lp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/webitel/broadcast-delivery-service/internal/domain/event"
	"github.com/webitel/broadcast-delivery-service/internal/handler/wire"
	"github.com/webitel/broadcast-delivery-service/internal/service"
)

// LPHandler is the long-polling fallback for clients that can hold neither
// an SSE stream nor a websocket.
type LPHandler struct {
	deliverer service.Deliverer
}

func NewLPHandler(deliverer service.Deliverer) *LPHandler {
	return &LPHandler{
		deliverer: deliverer,
	}
}

// Poll handles the long-polling request.
// It holds the connection until an event arrives or timeout occurs.
func (h *LPHandler) Poll(w http.ResponseWriter, r *http.Request) {
	// 1. Extract Identity (UserID should be validated via middleware in production).
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	// 2. Temporary Subscription.
	// We create a connector that will live only for the duration of this HTTP request.
	conn, err := h.deliverer.Subscribe(r.Context(), userID, "")
	if err != nil {
		http.Error(w, "failed to subscribe", http.StatusServiceUnavailable)
		return
	}

	// Ensure cleanup: remove from registry and return to pool when request finishes.
	defer h.deliverer.Unsubscribe(userID, conn.GetID())
	defer conn.Close()

	h.deliverer.ReplayPending(r.Context(), conn)

	var events []event.Eventer

	// 3. Wait for data or timeout.
	select {
	case <-r.Context().Done():
		// Client disconnected.
		return

	case <-time.After(30 * time.Second):
		// Standard Long-Polling timeout to prevent hanging connections.
		w.WriteHeader(http.StatusNoContent)
		return

	case ev, ok := <-conn.Recv():
		if !ok {
			return
		}
		events = append(events, ev)

		// [OPTIONAL] Drain remaining events from buffer to provide batching.
		// This minimizes the number of subsequent HTTP requests.
	drainLoop:
		for range 15 {
			select {
			case nextEv := <-conn.Recv():
				events = append(events, nextEv)
			default:
				break drainLoop
			}
		}
	}

	// 4. Final transmission.
	data, err := wire.EncodeBatch(events)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
