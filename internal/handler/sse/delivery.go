// Package sse streams delivery events over Server-Sent Events, the primary
// client transport. One GET request holds one registry connector; the event
// id field doubles as the client's dedupe key across reconnects.
package sse

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/webitel/broadcast-delivery-service/internal/handler/wire"
	"github.com/webitel/broadcast-delivery-service/internal/service"
)

type SSEHandler struct {
	logger    *slog.Logger
	deliverer service.Deliverer
}

func NewSSEHandler(logger *slog.Logger, deliverer service.Deliverer) *SSEHandler {
	return &SSEHandler{logger: logger, deliverer: deliverer}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 1. EXTRACT IDENTITY (In production: from JWT/Cookie)
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	connID := r.URL.Query().Get("connectionId")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// 2. SUBSCRIBE VIA THE DELIVERY SERVICE
	conn, err := h.deliverer.Subscribe(r.Context(), userID, connID)
	if errors.Is(err, service.ErrConnectionLimit) {
		// The client gets a well-formed stream with exactly one event so it
		// can tell "rejected" from "broken".
		h.writeHeaders(w)
		fmt.Fprintf(w, "event: CONNECTION_LIMIT_REACHED\ndata: {\"ok\":false}\n\n")
		flusher.Flush()
		return
	}
	if err != nil {
		h.logger.Error("SSE_SUBSCRIBE_FAILED", "user_id", userID, "error", err)
		http.Error(w, "failed to subscribe", http.StatusServiceUnavailable)
		return
	}
	defer h.deliverer.Unsubscribe(userID, conn.GetID())

	h.writeHeaders(w)
	flusher.Flush()

	// 3. REPLAY EVENTS QUEUED WHILE OFFLINE
	h.deliverer.ReplayPending(r.Context(), conn)

	h.logger.Info("SSE_STREAM_OPENED", "user_id", userID, "conn_id", conn.GetID())

	// 4. MAIN PUMP LOOP
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-conn.Recv():
			if !ok {
				return
			}

			data, err := wire.Encode(ev)
			if err != nil {
				h.logger.Error("SSE_ENCODE_FAILED", "error", err, "kind", ev.GetKind())
				continue
			}

			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.GetID(), ev.GetKind(), data)
			flusher.Flush()
		}
	}
}

func (h *SSEHandler) writeHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}
