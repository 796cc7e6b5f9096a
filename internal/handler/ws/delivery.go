package ws

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/webitel/broadcast-delivery-service/internal/handler/wire"
	"github.com/webitel/broadcast-delivery-service/internal/service"
)

// WSHandler is the websocket alternative to the SSE stream, for clients
// behind proxies that mangle long-lived HTTP responses.
type WSHandler struct {
	logger    *slog.Logger
	deliverer service.Deliverer
	upgrader  websocket.Upgrader
}

func NewWSHandler(logger *slog.Logger, deliverer service.Deliverer) *WSHandler {
	return &WSHandler{
		logger:    logger,
		deliverer: deliverer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // Security: adjust for production
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 1. EXTRACT IDENTITY (In production: from JWT/Cookie)
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	connID := r.URL.Query().Get("connectionId")

	// 2. UPGRADE TO WEBSOCKET
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	// 3. SUBSCRIBE VIA THE SAME SERVICE
	conn, err := h.deliverer.Subscribe(r.Context(), userID, connID)
	if err != nil {
		if errors.Is(err, service.ErrConnectionLimit) {
			_ = ws.WriteMessage(websocket.TextMessage,
				[]byte(`{"kind":"CONNECTION_LIMIT_REACHED","payload":{"ok":false}}`))
		}
		return
	}
	defer h.deliverer.Unsubscribe(userID, conn.GetID())

	h.deliverer.ReplayPending(r.Context(), conn)

	h.logger.Info("ws opened", "user_id", userID, "conn_id", conn.GetID())

	// 4. MAIN WS PUMP LOOP
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
				h.logger.Error("failed to marshal ws event", "error", err)
				continue
			}

			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Warn("ws send failed", "error", err)
				return
			}
		}
	}
}
