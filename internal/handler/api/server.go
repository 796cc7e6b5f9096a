package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/webitel/broadcast-delivery-service/config"
	"github.com/webitel/broadcast-delivery-service/internal/handler/lp"
	"github.com/webitel/broadcast-delivery-service/internal/handler/sse"
	"github.com/webitel/broadcast-delivery-service/internal/handler/ws"
	"go.uber.org/fx"
)

// NewRouter assembles the full HTTP surface: REST admin, user inbox and the
// three stream transports.
func NewRouter(
	broadcasts *BroadcastHandler,
	dlt *DLTHandler,
	inbox *InboxHandler,
	sseHandler *sse.SSEHandler,
	wsHandler *ws.WSHandler,
	lpHandler *lp.LPHandler,
) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/broadcasts", func(r chi.Router) {
			r.Post("/", broadcasts.Create)
			r.Get("/", broadcasts.List)
			r.Get("/scheduled", broadcasts.ListScheduled)
			r.Get("/active", broadcasts.ListActive)
			r.Get("/{broadcastID}", broadcasts.Get)
			r.Post("/{broadcastID}/cancel", broadcasts.Cancel)
			r.Get("/{broadcastID}/statistics", broadcasts.Statistics)
			r.Get("/{broadcastID}/deliveries", broadcasts.Deliveries)
		})

		r.Route("/dlt", func(r chi.Router) {
			r.Get("/", dlt.List)
			r.Post("/redrive-all", dlt.RedriveAll)
			r.Post("/{dltID}/redrive", dlt.Redrive)
			r.Delete("/", dlt.PurgeAll)
			r.Delete("/{dltID}", dlt.Purge)
		})

		r.Route("/inbox", func(r chi.Router) {
			r.Get("/", inbox.Get)
			r.Post("/{broadcastID}/read", inbox.MarkRead)
		})

		r.Get("/hub/stats", broadcasts.HubStats)
	})

	// Stream transports sit outside the versioned API: their lifetime is the
	// connection, not the request.
	r.Get("/sse", sseHandler.ServeHTTP)
	r.Get("/ws", wsHandler.ServeHTTP)
	r.Get("/poll/{userID}", lpHandler.Poll)

	return r
}

var Module = fx.Module("http-handler",
	fx.Provide(
		NewBroadcastHandler,
		NewDLTHandler,
		NewInboxHandler,
		sse.NewSSEHandler,
		ws.NewWSHandler,
		lp.NewLPHandler,
		NewRouter,
	),

	fx.Invoke(func(lc fx.Lifecycle, mux *chi.Mux, cfg *config.Config, logger *slog.Logger) {
		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("HTTP_SERVER_FAILED", "error", err)
					}
				}()
				logger.Info("HTTP_SERVER_STARTED", "addr", cfg.HTTP.Addr)
				return nil
			},
			OnStop: func(ctx context.Context) error {
				shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			},
		})
	}),
)
