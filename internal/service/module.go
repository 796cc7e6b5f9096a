package service

import (
	"log/slog"

	"github.com/webitel/broadcast-delivery-service/config"
	"go.uber.org/fx"
)

var Module = fx.Module(
	"service",

	fx.Provide(
		func(cfg *config.Config, dir UserDirectory, logger *slog.Logger) *DirectoryGuard {
			return NewDirectoryGuard(dir, cfg.UserDir.MaxInFlight, cfg.UserDir.RequestTimeout, logger)
		},

		// Domain services
		NewTargetingService,
		NewLifecycleService,
		NewInboxService,
		NewRedriveService,
		// The concrete type stays visible for the lifecycle hooks in cmd.
		fx.Annotate(
			NewDeliveryService,
			fx.As(new(Deliverer)),
			fx.As(fx.Self()),
		),
	),
)
