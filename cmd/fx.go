package cmd

import (
	"context"

	"github.com/webitel/broadcast-delivery-service/config"
	"github.com/webitel/broadcast-delivery-service/infra/client/userdir"
	amqpdi "github.com/webitel/broadcast-delivery-service/internal/handler/amqp"
	apidi "github.com/webitel/broadcast-delivery-service/internal/handler/api"
	"github.com/webitel/broadcast-delivery-service/internal/outbox"
	"github.com/webitel/broadcast-delivery-service/internal/scheduler"
	"github.com/webitel/broadcast-delivery-service/internal/service"
	"go.uber.org/fx"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideWatermillLogger,
			ProvideDB,
			ProvideRedis,
			ProvidePubSub,
			ProvideHub,
			ProvidePresence,
			ProvideRepos,
			ProvideCache,
			fx.Annotate(userdir.New, fx.As(new(service.UserDirectory))),
			fx.Annotate(
				outbox.NewPublisher,
				fx.As(new(service.OutboxNudger)),
				fx.As(fx.Self()),
			),
			scheduler.New,
		),

		service.Module,
		amqpdi.Module,
		apidi.Module,

		// Background workers bound to the fx lifecycle.
		fx.Invoke(func(lc fx.Lifecycle, relay *outbox.Publisher) {
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error { relay.Start(); return nil },
				OnStop:  func(context.Context) error { relay.Stop(); return nil },
			})
		}),
		fx.Invoke(func(lc fx.Lifecycle, sched *scheduler.Scheduler) {
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error { return sched.Start() },
				OnStop:  func(context.Context) error { sched.Stop(); return nil },
			})
		}),
		fx.Invoke(func(lc fx.Lifecycle, delivery *service.DeliveryService) {
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error { delivery.Start(); return nil },
				OnStop: func(ctx context.Context) error {
					delivery.Shutdown(ctx)
					return nil
				},
			})
		}),
	)
}
