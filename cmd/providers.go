package cmd

import (
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/webitel/broadcast-delivery-service/config"
	infrapubsub "github.com/webitel/broadcast-delivery-service/infra/pubsub"
	"github.com/webitel/broadcast-delivery-service/internal/adapter/pubsub"
	"github.com/webitel/broadcast-delivery-service/internal/domain/registry"
	"github.com/webitel/broadcast-delivery-service/internal/storage/cache"
	"github.com/webitel/broadcast-delivery-service/internal/storage/postgres"
	"github.com/webitel/broadcast-delivery-service/internal/storage/presence"
)

func ProvideLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With("service", ServiceName, "pod", cfg.Cluster.PodKey())
	slog.SetDefault(logger)
	return logger
}

func ProvideWatermillLogger(logger *slog.Logger) watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logger)
}

func ProvideDB(cfg *config.Config) (*sqlx.DB, error) {
	db, err := postgres.Open(cfg.Postgres)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(db.DB); err != nil {
		return nil, err
	}
	return db, nil
}

func ProvideRedis(cfg *config.Config) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func ProvidePubSub(cfg *config.Config, logger watermill.LoggerAdapter) (*infrapubsub.Provider, pubsub.EventDispatcher, error) {
	provider := infrapubsub.NewProvider(cfg.Broker.URI, logger)
	publisher, err := provider.Publisher()
	if err != nil {
		return nil, nil, err
	}
	return provider, pubsub.NewEventDispatcher(publisher), nil
}

func ProvideHub(cfg *config.Config) registry.Hubber {
	return registry.NewHub(
		registry.WithMailboxSize(cfg.SSE.MailboxSize),
	)
}

func ProvidePresence(rdb redis.UniversalClient, cfg *config.Config) *presence.Store {
	return presence.NewStore(rdb, cfg.Cluster.ClusterName, cfg.Cluster.PodName)
}

func ProvideRepos() (*postgres.BroadcastRepo, *postgres.UserMessageRepo, *postgres.TargetRepo, *postgres.StatisticsRepo, *postgres.OutboxRepo, *postgres.DLTRepo) {
	return postgres.NewBroadcastRepo(),
		postgres.NewUserMessageRepo(),
		postgres.NewTargetRepo(),
		postgres.NewStatisticsRepo(),
		postgres.NewOutboxRepo(),
		postgres.NewDLTRepo()
}

func ProvideCache(rdb redis.UniversalClient) (*cache.Store, *cache.Locker) {
	return cache.NewStore(rdb), cache.NewLocker(rdb)
}
