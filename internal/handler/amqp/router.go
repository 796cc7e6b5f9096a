package amqp

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/webitel/broadcast-delivery-service/config"
	"github.com/webitel/broadcast-delivery-service/internal/adapter/pubsub"
	infrapubsub "github.com/webitel/broadcast-delivery-service/infra/pubsub"
)

// DLTSuffix names the dead-letter companion of a source topic.
const DLTSuffix = ".DLT"

func NewWatermillRouter(logger watermill.LoggerAdapter) (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, fmt.Errorf("ROUTER_SETUP_FAILED: %w", err)
	}
	return router, nil
}

// RegisterHandlers wires the consumer pipeline:
//
//	orchestration topic  — shared queue, every pod competes
//	worker topic         — this pod's private delivery queue
//	*.DLT                — poisoned events, persisted for operator redrive
//
// The worker DLT is shared across pods (prefix + suffix) so a dead pod's
// failures are still picked up by survivors.
func RegisterHandlers(
	router *message.Router,
	provider *infrapubsub.Provider,
	dispatcher pubsub.EventDispatcher,
	orchestration *OrchestrationHandler,
	worker *WorkerHandler,
	dlt *DLTHandler,
	cfg *config.Config,
	logger *slog.Logger,
) error {
	orchTopic := cfg.Broker.OrchestrationTopic
	orchDLT := orchTopic + DLTSuffix
	workerTopic := cfg.Broker.WorkerTopic(cfg.Cluster.ClusterName, cfg.Cluster.PodName)
	workerDLT := cfg.Broker.WorkerTopicPrefix + DLTSuffix

	configs := []struct {
		name     string
		topic    string
		dltTopic string // empty: the handler IS a DLT consumer
		handler  message.NoPublishHandlerFunc
	}{
		{"ON_ORCHESTRATION", orchTopic, orchDLT, Bind(logger, orchestration.OnOrchestration)},
		{"ON_DELIVERY", workerTopic, workerDLT, Bind(logger, worker.OnDelivery)},
		{"ON_POISONED_ORCH", orchDLT, "", dlt.OnPoisoned},
		{"ON_POISONED_WORKER", workerDLT, "", dlt.OnPoisoned},
	}

	for _, c := range configs {
		sub, err := provider.Subscriber()
		if err != nil {
			return err
		}

		chain := []message.HandlerMiddleware{
			TraceIDMiddleware,
			LoggingMiddleware(logger),
			NewRetryMiddleware().Middleware,
		}
		if c.dltTopic != "" {
			poison, err := middleware.PoisonQueue(dispatcher.Publisher(), c.dltTopic)
			if err != nil {
				return fmt.Errorf("POISON_SETUP_FAILED: %w", err)
			}
			chain = append(chain, poison)
		}
		chain = append(chain,
			middleware.NewThrottle(100, time.Second).Middleware,
			middleware.Timeout(time.Second*30),
		)

		router.AddConsumerHandler(c.name, c.topic, sub, c.handler).AddMiddleware(chain...)
	}

	logger.Info("BUS_PIPELINE_READY", "orchestration_topic", orchTopic, "worker_topic", workerTopic)
	return nil
}
