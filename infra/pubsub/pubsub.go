// Package pubsub wires the AMQP bus. Every topic is a durable queue on the
// default exchange: publishers address the queue by name, subscribers in the
// same queue compete for messages (consumer-group semantics). The
// orchestration topic is shared by all pods; each pod's worker topic is
// consumed by that pod alone.
package pubsub

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Provider builds publishers and subscribers off one AMQP connection config.
type Provider struct {
	cfg    amqp.Config
	logger watermill.LoggerAdapter
}

func NewProvider(uri string, logger watermill.LoggerAdapter) *Provider {
	return &Provider{
		cfg:    amqp.NewDurableQueueConfig(uri),
		logger: logger,
	}
}

func (p *Provider) Publisher() (message.Publisher, error) {
	pub, err := amqp.NewPublisher(p.cfg, p.logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub: new publisher: %w", err)
	}
	return pub, nil
}

func (p *Provider) Subscriber() (message.Subscriber, error) {
	sub, err := amqp.NewSubscriber(p.cfg, p.logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub: new subscriber: %w", err)
	}
	return sub, nil
}
