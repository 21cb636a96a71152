// Package rabbitmq provides a RabbitMQ/AMQP transport. Each processor gets a
// durable queue per topic named after the topic and the consumer group, so
// processors sharing a name compete for messages and distinct processors each
// receive every message.
package rabbitmq

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/recordflow/transport"
	"github.com/drblury/recordflow/transport/bridge"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// SubscriberConfig returns the AMQP configuration used for a consumer group.
func SubscriberConfig(url, group string) amqp.Config {
	cfg := amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameTopicNameWithSuffix(group))
	cfg.Consume.Qos.PrefetchCount = bridge.DefaultBufferSize
	return cfg
}

// Build creates a RabbitMQ client for the processor's consumer group.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Client, error) {
	url := cfg.GetRabbitMQURL()
	if url == "" {
		return nil, errors.New("rabbitmq: URL is required")
	}

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return nil, err
	}

	subscriber, err := SubscriberFactory(SubscriberConfig(url, cfg.GetGroupID()), logger, conn)
	if err != nil {
		closeConnection(conn)
		return nil, err
	}

	return bridge.New(bridge.Options{
		Subscriber:   subscriber,
		Logger:       logger,
		Capabilities: transport.RabbitMQCapabilities,
		Closer: func() error {
			err := subscriber.Close()
			closeConnection(conn)
			return err
		},
	})
}

func closeConnection(conn *amqp.ConnectionWrapper) {
	if conn != nil {
		_ = conn.Close()
	}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
