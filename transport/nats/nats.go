// Package nats provides NATS transports. Core NATS subscribes through
// Watermill with a queue group per processor. With JetStream enabled the
// client pulls from durable consumers and commits by acknowledging stream
// sequences.
package nats

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/recordflow/transport"
	"github.com/drblury/recordflow/transport/bridge"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// HeaderKey carries the record key on published messages.
const HeaderKey = bridge.MetadataKey

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg wmnats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return wmnats.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a NATS client. JetStream is used when the configuration
// enables it.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Client, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return nil, errors.New("nats: URL is required")
	}

	if cfg.GetNATSJetStream() {
		return NewJetStreamClient(JetStreamConfig{
			URL:        url,
			ClientName: cfg.GetClientID(),
		}, cfg.GetGroupID(), logger)
	}

	subscriber, err := SubscriberFactory(
		wmnats.SubscriberConfig{
			URL:              url,
			QueueGroupPrefix: cfg.GetGroupID(),
			NatsOptions:      connectOptions(cfg.GetClientID()),
			Unmarshaler:      &wmnats.NATSMarshaler{},
			JetStream:        wmnats.JetStreamConfig{Disabled: true},
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	return bridge.New(bridge.Options{
		Subscriber:   subscriber,
		Logger:       logger,
		Capabilities: transport.NATSCapabilities,
	})
}

func connectOptions(clientName string) []natsgo.Option {
	opts := []natsgo.Option{
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(time.Second),
	}
	if clientName != "" {
		opts = append(opts, natsgo.Name(clientName))
	}
	return opts
}

// Capabilities returns the capabilities of NATS Core.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
