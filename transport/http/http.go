// Package http provides an HTTP push transport. Producers POST records to
// /{topic} on the configured address; the request completes once the record
// is committed or fails when the processor releases it.
package http

import (
	"context"
	"errors"
	nethttp "net/http"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/recordflow/transport"
	"github.com/drblury/recordflow/transport/bridge"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates an HTTP push client listening on the configured address.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Client, error) {
	serverAddr := cfg.GetHTTPServerAddress()
	if serverAddr == "" {
		return nil, errors.New("http: server address is required")
	}

	subscriber, err := SubscriberFactory(
		serverAddr,
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	return bridge.New(bridge.Options{
		Subscriber:   subscriber,
		Logger:       logger,
		Capabilities: transport.HTTPCapabilities,
		OnSubscribed: func(context.Context) error {
			startServer(subscriber, logger)
			return nil
		},
	})
}

// Routes are registered on Subscribe, so the server starts afterwards.
func startServer(subscriber message.Subscriber, logger watermill.LoggerAdapter) {
	s, ok := subscriber.(*http.Subscriber)
	if !ok {
		return
	}
	go func() {
		if err := s.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			logger.Error("Failed to start HTTP subscriber server", err, nil)
		}
	}()
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
