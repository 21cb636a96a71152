// Package channel provides an in-process transport on top of Watermill's
// GoChannel. Producers publish through PubSub; processors built by the
// registry subscribe to the same instance.
//
// GoChannel has no partitions or durable positions: every record is reported
// on partition 0 with an arrival sequence offset, and unacknowledged messages
// are dropped when the pub/sub closes.
package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/recordflow/transport"
	"github.com/drblury/recordflow/transport/bridge"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

var (
	sharedMu  sync.Mutex
	sharedPub message.Publisher
	sharedSub message.Subscriber
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

func shared(logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if sharedPub == nil {
		sharedPub, sharedSub = Factory(gochannel.Config{OutputChannelBuffer: bridge.DefaultBufferSize}, logger)
	}
	return sharedPub, sharedSub
}

// PubSub returns the process-wide publisher used by channel processors.
func PubSub() message.Publisher {
	pub, _ := shared(watermill.NopLogger{})
	return pub
}

// Reset closes the shared pub/sub. The next Build or PubSub call creates a
// fresh one.
func Reset() error {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedPub == nil {
		return nil
	}
	err := sharedPub.Close()
	if sharedSub != nil && any(sharedSub) != any(sharedPub) {
		if closeErr := sharedSub.Close(); err == nil {
			err = closeErr
		}
	}
	sharedPub, sharedSub = nil, nil
	return err
}

// Build creates a client subscribed to the shared pub/sub. Closing the
// client leaves the pub/sub open for other processors.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Client, error) {
	_, sub := shared(logger)
	return bridge.New(bridge.Options{
		Subscriber:   sub,
		Logger:       logger,
		Capabilities: transport.ChannelCapabilities,
		Closer:       func() error { return nil },
	})
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
