// Package transport defines the broker client contract used by the
// consumption engine. Each broker implementation (kafka, rabbitmq, aws, etc.)
// lives in its own sub-package and registers itself with the transport
// registry.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/recordflow/internal/runtime/metadata"
)

// ErrClientClosed is returned by Poll and Commit after Close.
var ErrClientClosed = errors.New("recordflow: broker client is closed")

// Record is a raw record as delivered by the broker.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	// Key is empty for keyless records.
	Key       []byte
	Value     []byte
	Headers   metadata.Headers
	Timestamp time.Time
}

// Client is a consumer-group member bound to one processor. Implementations
// must tolerate Commit being called concurrently with Poll. Close unblocks a
// pending Poll.
type Client interface {
	// Subscribe joins the consumer group for topics.
	Subscribe(ctx context.Context, topics ...string) error

	// Poll returns at most max records. It may return fewer, including none
	// when the context deadline passes. Records of one partition are returned
	// in offset order.
	Poll(ctx context.Context, max int) ([]Record, error)

	// Commit acknowledges every record up to and including the given offset
	// per partition.
	Commit(ctx context.Context, topic string, offsets map[int32]int64) error

	Close() error
}

// Builder is the function signature for creating a broker client from config.
// Each transport package should provide a Builder function that can be
// registered.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Client, error)

// Config provides the configuration values needed by broker clients.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetBrokerSystem returns the transport type name.
	GetBrokerSystem() string

	// Consumer identity. The group id is the processor name.
	GetGroupID() string
	GetClientID() string
	// GetConsumerProperties returns pass-through client properties.
	GetConsumerProperties() map[string]string

	// Kafka
	GetKafkaBrokers() []string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string
	GetNATSJetStream() bool

	// HTTP
	GetHTTPServerAddress() string

	// IO
	GetIOFile() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by clients that can report their
// capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
