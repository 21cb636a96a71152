package transport

// Capabilities describes the delivery guarantees of a broker client.
// The manager uses it to warn about configurations the broker cannot honour.
type Capabilities struct {
	// SupportsOrdering indicates records of a partition are delivered in
	// offset order.
	SupportsOrdering bool

	// SupportsPartitioning indicates the broker exposes real partitions.
	// When false every record is reported on partition 0.
	SupportsPartitioning bool

	// SupportsOffsetCommit indicates committed positions survive a restart
	// of the consumer group.
	SupportsOffsetCommit bool

	// SupportsRedelivery indicates uncommitted records are delivered again
	// after the client closes.
	SupportsRedelivery bool

	// SupportsTracing indicates the broker propagates tracing headers natively.
	SupportsTracing bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (commit + redelivery).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsOffsetCommit && c.SupportsRedelivery
}

// Predefined capability sets for the bundled transports.
var (
	// KafkaCapabilities for the franz-go client.
	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsPartitioning: true,
		SupportsOffsetCommit: true,
		SupportsRedelivery:   true,
		SupportsTracing:      true,
		MaxMessageSize:       1048576, // Default 1MB
	}

	// SaramaCapabilities for the watermill-kafka client.
	SaramaCapabilities = Capabilities{
		Name:                 "sarama",
		SupportsOrdering:     true,
		SupportsPartitioning: true,
		SupportsOffsetCommit: true,
		SupportsRedelivery:   true,
		SupportsTracing:      true,
		MaxMessageSize:       1048576,
	}

	// MemoryCapabilities for the in-process partitioned log.
	MemoryCapabilities = Capabilities{
		Name:                 "memory",
		SupportsOrdering:     true,
		SupportsPartitioning: true,
		SupportsOffsetCommit: true,
		SupportsRedelivery:   true,
	}

	// ChannelCapabilities for in-memory Go channel transport. GoChannel
	// delivers concurrently and drops unacknowledged messages on close.
	ChannelCapabilities = Capabilities{
		Name: "channel",
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP transport.
	RabbitMQCapabilities = Capabilities{
		Name:                 "rabbitmq",
		SupportsOrdering:     true,
		SupportsOffsetCommit: true,
		SupportsRedelivery:   true,
		SupportsTracing:      true,
	}

	// NATSCapabilities for NATS Core transport.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576, // Default 1MB
	}

	// NATSJetStreamCapabilities for NATS JetStream transport.
	NATSJetStreamCapabilities = Capabilities{
		Name:                 "nats-jetstream",
		SupportsOrdering:     true,
		SupportsOffsetCommit: true,
		SupportsRedelivery:   true,
		SupportsTracing:      true,
		MaxMessageSize:       1048576,
	}

	// AWSCapabilities for AWS SNS/SQS transport.
	AWSCapabilities = Capabilities{
		Name:                 "aws",
		SupportsOffsetCommit: true,
		SupportsRedelivery:   true,
		SupportsTracing:      true,
		MaxMessageSize:       262144, // 256KB
	}

	// IOCapabilities for the JSON lines file replay. Commits are kept in
	// memory only, so every start replays the file from the beginning.
	IOCapabilities = Capabilities{
		Name:                 "io",
		SupportsOrdering:     true,
		SupportsPartitioning: true,
	}

	// HTTPCapabilities for the HTTP push transport.
	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Uses the registry to look up capabilities registered by each transport package.
// Returns a zero Capabilities struct if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
