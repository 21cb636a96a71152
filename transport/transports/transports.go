// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/recordflow/transport/aws"
	_ "github.com/drblury/recordflow/transport/channel"
	_ "github.com/drblury/recordflow/transport/http"
	_ "github.com/drblury/recordflow/transport/io"
	_ "github.com/drblury/recordflow/transport/kafka"
	_ "github.com/drblury/recordflow/transport/memory"
	_ "github.com/drblury/recordflow/transport/nats"
	_ "github.com/drblury/recordflow/transport/rabbitmq"
	_ "github.com/drblury/recordflow/transport/sarama"
)
