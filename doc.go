// Package recordflow runs typed record processors against partitioned logs
// such as Kafka topics. A processor binds a handler to a Topic (a name plus
// key and value codecs); the Manager polls records through the configured
// transport, fans them out to a bounded set of workers, retries failures with
// exponential backoff and commits offsets only up to the last record of a
// partition whose predecessors have all finished.
//
// A minimal setup fills Config, creates a Manager, registers processors with
// RegisterProcessor or RegisterBatchProcessor and calls Run. Runnable programs
// live under examples/.
//
// # Processing order
//
// Each processor picks one of three orders through the
// "kafka.processor.<name>.processing.order" property:
//   - PARTITION: one record at a time per partition (default)
//   - KEY: one record at a time per key, keys of a partition in parallel
//   - UNORDERED: any record may run as soon as a worker is free
//
// Whatever the order, committed offsets never skip an unfinished record.
//
// # Transports
//
// The broker is chosen by Config.BrokerSystem. Import
// "github.com/drblury/recordflow/transport/transports" to register them all:
//   - kafka: franz-go consumer groups with explicit offset commits
//   - sarama: IBM/sarama consumer groups
//   - memory: in-process partitioned log for tests
//   - channel, rabbitmq, nats, aws, http, io: Watermill subscribers bridged
//     into a single synthetic partition
//
// # Handler outcomes
//
// A handler returning nil marks the record done. ErrSkip, ErrUnprocessable,
// NonRetryable errors and decode failures skip the record. Any other error
// schedules a retry; RetryAfter overrides the backoff delay. With
// "retry.max.attempts" set, a record that keeps failing is given up on and
// reported through RecordHooks.OnExhausted.
//
// # Middleware
//
// The default chain adds correlation IDs, debug logging, OpenTelemetry spans,
// Prometheus metrics and panic recovery around every handler invocation.
// Custom middleware can be added via ManagerDependencies.Middlewares.
//
// # Shutdown
//
// Manager.Close stops polling, lets in-flight records finish, commits what
// completed and closes the broker clients. It is idempotent and gives up
// after Config.ShutdownTimeout with a ShutdownTimeoutError.
package recordflow
