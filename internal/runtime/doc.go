/*
Package runtime hosts record processors: typed handlers bound to a topic,
driven by a consumption engine that polls a partitioned log, retries failures
with backoff and commits offsets only once every earlier record of a
partition has finished.

# Architecture Overview

A Manager owns a transport builder, a middleware chain and any number of
processors. Each processor couples a Topic (name plus key and value codecs),
a strategy (one record per invocation or whole batches) and an engine from
the engine sub-package. The engine does the polling, buffering, ordering,
retry scheduling and commit bookkeeping. This package only decodes records,
runs handlers through the middleware chain and exposes state.

# Package Structure

## Manager (service.go)

The Manager is the registry and lifecycle owner:
  - StartAll starts processors in registration order
  - Close drains every processor, is idempotent and bounded by
    Config.ShutdownTimeout
  - HTTP servers for metrics and health are started and stopped with it

## Processor Registration (registration.go, strategy.go, topic.go)

RegisterProcessor and RegisterBatchProcessor validate the registration,
resolve "kafka.processor.*" properties into a ProcessorConfig and create
the engine. Records that fail to decode are skipped with a CodecError.

## Middleware (middleware.go, hooks.go)

Every handler invocation runs through the chain:
  - CorrelationID: reads or generates a correlation ID
  - LogRecords: debug logging of the invocation
  - Tracer: OpenTelemetry span per invocation
  - Metrics: stats and handler durations
  - Recoverer: turns panics into retryable errors

RecordHooks add callbacks for record start, completion, failure, retry
scheduling, skips and exhaustion.

## Stats & Monitoring (models.go, resources.go, metrics.go, health.go)

  - Latency percentiles, throughput and error categorisation per processor
  - Prometheus counters, gauges and histograms
  - Health probe over every processor and the /api/processors listing

# Sub-packages

  - codec/: key and value codecs (string, bytes, int64, JSON, protobuf)
  - config/: manager configuration and processor properties
  - engine/: consumption engine, partition ledgers and commit tracking
  - errors/: sentinel errors, typed errors and classification
  - ids/: ULID generation for correlation IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: record headers
  - retry/: retry policy

# Usage Example

	conf := &config.Config{
		BrokerSystem: "kafka",
		KafkaBrokers: []string{"localhost:9092"},
	}
	m := runtime.NewManager(conf, logger, runtime.ManagerDependencies{})

	orders := runtime.MustDescribe("orders", codec.String(), codec.JSON[Order]())
	_ = runtime.RegisterProcessor(m, runtime.ProcessorRegistration[string, Order]{
		Name:    "order-processor",
		Topic:   orders,
		Handler: processOrder,
	})

	_ = m.Run(ctx)
*/
package runtime
