package runtime

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/recordflow/internal/runtime/engine"
	idspkg "github.com/drblury/recordflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/recordflow/internal/runtime/logging"
	"github.com/drblury/recordflow/internal/runtime/metadata"
)

// CorrelationIDHeader is the record header read by the correlation_id
// middleware.
const CorrelationIDHeader = "correlation_id"

const tracerName = "github.com/drblury/recordflow"

// Invocation describes one handler call: a single record, or the decoded
// records of a batch.
type Invocation struct {
	Processor string
	Topic     string
	Batch     bool
	Items     []engine.Item

	proc *processor
	call func(ctx context.Context) error
}

// Size returns the number of records handed to the handler.
func (i *Invocation) Size() int { return len(i.Items) }

// Headers returns the headers of the first record.
func (i *Invocation) Headers() metadata.Headers {
	if len(i.Items) == 0 {
		return nil
	}
	return i.Items[0].Record.Headers
}

// Attempt returns the highest attempt among the records.
func (i *Invocation) Attempt() uint {
	var attempt uint
	for _, it := range i.Items {
		attempt = max(attempt, it.Attempt)
	}
	return attempt
}

// InvokeFunc runs a handler for an invocation.
type InvokeFunc func(ctx context.Context, inv *Invocation) error

// Middleware decorates an InvokeFunc.
type Middleware func(InvokeFunc) InvokeFunc

// MiddlewareBuilder constructs a middleware using the provided manager.
type MiddlewareBuilder func(*Manager) (Middleware, error)

// MiddlewareRegistration captures how a middleware is added to the chain of a
// Manager. A builder returning a nil middleware is skipped.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard chain, outermost first.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogRecordsMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware stores the correlation_id header, or a fresh ULID,
// in the invocation context.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: func(next InvokeFunc) InvokeFunc {
			return func(ctx context.Context, inv *Invocation) error {
				if idspkg.CorrelationID(ctx) != "" {
					return next(ctx, inv)
				}
				id := inv.Headers().Value(CorrelationIDHeader)
				if id == "" {
					id = idspkg.CreateULID()
				}
				return next(idspkg.WithCorrelationID(ctx, id), inv)
			}
		},
	}
}

// LogRecordsMiddleware logs every invocation at debug level. A nil logger
// uses the manager's.
func LogRecordsMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_records",
		Builder: func(m *Manager) (Middleware, error) {
			l := logger
			if l == nil {
				l = m.Logger
			}
			if l == nil {
				return nil, errors.New("log records middleware requires a logger")
			}
			return logRecordsMiddleware(l), nil
		},
	}
}

func logRecordsMiddleware(logger loggingpkg.ServiceLogger) Middleware {
	return func(next InvokeFunc) InvokeFunc {
		return func(ctx context.Context, inv *Invocation) error {
			fields := loggingpkg.LogFields{
				"processor":      inv.Processor,
				"topic":          inv.Topic,
				"records":        inv.Size(),
				"attempt":        inv.Attempt(),
				"correlation_id": idspkg.CorrelationID(ctx),
			}
			if len(inv.Items) == 1 {
				r := inv.Items[0].Record
				fields["partition"] = r.Partition
				fields["offset"] = r.Offset
				fields["payload"] = string(r.Value)
				fields["headers"] = r.Headers.String()
			}
			logger.Debug("Processing record", fields)
			return next(ctx, inv)
		}
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry consumer
// span whose parent is extracted from the record headers.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

func tracerMiddleware(next InvokeFunc) InvokeFunc {
	return func(ctx context.Context, inv *Invocation) error {
		ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier{headers: inv.Headers()})
		attrs := []attribute.KeyValue{
			attribute.String("messaging.destination.name", inv.Topic),
			attribute.String("messaging.consumer.group.name", inv.Processor),
			attribute.Int("messaging.batch.message_count", inv.Size()),
			attribute.Int64("recordflow.attempt", int64(inv.Attempt())),
		}
		if len(inv.Items) == 1 {
			r := inv.Items[0].Record
			attrs = append(attrs,
				attribute.Int64("messaging.kafka.destination.partition", int64(r.Partition)),
				attribute.Int64("messaging.kafka.message.offset", r.Offset),
			)
		}
		ctx, span := otel.Tracer(tracerName).Start(ctx, "process "+inv.Topic,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		err := next(ctx, inv)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}

// headerCarrier adapts record headers to a propagation.TextMapCarrier.
type headerCarrier struct {
	headers metadata.Headers
}

func (c headerCarrier) Get(key string) string { return c.headers.Value(key) }

// Set is a no-op: consumed records are never re-sent.
func (c headerCarrier) Set(string, string) {}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for _, h := range c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}

// MetricsMiddleware records invocation latency and errors in the processor
// stats and forwards the handler duration to the reporters.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(m *Manager) (Middleware, error) {
			return m.metricsMiddleware(), nil
		},
	}
}

func (m *Manager) metricsMiddleware() Middleware {
	classifier := m.getErrorClassifier()
	return func(next InvokeFunc) InvokeFunc {
		return func(ctx context.Context, inv *Invocation) error {
			if inv.proc == nil {
				return next(ctx, inv)
			}
			started := inv.proc.stats.onInvocationStart(inv)
			start := time.Now()
			err := next(ctx, inv)
			duration := time.Since(start)

			inv.proc.stats.onInvocationFinish(started, duration, err, classifier)
			inv.proc.reporter.HandlerDuration(inv.Processor, inv.Topic, duration, engine.OutcomeFor(err).Kind)
			return err
		}
	}
}

// RecovererMiddleware turns a handler panic into an error carrying the stack,
// so the record is retried.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: recovererMiddleware,
	}
}

func recovererMiddleware(next InvokeFunc) InvokeFunc {
	return func(ctx context.Context, inv *Invocation) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = middleware.RecoveredPanicError{V: r, Stacktrace: string(debug.Stack())}
			}
		}()
		return next(ctx, inv)
	}
}

// RegisterMiddleware appends a middleware to the invocation chain. It must be
// called before processors are registered.
func (m *Manager) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw Middleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(m)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	m.mu.Lock()
	m.middlewares = append(m.middlewares, mw)
	m.mu.Unlock()
	return nil
}

// chain wraps final with every registered middleware; the first registered
// runs outermost.
func (m *Manager) chain(final InvokeFunc) InvokeFunc {
	m.mu.RLock()
	mws := m.middlewares
	m.mu.RUnlock()

	h := final
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func invokeCall(ctx context.Context, inv *Invocation) error {
	return inv.call(ctx)
}
