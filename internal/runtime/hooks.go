package runtime

import (
	"context"
	"time"

	"github.com/drblury/recordflow/internal/runtime/engine"
	loggingpkg "github.com/drblury/recordflow/internal/runtime/logging"
	"github.com/drblury/recordflow/internal/runtime/metadata"
	"github.com/drblury/recordflow/transport"
)

// RecordContext provides information about a record, or a batch, to hooks.
type RecordContext struct {
	// Processor is the name of the processor handling the record.
	Processor string
	// Topic is the topic the record was consumed from.
	Topic string
	// Partition and Offset identify the record. For a batch they are those of
	// the first record.
	Partition int32
	Offset    int64
	// Attempt is 1 on first delivery.
	Attempt uint
	// Size is the number of records in the invocation.
	Size int
	// Headers are the record headers.
	Headers metadata.Headers
	// Context is the invocation context.
	Context context.Context
	// StartedAt is when the invocation started (only set in record hooks).
	StartedAt time.Time
	// Duration is how long the handler took (only set in OnRecordDone and OnRecordError).
	Duration time.Duration
}

// RecordHooks defines callbacks for record lifecycle events.
// All hooks are optional - nil hooks are simply not called.
//
// OnRecordStart, OnRecordDone and OnRecordError run on the worker around the
// handler. The remaining hooks run on the engine coordinator and must return
// quickly.
type RecordHooks struct {
	// OnRecordStart is called before the handler is invoked.
	OnRecordStart func(ctx RecordContext)

	// OnRecordDone is called when the handler returns nil.
	OnRecordDone func(ctx RecordContext)

	// OnRecordError is called when the handler returns an error.
	OnRecordError func(ctx RecordContext, err error)

	// OnRetryScheduled is called when a failed record is scheduled again
	// after delay.
	OnRetryScheduled func(ctx RecordContext, delay time.Duration, err error)

	// OnSkipped is called when a record is given up because it cannot be
	// processed.
	OnSkipped func(ctx RecordContext, err error)

	// OnExhausted is called when a record is given up after the maximum
	// number of attempts.
	OnExhausted func(ctx RecordContext, err error)
}

// Merge combines two RecordHooks, creating a new RecordHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h RecordHooks) Merge(other RecordHooks) RecordHooks {
	return RecordHooks{
		OnRecordStart:    chainHooks(h.OnRecordStart, other.OnRecordStart),
		OnRecordDone:     chainHooks(h.OnRecordDone, other.OnRecordDone),
		OnRecordError:    chainHooks2(h.OnRecordError, other.OnRecordError),
		OnRetryScheduled: chainHooks3(h.OnRetryScheduled, other.OnRetryScheduled),
		OnSkipped:        chainHooks2(h.OnSkipped, other.OnSkipped),
		OnExhausted:      chainHooks2(h.OnExhausted, other.OnExhausted),
	}
}

func (h RecordHooks) invocationHooks() bool {
	return h.OnRecordStart != nil || h.OnRecordDone != nil || h.OnRecordError != nil
}

func chainHooks[A any](a, b func(A)) func(A) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(x A) {
		a(x)
		b(x)
	}
}

func chainHooks2[A, B any](a, b func(A, B)) func(A, B) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(x A, y B) {
		a(x, y)
		b(x, y)
	}
}

func chainHooks3[A, B, C any](a, b func(A, B, C)) func(A, B, C) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(x A, y B, z C) {
		a(x, y, z)
		b(x, y, z)
	}
}

// RecordHooksMiddleware creates a middleware that invokes the provided hooks
// around every handler call.
func RecordHooksMiddleware(hooks RecordHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "record_hooks",
		Middleware: func(next InvokeFunc) InvokeFunc {
			return recordHooksMiddleware(hooks, next)
		},
	}
}

func recordHooksMiddleware(hooks RecordHooks, next InvokeFunc) InvokeFunc {
	return func(ctx context.Context, inv *Invocation) error {
		rc := invocationContext(ctx, inv)
		rc.StartedAt = time.Now()

		if hooks.OnRecordStart != nil {
			hooks.OnRecordStart(rc)
		}

		err := next(ctx, inv)
		rc.Duration = time.Since(rc.StartedAt)

		if err != nil {
			if hooks.OnRecordError != nil {
				hooks.OnRecordError(rc, err)
			}
		} else if hooks.OnRecordDone != nil {
			hooks.OnRecordDone(rc)
		}
		return err
	}
}

func invocationContext(ctx context.Context, inv *Invocation) RecordContext {
	rc := RecordContext{
		Processor: inv.Processor,
		Topic:     inv.Topic,
		Attempt:   inv.Attempt(),
		Size:      inv.Size(),
		Headers:   inv.Headers(),
		Context:   ctx,
	}
	if len(inv.Items) > 0 {
		rc.Partition = inv.Items[0].Record.Partition
		rc.Offset = inv.Items[0].Record.Offset
	}
	return rc
}

// engineHooks adapts the coordinator-side hooks for one processor.
func (h RecordHooks) engineHooks(processor, topic string) engine.Hooks {
	recordContext := func(ctx context.Context, r transport.Record, attempt uint) RecordContext {
		return RecordContext{
			Processor: processor,
			Topic:     topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Attempt:   attempt,
			Size:      1,
			Headers:   r.Headers,
			Context:   ctx,
		}
	}

	var hooks engine.Hooks
	if h.OnRetryScheduled != nil {
		hooks.OnRetryScheduled = func(ctx context.Context, r transport.Record, attempt uint, delay time.Duration, err error) {
			h.OnRetryScheduled(recordContext(ctx, r, attempt), delay, err)
		}
	}
	if h.OnSkipped != nil {
		hooks.OnSkipped = func(ctx context.Context, r transport.Record, err error) {
			h.OnSkipped(recordContext(ctx, r, 0), err)
		}
	}
	if h.OnExhausted != nil {
		hooks.OnExhausted = func(ctx context.Context, r transport.Record, attempts uint, err error) {
			h.OnExhausted(recordContext(ctx, r, attempts), err)
		}
	}
	return hooks
}

// LoggingHooks returns pre-built hooks that log record lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) RecordHooks {
	fields := func(ctx RecordContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"processor": ctx.Processor,
			"topic":     ctx.Topic,
			"partition": ctx.Partition,
			"offset":    ctx.Offset,
			"attempt":   ctx.Attempt,
		}
	}
	return RecordHooks{
		OnRecordStart: func(ctx RecordContext) {
			logger.Debug("Record started", fields(ctx))
		},
		OnRecordDone: func(ctx RecordContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Info("Record completed", f)
		},
		OnRecordError: func(ctx RecordContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Record failed", err, f)
		},
		OnExhausted: func(ctx RecordContext, err error) {
			logger.Error("Record exhausted its attempts", err, fields(ctx))
		},
	}
}

// MetricsHooks returns pre-built hooks that record invocation counts.
func MetricsHooks(onStart, onDone, onError func(processor, topic string)) RecordHooks {
	return RecordHooks{
		OnRecordStart: func(ctx RecordContext) {
			if onStart != nil {
				onStart(ctx.Processor, ctx.Topic)
			}
		},
		OnRecordDone: func(ctx RecordContext) {
			if onDone != nil {
				onDone(ctx.Processor, ctx.Topic)
			}
		},
		OnRecordError: func(ctx RecordContext, err error) {
			if onError != nil {
				onError(ctx.Processor, ctx.Topic)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that alert when a record is given up.
func AlertingHooks(alertFunc func(ctx RecordContext, err error)) RecordHooks {
	return RecordHooks{
		OnSkipped:   alertFunc,
		OnExhausted: alertFunc,
	}
}
