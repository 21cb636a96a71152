package runtime

import (
	"context"
	"errors"

	"github.com/drblury/recordflow/internal/runtime/engine"
	errspkg "github.com/drblury/recordflow/internal/runtime/errors"
)

// Handler processes one record. Returning nil commits it; see
// errors.Classify for how other results are treated.
type Handler[K, V any] func(ctx context.Context, record Record[K, V]) error

// BatchHandler processes a batch of records. Its result applies to every
// record of the batch.
type BatchHandler[K, V any] func(ctx context.Context, records []Record[K, V]) error

// singleStrategy invokes the handler once per record.
type singleStrategy[K, V any] struct {
	proc    *processor
	topic   Topic[K, V]
	handler Handler[K, V]
	invoke  InvokeFunc
}

func newSingleStrategy[K, V any](m *Manager, p *processor, topic Topic[K, V], handler Handler[K, V]) *singleStrategy[K, V] {
	return &singleStrategy[K, V]{
		proc:    p,
		topic:   topic,
		handler: handler,
		invoke:  m.chain(invokeCall),
	}
}

func (s *singleStrategy[K, V]) Process(ctx context.Context, items []engine.Item) []engine.Outcome {
	outcomes := make([]engine.Outcome, len(items))
	for i := range items {
		rec, err := s.topic.decode(items[i])
		if err != nil {
			outcomes[i] = engine.Outcome{Kind: engine.OutcomeSkip, Err: err}
			continue
		}
		inv := &Invocation{
			Processor: s.proc.name,
			Topic:     s.proc.topic,
			Items:     items[i : i+1],
			proc:      s.proc,
			call: func(ctx context.Context) error {
				return s.handler(ctx, rec)
			},
		}
		outcomes[i] = engine.OutcomeFor(handlerFailure(s.proc.name, s.invoke(ctx, inv)))
	}
	return outcomes
}

// batchStrategy decodes every record and hands the decodable ones to the
// handler in a single call. Records that fail to decode are skipped on their
// own.
type batchStrategy[K, V any] struct {
	proc    *processor
	topic   Topic[K, V]
	handler BatchHandler[K, V]
	invoke  InvokeFunc
}

func newBatchStrategy[K, V any](m *Manager, p *processor, topic Topic[K, V], handler BatchHandler[K, V]) *batchStrategy[K, V] {
	return &batchStrategy[K, V]{
		proc:    p,
		topic:   topic,
		handler: handler,
		invoke:  m.chain(invokeCall),
	}
}

func (s *batchStrategy[K, V]) Process(ctx context.Context, items []engine.Item) []engine.Outcome {
	outcomes := make([]engine.Outcome, len(items))
	records := make([]Record[K, V], 0, len(items))
	decoded := make([]engine.Item, 0, len(items))
	positions := make([]int, 0, len(items))
	for i := range items {
		rec, err := s.topic.decode(items[i])
		if err != nil {
			outcomes[i] = engine.Outcome{Kind: engine.OutcomeSkip, Err: err}
			continue
		}
		records = append(records, rec)
		decoded = append(decoded, items[i])
		positions = append(positions, i)
	}
	if len(records) == 0 {
		return outcomes
	}

	inv := &Invocation{
		Processor: s.proc.name,
		Topic:     s.proc.topic,
		Batch:     true,
		Items:     decoded,
		proc:      s.proc,
		call: func(ctx context.Context) error {
			return s.handler(ctx, records)
		},
	}
	outcome := engine.OutcomeFor(handlerFailure(s.proc.name, s.invoke(ctx, inv)))
	for _, i := range positions {
		outcomes[i] = outcome
	}
	return outcomes
}

// handlerFailure attributes a handler error to its processor. Classification
// sees through the wrapper.
func handlerFailure(processor string, err error) error {
	if err == nil {
		return nil
	}
	var failure *errspkg.HandlerFailure
	if errors.As(err, &failure) {
		return err
	}
	return &errspkg.HandlerFailure{Processor: processor, Err: err}
}
