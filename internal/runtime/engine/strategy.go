package engine

import (
	"context"
	"time"

	errspkg "github.com/drblury/recordflow/internal/runtime/errors"
	"github.com/drblury/recordflow/transport"
)

// Kind is the result of one attempt at a record.
type Kind int

const (
	// OutcomeSuccess marks the record terminal and committable.
	OutcomeSuccess Kind = iota
	// OutcomeSkip marks the record terminal without success.
	OutcomeSkip
	// OutcomeRetry schedules another attempt.
	OutcomeRetry
	// OutcomeExhausted is reported when a record ran out of attempts. It is
	// terminal like OutcomeSkip. Strategies never return it.
	OutcomeExhausted
)

func (k Kind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeSkip:
		return "skip"
	case OutcomeRetry:
		return "retry"
	case OutcomeExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Terminal reports whether the record needs no further attempt.
func (k Kind) Terminal() bool {
	return k != OutcomeRetry
}

// Item is one record handed to a strategy.
type Item struct {
	Record transport.Record
	// Attempt is 1 on the first invocation.
	Attempt uint
}

// Outcome is the strategy's verdict for one item. A retry whose Err wraps a
// *errors.RetryAfterError waits for that delay instead of the policy delay.
type Outcome struct {
	Kind Kind
	Err  error
}

// OutcomeFor classifies a handler error.
func OutcomeFor(err error) Outcome {
	d, _ := errspkg.Classify(err)
	switch d {
	case errspkg.DispositionCommit:
		return Outcome{Kind: OutcomeSuccess}
	case errspkg.DispositionSkip:
		return Outcome{Kind: OutcomeSkip, Err: err}
	default:
		return Outcome{Kind: OutcomeRetry, Err: err}
	}
}

// retryDelay returns the delay requested by the outcome error, if any.
func retryDelay(o Outcome) (time.Duration, bool) {
	d, delay := errspkg.Classify(o.Err)
	if d != errspkg.DispositionRetryAfter {
		return 0, false
	}
	return max(delay, 0), true
}

// Strategy turns a job of items into one outcome per item, in order.
type Strategy interface {
	Process(ctx context.Context, items []Item) []Outcome
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, items []Item) []Outcome

func (f StrategyFunc) Process(ctx context.Context, items []Item) []Outcome {
	return f(ctx, items)
}
