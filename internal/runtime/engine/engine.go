// Package engine runs the consumption loop of one processor: it polls a
// broker client, dispatches records to a bounded pool of workers under an
// ordering mode, retries failures with backoff and commits the contiguous
// prefix of finished records.
//
// All partition state is owned by a single coordinator goroutine. The poll
// loop and the workers talk to it over channels, and readers see the state
// through snapshots published after every event.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/recordflow/internal/runtime/config"
	errspkg "github.com/drblury/recordflow/internal/runtime/errors"
	"github.com/drblury/recordflow/internal/runtime/logging"
	"github.com/drblury/recordflow/internal/runtime/retry"
	"github.com/drblury/recordflow/transport"
)

const (
	DefaultCommitRetryInterval = time.Second

	commitTimeout       = 10 * time.Second
	pollBackoffInitial  = 100 * time.Millisecond
	pollBackoffMaxDelay = 30 * time.Second
)

// Hooks are called on the coordinator goroutine and must return quickly.
type Hooks struct {
	OnRetryScheduled func(ctx context.Context, record transport.Record, attempt uint, delay time.Duration, err error)
	OnSkipped        func(ctx context.Context, record transport.Record, err error)
	OnExhausted      func(ctx context.Context, record transport.Record, attempts uint, err error)
}

// Options configures an Engine. Zero values take the processor defaults.
type Options struct {
	Name     string
	Topic    string
	Client   transport.Client
	Strategy Strategy
	// Batch lets a job carry up to MaxBatchSize items. Otherwise every job
	// carries one item.
	Batch          bool
	MaxConcurrency int
	MaxBatchSize   int
	Order          config.ProcessingOrder
	Retry          *retry.Policy
	// MaxAttempts skips a record after that many failed attempts. Zero
	// retries forever.
	MaxAttempts         uint
	BufferSize          int
	PollTimeout         time.Duration
	CommitRetryInterval time.Duration
	Logger              logging.ServiceLogger
	Reporter            Reporter
	Hooks               Hooks
}

func (o *Options) validate() error {
	var errs []error
	if strings.TrimSpace(o.Name) == "" {
		errs = append(errs, errspkg.NewConfigurationError("name", errspkg.ErrProcessorNameRequired))
	}
	if strings.TrimSpace(o.Topic) == "" {
		errs = append(errs, errspkg.NewConfigurationError("topic", errspkg.ErrTopicNameRequired))
	}
	if o.Client == nil {
		errs = append(errs, errspkg.NewConfigurationError("client", errspkg.ErrClientRequired))
	}
	if o.Strategy == nil {
		errs = append(errs, errspkg.NewConfigurationError("strategy", errspkg.ErrStrategyRequired))
	}

	defaults := config.DefaultProcessorConfig()
	if o.MaxConcurrency == 0 {
		o.MaxConcurrency = defaults.MaxConcurrency
	}
	if o.MaxBatchSize == 0 {
		o.MaxBatchSize = defaults.MaxBatchSize
	}
	if o.BufferSize == 0 {
		o.BufferSize = defaults.BufferSize
	}
	if o.PollTimeout == 0 {
		o.PollTimeout = defaults.PollTimeout
	}
	if o.CommitRetryInterval <= 0 {
		o.CommitRetryInterval = DefaultCommitRetryInterval
	}
	if o.Order == "" {
		o.Order = defaults.Order
	}
	cfg := config.ProcessorConfig{
		MaxBatchSize:   o.MaxBatchSize,
		MaxConcurrency: o.MaxConcurrency,
		Order:          o.Order,
		Retry:          defaults.Retry,
		BufferSize:     o.BufferSize,
		PollTimeout:    o.PollTimeout,
	}
	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if o.Retry == nil {
		o.Retry = retry.NewPolicy(defaults.Retry)
	}
	if o.Logger == nil {
		o.Logger = logging.NewNopServiceLogger()
	}
	if o.Reporter == nil {
		o.Reporter = NopReporter{}
	}
	return errors.Join(errs...)
}

// State is the lifecycle state of an Engine.
type State string

const (
	StateNew      State = "NEW"
	StateRunning  State = "RUNNING"
	StateDraining State = "DRAINING"
	StateClosed   State = "CLOSED"
	StateFailed   State = "FAILED"
)

// Snapshot is a point-in-time view of an Engine.
type Snapshot struct {
	Name          string              `json:"name"`
	Topic         string              `json:"topic"`
	State         State               `json:"state"`
	Healthy       bool                `json:"healthy"`
	InFlight      int                 `json:"in_flight"`
	Buffered      int                 `json:"buffered"`
	LastPollError string              `json:"last_poll_error,omitempty"`
	Partitions    []PartitionSnapshot `json:"partitions"`
}

func (s Snapshot) describe() string {
	parts := make([]string, 0, len(s.Partitions)+1)
	parts = append(parts, fmt.Sprintf("%d in flight, %d buffered", s.InFlight, s.Buffered))
	for _, p := range s.Partitions {
		parts = append(parts, fmt.Sprintf("partition %d cursor=%d committed=%d", p.ID, p.Cursor, p.Committed))
	}
	return strings.Join(parts, "; ")
}

type job struct {
	items []*workItem
	batch []Item
}

type result struct {
	job      job
	outcomes []Outcome
}

// Engine consumes one topic for one processor.
type Engine struct {
	opts     Options
	logger   logging.ServiceLogger
	reporter Reporter
	unit     int

	baseCtx    context.Context
	baseCancel context.CancelFunc
	pollCtx    context.Context
	pollCancel context.CancelFunc

	incoming chan []transport.Record
	results  chan result
	jobs     chan job
	wakeup   chan struct{}
	freed    chan struct{}
	drain    chan struct{}
	finished chan struct{}
	pollDone chan struct{}
	workers  sync.WaitGroup

	buffered atomic.Int64
	failed   atomic.Bool
	closed   atomic.Bool
	pollErr  atomic.Pointer[pollFailure]
	snap     atomic.Pointer[Snapshot]

	mu        sync.Mutex
	starting  bool
	started   bool
	draining  bool
	drainOnce sync.Once
	closeOnce sync.Once
	closeErr  error
	drainErr  error

	// Owned by the coordinator goroutine.
	partitions   map[int32]*partition
	order        []*partition
	rr           int
	busy         int
	stopping     bool
	commitErr    error
	lastInFlight int
	lastBuffered int
}

type pollFailure struct {
	err error
}

// New validates opts and creates an idle engine.
func New(opts Options) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	unit := 1
	if opts.Batch {
		unit = opts.MaxBatchSize
	}
	e := &Engine{
		opts: opts,
		logger: opts.Logger.With(logging.LogFields{
			"processor": opts.Name,
			"topic":     opts.Topic,
		}),
		reporter:     opts.Reporter,
		unit:         unit,
		incoming:     make(chan []transport.Record),
		results:      make(chan result, opts.MaxConcurrency),
		jobs:         make(chan job),
		wakeup:       make(chan struct{}, 1),
		freed:        make(chan struct{}, 1),
		drain:        make(chan struct{}),
		finished:     make(chan struct{}),
		pollDone:     make(chan struct{}),
		partitions:   make(map[int32]*partition),
		lastInFlight: -1,
		lastBuffered: -1,
	}
	e.snap.Store(&Snapshot{Name: opts.Name, Topic: opts.Topic})
	return e, nil
}

// Name returns the processor name.
func (e *Engine) Name() string { return e.opts.Name }

// Topic returns the consumed topic.
func (e *Engine) Topic() string { return e.opts.Topic }

// Start subscribes the client and starts the poll loop, the coordinator and
// the workers. The engine outlives ctx; it stops on Close.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.draining || e.closed.Load() {
		e.mu.Unlock()
		return errspkg.ErrEngineClosed
	}
	if e.started || e.starting {
		e.mu.Unlock()
		return errspkg.ErrEngineStarted
	}
	e.starting = true
	e.mu.Unlock()

	// Subscribe may be a network round-trip; readers of the state must not
	// wait for it.
	err := e.opts.Client.Subscribe(ctx, e.opts.Topic)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.starting = false
	if err != nil {
		e.failed.Store(true)
		return &errspkg.InfrastructureError{Op: "subscribe", Err: err}
	}
	if e.draining || e.closed.Load() {
		return errspkg.ErrEngineClosed
	}
	e.failed.Store(false)

	e.baseCtx, e.baseCancel = context.WithCancel(context.WithoutCancel(ctx))
	e.pollCtx, e.pollCancel = context.WithCancel(e.baseCtx)

	for i := 0; i < e.opts.MaxConcurrency; i++ {
		e.workers.Add(1)
		go e.work()
	}
	go e.coordinate()
	go e.pollLoop()
	e.started = true

	e.logger.Info("Processor started", logging.LogFields{
		"order":           string(e.opts.Order),
		"max_concurrency": e.opts.MaxConcurrency,
		"batch_size":      e.unit,
	})
	return nil
}

// BeginDrain stops polling and dispatching. In-flight jobs finish and their
// offsets are committed; buffered records are left uncommitted for
// redelivery. It does not wait.
func (e *Engine) BeginDrain() {
	e.drainOnce.Do(func() {
		e.mu.Lock()
		e.draining = true
		started := e.started
		e.mu.Unlock()
		if !started {
			return
		}
		e.pollCancel()
		close(e.drain)
	})
}

// AwaitDrain waits until a drain started by BeginDrain has finished. When ctx
// ends first the remaining work is abandoned and a *ShutdownTimeoutError
// describes it.
func (e *Engine) AwaitDrain(ctx context.Context) error {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return nil
	}

	begin := time.Now()
	if !awaitClosed(ctx, e.finished) || !awaitClosed(ctx, e.pollDone) {
		return e.abandon(ctx, begin)
	}
	e.workers.Wait()
	return e.drainErr
}

// awaitClosed waits for ch to close. A closed ch wins over an ended ctx.
func awaitClosed(ctx context.Context, ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
	}
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) abandon(ctx context.Context, begin time.Time) error {
	snap := e.Snapshot()
	e.baseCancel()
	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = deadline.Sub(begin).Round(time.Millisecond)
	}
	err := &errspkg.ShutdownTimeoutError{
		Processor: e.opts.Name,
		Timeout:   timeout,
		Unflushed: snap.describe(),
	}
	e.logger.Error("Processor did not drain in time", err, logging.LogFields{
		"in_flight": snap.InFlight,
		"buffered":  snap.Buffered,
	})
	return err
}

// Close drains the engine within ctx and closes the broker client. It is
// idempotent; later calls return the first result.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.BeginDrain()
		err := e.AwaitDrain(ctx)
		if cerr := e.opts.Client.Close(); cerr != nil {
			err = errors.Join(err, &errspkg.InfrastructureError{Op: "close", Err: cerr})
		}
		e.closed.Store(true)
		if e.baseCancel != nil {
			e.baseCancel()
		}
		e.closeErr = err
		e.logger.Info("Processor closed", nil)
	})
	return e.closeErr
}

// State returns the lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	started, draining := e.started, e.draining
	e.mu.Unlock()
	switch {
	case e.closed.Load():
		return StateClosed
	case e.failed.Load():
		return StateFailed
	case draining:
		return StateDraining
	case started:
		return StateRunning
	default:
		return StateNew
	}
}

// Healthy is false once the engine failed, is closing, or its last poll
// failed. An engine that has not started is healthy.
func (e *Engine) Healthy() bool {
	switch e.State() {
	case StateClosed, StateFailed, StateDraining:
		return false
	}
	return e.PollError() == nil
}

// PollError returns the error of the last poll, or nil when it succeeded.
func (e *Engine) PollError() error {
	if f := e.pollErr.Load(); f != nil {
		return f.err
	}
	return nil
}

// Snapshot returns the last published state.
func (e *Engine) Snapshot() Snapshot {
	s := *e.snap.Load()
	s.Partitions = slices.Clone(s.Partitions)
	s.State = e.State()
	s.Healthy = e.Healthy()
	if err := e.PollError(); err != nil {
		s.LastPollError = err.Error()
	}
	return s
}
