package runtime

import (
	"context"
	"errors"
	"strings"

	"github.com/drblury/recordflow/internal/runtime/config"
	"github.com/drblury/recordflow/internal/runtime/engine"
	errspkg "github.com/drblury/recordflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/recordflow/internal/runtime/logging"
	"github.com/drblury/recordflow/internal/runtime/retry"
	"github.com/drblury/recordflow/transport"
)

// ProcessorRegistration wires a handler that receives one record at a time.
type ProcessorRegistration[K, V any] struct {
	Name    string
	Topic   Topic[K, V]
	Handler Handler[K, V]
	// Config replaces the kafka.processor.<name>.* properties when set.
	Config *config.ProcessorConfig
}

// BatchProcessorRegistration wires a handler that receives up to
// MaxBatchSize records at a time.
type BatchProcessorRegistration[K, V any] struct {
	Name    string
	Topic   Topic[K, V]
	Handler BatchHandler[K, V]
	// Config replaces the kafka.processor.<name>.* properties when set.
	Config *config.ProcessorConfig
}

// RegisterProcessor adds a single-record processor to the manager.
func RegisterProcessor[K, V any](m *Manager, reg ProcessorRegistration[K, V]) error {
	if m == nil {
		return errspkg.ErrManagerRequired
	}
	var handlerErr error
	if reg.Handler == nil {
		handlerErr = errspkg.NewConfigurationError("handler", errspkg.ErrHandlerRequired)
	}
	return m.register(processorRegistration{
		name:    reg.Name,
		topic:   reg.Topic.Name,
		invalid: errors.Join(handlerErr, reg.Topic.Validate()),
		config:  reg.Config,
		strategy: func(p *processor) engine.Strategy {
			return newSingleStrategy(m, p, reg.Topic, reg.Handler)
		},
	})
}

// RegisterBatchProcessor adds a batch processor to the manager.
func RegisterBatchProcessor[K, V any](m *Manager, reg BatchProcessorRegistration[K, V]) error {
	if m == nil {
		return errspkg.ErrManagerRequired
	}
	var handlerErr error
	if reg.Handler == nil {
		handlerErr = errspkg.NewConfigurationError("handler", errspkg.ErrHandlerRequired)
	}
	return m.register(processorRegistration{
		name:    reg.Name,
		topic:   reg.Topic.Name,
		batch:   true,
		invalid: errors.Join(handlerErr, reg.Topic.Validate()),
		config:  reg.Config,
		strategy: func(p *processor) engine.Strategy {
			return newBatchStrategy(m, p, reg.Topic, reg.Handler)
		},
	})
}

type processorRegistration struct {
	name     string
	topic    string
	batch    bool
	invalid  error
	config   *config.ProcessorConfig
	strategy func(*processor) engine.Strategy
}

func (m *Manager) register(reg processorRegistration) error {
	if err := m.checkRegistrable(reg.name); err != nil {
		return err
	}

	errs := []error{reg.invalid}
	if strings.TrimSpace(reg.name) == "" {
		errs = append(errs, errspkg.NewConfigurationError("name", errspkg.ErrProcessorNameRequired))
	}
	cfg, unknown, err := m.resolveProcessorConfig(reg)
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return err
	}

	logger := m.Logger.With(loggingpkg.LogFields{"processor": reg.name, "topic": reg.topic})

	client, err := m.builder(context.Background(), m.Conf.ForProcessor(reg.name, cfg.Consumer), m.wmLogger)
	if err != nil {
		return &errspkg.InfrastructureError{Op: "connect", Err: err}
	}

	p := &processor{
		name:   reg.name,
		topic:  reg.topic,
		batch:  reg.batch,
		cfg:    cfg,
		client: client,
		stats:  newProcessorStats(m.resources),
	}
	p.reporter = engine.NewMultiReporter(p.stats, m.reporter)

	eng, err := engine.New(engine.Options{
		Name:           reg.name,
		Topic:          reg.topic,
		Client:         client,
		Strategy:       reg.strategy(p),
		Batch:          reg.batch,
		MaxConcurrency: cfg.MaxConcurrency,
		MaxBatchSize:   cfg.MaxBatchSize,
		Order:          cfg.Order,
		Retry:          retry.NewPolicy(cfg.Retry),
		MaxAttempts:    cfg.Retry.MaxAttempts,
		BufferSize:     cfg.BufferSize,
		PollTimeout:    cfg.PollTimeout,
		Logger:         m.Logger,
		Reporter:       p.reporter,
		Hooks:          m.hooks.engineHooks(reg.name, reg.topic),
	})
	if err != nil {
		_ = client.Close()
		return err
	}
	p.engine = eng

	m.mu.Lock()
	if err := m.checkRegistrableLocked(reg.name); err != nil {
		m.mu.Unlock()
		_ = client.Close()
		return err
	}
	m.processors = append(m.processors, p)
	m.index[reg.name] = p
	m.mu.Unlock()

	m.warnProcessorConfig(logger, p, unknown)
	logger.Info("Processor registered", loggingpkg.LogFields{
		"mode":            p.mode(),
		"order":           string(cfg.Order),
		"max_concurrency": cfg.MaxConcurrency,
		"max_batch_size":  cfg.MaxBatchSize,
	})
	return nil
}

func (m *Manager) checkRegistrable(name string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkRegistrableLocked(name)
}

func (m *Manager) checkRegistrableLocked(name string) error {
	switch {
	case m.closed:
		return errspkg.NewConfigurationError("name", errspkg.ErrManagerClosed)
	case m.started:
		return errspkg.NewConfigurationError("name", errspkg.ErrManagerStarted)
	}
	if _, ok := m.index[name]; ok {
		return errspkg.NewConfigurationError("name", errspkg.ErrProcessorExists)
	}
	return nil
}

func (m *Manager) resolveProcessorConfig(reg processorRegistration) (config.ProcessorConfig, []string, error) {
	if reg.config != nil {
		cfg := *reg.config
		return cfg, nil, cfg.Validate()
	}
	return m.Conf.ProcessorConfig(reg.name)
}

// warnProcessorConfig logs settings that weaken ordering or that the broker
// cannot honour.
func (m *Manager) warnProcessorConfig(logger loggingpkg.ServiceLogger, p *processor, unknown []string) {
	for _, key := range unknown {
		logger.Warn("Ignoring unknown processor property", loggingpkg.LogFields{"property": key})
	}

	if p.cfg.Order != config.OrderPartition {
		logger.Warn("Processing order bypasses head-of-line blocking; records of a partition may complete out of order", loggingpkg.LogFields{
			"order": string(p.cfg.Order),
		})
	}
	if p.batch && p.cfg.Order == config.OrderPartition {
		logger.Warn("Batch size limited by partition count: PARTITION order takes one record per partition", loggingpkg.LogFields{
			"max_batch_size": p.cfg.MaxBatchSize,
		})
	}

	caps := transport.GetCapabilities(m.Conf.BrokerSystem)
	if provider, ok := p.client.(transport.CapabilitiesProvider); ok {
		caps = provider.Capabilities()
	}
	if !caps.SupportsOrdering && p.cfg.Order != config.OrderUnordered {
		logger.Warn("Transport does not guarantee record order", loggingpkg.LogFields{
			"transport": caps.Name,
			"order":     string(p.cfg.Order),
		})
	}
	if !caps.SupportsOffsetCommit {
		logger.Warn("Transport does not persist committed offsets; records may be replayed after a restart", loggingpkg.LogFields{
			"transport": caps.Name,
		})
	}
}
