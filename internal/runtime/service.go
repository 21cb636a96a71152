package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/recordflow/internal/runtime/config"
	"github.com/drblury/recordflow/internal/runtime/engine"
	errspkg "github.com/drblury/recordflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/recordflow/internal/runtime/logging"
	"github.com/drblury/recordflow/transport"
)

const httpReadHeaderTimeout = 10 * time.Second

// ManagerDependencies holds the optional collaborators that the Manager can use.
// Leave fields nil to use the defaults.
type ManagerDependencies struct {
	// Transport overrides the broker client selected by Config.BrokerSystem.
	Transport transport.Builder
	// Registerer receives the Prometheus collectors when metrics are enabled.
	Registerer prometheus.Registerer
	// Reporter receives engine events in addition to the built-in reporters.
	Reporter                  engine.Reporter
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	Hooks                     RecordHooks
	ErrorClassifier           ErrorClassifier
}

// Manager is the registry of processors of one process and controls their
// lifecycle: register, StartAll, then Close.
type Manager struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	wmLogger  watermill.LoggerAdapter
	builder   transport.Builder
	reporter  engine.Reporter
	hooks     RecordHooks
	resources *resourceSampler

	errorClassifier ErrorClassifier

	mu          sync.RWMutex
	middlewares []Middleware
	processors  []*processor
	index       map[string]*processor
	started     bool
	closed      bool

	closeOnce sync.Once
	closeErr  error

	httpServers   map[int]*http.ServeMux
	servers       []*http.Server
	httpServersMu sync.Mutex
}

// NewManager is TryNewManager that panics on error.
func NewManager(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ManagerDependencies) *Manager {
	m, err := TryNewManager(conf, log, deps)
	if err != nil {
		panic(err)
	}
	return m
}

// TryNewManager constructs a Manager for the supplied configuration. Register
// processors on the returned Manager before calling StartAll.
func TryNewManager(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ManagerDependencies) (*Manager, error) {
	if conf == nil {
		return nil, errspkg.NewConfigurationError("config", errspkg.ErrConfigRequired)
	}
	if log == nil {
		return nil, errspkg.NewConfigurationError("logger", errspkg.ErrLoggerRequired)
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigurationError("config", err)
	}

	builder := deps.Transport
	if builder == nil {
		if !transport.DefaultRegistry.Has(conf.BrokerSystem) {
			return nil, errspkg.NewConfigurationError("broker_system",
				fmt.Errorf("unknown transport %q (registered: %v)", conf.BrokerSystem, transport.DefaultRegistry.Names()))
		}
		builder = transport.DefaultRegistry.Build
	}

	log.Info("Creating processor manager", loggingpkg.LogFields{
		"broker_system": conf.BrokerSystem,
		"config":        conf.String(),
	})

	m := &Manager{
		Conf:            conf,
		Logger:          log,
		wmLogger:        loggingpkg.NewWatermillAdapter(log),
		builder:         builder,
		hooks:           deps.Hooks,
		resources:       newResourceSampler(),
		errorClassifier: deps.ErrorClassifier,
		index:           make(map[string]*processor),
	}

	metricsReporter, err := m.setupMetrics(deps.Registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	m.reporter = engine.NewMultiReporter(deps.Reporter, metricsReporter)

	if err := m.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}
	m.setupHealth()
	return m, nil
}

func (m *Manager) registerConfiguredMiddlewares(deps ManagerDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares)+1)
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)
	if deps.Hooks.invocationHooks() {
		registrations = append(registrations, RecordHooksMiddleware(deps.Hooks))
	}

	for _, reg := range registrations {
		if err := m.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (m *Manager) getErrorClassifier() ErrorClassifier {
	if m.errorClassifier == nil {
		return defaultErrorClassifier
	}
	return m.errorClassifier
}

// StartAll starts every registered processor in registration order and the
// HTTP servers. It may be called once. Start failures are joined; the other
// processors keep running.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errspkg.ErrManagerClosed
	}
	if m.started {
		m.mu.Unlock()
		return errspkg.ErrManagerStarted
	}
	m.started = true
	procs := slices.Clone(m.processors)
	m.mu.Unlock()

	var errs []error
	for _, p := range procs {
		if err := p.engine.Start(ctx); err != nil {
			m.Logger.Error("Failed to start processor", err, loggingpkg.LogFields{"processor": p.name})
			errs = append(errs, fmt.Errorf("processor %q: %w", p.name, err))
		}
	}
	m.startHTTPServers()

	m.Logger.Info("Processors started", loggingpkg.LogFields{"processors": len(procs)})
	return errors.Join(errs...)
}

// Run starts every processor and closes them when ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.StartAll(ctx); err != nil {
		return errors.Join(err, m.Close())
	}
	<-ctx.Done()
	return m.Close()
}

// Close shuts down every processor within Config.ShutdownTimeout.
func (m *Manager) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.Conf.EffectiveShutdownTimeout())
	defer cancel()
	return m.Shutdown(ctx)
}

// Shutdown stops polling on every processor at once, then drains and closes
// them in registration order within the deadline of ctx. It is idempotent;
// later calls return the first result. Processors that do not drain in time
// contribute a *ShutdownTimeoutError.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		procs := slices.Clone(m.processors)
		m.mu.Unlock()

		m.Logger.Info("Shutting down processors", loggingpkg.LogFields{"processors": len(procs)})

		for _, p := range procs {
			p.engine.BeginDrain()
		}

		var errs []error
		for _, p := range procs {
			if err := p.engine.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := m.stopHTTPServers(ctx); err != nil {
			errs = append(errs, err)
		}

		m.closeErr = errors.Join(errs...)
		if m.closeErr != nil {
			m.Logger.Error("Processors shut down with errors", m.closeErr, nil)
		} else {
			m.Logger.Info("Processors shut down", nil)
		}
	})
	return m.closeErr
}

// Processors describes every registered processor in registration order.
func (m *Manager) Processors() []ProcessorInfo {
	procs := m.snapshotProcessors()
	infos := make([]ProcessorInfo, 0, len(procs))
	for _, p := range procs {
		infos = append(infos, p.info())
	}
	return infos
}

// Processor describes the processor registered under name.
func (m *Manager) Processor(name string) (ProcessorInfo, bool) {
	m.mu.RLock()
	p, ok := m.index[name]
	m.mu.RUnlock()
	if !ok {
		return ProcessorInfo{}, false
	}
	return p.info(), true
}

func (m *Manager) snapshotProcessors() []*processor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.processors)
}

// RegisterHTTPHandler mounts handler on the HTTP server of port. Servers
// start with StartAll.
func (m *Manager) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	m.httpServersMu.Lock()
	defer m.httpServersMu.Unlock()

	if m.httpServers == nil {
		m.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := m.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		m.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (m *Manager) startHTTPServers() {
	m.httpServersMu.Lock()
	defer m.httpServersMu.Unlock()

	for port, mux := range m.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: httpReadHeaderTimeout,
		}
		m.servers = append(m.servers, srv)
		m.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				m.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (m *Manager) stopHTTPServers(ctx context.Context) error {
	m.httpServersMu.Lock()
	servers := m.servers
	m.servers = nil
	m.httpServersMu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http server %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(errs...)
}
