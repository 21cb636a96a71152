package runtime

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/recordflow/internal/runtime/engine"
)

const (
	metricsNamespace = "recordflow"
	metricsSubsystem = "processor"
)

// PrometheusReporter exports engine events as Prometheus collectors, labelled
// by processor name.
type PrometheusReporter struct {
	mu sync.Mutex

	polledTotal     *prometheus.CounterVec
	outcomesTotal   *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	retryDelay      *prometheus.HistogramVec
	committedOffset *prometheus.GaugeVec
	inFlight        *prometheus.GaugeVec
	buffered        *prometheus.GaugeVec
	pollErrorsTotal *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

var _ engine.Reporter = (*PrometheusReporter)(nil)

func newProcessorCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newProcessorGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newProcessorHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewPrometheusReporter creates the collectors. A nil registerer uses the
// Prometheus default.
func NewPrometheusReporter(registerer prometheus.Registerer) *PrometheusReporter {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &PrometheusReporter{
		registerer:      registerer,
		polledTotal:     newProcessorCounterVec("records_polled_total", "Total number of records returned by broker polls", []string{"processor", "topic"}),
		outcomesTotal:   newProcessorCounterVec("record_outcomes_total", "Total number of record outcomes by kind", []string{"processor", "topic", "partition", "outcome"}),
		retriesTotal:    newProcessorCounterVec("retries_scheduled_total", "Total number of retries scheduled", []string{"processor", "topic", "partition"}),
		retryDelay:      newProcessorHistogramVec("retry_delay_seconds", "Delay before a failed record is attempted again", []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60}, []string{"processor", "topic"}),
		committedOffset: newProcessorGaugeVec("committed_offset", "Last offset committed per partition", []string{"processor", "topic", "partition"}),
		inFlight:        newProcessorGaugeVec("in_flight_records", "Records currently handed to a handler", []string{"processor"}),
		buffered:        newProcessorGaugeVec("buffered_records", "Records held in memory, including in-flight ones", []string{"processor"}),
		pollErrorsTotal: newProcessorCounterVec("poll_errors_total", "Total number of failed broker polls", []string{"processor", "topic"}),
		handlerDuration: newProcessorHistogramVec("handler_duration_seconds", "Duration of handler invocations", prometheus.DefBuckets, []string{"processor", "topic", "outcome"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (r *PrometheusReporter) Register() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registered {
		return nil
	}

	for _, c := range r.collectors() {
		if err := r.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	r.registered = true
	return nil
}

func (r *PrometheusReporter) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.polledTotal,
		r.outcomesTotal,
		r.retriesTotal,
		r.retryDelay,
		r.committedOffset,
		r.inFlight,
		r.buffered,
		r.pollErrorsTotal,
		r.handlerDuration,
	}
}

func partitionLabel(partition int32) string {
	return strconv.FormatInt(int64(partition), 10)
}

func (r *PrometheusReporter) RecordsPolled(processor, topic string, n int) {
	r.polledTotal.WithLabelValues(processor, topic).Add(float64(n))
}

func (r *PrometheusReporter) RecordOutcome(processor, topic string, partition int32, kind engine.Kind) {
	r.outcomesTotal.WithLabelValues(processor, topic, partitionLabel(partition), kind.String()).Inc()
}

func (r *PrometheusReporter) RetryScheduled(processor, topic string, partition int32, _ uint, delay time.Duration) {
	r.retriesTotal.WithLabelValues(processor, topic, partitionLabel(partition)).Inc()
	r.retryDelay.WithLabelValues(processor, topic).Observe(delay.Seconds())
}

func (r *PrometheusReporter) OffsetCommitted(processor, topic string, partition int32, offset int64) {
	r.committedOffset.WithLabelValues(processor, topic, partitionLabel(partition)).Set(float64(offset))
}

func (r *PrometheusReporter) InFlight(processor string, n int) {
	r.inFlight.WithLabelValues(processor).Set(float64(n))
}

func (r *PrometheusReporter) Buffered(processor string, n int) {
	r.buffered.WithLabelValues(processor).Set(float64(n))
}

func (r *PrometheusReporter) PollFailed(processor, topic string, _ error) {
	r.pollErrorsTotal.WithLabelValues(processor, topic).Inc()
}

func (r *PrometheusReporter) HandlerDuration(processor, topic string, d time.Duration, kind engine.Kind) {
	r.handlerDuration.WithLabelValues(processor, topic, kind.String()).Observe(d.Seconds())
}

// Reset clears every series (useful for testing).
func (r *PrometheusReporter) Reset() {
	r.polledTotal.Reset()
	r.outcomesTotal.Reset()
	r.retriesTotal.Reset()
	r.retryDelay.Reset()
	r.committedOffset.Reset()
	r.inFlight.Reset()
	r.buffered.Reset()
	r.pollErrorsTotal.Reset()
	r.handlerDuration.Reset()
}

// setupMetrics registers the Prometheus reporter and mounts /metrics when
// metrics are enabled.
func (m *Manager) setupMetrics(registerer prometheus.Registerer) (engine.Reporter, error) {
	if !m.Conf.MetricsEnabled {
		return nil, nil
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	reporter := NewPrometheusReporter(registerer)
	if err := reporter.Register(); err != nil {
		return nil, err
	}

	if m.Conf.MetricsPort > 0 {
		gatherer, ok := registerer.(prometheus.Gatherer)
		if !ok {
			gatherer = prometheus.DefaultGatherer
		}
		m.RegisterHTTPHandler(m.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return reporter, nil
}
