package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/recordflow/internal/runtime/engine"
)

func TestPrometheusReporterCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewPrometheusReporter(reg)
	require.NoError(t, r.Register())
	require.NoError(t, r.Register())

	r.RecordsPolled("p1", "orders", 3)
	r.RecordOutcome("p1", "orders", 0, engine.OutcomeSuccess)
	r.RecordOutcome("p1", "orders", 0, engine.OutcomeSuccess)
	r.RecordOutcome("p1", "orders", 1, engine.OutcomeRetry)
	r.RetryScheduled("p1", "orders", 1, 1, 250*time.Millisecond)
	r.OffsetCommitted("p1", "orders", 0, 41)
	r.InFlight("p1", 2)
	r.Buffered("p1", 5)
	r.PollFailed("p1", "orders", nil)
	r.HandlerDuration("p1", "orders", 10*time.Millisecond, engine.OutcomeSuccess)

	assert.Equal(t, 3.0, testutil.ToFloat64(r.polledTotal.WithLabelValues("p1", "orders")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.outcomesTotal.WithLabelValues("p1", "orders", "0", engine.OutcomeSuccess.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.retriesTotal.WithLabelValues("p1", "orders", "1")))
	assert.Equal(t, 41.0, testutil.ToFloat64(r.committedOffset.WithLabelValues("p1", "orders", "0")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.inFlight.WithLabelValues("p1")))
	assert.Equal(t, 5.0, testutil.ToFloat64(r.buffered.WithLabelValues("p1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.pollErrorsTotal.WithLabelValues("p1", "orders")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.handlerDuration))

	r.Reset()
	assert.Equal(t, 0, testutil.CollectAndCount(r.polledTotal))
}

func TestRegisterToleratesExistingCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, NewPrometheusReporter(reg).Register())
	assert.NoError(t, NewPrometheusReporter(reg).Register())
}

func TestManagerExportsProcessorMetrics(t *testing.T) {
	env := newTestEnv(t, "orders", 1)
	env.conf.MetricsEnabled = true
	env.produce(t, "orders", 0, "a", "b")

	reg := prometheus.NewRegistry()
	m := env.manager(t, ManagerDependencies{Registerer: reg})
	require.NoError(t, RegisterProcessor(m, ProcessorRegistration[string, string]{
		Name:    "p1",
		Topic:   stringTopic("orders"),
		Handler: func(context.Context, Record[string, string]) error { return nil },
	}))
	startAll(t, m)
	env.waitCommitted(t, "p1", "orders", 0, 1)

	require.Eventually(t, func() bool {
		count, err := testutil.GatherAndCount(reg, "recordflow_processor_record_outcomes_total")
		return err == nil && count == 1
	}, waitTimeout, 5*time.Millisecond)

	expected := `
# HELP recordflow_processor_committed_offset Last offset committed per partition
# TYPE recordflow_processor_committed_offset gauge
recordflow_processor_committed_offset{partition="0",processor="p1",topic="orders"} 1
`
	require.Eventually(t, func() bool {
		return testutil.GatherAndCompare(reg, strings.NewReader(expected), "recordflow_processor_committed_offset") == nil
	}, waitTimeout, 5*time.Millisecond)
}

func TestMetricsEndpointMounted(t *testing.T) {
	env := newTestEnv(t, "orders", 1)
	env.conf.MetricsEnabled = true
	env.conf.MetricsPort = 9464

	reg := prometheus.NewRegistry()
	m := env.manager(t, ManagerDependencies{Registerer: reg})

	reporter := m.reporter.(*PrometheusReporter)
	reporter.RecordsPolled("p1", "orders", 1)

	mux := m.httpServers[9464]
	require.NotNil(t, mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "recordflow_processor_records_polled_total")
}

func TestMetricsDisabledRegistersNothing(t *testing.T) {
	env := newTestEnv(t, "orders", 1)
	reg := prometheus.NewRegistry()
	m := env.manager(t, ManagerDependencies{Registerer: reg})

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
	assert.Empty(t, m.httpServers)
}
