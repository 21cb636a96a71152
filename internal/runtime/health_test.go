package runtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/recordflow/internal/runtime/engine"
	"github.com/drblury/recordflow/internal/runtime/jsoncodec"
)

func TestProbeHealthWithoutProcessorsIsUp(t *testing.T) {
	env := newTestEnv(t, "orders", 1)
	m := env.manager(t, ManagerDependencies{})
	report := m.ProbeHealth()
	assert.Equal(t, HealthUp, report.Status)
	assert.Empty(t, report.Processors)
}

func TestProbeHealthBeforeStartIsUp(t *testing.T) {
	env := newTestEnv(t, "orders", 1)
	m := env.manager(t, ManagerDependencies{})
	require.NoError(t, RegisterProcessor(m, ProcessorRegistration[string, string]{Name: "p1", Topic: stringTopic("orders"), Handler: noopHandler}))

	report := m.ProbeHealth()
	assert.Equal(t, HealthUp, report.Status)
	assert.Equal(t, engine.StateNew, report.Processors["p1"].State)
}

func TestProbeHealthReportsPollFailure(t *testing.T) {
	env := newTestEnv(t, "orders", 1)
	m := env.manager(t, ManagerDependencies{})
	require.NoError(t, RegisterProcessor(m, ProcessorRegistration[string, string]{Name: "p1", Topic: stringTopic("orders"), Handler: noopHandler}))
	startAll(t, m)

	env.broker.SetPollError(errors.New("broker unreachable"))
	require.Eventually(t, func() bool {
		return m.ProbeHealth().Status == HealthDown
	}, waitTimeout, 5*time.Millisecond)
	h := m.ProbeHealth().Processors["p1"]
	assert.Contains(t, h.Reason, "broker unreachable")
	assert.Equal(t, engine.StateRunning, h.State)

	env.broker.SetPollError(nil)
	require.Eventually(t, func() bool {
		return m.ProbeHealth().Status == HealthUp
	}, waitTimeout, 5*time.Millisecond)
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	env := newTestEnv(t, "orders", 1)
	m := env.manager(t, ManagerDependencies{})
	require.NoError(t, RegisterProcessor(m, ProcessorRegistration[string, string]{Name: "p1", Topic: stringTopic("orders"), Handler: noopHandler}))
	startAll(t, m)

	rec := httptest.NewRecorder()
	m.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report HealthReport
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, HealthUp, report.Status)

	require.NoError(t, m.Close())
	rec = httptest.NewRecorder()
	m.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, HealthDown, report.Processors["p1"].Status)
	assert.Equal(t, "processor is closed", report.Processors["p1"].Reason)
}

func TestProcessorsEndpointReturnsJSON(t *testing.T) {
	env := newTestEnv(t, "orders", 1)
	env.conf.HealthEnabled = true
	env.conf.HealthCORSAllowedOrigins = []string{"*"}
	env.produce(t, "orders", 0, "a")
	m := env.manager(t, ManagerDependencies{})
	require.NoError(t, RegisterProcessor(m, ProcessorRegistration[string, string]{Name: "p1", Topic: stringTopic("orders"), Handler: noopHandler}))
	startAll(t, m)
	env.waitCommitted(t, "p1", "orders", 0, 0)

	mux := m.httpServers[DefaultHealthPort]
	require.NotNil(t, mux)

	req := httptest.NewRequest(http.MethodGet, "/api/processors", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var payload []struct {
		Name  string `json:"name"`
		Topic string `json:"topic"`
		Mode  string `json:"mode"`
		Stats struct {
			RecordsPolled uint64 `json:"records_polled"`
		} `json:"stats"`
	}
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload, 1)
	assert.Equal(t, "p1", payload[0].Name)
	assert.Equal(t, ModeSingle, payload[0].Mode)
	assert.Equal(t, uint64(1), payload[0].Stats.RecordsPolled)
}

func TestCORSPreflightAndOriginMatching(t *testing.T) {
	env := newTestEnv(t, "orders", 1)
	env.conf.HealthCORSAllowedOrigins = []string{"http://allowed.local"}
	m := env.manager(t, ManagerDependencies{})

	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "http://allowed.local")
	rec := httptest.NewRecorder()
	m.HealthHandler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://allowed.local", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://other.local")
	rec = httptest.NewRecorder()
	m.HealthHandler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestProbeHealthIsSafeUnderConcurrency(t *testing.T) {
	env := newTestEnv(t, "orders", 2)
	env.produce(t, "orders", 0, "a", "b", "c")
	m := env.manager(t, ManagerDependencies{})
	require.NoError(t, RegisterProcessor(m, ProcessorRegistration[string, string]{Name: "p1", Topic: stringTopic("orders"), Handler: noopHandler}))
	startAll(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	for range 4 {
		go func() {
			for ctx.Err() == nil {
				_ = m.ProbeHealth()
				_ = m.Processors()
			}
			done <- struct{}{}
		}()
	}
	for range 4 {
		<-done
	}
	env.waitCommitted(t, "p1", "orders", 0, 2)
}
