package runtime

import (
	"net/http"
	"strings"

	"github.com/drblury/recordflow/internal/runtime/engine"
	"github.com/drblury/recordflow/internal/runtime/jsoncodec"
)

// DefaultHealthPort serves /health and /api/processors when
// Config.HealthPort is zero.
const DefaultHealthPort = 8081

// HealthStatus is UP or DOWN.
type HealthStatus string

const (
	HealthUp   HealthStatus = "UP"
	HealthDown HealthStatus = "DOWN"
)

// ProcessorHealth is the health of one processor.
type ProcessorHealth struct {
	Status HealthStatus `json:"status"`
	State  engine.State `json:"state"`
	Reason string       `json:"reason,omitempty"`
}

// HealthReport aggregates the health of every processor. It is UP iff every
// processor is UP; a manager without processors is UP.
type HealthReport struct {
	Status     HealthStatus               `json:"status"`
	Processors map[string]ProcessorHealth `json:"processors"`
}

// ProbeHealth reports the health of every registered processor. A processor
// that has not started yet is UP. It is safe for concurrent use and changes
// nothing.
func (m *Manager) ProbeHealth() HealthReport {
	report := HealthReport{
		Status:     HealthUp,
		Processors: make(map[string]ProcessorHealth),
	}
	for _, p := range m.snapshotProcessors() {
		h := p.health()
		report.Processors[p.name] = h
		if h.Status != HealthUp {
			report.Status = HealthDown
		}
	}
	return report
}

// HealthHandler serves ProbeHealth as JSON with status 200 when UP and 503
// when DOWN.
func (m *Manager) HealthHandler() http.Handler {
	return http.HandlerFunc(m.handleHealth)
}

func (m *Manager) handleHealth(w http.ResponseWriter, r *http.Request) {
	if m.writeCORSHeaders(w, r) {
		return
	}

	report := m.ProbeHealth()
	w.Header().Set("Content-Type", "application/json")
	if report.Status != HealthUp {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := jsoncodec.Encode(w, report); err != nil {
		m.Logger.Error("Failed to encode health report", err, nil)
	}
}

func (m *Manager) handleGetProcessors(w http.ResponseWriter, r *http.Request) {
	if m.writeCORSHeaders(w, r) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, m.Processors()); err != nil {
		m.Logger.Error("Failed to encode processors", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// writeCORSHeaders sets the CORS headers allowed by the configuration and
// answers preflight requests. It reports whether the request was answered.
func (m *Manager) writeCORSHeaders(w http.ResponseWriter, r *http.Request) bool {
	if m.Conf != nil && len(m.Conf.HealthCORSAllowedOrigins) > 0 {
		allowedOrigin := m.getAllowedCORSOrigin(r.Header.Get("Origin"))
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (m *Manager) getAllowedCORSOrigin(requestOrigin string) string {
	if m.Conf == nil {
		return ""
	}
	for _, allowed := range m.Conf.HealthCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

func (m *Manager) setupHealth() {
	if !m.Conf.HealthEnabled {
		return
	}

	port := m.Conf.HealthPort
	if port == 0 {
		port = DefaultHealthPort
	}

	m.RegisterHTTPHandler(port, "/health", m.HealthHandler())
	m.RegisterHTTPHandler(port, "/api/processors", http.HandlerFunc(m.handleGetProcessors))
}
