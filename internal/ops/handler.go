package ops

import (
	"net/http"
	"time"

	"github.com/climatedata/acis/internal/provider/resilience"
	"github.com/climatedata/acis/internal/queue"
)

// HealthStatus is the coarse state of the service or one of its providers.
type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "OK"
	HealthStatusDegraded HealthStatus = "DEGRADED"
	HealthStatusFail     HealthStatus = "FAIL"
)

// Health is the liveness response.
type Health struct {
	Status  HealthStatus   `json:"status"`
	Time    time.Time      `json:"time"`
	Details map[string]any `json:"details,omitempty"`
}

// ProviderStatus reports one upstream client.
type ProviderStatus struct {
	Provider      string       `json:"provider"`
	Status        HealthStatus `json:"status"`
	Circuit       string       `json:"circuit"`
	LastSuccessAt *time.Time   `json:"lastSuccessAt,omitempty"`
	LastFailureAt *time.Time   `json:"lastFailureAt,omitempty"`
	Message       string       `json:"message,omitempty"`
}

// Readiness is the readiness response.
type Readiness struct {
	Status    HealthStatus     `json:"status"`
	Time      time.Time        `json:"time"`
	Queue     queue.Stats      `json:"queue"`
	Providers []ProviderStatus `json:"providers"`
}

// StatsSource reports queue counters. *queue.Queue satisfies it.
type StatsSource interface {
	Stats() queue.Stats
}

// HealthSource reports upstream client health. *resilience.Registry
// satisfies it.
type HealthSource interface {
	Snapshot() []resilience.Health
}

// MetricsSource reports completion counters. *worker.Handler satisfies it.
type MetricsSource interface {
	MetricsSnapshot() map[string]any
}

// Handler serves the operational endpoints.
type Handler struct {
	version   string
	buildTime string
	queue     StatsSource
	providers HealthSource
	results   MetricsSource
	now       func() time.Time
}

// NewHandler creates the ops handler. Sources left nil are reported empty.
func NewHandler(version, buildTime string, q StatsSource, providers HealthSource, results MetricsSource) *Handler {
	return &Handler{
		version:   version,
		buildTime: buildTime,
		queue:     q,
		providers: providers,
		results:   results,
		now:       time.Now,
	}
}

// HealthCheck handles GET /health, the liveness check.
func (h *Handler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Health{
		Status: HealthStatusOK,
		Time:   h.now().UTC(),
		Details: map[string]any{
			"version":   h.version,
			"buildTime": h.buildTime,
		},
	})
}

// ReadinessCheck handles GET /ready. It fails when the queue is closed or an
// upstream circuit is open, and reports DEGRADED while a circuit is half-open.
func (h *Handler) ReadinessCheck(w http.ResponseWriter, _ *http.Request) {
	ready := Readiness{
		Status:    HealthStatusOK,
		Time:      h.now().UTC(),
		Providers: []ProviderStatus{},
	}
	if h.queue != nil {
		ready.Queue = h.queue.Stats()
		if ready.Queue.Closed {
			ready.Status = HealthStatusFail
		}
	}
	if h.providers != nil {
		for _, ph := range h.providers.Snapshot() {
			ps := ProviderStatus{
				Provider:      ph.Name,
				Status:        HealthStatusOK,
				Circuit:       ph.State,
				LastSuccessAt: ph.LastSuccessAt,
				LastFailureAt: ph.LastFailureAt,
				Message:       ph.LastError,
			}
			switch {
			case ph.IsDegraded():
				ps.Status = HealthStatusDegraded
				if ready.Status == HealthStatusOK {
					ready.Status = HealthStatusDegraded
				}
			case !ph.IsHealthy():
				ps.Status = HealthStatusFail
				ready.Status = HealthStatusFail
			}
			ready.Providers = append(ready.Providers, ps)
		}
	}

	status := http.StatusOK
	if ready.Status == HealthStatusFail {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, ready)
}

// Stats handles GET /stats.
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{}
	if h.queue != nil {
		body["queue"] = h.queue.Stats()
	}
	if h.results != nil {
		body["results"] = h.results.MetricsSnapshot()
	}
	writeJSON(w, http.StatusOK, body)
}
