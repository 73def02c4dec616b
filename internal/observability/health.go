package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

type healthStatus struct {
	Status string `json:"status"`
	Uptime string `json:"uptime,omitempty"`
}

// HealthChecker tracks process liveness and readiness. Liveness is implied
// by the process answering at all; readiness is flipped by the shell once
// the database and NATS are connected and replay has finished.
type HealthChecker struct {
	ready   atomic.Bool
	started time.Time
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{started: time.Now()}
}

func (h *HealthChecker) SetReady(ready bool) { h.ready.Store(ready) }

func (h *HealthChecker) IsReady() bool { return h.ready.Load() }

// LivenessHandler always answers 200 with the process uptime.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, healthStatus{
		Status: "alive",
		Uptime: time.Since(h.started).String(),
	})
}

// ReadinessHandler answers 200 when ready, 503 while starting up.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.IsReady() {
		writeHealth(w, http.StatusOK, healthStatus{Status: "ready"})
		return
	}
	writeHealth(w, http.StatusServiceUnavailable, healthStatus{Status: "not_ready"})
}

func writeHealth(w http.ResponseWriter, code int, body healthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
