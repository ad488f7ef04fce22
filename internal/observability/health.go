package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker tracks liveness and readiness.
// The service only becomes ready once the inventory has been rebuilt from the
// ledger snapshot and the live update stream is attached.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time
	onChange  func(ready bool)
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{startTime: time.Now()}
}

// OnChange registers a callback invoked on every SetReady, e.g. to mirror
// readiness into the gRPC health service.
func (h *HealthChecker) OnChange(fn func(ready bool)) {
	h.onChange = fn
}

func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
	if h.onChange != nil {
		h.onChange(ready)
	}
}

func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// LivenessHandler always answers 200 while the process runs.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler answers 200 after bootstrap, 503 before.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.ready.Load() {
		writeStatus(w, http.StatusOK, map[string]interface{}{"status": "ready"})
		return
	}
	writeStatus(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "not_ready"})
}

func writeStatus(w http.ResponseWriter, code int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
