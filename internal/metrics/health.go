package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Health tracks liveness and readiness of the process.
type Health struct {
	ready     atomic.Bool
	detail    atomic.Value
	startTime time.Time
}

// NewHealth creates a not-ready Health.
func NewHealth() *Health {
	h := &Health{startTime: time.Now()}
	h.detail.Store("starting")
	return h
}

// SetReady records readiness along with a short status string.
func (h *Health) SetReady(ready bool, detail string) {
	h.ready.Store(ready)
	h.detail.Store(detail)
}

// IsReady reports readiness.
func (h *Health) IsReady() bool {
	return h.ready.Load()
}

// LivenessHandler always answers 200 while the process runs.
func (h *Health) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
	})
}

// ReadinessHandler answers 200 when ready and 503 otherwise.
func (h *Health) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	detail, _ := h.detail.Load().(string)
	if h.ready.Load() {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "detail": detail})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
