package admin

import (
	"net/http"

	"github.com/knowton/cdcsync/health"
)

// handleHealth returns the full verdict. The status code is 200 unless the
// verdict is unhealthy, so the endpoint also works as a simple probe.
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.health.Evaluate(r.Context())
	code := http.StatusOK
	if status.Status == health.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// handleReady returns 200 when healthy or degraded
func (h *AdminHandlers) handleReady(w http.ResponseWriter, r *http.Request) {
	ready, status := h.health.Ready(r.Context())
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"ready":   ready,
		"status":  status.Status,
		"reasons": status.Reasons,
	})
}

// handleLive returns 200 unless the watchdog found a stalled loop
func (h *AdminHandlers) handleLive(w http.ResponseWriter, r *http.Request) {
	alive, stalled := h.health.Live()
	code := http.StatusOK
	if !alive {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"alive":   alive,
		"stalled": stalled,
	})
}
