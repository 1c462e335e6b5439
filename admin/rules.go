package admin

import (
	"net/http"

	"github.com/knowton/cdcsync/telemetry"
	"github.com/rs/zerolog/log"
)

// handleAlertRules renders the alert rule contract as a Prometheus rule file
func (h *AdminHandlers) handleAlertRules(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, telemetry.AlertRules(h.rules))
		return
	}

	data, err := telemetry.RenderRules(h.rules)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	if _, err := w.Write(data); err != nil {
		log.Debug().Err(err).Msg("Failed to write alert rules")
	}
}
