package admin

import (
	"net/http"

	"github.com/knowton/cdcsync/consistency"
)

type consistencyResponse struct {
	Signal  string               `json:"signal"`
	Reports []consistency.Report `json:"reports"`
}

// handleConsistency returns the latest run, or forces one with ?refresh=true.
// A forced run needs the same token as POST.
func (h *AdminHandlers) handleConsistency(w http.ResponseWriter, r *http.Request) {
	if parseBool(r, "refresh") {
		h.AuthMiddleware(http.HandlerFunc(h.handleConsistencyRun)).ServeHTTP(w, r)
		return
	}
	if h.consistency == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "consistency validation is disabled")
		return
	}

	reports, err := h.consistency.Latest()
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if reports == nil {
		reports = []consistency.Report{}
	}
	writeJSONResponse(w, consistencyResponse{Signal: h.consistency.Signal(), Reports: reports}, false, "")
}

// handleConsistencyRun runs a validation now. Concurrent requests share one
// run.
func (h *AdminHandlers) handleConsistencyRun(w http.ResponseWriter, r *http.Request) {
	if h.consistency == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "consistency validation is disabled")
		return
	}

	reports, err := h.consistency.Trigger(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, consistencyResponse{Signal: h.consistency.Signal(), Reports: reports}, false, "")
}
