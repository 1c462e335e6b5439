package admin

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/knowton/cdcsync/journal"
)

// handleDeadLetters lists dead letters, filtered by ?table= and ?sink= and
// paged with ?from=<last seq>&limit=
func (h *AdminHandlers) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.deadLetters == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "dead-letter log unavailable")
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	from, err := parseFrom(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	letters, err := h.deadLetters.DeadLetters(journal.DeadLetterFilter{
		Table: r.URL.Query().Get("table"),
		Sink:  r.URL.Query().Get("sink"),
		After: from,
		Limit: limit,
	})
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	hasMore := len(letters) == limit
	lastKey := ""
	if len(letters) > 0 {
		lastKey = strconv.FormatUint(letters[len(letters)-1].Seq, 10)
	}
	writeJSONResponse(w, letters, hasMore, lastKey)
}

// replayRequest narrows a replay; an empty body replays everything
type replayRequest struct {
	Table string `json:"table"`
	Sink  string `json:"sink"`
	Limit int    `json:"limit"`
}

// handleReplay re-applies dead letters and removes the ones that succeed
func (h *AdminHandlers) handleReplay(w http.ResponseWriter, r *http.Request) {
	if h.replayer == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "replay unavailable")
		return
	}

	var req replayRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid replay request: "+err.Error())
			return
		}
	}
	q := r.URL.Query()
	if v := q.Get("table"); v != "" {
		req.Table = v
	}
	if v := q.Get("sink"); v != "" {
		req.Sink = v
	}

	summary, err := h.replayer.Replay(r.Context(), journal.DeadLetterFilter{
		Table: req.Table,
		Sink:  req.Sink,
		Limit: req.Limit,
	})
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, summary, false, "")
}
