// Package admin serves the operator HTTP surface: health probes, metrics,
// consistency reports, dead-letter inspection and replay, and the alert rule
// contract.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/knowton/cdcsync/consistency"
	"github.com/knowton/cdcsync/health"
	"github.com/knowton/cdcsync/journal"
	"github.com/knowton/cdcsync/publisher"
	"github.com/knowton/cdcsync/telemetry"
	"github.com/rs/zerolog/log"
)

// HealthEvaluator answers health, readiness and liveness probes
type HealthEvaluator interface {
	Evaluate(ctx context.Context) health.Status
	Ready(ctx context.Context) (bool, health.Status)
	Live() (bool, []string)
}

// ConsistencyValidator serves and triggers consistency runs
type ConsistencyValidator interface {
	Latest() ([]consistency.Report, error)
	Trigger(ctx context.Context) ([]consistency.Report, error)
	Signal() string
}

// DeadLetterLister lists dead letters
type DeadLetterLister interface {
	DeadLetters(filter journal.DeadLetterFilter) ([]journal.DeadLetter, error)
}

// DeadLetterReplayer re-applies dead letters
type DeadLetterReplayer interface {
	Replay(ctx context.Context, filter journal.DeadLetterFilter) (publisher.ReplaySummary, error)
}

// Options wires the handlers. Consistency, DeadLetters and Replayer may be
// nil; their endpoints then answer 503.
type Options struct {
	Health      HealthEvaluator
	Consistency ConsistencyValidator
	DeadLetters DeadLetterLister
	Replayer    DeadLetterReplayer
	Metrics     *telemetry.Metrics
	Rules       telemetry.RuleThresholds
	AuthToken   string
}

// AdminHandlers handles the operator endpoints
type AdminHandlers struct {
	health      HealthEvaluator
	consistency ConsistencyValidator
	deadLetters DeadLetterLister
	replayer    DeadLetterReplayer
	metrics     *telemetry.Metrics
	rules       telemetry.RuleThresholds
	authToken   string
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(opts Options) (*AdminHandlers, error) {
	if opts.Health == nil {
		return nil, fmt.Errorf("health evaluator is required")
	}
	if opts.Metrics == nil {
		return nil, fmt.Errorf("metrics are required")
	}
	return &AdminHandlers{
		health:      opts.Health,
		consistency: opts.Consistency,
		deadLetters: opts.DeadLetters,
		replayer:    opts.Replayer,
		metrics:     opts.Metrics,
		rules:       opts.Rules,
		authToken:   opts.AuthToken,
	}, nil
}

// writeJSON writes v as the whole response body
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeJSONResponse writes a successful JSON response wrapped in "data"
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": message,
	})
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil // default
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}

	return limit, nil
}

// parseFrom parses the from parameter: the last dead-letter sequence seen
func parseFrom(r *http.Request) (uint64, error) {
	from := r.URL.Query().Get("from")
	if from == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(from, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid from parameter: %w", err)
	}
	return seq, nil
}

// parseBool reads a boolean query parameter, false when absent
func parseBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}
