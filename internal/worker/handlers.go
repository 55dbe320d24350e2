package worker

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/clusterd/internal/clustering"
)

// retryAfterSeconds is advertised on 503 responses for retryable failures.
const retryAfterSeconds = "5"

// errorResponse is the body of every failed request.
type errorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeErrorStatus(w http.ResponseWriter, status int, kind, msg string) {
	writeJSONStatus(w, status, errorResponse{Error: msg, Kind: kind})
}

// writeError maps engine error kinds to HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := clustering.KindOf(err)
	retryable := clustering.IsRetryable(err)

	status := http.StatusInternalServerError
	switch {
	case kind == clustering.KindInvalidInput, kind == clustering.KindInvalidArguments:
		status = http.StatusBadRequest
	case kind == clustering.KindClusterNotFound:
		status = http.StatusNotFound
	case kind == clustering.KindEmbeddingUnavailable, retryable:
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).
			Str("request_id", GetRequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("Request failed")
	}
	if kind == "" {
		kind = "internal"
	}

	writeJSONStatus(w, status, errorResponse{
		Error:     err.Error(),
		Kind:      string(kind),
		Retryable: retryable,
	})
}

// decodeJSON reads a JSON body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeErrorStatus(w, http.StatusRequestEntityTooLarge, string(clustering.KindInvalidInput), "request body too large")
	case errors.Is(err, io.EOF):
		writeErrorStatus(w, http.StatusBadRequest, string(clustering.KindInvalidInput), "request body is empty")
	default:
		writeErrorStatus(w, http.StatusBadRequest, string(clustering.KindInvalidInput), "invalid JSON: "+err.Error())
	}
	return false
}

// parseUUID parses a path or body identifier, writing a 400 on failure.
func parseUUID(w http.ResponseWriter, name, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, string(clustering.KindInvalidArguments),
			"invalid "+name+": "+strconv.Quote(raw))
		return uuid.Nil, false
	}
	return id, true
}

// handleHealth returns 200 as soon as the process is up, even during init.
// Use /api/ready for full readiness check.
func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "starting"
	if s.ready.Load() {
		status = "ready"
	} else if err := s.GetInitError(); err != nil {
		status = "error"
	}
	writeJSON(w, map[string]any{
		"status":  status,
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleReady returns 200 only when initialized and the store answers.
func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		if err := s.GetInitError(); err != nil {
			writeErrorStatus(w, http.StatusInternalServerError, "init_failed", err.Error())
			return
		}
		writeErrorStatus(w, http.StatusServiceUnavailable, "initializing", "service initializing")
		return
	}

	resp := map[string]any{"status": "ready"}
	if s.config.RateLimitRPS > 0 {
		resp["rate_limit"] = s.limiter.Stats()
	}
	if comp := s.components(); comp != nil && comp.Health != nil {
		details, err := comp.Health(r.Context())
		resp["store"] = details
		if err != nil {
			resp["status"] = "unavailable"
			resp["error"] = err.Error()
			w.Header().Set("Retry-After", retryAfterSeconds)
			writeJSONStatus(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, resp)
}

// requireReady is middleware that returns 503 if service isn't ready.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			if err := s.GetInitError(); err != nil {
				writeErrorStatus(w, http.StatusInternalServerError, "init_failed",
					"service initialization failed: "+err.Error())
				return
			}
			w.Header().Set("Retry-After", retryAfterSeconds)
			writeErrorStatus(w, http.StatusServiceUnavailable, "initializing", "service initializing")
			return
		}
		next.ServeHTTP(w, r)
	})
}
