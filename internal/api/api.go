// Package api serves the narrator HTTP API.
//
// Routes:
//
//	GET    /v1/backends                   list backends with state
//	PUT    /v1/backends/{id}/enabled      enable or disable a backend
//	GET    /v1/backends/{id}/voices       voice catalog (cached)
//	POST   /v1/generate                   synthesize one item, audio in body
//	GET    /v1/batches                    list batch jobs
//	POST   /v1/batches                    submit (and optionally start) a batch
//	GET    /v1/batches/{id}               batch snapshot
//	DELETE /v1/batches/{id}               forget a batch that is not running
//	POST   /v1/batches/{id}/start         start a Ready batch
//	POST   /v1/batches/{id}/cancel        request cancellation
//	POST   /v1/batches/{id}/reset         reset a finished batch
//	GET    /v1/settings                   runtime settings
//	PUT    /v1/settings                   replace runtime settings
//	GET    /v1/cache                      audio cache statistics
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MrWong99/narrator/internal/audiocache"
	"github.com/MrWong99/narrator/internal/backend"
	"github.com/MrWong99/narrator/internal/batch"
	"github.com/MrWong99/narrator/internal/config"
	"github.com/MrWong99/narrator/internal/observe"
	"github.com/MrWong99/narrator/internal/orchestrator"
	"github.com/MrWong99/narrator/internal/voicecache"
	"github.com/MrWong99/narrator/pkg/provider/tts"
	"github.com/MrWong99/narrator/pkg/types"
)

// maxBodyBytes bounds request bodies. Batches of several thousand items fit.
const maxBodyBytes = 16 << 20

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	backends *backend.Registry
	orch     *orchestrator.Orchestrator
	jobs     *orchestrator.Jobs
	settings *config.SettingsStore
	cache    *audiocache.Cache
	log      *slog.Logger
}

// New creates a [Server]. A nil logger uses slog.Default().
func New(backends *backend.Registry, orch *orchestrator.Orchestrator, jobs *orchestrator.Jobs,
	settings *config.SettingsStore, cache *audiocache.Cache, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		backends: backends,
		orch:     orch,
		jobs:     jobs,
		settings: settings,
		cache:    cache,
		log:      log,
	}
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/backends", s.handleListBackends)
	mux.HandleFunc("PUT /v1/backends/{id}/enabled", s.handleSetEnabled)
	mux.HandleFunc("GET /v1/backends/{id}/voices", s.handleListVoices)
	mux.HandleFunc("POST /v1/generate", s.handleGenerate)
	mux.HandleFunc("GET /v1/batches", s.handleListBatches)
	mux.HandleFunc("POST /v1/batches", s.handleSubmitBatch)
	mux.HandleFunc("GET /v1/batches/{id}", s.handleGetBatch)
	mux.HandleFunc("DELETE /v1/batches/{id}", s.handleRemoveBatch)
	mux.HandleFunc("POST /v1/batches/{id}/start", s.handleStartBatch)
	mux.HandleFunc("POST /v1/batches/{id}/cancel", s.handleCancelBatch)
	mux.HandleFunc("POST /v1/batches/{id}/reset", s.handleResetBatch)
	mux.HandleFunc("GET /v1/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /v1/settings", s.handlePutSettings)
	mux.HandleFunc("GET /v1/cache", s.handleCacheStats)
}

// Handler returns the API routes wrapped in the observe middleware.
func (s *Server) Handler(m *observe.Metrics) http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return observe.Middleware(m)(mux)
}

type errorBody struct {
	Error string `json:"error"`
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	var be *tts.BackendError
	switch {
	case errors.Is(err, tts.ErrInvalidInput),
		errors.Is(err, types.ErrUnknownKind),
		errors.Is(err, config.ErrInvalidSettings),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, backend.ErrBackendNotFound),
		errors.Is(err, orchestrator.ErrJobNotFound),
		errors.Is(err, voicecache.ErrVoiceNotFound):
		return http.StatusNotFound
	case errors.Is(err, backend.ErrBackendDisabled),
		errors.Is(err, backend.ErrBackendNotConfigured),
		errors.Is(err, batch.ErrAlreadyProcessing),
		errors.Is(err, batch.ErrNotReady),
		errors.Is(err, batch.ErrBusy),
		errors.Is(err, batch.ErrNotProcessing):
		return http.StatusConflict
	case errors.Is(err, voicecache.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &be):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("api: bad request")

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context(), s.log).Error("request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

func errBadRequestf(err error) error {
	return fmt.Errorf("%w: %w", errBadRequest, err)
}
