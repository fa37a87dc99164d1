// Package api provides the HTTP API for the cartoflow server.
//
// Endpoints:
//
//	POST   /api/v1/scripts              - Upload and register a script
//	GET    /api/v1/scripts              - List registered scripts
//	GET    /api/v1/scripts/{id}         - Get script metadata
//	POST   /api/v1/scripts/{id}/run     - Run a script with parameters
//	GET    /api/v1/scripts/{id}/status  - Last/in-flight execution status
//	GET    /api/v1/executions/{id}/log  - Execution log text
//
//	GET    /health                      - Health check
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cartoflow/cartoflow/pkg/fileops"
	"github.com/cartoflow/cartoflow/pkg/log"
	"github.com/cartoflow/cartoflow/pkg/script/engine"
	"github.com/cartoflow/cartoflow/pkg/script/ingest"
	"github.com/cartoflow/cartoflow/pkg/script/integrity"
	"github.com/cartoflow/cartoflow/pkg/script/params"
	"github.com/cartoflow/cartoflow/pkg/script/registry"
	"github.com/cartoflow/cartoflow/pkg/script/tracker"
	"github.com/cartoflow/cartoflow/pkg/validate"
	"golang.org/x/time/rate"
)

// Server is the HTTP API server.
type Server struct {
	registry  *registry.Registry
	engine    *engine.Engine
	tracker   *tracker.Tracker
	addr      string
	server    *http.Server
	mux       *http.ServeMux
	startedAt time.Time
	auth      *authenticator

	rateLimiters   map[string]*rate.Limiter
	rateLimitersMu sync.RWMutex
}

// Config holds server configuration.
type Config struct {
	Addr     string
	Registry *registry.Registry
	Engine   *engine.Engine
	Tracker  *tracker.Tracker

	// AuthTokenHash is the bcrypt hash of the bearer token. Empty
	// disables authentication.
	AuthTokenHash string
}

// NewServer creates a new API server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = ":8642"
	}
	if cfg.Registry == nil || cfg.Engine == nil || cfg.Tracker == nil {
		return nil, fmt.Errorf("registry, engine and tracker are required")
	}

	s := &Server{
		registry:     cfg.Registry,
		engine:       cfg.Engine,
		tracker:      cfg.Tracker,
		addr:         cfg.Addr,
		startedAt:    time.Now(),
		auth:         newAuthenticator(cfg.AuthTokenHash),
		rateLimiters: make(map[string]*rate.Limiter),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/v1/scripts", s.handleUploadScript)
	mux.HandleFunc("GET /api/v1/scripts", s.handleListScripts)
	mux.HandleFunc("GET /api/v1/scripts/{id}", s.handleGetScript)
	mux.HandleFunc("POST /api/v1/scripts/{id}/run", s.handleRunScript)
	mux.HandleFunc("GET /api/v1/scripts/{id}/status", s.handleScriptStatus)
	mux.HandleFunc("GET /api/v1/executions/{id}/log", s.handleExecutionLog)

	s.mux = mux
	// The write timeout must outlast a synchronous run, which holds the
	// request for the whole subprocess budget.
	runBudget := cfg.Engine.Timeout
	if runBudget <= 0 {
		runBudget = engine.DefaultTimeout
	}
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.middleware(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: runBudget + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the HTTP handler. Useful for httptest.Server.
func (s *Server) Handler() http.Handler {
	return s.middleware(s.mux)
}

// Start starts the API server.
func (s *Server) Start() error {
	log.Start("API server on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Start("shutting down server")
	if err := s.server.Shutdown(ctx); err != nil {
		log.Warn("HTTP shutdown error: %v", err)
		return err
	}
	log.Done("server shutdown complete")
	return nil
}

// maxRequestBodySize caps request bodies. Program uploads are small; geodata
// goes through the layer store, not this API.
const maxRequestBodySize = 10 * 1024 * 1024

const (
	rateLimitRequestsPerSecond = 50
	rateLimitBurst             = 100
)

func (s *Server) getRateLimiter(ip string) *rate.Limiter {
	s.rateLimitersMu.RLock()
	limiter, exists := s.rateLimiters[ip]
	s.rateLimitersMu.RUnlock()

	if exists {
		return limiter
	}

	s.rateLimitersMu.Lock()
	defer s.rateLimitersMu.Unlock()

	if limiter, exists = s.rateLimiters[ip]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rateLimitRequestsPerSecond, rateLimitBurst)
	s.rateLimiters[ip] = limiter
	return limiter
}

// middleware wraps handlers with rate limiting, body caps, auth and logging.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		limiter := s.getRateLimiter(clientIP(r))
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"Too Many Requests","message":"Rate limit exceeded. Try again later."}`))
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		w.Header().Set("Content-Type", "application/json")

		rw := &responseWriter{ResponseWriter: w, status: 200}

		if r.URL.Path != "/health" {
			if err := s.auth.check(r); err != nil {
				rw.status = http.StatusUnauthorized
				w.WriteHeader(http.StatusUnauthorized)
				s.writeJSON(w, errorResponse{
					Error:   "Unauthorized",
					Message: err.Error(),
				})
				s.logRequest(r, rw.status, start)
				return
			}
		}

		next.ServeHTTP(rw, r)
		s.logRequest(r, rw.status, start)
	})
}

func (s *Server) logRequest(r *http.Request, status int, start time.Time) {
	if r.URL.Path == "/health" {
		return
	}
	log.LogHTTP(log.HTTPEvent{
		Method:   r.Method,
		Path:     r.URL.Path,
		Status:   status,
		Duration: time.Since(start),
	})
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Uptime    string    `json:"uptime"`
	StartedAt time.Time `json:"started_at"`
	Scripts   int       `json:"scripts"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, healthResponse{
		Status:    "healthy",
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		StartedAt: s.startedAt,
		Scripts:   len(s.registry.List()),
	})
}

// handleUploadScript accepts a multipart form: a "program" file part plus
// arbitrary metadata fields. The program must pass validation before the
// registration is accepted; a rejected upload leaves no trace.
func (s *Server) handleUploadScript(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxRequestBodySize); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart form: %w", err))
		return
	}

	identity := r.FormValue("id")
	if err := validate.Identifier(identity); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	file, _, err := r.FormFile("program")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("program file part is required: %w", err))
		return
	}
	defer file.Close()

	// Stage the upload, validate the staged copy, then promote it
	staged := filepath.Join(s.registry.Root(), "."+identity+".upload")
	out, err := os.OpenFile(staged, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(staged)
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := out.Close(); err != nil {
		os.Remove(staged)
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	if err := s.engine.Validator.Validate(r.Context(), staged); err != nil {
		os.Remove(staged)
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	program := s.registry.ProgramPath(identity)
	os.Remove(program)
	if err := fileops.Move(staged, program); err != nil {
		os.Remove(staged)
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	metadata := make(map[string]string)
	for key, values := range r.MultipartForm.Value {
		if key == "id" || len(values) == 0 {
			continue
		}
		metadata[key] = values[0]
	}
	if err := s.registry.Register(identity, metadata); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	log.OK("script %s registered", identity)
	w.WriteHeader(http.StatusCreated)
	s.writeJSON(w, map[string]any{"id": identity})
}

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	ids := s.registry.List()
	s.writeJSON(w, map[string]any{
		"items": ids,
		"count": len(ids),
	})
}

func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	def, err := s.registry.Definition(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, registry.ErrScriptNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, def)
}

type runRequest struct {
	Parameters *params.Ordered `json:"parameters"`
}

// handleRunScript runs the script synchronously: the response carries the
// terminal result. A second submission while one is in flight gets a 409
// with the blocking execution's ID.
func (s *Server) handleRunScript(w http.ResponseWriter, r *http.Request) {
	scriptID := r.PathValue("id")
	if !s.registry.Exists(scriptID) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", registry.ErrScriptNotFound, scriptID))
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	executionID := uuid.NewString()
	if err := s.tracker.TryAdmit(scriptID, executionID); err != nil {
		var conflict *tracker.ConflictError
		if errors.As(err, &conflict) {
			w.WriteHeader(http.StatusConflict)
			s.writeJSON(w, map[string]any{
				"error":        "Conflict",
				"message":      "script is already running",
				"execution_id": conflict.ExecutionID,
			})
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	result, err := s.engine.Execute(r.Context(), s.registry.ProgramPath(scriptID), scriptID, executionID, req.Parameters)
	if err != nil {
		s.writeError(w, rejectionStatus(err), err)
		return
	}
	s.writeJSON(w, result)
}

// rejectionStatus maps execution rejections to HTTP statuses. Anything not
// recognized is a host-side fault.
func rejectionStatus(err error) int {
	switch {
	case errors.Is(err, integrity.ErrInvalidProgram),
		errors.Is(err, integrity.ErrMissingEntryPoint),
		errors.Is(err, integrity.ErrUnguardedEntryPoint),
		errors.Is(err, params.ErrInvalidWorkspace):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ingest.ErrUnsupportedArtifact),
		errors.Is(err, engine.ErrArtifactTooLarge):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleScriptStatus(w http.ResponseWriter, r *http.Request) {
	scriptID := r.PathValue("id")
	rec, ok := s.tracker.Status(scriptID)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no record for script %s", scriptID))
		return
	}
	s.writeJSON(w, rec)
}

// handleExecutionLog returns the execution's log text, transparently
// decompressing logs that the retention job already archived.
func (s *Server) handleExecutionLog(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")
	if err := validate.Identifier(executionID); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	matches, err := filepath.Glob(filepath.Join(s.engine.Root, executionID, "log_*.txt*"))
	if err != nil || len(matches) == 0 {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no log for execution %s", executionID))
		return
	}

	// Archived logs carry a .lz4 suffix; ReadLog wants the plain name
	path := matches[0]
	text, err := engine.ReadLog(trimArchiveSuffix(path))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, map[string]any{
		"execution_id": executionID,
		"log":          text,
	})
}

func trimArchiveSuffix(path string) string {
	if filepath.Ext(path) == ".lz4" {
		return path[:len(path)-len(".lz4")]
	}
	return path
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	w.WriteHeader(status)
	s.writeJSON(w, errorResponse{
		Error:   http.StatusText(status),
		Message: err.Error(),
	})
}

// writeJSON safely encodes JSON, logging errors instead of ignoring them.
func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Fail("json encode: %v", err)
	}
}

// responseWriter captures the status code for request logging.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}
