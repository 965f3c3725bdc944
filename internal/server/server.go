// Package server provides the REST surface over the decision engine.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/authzd/authzd/internal/engine"
	"github.com/authzd/authzd/internal/metrics"
	"github.com/authzd/authzd/internal/policy"
	"github.com/authzd/authzd/pkg/types"
)

// Config configures the HTTP server.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MaxBodySize  int64
	// CheckTimeout bounds a single decision evaluation.
	CheckTimeout time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Port:         8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		MaxBodySize:  1 * 1024 * 1024,
		CheckTimeout: 5 * time.Second,
	}
}

// Server exposes the check and policy-administration endpoints.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	logger     *zap.Logger
	engine     *engine.Engine
	loader     *policy.Loader
	metrics    *metrics.Metrics
	config     Config
}

// New creates the HTTP server.
func New(cfg Config, eng *engine.Engine, m *metrics.Metrics, logger *zap.Logger) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		router:  mux.NewRouter(),
		logger:  logger,
		engine:  eng,
		loader:  policy.NewLoader(logger),
		metrics: m,
		config:  cfg,
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Port),
		Handler:        s.router,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: 1 << 20,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.maxBodySizeMiddleware)

	s.router.HandleFunc("/v1/check", s.check).Methods("POST")
	s.router.HandleFunc("/v1/check/batch", s.checkBatch).Methods("POST")

	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/policies", s.loadPolicies).Methods("POST")
	admin.HandleFunc("/policies", s.replacePolicies).Methods("PUT")
	admin.HandleFunc("/policies", s.listPolicies).Methods("GET")
	admin.HandleFunc("/policies/export", s.exportPolicies).Methods("GET")
	admin.HandleFunc("/policies/{name}", s.getPolicy).Methods("GET")
	admin.HandleFunc("/policies/{name}", s.unloadPolicy).Methods("DELETE")
	admin.HandleFunc("/cache", s.cacheStats).Methods("GET")
	admin.HandleFunc("/cache", s.clearCache).Methods("DELETE")

	s.router.HandleFunc("/health", s.health).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("Starting server", zap.Int("port", s.config.Port))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping server")
	return s.httpServer.Shutdown(ctx)
}

// Router returns the underlying router for testing.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) check(w http.ResponseWriter, r *http.Request) {
	var req types.CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON payload", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.CheckTimeout)
	defer cancel()

	resp, err := s.engine.Check(ctx, &req)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "CHECK_FAILED", "Check evaluation failed", err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) checkBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Requests []*types.CheckRequest `json:"requests"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON payload", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.CheckTimeout*time.Duration(1+len(body.Requests)/10))
	defer cancel()

	responses, err := s.engine.CheckBatch(ctx, body.Requests)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "CHECK_FAILED", "Batch evaluation failed", err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"responses": responses})
}

// loadPolicies adds (or replaces by key) the policies in the request body.
// The body is one or more YAML documents; JSON is valid YAML and works too.
func (s *Server) loadPolicies(w http.ResponseWriter, r *http.Request) {
	docs, ok := s.decodeDocuments(w, r)
	if !ok {
		return
	}
	if err := s.engine.Catalog().LoadPolicies(docs); err != nil {
		s.respondError(w, http.StatusBadRequest, "LOAD_FAILED", "Policy load rejected", err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"loaded": len(docs),
		"active": s.engine.Catalog().Count(),
	})
}

func (s *Server) replacePolicies(w http.ResponseWriter, r *http.Request) {
	docs, ok := s.decodeDocuments(w, r)
	if !ok {
		return
	}
	if err := s.engine.Catalog().ReplaceAll(docs); err != nil {
		s.respondError(w, http.StatusBadRequest, "LOAD_FAILED", "Policy replacement rejected", err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"active": s.engine.Catalog().Count(),
	})
}

func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Catalog().Snapshot()
	keys := make([]string, 0, len(snap.Policies()))
	for _, pol := range snap.Policies() {
		keys = append(keys, pol.Key())
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"policies": keys,
		"count":    len(keys),
	})
}

// exportPolicies writes the active policies back out as policy documents.
// The YAML form round-trips: feeding it to PUT /admin/policies restores an
// equivalent catalog.
func (s *Server) exportPolicies(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filters := &policy.ExportFilters{Kind: types.PolicyKind(query.Get("kind"))}
	if name := query.Get("name"); name != "" {
		filters.Names = []string{name}
	}

	exporter := policy.NewExporter(s.engine.Catalog())
	docs, err := exporter.Export(filters)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "EXPORT_FAILED", "Policy export failed", err.Error())
		return
	}

	switch policy.ExportFormat(query.Get("format")) {
	case policy.FormatJSON:
		w.Header().Set("Content-Type", "application/json")
		err = exporter.WriteJSON(w, docs)
	default:
		w.Header().Set("Content-Type", "application/x-yaml")
		err = exporter.WriteYAML(w, docs)
	}
	if err != nil {
		s.logger.Error("Failed to write policy export", zap.Error(err))
	}
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	policies := s.engine.Catalog().Get(name)
	if len(policies) == 0 {
		s.respondError(w, http.StatusNotFound, "POLICY_NOT_FOUND",
			fmt.Sprintf("Policy '%s' not found", name), "")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"policies": policies})
}

func (s *Server) unloadPolicy(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.engine.Catalog().Unload(name); err != nil {
		s.respondError(w, http.StatusNotFound, "POLICY_NOT_FOUND",
			fmt.Sprintf("Policy '%s' not found", name), err.Error())
		return
	}
	s.logger.Info("Policy unloaded", zap.String("name", name))
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": fmt.Sprintf("Policy '%s' unloaded", name),
	})
}

func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.CacheStats()
	if stats == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"enabled": true,
		"size":    stats.Size,
		"hits":    stats.Hits,
		"misses":  stats.Misses,
		"hitRate": stats.HitRate,
	})
}

func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	s.engine.ClearCache()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"message": "cache cleared"})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"policies": s.engine.Catalog().Count(),
	})
}

func (s *Server) decodeDocuments(w http.ResponseWriter, r *http.Request) ([]*policy.Document, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "READ_FAILED", "Failed to read request body", err.Error())
		return nil, false
	}
	docs, err := s.loader.ParseDocuments(body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "INVALID_POLICY", "Failed to parse policy documents", err.Error())
		return nil, false
	}
	if len(docs) == 0 {
		s.respondError(w, http.StatusBadRequest, "EMPTY_PAYLOAD", "No policy documents in request", "")
		return nil, false
	}
	return docs, true
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data}); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, code, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	resp := apiResponse{Success: false, Error: &apiError{Code: code, Message: message, Details: details}}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to encode error response", zap.Error(err))
	}
}
