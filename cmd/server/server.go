package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/liamcoop/fraudrules/engine"
	"github.com/liamcoop/fraudrules/internal/logger"
	"github.com/liamcoop/fraudrules/internal/metrics"
	"github.com/liamcoop/fraudrules/internal/schema"
	"github.com/liamcoop/fraudrules/multitenantengine"
	"github.com/liamcoop/fraudrules/rules"
	"github.com/liamcoop/fraudrules/rules/celexpr"
	"github.com/liamcoop/fraudrules/store"
)

const maxBodyBytes = 4 << 20

// Deps are the collaborators a Server is built from
type Deps struct {
	Manager *multitenantengine.Manager
	Store   store.RulesetStore
	Metrics *metrics.Metrics
	Decode  rules.DecodeOptions
	Log     *slog.Logger
	// Ping checks the backing database for the health endpoint; nil skips the check
	Ping func(context.Context) error
}

type Server struct {
	manager *multitenantengine.Manager
	store   store.RulesetStore
	metrics *metrics.Metrics
	decode  rules.DecodeOptions
	log     *slog.Logger
	ping    func(context.Context) error
	handler http.Handler
}

func NewServer(d Deps) *Server {
	s := &Server{
		manager: d.Manager,
		store:   d.Store,
		metrics: d.Metrics,
		decode:  d.Decode,
		log:     d.Log,
		ping:    d.Ping,
	}
	if s.log == nil {
		s.log = logger.Logger
	}
	if s.decode.Limits == (rules.Limits{}) {
		s.decode.Limits = rules.DefaultLimits
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	// Health check
	r.Get("/api/v1/health", s.handleHealth)

	// Ruleset document schema
	r.Get("/api/v1/schema", s.handleSchema)

	// Evaluation
	r.Post("/api/v1/evaluate", s.handleEvaluate)

	// Tenant management
	r.Route("/api/v1/tenants", func(r chi.Router) {
		r.Get("/", s.handleListTenants)
		r.Post("/", s.handleCreateTenant)

		r.Route("/{tenantId}", func(r chi.Router) {
			r.Post("/evaluate", s.handleTenantEvaluate)

			// Ruleset management
			r.Get("/ruleset", s.handleGetRuleset)
			r.Put("/ruleset", s.handlePutRuleset)
			r.Post("/ruleset/validate", s.handleValidateRuleset)
			r.Get("/ruleset/versions", s.handleListVersions)
			r.Post("/ruleset/rollback", s.handleRollback)
			r.Get("/ruleset/cel", s.handleRenderCEL)
		})
	})

	s.handler = otelhttp.NewHandler(r, "fraudrules",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// requestLogger replaces middleware.Logger with a structured access log
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	tenants := s.manager.ListTenants()

	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
				Status:        "unhealthy",
				TenantsLoaded: len(tenants),
				Error:         err.Error(),
			})
			return
		}
	}

	resp := HealthResponse{Status: "healthy", TenantsLoaded: len(tenants)}
	now := time.Now()
	for _, id := range tenants {
		if e, err := s.manager.GetEngine(id); err == nil && e.Stale(now) {
			resp.StaleTenants = append(resp.StaleTenants, id)
		}
	}
	if len(resp.StaleTenants) > 0 {
		resp.Status = "degraded"
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(schema.Document())
}

// Evaluation handler for callers that pass the tenant in the body
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.TenantID == "" {
		respondError(w, http.StatusBadRequest, "tenantId is required", nil)
		return
	}
	s.evaluate(w, r, req.TenantID, req.Facts)
}

func (s *Server) handleTenantEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	s.evaluate(w, r, chi.URLParam(r, "tenantId"), req.Facts)
}

func (s *Server) evaluate(w http.ResponseWriter, r *http.Request, tenantID string, facts rules.Facts) {
	if facts == nil {
		respondError(w, http.StatusBadRequest, "facts are required", nil)
		return
	}

	e, err := s.manager.GetEngine(tenantID)
	if err != nil {
		s.writeError(w, "tenant not found", err)
		return
	}

	res, err := e.Evaluate(r.Context(), facts)
	if err != nil {
		s.writeError(w, "evaluation failed", err)
		return
	}

	respondJSON(w, http.StatusOK, EvaluateResponse{
		TenantID:        res.TenantID,
		Version:         res.Version,
		Outcome:         res.Outcome,
		MatchedRuleKeys: res.MatchedRuleKeys,
		Matches:         res.Matches,
		EvaluationTime:  res.Duration.String(),
	})
}

// List tenants handler
func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.store.Tenants(r.Context())
	if err != nil {
		s.writeError(w, "failed to list tenants", err)
		return
	}

	resp := TenantsListResponse{Tenants: make([]TenantResponse, 0, len(tenants))}
	for _, t := range tenants {
		resp.Tenants = append(resp.Tenants, TenantResponse{ID: t.ID, Name: t.Name, CreatedAt: t.CreatedAt})
	}
	respondJSON(w, http.StatusOK, resp)
}

// Create tenant handler
func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := multitenantengine.ValidateTenantID(req.ID); err != nil {
		respondError(w, http.StatusBadRequest, "invalid tenant id", err)
		return
	}

	tenant, _, err := s.manager.CreateTenant(r.Context(), req.ID, req.Name)
	if err != nil {
		s.writeError(w, "failed to create tenant", err)
		return
	}

	respondJSON(w, http.StatusCreated, TenantResponse{ID: tenant.ID, Name: tenant.Name, CreatedAt: tenant.CreatedAt})
}

func (s *Server) handleGetRuleset(w http.ResponseWriter, r *http.Request) {
	e, ok := s.tenantEngine(w, r)
	if !ok {
		return
	}
	snap := e.Snapshot()
	if snap == nil {
		s.writeError(w, "no ruleset published", engine.ErrNoRuleset)
		return
	}

	doc, err := json.Marshal(snap.Ruleset)
	if err != nil {
		s.writeError(w, "failed to encode ruleset", err)
		return
	}
	respondJSON(w, http.StatusOK, RulesetResponse{
		Version:   snap.Version,
		Source:    snap.Source,
		LoadedAt:  snap.LoadedAt,
		RuleCount: snap.Ruleset.Len(),
		FactKeys:  snap.Ruleset.FactKeys(),
		Rules:     doc,
	})
}

// handlePutRuleset validates and publishes a complete ruleset document. YAML
// is accepted with an application/yaml content type.
func (s *Server) handlePutRuleset(w http.ResponseWriter, r *http.Request) {
	e, ok := s.tenantEngine(w, r)
	if !ok {
		return
	}
	body, err := readBody(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	var snap *engine.Snapshot
	if isYAML(r) {
		rs, perr := rules.ParseRulesetYAMLWithOptions(body, s.decode)
		if perr != nil {
			logger.RulesetRejected()
			s.writeError(w, "invalid ruleset", perr)
			return
		}
		snap, err = e.PublishRuleset(r.Context(), rs)
	} else {
		snap, err = e.Publish(r.Context(), body)
	}
	if err != nil {
		s.writeError(w, "failed to publish ruleset", err)
		return
	}

	respondJSON(w, http.StatusCreated, PublishResponse{
		Version:   snap.Version,
		RuleCount: snap.Ruleset.Len(),
		Status:    "active",
	})
}

// handleValidateRuleset checks a document without storing it
func (s *Server) handleValidateRuleset(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.tenantEngine(w, r); !ok {
		return
	}
	body, err := readBody(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	var rs *rules.Ruleset
	if isYAML(r) {
		rs, err = rules.ParseRulesetYAMLWithOptions(body, s.decode)
	} else {
		rs, err = rules.ParseRulesetJSONWithOptions(body, s.decode)
	}
	if err != nil {
		s.writeError(w, "invalid ruleset", err)
		return
	}

	respondJSON(w, http.StatusOK, ValidateResponse{
		Valid:     true,
		RuleCount: rs.Len(),
		FactKeys:  rs.FactKeys(),
	})
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	e, ok := s.tenantEngine(w, r)
	if !ok {
		return
	}
	history, err := e.History(r.Context())
	if err != nil {
		s.writeError(w, "failed to list versions", err)
		return
	}

	resp := VersionsListResponse{Versions: make([]VersionResponse, 0, len(history))}
	for _, v := range history {
		resp.Versions = append(resp.Versions, VersionResponse{
			Version:   v.Version,
			RuleCount: v.RuleCount,
			Active:    v.Active,
			CreatedAt: v.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	e, ok := s.tenantEngine(w, r)
	if !ok {
		return
	}
	var req RollbackRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Version == "" {
		respondError(w, http.StatusBadRequest, "version is required", nil)
		return
	}

	snap, err := e.Rollback(r.Context(), req.Version)
	if err != nil {
		s.writeError(w, "failed to roll back ruleset", err)
		return
	}
	respondJSON(w, http.StatusOK, PublishResponse{
		Version:   snap.Version,
		RuleCount: snap.Ruleset.Len(),
		Status:    "active",
	})
}

// handleRenderCEL shows the published ruleset as CEL expressions
func (s *Server) handleRenderCEL(w http.ResponseWriter, r *http.Request) {
	e, ok := s.tenantEngine(w, r)
	if !ok {
		return
	}
	snap := e.Snapshot()
	if snap == nil {
		s.writeError(w, "no ruleset published", engine.ErrNoRuleset)
		return
	}

	prog, err := celexpr.CompileRuleset(snap.Ruleset)
	if err != nil {
		s.writeError(w, "failed to render ruleset", err)
		return
	}
	respondJSON(w, http.StatusOK, CELResponse{Version: snap.Version, Rules: prog.Sources()})
}

func (s *Server) tenantEngine(w http.ResponseWriter, r *http.Request) (*engine.Engine, bool) {
	e, err := s.manager.GetEngine(chi.URLParam(r, "tenantId"))
	if err != nil {
		s.writeError(w, "tenant not found", err)
		return nil, false
	}
	return e, true
}

// writeError maps domain errors onto HTTP statuses
func (s *Server) writeError(w http.ResponseWriter, message string, err error) {
	if root := rules.RootCause(err); root != nil {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   message,
			Details: err.Error(),
			Code:    root.Code.String(),
			Path:    root.Path,
		})
		logger.WarnHttp4xx()
		return
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		respondError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, multitenantengine.ErrTenantNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, engine.ErrNoRuleset):
		respondError(w, http.StatusNotFound, message, err)
	case errors.Is(err, store.ErrTenantExists):
		respondError(w, http.StatusConflict, message, err)
	default:
		s.log.Error(message, "error", err)
		respondError(w, http.StatusInternalServerError, message, err)
	}
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	switch {
	case status >= 500:
		logger.ErrorHttp5xx()
	case status >= 400:
		logger.WarnHttp4xx()
	}

	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	return body, nil
}

func isYAML(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	switch mt {
	case "application/yaml", "application/x-yaml", "text/yaml":
		return true
	}
	return false
}
