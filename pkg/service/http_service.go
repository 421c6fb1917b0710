package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/open-feature/flagops/pkg/advisor"
	"github.com/open-feature/flagops/pkg/audit"
	"github.com/open-feature/flagops/pkg/eval"
	"github.com/open-feature/flagops/pkg/model"
	"github.com/open-feature/flagops/pkg/pipeline"
	"github.com/open-feature/flagops/pkg/store"
	flagsync "github.com/open-feature/flagops/pkg/sync"
)

const (
	actorHeader  = "X-Actor"
	defaultActor = "anonymous"
)

type HTTPServiceConfiguration struct {
	Port           int32
	AllowedOrigins []string
}

// Dependencies are the components served over HTTP. Metrics may be nil, in
// which case the default prometheus registry is exposed.
type Dependencies struct {
	Evaluator eval.IEvaluator
	Flags     store.IStore
	Pipeline  *pipeline.Pipeline
	Audit     audit.Log
	Mux       *flagsync.Multiplexer
	Advisor   advisor.IAdvisor
	Metrics   http.Handler
	Logger    logrus.FieldLogger
}

type HTTPService struct {
	HTTPServiceConfiguration *HTTPServiceConfiguration
	deps                     Dependencies
}

func NewHTTPService(cfg *HTTPServiceConfiguration, deps Dependencies) *HTTPService {
	if deps.Advisor == nil {
		deps.Advisor = advisor.Static{}
	}
	if deps.Metrics == nil {
		deps.Metrics = promhttp.Handler()
	}
	return &HTTPService{HTTPServiceConfiguration: cfg, deps: deps}
}

type Server struct {
	Dependencies
}

// Handler returns the routed API including CORS handling.
func (h *HTTPService) Handler() http.Handler {
	s := Server{h.deps}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", h.deps.Metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/evaluate", s.Evaluate)
		r.Get("/audit", s.ListAuditEvents)
		r.Route("/environments/{env}", func(r chi.Router) {
			r.Get("/stream", s.Stream)
			r.Get("/flags", s.ListFlags)
			r.Post("/flags", s.CreateFlag)
			r.Route("/flags/{key}", func(r chi.Router) {
				r.Get("/", s.GetFlag)
				r.Patch("/", s.UpdateFlag)
				r.Delete("/", s.DeleteFlag)
				r.Post("/toggle", s.ToggleFlag)
				r.Put("/rollout", s.SetRollout)
				r.Post("/variants", s.AddVariant)
				r.Put("/variants/{id}", s.ReplaceVariant)
				r.Delete("/variants/{id}", s.DeleteVariant)
				r.Post("/rules", s.AddRule)
				r.Delete("/rules/{id}", s.DeleteRule)
				r.Get("/analysis", s.Analyze)
			})
		})
	})

	origins := h.HTTPServiceConfiguration.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete,
		},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"ETag"},
	}).Handler(r)
}

func (h *HTTPService) Serve(ctx context.Context) error {
	if h.HTTPServiceConfiguration == nil {
		return errors.New("http service configuration has not been initialised")
	}
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", h.HTTPServiceConfiguration.Port),
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		h.deps.Logger.Info(fmt.Sprintf("http service listening on %s", server.Addr))
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

type evaluateRequest struct {
	Environment string                  `json:"environment"`
	FlagKey     string                  `json:"flagKey"`
	Context     model.EvaluationContext `json:"context"`
}

func (s Server) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !s.decode(w, r, &req) {
		return
	}
	env, err := model.ParseEnvironment(req.Environment)
	if err != nil {
		s.handleError(w, err)
		return
	}
	decision, err := s.Evaluator.Evaluate(r.Context(), env, req.FlagKey, req.Context)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s Server) ListFlags(w http.ResponseWriter, r *http.Request) {
	env, ok := s.environment(w, r)
	if !ok {
		return
	}
	flags, err := s.Pipeline.ListFlags(r.Context(), env, r.URL.Query().Get("q"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flags": flags})
}

func (s Server) GetFlag(w http.ResponseWriter, r *http.Request) {
	env, ok := s.environment(w, r)
	if !ok {
		return
	}
	flag, err := s.Flags.Get(r.Context(), env, chi.URLParam(r, "key"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(flag.Version, 10)))
	writeJSON(w, http.StatusOK, flag)
}

func (s Server) CreateFlag(w http.ResponseWriter, r *http.Request) {
	env, ok := s.environment(w, r)
	if !ok {
		return
	}
	var def model.FlagDefinition
	if !s.decode(w, r, &def) {
		return
	}
	def.Environment = env
	res, err := s.Pipeline.CreateFlag(r.Context(), actor(r), def)
	s.writeResult(w, http.StatusCreated, res, err)
}

type updateRequest struct {
	ExpectedVersion int64 `json:"expectedVersion"`
	pipeline.FlagPatch
}

func (s Server) UpdateFlag(w http.ResponseWriter, r *http.Request) {
	env, ok := s.environment(w, r)
	if !ok {
		return
	}
	version, ok := s.expectedVersion(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ExpectedVersion != 0 {
		version = req.ExpectedVersion
	}
	res, err := s.Pipeline.UpdateFlag(r.Context(), actor(r), env, chi.URLParam(r, "key"), version, req.FlagPatch)
	s.writeResult(w, http.StatusOK, res, err)
}

func (s Server) DeleteFlag(w http.ResponseWriter, r *http.Request) {
	env, ok := s.environment(w, r)
	if !ok {
		return
	}
	res, err := s.Pipeline.DeleteFlag(r.Context(), actor(r), env, chi.URLParam(r, "key"))
	s.writeResult(w, http.StatusOK, res, err)
}

func (s Server) ToggleFlag(w http.ResponseWriter, r *http.Request) {
	env, version, ok := s.target(w, r)
	if !ok {
		return
	}
	res, err := s.Pipeline.ToggleFlag(r.Context(), actor(r), env, chi.URLParam(r, "key"), version)
	s.writeResult(w, http.StatusOK, res, err)
}

func (s Server) SetRollout(w http.ResponseWriter, r *http.Request) {
	env, version, ok := s.target(w, r)
	if !ok {
		return
	}
	var req struct {
		RolloutPercentage *int `json:"rolloutPercentage"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.RolloutPercentage == nil {
		s.badRequest(w, errors.New("rolloutPercentage is required"))
		return
	}
	res, err := s.Pipeline.SetRollout(r.Context(), actor(r), env, chi.URLParam(r, "key"), version, *req.RolloutPercentage)
	s.writeResult(w, http.StatusOK, res, err)
}

func (s Server) AddVariant(w http.ResponseWriter, r *http.Request) {
	env, version, ok := s.target(w, r)
	if !ok {
		return
	}
	var v model.Variant
	if !s.decode(w, r, &v) {
		return
	}
	res, err := s.Pipeline.AddVariant(r.Context(), actor(r), env, chi.URLParam(r, "key"), version, v)
	s.writeResult(w, http.StatusCreated, res, err)
}

func (s Server) ReplaceVariant(w http.ResponseWriter, r *http.Request) {
	env, version, ok := s.target(w, r)
	if !ok {
		return
	}
	var v model.Variant
	if !s.decode(w, r, &v) {
		return
	}
	res, err := s.Pipeline.ReplaceVariant(r.Context(), actor(r), env, chi.URLParam(r, "key"), version, chi.URLParam(r, "id"), v)
	s.writeResult(w, http.StatusOK, res, err)
}

func (s Server) DeleteVariant(w http.ResponseWriter, r *http.Request) {
	env, version, ok := s.target(w, r)
	if !ok {
		return
	}
	res, err := s.Pipeline.DeleteVariant(r.Context(), actor(r), env, chi.URLParam(r, "key"), version, chi.URLParam(r, "id"))
	s.writeResult(w, http.StatusOK, res, err)
}

func (s Server) AddRule(w http.ResponseWriter, r *http.Request) {
	env, version, ok := s.target(w, r)
	if !ok {
		return
	}
	var rule model.TargetingRule
	if !s.decode(w, r, &rule) {
		return
	}
	res, err := s.Pipeline.AddRule(r.Context(), actor(r), env, chi.URLParam(r, "key"), version, rule)
	s.writeResult(w, http.StatusCreated, res, err)
}

func (s Server) DeleteRule(w http.ResponseWriter, r *http.Request) {
	env, version, ok := s.target(w, r)
	if !ok {
		return
	}
	res, err := s.Pipeline.DeleteRule(r.Context(), actor(r), env, chi.URLParam(r, "key"), version, chi.URLParam(r, "id"))
	s.writeResult(w, http.StatusOK, res, err)
}

type analysisResponse struct {
	Available   bool         `json:"available"`
	Risk        advisor.Risk `json:"risk"`
	Description string       `json:"description,omitempty"`
	Message     string       `json:"message,omitempty"`
}

// Analyze answers with whatever advice is available. A missing or failing
// advisor is reported in the body, never as an error status.
func (s Server) Analyze(w http.ResponseWriter, r *http.Request) {
	env, ok := s.environment(w, r)
	if !ok {
		return
	}
	flag, err := s.Flags.Get(r.Context(), env, chi.URLParam(r, "key"))
	if err != nil {
		s.handleError(w, err)
		return
	}

	resp := analysisResponse{Available: true}
	resp.Risk, err = s.Advisor.AnalyzeRisk(r.Context(), flag)
	if err == nil {
		resp.Description, err = s.Advisor.DescribeFlag(r.Context(), flag)
	}
	if err != nil {
		resp = analysisResponse{Message: err.Error()}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s Server) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.AuditFilter{FlagKey: q.Get("flagKey")}
	var page audit.PageRequest

	if raw := q.Get("environment"); raw != "" {
		env, err := model.ParseEnvironment(raw)
		if err != nil {
			s.handleError(w, err)
			return
		}
		filter.Environment = env
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.badRequest(w, fmt.Errorf("since: %w", err))
			return
		}
		filter.Since = since
	}
	if raw := q.Get("cursor"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			s.badRequest(w, errors.New("cursor must be a non-negative integer"))
			return
		}
		page.Cursor = v
	}
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			s.badRequest(w, errors.New("limit must be a non-negative integer"))
			return
		}
		page.Limit = v
	}

	res, err := s.Audit.Query(r.Context(), filter, page)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Stream sends the environment's flag configuration as server-sent events,
// once on connect and again after every committed change.
func (s Server) Stream(w http.ResponseWriter, r *http.Request) {
	env, ok := s.environment(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.handleError(w, errors.New("streaming unsupported"))
		return
	}

	con := make(chan flagsync.Payload, 1)
	id := &con
	current, err := s.Mux.Register(id, env, con)
	if err != nil {
		s.handleError(w, err)
		return
	}
	defer s.Mux.Unregister(id, env)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	send := func(p flagsync.Payload) {
		_, _ = fmt.Fprintf(w, "event: flags\ndata: %s\n\n", p.Flags)
		flusher.Flush()
	}
	send(current)
	for {
		select {
		case <-r.Context().Done():
			return
		case p := <-con:
			send(p)
		}
	}
}

func (s Server) environment(w http.ResponseWriter, r *http.Request) (model.Environment, bool) {
	env, err := model.ParseEnvironment(chi.URLParam(r, "env"))
	if err != nil {
		s.handleError(w, err)
		return "", false
	}
	return env, true
}

// expectedVersion reads the If-Match header; without one the change applies
// to the current version.
func (s Server) expectedVersion(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.Trim(r.Header.Get("If-Match"), `"`)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 1 {
		s.badRequest(w, fmt.Errorf("If-Match must hold a flag version, got %q", raw))
		return 0, false
	}
	return v, true
}

func (s Server) target(w http.ResponseWriter, r *http.Request) (model.Environment, int64, bool) {
	env, ok := s.environment(w, r)
	if !ok {
		return "", 0, false
	}
	version, ok := s.expectedVersion(w, r)
	return env, version, ok
}

func (s Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.badRequest(w, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

type mutationResponse struct {
	pipeline.Result
	AuditError string `json:"auditError,omitempty"`
}

func (s Server) writeResult(w http.ResponseWriter, status int, res pipeline.Result, err error) {
	if err != nil {
		s.handleError(w, err)
		return
	}
	resp := mutationResponse{Result: res}
	if res.AuditErr != nil {
		resp.AuditError = res.AuditErr.Error()
	}
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(res.Version, 10)))
	writeJSON(w, status, resp)
}

func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get(actorHeader)); a != "" {
		return a
	}
	return defaultActor
}

type errorResponse struct {
	ErrorCode  string            `json:"errorCode"`
	Message    string            `json:"message"`
	Violations []model.Violation `json:"violations,omitempty"`
}

// some basic mapping of errors from model to HTTP
func (s Server) handleError(w http.ResponseWriter, err error) {
	code := model.ErrorCode(err)
	resp := errorResponse{ErrorCode: code, Message: err.Error()}

	var status int
	switch code {
	case model.NotFoundErrorCode:
		status = http.StatusNotFound
	case model.AlreadyExistsErrorCode, model.VersionConflictErrorCode:
		status = http.StatusConflict
	case model.InvalidConfigurationErrorCode:
		status = http.StatusUnprocessableEntity
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			resp.Violations = verr.Violations
		}
	case model.StoreUnavailableErrorCode:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
		s.Logger.WithError(err).Error("request failed")
	}
	writeJSON(w, status, resp)
}

func (s Server) badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorResponse{ErrorCode: model.BadRequestErrorCode, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
