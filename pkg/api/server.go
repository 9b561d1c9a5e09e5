package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/reactivegraph/plugind/pkg/plugins"
	"github.com/reactivegraph/plugind/pkg/selector"
	"github.com/reactivegraph/plugind/pkg/stores"
)

// DefaultHistoryLimit caps GET /history when no limit is given.
const DefaultHistoryLimit = 100

// ServerConfig holds the optional parts of the admin API.
type ServerConfig struct {
	// Store backs GET /history. Without it the endpoint answers 404.
	Store stores.Store
	// Metrics is mounted at MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string
}

// Server answers the admin protocol for one plugin admin.
type Server struct {
	admin  *plugins.Admin
	cfg    ServerConfig
	logger zerolog.Logger
}

func NewServer(admin *plugins.Admin, cfg ServerConfig, logger zerolog.Logger) *Server {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	return &Server{
		admin:  admin,
		cfg:    cfg,
		logger: logger.With().Str("component", "admin-api").Logger(),
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /plugins", s.handleList)
	mux.HandleFunc("GET /plugins/{ref}", s.handleGet)
	mux.HandleFunc("POST /plugins/{ref}/{action}", s.handleAction)
	mux.HandleFunc("GET /diagnostics", s.handleDiagnostics)
	mux.HandleFunc("GET /graph", s.handleGraph)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.cfg.Metrics != nil {
		mux.Handle("GET "+s.cfg.MetricsPath, s.cfg.Metrics)
	}
	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Handled admin request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := plugins.Filter{
		ID:    q.Get("id"),
		Stem:  q.Get("stem"),
		Name:  q.Get("name"),
		Group: plugins.Group(q.Get("group")),
	}
	var err error
	if f.HasDependencies, err = boolParam(q.Get("has_dependencies")); err != nil {
		s.badRequest(w, "has_dependencies: "+err.Error())
		return
	}
	if f.HasUnsatisfiedDependencies, err = boolParam(q.Get("has_unsatisfied_dependencies")); err != nil {
		s.badRequest(w, "has_unsatisfied_dependencies: "+err.Error())
		return
	}
	if where := q.Get("where"); where != "" {
		sel, err := selector.Compile(where, selector.WithNamePrefix(s.admin.Manager().NamePrefix()))
		if err != nil {
			s.badRequest(w, err.Error())
			return
		}
		f.Where = sel
	}

	infos, err := s.admin.Query(f)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	if infos == nil {
		infos = []plugins.Info{}
	}
	s.writeJSON(w, http.StatusOK, PluginList{Plugins: infos, Total: len(infos)})
}

func boolParam(v string) (*bool, error) {
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// lookup resolves a path reference (id, stem or name) and writes the error
// response itself when there is no such plugin.
func (s *Server) lookup(w http.ResponseWriter, ref string) (uuid.UUID, plugins.Info, bool) {
	id, err := s.admin.Resolve(ref)
	if err != nil {
		s.writeError(w, err)
		return uuid.Nil, plugins.Info{}, false
	}
	c, ok := s.admin.Manager().Get(id)
	if !ok {
		s.writeError(w, plugins.ErrNotFound)
		return uuid.Nil, plugins.Info{}, false
	}
	return id, c.Info(), true
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	_, info, ok := s.lookup(w, r.PathValue("ref"))
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	action := Action(r.PathValue("action"))
	if err := action.Validate(); err != nil {
		s.writeErrorMessage(w, http.StatusNotFound, ErrorMessage{Code: CodeBadRequest, Message: err.Error()})
		return
	}
	id, info, ok := s.lookup(w, r.PathValue("ref"))
	if !ok {
		return
	}

	start := time.Now()
	if err := s.run(r.Context(), action, id); err != nil {
		s.logger.Warn().Err(err).Str("plugin", info.Stem).Str("action", string(action)).Msg("Admin action failed")
		s.writeError(w, err)
		return
	}
	elapsed := time.Since(start)

	if c, ok := s.admin.Manager().Get(id); ok {
		info = c.Info()
	}
	s.logger.Info().Str("plugin", info.Stem).Str("action", string(action)).Str("state", info.StateName).Msg("Admin action completed")
	s.writeJSON(w, http.StatusOK, ActionResult{Action: action, Plugin: info, Duration: elapsed.Seconds()})
}

func (s *Server) run(ctx context.Context, action Action, id uuid.UUID) error {
	switch action {
	case ActionStart:
		return s.admin.Start(ctx, id)
	case ActionStop:
		return s.admin.Stop(ctx, id)
	case ActionRestart:
		return s.admin.Restart(ctx, id)
	case ActionUninstall:
		return s.admin.Uninstall(ctx, id)
	default:
		return s.admin.Redeploy(ctx, id)
	}
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, _ *http.Request) {
	d := s.admin.Manager().Diagnostics()
	s.writeJSON(w, http.StatusOK, DiagnosticsResponse{Diagnostics: d, Summary: s.admin.Manager().CountsSummary()})
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	g := s.admin.Manager().Graph()
	if r.URL.Query().Get("format") == "dot" {
		w.Header().Set("Content-Type", "text/vnd.graphviz")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(g.ToDOT()))
		return
	}
	s.writeJSON(w, http.StatusOK, GraphResponse{Graph: g, StartOrder: g.StartOrder(), DOT: g.ToDOT()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		s.writeErrorMessage(w, http.StatusNotFound, ErrorMessage{Code: CodeNoStore, Message: "transition history is not recorded"})
		return
	}
	q := r.URL.Query()
	filter := stores.TransitionFilter{Limit: DefaultHistoryLimit}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.badRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("stem"); v != "" {
		filter.Stem = &v
	}
	if v := q.Get("plugin_id"); v != "" {
		filter.PluginID = &v
	}

	records, err := s.cfg.Store.ListTransitions(r.Context(), filter)
	if err != nil {
		s.writeErrorMessage(w, http.StatusInternalServerError, ErrorMessage{Code: CodeInternal, Message: err.Error()})
		return
	}
	if records == nil {
		records = []*stores.TransitionRecord{}
	}
	s.writeJSON(w, http.StatusOK, HistoryResponse{Transitions: records})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Plugins: s.admin.Manager().Len()}
	status := http.StatusOK
	if s.cfg.Store != nil {
		resp.Store = "ok"
		if err := s.cfg.Store.HealthCheck(r.Context()); err != nil {
			resp.Status, resp.Store = "degraded", err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeErrorMessage(w, http.StatusBadRequest, ErrorMessage{Code: CodeBadRequest, Message: msg})
}

// writeError maps a plugin error onto a status code.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var pe *plugins.Error
	if !errors.As(err, &pe) {
		s.writeErrorMessage(w, http.StatusInternalServerError, ErrorMessage{Code: CodeInternal, Message: err.Error()})
		return
	}
	msg := ErrorMessage{
		Class:     string(pe.Class),
		Code:      pe.Code,
		Message:   pe.Message,
		Details:   pe.Details,
		Retryable: pe.Code == plugins.ErrCodeInTransition,
	}
	if pe.State != nil {
		msg.State = pe.State.String()
	}
	if pe.Err != nil {
		msg.Message += ": " + pe.Err.Error()
	}

	status := http.StatusConflict
	switch pe.Code {
	case plugins.ErrCodeNotFound:
		status = http.StatusNotFound
	case plugins.ErrCodeLoadFailed, plugins.ErrCodeHookFailed, plugins.ErrCodeWiringFailed:
		status = http.StatusUnprocessableEntity
	}
	s.writeErrorMessage(w, status, msg)
}

func (s *Server) writeErrorMessage(w http.ResponseWriter, status int, msg ErrorMessage) {
	s.writeJSON(w, status, msg)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write response")
	}
}
