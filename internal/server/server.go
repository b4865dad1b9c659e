package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/signal-exec/internal/model"
	"github.com/rickgao/signal-exec/internal/orchestrator"
	"github.com/rickgao/signal-exec/internal/risk"
	"github.com/rickgao/signal-exec/internal/version"
)

const maxBodyBytes = 1 << 20

// Pinger checks a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Signals is the signal-handling side of the orchestrator.
type Signals interface {
	HandleSignal(ctx context.Context, sig model.Signal) (orchestrator.Outcome, error)
	ForceNext(ctx context.Context, key model.ThrottleKey) error
}

// Assessor runs the collaborator-facing risk check.
type Assessor interface {
	Assess(req risk.AssessRequest) (risk.AssessResponse, error)
}

// Server is the HTTP surface.
type Server struct {
	db       Pinger
	signals  Signals
	assessor Assessor
	logger   *slog.Logger
	status   []component

	router chi.Router
	srv    *http.Server
}

type component struct {
	name   string
	report func() any
}

// Option configures a Server.
type Option func(*Server)

// WithStatus adds a component to /health. report is called on every
// request and its result is rendered under name.
func WithStatus(name string, report func() any) Option {
	return func(s *Server) {
		s.status = append(s.status, component{name: name, report: report})
	}
}

// New builds the router. db may be nil, in which case /health does not
// report the database.
func New(port int, db Pinger, signals Signals, assessor Assessor, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		db:       db,
		signals:  signals,
		assessor: assessor,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Post("/signals", s.postSignal)
		r.Post("/risk/check", s.postRiskCheck)
		r.Post("/throttle/force", s.postForce)
	})

	s.router = r
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type healthResponse struct {
	Status     string         `json:"status"`
	Version    string         `json:"version"`
	Database   string         `json:"database,omitempty"`
	Components map[string]any `json:"components,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Version: version.Version}
	code := http.StatusOK

	if len(s.status) > 0 {
		resp.Components = make(map[string]any, len(s.status))
		for _, c := range s.status {
			resp.Components[c.name] = c.report()
		}
	}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			s.logger.Warn("health check: database ping failed", "error", err)
			resp.Status = "degraded"
			resp.Database = "unreachable"
			code = http.StatusServiceUnavailable
		} else {
			resp.Database = "ok"
		}
	}
	writeJSON(w, code, resp)
}

func (s *Server) postSignal(w http.ResponseWriter, r *http.Request) {
	var sig model.Signal
	if !s.decode(w, r, &sig) {
		return
	}

	out, err := s.signals.HandleSignal(r.Context(), sig)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) postRiskCheck(w http.ResponseWriter, r *http.Request) {
	var req risk.AssessRequest
	if !s.decode(w, r, &req) {
		return
	}

	resp, err := s.assessor.Assess(req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type forceRequest struct {
	Symbol      string     `json:"symbol"`
	StrategyKey string     `json:"strategy_key"`
	Side        model.Side `json:"side"`
}

func (s *Server) postForce(w http.ResponseWriter, r *http.Request) {
	var req forceRequest
	if !s.decode(w, r, &req) {
		return
	}

	key := model.ThrottleKey{Symbol: req.Symbol, StrategyKey: req.StrategyKey, Side: req.Side}
	if err := s.signals.ForceNext(r.Context(), key); err != nil {
		s.writeErr(w, err)
		return
	}
	s.logger.Info("force next signal armed", "key", key.String())
	writeJSON(w, http.StatusOK, map[string]string{"status": "armed", "key": key.String()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

type errorResponse struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields,omitempty"`
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	var vErr *model.ValidationError
	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: vErr.Error(), Fields: vErr.Fields})
	case errors.Is(err, model.ErrUnknownSymbol):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
