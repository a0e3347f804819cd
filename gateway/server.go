// Package gateway is the HTTP surface of the engine: it decodes solve
// requests, hands them to the orchestrator and encodes the single result back
// to the caller.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/firasghr/GoCaptchaEngine/config"
	"github.com/firasghr/GoCaptchaEngine/dashboard"
	"github.com/firasghr/GoCaptchaEngine/logger"
	"github.com/firasghr/GoCaptchaEngine/metrics"
	"github.com/firasghr/GoCaptchaEngine/orchestrator"
	"github.com/firasghr/GoCaptchaEngine/payload"
	"github.com/firasghr/GoCaptchaEngine/pool"
)

// StatusClientClosedRequest is the non-standard status written when the
// caller went away before its result was ready.
const StatusClientClosedRequest = 499

// Solver is satisfied by *orchestrator.Orchestrator.
type Solver interface {
	Solve(ctx context.Context, req orchestrator.SolveRequest) orchestrator.SolveResult
	Inflight() map[orchestrator.State]int
}

// Options wires a Server.  Pool, Collector and Dashboard may be nil.
type Options struct {
	Config    *config.Config
	Solver    Solver
	Pool      dashboard.PoolStats
	Metrics   *metrics.Metrics
	Collector *metrics.Collector
	Dashboard *dashboard.Server
	Log       *logger.Logger
}

// Server is the solve gateway.
type Server struct {
	cfg     *config.Config
	solver  Solver
	pool    dashboard.PoolStats
	metrics *metrics.Metrics
	coll    *metrics.Collector
	log     *logger.Logger

	router *chi.Mux

	mu  sync.Mutex
	srv *http.Server
}

// SolveResponse is the body returned by POST /v1/solve.
type SolveResponse struct {
	RequestID string `json:"request_id"`
	Outcome   string `json:"outcome"`
	Token     string `json:"token,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
	Attempts  int    `json:"attempts"`
}

// StatsResponse is the body returned by GET /v1/stats.
type StatsResponse struct {
	Pool     *pool.Stats       `json:"pool,omitempty"`
	Requests RequestStats      `json:"requests"`
	Inflight map[string]int    `json:"inflight"`
	Outcomes map[string]uint64 `json:"outcomes"`
	UptimeS  float64           `json:"uptime_s"`
}

// RequestStats mirrors the counters in metrics.Metrics.
type RequestStats struct {
	Total       uint64  `json:"total"`
	Success     uint64  `json:"success"`
	Failed      uint64  `json:"failed"`
	Rejected    uint64  `json:"rejected"`
	RPS         float64 `json:"rps"`
	SuccessRate float64 `json:"success_rate"`
}

type errorResponse struct {
	Error      string              `json:"error"`
	Message    string              `json:"message,omitempty"`
	Violations []payload.Violation `json:"violations,omitempty"`
}

// New builds the router.  Call ListenAndServe or use Handler directly.
func New(opts Options) *Server {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics()
	}
	if opts.Log == nil {
		opts.Log = logger.NewNop()
	}
	s := &Server{
		cfg:     opts.Config,
		solver:  opts.Solver,
		pool:    opts.Pool,
		metrics: opts.Metrics,
		coll:    opts.Collector,
		log:     opts.Log.Named("gateway"),
	}

	r := chi.NewRouter()
	r.Use(recovery(s.log))
	r.Use(requestLogger(s.log))

	r.Get("/healthz", s.handleHealth)
	if s.coll != nil {
		r.Method(http.MethodGet, "/metrics", s.coll.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if gw := s.cfg.Gateway; gw.RateLimit > 0 {
				burst := gw.Burst
				if burst <= 0 {
					burst = 1
				}
				r.Use(rateLimit(rate.NewLimiter(rate.Limit(gw.RateLimit), burst)))
			}
			r.Post("/solve", s.handleSolve)
		})
		r.Post("/report", s.handleReport)
		r.Get("/stats", s.handleStats)
	})

	if opts.Dashboard != nil {
		r.Route("/api", opts.Dashboard.Routes)
	}

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe listens on the configured address and serves until
// Shutdown.  It returns nil after a clean shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	// No WriteTimeout: solves run up to max_deadline and SSE streams are
	// unbounded.
	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.cfg.Gateway.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	s.log.Info("listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ─── /v1/solve ───────────────────────────────────────────────────────────────

func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	body, err := payload.DecodeSolve(r.Body, s.cfg.Gateway.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, payload.ErrBodyTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if vs := body.Validate(); len(vs) > 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Violations: vs})
		return
	}

	timeout := body.Timeout(s.cfg.Solve.DefaultDeadline, s.cfg.Solve.MaxDeadline)
	req := orchestrator.SolveRequest{
		ID:         uuid.NewString(),
		Descriptor: body.Descriptor(),
		Deadline:   time.Now().Add(timeout),
	}
	res := s.solver.Solve(r.Context(), req)

	writeJSON(w, StatusFor(res.Outcome), SolveResponse{
		RequestID: res.RequestID,
		Outcome:   string(res.Outcome),
		Token:     res.Token,
		ErrorCode: string(res.ErrorCode),
		ElapsedMs: res.Elapsed.Milliseconds(),
		Attempts:  res.Attempts,
	})
}

// StatusFor maps an outcome to the HTTP status of the solve response.
func StatusFor(o orchestrator.Outcome) int {
	switch o {
	case orchestrator.Success:
		return http.StatusOK
	case orchestrator.Timeout:
		return http.StatusGatewayTimeout
	case orchestrator.PoolExhausted:
		return http.StatusServiceUnavailable
	case orchestrator.StrategyFailed:
		return http.StatusUnprocessableEntity
	case orchestrator.BrowserCrashed:
		return http.StatusBadGateway
	case orchestrator.Cancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// ─── /v1/report ──────────────────────────────────────────────────────────────

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	body, err := payload.DecodeReport(r.Body, s.cfg.Gateway.MaxBodyBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if vs := body.Validate(); len(vs) > 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Violations: vs})
		return
	}
	s.metrics.IncrementRejected()
	if s.coll != nil {
		s.coll.TokenRejected()
	}
	s.log.Warn("token rejected by target", "request", body.RequestID, "reason", body.Reason)
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

// ─── /v1/stats, /healthz ─────────────────────────────────────────────────────

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	total, success, failed := s.metrics.Snapshot()
	resp := StatsResponse{
		Requests: RequestStats{
			Total:       total,
			Success:     success,
			Failed:      failed,
			Rejected:    s.metrics.RejectedCount(),
			RPS:         s.metrics.RequestsPerSecond(),
			SuccessRate: s.metrics.SuccessRate(),
		},
		Inflight: map[string]int{},
		Outcomes: s.metrics.Outcomes(),
		UptimeS:  s.metrics.Uptime().Seconds(),
	}
	if s.pool != nil {
		st := s.pool.Stats()
		resp.Pool = &st
	}
	if s.solver != nil {
		for state, n := range s.solver.Inflight() {
			resp.Inflight[string(state)] = n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.pool != nil && s.pool.Stats().Closed {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: code, Message: msg})
}
