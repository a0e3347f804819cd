// Package dashboard provides the real-time operator endpoints of GoCaptchaEngine.
//
// Routes, relative to where the gateway mounts them (/api):
//
//	GET  /metrics/stream   SSE solve counters and pool state
//	GET  /logs/stream      SSE log entries, history first
//	GET  /config           effective configuration, proxy password masked
//	POST /proxy            replace the proxy list (multipart field "proxies")
package dashboard

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap/zapcore"

	"github.com/firasghr/GoCaptchaEngine/config"
	"github.com/firasghr/GoCaptchaEngine/logger"
	"github.com/firasghr/GoCaptchaEngine/metrics"
	"github.com/firasghr/GoCaptchaEngine/pool"
)

// ─── Data Types ───────────────────────────────────────────────────────────────

// MetricsSnapshot is the JSON payload pushed to dashboard clients every tick.
type MetricsSnapshot struct {
	Timestamp   int64             `json:"timestamp"`
	Total       uint64            `json:"total"`
	Success     uint64            `json:"success"`
	Failed      uint64            `json:"failed"`
	Rejected    uint64            `json:"rejected"`
	RPS         float64           `json:"rps"`
	SuccessRate float64           `json:"success_rate"`
	Outcomes    map[string]uint64 `json:"outcomes"`
	Pool        pool.Stats        `json:"pool"`
}

// LogEntry is a structured log line streamed to the dashboard.
type LogEntry struct {
	Timestamp int64  `json:"ts"`
	Level     string `json:"level"`
	Logger    string `json:"logger,omitempty"`
	Message   string `json:"message"`
}

// PoolStats is satisfied by *pool.Pool.
type PoolStats interface {
	Stats() pool.Stats
}

// ProxyLoader is satisfied by *proxy.ProxyManager.
type ProxyLoader interface {
	LoadProxies(filename string) error
	Count() int
}

// Options wires a Server.  Pool and Proxies may be nil.
type Options struct {
	Metrics *metrics.Metrics
	Config  *config.Config
	Pool    PoolStats
	Proxies ProxyLoader
	// Interval is the metrics push period.  Defaults to 500 ms.
	Interval time.Duration
	Log      *logger.Logger
}

// ─── Server ───────────────────────────────────────────────────────────────────

// Server serves the dashboard endpoints.
type Server struct {
	metrics  *metrics.Metrics
	cfg      *config.Config
	pool     PoolStats
	proxies  ProxyLoader
	interval time.Duration
	log      *logger.Logger

	logFeed     *feed[LogEntry]
	metricsFeed *feed[MetricsSnapshot]

	stopOnce sync.Once
	stop     chan struct{}
}

// logHistory bounds the entries replayed to a new log stream.
const logHistory = 10_000

// New creates a dashboard Server.  Call Start to begin pushing metrics.
func New(opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics()
	}
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.Log == nil {
		opts.Log = logger.NewNop()
	}
	return &Server{
		metrics:     opts.Metrics,
		cfg:         opts.Config,
		pool:        opts.Pool,
		proxies:     opts.Proxies,
		interval:    opts.Interval,
		log:         opts.Log.Named("dashboard"),
		logFeed:     newFeed[LogEntry](logHistory, 256),
		metricsFeed: newFeed[MetricsSnapshot](0, 16),
		stop:        make(chan struct{}),
	}
}

// Routes registers the dashboard endpoints on r.
func (s *Server) Routes(r chi.Router) {
	r.Use(allowAnyOrigin)
	r.Get("/metrics/stream", s.handleMetricsStream)
	r.Get("/logs/stream", s.handleLogsStream)
	r.Get("/config", s.handleConfig)
	r.Post("/proxy", s.handleProxy)
}

// Start launches the goroutine that pushes a snapshot every interval.
func (s *Server) Start() {
	go func() {
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-t.C:
				if s.metricsFeed.size() > 0 {
					s.metricsFeed.publish(s.Snapshot())
				}
			}
		}
	}()
}

// Stop ends the ticker.  Open streams end when their clients disconnect or
// the HTTP server shuts down.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// AddLog records one entry for /api/logs/stream.
func (s *Server) AddLog(level, name, message string) {
	s.logFeed.publish(LogEntry{
		Timestamp: time.Now().UnixMilli(),
		Level:     level,
		Logger:    name,
		Message:   message,
	})
}

// LogHook mirrors zap entries into the dashboard; install it with
// zap.Hooks.
func (s *Server) LogHook(e zapcore.Entry) error {
	s.AddLog(e.Level.CapitalString(), e.LoggerName, e.Message)
	return nil
}

// Snapshot returns the current metrics payload.
func (s *Server) Snapshot() MetricsSnapshot {
	total, success, failed := s.metrics.Snapshot()
	snap := MetricsSnapshot{
		Timestamp:   time.Now().UnixMilli(),
		Total:       total,
		Success:     success,
		Failed:      failed,
		Rejected:    s.metrics.RejectedCount(),
		RPS:         s.metrics.RequestsPerSecond(),
		SuccessRate: s.metrics.SuccessRate(),
		Outcomes:    s.metrics.Outcomes(),
	}
	if s.pool != nil {
		snap.Pool = s.pool.Stats()
	}
	return snap
}

func allowAnyOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ─── streams ─────────────────────────────────────────────────────────────────

func (s *Server) handleMetricsStream(w http.ResponseWriter, r *http.Request) {
	ch, _, cancel := s.metricsFeed.subscribe()
	defer cancel()
	// A fresh client gets a frame right away instead of waiting a tick.
	serveSSE(w, r, []MetricsSnapshot{s.Snapshot()}, ch)
}

func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	ch, history, cancel := s.logFeed.subscribe()
	defer cancel()
	serveSSE(w, r, history, ch)
}

// ─── /api/config ─────────────────────────────────────────────────────────────

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := Redacted(s.cfg)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(cfg); err != nil {
		s.log.Warn("encode config", "error", err)
	}
}

// Redacted returns a copy of cfg with proxy credentials masked.
func Redacted(cfg *config.Config) config.Config {
	out := *cfg
	out.Browser.Args = append([]string(nil), cfg.Browser.Args...)
	if u, err := url.Parse(out.Browser.UpstreamProxy); err == nil && u.User != nil {
		out.Browser.UpstreamProxy = u.Redacted()
	}
	return out
}

// ─── /api/proxy ──────────────────────────────────────────────────────────────

const maxProxyList = 10 << 20

// handleProxy replaces the proxy rotation.  Browsers already running keep
// their proxy; the next launch picks from the new list.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if s.proxies == nil {
		http.Error(w, "proxy rotation not configured", http.StatusNotFound)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxProxyList)
	file, header, err := r.FormFile("proxies")
	if err != nil {
		http.Error(w, "expected a multipart upload with a \"proxies\" file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	path, n, err := spool(file)
	if err != nil {
		s.log.Error("spool proxy list", "error", err)
		http.Error(w, "could not store upload", http.StatusInternalServerError)
		return
	}
	defer os.Remove(path)

	if err := s.proxies.LoadProxies(path); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	count := s.proxies.Count()
	s.log.Info("proxy list replaced", "file", header.Filename, "bytes", n, "proxies", count)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "proxies": count, "bytes": n})
}

// spool copies r to a temp file, since ProxyLoader reads from disk.
func spool(r io.Reader) (string, int64, error) {
	f, err := os.CreateTemp("", "proxies-*.txt")
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", 0, err
	}
	return f.Name(), n, nil
}
