// GoCaptchaEngine solves browser challenges on a bounded pool of headless
// browsers behind an HTTP gateway.
//
// Startup sequence (serve):
//  1. Load configuration (YAML/JSON file, GOCAPTCHA_* env, defaults).
//  2. Build the logger and, when enabled, the stdout span exporter.
//  3. Load the proxy rotation and start the credential bridge (optional).
//  4. Create the browser launcher, the pool, and warm it up.
//  5. Wire strategies, the orchestrator, the dashboard and the gateway.
//  6. Start the scheduler (idle probes, metrics log line).
//  7. Block until SIGINT or SIGTERM, then shut down in reverse order.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/firasghr/GoCaptchaEngine/browser"
	"github.com/firasghr/GoCaptchaEngine/config"
	"github.com/firasghr/GoCaptchaEngine/dashboard"
	"github.com/firasghr/GoCaptchaEngine/fingerprint"
	"github.com/firasghr/GoCaptchaEngine/gateway"
	"github.com/firasghr/GoCaptchaEngine/logger"
	"github.com/firasghr/GoCaptchaEngine/metrics"
	"github.com/firasghr/GoCaptchaEngine/orchestrator"
	"github.com/firasghr/GoCaptchaEngine/pool"
	"github.com/firasghr/GoCaptchaEngine/proxy"
	"github.com/firasghr/GoCaptchaEngine/scheduler"
	"github.com/firasghr/GoCaptchaEngine/strategy"
)

const serviceName = "gocaptcha-engine"

var configFile string

var rootCmd = &cobra.Command{
	Use:           "gocaptcha",
	Short:         "Browser-pool challenge solving engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the solve gateway",
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Long:  `Load the configuration the way serve does and print it with secrets redacted.`,
	RunE:  runConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a YAML or JSON config file (defaults plus env when omitted)")
	rootCmd.AddCommand(serveCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(dashboard.Redacted(cfg))
}

func runServe(_ *cobra.Command, _ []string) error {
	// ── Configuration ──────────────────────────────────────────────────────
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}

	// ── Logger ─────────────────────────────────────────────────────────────
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	base := logger.NewWithFormat(level, cfg.Log.Format)
	defer base.Sync()

	m := metrics.NewMetrics()
	coll := metrics.NewCollector("gocaptcha")
	pm := &proxy.ProxyManager{}

	// The dashboard is built before the pool so every later log line reaches
	// its stream; its pool source is attached once the pool exists.
	var p *pool.Pool
	dash := dashboard.New(dashboard.Options{
		Metrics: m,
		Config:  cfg,
		Pool:    poolStats(func() pool.Stats { return p.Stats() }),
		Proxies: pm,
		Log:     base,
	})
	log := base.WithOptions(zap.Hooks(dash.LogHook))
	log.Info("GoCaptchaEngine starting up", "driver", cfg.Browser.Driver, "capacity", cfg.Pool.Capacity)

	// ── Tracing ────────────────────────────────────────────────────────────
	shutdownTracing := func(context.Context) error { return nil }
	if cfg.Tracing.Enabled {
		tp, err := newTracerProvider()
		if err != nil {
			return err
		}
		shutdownTracing = tp.Shutdown
		log.Info("span export to stdout enabled")
	}

	// ── Proxies ────────────────────────────────────────────────────────────
	if cfg.Browser.ProxyFile != "" {
		if err := pm.LoadProxies(cfg.Browser.ProxyFile); err != nil {
			return fmt.Errorf("load proxies from %q: %w", cfg.Browser.ProxyFile, err)
		}
		log.Info("proxies loaded", "count", pm.Count(), "file", cfg.Browser.ProxyFile)
	}

	var bridge *proxy.Bridge
	if cfg.Browser.UpstreamProxy != "" {
		bridge, err = proxy.NewBridge(cfg.Browser.UpstreamProxy, log)
		if err != nil {
			return err
		}
		if err := bridge.Start(cfg.Browser.BridgeAddr); err != nil {
			return fmt.Errorf("start proxy bridge: %w", err)
		}
		log.Info("proxy bridge listening", "addr", bridge.Addr())
	}

	// ── Browser launcher ───────────────────────────────────────────────────
	lopts := browser.Options{
		ExecPath:    cfg.Browser.ExecPath,
		Headless:    cfg.Browser.Headless,
		RemoteURL:   cfg.Browser.RemoteURL,
		UserDataDir: cfg.Browser.UserDataDir,
		Args:        cfg.Browser.Args,
		Profiles:    fingerprint.NewGenerator(cfg.Browser.Fingerprint, time.Now().UnixNano()),
		Proxies:     pm,
		Log:         log,
	}
	if bridge != nil {
		lopts.ProxyServer = bridge.ProxyServer()
	}
	launcher, err := browser.NewLauncher(cfg.Browser.Driver, lopts)
	if err != nil {
		return err
	}

	// ── Pool ───────────────────────────────────────────────────────────────
	p = pool.New(cfg.Pool, launcher, log, coll)
	if cfg.Pool.Warmup > 0 {
		wctx, cancel := context.WithTimeout(context.Background(), cfg.Pool.StepTimeout*time.Duration(cfg.Pool.Warmup))
		err := p.Warmup(wctx, cfg.Pool.Warmup)
		cancel()
		if err != nil {
			// A cold pool still serves; handles launch lazily on demand.
			log.Warn("pool warmup incomplete", "error", err)
		} else {
			log.Info("pool warmed up", "handles", cfg.Pool.Warmup)
		}
	}

	// ── Orchestrator ───────────────────────────────────────────────────────
	table := strategy.DefaultTable(strategy.Options{Log: log})
	orch := orchestrator.New(p, &table, orchestrator.Options{
		Solve:     cfg.Solve,
		Log:       log,
		Metrics:   m,
		Collector: coll,
	})

	// ── Gateway + dashboard ────────────────────────────────────────────────
	dash.Start()
	gw := gateway.New(gateway.Options{
		Config:    cfg,
		Solver:    orch,
		Pool:      p,
		Metrics:   m,
		Collector: coll,
		Dashboard: dash,
		Log:       log,
	})
	serveErr := make(chan error, 1)
	go func() { serveErr <- gw.ListenAndServe() }()

	// ── Scheduler ──────────────────────────────────────────────────────────
	sc := scheduler.NewScheduler(log)
	sc.Every("probe-idle", cfg.Pool.ProbeInterval, func(ctx context.Context) {
		if n := p.ProbeIdle(ctx); n > 0 {
			log.Warn("idle probe retired handles", "count", n)
		}
	})
	sc.Every("metrics", 10*time.Second, func(context.Context) {
		logMetrics(log, m, p)
	})
	sc.Start()

	// ── Wait for shutdown ──────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			log.Error("gateway stopped", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout)
	defer cancel()
	if err := gw.Shutdown(ctx); err != nil {
		log.Warn("gateway shutdown", "error", err)
	}
	sc.Stop()

	pctx, pcancel := context.WithTimeout(context.Background(), cfg.Pool.ShutdownGrace+time.Second)
	defer pcancel()
	if err := p.Shutdown(pctx); err != nil {
		log.Warn("pool shutdown", "error", err)
	}
	if err := launcher.Close(); err != nil {
		log.Warn("launcher close", "error", err)
	}
	if bridge != nil {
		if err := bridge.Close(ctx); err != nil {
			log.Warn("bridge close", "error", err)
		}
	}
	dash.Stop()
	if err := shutdownTracing(ctx); err != nil {
		log.Warn("tracer shutdown", "error", err)
	}

	logMetrics(log, m, p)
	log.Info("GoCaptchaEngine stopped cleanly")
	return nil
}

type poolStats func() pool.Stats

func (f poolStats) Stats() pool.Stats { return f() }

func newTracerProvider() (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func logMetrics(log *logger.Logger, m *metrics.Metrics, p *pool.Pool) {
	total, success, failed := m.Snapshot()
	st := p.Stats()
	log.Info("metrics",
		"total", total,
		"success", success,
		"failed", failed,
		"rejected", m.RejectedCount(),
		"rps", fmt.Sprintf("%.2f", m.RequestsPerSecond()),
		"success_rate", fmt.Sprintf("%.1f%%", m.SuccessRate()*100),
		"live", st.Live,
		"busy", st.Busy,
		"waiting", st.Waiting,
	)
}
