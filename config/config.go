// Package config provides configuration management for GoCaptchaEngine.
// It supports JSON or YAML configuration files with environment-variable
// overrides and safe defaults sized for a small pool of headless browsers.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// GOCAPTCHA_POOL_CAPACITY overrides pool.capacity.
const EnvPrefix = "GOCAPTCHA"

// Config holds all tunable parameters for the engine.
// The struct is loaded once at startup and then shared across goroutines as a
// read-only value.
type Config struct {
	// ListenAddr is the address the solve gateway listens on.
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr" json:"listen_addr"`

	Pool    PoolConfig    `mapstructure:"pool" yaml:"pool" json:"pool"`
	Solve   SolveConfig   `mapstructure:"solve" yaml:"solve" json:"solve"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser" json:"browser"`
	Gateway GatewayConfig `mapstructure:"gateway" yaml:"gateway" json:"gateway"`
	Log     LogConfig     `mapstructure:"log" yaml:"log" json:"log"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing" json:"tracing"`
}

// PoolConfig sizes the browser pool.
type PoolConfig struct {
	// Capacity is the hard ceiling on live browser handles.  Each handle is a
	// full Chromium process, so this is a memory/CPU budget, not a throughput
	// knob.
	Capacity int `mapstructure:"capacity" yaml:"capacity" json:"capacity"`

	// Warmup is the number of handles launched eagerly at startup.
	Warmup int `mapstructure:"warmup" yaml:"warmup" json:"warmup"`

	// ShutdownGrace bounds how long Shutdown waits for outstanding leases.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace" json:"shutdown_grace"`

	// ProbeInterval is how often idle handles are liveness-checked.  Zero
	// disables probing.
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval" json:"probe_interval"`

	// ProbeIdleAfter selects which READY handles are probed: only those idle
	// for at least this long.
	ProbeIdleAfter time.Duration `mapstructure:"probe_idle_after" yaml:"probe_idle_after" json:"probe_idle_after"`

	// StepTimeout caps every individual browser interaction.
	StepTimeout time.Duration `mapstructure:"step_timeout" yaml:"step_timeout" json:"step_timeout"`

	// MaxUsesPerHandle retires a handle after this many leases.  Zero means
	// unlimited.
	MaxUsesPerHandle int `mapstructure:"max_uses_per_handle" yaml:"max_uses_per_handle" json:"max_uses_per_handle"`

	// DestroyWorkers is the number of goroutines that tear down retired
	// browsers in the background.
	DestroyWorkers int `mapstructure:"destroy_workers" yaml:"destroy_workers" json:"destroy_workers"`
}

// SolveConfig controls request deadlines and the retry policy.
type SolveConfig struct {
	DefaultDeadline time.Duration `mapstructure:"default_deadline" yaml:"default_deadline" json:"default_deadline"`
	MaxDeadline     time.Duration `mapstructure:"max_deadline" yaml:"max_deadline" json:"max_deadline"`
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base" yaml:"backoff_base" json:"backoff_base"`
	BackoffCap      time.Duration `mapstructure:"backoff_cap" yaml:"backoff_cap" json:"backoff_cap"`
}

// BrowserConfig selects and tunes the browser driver.
type BrowserConfig struct {
	// Driver is "chromedp" or "playwright".
	Driver string `mapstructure:"driver" yaml:"driver" json:"driver"`

	// ExecPath overrides the Chromium binary.  Empty lets the driver find one.
	ExecPath string `mapstructure:"exec_path" yaml:"exec_path" json:"exec_path"`

	Headless bool `mapstructure:"headless" yaml:"headless" json:"headless"`

	// RemoteURL attaches to an already running Chrome over CDP
	// (e.g. "http://127.0.0.1:9222") instead of launching one per handle.
	RemoteURL string `mapstructure:"remote_url" yaml:"remote_url" json:"remote_url"`

	// UserDataDir is the parent directory for per-handle profiles.  Empty
	// uses a throwaway temp profile.
	UserDataDir string `mapstructure:"user_data_dir" yaml:"user_data_dir" json:"user_data_dir"`

	// Args are extra Chromium command-line switches ("--flag" or "--flag=v").
	Args []string `mapstructure:"args" yaml:"args" json:"args"`

	// Fingerprint is "chrome" (fixed profile) or "random" (per-launch).
	Fingerprint string `mapstructure:"fingerprint" yaml:"fingerprint" json:"fingerprint"`

	// ProxyFile is a newline-delimited list of proxies rotated across
	// launches.  Leave empty to run without proxies.
	ProxyFile string `mapstructure:"proxy_file" yaml:"proxy_file" json:"proxy_file"`

	// UpstreamProxy is an authenticated proxy URL.  When set, a local bridge
	// on BridgeAddr injects the credentials and every browser uses the bridge.
	UpstreamProxy string `mapstructure:"upstream_proxy" yaml:"upstream_proxy" json:"upstream_proxy"`

	BridgeAddr string `mapstructure:"bridge_addr" yaml:"bridge_addr" json:"bridge_addr"`
}

// GatewayConfig tunes the inbound HTTP surface.
type GatewayConfig struct {
	// RateLimit is the sustained solve requests per second admitted.  Zero
	// disables limiting.
	RateLimit       float64       `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
	Burst           int           `mapstructure:"burst" yaml:"burst" json:"burst"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes" json:"max_body_bytes"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// LogConfig selects log verbosity and encoding.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"`
}

// TracingConfig toggles OpenTelemetry span export to stdout.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
}

// DefaultConfig returns a *Config pre-filled with production-sensible
// defaults.  Each call returns a fresh independent copy.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: ":8000",
		Pool: PoolConfig{
			Capacity:         2,
			Warmup:           0,
			ShutdownGrace:    10 * time.Second,
			ProbeInterval:    30 * time.Second,
			ProbeIdleAfter:   60 * time.Second,
			StepTimeout:      30 * time.Second,
			MaxUsesPerHandle: 0,
			DestroyWorkers:   2,
		},
		Solve: SolveConfig{
			DefaultDeadline: 60 * time.Second,
			MaxDeadline:     180 * time.Second,
			MaxAttempts:     3,
			BackoffBase:     500 * time.Millisecond,
			BackoffCap:      5 * time.Second,
		},
		Browser: BrowserConfig{
			Driver:      "chromedp",
			Headless:    true,
			Fingerprint: "random",
			BridgeAddr:  "127.0.0.1:18080",
		},
		Gateway: GatewayConfig{
			RateLimit:       0,
			Burst:           10,
			MaxBodyBytes:    64 << 10,
			ReadTimeout:     15 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// setDefaults registers every default with v so that environment overrides
// work even for keys absent from the config file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("listen_addr", d.ListenAddr)

	v.SetDefault("pool.capacity", d.Pool.Capacity)
	v.SetDefault("pool.warmup", d.Pool.Warmup)
	v.SetDefault("pool.shutdown_grace", d.Pool.ShutdownGrace)
	v.SetDefault("pool.probe_interval", d.Pool.ProbeInterval)
	v.SetDefault("pool.probe_idle_after", d.Pool.ProbeIdleAfter)
	v.SetDefault("pool.step_timeout", d.Pool.StepTimeout)
	v.SetDefault("pool.max_uses_per_handle", d.Pool.MaxUsesPerHandle)
	v.SetDefault("pool.destroy_workers", d.Pool.DestroyWorkers)

	v.SetDefault("solve.default_deadline", d.Solve.DefaultDeadline)
	v.SetDefault("solve.max_deadline", d.Solve.MaxDeadline)
	v.SetDefault("solve.max_attempts", d.Solve.MaxAttempts)
	v.SetDefault("solve.backoff_base", d.Solve.BackoffBase)
	v.SetDefault("solve.backoff_cap", d.Solve.BackoffCap)

	v.SetDefault("browser.driver", d.Browser.Driver)
	v.SetDefault("browser.exec_path", d.Browser.ExecPath)
	v.SetDefault("browser.headless", d.Browser.Headless)
	v.SetDefault("browser.remote_url", d.Browser.RemoteURL)
	v.SetDefault("browser.user_data_dir", d.Browser.UserDataDir)
	v.SetDefault("browser.args", d.Browser.Args)
	v.SetDefault("browser.fingerprint", d.Browser.Fingerprint)
	v.SetDefault("browser.proxy_file", d.Browser.ProxyFile)
	v.SetDefault("browser.upstream_proxy", d.Browser.UpstreamProxy)
	v.SetDefault("browser.bridge_addr", d.Browser.BridgeAddr)

	v.SetDefault("gateway.rate_limit", d.Gateway.RateLimit)
	v.SetDefault("gateway.burst", d.Gateway.Burst)
	v.SetDefault("gateway.max_body_bytes", d.Gateway.MaxBodyBytes)
	v.SetDefault("gateway.read_timeout", d.Gateway.ReadTimeout)
	v.SetDefault("gateway.shutdown_timeout", d.Gateway.ShutdownTimeout)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
}

// LoadConfig reads a JSON or YAML file at filename (format chosen by
// extension), applies GOCAPTCHA_* environment overrides on top, and returns
// the validated result.  An empty filename yields defaults plus environment.
// Unknown keys in the file are rejected so typos surface at startup.
func LoadConfig(filename string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if filename != "" {
		v.SetConfigFile(filename)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %q: %w", filename, err)
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %q: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every out-of-range field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr must not be empty"))
	}
	if c.Pool.Capacity < 1 {
		errs = append(errs, fmt.Errorf("pool.capacity must be >= 1, got %d", c.Pool.Capacity))
	}
	if c.Pool.Warmup < 0 || c.Pool.Warmup > c.Pool.Capacity {
		errs = append(errs, fmt.Errorf("pool.warmup must be within [0, capacity], got %d", c.Pool.Warmup))
	}
	if c.Pool.StepTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pool.step_timeout must be > 0, got %v", c.Pool.StepTimeout))
	}
	if c.Pool.MaxUsesPerHandle < 0 {
		errs = append(errs, fmt.Errorf("pool.max_uses_per_handle must be >= 0, got %d", c.Pool.MaxUsesPerHandle))
	}
	if c.Solve.DefaultDeadline <= 0 {
		errs = append(errs, fmt.Errorf("solve.default_deadline must be > 0, got %v", c.Solve.DefaultDeadline))
	}
	if c.Solve.MaxDeadline < c.Solve.DefaultDeadline {
		errs = append(errs, fmt.Errorf("solve.max_deadline (%v) must be >= solve.default_deadline (%v)",
			c.Solve.MaxDeadline, c.Solve.DefaultDeadline))
	}
	if c.Solve.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("solve.max_attempts must be >= 1, got %d", c.Solve.MaxAttempts))
	}
	if c.Solve.BackoffBase < 0 || c.Solve.BackoffCap < c.Solve.BackoffBase {
		errs = append(errs, fmt.Errorf("solve backoff must satisfy 0 <= base (%v) <= cap (%v)",
			c.Solve.BackoffBase, c.Solve.BackoffCap))
	}
	switch c.Browser.Driver {
	case "chromedp", "playwright":
	default:
		errs = append(errs, fmt.Errorf("browser.driver must be chromedp or playwright, got %q", c.Browser.Driver))
	}
	switch c.Browser.Fingerprint {
	case "chrome", "random":
	default:
		errs = append(errs, fmt.Errorf("browser.fingerprint must be chrome or random, got %q", c.Browser.Fingerprint))
	}
	if c.Gateway.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("gateway.rate_limit must be >= 0, got %v", c.Gateway.RateLimit))
	}
	if c.Gateway.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("gateway.max_body_bytes must be > 0, got %d", c.Gateway.MaxBodyBytes))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}
