package browser

import (
	"fmt"
	"strings"

	"github.com/firasghr/GoCaptchaEngine/fingerprint"
	"github.com/firasghr/GoCaptchaEngine/logger"
	"github.com/firasghr/GoCaptchaEngine/proxy"
)

// Driver names accepted by NewLauncher.
const (
	DriverChromedp   = "chromedp"
	DriverPlaywright = "playwright"
)

// ProxySource hands out one proxy address per launch.  *proxy.ProxyManager
// satisfies it.
type ProxySource interface {
	GetNextProxy() string
}

// Options configures a Launcher.
type Options struct {
	// ExecPath overrides the Chromium binary.  Empty means auto-detect.
	ExecPath string
	Headless bool

	// RemoteURL attaches to an already running browser instead of launching
	// one (a DevTools websocket URL for chromedp, a CDP endpoint for
	// playwright).
	RemoteURL string

	// UserDataDir, when set, gets one sub-directory per handle.
	UserDataDir string

	// Args are extra Chromium command-line switches ("--foo=bar" or "--foo").
	Args []string

	// Profiles yields the fingerprint for each launch.  Nil means the fixed
	// Chrome profile.
	Profiles *fingerprint.Generator

	// Proxies rotates upstream proxies across launches.  Ignored when
	// ProxyServer is set.
	Proxies ProxySource

	// ProxyServer forces every browser through one credential-free proxy,
	// typically the local bridge.
	ProxyServer string

	Log *logger.Logger
}

// NewLauncher returns the Launcher for driver.
func NewLauncher(driver string, opts Options) (Launcher, error) {
	if opts.Log == nil {
		opts.Log = logger.NewNop()
	}
	switch strings.ToLower(driver) {
	case "", DriverChromedp:
		return newChromedpLauncher(opts), nil
	case DriverPlaywright:
		return newPlaywrightLauncher(opts), nil
	default:
		return nil, fmt.Errorf("browser: unknown driver %q", driver)
	}
}

func (o Options) profile() *fingerprint.Profile {
	if o.Profiles == nil {
		return fingerprint.ChromeProfile()
	}
	return o.Profiles.Next()
}

// launchProxy picks the proxy for one launch.  A nil endpoint means a direct
// connection.
func (o Options) launchProxy() (*proxy.Endpoint, error) {
	raw := o.ProxyServer
	if raw == "" && o.Proxies != nil {
		raw = o.Proxies.GetNextProxy()
	}
	if raw == "" {
		return nil, nil
	}
	ep, err := proxy.Parse(raw)
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// splitArg turns "--name=value" into ("name", "value") and "--name" into
// ("name", "").
func splitArg(arg string) (string, string) {
	arg = strings.TrimLeft(arg, "-")
	name, value, _ := strings.Cut(arg, "=")
	return name, value
}

func userDataDir(base string, id int) string {
	if base == "" {
		return ""
	}
	return fmt.Sprintf("%s/handle-%d", strings.TrimRight(base, "/"), id)
}
