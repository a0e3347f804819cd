package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/firasghr/GoCaptchaEngine/fingerprint"
	"github.com/firasghr/GoCaptchaEngine/logger"
	"github.com/firasghr/GoCaptchaEngine/proxy"
)

// chromedpLauncher starts one Chromium process per handle, or one tab per
// handle on a remote browser when RemoteURL is set.
type chromedpLauncher struct {
	opts Options
	log  *logger.Logger
}

func newChromedpLauncher(opts Options) *chromedpLauncher {
	return &chromedpLauncher{opts: opts, log: opts.Log.Named("chromedp")}
}

func (l *chromedpLauncher) Launch(ctx context.Context, id int) (Page, error) {
	profile := l.opts.profile()
	ep, err := l.opts.launchProxy()
	if err != nil {
		return nil, fmt.Errorf("browser: handle %d: %w", id, err)
	}

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if l.opts.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), l.opts.RemoteURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), l.allocatorOptions(id, profile, ep)...)
	}
	log := l.log.With("handle", id)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithErrorf(log.Debugf))

	p := &chromedpPage{
		ctx:     tabCtx,
		cancel:  func() { tabCancel(); allocCancel() },
		log:     log,
		profile: profile,
	}
	if ep != nil && ep.HasAuth() {
		if ep.Scheme == "socks5" {
			log.Warn("chromium cannot authenticate to socks5 proxies; use browser.upstream_proxy and the bridge", "proxy", ep.String())
		}
		p.creds = ep
	}
	chromedp.ListenTarget(tabCtx, p.onEvent)

	// The first Run allocates the browser; it must not carry a timeout, so
	// the caller's ctx is only raced against it.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(tabCtx, p.setup()...) }()
	select {
	case err := <-started:
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("browser: launch handle %d: %w", id, err)
		}
	case <-ctx.Done():
		p.Close()
		return nil, ctx.Err()
	}
	log.Debug("browser started", "proxy", proxyLabel(ep), "ua", profile.UserAgent)
	return p, nil
}

func (l *chromedpLauncher) Close() error { return nil }

func (l *chromedpLauncher) allocatorOptions(id int, profile *fingerprint.Profile, ep *proxy.Endpoint) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(profile.Viewport.Width, profile.Viewport.Height),
		chromedp.UserAgent(profile.UserAgent),
		chromedp.NoSandbox,
	)
	if !l.opts.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if l.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.opts.ExecPath))
	}
	if dir := userDataDir(l.opts.UserDataDir, id); dir != "" {
		opts = append(opts, chromedp.UserDataDir(dir))
	}
	if ep != nil {
		opts = append(opts, chromedp.ProxyServer(ep.Server()))
	}
	for _, a := range l.opts.Args {
		name, value := splitArg(a)
		if value == "" {
			opts = append(opts, chromedp.Flag(name, true))
		} else {
			opts = append(opts, chromedp.Flag(name, value))
		}
	}
	return opts
}

func proxyLabel(ep *proxy.Endpoint) string {
	if ep == nil {
		return "direct"
	}
	return ep.String()
}

// isolation is the state of an in-progress isolated render.
type isolation struct {
	pageURL string
	body    string
	allow   []string
}

// chromedpPage drives one tab over CDP.
//
// Request interception (Fetch domain) is enabled only while an isolated
// render is active, or permanently when the proxy needs credentials, since
// Chromium then pauses on the auth challenge.
type chromedpPage struct {
	ctx     context.Context
	cancel  context.CancelFunc
	log     *logger.Logger
	profile *fingerprint.Profile
	creds   *proxy.Endpoint

	crashed atomic.Bool

	mu       sync.Mutex
	isolated *isolation
	closed   bool
}

func (p *chromedpPage) setup() []chromedp.Action {
	headers := make(network.Headers)
	for k, v := range p.profile.Headers() {
		headers[k] = v
	}
	actions := []chromedp.Action{
		network.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(fingerprint.StealthScript).Do(ctx)
			return err
		}),
		emulation.SetUserAgentOverride(p.profile.UserAgent).WithAcceptLanguage(p.profile.Headers()["Accept-Language"]),
		emulation.SetLocaleOverride().WithLocale(p.profile.Locale),
		emulation.SetTimezoneOverride(p.profile.Timezone),
		emulation.SetDeviceMetricsOverride(int64(p.profile.Viewport.Width), int64(p.profile.Viewport.Height), 1, false),
		network.SetExtraHTTPHeaders(headers),
	}
	if p.creds != nil {
		actions = append(actions, p.enableFetch())
	}
	return actions
}

func (p *chromedpPage) enableFetch() chromedp.Action {
	return fetch.Enable().
		WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}).
		WithHandleAuthRequests(p.creds != nil)
}

// onEvent runs on chromedp's event loop and must not block; CDP commands are
// issued from separate goroutines.
func (p *chromedpPage) onEvent(ev any) {
	switch ev := ev.(type) {
	case *fetch.EventRequestPaused:
		go p.onPaused(ev)
	case *fetch.EventAuthRequired:
		go p.onAuth(ev)
	case *inspector.EventTargetCrashed:
		p.crashed.Store(true)
		p.log.Warn("target crashed")
	case *inspector.EventDetached:
		p.crashed.Store(true)
		p.log.Warn("target detached", "reason", ev.Reason)
	}
}

func (p *chromedpPage) executor() context.Context {
	return cdp.WithExecutor(p.ctx, chromedp.FromContext(p.ctx).Target)
}

func (p *chromedpPage) onPaused(ev *fetch.EventRequestPaused) {
	p.mu.Lock()
	iso := p.isolated
	p.mu.Unlock()

	ctx := p.executor()
	var err error
	verdict := Continue
	if iso != nil {
		verdict = DecideIsolated(iso.pageURL, iso.allow, ev.Request.URL)
	}
	switch verdict {
	case Fulfill:
		err = fetch.FulfillRequest(ev.RequestID, 200).
			WithResponseHeaders([]*fetch.HeaderEntry{{Name: "Content-Type", Value: "text/html; charset=utf-8"}}).
			WithBody(base64.StdEncoding.EncodeToString([]byte(iso.body))).
			Do(ctx)
	case Abort:
		err = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(ctx)
	default:
		err = fetch.ContinueRequest(ev.RequestID).Do(ctx)
	}
	if err != nil && p.ctx.Err() == nil {
		p.log.Debug("request interception failed", "url", ev.Request.URL, "verdict", verdict.String(), "error", err)
	}
}

func (p *chromedpPage) onAuth(ev *fetch.EventAuthRequired) {
	resp := &fetch.AuthChallengeResponse{Response: fetch.AuthChallengeResponseResponseCancelAuth}
	if p.creds != nil && ev.AuthChallenge != nil && ev.AuthChallenge.Source == fetch.AuthChallengeSourceProxy {
		resp = &fetch.AuthChallengeResponse{
			Response: fetch.AuthChallengeResponseResponseProvideCredentials,
			Username: p.creds.Username,
			Password: p.creds.Password,
		}
	}
	if err := fetch.ContinueWithAuth(ev.RequestID, resp).Do(p.executor()); err != nil && p.ctx.Err() == nil {
		p.log.Debug("auth reply failed", "error", err)
	}
}

// run executes actions on the tab, bounded by ctx.
func (p *chromedpPage) run(ctx context.Context, actions ...chromedp.Action) error {
	if p.crashed.Load() {
		return ErrCrashed
	}
	rctx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(rctx, actions...)
	if err == nil {
		return nil
	}
	if p.crashed.Load() || p.ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrCrashed, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (p *chromedpPage) Navigate(ctx context.Context, url string) error {
	var actions []chromedp.Action
	p.mu.Lock()
	if p.isolated != nil {
		p.isolated = nil
		if p.creds == nil {
			actions = append(actions, fetch.Disable())
		}
	}
	p.mu.Unlock()
	actions = append(actions, chromedp.Navigate(url))
	return p.run(ctx, actions...)
}

func (p *chromedpPage) WaitForSelector(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.WaitReady(selector, chromedp.ByQuery))
}

func awaitPromise(params *runtime.EvaluateParams) *runtime.EvaluateParams {
	return params.WithAwaitPromise(true)
}

func (p *chromedpPage) Evaluate(ctx context.Context, expr string, out any) error {
	return p.run(ctx, chromedp.Evaluate(expr, out, awaitPromise))
}

func (p *chromedpPage) Attribute(ctx context.Context, selector, name string) (string, bool, error) {
	var (
		val string
		ok  bool
	)
	err := p.run(ctx, chromedp.AttributeValue(selector, name, &val, &ok, chromedp.ByQuery))
	return val, ok, err
}

func (p *chromedpPage) Click(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
}

func (p *chromedpPage) RenderIsolated(ctx context.Context, pageURL, html string, allowHosts []string) error {
	p.mu.Lock()
	p.isolated = &isolation{pageURL: pageURL, body: html, allow: allowHosts}
	p.mu.Unlock()

	actions := []chromedp.Action{chromedp.Navigate(pageURL)}
	if p.creds == nil {
		actions = append([]chromedp.Action{p.enableFetch()}, actions...)
	}
	return p.run(ctx, actions...)
}

func (p *chromedpPage) Ping(ctx context.Context) error {
	var one int
	if err := p.run(ctx, chromedp.Evaluate("1", &one)); err != nil {
		return err
	}
	if one != 1 {
		return errors.New("browser: unexpected ping result")
	}
	return nil
}

func (p *chromedpPage) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := chromedp.Cancel(p.ctx)
	p.cancel()
	if errors.Is(err, context.Canceled) || errors.Is(err, chromedp.ErrInvalidContext) {
		err = nil
	}
	return err
}
