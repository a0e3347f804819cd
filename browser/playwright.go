package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/firasghr/GoCaptchaEngine/fingerprint"
	"github.com/firasghr/GoCaptchaEngine/logger"
)

// attributeScript returns the attribute value, or null when the element has
// none.  It throws when nothing matches, mirroring the chromedp driver.
const attributeScript = `([sel, name]) => {
	const el = document.querySelector(sel);
	if (!el) throw new Error("no element matches " + sel);
	return el.getAttribute(name);
}`

// playwrightLauncher shares one playwright driver process.  Each Launch
// starts its own Chromium (so each handle can use its own proxy) unless
// RemoteURL is set, in which case every handle is a fresh context on the one
// remote browser.
type playwrightLauncher struct {
	opts Options
	log  *logger.Logger

	once    sync.Once
	pw      *playwright.Playwright
	remote  playwright.Browser
	initErr error
}

func newPlaywrightLauncher(opts Options) *playwrightLauncher {
	return &playwrightLauncher{opts: opts, log: opts.Log.Named("playwright")}
}

func (l *playwrightLauncher) start() error {
	l.once.Do(func() {
		pw, err := playwright.Run()
		if err != nil {
			l.initErr = fmt.Errorf("browser: start playwright: %w", err)
			return
		}
		l.pw = pw
		if l.opts.RemoteURL != "" {
			b, err := pw.Chromium.ConnectOverCDP(l.opts.RemoteURL)
			if err != nil {
				l.initErr = fmt.Errorf("browser: connect %s: %w", l.opts.RemoteURL, err)
				return
			}
			l.remote = b
		}
	})
	return l.initErr
}

func (l *playwrightLauncher) Launch(ctx context.Context, id int) (Page, error) {
	type launched struct {
		p   *playwrightPage
		err error
	}
	ch := make(chan launched, 1)
	go func() {
		if err := l.start(); err != nil {
			ch <- launched{err: err}
			return
		}
		p, err := l.launch(id)
		ch <- launched{p, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if r.p != nil {
				r.p.Close()
			}
			return nil, r.err
		}
		return r.p, nil
	case <-ctx.Done():
		// Reap the browser once the abandoned launch finishes.
		go func() {
			if r := <-ch; r.p != nil {
				r.p.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (l *playwrightLauncher) launch(id int) (*playwrightPage, error) {
	profile := l.opts.profile()
	log := l.log.With("handle", id)

	b := l.remote
	owned := b == nil
	if owned {
		opts := playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(l.opts.Headless),
			Args:     append([]string{"--disable-blink-features=AutomationControlled", "--disable-dev-shm-usage", "--no-sandbox"}, l.opts.Args...),
		}
		if l.opts.ExecPath != "" {
			opts.ExecutablePath = playwright.String(l.opts.ExecPath)
		}
		ep, err := l.opts.launchProxy()
		if err != nil {
			return nil, fmt.Errorf("browser: handle %d: %w", id, err)
		}
		if ep != nil {
			px := &playwright.Proxy{Server: ep.Server()}
			if ep.HasAuth() {
				px.Username = playwright.String(ep.Username)
				px.Password = playwright.String(ep.Password)
			}
			opts.Proxy = px
		}
		launched, err := l.pw.Chromium.Launch(opts)
		if err != nil {
			return nil, fmt.Errorf("browser: launch handle %d: %w", id, err)
		}
		b = launched
		log.Debug("browser started", "proxy", proxyLabel(ep), "ua", profile.UserAgent)
	}

	bctx, err := b.NewContext(contextOptions(profile))
	if err != nil {
		if owned {
			b.Close()
		}
		return nil, fmt.Errorf("browser: new context for handle %d: %w", id, err)
	}
	p := &playwrightPage{browser: b, owned: owned, bctx: bctx, log: log}
	if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(fingerprint.StealthScript)}); err != nil {
		return p, fmt.Errorf("browser: init script for handle %d: %w", id, err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		return p, fmt.Errorf("browser: new page for handle %d: %w", id, err)
	}
	p.page = page
	return p, nil
}

func contextOptions(profile *fingerprint.Profile) playwright.BrowserNewContextOptions {
	return playwright.BrowserNewContextOptions{
		UserAgent:        playwright.String(profile.UserAgent),
		Viewport:         &playwright.Size{Width: profile.Viewport.Width, Height: profile.Viewport.Height},
		Locale:           playwright.String(profile.Locale),
		TimezoneId:       playwright.String(profile.Timezone),
		ExtraHttpHeaders: profile.Headers(),
	}
}

func (l *playwrightLauncher) Close() error {
	if l.pw == nil {
		return nil
	}
	if l.remote != nil {
		l.remote.Close()
	}
	return l.pw.Stop()
}

// within runs a blocking playwright call and gives up when ctx ends.  The
// call itself keeps running until its own timeout, which callers derive from
// the same ctx.
func within(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// timeoutMs converts ctx's remaining time into playwright's millisecond
// timeout option.  Zero disables playwright's own default.
func timeoutMs(ctx context.Context) *float64 {
	dl, ok := ctx.Deadline()
	if !ok {
		return playwright.Float(0)
	}
	left := time.Until(dl)
	if left < time.Millisecond {
		left = time.Millisecond
	}
	return playwright.Float(float64(left.Milliseconds()))
}

type playwrightPage struct {
	browser playwright.Browser
	owned   bool
	bctx    playwright.BrowserContext
	page    playwright.Page
	log     *logger.Logger

	mu       sync.Mutex
	isolated bool
	closed   bool
}

// call wraps one playwright call with ctx handling and crash mapping.
func (p *playwrightPage) call(ctx context.Context, fn func() error) error {
	if !p.browser.IsConnected() || p.page == nil || p.page.IsClosed() {
		return ErrCrashed
	}
	err := within(ctx, fn)
	if err == nil {
		return nil
	}
	if !p.browser.IsConnected() || p.page.IsClosed() {
		return fmt.Errorf("%w: %v", ErrCrashed, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (p *playwrightPage) Navigate(ctx context.Context, url string) error {
	return p.call(ctx, func() error {
		p.mu.Lock()
		wasIsolated := p.isolated
		p.isolated = false
		p.mu.Unlock()
		if wasIsolated {
			if err := p.page.Unroute("**/*"); err != nil {
				return err
			}
		}
		_, err := p.page.Goto(url, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateLoad,
			Timeout:   timeoutMs(ctx),
		})
		return err
	})
}

func (p *playwrightPage) WaitForSelector(ctx context.Context, selector string) error {
	return p.call(ctx, func() error {
		return p.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateAttached,
			Timeout: timeoutMs(ctx),
		})
	})
}

func (p *playwrightPage) Evaluate(ctx context.Context, expr string, out any) error {
	return p.call(ctx, func() error {
		v, err := p.page.Evaluate(expr)
		if err != nil || out == nil {
			return err
		}
		return decodeInto(v, out)
	})
}

// decodeInto copies a playwright evaluation result into out through JSON, the
// same shape chromedp decodes from.
func decodeInto(v any, out any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("browser: encode result: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("browser: decode result: %w", err)
	}
	return nil
}

func (p *playwrightPage) Attribute(ctx context.Context, selector, name string) (string, bool, error) {
	var (
		val string
		ok  bool
	)
	err := p.call(ctx, func() error {
		v, err := p.page.Evaluate(attributeScript, []string{selector, name})
		if err != nil {
			return err
		}
		if s, isStr := v.(string); isStr {
			val, ok = s, true
		}
		return nil
	})
	return val, ok, err
}

func (p *playwrightPage) Click(ctx context.Context, selector string) error {
	return p.call(ctx, func() error {
		return p.page.Locator(selector).First().Click(playwright.LocatorClickOptions{Timeout: timeoutMs(ctx)})
	})
}

func (p *playwrightPage) RenderIsolated(ctx context.Context, pageURL, html string, allowHosts []string) error {
	return p.call(ctx, func() error {
		p.mu.Lock()
		already := p.isolated
		p.isolated = true
		p.mu.Unlock()
		if already {
			if err := p.page.Unroute("**/*"); err != nil {
				return err
			}
		}
		err := p.page.Route("**/*", func(route playwright.Route) {
			var rerr error
			switch DecideIsolated(pageURL, allowHosts, route.Request().URL()) {
			case Fulfill:
				rerr = route.Fulfill(playwright.RouteFulfillOptions{
					Status:      playwright.Int(200),
					ContentType: playwright.String("text/html; charset=utf-8"),
					Body:        html,
				})
			case Continue:
				rerr = route.Continue()
			default:
				rerr = route.Abort("blockedbyclient")
			}
			if rerr != nil {
				p.log.Debug("route handling failed", "url", route.Request().URL(), "error", rerr)
			}
		})
		if err != nil {
			return err
		}
		_, err = p.page.Goto(pageURL, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateLoad,
			Timeout:   timeoutMs(ctx),
		})
		return err
	})
}

func (p *playwrightPage) Ping(ctx context.Context) error {
	return p.call(ctx, func() error {
		_, err := p.page.Evaluate("1")
		return err
	})
}

func (p *playwrightPage) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.bctx.Close()
	if p.owned {
		if cerr := p.browser.Close(); cerr != nil {
			err = cerr
		}
	}
	return err
}
