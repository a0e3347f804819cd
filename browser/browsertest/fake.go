// Package browsertest provides in-memory browser.Page and browser.Launcher
// implementations for tests that must not start Chromium.
package browsertest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/firasghr/GoCaptchaEngine/browser"
)

// Page is a scriptable browser.Page.  Nil hooks succeed.  Delay is applied
// to every call and honours ctx.
type Page struct {
	Delay time.Duration

	NavigateFunc  func(ctx context.Context, url string) error
	WaitFunc      func(ctx context.Context, selector string) error
	EvaluateFunc  func(ctx context.Context, expr string) (any, error)
	AttributeFunc func(ctx context.Context, selector, name string) (string, bool, error)
	ClickFunc     func(ctx context.Context, selector string) error
	RenderFunc    func(ctx context.Context, pageURL, html string, allowHosts []string) error
	PingFunc      func(ctx context.Context) error
	CloseFunc     func() error

	mu     sync.Mutex
	calls  []string
	closed bool
}

var _ browser.Page = (*Page)(nil)

func (p *Page) record(ctx context.Context, call string) error {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return browser.ErrCrashed
	}
	if p.Delay <= 0 {
		return nil
	}
	t := time.NewTimer(p.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Calls returns the recorded call names ("navigate <url>", "evaluate", ...).
func (p *Page) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.record(ctx, "navigate "+url); err != nil {
		return err
	}
	if p.NavigateFunc != nil {
		return p.NavigateFunc(ctx, url)
	}
	return nil
}

func (p *Page) WaitForSelector(ctx context.Context, selector string) error {
	if err := p.record(ctx, "wait "+selector); err != nil {
		return err
	}
	if p.WaitFunc != nil {
		return p.WaitFunc(ctx, selector)
	}
	return nil
}

// Evaluate passes the hook's value through JSON into out, like the real
// drivers.  Without a hook the result is true, which satisfies polls.
func (p *Page) Evaluate(ctx context.Context, expr string, out any) error {
	if err := p.record(ctx, "evaluate"); err != nil {
		return err
	}
	var v any = true
	if p.EvaluateFunc != nil {
		var err error
		if v, err = p.EvaluateFunc(ctx, expr); err != nil {
			return err
		}
	}
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (p *Page) Attribute(ctx context.Context, selector, name string) (string, bool, error) {
	if err := p.record(ctx, "attribute "+name); err != nil {
		return "", false, err
	}
	if p.AttributeFunc != nil {
		return p.AttributeFunc(ctx, selector, name)
	}
	return "", false, nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	if err := p.record(ctx, "click "+selector); err != nil {
		return err
	}
	if p.ClickFunc != nil {
		return p.ClickFunc(ctx, selector)
	}
	return nil
}

func (p *Page) RenderIsolated(ctx context.Context, pageURL, html string, allowHosts []string) error {
	if err := p.record(ctx, "render "+pageURL); err != nil {
		return err
	}
	if p.RenderFunc != nil {
		return p.RenderFunc(ctx, pageURL, html, allowHosts)
	}
	return nil
}

func (p *Page) Ping(ctx context.Context) error {
	if err := p.record(ctx, "ping"); err != nil {
		return err
	}
	if p.PingFunc != nil {
		return p.PingFunc(ctx)
	}
	return nil
}

// Close marks the page closed and then runs CloseFunc, so a blocking
// CloseFunc models a slow browser teardown.
func (p *Page) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	if p.CloseFunc != nil {
		return p.CloseFunc()
	}
	return nil
}

// Launcher hands out fake pages.  NewPage, when set, builds the page for each
// launch; Err, when set, decides whether a launch fails.
type Launcher struct {
	Delay   time.Duration
	NewPage func(id int) *Page
	Err     func(id int) error

	mu       sync.Mutex
	launched int
	pages    []*Page
	closed   bool
}

var _ browser.Launcher = (*Launcher)(nil)

func (l *Launcher) Launch(ctx context.Context, id int) (browser.Page, error) {
	if l.Delay > 0 {
		t := time.NewTimer(l.Delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
	if l.Err != nil {
		if err := l.Err(id); err != nil {
			return nil, err
		}
	}
	p := &Page{}
	if l.NewPage != nil {
		p = l.NewPage(id)
	}
	l.mu.Lock()
	l.launched++
	l.pages = append(l.pages, p)
	l.mu.Unlock()
	return p, nil
}

// Launched returns the number of successful launches.
func (l *Launcher) Launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launched
}

// Pages returns every page handed out so far.
func (l *Launcher) Pages() []*Page {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Page(nil), l.pages...)
}

func (l *Launcher) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (l *Launcher) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
