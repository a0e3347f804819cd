// Package browser wraps one headless Chromium instance behind a small,
// driver-neutral interface and tracks its lifecycle state.
//
// Architecture notes:
//   - Page is the only surface strategies use to talk to a browser.  Two
//     drivers implement it: chromedp (CDP over a websocket, the default) and
//     playwright-go.  Tests use the fakes in browser/browsertest.
//   - Handle owns exactly one Page and adds the lifecycle state machine the
//     pool relies on (Starting, Ready, Busy, Unhealthy, Closed) plus per-step
//     time boxing.
//   - Launcher creates Pages.  The pool calls it lazily, so a Launcher must be
//     safe for concurrent use.
package browser

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

var (
	// ErrCrashed reports that the browser process or its target went away.
	// A handle that returned ErrCrashed must never be leased again.
	ErrCrashed = errors.New("browser: crashed")

	// ErrClosed is returned by operations on a destroyed handle.
	ErrClosed = errors.New("browser: handle closed")

	// ErrInvalidTransition is returned by Handle.Transition for an illegal
	// state change, including Busy→Busy.
	ErrInvalidTransition = errors.New("browser: invalid state transition")

	// ErrStepTimeout reports that one browser step exhausted its time box.
	ErrStepTimeout = errors.New("browser: step timed out")
)

// Page is one controllable browser tab.
//
// Every method blocks until the browser answers or ctx ends.  Implementations
// return an error wrapping ErrCrashed when the underlying process or target is
// gone.
type Page interface {
	// Navigate loads url and waits for the load event.
	Navigate(ctx context.Context, url string) error

	// WaitForSelector blocks until an element matching the CSS selector is
	// present in the DOM.
	WaitForSelector(ctx context.Context, selector string) error

	// Evaluate runs a JavaScript expression, awaiting it when it yields a
	// promise, and decodes the result into out (which may be nil).
	Evaluate(ctx context.Context, expr string, out any) error

	// Attribute reads an attribute of the first element matching selector.
	// ok is false when the element exists but has no such attribute.
	Attribute(ctx context.Context, selector, name string) (value string, ok bool, err error)

	// Click clicks the first element matching selector.
	Click(ctx context.Context, selector string) error

	// RenderIsolated loads pageURL but answers the document request itself
	// with html.  Subresource requests to allowHosts (and their subdomains)
	// go to the network; all other requests are aborted.  Isolation ends with
	// the next Navigate.
	RenderIsolated(ctx context.Context, pageURL, html string, allowHosts []string) error

	// Ping is a cheap liveness probe.
	Ping(ctx context.Context) error

	// Close terminates the tab and, for launched browsers, the process.
	Close() error
}

// Launcher starts browsers.  Implementations must be safe for concurrent use.
type Launcher interface {
	// Launch starts a browser and returns its first page.  id is the pool's
	// handle id, used for logging and per-handle resources.
	Launch(ctx context.Context, id int) (Page, error)

	// Close releases driver-level resources shared by all launched pages.
	Close() error
}

// Verdict is the decision for one intercepted request during an isolated
// render.
type Verdict int

const (
	// Continue lets the request reach the network.
	Continue Verdict = iota
	// Fulfill answers the request with the synthetic document.
	Fulfill
	// Abort fails the request.
	Abort
)

func (v Verdict) String() string {
	switch v {
	case Continue:
		return "continue"
	case Fulfill:
		return "fulfill"
	default:
		return "abort"
	}
}

// DecideIsolated decides what happens to reqURL while pageURL is rendered in
// isolation.  The page URL itself is fulfilled, compared after normalising
// both sides (see sameDocument); requests to allowed hosts continue and
// everything else is aborted.
func DecideIsolated(pageURL string, allowHosts []string, reqURL string) Verdict {
	if sameDocument(pageURL, reqURL) {
		return Fulfill
	}
	u, err := url.Parse(reqURL)
	if err != nil {
		return Abort
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range allowHosts {
		allowed = strings.ToLower(allowed)
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return Continue
		}
	}
	return Abort
}

// sameDocument compares two URLs the way the browser addresses a document:
// scheme and host case-insensitively, default ports dropped, fragment
// ignored and a trailing slash on the path ignored.
func sameDocument(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return documentKey(ua) == documentKey(ub)
}

func documentKey(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && !(scheme == "http" && port == "80") && !(scheme == "https" && port == "443") {
		host += ":" + port
	}
	path := strings.TrimSuffix(u.EscapedPath(), "/")
	key := scheme + "://" + host + path
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key
}
