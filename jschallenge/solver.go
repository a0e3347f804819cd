// Package jschallenge evaluates inline JavaScript challenges outside the
// browser.
//
// Some targets protect a form with a script that computes a proof value
// (dynamic math, cookie-seeding one-liners, light obfuscation).  Such scripts
// run here in the pure-Go otto interpreter and are interrupted when the
// request deadline passes.
//
// Architecture:
//   - Solver is the public interface; callers supply a raw JavaScript snippet
//     and receive the evaluated result as a string.
//   - OttoSolver wraps an otto.Otto VM.  Each solver instance is protected by
//     a sync.Mutex so a single VM may be shared across goroutines, but the
//     JS_CHALLENGE strategy creates one per attempt so attempts never share
//     global state.
//   - The VM is seeded with a minimal browser-like global (navigator.userAgent,
//     window, document, location) so common challenge scripts run without
//     ReferenceError.
package jschallenge

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/robertkrimen/otto"
)

// ErrInterrupted is returned when the context ends while a script runs.
var ErrInterrupted = errors.New("jschallenge: evaluation interrupted")

// Solver is the interface implemented by all challenge solvers.
type Solver interface {
	// Eval executes script and returns the string representation of the
	// final expression value.  Returns an error on syntax or runtime errors.
	Eval(ctx context.Context, script string) (string, error)
}

// OttoSolver implements Solver using the otto pure-Go JavaScript interpreter.
// It is safe for concurrent use: a mutex serialises access to the shared VM.
type OttoSolver struct {
	vm *otto.Otto
	mu sync.Mutex
}

// halt is the panic value used to unwind a script from the interrupt hook.
type halt struct{}

// NewOttoSolver creates a new OttoSolver with a browser-stub environment
// pre-loaded.  userAgent is exposed as navigator.userAgent; pageURL, when
// non-empty, seeds location and document.domain.
func NewOttoSolver(userAgent, pageURL string) (*OttoSolver, error) {
	if userAgent == "" {
		userAgent = "Mozilla/5.0 (compatible; GoCaptchaEngine/1.0)"
	}
	href, host, origin := "about:blank", "", ""
	if pageURL != "" {
		u, err := url.Parse(pageURL)
		if err != nil {
			return nil, fmt.Errorf("jschallenge: parse page url: %w", err)
		}
		href, host, origin = u.String(), u.Hostname(), u.Scheme+"://"+u.Host
	}

	vm := otto.New()
	bootstrap := fmt.Sprintf(`
var window = this;
var location = { href: %q, hostname: %q, origin: %q };
var document = { cookie: "", domain: %q, location: location };
var navigator = { userAgent: %q, webdriver: false };
window.location = location;
`, href, host, origin, host, userAgent)

	if _, err := vm.Run(bootstrap); err != nil {
		return nil, fmt.Errorf("jschallenge: bootstrap JS globals: %w", err)
	}
	return &OttoSolver{vm: vm}, nil
}

// Eval executes the given JavaScript snippet and returns the string
// representation of the value produced by the last expression.  When ctx ends
// first the VM is interrupted and ErrInterrupted is returned; the VM stays
// usable afterwards.
func (s *OttoSolver) Eval(ctx context.Context, script string) (result string, err error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	interrupt := make(chan func(), 1)
	s.vm.Interrupt = interrupt
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			interrupt <- func() { panic(halt{}) }
		case <-done:
		}
	}()

	defer func() {
		if caught := recover(); caught != nil {
			if _, ok := caught.(halt); ok {
				result, err = "", fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
				return
			}
			panic(caught)
		}
	}()

	val, err := s.vm.Run(script)
	if err != nil {
		return "", fmt.Errorf("jschallenge: eval: %w", err)
	}
	if val.IsUndefined() || val.IsNull() {
		return "", nil
	}
	out, err := val.ToString()
	if err != nil {
		return "", fmt.Errorf("jschallenge: convert result to string: %w", err)
	}
	return out, nil
}

// GetCookie retrieves the value of document.cookie from the JS environment.
// Challenge scripts that seed cookies via document.cookie = "..." store them
// here.
func (s *OttoSolver) GetCookie() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, err := s.vm.Get("document")
	if err != nil {
		return "", fmt.Errorf("jschallenge: get document: %w", err)
	}
	cookieVal, err := val.Object().Get("cookie")
	if err != nil {
		return "", fmt.Errorf("jschallenge: get document.cookie: %w", err)
	}
	return cookieVal.String(), nil
}

// SetCookie injects a cookie string into document.cookie before running a
// challenge that expects existing cookies to be present.
func (s *OttoSolver) SetCookie(cookie string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.vm.Set("__cookie", cookie); err != nil {
		return fmt.Errorf("jschallenge: set document.cookie: %w", err)
	}
	if _, err := s.vm.Run("document.cookie = __cookie; delete __cookie;"); err != nil {
		return fmt.Errorf("jschallenge: set document.cookie: %w", err)
	}
	return nil
}
