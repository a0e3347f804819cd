package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/firasghr/GoCaptchaEngine/browser"
	"github.com/firasghr/GoCaptchaEngine/challenge"
)

// Code classifies a strategy failure.
type Code string

const (
	NavigationFailed  Code = "NAVIGATION_FAILED"
	ChallengeNotFound Code = "CHALLENGE_NOT_FOUND"
	SolveTimeout      Code = "SOLVE_TIMEOUT"
	UnsupportedKind   Code = "UNSUPPORTED_KIND"
	BrowserCrashed    Code = "BROWSER_CRASHED"
)

// Error is the failure report of one strategy run.
type Error struct {
	Code Code
	Kind challenge.Kind
	// Step names the browser step that failed, e.g. "navigate".
	Step string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("strategy %s: %s: %s", e.Kind, e.Step, e.Code)
	}
	return fmt.Sprintf("strategy %s: %s: %s: %v", e.Kind, e.Step, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// HandleHealthy reports whether the browser that produced the error may be
// leased again.  Timeouts and crashes leave the page in an unknown state.
func (e *Error) HandleHealthy() bool {
	return e.Code != SolveTimeout && e.Code != BrowserCrashed
}

// IsTransient reports whether err is worth retrying on a fresh lease.
func IsTransient(err error) bool {
	var se *Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code != UnsupportedKind
}

// CodeOf extracts the Code from err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// Unsupported is the error for a kind with no strategy.
func Unsupported(kind challenge.Kind) *Error {
	return &Error{Code: UnsupportedKind, Kind: kind, Step: "dispatch"}
}

// classify turns a browser step error into a strategy failure.  Context
// errors pass through unchanged so the caller can tell its own deadline or
// cancellation apart from a strategy failure.
func classify(kind challenge.Kind, step string, err error, onTimeout, otherwise Code) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, browser.ErrCrashed), errors.Is(err, browser.ErrClosed):
		return &Error{Code: BrowserCrashed, Kind: kind, Step: step, Err: err}
	case errors.Is(err, browser.ErrStepTimeout):
		return &Error{Code: onTimeout, Kind: kind, Step: step, Err: err}
	default:
		return &Error{Code: otherwise, Kind: kind, Step: step, Err: err}
	}
}
