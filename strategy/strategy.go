// Package strategy holds the per-kind solving procedures.
//
// A Strategy drives one leased browser through a challenge and returns an
// opaque token.  It never touches pool state: the only thing it reports back
// about the browser is Error.HandleHealthy, which the orchestrator passes to
// Pool.Release.
//
// Every browser call goes through *browser.Handle, which bounds each step by
// min(step timeout, request deadline).  The ctx handed to Run carries the
// request deadline.
package strategy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/firasghr/GoCaptchaEngine/browser"
	"github.com/firasghr/GoCaptchaEngine/challenge"
	"github.com/firasghr/GoCaptchaEngine/logger"
)

// Strategy solves one challenge kind.
type Strategy interface {
	// Run returns the token, or an *Error, or ctx's error when the request
	// deadline or cancellation was observed between steps.
	Run(ctx context.Context, h *browser.Handle, d challenge.Descriptor) (string, error)
}

// Func adapts a function to Strategy.
type Func func(ctx context.Context, h *browser.Handle, d challenge.Descriptor) (string, error)

func (f Func) Run(ctx context.Context, h *browser.Handle, d challenge.Descriptor) (string, error) {
	return f(ctx, h, d)
}

// Table dispatches on challenge.Kind.  A nil entry means the kind has no
// built-in solver.
type Table [challenge.NumKinds]Strategy

// Lookup returns the strategy for k.
func (t *Table) Lookup(k challenge.Kind) (Strategy, bool) {
	if k <= challenge.Unknown || k >= challenge.NumKinds || t[k] == nil {
		return nil, false
	}
	return t[k], true
}

// Options tunes the built-in strategies.
type Options struct {
	// PollInterval is how often a strategy re-checks a condition inside one
	// step.
	PollInterval time.Duration
	Log          *logger.Logger
}

// DefaultTable wires the built-in strategies.  IMAGE_TEXT stays empty.
func DefaultTable(opts Options) Table {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.Log == nil {
		opts.Log = logger.NewNop()
	}
	log := opts.Log.Named("strategy")

	var t Table
	t[challenge.RecaptchaV3] = &RecaptchaV3{PollInterval: opts.PollInterval, Log: log}
	t[challenge.RecaptchaV2] = &Widget{Spec: recaptchaV2Widget, PollInterval: opts.PollInterval, Log: log}
	t[challenge.HCaptcha] = &Widget{Spec: hcaptchaWidget, PollInterval: opts.PollInterval, Log: log}
	t[challenge.Turnstile] = &Widget{Spec: turnstileWidget, PollInterval: opts.PollInterval, Log: log}
	t[challenge.JSChallenge] = &JSChallenge{Log: log}
	return t
}

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
