package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/firasghr/GoCaptchaEngine/browser"
	"github.com/firasghr/GoCaptchaEngine/challenge"
	"github.com/firasghr/GoCaptchaEngine/logger"
)

// WidgetSpec describes one vendor's embeddable widget.
type WidgetSpec struct {
	// Selector matches the widget container or its iframe.
	Selector string
	// Ready is a boolean JS expression, true once the vendor API loaded.
	Ready string
	// Execute triggers the (invisible) challenge.
	Execute string
	// Response is a JS expression yielding the current token or "".
	Response string
	// TokenInput, when set, is read as an attribute instead of evaluating
	// Response a second time.
	TokenInput string
}

var (
	recaptchaV2Widget = WidgetSpec{
		Selector: `.g-recaptcha, [data-sitekey], iframe[src*="recaptcha/api2/anchor"]`,
		Ready:    "typeof grecaptcha !== 'undefined' && typeof grecaptcha.execute === 'function'",
		Execute:  "(() => { try { grecaptcha.execute(); } catch (e) {} return true; })()",
		Response: `((document.querySelector('textarea[name="g-recaptcha-response"]') || {}).value || '')`,
	}
	hcaptchaWidget = WidgetSpec{
		Selector: `.h-captcha, iframe[src*="hcaptcha.com"]`,
		Ready:    "typeof hcaptcha !== 'undefined' && typeof hcaptcha.execute === 'function'",
		Execute:  "(() => { try { hcaptcha.execute(); } catch (e) {} return true; })()",
		Response: `((document.querySelector('textarea[name="h-captcha-response"]') || {}).value || '')`,
	}
	turnstileWidget = WidgetSpec{
		Selector:   `.cf-turnstile, input[name="cf-turnstile-response"]`,
		Ready:      "typeof turnstile !== 'undefined'",
		Execute:    "(() => { try { turnstile.execute('.cf-turnstile'); } catch (e) {} return true; })()",
		Response:   `((document.querySelector('input[name="cf-turnstile-response"]') || {}).value || '')`,
		TokenInput: `input[name="cf-turnstile-response"]`,
	}
)

// Widget solves checkbox/invisible widgets that publish their token into a
// hidden form field: navigate, wait for the widget, trigger execution, poll
// the response field.
type Widget struct {
	Spec         WidgetSpec
	PollInterval time.Duration
	Log          *logger.Logger
}

func (s *Widget) Run(ctx context.Context, h *browser.Handle, d challenge.Descriptor) (string, error) {
	if err := h.Navigate(ctx, d.TargetURL); err != nil {
		return "", classify(d.Kind, "navigate", err, NavigationFailed, NavigationFailed)
	}
	if err := h.WaitForSelector(ctx, s.Spec.Selector); err != nil {
		return "", classify(d.Kind, "locate", err, ChallengeNotFound, ChallengeNotFound)
	}
	if err := h.WaitFor(ctx, s.Spec.Ready, s.PollInterval); err != nil {
		return "", classify(d.Kind, "wait", err, ChallengeNotFound, ChallengeNotFound)
	}
	if err := h.Evaluate(ctx, s.Spec.Execute, nil); err != nil {
		return "", classify(d.Kind, "execute", err, SolveTimeout, ChallengeNotFound)
	}
	if err := h.WaitFor(ctx, s.Spec.Response+".length > 0", s.PollInterval); err != nil {
		return "", classify(d.Kind, "poll", err, SolveTimeout, ChallengeNotFound)
	}

	var token string
	if s.Spec.TokenInput != "" {
		v, ok, err := h.Attribute(ctx, s.Spec.TokenInput, "value")
		if err != nil {
			return "", classify(d.Kind, "read", err, SolveTimeout, ChallengeNotFound)
		}
		if ok {
			token = v
		}
	}
	if token == "" {
		if err := h.Evaluate(ctx, s.Spec.Response, &token); err != nil {
			return "", classify(d.Kind, "read", err, SolveTimeout, ChallengeNotFound)
		}
	}
	if token == "" {
		return "", &Error{Code: ChallengeNotFound, Kind: d.Kind, Step: "read", Err: fmt.Errorf("response field empty")}
	}
	s.Log.Debug("widget solved", "kind", d.Kind.String(), "handle", h.ID)
	return token, nil
}
