package strategy

import (
	"context"
	"fmt"
	"html"
	"net/url"
	"time"

	"github.com/firasghr/GoCaptchaEngine/browser"
	"github.com/firasghr/GoCaptchaEngine/challenge"
	"github.com/firasghr/GoCaptchaEngine/logger"
)

// recaptchaHosts are the only origins an isolated render may reach.
var recaptchaHosts = []string{"google.com", "gstatic.com", "recaptcha.net"}

const isolatedPage = `<html><head><script src="%s"></script></head><body></body></html>`

// isolatedDocument renders isolatedPage loading script with siteKey as its
// render= parameter.  The key is query-escaped, and the URL is escaped again
// for the attribute, so no key can leave the src value.
func isolatedDocument(script, siteKey string) string {
	return fmt.Sprintf(isolatedPage, html.EscapeString(script+url.QueryEscape(siteKey)))
}

// siteKeyScript looks for a v3 key on the loaded page: the render= parameter
// of the api.js/enterprise.js tag, then any data-sitekey attribute.
const siteKeyScript = `(() => {
	for (const s of document.querySelectorAll('script[src*="recaptcha"]')) {
		const k = new URL(s.src, location.href).searchParams.get('render');
		if (k && k !== 'explicit') return k;
	}
	const el = document.querySelector('[data-sitekey]');
	return el ? el.getAttribute('data-sitekey') : '';
})()`

// RecaptchaV3 executes an invisible reCAPTCHA v3 (or Enterprise) on the
// target origin.
//
// Extra params:
//   - action: the action name passed to execute (default "homepage")
//   - enterprise: "true" selects grecaptcha.enterprise
//   - render: "isolated" serves a blank document loading only the reCAPTCHA
//     script at the target URL instead of loading the real page
type RecaptchaV3 struct {
	PollInterval time.Duration
	Log          *logger.Logger
}

func (s *RecaptchaV3) Run(ctx context.Context, h *browser.Handle, d challenge.Descriptor) (string, error) {
	enterprise := d.Param("enterprise", "false") == "true"
	ns := "grecaptcha"
	script := "https://www.google.com/recaptcha/api.js?render="
	if enterprise {
		ns = "grecaptcha.enterprise"
		script = "https://www.google.com/recaptcha/enterprise.js?render="
	}

	siteKey := d.SiteKey
	if d.Param("render", "") == "isolated" {
		if siteKey == "" {
			return "", &Error{Code: ChallengeNotFound, Kind: d.Kind, Step: "render", Err: fmt.Errorf("isolated render needs a site key")}
		}
		doc := isolatedDocument(script, siteKey)
		if err := h.RenderIsolated(ctx, d.TargetURL, doc, recaptchaHosts); err != nil {
			return "", classify(d.Kind, "render", err, NavigationFailed, NavigationFailed)
		}
	} else {
		if err := h.Navigate(ctx, d.TargetURL); err != nil {
			return "", classify(d.Kind, "navigate", err, NavigationFailed, NavigationFailed)
		}
		if siteKey == "" {
			if err := h.Evaluate(ctx, siteKeyScript, &siteKey); err != nil {
				return "", classify(d.Kind, "discover", err, ChallengeNotFound, ChallengeNotFound)
			}
			if siteKey == "" {
				return "", &Error{Code: ChallengeNotFound, Kind: d.Kind, Step: "discover", Err: fmt.Errorf("no site key on page")}
			}
		}
	}

	ready := fmt.Sprintf("typeof grecaptcha !== 'undefined' && !!%s && typeof %s.execute === 'function'", ns, ns)
	if err := h.WaitFor(ctx, ready, s.PollInterval); err != nil {
		return "", classify(d.Kind, "wait", err, ChallengeNotFound, ChallengeNotFound)
	}

	action := d.Param("action", "homepage")
	execute := fmt.Sprintf(`new Promise((resolve, reject) => %s.ready(() => %s.execute(%s, {action: %s}).then(resolve, reject)))`,
		ns, ns, jsString(siteKey), jsString(action))
	var token string
	if err := h.Evaluate(ctx, execute, &token); err != nil {
		return "", classify(d.Kind, "execute", err, SolveTimeout, ChallengeNotFound)
	}
	if token == "" {
		return "", &Error{Code: ChallengeNotFound, Kind: d.Kind, Step: "execute", Err: fmt.Errorf("empty token")}
	}
	s.Log.Debug("recaptcha v3 solved", "handle", h.ID, "action", action, "enterprise", enterprise)
	return token, nil
}
