package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/firasghr/GoCaptchaEngine/browser"
	"github.com/firasghr/GoCaptchaEngine/challenge"
	"github.com/firasghr/GoCaptchaEngine/jschallenge"
	"github.com/firasghr/GoCaptchaEngine/logger"
)

// DefaultScriptSelector locates the challenge script when the request does
// not name one.
const DefaultScriptSelector = "script[data-challenge]"

// pageState is what the challenge script needs from the live page.
type pageState struct {
	Source    string `json:"source"`
	UserAgent string `json:"ua"`
	Cookie    string `json:"cookie"`
}

// JSChallenge extracts an inline challenge script from the page and
// evaluates it in otto.  The script's final value is the token; a script
// that only seeds document.cookie yields the cookie string instead.
//
// Extra params:
//   - script_selector: CSS selector of the script element
type JSChallenge struct {
	Log *logger.Logger
}

func (s *JSChallenge) Run(ctx context.Context, h *browser.Handle, d challenge.Descriptor) (string, error) {
	sel := d.Param("script_selector", DefaultScriptSelector)

	if err := h.Navigate(ctx, d.TargetURL); err != nil {
		return "", classify(d.Kind, "navigate", err, NavigationFailed, NavigationFailed)
	}
	if err := h.WaitForSelector(ctx, sel); err != nil {
		return "", classify(d.Kind, "locate", err, ChallengeNotFound, ChallengeNotFound)
	}

	expr := fmt.Sprintf(`(() => ({
		source: (document.querySelector(%s) || {}).textContent || '',
		ua: navigator.userAgent,
		cookie: document.cookie
	}))()`, jsString(sel))
	var st pageState
	if err := h.Evaluate(ctx, expr, &st); err != nil {
		return "", classify(d.Kind, "extract", err, ChallengeNotFound, ChallengeNotFound)
	}
	if st.Source == "" {
		return "", &Error{Code: ChallengeNotFound, Kind: d.Kind, Step: "extract", Err: fmt.Errorf("script %s is empty", sel)}
	}

	solver, err := jschallenge.NewOttoSolver(st.UserAgent, d.TargetURL)
	if err != nil {
		return "", &Error{Code: ChallengeNotFound, Kind: d.Kind, Step: "solve", Err: err}
	}
	if st.Cookie != "" {
		if err := solver.SetCookie(st.Cookie); err != nil {
			return "", &Error{Code: ChallengeNotFound, Kind: d.Kind, Step: "solve", Err: err}
		}
	}
	token, err := solver.Eval(ctx, st.Source)
	if err != nil {
		if errors.Is(err, jschallenge.ErrInterrupted) && ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &Error{Code: ChallengeNotFound, Kind: d.Kind, Step: "solve", Err: err}
	}
	if token == "" {
		cookie, err := solver.GetCookie()
		if err != nil {
			return "", &Error{Code: ChallengeNotFound, Kind: d.Kind, Step: "solve", Err: err}
		}
		if cookie != st.Cookie {
			token = cookie
		}
	}
	if token == "" {
		return "", &Error{Code: ChallengeNotFound, Kind: d.Kind, Step: "solve", Err: fmt.Errorf("script produced no value")}
	}
	s.Log.Debug("js challenge solved", "handle", h.ID, "bytes", len(st.Source))
	return token, nil
}

