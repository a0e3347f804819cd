package strategy_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firasghr/GoCaptchaEngine/browser"
	"github.com/firasghr/GoCaptchaEngine/browser/browsertest"
	"github.com/firasghr/GoCaptchaEngine/challenge"
	"github.com/firasghr/GoCaptchaEngine/strategy"
)

const target = "https://shop.example.com/login"

func handle(page *browsertest.Page, step time.Duration) *browser.Handle {
	return browser.NewHandle(1, page, step)
}

func table() strategy.Table {
	return strategy.DefaultTable(strategy.Options{PollInterval: 2 * time.Millisecond})
}

func run(t *testing.T, page *browsertest.Page, d challenge.Descriptor) (string, error) {
	t.Helper()
	tbl := table()
	s, ok := tbl.Lookup(d.Kind)
	require.True(t, ok, "no strategy for %s", d.Kind)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.Run(ctx, handle(page, time.Second), d)
}

func requireCode(t *testing.T, err error, code strategy.Code) *strategy.Error {
	t.Helper()
	var se *strategy.Error
	require.True(t, errors.As(err, &se), "want *strategy.Error, got %v", err)
	assert.Equal(t, code, se.Code)
	return se
}

func TestTable_CoversEveryKind(t *testing.T) {
	tbl := table()
	for _, k := range challenge.Kinds() {
		_, ok := tbl.Lookup(k)
		if k == challenge.ImageText {
			assert.False(t, ok, "IMAGE_TEXT has no built-in solver")
			continue
		}
		assert.True(t, ok, "missing strategy for %s", k)
	}
	_, ok := tbl.Lookup(challenge.Unknown)
	assert.False(t, ok)
	_, ok = tbl.Lookup(challenge.Kind(99))
	assert.False(t, ok)
}

func TestRecaptchaV3_Navigate(t *testing.T) {
	var executed string
	page := &browsertest.Page{
		EvaluateFunc: func(_ context.Context, expr string) (any, error) {
			if strings.Contains(expr, ".execute(") && strings.Contains(expr, "Promise") {
				executed = expr
				return "v3-token", nil
			}
			return true, nil
		},
	}
	d := challenge.New(challenge.RecaptchaV3, target, "site-key", map[string]string{"action": "login"})

	token, err := run(t, page, d)
	require.NoError(t, err)
	assert.Equal(t, "v3-token", token)
	assert.Equal(t, "navigate "+target, page.Calls()[0])
	assert.Contains(t, executed, `grecaptcha.execute("site-key", {action: "login"})`)
}

func TestRecaptchaV3_IsolatedEnterprise(t *testing.T) {
	var (
		gotHTML  string
		gotAllow []string
		executed string
	)
	page := &browsertest.Page{
		RenderFunc: func(_ context.Context, _, html string, allow []string) error {
			gotHTML, gotAllow = html, allow
			return nil
		},
		EvaluateFunc: func(_ context.Context, expr string) (any, error) {
			if strings.Contains(expr, "Promise") {
				executed = expr
				return "ent-token", nil
			}
			return true, nil
		},
	}
	d := challenge.New(challenge.RecaptchaV3, target, "KEY", map[string]string{"render": "isolated", "enterprise": "true"})

	token, err := run(t, page, d)
	require.NoError(t, err)
	assert.Equal(t, "ent-token", token)
	assert.Contains(t, gotHTML, `https://www.google.com/recaptcha/enterprise.js?render=KEY`)
	assert.ElementsMatch(t, []string{"google.com", "gstatic.com", "recaptcha.net"}, gotAllow)
	assert.Contains(t, executed, `grecaptcha.enterprise.execute("KEY", {action: "homepage"})`)
	assert.Equal(t, "render "+target, page.Calls()[0])
}

func TestRecaptchaV3_IsolatedEscapesSiteKey(t *testing.T) {
	var gotHTML string
	page := &browsertest.Page{
		RenderFunc: func(_ context.Context, _, html string, _ []string) error {
			gotHTML = html
			return nil
		},
		EvaluateFunc: func(_ context.Context, expr string) (any, error) {
			if strings.Contains(expr, "Promise") {
				return "tok", nil
			}
			return true, nil
		},
	}
	key := `K"></script><script>localStorage.x=1</script><script src="`
	d := challenge.New(challenge.RecaptchaV3, target, key, map[string]string{"render": "isolated"})

	_, err := run(t, page, d)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(gotHTML, "<script"), "served document: %s", gotHTML)
	assert.NotContains(t, gotHTML, "localStorage.x=1</script>")
	assert.Contains(t, gotHTML, `api.js?render=K%22%3E%3C%2Fscript%3E`)
}

func TestRecaptchaV3_IsolatedNeedsSiteKey(t *testing.T) {
	d := challenge.New(challenge.RecaptchaV3, target, "", map[string]string{"render": "isolated"})
	_, err := run(t, &browsertest.Page{}, d)
	se := requireCode(t, err, strategy.ChallengeNotFound)
	assert.True(t, se.HandleHealthy())
}

func TestRecaptchaV3_DiscoversSiteKey(t *testing.T) {
	var executed string
	page := &browsertest.Page{
		EvaluateFunc: func(_ context.Context, expr string) (any, error) {
			switch {
			case strings.Contains(expr, "data-sitekey"):
				return "found-key", nil
			case strings.Contains(expr, "Promise"):
				executed = expr
				return "tok", nil
			}
			return true, nil
		},
	}
	_, err := run(t, page, challenge.New(challenge.RecaptchaV3, target, "", nil))
	require.NoError(t, err)
	assert.Contains(t, executed, `"found-key"`)
}

func TestRecaptchaV3_NoSiteKeyOnPage(t *testing.T) {
	page := &browsertest.Page{
		EvaluateFunc: func(_ context.Context, expr string) (any, error) {
			if strings.Contains(expr, "data-sitekey") {
				return "", nil
			}
			return true, nil
		},
	}
	_, err := run(t, page, challenge.New(challenge.RecaptchaV3, target, "", nil))
	requireCode(t, err, strategy.ChallengeNotFound)
}

func TestNavigationFailureIsHealthy(t *testing.T) {
	page := &browsertest.Page{
		NavigateFunc: func(context.Context, string) error { return errors.New("net::ERR_NAME_NOT_RESOLVED") },
	}
	for _, k := range []challenge.Kind{challenge.RecaptchaV3, challenge.HCaptcha, challenge.JSChallenge} {
		_, err := run(t, page, challenge.New(k, target, "k", nil))
		se := requireCode(t, err, strategy.NavigationFailed)
		assert.True(t, se.HandleHealthy())
		assert.Equal(t, "navigate", se.Step)
		assert.True(t, strategy.IsTransient(err))
	}
}

func TestCrashIsFatalToHandle(t *testing.T) {
	page := &browsertest.Page{
		NavigateFunc: func(context.Context, string) error { return browser.ErrCrashed },
	}
	_, err := run(t, page, challenge.New(challenge.Turnstile, target, "", nil))
	se := requireCode(t, err, strategy.BrowserCrashed)
	assert.False(t, se.HandleHealthy())
	assert.ErrorIs(t, err, browser.ErrCrashed)
}

func TestWidget_TurnstileReadsAttribute(t *testing.T) {
	page := &browsertest.Page{
		AttributeFunc: func(_ context.Context, sel, name string) (string, bool, error) {
			if sel == `input[name="cf-turnstile-response"]` && name == "value" {
				return "cf-token", true, nil
			}
			return "", false, nil
		},
	}
	token, err := run(t, page, challenge.New(challenge.Turnstile, target, "", nil))
	require.NoError(t, err)
	assert.Equal(t, "cf-token", token)
}

func TestWidget_HCaptchaPollsResponse(t *testing.T) {
	polls := 0
	page := &browsertest.Page{
		EvaluateFunc: func(_ context.Context, expr string) (any, error) {
			switch {
			case strings.HasSuffix(expr, ".length > 0"):
				polls++
				return polls >= 3, nil
			case strings.Contains(expr, "h-captcha-response"):
				return "h-token", nil
			}
			return true, nil
		},
	}
	token, err := run(t, page, challenge.New(challenge.HCaptcha, target, "", nil))
	require.NoError(t, err)
	assert.Equal(t, "h-token", token)
	assert.Equal(t, 3, polls)
}

func TestWidget_MissingWidget(t *testing.T) {
	page := &browsertest.Page{
		WaitFunc: func(ctx context.Context, _ string) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	tbl := table()
	s, _ := tbl.Lookup(challenge.RecaptchaV2)
	_, err := s.Run(context.Background(), handle(page, 20*time.Millisecond), challenge.New(challenge.RecaptchaV2, target, "", nil))
	se := requireCode(t, err, strategy.ChallengeNotFound)
	assert.Equal(t, "locate", se.Step)
	assert.True(t, se.HandleHealthy())
}

func TestWidget_HungSolveIsTimeout(t *testing.T) {
	page := &browsertest.Page{
		EvaluateFunc: func(ctx context.Context, expr string) (any, error) {
			if strings.HasSuffix(expr, ".length > 0") {
				return false, nil
			}
			return true, nil
		},
	}
	tbl := table()
	s, _ := tbl.Lookup(challenge.RecaptchaV2)
	_, err := s.Run(context.Background(), handle(page, 30*time.Millisecond), challenge.New(challenge.RecaptchaV2, target, "", nil))
	se := requireCode(t, err, strategy.SolveTimeout)
	assert.False(t, se.HandleHealthy())
}

func jsPage(source, cookie string) *browsertest.Page {
	return &browsertest.Page{
		EvaluateFunc: func(context.Context, string) (any, error) {
			return map[string]string{"source": source, "ua": "TestAgent/1.0", "cookie": cookie}, nil
		},
	}
}

func TestJSChallenge_EvaluatesScript(t *testing.T) {
	token, err := run(t, jsPage("var a = 6; a * 7;", ""), challenge.New(challenge.JSChallenge, target, "", nil))
	require.NoError(t, err)
	assert.Equal(t, "42", token)
}

func TestJSChallenge_SeesPageEnvironment(t *testing.T) {
	token, err := run(t, jsPage("navigator.userAgent + '@' + location.hostname", ""), challenge.New(challenge.JSChallenge, target, "", nil))
	require.NoError(t, err)
	assert.Equal(t, "TestAgent/1.0@shop.example.com", token)
}

func TestJSChallenge_CookieSeeding(t *testing.T) {
	script := `document.cookie = "cf_clearance=" + (1 + 2 + 3);`
	token, err := run(t, jsPage(script, "sid=1"), challenge.New(challenge.JSChallenge, target, "", nil))
	require.NoError(t, err)
	assert.Equal(t, "cf_clearance=6", token)
}

func TestJSChallenge_CustomSelector(t *testing.T) {
	page := jsPage("1 + 1", "")
	d := challenge.New(challenge.JSChallenge, target, "", map[string]string{"script_selector": "#proof"})
	_, err := run(t, page, d)
	require.NoError(t, err)
	assert.Contains(t, page.Calls(), "wait #proof")
}

func TestJSChallenge_EmptyOrBrokenScript(t *testing.T) {
	_, err := run(t, jsPage("", ""), challenge.New(challenge.JSChallenge, target, "", nil))
	requireCode(t, err, strategy.ChallengeNotFound)

	_, err = run(t, jsPage("{{{ nope", ""), challenge.New(challenge.JSChallenge, target, "", nil))
	requireCode(t, err, strategy.ChallengeNotFound)
}

func TestJSChallenge_DeadlineInterruptsScript(t *testing.T) {
	tbl := table()
	s, _ := tbl.Lookup(challenge.JSChallenge)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := s.Run(ctx, handle(jsPage("while (true) {}", ""), time.Second), challenge.New(challenge.JSChallenge, target, "", nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCancelledBeforeFirstStep(t *testing.T) {
	tbl := table()
	s, _ := tbl.Lookup(challenge.RecaptchaV3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	page := &browsertest.Page{}
	_, err := s.Run(ctx, handle(page, time.Second), challenge.New(challenge.RecaptchaV3, target, "k", nil))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, strategy.CodeOf(err))
	assert.Empty(t, page.Calls())
}

func TestErrorHelpers(t *testing.T) {
	u := strategy.Unsupported(challenge.ImageText)
	assert.Equal(t, strategy.UnsupportedKind, u.Code)
	assert.False(t, strategy.IsTransient(u))
	assert.True(t, u.HandleHealthy())
	assert.Contains(t, u.Error(), "IMAGE_TEXT")
	assert.False(t, strategy.IsTransient(errors.New("plain")))
	assert.Equal(t, strategy.Code(""), strategy.CodeOf(errors.New("plain")))
}
