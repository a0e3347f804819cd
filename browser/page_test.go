package browser_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firasghr/GoCaptchaEngine/browser"
)

func TestDecideIsolated(t *testing.T) {
	page := "https://shop.example.com/login"
	allow := []string{"google.com", "gstatic.com", "recaptcha.net"}

	cases := []struct {
		req  string
		want browser.Verdict
	}{
		{"https://shop.example.com/login", browser.Fulfill},
		{"https://shop.example.com/login/", browser.Fulfill},
		{"https://SHOP.example.com/login", browser.Fulfill},
		{"HTTPS://shop.example.com/login", browser.Fulfill},
		{"https://shop.example.com:443/login", browser.Fulfill},
		{"https://shop.example.com/login#x", browser.Fulfill},
		{"https://shop.example.com:8443/login", browser.Abort},
		{"http://shop.example.com/login", browser.Abort},
		{"https://shop.example.com/login?next=1", browser.Abort},
		{"https://shop.example.com/LOGIN", browser.Abort},
		{"https://www.google.com/recaptcha/enterprise.js?render=k", browser.Continue},
		{"https://www.gstatic.com/recaptcha/releases/x/recaptcha__en.js", browser.Continue},
		{"https://recaptcha.net/recaptcha/api2/anchor", browser.Continue},
		{"https://shop.example.com/static/app.js", browser.Abort},
		{"https://notgoogle.com/x", browser.Abort},
		{"https://google.com.evil.io/x", browser.Abort},
		{"::not a url", browser.Abort},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, browser.DecideIsolated(page, allow, tc.req), tc.req)
	}
}

func TestDecideIsolated_NormalisesPageURL(t *testing.T) {
	allow := []string{"google.com"}
	req := "https://shop.example.com/login"
	for _, page := range []string{
		"https://Shop.Example.com/login",
		"https://shop.example.com/login#x",
		"https://shop.example.com:443/login",
		"https://shop.example.com/login/",
	} {
		assert.Equal(t, browser.Fulfill, browser.DecideIsolated(page, allow, req), page)
	}
	assert.Equal(t, browser.Fulfill, browser.DecideIsolated("http://shop.example.com:80/", allow, "http://shop.example.com/"))
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "fulfill", browser.Fulfill.String())
	assert.Equal(t, "continue", browser.Continue.String())
	assert.Equal(t, "abort", browser.Abort.String())
}

func TestNewLauncher(t *testing.T) {
	for _, d := range []string{"", "chromedp", "Playwright"} {
		l, err := browser.NewLauncher(d, browser.Options{})
		require.NoError(t, err, d)
		require.NotNil(t, l)
		assert.NoError(t, l.Close())
	}
	_, err := browser.NewLauncher("selenium", browser.Options{})
	assert.Error(t, err)
}
