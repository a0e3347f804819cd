// Package fingerprint provides coherent browser identities for pooled
// Chromium instances.
//
// Anti-bot systems correlate the User-Agent, the client-hint headers, the
// viewport and the reported locale/timezone.  A mismatch between any of these
// signals, e.g. a Chrome 124 User-Agent with Chrome 120 client hints, is a
// reliable automation indicator.  A Profile bundles the signals so each
// browser launch applies them together.
//
// # Usage
//
//	gen := fingerprint.NewGenerator(fingerprint.ModeRandom, time.Now().UnixNano())
//	p := gen.Next()
//	p.ApplyHeaders(headers)
package fingerprint

import (
	"fmt"
	"math/rand"
	"sync"
)

// Mode selects how a Generator produces profiles.
const (
	// ModeChrome always yields the fixed ChromeProfile.
	ModeChrome = "chrome"
	// ModeRandom picks a Chrome major version and jitters the viewport per
	// launch.
	ModeRandom = "random"
)

// Profile bundles the correlated fingerprint signals of one browser.
type Profile struct {
	// UserAgent overrides navigator.userAgent and the User-Agent header.
	UserAgent string

	// ExtraHeaders are sent with every request, in the order they are
	// defined.
	ExtraHeaders []Header

	Viewport Viewport

	// Locale is a BCP 47 tag such as "en-US".
	Locale string

	// Timezone is an IANA zone name such as "America/New_York".
	Timezone string
}

// Header is an ordered name-value pair for HTTP headers.
type Header struct {
	Name  string
	Value string
}

// Viewport is the emulated window size in CSS pixels.
type Viewport struct {
	Width  int
	Height int
}

// chromeVersions are the majors RandomChromeProfile chooses from.
var chromeVersions = []string{"120", "121", "122", "123", "124", "125"}

// ChromeProfile returns a Profile that mimics Google Chrome 120 on Windows.
//
// Callers may modify the returned profile without affecting later calls.
func ChromeProfile() *Profile {
	return chromeProfile("120", Viewport{Width: 1920, Height: 1080})
}

// RandomChromeProfile returns a Chrome-on-Windows profile with a random major
// version and a viewport jittered by up to ±50px around 1920x1080.
func RandomChromeProfile(rng *rand.Rand) *Profile {
	version := chromeVersions[rng.Intn(len(chromeVersions))]
	vp := Viewport{
		Width:  1920 + rng.Intn(100) - 50,
		Height: 1080 + rng.Intn(100) - 50,
	}
	return chromeProfile(version, vp)
}

func chromeProfile(version string, vp Viewport) *Profile {
	return &Profile{
		UserAgent: fmt.Sprintf("Mozilla/5.0 (Windows NT 10.0; Win64; x64) "+
			"AppleWebKit/537.36 (KHTML, like Gecko) "+
			"Chrome/%s.0.0.0 Safari/537.36", version),
		ExtraHeaders: []Header{
			{Name: "Accept-Language", Value: "en-US,en;q=0.9"},
			{Name: "Sec-Ch-Ua", Value: fmt.Sprintf(`"Not_A Brand";v="8", "Chromium";v="%s", "Google Chrome";v="%s"`, version, version)},
			{Name: "Sec-Ch-Ua-Mobile", Value: "?0"},
			{Name: "Sec-Ch-Ua-Platform", Value: `"Windows"`},
		},
		Viewport: vp,
		Locale:   "en-US",
		Timezone: "America/New_York",
	}
}

// ApplyHeaders merges the profile's User-Agent and ExtraHeaders into headers.
// ExtraHeaders are only written if the key is not already present in headers,
// so caller-level overrides take precedence.
func (p *Profile) ApplyHeaders(headers map[string]string) {
	if headers == nil {
		return
	}
	if p.UserAgent != "" {
		headers["User-Agent"] = p.UserAgent
	}
	for _, h := range p.ExtraHeaders {
		if _, exists := headers[h.Name]; !exists {
			headers[h.Name] = h.Value
		}
	}
}

// Headers returns the ExtraHeaders as a fresh map, without the User-Agent,
// which drivers set through their own option.
func (p *Profile) Headers() map[string]string {
	out := make(map[string]string, len(p.ExtraHeaders))
	for _, h := range p.ExtraHeaders {
		out[h.Name] = h.Value
	}
	return out
}

// Generator hands out profiles for successive browser launches.  It is safe
// for concurrent use.
type Generator struct {
	mode string

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator creates a Generator for mode (ModeChrome or ModeRandom).
// Unknown modes behave like ModeChrome.
func NewGenerator(mode string, seed int64) *Generator {
	return &Generator{mode: mode, rng: rand.New(rand.NewSource(seed))}
}

// Next returns the profile for the next launch.
func (g *Generator) Next() *Profile {
	if g.mode != ModeRandom {
		return ChromeProfile()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return RandomChromeProfile(g.rng)
}
