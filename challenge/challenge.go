// Package challenge defines the immutable description of one captcha to
// solve.
package challenge

import (
	"strings"
)

// Kind identifies the captcha family.  The set is closed; NumKinds sizes the
// strategy dispatch table.
type Kind int

const (
	Unknown Kind = iota
	RecaptchaV2
	RecaptchaV3
	HCaptcha
	Turnstile
	ImageText
	JSChallenge

	// NumKinds is the number of Kind values, Unknown included.
	NumKinds
)

var kindNames = [NumKinds]string{
	Unknown:     "UNKNOWN",
	RecaptchaV2: "RECAPTCHA_V2",
	RecaptchaV3: "RECAPTCHA_V3",
	HCaptcha:    "HCAPTCHA",
	Turnstile:   "TURNSTILE",
	ImageText:   "IMAGE_TEXT",
	JSChallenge: "JS_CHALLENGE",
}

// String returns the wire name.
func (k Kind) String() string {
	if k < 0 || k >= NumKinds {
		return kindNames[Unknown]
	}
	return kindNames[k]
}

// ParseKind maps a wire name (case-insensitive) to a Kind.  Unrecognised
// names map to Unknown so the caller can report an unsupported kind instead
// of rejecting the request.
func ParseKind(s string) Kind {
	s = strings.ToUpper(strings.TrimSpace(s))
	for k := Kind(1); k < NumKinds; k++ {
		if kindNames[k] == s {
			return k
		}
	}
	return Unknown
}

// Kinds returns every known Kind except Unknown.
func Kinds() []Kind {
	out := make([]Kind, 0, NumKinds-1)
	for k := Kind(1); k < NumKinds; k++ {
		out = append(out, k)
	}
	return out
}

// Descriptor is built once per request and never mutated.
type Descriptor struct {
	Kind      Kind
	TargetURL string
	// SiteKey is optional; some kinds discover it on the page.
	SiteKey     string
	ExtraParams map[string]string
}

// Param returns ExtraParams[key], or def when absent or empty.
func (d Descriptor) Param(key, def string) string {
	if v, ok := d.ExtraParams[key]; ok && v != "" {
		return v
	}
	return def
}

// New copies extra so later mutation by the caller cannot leak into the
// descriptor.
func New(kind Kind, targetURL, siteKey string, extra map[string]string) Descriptor {
	var params map[string]string
	if len(extra) > 0 {
		params = make(map[string]string, len(extra))
		for k, v := range extra {
			params[k] = v
		}
	}
	return Descriptor{Kind: kind, TargetURL: targetURL, SiteKey: siteKey, ExtraParams: params}
}
