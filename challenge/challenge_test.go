package challenge_test

import (
	"testing"

	"github.com/firasghr/GoCaptchaEngine/challenge"
)

func TestParseKind_RoundTrip(t *testing.T) {
	for _, k := range challenge.Kinds() {
		if got := challenge.ParseKind(k.String()); got != k {
			t.Errorf("ParseKind(%q): got %v, want %v", k.String(), got, k)
		}
	}
}

func TestParseKind_Lenient(t *testing.T) {
	if got := challenge.ParseKind(" turnstile "); got != challenge.Turnstile {
		t.Errorf("ParseKind lower-case: got %v", got)
	}
	for _, in := range []string{"", "FUNCAPTCHA", "UNKNOWN"} {
		if got := challenge.ParseKind(in); got != challenge.Unknown {
			t.Errorf("ParseKind(%q): got %v, want Unknown", in, got)
		}
	}
}

func TestKindString_OutOfRange(t *testing.T) {
	if got := challenge.Kind(99).String(); got != "UNKNOWN" {
		t.Errorf("Kind(99).String(): got %q", got)
	}
}

func TestNew_CopiesParams(t *testing.T) {
	extra := map[string]string{"action": "login"}
	d := challenge.New(challenge.RecaptchaV3, "https://example.com", "key", extra)
	extra["action"] = "mutated"

	if got := d.Param("action", "homepage"); got != "login" {
		t.Errorf("Param(action): got %q, want login", got)
	}
	if got := d.Param("missing", "homepage"); got != "homepage" {
		t.Errorf("Param default: got %q", got)
	}
}
