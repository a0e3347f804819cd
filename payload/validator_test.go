package payload_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/firasghr/GoCaptchaEngine/challenge"
	"github.com/firasghr/GoCaptchaEngine/payload"
)

const validBody = `{
	"kind": "recaptcha_v3",
	"target_url": "https://example.com/login",
	"site_key": "6Lc_abc",
	"extra_params": {"action": "login"},
	"timeout_ms": 20000
}`

func TestDecodeSolve_Valid(t *testing.T) {
	b, err := payload.DecodeSolve(strings.NewReader(validBody), 1024)
	if err != nil {
		t.Fatalf("DecodeSolve error: %v", err)
	}
	if vs := b.Validate(); len(vs) != 0 {
		t.Fatalf("expected no violations, got:\n%s", payload.FormatViolations(vs))
	}

	d := b.Descriptor()
	if d.Kind != challenge.RecaptchaV3 {
		t.Errorf("Kind: got %v, want RECAPTCHA_V3", d.Kind)
	}
	if d.Param("action", "") != "login" {
		t.Errorf("action param: got %q, want login", d.Param("action", ""))
	}
	if got := b.Timeout(time.Minute, 3*time.Minute); got != 20*time.Second {
		t.Errorf("Timeout: got %v, want 20s", got)
	}
}

func TestDecodeSolve_UnknownField(t *testing.T) {
	_, err := payload.DecodeSolve(strings.NewReader(`{"kind":"HCAPTCHA","target_url":"https://a.b","proxy":"x"}`), 1024)
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestDecodeSolve_TrailingData(t *testing.T) {
	_, err := payload.DecodeSolve(strings.NewReader(`{"kind":"HCAPTCHA"} {"kind":"x"}`), 1024)
	if err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestDecodeSolve_TrailingWhitespaceAccepted(t *testing.T) {
	if _, err := payload.DecodeSolve(strings.NewReader("{\"kind\":\"HCAPTCHA\"}\n\n"), 1024); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDecodeSolve_TooLarge(t *testing.T) {
	_, err := payload.DecodeSolve(strings.NewReader(validBody), 16)
	if !errors.Is(err, payload.ErrBodyTooLarge) {
		t.Fatalf("got %v, want ErrBodyTooLarge", err)
	}
}

func TestDecodeSolve_NotJSON(t *testing.T) {
	if _, err := payload.DecodeSolve(strings.NewReader("kind=x"), 1024); err == nil {
		t.Fatal("expected error for non-JSON body")
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	b := &payload.SolveBody{
		TargetURL:   "ftp://example.com",
		TimeoutMs:   -1,
		ExtraParams: map[string]string{"render": "isolated"},
	}
	vs := b.Validate()

	want := []string{"kind", "site_key", "target_url", "timeout_ms"}
	if len(vs) != len(want) {
		t.Fatalf("expected %d violations, got %d:\n%s", len(want), len(vs), payload.FormatViolations(vs))
	}
	for i, f := range want {
		if vs[i].Field != f {
			t.Errorf("violation %d: got field %q, want %q", i, vs[i].Field, f)
		}
	}
}

func TestValidate_TargetURL(t *testing.T) {
	cases := map[string]bool{
		"https://example.com":      true,
		"http://127.0.0.1:8080/x":  true,
		"":                         false,
		"example.com/login":        false,
		"javascript:alert(1)":      false,
		"https://":                 false,
		"http://[::1]:namedport/x": false,
	}
	for raw, ok := range cases {
		b := &payload.SolveBody{Kind: "HCAPTCHA", TargetURL: raw}
		vs := b.Validate()
		if ok && len(vs) != 0 {
			t.Errorf("%q: unexpected violations %v", raw, vs)
		}
		if !ok && (len(vs) != 1 || vs[0].Field != "target_url") {
			t.Errorf("%q: expected one target_url violation, got %v", raw, vs)
		}
	}
}

func TestValidate_SiteKeyAlphabet(t *testing.T) {
	cases := map[string]bool{
		"6Lc_abc-XYZ0":            true,
		"0x4AAAAAAABkMYinukE8nzY": true,
		`K"></script>`:            false,
		"key with space":          false,
		"k%22":                    false,
	}
	for key, ok := range cases {
		b := &payload.SolveBody{Kind: "RECAPTCHA_V3", TargetURL: "https://example.com", SiteKey: key}
		vs := b.Validate()
		if ok && len(vs) != 0 {
			t.Errorf("%q: unexpected violations %v", key, vs)
		}
		if !ok && (len(vs) != 1 || vs[0].Field != "site_key") {
			t.Errorf("%q: expected one site_key violation, got %v", key, vs)
		}
	}
}

func TestValidate_UnknownKindAccepted(t *testing.T) {
	b := &payload.SolveBody{Kind: "FUNCAPTCHA", TargetURL: "https://example.com"}
	if vs := b.Validate(); len(vs) != 0 {
		t.Fatalf("unexpected violations: %v", vs)
	}
	if got := b.Descriptor().Kind; got != challenge.Unknown {
		t.Errorf("Kind: got %v, want Unknown", got)
	}
}

func TestTimeout_DefaultAndClamp(t *testing.T) {
	b := &payload.SolveBody{}
	if got := b.Timeout(time.Minute, 3*time.Minute); got != time.Minute {
		t.Errorf("unset: got %v, want 1m", got)
	}
	b.TimeoutMs = int64((10 * time.Minute) / time.Millisecond)
	if got := b.Timeout(time.Minute, 3*time.Minute); got != 3*time.Minute {
		t.Errorf("clamp: got %v, want 3m", got)
	}
	b.TimeoutMs = 1<<63 - 1
	if got := b.Timeout(time.Minute, 3*time.Minute); got != 3*time.Minute {
		t.Errorf("overflow: got %v, want 3m", got)
	}
}

func TestDecodeReport(t *testing.T) {
	b, err := payload.DecodeReport(strings.NewReader(`{"request_id":"abc","reason":"403"}`), 256)
	if err != nil {
		t.Fatalf("DecodeReport error: %v", err)
	}
	if vs := b.Validate(); len(vs) != 0 {
		t.Errorf("unexpected violations: %v", vs)
	}
	empty := &payload.ReportBody{}
	if vs := empty.Validate(); len(vs) != 1 || vs[0].Field != "request_id" {
		t.Errorf("expected request_id violation, got %v", vs)
	}
}

func TestViolationString(t *testing.T) {
	v := payload.Violation{Field: "kind", Problem: "is required"}
	if got, want := v.String(), `field "kind": is required`; got != want {
		t.Errorf("String: got %q, want %q", got, want)
	}
	if payload.FormatViolations(nil) != "" {
		t.Error("FormatViolations(nil) should be empty")
	}
}
