// Package payload decodes and validates the JSON bodies accepted by the solve
// gateway.
//
// Decoding is strict: unknown fields, trailing data and bodies larger than
// the configured limit are rejected before any field is inspected.  Field
// checks then run on the decoded value and report every problem at once as a
// list of Violation records, so a caller can fix a request in one round trip.
//
// # Thread safety
//
// The package holds no state.  Decoded bodies are plain values owned by the
// caller.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/firasghr/GoCaptchaEngine/challenge"
)

// ErrBodyTooLarge is returned when a body exceeds the decode limit.
var ErrBodyTooLarge = errors.New("payload: body too large")

// Violation describes one invalid field of a decoded body.
type Violation struct {
	// Field is the JSON name of the offending field.
	Field string `json:"field"`

	// Problem says what is wrong with it.
	Problem string `json:"problem"`
}

// String returns a human-readable description suitable for logs.
func (v Violation) String() string {
	return fmt.Sprintf("field %q: %s", v.Field, v.Problem)
}

// FormatViolations joins violations one per line.  Returns an empty string
// if there are none.
func FormatViolations(vs []Violation) string {
	if len(vs) == 0 {
		return ""
	}
	lines := make([]string, len(vs))
	for i, v := range vs {
		lines[i] = v.String()
	}
	return strings.Join(lines, "\n")
}

// SolveBody is the body of POST /v1/solve.
type SolveBody struct {
	Kind        string            `json:"kind"`
	TargetURL   string            `json:"target_url"`
	SiteKey     string            `json:"site_key,omitempty"`
	ExtraParams map[string]string `json:"extra_params,omitempty"`
	// TimeoutMs is the caller's deadline budget.  Zero selects the server
	// default.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

// ReportBody is the body of POST /v1/report: a previously issued token was
// refused by the target site.
type ReportBody struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason,omitempty"`
}

// DecodeSolve reads one SolveBody from r.
func DecodeSolve(r io.Reader, maxBytes int64) (*SolveBody, error) {
	return decode[SolveBody](r, maxBytes)
}

// DecodeReport reads one ReportBody from r.
func DecodeReport(r io.Reader, maxBytes int64) (*ReportBody, error) {
	return decode[ReportBody](r, maxBytes)
}

func decode[T any](r io.Reader, maxBytes int64) (*T, error) {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("payload: read body: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, ErrBodyTooLarge
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var v T
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("payload: decode: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("payload: decode: trailing data after JSON object")
	}
	return &v, nil
}

// Validate checks every field and returns the problems found, sorted by
// field.  Unrecognised kinds are accepted; the orchestrator reports them as
// unsupported.
func (b *SolveBody) Validate() []Violation {
	var vs []Violation
	add := func(field, problem string) {
		vs = append(vs, Violation{Field: field, Problem: problem})
	}

	if strings.TrimSpace(b.Kind) == "" {
		add("kind", "is required")
	}

	switch u, err := url.Parse(b.TargetURL); {
	case b.TargetURL == "":
		add("target_url", "is required")
	case err != nil:
		add("target_url", "is not a valid URL")
	case u.Scheme != "http" && u.Scheme != "https":
		add("target_url", "must be an absolute http or https URL")
	case u.Host == "":
		add("target_url", "has no host")
	}

	if b.TimeoutMs < 0 {
		add("timeout_ms", "must not be negative")
	}

	for k := range b.ExtraParams {
		if strings.TrimSpace(k) == "" {
			add("extra_params", "keys must not be empty")
			break
		}
	}
	if b.ExtraParams["render"] == "isolated" && b.SiteKey == "" {
		add("site_key", "is required when extra_params.render is isolated")
	}
	if b.SiteKey != "" && !validSiteKey(b.SiteKey) {
		add("site_key", "may only contain letters, digits, '_' and '-'")
	}

	sort.SliceStable(vs, func(i, j int) bool { return vs[i].Field < vs[j].Field })
	return vs
}

// Descriptor builds the challenge descriptor for the body.
func (b *SolveBody) Descriptor() challenge.Descriptor {
	return challenge.New(challenge.ParseKind(b.Kind), b.TargetURL, b.SiteKey, b.ExtraParams)
}

// Timeout resolves the requested budget: def when unset, never above
// ceiling.
func (b *SolveBody) Timeout(def, ceiling time.Duration) time.Duration {
	d := def
	if b.TimeoutMs > 0 {
		d = time.Duration(1<<63 - 1)
		if b.TimeoutMs < int64(d/time.Millisecond) {
			d = time.Duration(b.TimeoutMs) * time.Millisecond
		}
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return d
}

// Validate checks the report body.
func (b *ReportBody) Validate() []Violation {
	if strings.TrimSpace(b.RequestID) == "" {
		return []Violation{{Field: "request_id", Problem: "is required"}}
	}
	return nil
}

// validSiteKey reports whether k uses only the vendor key alphabet
// [A-Za-z0-9_-].
func validSiteKey(k string) bool {
	for _, c := range k {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}
