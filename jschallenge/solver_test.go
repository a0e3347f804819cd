package jschallenge_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/firasghr/GoCaptchaEngine/jschallenge"
)

func newSolver(t *testing.T) *jschallenge.OttoSolver {
	t.Helper()
	s, err := jschallenge.NewOttoSolver("", "")
	if err != nil {
		t.Fatalf("NewOttoSolver: %v", err)
	}
	return s
}

func TestEval_Arithmetic(t *testing.T) {
	s := newSolver(t)
	result, err := s.Eval(context.Background(), "2 + 2 * 3")
	if err != nil {
		t.Fatalf("Eval error: %v", err)
	}
	if result != "8" {
		t.Errorf("2+2*3: got %q, want 8", result)
	}
}

func TestEval_StringConcat(t *testing.T) {
	s := newSolver(t)
	result, err := s.Eval(context.Background(), `"hello" + " " + "world"`)
	if err != nil {
		t.Fatalf("Eval error: %v", err)
	}
	if result != "hello world" {
		t.Errorf("string concat: got %q, want 'hello world'", result)
	}
}

func TestEval_NavigatorUserAgent(t *testing.T) {
	ua := "TestAgent/1.0"
	s, err := jschallenge.NewOttoSolver(ua, "")
	if err != nil {
		t.Fatalf("NewOttoSolver: %v", err)
	}
	result, err := s.Eval(context.Background(), "navigator.userAgent")
	if err != nil {
		t.Fatalf("Eval error: %v", err)
	}
	if result != ua {
		t.Errorf("navigator.userAgent: got %q, want %q", result, ua)
	}
}

func TestEval_WindowIsDefined(t *testing.T) {
	s := newSolver(t)
	result, err := s.Eval(context.Background(), "typeof window")
	if err != nil {
		t.Fatalf("Eval error: %v", err)
	}
	if result != "object" {
		t.Errorf("window type: got %q, want object", result)
	}
}

func TestEval_DocumentDefined(t *testing.T) {
	s := newSolver(t)
	result, err := s.Eval(context.Background(), "typeof document")
	if err != nil {
		t.Fatalf("Eval error: %v", err)
	}
	if result != "object" {
		t.Errorf("document type: got %q, want object", result)
	}
}

func TestEval_SyntaxError(t *testing.T) {
	s := newSolver(t)
	_, err := s.Eval(context.Background(), "{{{{ invalid js")
	if err == nil {
		t.Error("expected error for invalid JavaScript")
	}
}

func TestEval_MultilineChallenge(t *testing.T) {
	s := newSolver(t)
	script := `
		var a = 7;
		var b = 6;
		a * b;
	`
	result, err := s.Eval(context.Background(), script)
	if err != nil {
		t.Fatalf("Eval error: %v", err)
	}
	if result != "42" {
		t.Errorf("multiline challenge: got %q, want 42", result)
	}
}

func TestGetSetCookie(t *testing.T) {
	s := newSolver(t)

	if err := s.SetCookie("session=abc123"); err != nil {
		t.Fatalf("SetCookie error: %v", err)
	}
	got, err := s.GetCookie()
	if err != nil {
		t.Fatalf("GetCookie error: %v", err)
	}
	if got != "session=abc123" {
		t.Errorf("GetCookie: got %q, want session=abc123", got)
	}
}

func TestCookieSeedingScript(t *testing.T) {
	s := newSolver(t)
	// Simulate a real cookie-seeding challenge script.
	script := `document.cookie = "cf_clearance=" + (1 + 2 + 3).toString();`
	if _, err := s.Eval(context.Background(), script); err != nil {
		t.Fatalf("Eval error: %v", err)
	}
	got, err := s.GetCookie()
	if err != nil {
		t.Fatalf("GetCookie error: %v", err)
	}
	if got != "cf_clearance=6" {
		t.Errorf("cookie seeding: got %q, want cf_clearance=6", got)
	}
}

func TestSolverImplementsInterface(t *testing.T) {
	s, err := jschallenge.NewOttoSolver("", "")
	if err != nil {
		t.Fatal(err)
	}
	// Compile-time check that *OttoSolver implements Solver.
	var _ jschallenge.Solver = s
}

func TestEval_LocationSeeded(t *testing.T) {
	s, err := jschallenge.NewOttoSolver("", "https://shop.example.com/checkout")
	if err != nil {
		t.Fatalf("NewOttoSolver: %v", err)
	}
	result, err := s.Eval(context.Background(), "location.hostname + '|' + document.domain")
	if err != nil {
		t.Fatalf("Eval error: %v", err)
	}
	if result != "shop.example.com|shop.example.com" {
		t.Errorf("location: got %q", result)
	}
}

func TestEval_UndefinedIsEmpty(t *testing.T) {
	s := newSolver(t)
	result, err := s.Eval(context.Background(), "var x = 1;")
	if err != nil {
		t.Fatalf("Eval error: %v", err)
	}
	if result != "" {
		t.Errorf("undefined result: got %q, want empty", result)
	}
}

func TestEval_InterruptedByDeadline(t *testing.T) {
	s := newSolver(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Eval(ctx, "while (true) {}")
	if !errors.Is(err, jschallenge.ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("interrupt took %v", elapsed)
	}

	// The VM must remain usable after an interrupt.
	result, err := s.Eval(context.Background(), "1 + 1")
	if err != nil || result != "2" {
		t.Errorf("after interrupt: got %q, %v", result, err)
	}
}

func TestEval_CancelledContext(t *testing.T) {
	s := newSolver(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Eval(ctx, "1"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
