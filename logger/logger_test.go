package logger_test

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/firasghr/GoCaptchaEngine/logger"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]logger.Level{
		"debug":   logger.LevelDebug,
		"INFO":    logger.LevelInfo,
		"":        logger.LevelInfo,
		"warning": logger.LevelWarn,
		"error":   logger.LevelError,
	}
	for in, want := range cases {
		got, err := logger.ParseLevel(in)
		if err != nil {
			t.Errorf("ParseLevel(%q) error: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q): got %v, want %v", in, got, want)
		}
	}
	if _, err := logger.ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestFieldsAndNames(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := logger.FromZap(zap.New(core)).Named("pool").With("handle", 3)

	log.Info("handle ready", "uses", 1)
	log.Warnf("lease %s released twice", "abc")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].LoggerName != "pool" {
		t.Errorf("logger name: got %q, want pool", entries[0].LoggerName)
	}
	fields := entries[0].ContextMap()
	if fields["handle"] != int64(3) {
		t.Errorf("handle field: got %v, want 3", fields["handle"])
	}
	if fields["uses"] != int64(1) {
		t.Errorf("uses field: got %v, want 1", fields["uses"])
	}
	if entries[1].Message != "lease abc released twice" {
		t.Errorf("message: got %q", entries[1].Message)
	}
}

func TestNopDoesNotPanic(t *testing.T) {
	log := logger.NewNop()
	log.SetLevel(logger.LevelError)
	log.Debugf("x=%d", 1)
	log.Error("boom", "k", "v")
	log.Sync()
}
