package main

import (
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/VenkatGGG/turno/internal/config"
)

func TestOpenClaimsBackendFileDriver(t *testing.T) {
	cfg := config.Config{ClaimsDriver: config.ClaimsDriverFile, ClaimsPath: t.TempDir()}
	backend, closeBackend, err := openClaimsBackend(cfg, nil)
	if err != nil {
		t.Fatalf("open file backend: %v", err)
	}
	defer closeBackend()
	if backend == nil {
		t.Fatalf("expected a backend")
	}
}

func TestOpenClaimsBackendRedisNeedsClient(t *testing.T) {
	cfg := config.Config{ClaimsDriver: config.ClaimsDriverRedis}
	if _, _, err := openClaimsBackend(cfg, nil); err == nil {
		t.Fatalf("expected redis driver without a client to fail")
	}
}

func TestInitLoggerLevels(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"info":    zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for name, want := range cases {
		logger := initLogger(config.Config{LogLevel: name, LogFormat: "json"})
		if !logger.Core().Enabled(want) {
			t.Fatalf("%s: expected level %s to be enabled", name, want)
		}
		if want > zapcore.DebugLevel && logger.Core().Enabled(want-1) {
			t.Fatalf("%s: expected level below %s to be disabled", name, want)
		}
	}
}

func TestSweepOwnerIsUnique(t *testing.T) {
	a, b := sweepOwner(), sweepOwner()
	if a == b {
		t.Fatalf("expected distinct owners, got %q twice", a)
	}
	if !strings.Contains(a, ":") {
		t.Fatalf("expected host:id owner, got %q", a)
	}
}
