package config

import (
	"os"
	"testing"
)

func TestLoad(t *testing.T) {
	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("expected default Port=8080, got %s", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected default LogLevel=info, got %s", cfg.LogLevel)
	}
}

func TestLoadWithEnv(t *testing.T) {
	_ = os.Setenv("NDB_PORT", "9000")
	_ = os.Setenv("NDB_LOG_LEVEL", "debug")
	defer func() {
		_ = os.Unsetenv("NDB_PORT")
		_ = os.Unsetenv("NDB_LOG_LEVEL")
	}()

	cfg := Load()

	if cfg.Port != "9000" {
		t.Errorf("expected Port=9000, got %s", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected LogLevel=debug, got %s", cfg.LogLevel)
	}
}
