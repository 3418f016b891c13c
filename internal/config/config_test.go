package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tripwire/honeypot/internal/config"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

func TestLoadConfig_NoFileUsesDefaults(t *testing.T) {
	os.Unsetenv("HONEYPOT_HOST")
	os.Unsetenv("HONEYPOT_PORT")

	cfg, err := config.LoadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want 127.0.0.1", cfg.Host)
	}
	if cfg.Port != 2222 {
		t.Errorf("Port = %d, want 2222", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.HardTimeout <= cfg.InactivityTimeout {
		t.Errorf("hard timeout %v must exceed inactivity timeout %v", cfg.HardTimeout, cfg.InactivityTimeout)
	}
}

func TestLoadConfig_YAMLOverridesDefaults(t *testing.T) {
	os.Unsetenv("HONEYPOT_HOST")
	os.Unsetenv("HONEYPOT_PORT")

	path := writeTemp(t, `
host: "0.0.0.0"
port: 2323
instance: "edge-01"
log_level: debug
sessions_root: "/var/lib/honeypot/sessions"
`)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Host != "0.0.0.0" {
		t.Errorf("Host = %q", cfg.Host)
	}
	if cfg.Port != 2323 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.Instance != "edge-01" {
		t.Errorf("Instance = %q", cfg.Instance)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.SessionIndexPath != "/var/lib/honeypot/sessions/sessions.db" {
		t.Errorf("SessionIndexPath = %q", cfg.SessionIndexPath)
	}
	if cfg.AuditLogPath != "/var/lib/honeypot/sessions/audit.log" {
		t.Errorf("AuditLogPath = %q", cfg.AuditLogPath)
	}
}

func TestLoadConfig_EnvOverridesYAMLAndDefaults(t *testing.T) {
	t.Setenv("HONEYPOT_HOST", "10.0.0.5")
	t.Setenv("HONEYPOT_PORT", "9922")

	path := writeTemp(t, `
host: "0.0.0.0"
port: 2323
`)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Host != "10.0.0.5" {
		t.Errorf("Host = %q, want env override 10.0.0.5", cfg.Host)
	}
	if cfg.Port != 9922 {
		t.Errorf("Port = %d, want env override 9922", cfg.Port)
	}
}

func TestLoadConfig_InvalidLogLevel(t *testing.T) {
	os.Unsetenv("HONEYPOT_HOST")
	os.Unsetenv("HONEYPOT_PORT")

	path := writeTemp(t, `log_level: "verbose"`)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoadConfig_InvalidPort(t *testing.T) {
	os.Unsetenv("HONEYPOT_HOST")
	os.Unsetenv("HONEYPOT_PORT")

	path := writeTemp(t, `port: 70000`)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for out-of-range port, got nil")
	}
	if !strings.Contains(err.Error(), "port") {
		t.Errorf("error %q does not mention port", err.Error())
	}
}

func TestLoadConfig_TimeoutOrdering(t *testing.T) {
	os.Unsetenv("HONEYPOT_HOST")
	os.Unsetenv("HONEYPOT_PORT")

	path := writeTemp(t, `
hard_timeout: 1m
inactivity_timeout: 3m
`)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error when hard_timeout <= inactivity_timeout, got nil")
	}
}

func TestLoadConfig_PostgresRequiresDSN(t *testing.T) {
	os.Unsetenv("HONEYPOT_HOST")
	os.Unsetenv("HONEYPOT_PORT")

	path := writeTemp(t, `
postgres:
  enabled: true
`)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for postgres.enabled without dsn, got nil")
	}
	if !strings.Contains(err.Error(), "postgres.dsn") {
		t.Errorf("error %q does not mention postgres.dsn", err.Error())
	}
}

func TestLoadConfig_GRPCRequiresTLSMaterial(t *testing.T) {
	os.Unsetenv("HONEYPOT_HOST")
	os.Unsetenv("HONEYPOT_PORT")

	path := writeTemp(t, `
grpc:
  enabled: true
`)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for grpc.enabled without TLS material, got nil")
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.LoadConfig(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}
