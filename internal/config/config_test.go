package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Token.TTL != 60*time.Minute {
		t.Fatalf("unexpected ttl %v", cfg.Token.TTL)
	}
	if cfg.Token.Algorithm != "RS256" || cfg.Token.Issuer != "facegate" {
		t.Fatalf("unexpected token config %+v", cfg.Token)
	}
	if cfg.Queue.Backend != "memory" {
		t.Fatalf("unexpected queue backend %q", cfg.Queue.Backend)
	}
	if cfg.Log.AuditRotation != "daily" || cfg.Log.AuditRetentionDays != 30 {
		t.Fatalf("unexpected audit log config %+v", cfg.Log)
	}
	if cfg.Log.DebugRotation != "hourly" || cfg.Log.DebugRetentionDays != 7 {
		t.Fatalf("unexpected debug log config %+v", cfg.Log)
	}
	if !cfg.Audit.RedactPII {
		t.Fatalf("redaction should default on")
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "facegate.yaml")
	body := []byte("token:\n  ttl: 15m\n  algorithm: RS512\nqueue:\n  backend: file\nhealth:\n  probe_interval: 10s\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("FACEGATE_TOKEN_TTL", "5m")
	t.Setenv("FACEGATE_AUDIT_REDACT_PII", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Token.TTL != 5*time.Minute {
		t.Fatalf("env should override file, got %v", cfg.Token.TTL)
	}
	if cfg.Token.Algorithm != "RS512" || cfg.Queue.Backend != "file" {
		t.Fatalf("file values not applied: %+v %+v", cfg.Token, cfg.Queue)
	}
	if cfg.Health.ProbeInterval != 10*time.Second {
		t.Fatalf("unexpected probe interval %v", cfg.Health.ProbeInterval)
	}
	if cfg.Audit.RedactPII {
		t.Fatalf("FACEGATE_AUDIT_REDACT_PII=false not applied")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Chdir(t.TempDir())
	cases := map[string]string{
		"FACEGATE_TOKEN_ALGORITHM":       "HS256",
		"FACEGATE_QUEUE_BACKEND":         "kafka",
		"FACEGATE_KEYS_BITS":             "1024",
		"FACEGATE_RECOGNITION_THRESHOLD": "1.5",
		"FACEGATE_RATE_TRUSTED_PROXIES":  "10.0.0.0/33",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := Load(""); err == nil {
				t.Fatalf("expected %s=%s to be rejected", key, val)
			}
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}

func TestTrustedProxies(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FACEGATE_RATE_TRUSTED_PROXIES", "10.0.0.0/8,127.0.0.1")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	proxies, err := cfg.Rate.Proxies()
	if err != nil {
		t.Fatalf("Proxies: %v", err)
	}
	if len(proxies) != 2 || proxies[0].String() != "10.0.0.0/8" || proxies[1].String() != "127.0.0.1/32" {
		t.Fatalf("unexpected proxies %v", proxies)
	}
}
