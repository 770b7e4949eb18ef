package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ADDINBUNDLE_TARGETS",
		"ADDINBUNDLE_LOG_FORMAT",
		"ADDINBUNDLE_REPORT",
		"ADDINBUNDLE_SIGN",
		"ADDINBUNDLE_METRICS_FILE",
		"ADDINBUNDLE_PUSHGATEWAY_URL",
		"ADDINBUNDLE_PUSHGATEWAY_JOB",
		"ADDINBUNDLE_PUBLISH",
		"ADDINBUNDLE_PRESIGN_TTL",
		"ADDINBUNDLE_NATS_URL",
		"ADDINBUNDLE_NATS_SUBJECT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LogFormat != "text" {
		t.Fatalf("LogFormat = %q, want text", cfg.LogFormat)
	}
	if cfg.Sign {
		t.Fatal("Sign enabled by default")
	}
	if cfg.Publish.PresignTTL != 24*time.Hour {
		t.Fatalf("PresignTTL = %s", cfg.Publish.PresignTTL)
	}
	if cfg.Events.Subject != "addin.bundle.built" || cfg.Metrics.Job != "addinbundle" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADDINBUNDLE_TARGETS", "/etc/targets.yaml")
	t.Setenv("ADDINBUNDLE_LOG_FORMAT", "JSON")
	t.Setenv("ADDINBUNDLE_SIGN", "true")
	t.Setenv("ADDINBUNDLE_PUBLISH", "s3://addins/releases")
	t.Setenv("ADDINBUNDLE_PRESIGN_TTL", "90m")
	t.Setenv("ADDINBUNDLE_NATS_URL", "nats://127.0.0.1:4222")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TargetsFile != "/etc/targets.yaml" || cfg.LogFormat != "json" || !cfg.Sign {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Publish.Location != "s3://addins/releases" || cfg.Publish.PresignTTL != 90*time.Minute {
		t.Fatalf("unexpected publish config: %+v", cfg.Publish)
	}
	if cfg.Events.URL != "nats://127.0.0.1:4222" {
		t.Fatalf("Events.URL = %q", cfg.Events.URL)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"log format", "ADDINBUNDLE_LOG_FORMAT", "xml"},
		{"publish scheme", "ADDINBUNDLE_PUBLISH", "https://example.com/x"},
		{"ttl syntax", "ADDINBUNDLE_PRESIGN_TTL", "tomorrow"},
		{"ttl range", "ADDINBUNDLE_PRESIGN_TTL", "200h"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() accepted %s=%q", tt.key, tt.val)
			}
		})
	}
}
