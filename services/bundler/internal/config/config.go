package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"addinbundle/pkg/s3"
)

func Load() (Config, error) {
	cfg := Config{}

	cfg.TargetsFile = os.Getenv("ADDINBUNDLE_TARGETS")
	cfg.LogFormat = strings.ToLower(getEnv("ADDINBUNDLE_LOG_FORMAT", "text"))
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("invalid ADDINBUNDLE_LOG_FORMAT: %q", cfg.LogFormat)
	}
	cfg.ReportPath = os.Getenv("ADDINBUNDLE_REPORT")
	cfg.Sign = getEnvBool("ADDINBUNDLE_SIGN", false)

	cfg.Metrics.Textfile = os.Getenv("ADDINBUNDLE_METRICS_FILE")
	cfg.Metrics.PushgatewayURL = os.Getenv("ADDINBUNDLE_PUSHGATEWAY_URL")
	cfg.Metrics.Job = getEnv("ADDINBUNDLE_PUSHGATEWAY_JOB", "addinbundle")

	cfg.Publish.Location = os.Getenv("ADDINBUNDLE_PUBLISH")
	if cfg.Publish.Location != "" {
		if _, _, err := s3.ParseURL(cfg.Publish.Location); err != nil {
			return Config{}, fmt.Errorf("invalid ADDINBUNDLE_PUBLISH: %w", err)
		}
	}
	ttl, err := getEnvDuration("ADDINBUNDLE_PRESIGN_TTL", 24*time.Hour)
	if err != nil {
		return Config{}, err
	}
	if ttl <= 0 || ttl > 7*24*time.Hour {
		return Config{}, fmt.Errorf("ADDINBUNDLE_PRESIGN_TTL must be between 1s and 168h, got %s", ttl)
	}
	cfg.Publish.PresignTTL = ttl

	cfg.Events.URL = os.Getenv("ADDINBUNDLE_NATS_URL")
	cfg.Events.Subject = getEnv("ADDINBUNDLE_NATS_SUBJECT", "addin.bundle.built")

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}
