package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.MaxRetries != 2 || cfg.StoreDriver != "postgres" || cfg.BackoffKind != "exponential" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.StaleThreshold != 5*time.Minute || cfg.SweepInterval != 30*time.Second {
		t.Fatalf("unexpected sweeper defaults %s %s", cfg.StaleThreshold, cfg.SweepInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("JOB_TIMEOUT", "45s")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("DEGRADE_GENERATION", "template_fallback, simplified_request")
	t.Setenv("DEGRADE_PUBLISH", "none")
	t.Setenv("DEFAULT_CATEGORIES", "news,tech")
	t.Setenv("MANUAL_PUBLISH_S3_PATH_STYLE", "true")

	cfg := Load()
	if cfg.MaxRetries != 5 || cfg.JobTimeout != 45*time.Second || cfg.StoreDriver != "memory" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	gen := cfg.DegradeStrategies["generation"]
	if len(gen) != 2 || gen[0] != "template_fallback" || gen[1] != "simplified_request" {
		t.Fatalf("unexpected generation override %v", gen)
	}
	if pub, ok := cfg.DegradeStrategies["publish"]; !ok || len(pub) != 0 {
		t.Fatalf("expected publish degradation disabled, got %v", pub)
	}
	if _, ok := cfg.DegradeStrategies["taxonomy"]; ok {
		t.Fatalf("taxonomy should keep its default table")
	}
	if strings.Join(cfg.DefaultCategories, ",") != "news,tech" || !cfg.ManualPublishS3PathStyle {
		t.Fatalf("unexpected list/bool parsing %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	base := Load()
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, "MAX_RETRIES"},
		{"retries above limit", func(c *Config) { c.MaxRetries = MaxRetriesLimit + 1 }, "MAX_RETRIES"},
		{"no workers", func(c *Config) { c.WorkerConcurrency = 0 }, "WORKER_CONCURRENCY"},
		{"stale below timeout", func(c *Config) { c.StaleThreshold = c.JobTimeout }, "STALE_THRESHOLD"},
		{"unknown driver", func(c *Config) { c.StoreDriver = "sqlite" }, "STORE_DRIVER"},
		{"unknown backoff", func(c *Config) { c.BackoffKind = "random" }, "BACKOFF_KIND"},
		{"heartbeat too slow", func(c *Config) { c.HeartbeatInterval = c.StaleThreshold }, "HEARTBEAT_INTERVAL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}
}
