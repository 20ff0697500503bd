package config

import (
	"testing"
	"time"
)

func TestGetSecondsClampsIntoRange(t *testing.T) {
	t.Setenv("LYRA_TEST_TIMEOUT", "120")
	if got := GetSeconds("LYRA_TEST_TIMEOUT", 5, 1, 30); got != 30*time.Second {
		t.Fatalf("expected 30s, got %s", got)
	}
	t.Setenv("LYRA_TEST_TIMEOUT", "0.2")
	if got := GetSeconds("LYRA_TEST_TIMEOUT", 5, 1, 30); got != time.Second {
		t.Fatalf("expected 1s, got %s", got)
	}
	t.Setenv("LYRA_TEST_TIMEOUT", "not-a-number")
	if got := GetSeconds("LYRA_TEST_TIMEOUT", 5, 1, 30); got != 5*time.Second {
		t.Fatalf("expected fallback 5s, got %s", got)
	}
}

func TestLoadNodeConfigRole(t *testing.T) {
	t.Setenv("LYRA_NODE_ROLE", " Worker ")
	t.Setenv("LYRA_WORKER_HEALTH_CACHE_SECONDS", "-4")
	cfg := LoadNodeConfig()
	if !cfg.IsWorker() {
		t.Fatalf("expected worker role, got %q", cfg.Role)
	}
	if cfg.WorkerHealthCacheTTL != 0 {
		t.Fatalf("expected ttl clamped to zero, got %s", cfg.WorkerHealthCacheTTL)
	}

	t.Setenv("LYRA_NODE_ROLE", "something-else")
	if LoadNodeConfig().IsWorker() {
		t.Fatalf("unknown role should fall back to main")
	}
}
