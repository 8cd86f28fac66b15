package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Search.InitialRadiusM != 2500 || cfg.Search.RadiusIncrementM != 500 {
		t.Fatalf("unexpected radius defaults: %+v", cfg.Search)
	}
	if cfg.Search.MaxAttempts != 5 || cfg.Search.RetryDelay != 10*time.Second || cfg.Search.AttemptTimeout != 8*time.Second {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Search)
	}
	if cfg.Mailbox.TTL != 600*time.Second || cfg.Mailbox.MaxLength != 10 {
		t.Fatalf("unexpected mailbox defaults: %+v", cfg.Mailbox)
	}
	if got := cfg.Search.MaxRadiusM(); got != 4500 {
		t.Fatalf("MaxRadiusM() = %v, want 4500", got)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DISPATCH_SEARCH_MAX_ATTEMPTS", "3")
	t.Setenv("DISPATCH_SEARCH_RETRY_DELAY", "250ms")
	t.Setenv("DISPATCH_PRICING_BASE_FARE", "50.5")
	t.Setenv("DISPATCH_SEARCH_MIN_ACTIVE", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Search.MaxAttempts != 3 {
		t.Fatalf("MaxAttempts = %d", cfg.Search.MaxAttempts)
	}
	if cfg.Search.RetryDelay != 250*time.Millisecond {
		t.Fatalf("RetryDelay = %v", cfg.Search.RetryDelay)
	}
	if cfg.Pricing.DefaultBaseFare != 50.5 {
		t.Fatalf("DefaultBaseFare = %v", cfg.Pricing.DefaultBaseFare)
	}
	if cfg.Search.MinActiveDrivers != 1 {
		t.Fatalf("invalid int must fall back to default, got %d", cfg.Search.MinActiveDrivers)
	}
}
