package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsApplyWithoutFile(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg.Dispatch.DedupWindow != 45*time.Second {
		t.Fatalf("dedup window = %v, want 45s", cfg.Dispatch.DedupWindow)
	}
	if cfg.Socket.BackoffMax != 30*time.Second {
		t.Fatalf("backoff max = %v, want 30s", cfg.Socket.BackoffMax)
	}
	if cfg.HTTP.Addr != "127.0.0.1:7380" {
		t.Fatalf("http addr = %q", cfg.HTTP.Addr)
	}
}

func TestFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
socket:
  url: wss://staging.freightdesk.io/socket
dispatch:
  dedupWindow: 90s
  sound: false
watchers:
  loadInterval: 1m
http:
  addr: 0.0.0.0:9000
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := Load(path)
	if cfg.Socket.URL != "wss://staging.freightdesk.io/socket" {
		t.Fatalf("socket url = %q", cfg.Socket.URL)
	}
	if cfg.Dispatch.DedupWindow != 90*time.Second {
		t.Fatalf("dedup window = %v, want 90s", cfg.Dispatch.DedupWindow)
	}
	if cfg.Dispatch.Sound {
		t.Fatal("sound should be disabled by file")
	}
	if cfg.Watchers.LoadInterval != time.Minute {
		t.Fatalf("load interval = %v, want 1m", cfg.Watchers.LoadInterval)
	}
	// Untouched fields keep defaults.
	if cfg.Watchers.NegotiationInterval != 15*time.Second {
		t.Fatalf("negotiation interval = %v, want default 15s", cfg.Watchers.NegotiationInterval)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("journal:\n  dsn: memory://\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("NOTIFYHUB_JOURNAL_DSN", "postgres://localhost/notifyhub")
	t.Setenv("NOTIFYHUB_DEDUP_WINDOW", "2m")
	t.Setenv("NOTIFYHUB_DEBUG", "true")

	cfg := Load(path)
	if cfg.Journal.DSN != "postgres://localhost/notifyhub" {
		t.Fatalf("journal dsn = %q", cfg.Journal.DSN)
	}
	if cfg.Dispatch.DedupWindow != 2*time.Minute {
		t.Fatalf("dedup window = %v, want 2m", cfg.Dispatch.DedupWindow)
	}
	if !cfg.Debug {
		t.Fatal("debug should be set from env")
	}
}

func TestMalformedEnvValuesIgnored(t *testing.T) {
	t.Setenv("NOTIFYHUB_DEDUP_WINDOW", "not-a-duration")
	t.Setenv("NOTIFYHUB_SOUND", "maybe")
	t.Setenv("NOTIFYHUB_HTTP_RATE_LIMIT", "fast")

	cfg := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg.Dispatch.DedupWindow != 45*time.Second {
		t.Fatalf("dedup window = %v, want default 45s", cfg.Dispatch.DedupWindow)
	}
	if !cfg.Dispatch.Sound {
		t.Fatal("sound should keep default true")
	}
	if cfg.HTTP.RateLimitPerSec != 20 {
		t.Fatalf("rate limit = %v, want default 20", cfg.HTTP.RateLimitPerSec)
	}
}
