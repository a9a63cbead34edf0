package config

import (
	"testing"
	"time"
)

func TestLoadConsoleDefaults(t *testing.T) {
	t.Setenv("LIVECHAT_URL", "https://desk.example.com/")
	t.Setenv("LIVECHAT_PUSH_URL", "")

	cfg, err := LoadConsole()
	if err != nil {
		t.Fatalf("LoadConsole failed: %v", err)
	}
	if cfg.ServerURL != "https://desk.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.ServerURL)
	}
	if cfg.PushURL != "wss://desk.example.com/ws" {
		t.Fatalf("unexpected push URL %q", cfg.PushURL)
	}
	if cfg.MatchWindow != 5*time.Second {
		t.Fatalf("unexpected match window %v", cfg.MatchWindow)
	}
	if cfg.AnomalySink != AnomalySinkBoth {
		t.Fatalf("unexpected anomaly sink %q", cfg.AnomalySink)
	}
}

func TestLoadConsoleOverrides(t *testing.T) {
	t.Setenv("LIVECHAT_URL", "http://localhost:9000")
	t.Setenv("LIVECHAT_MATCH_WINDOW", "750ms")
	t.Setenv("LIVECHAT_ANOMALY_SINK", "LOG")
	t.Setenv("LIVECHAT_QUEUE_SIZE", "8")

	cfg, err := LoadConsole()
	if err != nil {
		t.Fatalf("LoadConsole failed: %v", err)
	}
	if cfg.PushURL != "ws://localhost:9000/ws" {
		t.Fatalf("unexpected push URL %q", cfg.PushURL)
	}
	if cfg.MatchWindow != 750*time.Millisecond {
		t.Fatalf("unexpected match window %v", cfg.MatchWindow)
	}
	if cfg.AnomalySink != AnomalySinkLog {
		t.Fatalf("unexpected anomaly sink %q", cfg.AnomalySink)
	}
	if cfg.QueueSize != 8 {
		t.Fatalf("unexpected queue size %d", cfg.QueueSize)
	}
}

func TestLoadConsoleRejectsBadValues(t *testing.T) {
	t.Setenv("LIVECHAT_URL", "ftp://nowhere")
	if _, err := LoadConsole(); err == nil {
		t.Fatal("expected unsupported scheme to fail")
	}

	t.Setenv("LIVECHAT_URL", "http://localhost:8080")
	t.Setenv("LIVECHAT_ANOMALY_SINK", "pager")
	if _, err := LoadConsole(); err == nil {
		t.Fatal("expected unknown anomaly sink to fail")
	}
}

func TestLoadServerWhitelist(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("RATE_LIMIT_WHITELIST", "10.0.0.0/8, 127.0.0.1 ,")

	cfg := Load()
	if len(cfg.RateLimitWhitelist) != 2 {
		t.Fatalf("expected 2 whitelist entries, got %v", cfg.RateLimitWhitelist)
	}
	if !cfg.IsDevelopment() {
		t.Fatal("expected development mode")
	}
}

func TestLoadServerPanicsInProductionWithoutDatabase(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "")

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	Load()
}
