package config

import (
	"testing"
	"time"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "k")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("Addr = %q, want :9000", cfg.Addr)
	}
	if cfg.AuthMode != AuthModeOptional {
		t.Fatalf("AuthMode = %q, want optional", cfg.AuthMode)
	}
	if cfg.ResumeSaveThreshold != 20*time.Second {
		t.Fatalf("ResumeSaveThreshold = %v, want 20s", cfg.ResumeSaveThreshold)
	}
	if cfg.LiveOutboundQueue != 128 {
		t.Fatalf("LiveOutboundQueue = %d, want 128", cfg.LiveOutboundQueue)
	}
}

func TestLoadFromEnvRequiresGeminiKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error without GEMINI_API_KEY")
	}
}

func TestLoadFromEnvRequiredAuthNeedsKeys(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "k")
	t.Setenv("APSARA_AUTH_MODE", "required")
	t.Setenv("APSARA_API_KEYS", "")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for auth_mode=required without api keys")
	}

	t.Setenv("APSARA_API_KEYS", "alpha, beta")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if len(cfg.APIKeys) != 2 {
		t.Fatalf("APIKeys = %d entries, want 2", len(cfg.APIKeys))
	}
	if _, ok := cfg.APIKeys["beta"]; !ok {
		t.Fatal("expected trimmed key beta in APIKeys")
	}
}

func TestLoadFromEnvRejectsBadAuthMode(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "k")
	t.Setenv("APSARA_AUTH_MODE", "bogus")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for invalid auth mode")
	}
}

func TestEnvFallbacksIgnoreUnparsable(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "k")
	t.Setenv("APSARA_LIVE_WS_PING_INTERVAL", "soon")
	t.Setenv("APSARA_LIVE_OUTBOUND_QUEUE", "many")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.LiveWSPingInterval != 20*time.Second {
		t.Fatalf("LiveWSPingInterval = %v, want default 20s", cfg.LiveWSPingInterval)
	}
	if cfg.LiveOutboundQueue != 128 {
		t.Fatalf("LiveOutboundQueue = %d, want default 128", cfg.LiveOutboundQueue)
	}
}
