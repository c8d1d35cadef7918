package principal

import (
	"net/http/httptest"
	"testing"

	"github.com/apsara-ai/apsara/pkg/gateway/config"
)

func baseConfig(mode config.AuthMode, keys ...string) config.Config {
	cfg := config.Config{AuthMode: mode, APIKeys: make(map[string]struct{})}
	for _, k := range keys {
		cfg.APIKeys[k] = struct{}{}
	}
	return cfg
}

func TestResolveDisabledAuthorizesEveryone(t *testing.T) {
	r := httptest.NewRequest("GET", "/live", nil)
	r.RemoteAddr = "203.0.113.7:4242"

	p, err := Resolve(r, baseConfig(config.AuthModeDisabled))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !p.Authorized {
		t.Fatal("expected authorized principal when auth is disabled")
	}
	if p.Kind != KindIP {
		t.Fatalf("Kind = %q, want ip", p.Kind)
	}
}

func TestResolveRequiredRejectsMissingAndInvalid(t *testing.T) {
	cfg := baseConfig(config.AuthModeRequired, "good")

	r := httptest.NewRequest("GET", "/live", nil)
	if _, err := Resolve(r, cfg); err == nil {
		t.Fatal("expected error without credential")
	}

	r = httptest.NewRequest("GET", "/live?access_token=bad", nil)
	if _, err := Resolve(r, cfg); err == nil {
		t.Fatal("expected error for invalid credential")
	}

	r = httptest.NewRequest("GET", "/live?access_token=good", nil)
	p, err := Resolve(r, cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !p.Authorized || p.Kind != KindAPIKey {
		t.Fatalf("principal = %+v, want authorized api_key", p)
	}
	if p.Identity == "" || p.Identity == "good" {
		t.Fatalf("Identity = %q, want hashed non-empty value", p.Identity)
	}
}

func TestResolveOptionalAnonymous(t *testing.T) {
	r := httptest.NewRequest("GET", "/live", nil)
	r.RemoteAddr = "203.0.113.7:4242"

	p, err := Resolve(r, baseConfig(config.AuthModeOptional, "good"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Authorized {
		t.Fatal("anonymous principal must not be authorized")
	}
	if p.Identity != "" {
		t.Fatalf("Identity = %q, want empty for anonymous", p.Identity)
	}
}

func TestCredentialSources(t *testing.T) {
	cfg := baseConfig(config.AuthModeOptional, "tok")

	r := httptest.NewRequest("GET", "/live", nil)
	r.Header.Set("Authorization", "Bearer tok")
	if p, err := Resolve(r, cfg); err != nil || !p.Authorized {
		t.Fatalf("bearer: principal=%+v err=%v", p, err)
	}
}

func TestCookieCredential(t *testing.T) {
	cfg := baseConfig(config.AuthModeOptional, "tok")
	r := httptest.NewRequest("GET", "/live", nil)
	r.Header.Set("Cookie", "apsara_token=tok")
	p, err := Resolve(r, cfg)
	if err != nil || !p.Authorized {
		t.Fatalf("cookie: principal=%+v err=%v", p, err)
	}
}

func TestTrustProxyHeaders(t *testing.T) {
	cfg := baseConfig(config.AuthModeOptional)
	cfg.TrustProxyHeaders = true

	r := httptest.NewRequest("GET", "/live", nil)
	r.RemoteAddr = "10.0.0.1:1"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	p, err := Resolve(r, cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Kind != KindIP {
		t.Fatalf("Kind = %q, want ip", p.Kind)
	}

	cfg.TrustProxyHeaders = false
	p2, err := Resolve(r, cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p2.Key == p.Key {
		t.Fatal("expected different bucket keys with and without proxy header trust")
	}
}
