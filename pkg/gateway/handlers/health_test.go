package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/apsara-ai/apsara/pkg/gateway/config"
	"github.com/apsara-ai/apsara/pkg/gateway/lifecycle"
	"github.com/apsara-ai/apsara/pkg/gateway/live/sessions"
)

func readyConfig() config.Config {
	return config.Config{
		AuthMode:            config.AuthModeDisabled,
		GeminiAPIKey:        "k",
		LiveMaxMessageBytes: 8 << 20,
		LiveWSPingInterval:  20 * time.Second,
		LiveWSWriteTimeout:  5 * time.Second,
		LiveWSReadTimeout:   60 * time.Second,
		LiveToolTimeout:     30 * time.Second,
		LiveConnectTimeout:  15 * time.Second,
		ResumeSaveThreshold: 20 * time.Second,
	}
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok\n" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestReadyHandlerOK(t *testing.T) {
	h := ReadyHandler{Config: readyConfig(), Lifecycle: &lifecycle.Lifecycle{}, LiveSessions: sessions.NewTracker()}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out["ok"] != true {
		t.Fatalf("ok = %v, body %s", out["ok"], rec.Body.String())
	}
}

func TestReadyHandlerDraining(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)
	h := ReadyHandler{Config: readyConfig(), Lifecycle: lc, LiveSessions: sessions.NewTracker()}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out["draining"] != true || out["draining_since"] == nil {
		t.Fatalf("drain fields missing: %s", rec.Body.String())
	}
}

func TestReadyHandlerMisconfigured(t *testing.T) {
	cfg := readyConfig()
	cfg.GeminiAPIKey = ""
	cfg.AuthMode = config.AuthModeRequired
	h := ReadyHandler{Config: cfg, Lifecycle: &lifecycle.Lifecycle{}, LiveSessions: sessions.NewTracker()}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	issues, _ := out["issues"].([]any)
	if len(issues) != 2 {
		t.Fatalf("issues = %v, want 2 entries", issues)
	}
}
