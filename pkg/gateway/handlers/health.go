package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/apsara-ai/apsara/pkg/gateway/config"
	"github.com/apsara-ai/apsara/pkg/gateway/lifecycle"
	"github.com/apsara-ai/apsara/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config       config.Config
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool     `json:"ok"`
		AuthMode      string   `json:"auth_mode"`
		Draining      bool     `json:"draining"`
		DrainingSince string   `json:"draining_since,omitempty"`
		LiveSessions  int      `json:"live_sessions"`
		Issues        []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if h.Config.GeminiAPIKey == "" {
		issues = append(issues, "upstream api key is not configured")
	}
	if h.Config.LiveMaxMessageBytes <= 0 {
		issues = append(issues, "live max message bytes must be > 0")
	}
	if h.Config.LiveWSPingInterval <= 0 || h.Config.LiveWSWriteTimeout <= 0 || h.Config.LiveWSReadTimeout <= 0 {
		issues = append(issues, "live websocket timeouts must be > 0")
	}
	if h.Config.LiveToolTimeout <= 0 || h.Config.LiveConnectTimeout <= 0 {
		issues = append(issues, "live upstream timeouts must be > 0")
	}
	if h.Config.ResumeSaveThreshold <= 0 {
		issues = append(issues, "resume save threshold must be > 0")
	}

	draining := h.Lifecycle.IsDraining()
	drainingSince := ""
	if since := h.Lifecycle.DrainingSince(); !since.IsZero() {
		drainingSince = since.UTC().Format(time.RFC3339)
	}

	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:            ok,
		AuthMode:      string(h.Config.AuthMode),
		Draining:      draining,
		DrainingSince: drainingSince,
		LiveSessions:  h.LiveSessions.Count(),
		Issues:        issues,
	})
}
