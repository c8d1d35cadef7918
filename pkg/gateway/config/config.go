package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// GeminiAPIKey authenticates the upstream live connection.
	GeminiAPIKey string

	// DataDir is the badger directory for resumption state. Empty means the
	// store runs in memory and does not survive restarts.
	DataDir string

	// CapabilityFile optionally points at a YAML file overriding the built-in
	// model capability table.
	CapabilityFile string

	// If true, client identity may be derived from proxy headers like
	// X-Forwarded-For. Enable only behind a trusted proxy/LB.
	TrustProxyHeaders bool

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Live WebSocket mode (/live).
	LiveMaxMessageBytes  int64
	LiveWSPingInterval   time.Duration
	LiveWSWriteTimeout   time.Duration
	LiveWSReadTimeout    time.Duration
	LiveHandshakeTimeout time.Duration
	LiveOutboundQueue    int
	LiveToolTimeout      time.Duration
	LiveConnectTimeout   time.Duration

	// ResumeSaveThreshold is the remaining-time cutoff under which an
	// ending-soon warning triggers a disconnected-session snapshot.
	ResumeSaveThreshold time.Duration

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("APSARA_ADDR", ":9000"),
		AuthMode:             AuthMode(envOr("APSARA_AUTH_MODE", string(AuthModeOptional))),
		APIKeys:              make(map[string]struct{}),
		GeminiAPIKey:         strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		DataDir:              envOr("APSARA_DATA_DIR", ""),
		CapabilityFile:       envOr("APSARA_CAPABILITY_FILE", ""),
		TrustProxyHeaders:    envBoolOr("APSARA_TRUST_PROXY_HEADERS", false),
		CORSAllowedOrigins:   make(map[string]struct{}),
		LiveMaxMessageBytes:  envInt64Or("APSARA_LIVE_MAX_MESSAGE_BYTES", 8<<20), // 8 MiB; video frames ride in JSON
		LiveWSPingInterval:   envDurationOr("APSARA_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:   envDurationOr("APSARA_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveWSReadTimeout:    envDurationOr("APSARA_LIVE_WS_READ_TIMEOUT", 60*time.Second),
		LiveHandshakeTimeout: envDurationOr("APSARA_LIVE_HANDSHAKE_TIMEOUT", 5*time.Second),
		LiveOutboundQueue:    envIntOr("APSARA_LIVE_OUTBOUND_QUEUE", 128),
		LiveToolTimeout:      envDurationOr("APSARA_LIVE_TOOL_TIMEOUT", 30*time.Second),
		LiveConnectTimeout:   envDurationOr("APSARA_LIVE_CONNECT_TIMEOUT", 15*time.Second),
		ResumeSaveThreshold:  envDurationOr("APSARA_RESUME_SAVE_THRESHOLD", 20*time.Second),
		ReadHeaderTimeout:    envDurationOr("APSARA_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:          envDurationOr("APSARA_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:  envDurationOr("APSARA_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("APSARA_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("APSARA_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("APSARA_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("GEMINI_API_KEY must be set")
	}
	if cfg.LiveMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("APSARA_LIVE_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("APSARA_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("APSARA_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSReadTimeout <= 0 {
		return Config{}, fmt.Errorf("APSARA_LIVE_WS_READ_TIMEOUT must be > 0")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("APSARA_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.LiveOutboundQueue <= 0 {
		return Config{}, fmt.Errorf("APSARA_LIVE_OUTBOUND_QUEUE must be > 0")
	}
	if cfg.LiveToolTimeout <= 0 {
		return Config{}, fmt.Errorf("APSARA_LIVE_TOOL_TIMEOUT must be > 0")
	}
	if cfg.LiveConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("APSARA_LIVE_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.ResumeSaveThreshold <= 0 {
		return Config{}, fmt.Errorf("APSARA_RESUME_SAVE_THRESHOLD must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("APSARA_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("APSARA_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("APSARA_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("APSARA_API_KEYS must be set when APSARA_AUTH_MODE=required")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
