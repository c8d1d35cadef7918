// Package params resolves a live session's configuration from the query
// string of the upgrade request. Resolution never fails: malformed or
// unknown values fall back to defaults with a warning, so a client with a
// stale or sloppy query string still gets a session.
package params

import (
	"log/slog"
	"net/url"
	"strconv"
	"strings"
)

// Modality is what the client asked the session to produce.
type Modality string

const (
	ModalityText  Modality = "TEXT"
	ModalityAudio Modality = "AUDIO"
	ModalityVideo Modality = "VIDEO"
)

// Audio reports whether the session's responses are spoken. Video sessions
// stream frames up but still get audio back.
func (m Modality) Audio() bool { return m == ModalityAudio || m == ModalityVideo }

const (
	DefaultModel           = "gemini-2.0-flash-live-001"
	NativeAudioModel       = "gemini-2.5-flash-preview-native-audio-dialog"
	DefaultVoice           = "Puck"
	DefaultSlidingTokens   = 4000
	DefaultMediaResolution = "MEDIA_RESOLUTION_MEDIUM"
)

var knownVoices = map[string]bool{
	"Puck":   true,
	"Charon": true,
	"Kore":   true,
	"Fenrir": true,
	"Aoede":  true,
	"Leda":   true,
	"Orus":   true,
	"Zephyr": true,
}

var knownResolutions = map[string]bool{
	"MEDIA_RESOLUTION_LOW":    true,
	"MEDIA_RESOLUTION_MEDIUM": true,
	"MEDIA_RESOLUTION_HIGH":   true,
}

// SessionConfig is the fully resolved shape of one live session.
type SessionConfig struct {
	Model             string
	Modality          Modality
	Voice             string
	SystemInstruction string

	SlidingWindowEnabled bool
	SlidingWindowTokens  int64
	TranscriptionEnabled bool
	MediaResolution      string

	ResumeHandle string

	DisableVAD      bool
	AffectiveDialog bool
	ProactiveAudio  bool
	NativeAudio     bool
}

// Resume reports whether the session asks to pick up a previous one.
func (c *SessionConfig) Resume() bool { return c.ResumeHandle != "" }

// Resolve turns the upgrade request's query values into a SessionConfig.
// It never returns an error; every recoverable problem becomes a default
// plus a warning on logger.
func Resolve(q url.Values, logger *slog.Logger) *SessionConfig {
	cfg := &SessionConfig{
		Model:                DefaultModel,
		Modality:             ModalityText,
		SlidingWindowEnabled: true,
		SlidingWindowTokens:  DefaultSlidingTokens,
		TranscriptionEnabled: true,
		MediaResolution:      DefaultMediaResolution,
	}

	switch strings.ToUpper(strings.TrimSpace(q.Get("modalities"))) {
	case "AUDIO":
		cfg.Modality = ModalityAudio
	case "VIDEO":
		cfg.Modality = ModalityVideo
	case "", "TEXT":
		// TEXT is the default.
	default:
		logger.Warn("unknown modalities value, defaulting to TEXT", "modalities", q.Get("modalities"))
	}

	cfg.NativeAudio = toggle(q, "nativeAudio")
	if model := strings.TrimSpace(q.Get("model")); model != "" {
		cfg.Model = model
	} else if cfg.NativeAudio {
		cfg.Model = NativeAudioModel
	}

	if voice := strings.TrimSpace(q.Get("voice")); voice != "" {
		switch {
		case !cfg.Modality.Audio():
			logger.Warn("voice ignored for non-audio session", "voice", voice, "modality", string(cfg.Modality))
		case !knownVoices[voice]:
			logger.Warn("unknown voice, using default", "voice", voice, "default", DefaultVoice)
			cfg.Voice = DefaultVoice
		default:
			cfg.Voice = voice
		}
	} else if cfg.Modality.Audio() {
		cfg.Voice = DefaultVoice
	}

	cfg.SystemInstruction = q.Get("systemInstruction")

	if raw := q.Get("slidingWindowEnabled"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			logger.Warn("unparsable slidingWindowEnabled, keeping default", "value", raw)
		} else {
			cfg.SlidingWindowEnabled = enabled
		}
	}
	if raw := q.Get("slidingWindowTokens"); raw != "" {
		tokens, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || tokens <= 0 {
			logger.Warn("invalid slidingWindowTokens, keeping default", "value", raw, "default", DefaultSlidingTokens)
		} else {
			cfg.SlidingWindowTokens = tokens
		}
	}
	if raw := q.Get("transcriptionEnabled"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			logger.Warn("unparsable transcriptionEnabled, keeping default", "value", raw)
		} else {
			cfg.TranscriptionEnabled = enabled
		}
	}
	if raw := strings.TrimSpace(q.Get("mediaResolution")); raw != "" {
		if knownResolutions[raw] {
			cfg.MediaResolution = raw
		} else {
			logger.Warn("unknown mediaResolution, keeping default", "value", raw, "default", DefaultMediaResolution)
		}
	}

	cfg.ResumeHandle = strings.TrimSpace(q.Get("resumeHandle"))

	if toggle(q, "disablevad") {
		if cfg.Modality == ModalityAudio {
			cfg.DisableVAD = true
		} else {
			logger.Warn("disablevad only applies to AUDIO sessions, ignoring", "modality", string(cfg.Modality))
		}
	}

	cfg.AffectiveDialog = toggle(q, "enableAffectiveDialog")
	cfg.ProactiveAudio = toggle(q, "proactiveAudio")
	if cfg.AffectiveDialog && cfg.ProactiveAudio {
		logger.Warn("enableAffectiveDialog and proactiveAudio both set, keeping affective dialog")
		cfg.ProactiveAudio = false
	}

	return cfg
}

// toggle treats any value strconv.ParseBool accepts as truthy; everything
// else, including absence, is false.
func toggle(q url.Values, name string) bool {
	raw := q.Get(name)
	if raw == "" {
		return false
	}
	v, err := strconv.ParseBool(raw)
	return err == nil && v
}
