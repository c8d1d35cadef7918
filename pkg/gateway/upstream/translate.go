package upstream

import (
	"google.golang.org/genai"

	"github.com/apsara-ai/apsara/pkg/gateway/live/params"
)

// BuildConnectConfig translates a resolved session configuration into the
// upstream connect payload. Resumption updates are always requested, even
// for fresh sessions, so every session can later be resumed.
func BuildConnectConfig(cfg *params.SessionConfig, declared []*genai.Tool) *genai.LiveConnectConfig {
	out := &genai.LiveConnectConfig{
		Tools: declared,
		SessionResumption: &genai.SessionResumptionConfig{
			Handle: cfg.ResumeHandle,
		},
		MediaResolution: genai.MediaResolution(cfg.MediaResolution),
	}

	if cfg.Modality.Audio() {
		out.ResponseModalities = []genai.Modality{genai.ModalityAudio}
	} else {
		out.ResponseModalities = []genai.Modality{genai.ModalityText}
	}

	if cfg.Voice != "" {
		out.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if cfg.SystemInstruction != "" {
		out.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: cfg.SystemInstruction}},
		}
	}

	if cfg.SlidingWindowEnabled {
		out.ContextWindowCompression = &genai.ContextWindowCompressionConfig{
			TriggerTokens: genai.Ptr(cfg.SlidingWindowTokens),
			SlidingWindow: &genai.SlidingWindow{},
		}
	}

	if cfg.Modality.Audio() && cfg.TranscriptionEnabled {
		out.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
		out.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}

	if cfg.DisableVAD {
		out.RealtimeInputConfig = &genai.RealtimeInputConfig{
			AutomaticActivityDetection: &genai.AutomaticActivityDetection{Disabled: true},
		}
	}

	if cfg.AffectiveDialog {
		out.EnableAffectiveDialog = genai.Ptr(true)
	}
	if cfg.ProactiveAudio {
		out.Proactivity = &genai.ProactivityConfig{ProactiveAudio: genai.Ptr(true)}
	}

	return out
}
