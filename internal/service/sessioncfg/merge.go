package sessioncfg

import (
	"strings"

	"voice-call-relay/internal/agentconfig"
	"voice-call-relay/internal/realtime"
)

// Turn detection types.
const (
	TurnDetectionNone        = realtime.TurnDetectionNone
	TurnDetectionServerVAD   = realtime.TurnDetectionServerVAD
	TurnDetectionSemanticVAD = realtime.TurnDetectionSemanticVAD
)

// Server VAD defaults.
const (
	DefaultThreshold         = 0.5
	DefaultPrefixPaddingMs   = 300
	DefaultSilenceDurationMs = 200
	DefaultEagerness         = "medium"
)

// Accepted temperature range of the model service.
const (
	MinTemperature = 0.6
	MaxTemperature = 1.0
)

// TranscriptionModel transcribes caller audio on the model side.
const TranscriptionModel = "whisper-1"

// Build produces the session.update body for a call. legFormat is the
// model-side audio format of the telephony leg and always wins for both
// directions.
func Build(persisted agentconfig.Config, override *Override, legFormat string, tools []realtime.Tool) *realtime.SessionConfig {
	instructions := persisted.Instructions
	voice := persisted.Voice
	temperature := agentconfig.DefaultTemperature
	if persisted.Temperature != nil {
		temperature = *persisted.Temperature
	}
	maxTokens := persisted.MaxTokens
	td := persisted.TurnDetection

	if override != nil {
		if override.Instructions != nil {
			instructions = *override.Instructions
		}
		if override.Voice != nil {
			voice = *override.Voice
		}
		if override.Temperature != nil {
			temperature = *override.Temperature
		}
		if override.MaxTokens != nil {
			maxTokens = *override.MaxTokens
		}
		if override.TurnDetection != nil {
			td = *override.TurnDetection
		}
	}

	temp := clamp(temperature, MinTemperature, MaxTemperature)
	cfg := &realtime.SessionConfig{
		Modalities:              []string{"text", "audio"},
		Instructions:            instructions,
		Voice:                   voice,
		InputAudioFormat:        legFormat,
		OutputAudioFormat:       legFormat,
		InputAudioTranscription: &realtime.TranscriptionConfig{Model: TranscriptionModel},
		TurnDetection:           TurnDetection(td),
		Temperature:             &temp,
	}
	if maxTokens > 0 {
		cfg.MaxResponseOutputTokens = maxTokens
	}
	if len(tools) > 0 {
		cfg.Tools = tools
		cfg.ToolChoice = "auto"
	}
	return cfg
}

// TurnDetection maps a persisted turn detection setting to its wire shape.
// Unknown or empty types fall back to server VAD.
func TurnDetection(td agentconfig.TurnDetection) *realtime.TurnDetection {
	switch strings.ToLower(strings.TrimSpace(td.Type)) {
	case TurnDetectionNone:
		return &realtime.TurnDetection{Type: TurnDetectionNone}
	case TurnDetectionSemanticVAD:
		eagerness := td.Eagerness
		if eagerness == "" {
			eagerness = DefaultEagerness
		}
		yes := true
		return &realtime.TurnDetection{
			Type:              TurnDetectionSemanticVAD,
			Eagerness:         eagerness,
			CreateResponse:    &yes,
			InterruptResponse: &yes,
		}
	default:
		threshold := DefaultThreshold
		if td.Threshold > 0 {
			threshold = td.Threshold
		}
		prefix := DefaultPrefixPaddingMs
		if td.PrefixPaddingMs > 0 {
			prefix = td.PrefixPaddingMs
		}
		silence := DefaultSilenceDurationMs
		if td.SilenceDurationMs > 0 {
			silence = td.SilenceDurationMs
		}
		return &realtime.TurnDetection{
			Type:              TurnDetectionServerVAD,
			Threshold:         &threshold,
			PrefixPaddingMs:   &prefix,
			SilenceDurationMs: &silence,
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
