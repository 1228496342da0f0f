// Package agentconfig reads the active agent configuration that seeds each
// call's model session.
package agentconfig

import (
	"context"
	"errors"
)

// ErrNoActiveConfiguration is returned when a source holds no active entry.
var ErrNoActiveConfiguration = errors.New("no active agent configuration")

// DefaultTemperature applies when a configuration leaves temperature unset.
const DefaultTemperature = 0.7

// TurnDetection holds the persisted voice activity settings. Zero values mean
// "use the model-side default for this type".
type TurnDetection struct {
	Type              string  `yaml:"type" json:"type"`
	Threshold         float64 `yaml:"threshold" json:"threshold,omitempty"`
	PrefixPaddingMs   int     `yaml:"prefix_padding_ms" json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `yaml:"silence_duration_ms" json:"silence_duration_ms,omitempty"`
	Eagerness         string  `yaml:"eagerness" json:"eagerness,omitempty"`
}

// Config is one persisted agent configuration. A nil Temperature is unset;
// an explicit 0 is kept and later clamped like any other value.
type Config struct {
	Name              string        `yaml:"name" json:"name"`
	Instructions      string        `yaml:"instructions" json:"instructions"`
	Voice             string        `yaml:"voice" json:"voice"`
	Model             string        `yaml:"model" json:"model,omitempty"`
	Temperature       *float64      `yaml:"temperature" json:"temperature,omitempty"`
	MaxTokens         int           `yaml:"max_tokens" json:"max_tokens,omitempty"`
	TurnDetection     TurnDetection `yaml:"turn_detection" json:"turn_detection"`
	InputAudioFormat  string        `yaml:"input_audio_format" json:"input_audio_format,omitempty"`
	OutputAudioFormat string        `yaml:"output_audio_format" json:"output_audio_format,omitempty"`
	Tools             []string      `yaml:"tools" json:"tools,omitempty"`
	Active            bool          `yaml:"active" json:"active"`
}

// Defaults returns the configuration used when no source is available.
func Defaults() Config {
	return Config{
		Name:          "Assistant",
		Instructions:  "You are a helpful voice assistant on a phone call. Keep answers short and conversational.",
		Voice:         "alloy",
		Temperature:   Float(DefaultTemperature),
		TurnDetection: TurnDetection{Type: "server_vad"},
		Active:        true,
	}
}

// Source yields the currently active configuration.
type Source interface {
	ActiveConfiguration(ctx context.Context) (*Config, error)
}

// StaticSource always returns the same configuration.
type StaticSource struct {
	Config Config
}

// NewStaticSource returns a source serving Defaults().
func NewStaticSource() *StaticSource {
	return &StaticSource{Config: Defaults()}
}

func (s *StaticSource) ActiveConfiguration(ctx context.Context) (*Config, error) {
	cfg := s.Config
	return &cfg, nil
}

// Resolve fetches the active configuration, falling back to Defaults on any
// error or when the source has nothing active. The returned error is the
// fetch failure, if any, for logging.
func Resolve(ctx context.Context, src Source) (Config, error) {
	if src == nil {
		return Defaults(), nil
	}
	cfg, err := src.ActiveConfiguration(ctx)
	if err != nil {
		return Defaults(), err
	}
	if cfg == nil {
		return Defaults(), ErrNoActiveConfiguration
	}
	return fillDefaults(*cfg), nil
}

func fillDefaults(cfg Config) Config {
	def := Defaults()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Instructions == "" {
		cfg.Instructions = def.Instructions
	}
	if cfg.Voice == "" {
		cfg.Voice = def.Voice
	}
	if cfg.Temperature == nil {
		cfg.Temperature = def.Temperature
	}
	return cfg
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
