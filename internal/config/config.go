package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full relay configuration, loaded from the environment.
type Config struct {
	Service       ServiceConfig
	Model         ModelConfig
	Relay         RelayConfig
	Agent         AgentConfig
	Tools         ToolsConfig
	STT           STTConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Principal string
	HTTPPort  string
	GRPCPort  string
	// PublicURL is the externally reachable base URL used in TwiML.
	PublicURL string
}

type ModelConfig struct {
	APIKey           string
	URL              string
	DefaultModel     string
	HandshakeTimeout time.Duration
}

type RelayConfig struct {
	// CommitInterval is the minimum gap between input buffer commits. Zero disables commits.
	CommitInterval       time.Duration
	ToolTimeout          time.Duration
	ObserverWriteTimeout time.Duration
	MaxMessageBytes      int64
}

type AgentConfig struct {
	Source       string // static, file, postgres
	FilePath     string
	DatabaseURL  string
	FetchTimeout time.Duration
}

type ToolsConfig struct {
	WeatherURL string
}

type STTConfig struct {
	Provider       string // none, mock, google
	LanguageCode   string
	SampleRateHz   int
	InterimResults bool
	AudioEncoding  string
	// CredentialsFile is optional; application default credentials are used otherwise.
	CredentialsFile string
}

type KafkaConfig struct {
	Enabled         bool
	Brokers         []string
	TopicStatus     string
	TopicTranscript string
	Principal       string
}

type ObservabilityConfig struct {
	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

func Load() *Config {
	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-voice-relay")

	return &Config{
		Service: ServiceConfig{
			Principal: principal,
			HTTPPort:  envOrDefault("HTTP_PORT", "8081"),
			GRPCPort:  envOrDefault("GRPC_PORT", "50051"),
			PublicURL: strings.TrimRight(envOrDefault("PUBLIC_URL", ""), "/"),
		},
		Model: ModelConfig{
			APIKey:           envOrDefault("OPENAI_API_KEY", ""),
			URL:              envOrDefault("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
			DefaultModel:     envOrDefault("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-12-17"),
			HandshakeTimeout: envOrDefaultDuration("MODEL_HANDSHAKE_TIMEOUT", 10*time.Second),
		},
		Relay: RelayConfig{
			CommitInterval:       envOrDefaultDuration("RELAY_COMMIT_INTERVAL", 120*time.Millisecond),
			ToolTimeout:          envOrDefaultDuration("TOOL_TIMEOUT", 30*time.Second),
			ObserverWriteTimeout: envOrDefaultDuration("OBSERVER_WRITE_TIMEOUT", 2*time.Second),
			MaxMessageBytes:      int64(envOrDefaultInt("TELEPHONY_MAX_MESSAGE_BYTES", 1<<20)),
		},
		Agent: AgentConfig{
			Source:       strings.ToLower(envOrDefault("AGENT_SOURCE", "static")),
			FilePath:     envOrDefault("AGENT_CONFIG_FILE", "agents.yaml"),
			DatabaseURL:  envOrDefault("DATABASE_URL", ""),
			FetchTimeout: envOrDefaultDuration("AGENT_FETCH_TIMEOUT", 3*time.Second),
		},
		Tools: ToolsConfig{
			WeatherURL: envOrDefault("WEATHER_API_URL", "https://api.open-meteo.com/v1/forecast"),
		},
		STT: STTConfig{
			Provider:        strings.ToLower(envOrDefault("STT_PROVIDER", "none")),
			LanguageCode:    envOrDefault("STT_LANGUAGE_CODE", "en-US"),
			SampleRateHz:    envOrDefaultInt("STT_SAMPLE_RATE_HZ", 8000),
			InterimResults:  envOrDefaultBool("STT_INTERIM_RESULTS", true),
			AudioEncoding:   envOrDefault("STT_AUDIO_ENCODING", "MULAW"),
			CredentialsFile: envOrDefault("GOOGLE_APPLICATION_CREDENTIALS", ""),
		},
		Kafka: KafkaConfig{
			Enabled:         envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:         envList("KAFKA_BROKERS"),
			TopicStatus:     envOrDefault("KAFKA_TOPIC_STATUS", "voice.relay.call.status"),
			TopicTranscript: envOrDefault("KAFKA_TOPIC_TRANSCRIPT", "voice.relay.call.transcript"),
			Principal:       envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Observability: ObservabilityConfig{
			LogLevel:    strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
			LogFormat:   strings.ToLower(envOrDefault("LOG_FORMAT", "json")),
			MetricsAddr: envOrDefault("METRICS_ADDR", ":9090"),
		},
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envOrDefaultInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
