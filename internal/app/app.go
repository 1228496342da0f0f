// Package app wires configuration into the running relay.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"voice-call-relay/internal/agentconfig"
	grpcapi "voice-call-relay/internal/api/grpc"
	"voice-call-relay/internal/config"
	"voice-call-relay/internal/events"
	apphttp "voice-call-relay/internal/http"
	"voice-call-relay/internal/models"
	"voice-call-relay/internal/observability"
	"voice-call-relay/internal/observability/logging"
	"voice-call-relay/internal/observability/metrics"
	"voice-call-relay/internal/realtime"
	"voice-call-relay/internal/service/relay"
	"voice-call-relay/internal/service/stt"
	"voice-call-relay/internal/service/stt/google"
	"voice-call-relay/internal/service/stt/mock"
	"voice-call-relay/internal/service/tools"
	"voice-call-relay/internal/service/transcribe"
	"voice-call-relay/internal/telephony"
)

// Application holds process-wide state for the relay.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	Metrics   *metrics.Metrics
	Publisher *events.Publisher
	Tools     *tools.Registry
	Relay     *relay.Relay

	obs    *observability.Server
	grpc   *grpcapi.Server
	server *http.Server
	ready  atomic.Bool

	closeAgents func()
}

// New constructs the application from cfg. Nothing listens until Start.
func New(ctx context.Context, cfg *config.Config) (*Application, error) {
	a := &Application{
		Cfg:     cfg,
		Logger:  logging.WithComponent("application"),
		Metrics: metrics.DefaultMetrics,
	}

	if cfg.Model.APIKey == "" {
		a.Logger.Warn().Msg("OPENAI_API_KEY is not set, calls will not reach the model")
	}

	agents, closeAgents, err := newAgentSource(ctx, cfg.Agent)
	if err != nil {
		return nil, fmt.Errorf("agent source: %w", err)
	}
	a.closeAgents = closeAgents

	registry, err := tools.NewDefaultRegistry(&http.Client{}, cfg.Tools.WeatherURL)
	if err != nil {
		closeAgents()
		return nil, fmt.Errorf("tool registry: %w", err)
	}
	a.Tools = registry

	taps, err := newTapFactory(cfg.STT, a.Metrics)
	if err != nil {
		closeAgents()
		return nil, fmt.Errorf("transcription: %w", err)
	}

	a.Publisher = events.New(&events.Config{
		Enabled:         cfg.Kafka.Enabled,
		Brokers:         cfg.Kafka.Brokers,
		TopicStatus:     cfg.Kafka.TopicStatus,
		TopicTranscript: cfg.Kafka.TopicTranscript,
		Principal:       cfg.Kafka.Principal,
	})

	a.Relay = relay.New(relay.Options{
		Dial:                 newDialFunc(cfg.Model),
		APIKey:               cfg.Model.APIKey,
		Model:                cfg.Model.DefaultModel,
		Agents:               agents,
		AgentFetchTimeout:    cfg.Agent.FetchTimeout,
		Tools:                registry,
		ToolTimeout:          cfg.Relay.ToolTimeout,
		CommitInterval:       cfg.Relay.CommitInterval,
		ObserverWriteTimeout: cfg.Relay.ObserverWriteTimeout,
		Publisher:            a.Publisher,
		Taps:                 taps,
		Metrics:              a.Metrics,
	})

	a.server = &http.Server{
		Addr: ":" + cfg.Service.HTTPPort,
		Handler: apphttp.NewRouter(apphttp.Deps{
			Relay:           a.Relay,
			Tools:           registry,
			PublicURL:       cfg.Service.PublicURL,
			MaxMessageBytes: cfg.Relay.MaxMessageBytes,
			Ready:           a.ready.Load,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.obs = observability.NewServer(cfg.Observability.MetricsAddr)
	a.grpc = grpcapi.New(a.Metrics)

	a.Logger.Info().
		Str("agentSource", cfg.Agent.Source).
		Str("sttProvider", cfg.STT.Provider).
		Bool("kafka", cfg.Kafka.Enabled).
		Strs("tools", registry.Names()).
		Msg("Voice call relay application created")
	return a, nil
}

// Start begins serving HTTP, gRPC and metrics.
func (a *Application) Start() error {
	a.StartupTime = time.Now().UTC()

	if err := a.grpc.Listen(":" + a.Cfg.Service.GRPCPort); err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	a.obs.Start()

	go func() {
		a.Logger.Info().Str("addr", a.server.Addr).Msg("Starting relay HTTP server")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("Relay HTTP server error")
		}
	}()

	a.ready.Store(true)
	a.Logger.Info().
		Time("startupTime", a.StartupTime).
		Str("model", a.Cfg.Model.DefaultModel).
		Msg("Voice call relay started")
	return nil
}

// Shutdown stops accepting traffic, tears down live calls and flushes the
// event publisher.
func (a *Application) Shutdown(ctx context.Context) {
	a.Logger.Info().Int("activeCalls", a.Relay.Registry().Len()).Msg("Voice call relay shutting down")
	a.ready.Store(false)
	a.obs.SetReady(false)
	a.grpc.SetServing(false)

	// Hijacked websockets are not tracked by Shutdown; closing the relay
	// ends them.
	if err := a.server.Shutdown(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	a.Relay.Close()
	a.grpc.Shutdown(ctx)

	if err := a.Publisher.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to close event publisher")
	}
	a.closeAgents()
	if err := a.obs.Shutdown(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Observability shutdown incomplete")
	}
}

func newDialFunc(cfg config.ModelConfig) relay.DialFunc {
	d := &realtime.Dialer{URL: cfg.URL, HandshakeTimeout: cfg.HandshakeTimeout}
	return func(ctx context.Context, model, apiKey string) (relay.ModelConn, error) {
		conn, err := d.Dial(ctx, model, apiKey)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func newAgentSource(ctx context.Context, cfg config.AgentConfig) (agentconfig.Source, func(), error) {
	noop := func() {}
	switch cfg.Source {
	case "", "static":
		return agentconfig.NewStaticSource(), noop, nil
	case "file":
		return agentconfig.NewFileSource(cfg.FilePath), noop, nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, noop, errors.New("DATABASE_URL is required for the postgres agent source")
		}
		src, err := agentconfig.NewPostgresSource(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, noop, err
		}
		return src, src.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown agent source %q", cfg.Source)
	}
}

// newTapFactory returns nil when caller transcription is off.
func newTapFactory(cfg config.STTConfig, m *metrics.Metrics) (relay.TapFactory, error) {
	var newAdapter transcribe.NewAdapterFunc
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "mock":
		newAdapter = func(context.Context, telephony.MediaFormat) (stt.Adapter, error) {
			return mock.New(), nil
		}
	case "google":
		newAdapter = func(ctx context.Context, format telephony.MediaFormat) (stt.Adapter, error) {
			gc := google.Config{
				LanguageCode:    cfg.LanguageCode,
				SampleRateHz:    int32(cfg.SampleRateHz),
				InterimResults:  cfg.InterimResults,
				AudioEncoding:   cfg.AudioEncoding,
				CredentialsFile: cfg.CredentialsFile,
			}
			if format.Encoding != "" {
				enc := google.EncodingFor(format.Encoding)
				if enc == "" {
					return nil, fmt.Errorf("google stt: unsupported media encoding %q", format.Encoding)
				}
				gc.AudioEncoding = enc
			}
			if format.SampleRate > 0 {
				gc.SampleRateHz = int32(format.SampleRate)
			}
			adapter, err := google.New(ctx, gc)
			if err != nil {
				return nil, err
			}
			return adapter, nil
		}
	default:
		return nil, fmt.Errorf("unknown STT provider %q", cfg.Provider)
	}

	f := &transcribe.Factory{Provider: cfg.Provider, NewAdapter: newAdapter, Metrics: m}
	return func(ctx context.Context, streamID string, format telephony.MediaFormat, emit func(models.TranscriptEvent)) (relay.Tap, error) {
		tap, err := f.Open(ctx, streamID, format, emit)
		if err != nil {
			return nil, err
		}
		return tap, nil
	}, nil
}
