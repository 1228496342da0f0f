// Package relay bridges telephony media streams to realtime model sessions.
//
// Each telephony websocket owns one Session. A Session registers under its
// stream id once the call starts, opens a model leg asynchronously, relays
// audio both ways, truncates the assistant on barge-in, runs tool calls and
// mirrors every model event to an optional observer.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voice-call-relay/internal/agentconfig"
	"voice-call-relay/internal/models"
	"voice-call-relay/internal/observability/logging"
	"voice-call-relay/internal/observability/metrics"
	"voice-call-relay/internal/service/sessioncfg"
	"voice-call-relay/internal/service/tools"
	"voice-call-relay/internal/telephony"
)

// Default timings.
const (
	DefaultCommitInterval       = 120 * time.Millisecond
	DefaultObserverWriteTimeout = 2 * time.Second
	DefaultAgentFetchTimeout    = 3 * time.Second
)

const eventQueueSize = 256

// EventPublisher receives call events for external consumers.
// *events.Publisher satisfies it.
type EventPublisher interface {
	PublishStatus(ctx context.Context, event models.StatusEvent) error
	PublishTranscript(ctx context.Context, event models.TranscriptEvent) error
}

// Tap receives caller audio for side-channel transcription.
type Tap interface {
	Feed(payloadBase64 string)
	Close()
}

// TapFactory starts a tap for a call. emit may be called from any goroutine.
type TapFactory func(ctx context.Context, streamID string, format telephony.MediaFormat, emit func(models.TranscriptEvent)) (Tap, error)

// Options configures a Relay.
type Options struct {
	Dial   DialFunc
	APIKey string
	Model  string

	Agents            agentconfig.Source
	AgentFetchTimeout time.Duration

	Tools       *tools.Registry
	ToolTimeout time.Duration

	// CommitInterval is the minimum gap between input buffer commits.
	// Zero disables commits.
	CommitInterval       time.Duration
	ObserverWriteTimeout time.Duration

	Publisher EventPublisher
	Taps      TapFactory
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Relay owns the session registry and the lobby observer.
type Relay struct {
	opts     Options
	registry *Registry
	logger   zerolog.Logger

	lobbyMu       sync.Mutex
	lobby         *leg
	lobbyOverride *sessioncfg.Override

	eventsMu  sync.RWMutex
	events    chan publishJob
	closed    bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type publishJob struct {
	status     *models.StatusEvent
	transcript *models.TranscriptEvent
}

// New creates a relay and starts its event publishing worker.
func New(opts Options) *Relay {
	if opts.AgentFetchTimeout <= 0 {
		opts.AgentFetchTimeout = DefaultAgentFetchTimeout
	}
	if opts.ObserverWriteTimeout <= 0 {
		opts.ObserverWriteTimeout = DefaultObserverWriteTimeout
	}
	if opts.CommitInterval < 0 {
		opts.CommitInterval = 0
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultMetrics
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Tools == nil {
		opts.Tools = tools.NewRegistry()
	}
	if opts.Agents == nil {
		opts.Agents = agentconfig.NewStaticSource()
	}

	r := &Relay{
		opts:     opts,
		registry: NewRegistry(),
		logger:   logging.WithComponent("relay"),
		events:   make(chan publishJob, eventQueueSize),
	}
	r.wg.Add(1)
	go r.publishLoop()
	return r
}

// Registry exposes the active sessions.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Close tears down every call and the lobby observer, then drains the event
// queue.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		for _, s := range r.registry.Sessions() {
			s.teardown("shutdown")
		}
		r.lobbyMu.Lock()
		if r.lobby != nil {
			r.lobby.close()
			r.lobby = nil
		}
		r.lobbyMu.Unlock()

		r.eventsMu.Lock()
		r.closed = true
		close(r.events)
		r.eventsMu.Unlock()
		r.wg.Wait()
	})
}

func (r *Relay) publishLoop() {
	defer r.wg.Done()
	for job := range r.events {
		if r.opts.Publisher == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if job.status != nil {
			_ = r.opts.Publisher.PublishStatus(ctx, *job.status)
		}
		if job.transcript != nil {
			_ = r.opts.Publisher.PublishTranscript(ctx, *job.transcript)
		}
		cancel()
	}
}

// enqueue hands an event to the publishing worker without blocking the
// caller. Events are dropped when the queue is full or closed.
func (r *Relay) enqueue(job publishJob) {
	r.eventsMu.RLock()
	defer r.eventsMu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- job:
	default:
		r.logger.Warn().Msg("Event queue full, dropping event")
	}
}

func (r *Relay) newEventID() string {
	return uuid.NewString()
}

func (r *Relay) lobbyLeg() *leg {
	r.lobbyMu.Lock()
	defer r.lobbyMu.Unlock()
	return r.lobby
}

func (r *Relay) currentLobbyOverride() *sessioncfg.Override {
	r.lobbyMu.Lock()
	defer r.lobbyMu.Unlock()
	return r.lobbyOverride
}
