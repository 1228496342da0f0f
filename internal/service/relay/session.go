package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voice-call-relay/internal/agentconfig"
	"voice-call-relay/internal/models"
	"voice-call-relay/internal/observability/logging"
	"voice-call-relay/internal/realtime"
	"voice-call-relay/internal/service/call"
	"voice-call-relay/internal/service/sessioncfg"
	"voice-call-relay/internal/service/tools"
	"voice-call-relay/internal/telephony"
)

const telephonyWriteTimeout = 5 * time.Second

// Session is the state of one telephony connection and the call it carries.
// All fields below mu are guarded by it.
type Session struct {
	relay  *Relay
	connID string

	ctx    context.Context
	cancel context.CancelFunc

	lifecycle *call.Lifecycle

	// configMu serializes session.update sends on the model leg.
	configMu sync.Mutex

	mu            sync.Mutex
	streamID      string
	callSID       string
	mediaFormat   telephony.MediaFormat
	legFormat     string
	telephony     *leg
	model         ModelConn
	modelGen      uint64
	observer      *leg
	playback      *call.Playback
	pendingMarks  int
	audioDone     bool
	latestMediaMs int64
	lastCommit    time.Time
	override      *sessioncfg.Override
	credential    string
	agent         *agentconfig.Config
	toolDefs      []realtime.Tool
	dispatcher    *tools.Dispatcher
	tap           Tap
	startedAt     time.Time
	torn          bool
	logger        zerolog.Logger
}

func newSession(r *Relay, conn WSConn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Session{
		relay:      r,
		connID:     id,
		ctx:        ctx,
		cancel:     cancel,
		lifecycle:  call.NewLifecycle(),
		telephony:  newLeg(conn, telephonyWriteTimeout),
		credential: r.opts.APIKey,
		logger:     logging.WithComponent("relay").With().Str("connId", id).Logger(),
	}
}

// StreamID returns the current stream id, empty before start.
func (s *Session) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

// State returns the model leg lifecycle state.
func (s *Session) State() call.State {
	return s.lifecycle.State()
}

// Playback returns a copy of the in-flight assistant playback, if any.
func (s *Session) Playback() *call.Playback {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playback == nil {
		return nil
	}
	p := *s.playback
	return &p
}

// LatestMediaMs returns the latest telephony media timestamp.
func (s *Session) LatestMediaMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestMediaMs
}

// HasModel reports whether a model leg is attached.
func (s *Session) HasModel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model != nil
}

// HasObserver reports whether a dedicated observer is attached.
func (s *Session) HasObserver() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observer != nil
}

// openModelConn returns the model leg, or nil when the leg is not accepting
// commands.
func (s *Session) openModelConn() ModelConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil || !s.lifecycle.State().ModelOpen() {
		return nil
	}
	return s.model
}

// modelSender returns the model leg for tool output delivery.
func (s *Session) modelSender() tools.Sender {
	if m := s.openModelConn(); m != nil {
		return m
	}
	return nil
}

// observerEvent is a relay-synthesized event sent to observers.
type observerEvent struct {
	Type     string `json:"type"`
	StreamID string `json:"streamId,omitempty"`
	Data     any    `json:"data,omitempty"`
}

func (s *Session) publishStatus(ev models.StatusEvent) {
	ev.EventID = s.relay.newEventID()
	ev.Timestamp = s.relay.opts.Now().UnixMilli()
	if ev.StreamID == "" {
		ev.StreamID = s.StreamID()
	}
	s.relay.enqueue(publishJob{status: &ev})
	s.sendSynthesized(ev.EventType, ev.StreamID, ev)
}

func (s *Session) publishTranscript(ev models.TranscriptEvent) {
	ev.EventID = s.relay.newEventID()
	ev.Timestamp = s.relay.opts.Now().UnixMilli()
	if ev.StreamID == "" {
		ev.StreamID = s.StreamID()
	}
	s.relay.enqueue(publishJob{transcript: &ev})
	s.sendSynthesized(ev.EventType, ev.StreamID, ev)
}

func (s *Session) sendSynthesized(eventType, streamID string, data any) {
	b, err := json.Marshal(observerEvent{Type: eventType, StreamID: streamID, Data: data})
	if err != nil {
		s.logger.Error().Err(err).Str("type", eventType).Msg("Failed to encode observer event")
		return
	}
	s.sendToObserver(b)
}

// onToolStatus turns dispatcher status into call events.
func (s *Session) onToolStatus(st tools.Status) {
	s.publishStatus(models.StatusEvent{
		EventType:  st.Type,
		StreamID:   st.StreamID,
		Tool:       st.Name,
		CallID:     st.CallID,
		Output:     st.Output,
		Error:      st.Error,
		DurationMs: st.DurationMs,
	})
}

// legsGone reports whether every leg is absent. Caller holds mu.
func (s *Session) legsGone() bool {
	return s.telephony == nil && s.model == nil && s.observer == nil
}

// discard removes the session from the registry once nothing references it.
func (s *Session) discardIfEmpty() {
	s.mu.Lock()
	empty := s.legsGone()
	streamID := s.streamID
	s.mu.Unlock()
	if empty && streamID != "" {
		s.relay.registry.Unregister(streamID, s)
	}
}
