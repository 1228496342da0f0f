package relay

import (
	"encoding/json"
	"errors"
	"strings"

	"voice-call-relay/internal/realtime"
	"voice-call-relay/internal/service/sessioncfg"
)

// ErrUnknownStream is returned when an observer asks for a stream that is
// not registered.
var ErrUnknownStream = errors.New("unknown stream")

type observerMessage struct {
	Type    string                     `json:"type"`
	Session json.RawMessage            `json:"session"`
	Item    *realtime.ConversationItem `json:"item"`
}

// ServeObserver attaches conn as the observer of streamID, or as the lobby
// observer when streamID is empty, and reads commands from it until it
// closes. A newer observer for the same target replaces the older one.
//
// Observers may send session.update overrides. A stream observer may also
// inject a user text message (conversation.item.create) and ask the model
// to respond (response.create) while the model leg is open.
func (r *Relay) ServeObserver(conn WSConn, streamID string) error {
	l := newLeg(conn, r.opts.ObserverWriteTimeout)

	var s *Session
	if streamID != "" {
		var ok bool
		s, ok = r.registry.Get(streamID)
		if !ok || s.attachObserver(l) != nil {
			_ = l.writeJSON(observerEvent{Type: "error", StreamID: streamID, Data: map[string]string{"message": ErrUnknownStream.Error()}})
			l.close()
			return ErrUnknownStream
		}
	} else {
		r.attachLobby(l)
	}

	r.opts.Metrics.ObserversActive.Inc()
	defer func() {
		if s != nil {
			s.detachObserver(l)
		} else {
			r.detachLobby(l)
		}
		l.close()
		r.opts.Metrics.ObserversActive.Dec()
	}()

	logger := r.logger.With().Str("observerStream", streamID).Logger()
	logger.Info().Msg("Observer connected")

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Info().Msg("Observer disconnected")
			return nil
		}
		r.handleObserverMessage(s, msg)
	}
}

func (r *Relay) handleObserverMessage(s *Session, msg []byte) {
	var m observerMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		r.opts.Metrics.RecordEnvelopeDropped("observer", "bad_frame")
		r.logger.Warn().Err(err).Msg("Dropping observer frame")
		return
	}
	switch m.Type {
	case realtime.EventTypeSessionUpdate:
		r.handleObserverOverride(s, m)
	case realtime.EventTypeConversationItemCreate, realtime.EventTypeResponseCreate:
		if s == nil {
			r.opts.Metrics.RecordEnvelopeDropped("observer", "no_call")
			r.logger.Debug().Str("type", m.Type).Msg("Ignoring conversation command on lobby observer")
			return
		}
		s.forwardObserverCommand(m)
	default:
		r.opts.Metrics.RecordEnvelopeDropped("observer", "unsupported")
		r.logger.Debug().Str("type", m.Type).Msg("Ignoring observer frame")
	}
}

func (r *Relay) handleObserverOverride(s *Session, m observerMessage) {
	if len(m.Session) == 0 {
		m.Session = json.RawMessage("{}")
	}
	o, err := sessioncfg.ParseOverride(m.Session)
	if err != nil {
		r.opts.Metrics.RecordEnvelopeDropped("observer", "bad_override")
		r.logger.Warn().Err(err).Msg("Dropping observer override")
		return
	}

	if s != nil {
		s.applyOverride(o)
		return
	}

	r.lobbyMu.Lock()
	r.lobbyOverride = o
	r.lobbyMu.Unlock()
	for _, sess := range r.registry.Sessions() {
		if !sess.HasObserver() {
			sess.applyOverride(o)
		}
	}
}

// forwardObserverCommand sends an observer's conversation command to the
// model leg. Commands arriving while the leg is not configured are dropped.
func (s *Session) forwardObserverCommand(m observerMessage) {
	metrics := s.relay.opts.Metrics
	model := s.openModelConn()
	if model == nil {
		metrics.RecordEnvelopeDropped("observer", "model_not_open")
		s.logger.Debug().Str("type", m.Type).Msg("Dropping observer command, model leg not open")
		return
	}

	var err error
	switch m.Type {
	case realtime.EventTypeConversationItemCreate:
		text, ok := userMessageText(m.Item)
		if !ok {
			metrics.RecordEnvelopeDropped("observer", "bad_item")
			s.logger.Warn().Msg("Dropping observer item, only user text messages are accepted")
			return
		}
		err = model.AddUserMessage(text)
	case realtime.EventTypeResponseCreate:
		err = model.CreateResponse()
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("type", m.Type).Msg("Failed to forward observer command")
		return
	}
	s.logger.Info().Str("type", m.Type).Msg("Forwarded observer command to model")
}

// userMessageText joins the text parts of a user message item.
func userMessageText(item *realtime.ConversationItem) (string, bool) {
	if item == nil || item.Type != realtime.ItemTypeMessage {
		return "", false
	}
	if item.Role != "" && item.Role != "user" {
		return "", false
	}
	var parts []string
	for _, c := range item.Content {
		if (c.Type == "input_text" || c.Type == "text") && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

// attachObserver makes l the call's observer. It fails once the call has
// been torn down, leaving l for the caller to close.
func (s *Session) attachObserver(l *leg) error {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return ErrUnknownStream
	}
	old := s.observer
	s.observer = l
	s.mu.Unlock()
	if old != nil {
		old.close()
	}
	return nil
}

func (s *Session) detachObserver(l *leg) {
	s.mu.Lock()
	if s.observer == l {
		s.observer = nil
	}
	s.mu.Unlock()
	s.discardIfEmpty()
}

// sendToObserver writes one frame to the call's observer, or to the lobby
// observer when the call has none. A failed write drops only that observer.
func (s *Session) sendToObserver(b []byte) {
	s.mu.Lock()
	obs := s.observer
	s.mu.Unlock()

	if obs == nil {
		s.relay.sendToLobby(b)
		return
	}
	if err := obs.write(b); err != nil {
		s.logger.Warn().Err(err).Msg("Observer write failed, dropping observer")
		s.relay.opts.Metrics.ObserverDrops.Inc()
		s.detachObserver(obs)
		obs.close()
	}
}

func (r *Relay) attachLobby(l *leg) {
	r.lobbyMu.Lock()
	old := r.lobby
	r.lobby = l
	r.lobbyMu.Unlock()
	if old != nil {
		old.close()
	}
}

func (r *Relay) detachLobby(l *leg) {
	r.lobbyMu.Lock()
	if r.lobby == l {
		r.lobby = nil
	}
	r.lobbyMu.Unlock()
}

func (r *Relay) sendToLobby(b []byte) {
	l := r.lobbyLeg()
	if l == nil {
		return
	}
	if err := l.write(b); err != nil {
		r.logger.Warn().Err(err).Msg("Lobby observer write failed, dropping observer")
		r.opts.Metrics.ObserverDrops.Inc()
		r.detachLobby(l)
		l.close()
	}
}
