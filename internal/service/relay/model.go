package relay

import (
	"context"
	"time"

	"voice-call-relay/internal/agentconfig"
	"voice-call-relay/internal/models"
	"voice-call-relay/internal/realtime"
	"voice-call-relay/internal/service/call"
	"voice-call-relay/internal/service/sessioncfg"
	"voice-call-relay/internal/service/tools"
	"voice-call-relay/internal/telephony"
)

// openModel dials and configures the model leg, then becomes its reader.
// Concurrent triggers are harmless: only the IDLE → CONNECTING transition
// proceeds.
func (s *Session) openModel() {
	opts := s.relay.opts

	s.mu.Lock()
	if s.torn || s.telephony == nil || s.streamID == "" {
		s.mu.Unlock()
		return
	}
	if s.credential == "" {
		s.logger.Error().Msg("No model credential configured, not opening model leg")
		s.mu.Unlock()
		return
	}
	if err := s.lifecycle.BeginConnect(); err != nil {
		s.logger.Debug().Err(err).Msg("Model leg open skipped")
		s.mu.Unlock()
		return
	}
	gen := s.modelGen
	streamID := s.streamID
	credential := s.credential
	logger := s.logger
	s.mu.Unlock()

	start := time.Now()
	conn, err := opts.Dial(s.ctx, opts.Model, credential)
	opts.Metrics.RecordModelConnect(err, time.Since(start).Seconds())
	if err != nil {
		logger.Error().Err(err).Msg("Model leg dial failed")
		s.mu.Lock()
		if s.modelGen == gen {
			s.lifecycle.ModelClosed()
		}
		s.mu.Unlock()
		s.publishStatus(models.StatusEvent{EventType: models.EventModelClosed, StreamID: streamID, Reason: "dial failed", Error: err.Error()})
		return
	}

	fetchCtx, cancel := context.WithTimeout(s.ctx, opts.AgentFetchTimeout)
	agent, ferr := agentconfig.Resolve(fetchCtx, opts.Agents)
	cancel()
	if ferr != nil {
		logger.Warn().Err(ferr).Msg("Agent configuration unavailable, using defaults")
	}
	subset := opts.Tools.Subset(agent.Tools)
	defs := subset.Definitions()

	s.configMu.Lock()
	s.mu.Lock()
	if !s.stillConnecting(gen) {
		s.mu.Unlock()
		s.configMu.Unlock()
		logger.Debug().Msg("Call moved on while dialing, discarding model leg")
		s.releaseModel(conn, nil)
		return
	}
	cfg := sessioncfg.Build(agent, s.override, s.legFormat, defs)
	s.mu.Unlock()

	if err := conn.UpdateSession(cfg); err != nil {
		s.mu.Lock()
		if s.stillConnecting(gen) {
			s.lifecycle.ModelClosed()
		}
		s.mu.Unlock()
		s.configMu.Unlock()
		logger.Error().Err(err).Msg("Failed to configure model leg")
		s.releaseModel(conn, nil)
		return
	}

	s.mu.Lock()
	if !s.stillConnecting(gen) {
		s.mu.Unlock()
		s.configMu.Unlock()
		logger.Debug().Msg("Call moved on while configuring, discarding model leg")
		s.releaseModel(conn, nil)
		return
	}
	s.model = conn
	s.agent = &agent
	s.toolDefs = defs
	s.dispatcher = tools.NewDispatcher(s.ctx, subset, tools.Options{
		StreamID:       streamID,
		DefaultTimeout: opts.ToolTimeout,
		Sender:         s.modelSender,
		OnStatus:       s.onToolStatus,
		Metrics:        opts.Metrics,
	})
	_ = s.lifecycle.MarkConfigured()
	s.mu.Unlock()
	s.configMu.Unlock()

	logger.Info().
		Str("agent", agent.Name).
		Str("model", opts.Model).
		Str("voice", cfg.Voice).
		Str("audioFormat", cfg.InputAudioFormat).
		Str("turnDetection", cfg.TurnDetection.Type).
		Int("tools", len(defs)).
		Msg("Model leg configured")
	if agent.Model != "" && agent.Model != opts.Model {
		logger.Debug().Str("agentModel", agent.Model).Msg("Agent model differs from dialed model")
	}
	s.publishStatus(models.StatusEvent{
		EventType: models.EventModelConnected,
		StreamID:  streamID,
		State:     call.StateConfigured.String(),
	})

	s.readModel(conn)
}

// readModel processes model events in receipt order. Every event reaches the
// observer before it has any local effect.
func (s *Session) readModel(conn ModelConn) {
	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			s.modelClosed(conn, err)
			return
		}
		if len(ev.Raw) > 0 {
			s.sendToObserver(ev.Raw)
		}
		s.handleModelEvent(ev)
	}
}

func (s *Session) handleModelEvent(ev *realtime.ServerEvent) {
	switch ev.Type {
	case realtime.EventTypeInputAudioBufferSpeechStarted:
		s.bargeIn()
	case realtime.EventTypeResponseAudioDelta:
		s.relayAudio(ev)
	case realtime.EventTypeResponseAudioDone:
		s.markAudioDone(ev.ItemID)
	case realtime.EventTypeResponseOutputItemDone:
		if ev.IsFunctionCall() {
			s.dispatchTool(ev.Item)
		}
	case realtime.EventTypeConversationItemInputAudioTranscriptionCompleted:
		s.publishTranscript(models.TranscriptEvent{
			EventType: models.EventTranscriptCaller,
			Source:    models.SourceModel,
			ItemID:    ev.ItemID,
			Text:      ev.Transcript,
			Final:     true,
		})
	case realtime.EventTypeResponseAudioTranscriptDone:
		s.publishTranscript(models.TranscriptEvent{
			EventType: models.EventTranscriptAssistant,
			Source:    models.SourceModel,
			ItemID:    ev.ItemID,
			Text:      ev.Transcript,
			Final:     true,
		})
	case realtime.EventTypeSessionCreated, realtime.EventTypeSessionUpdated:
		s.logSessionReadBack(ev)
	case realtime.EventTypeError:
		if ev.Error != nil {
			s.logger.Error().Err(ev.Error).Str("param", ev.Error.Param).Msg("Model reported error")
		}
	}
}

func (s *Session) relayAudio(ev *realtime.ServerEvent) {
	s.mu.Lock()
	tel := s.telephony
	streamID := s.streamID
	if tel == nil {
		s.mu.Unlock()
		return
	}
	if ev.ItemID != "" {
		if s.playback == nil || s.playback.ItemID != ev.ItemID {
			s.playback = &call.Playback{ItemID: ev.ItemID, StartMs: s.latestMediaMs}
			s.pendingMarks = 0
			s.audioDone = false
		}
		s.pendingMarks++
	}
	logger := s.logger
	s.mu.Unlock()

	if err := tel.writeJSON(telephony.MediaCommand(streamID, ev.Delta)); err != nil {
		logger.Debug().Err(err).Msg("Failed to relay audio to telephony")
		return
	}
	if ev.ItemID != "" {
		if err := tel.writeJSON(telephony.MarkCommand(streamID, ev.ItemID)); err != nil {
			logger.Debug().Err(err).Msg("Failed to send playback mark")
		}
	}
	s.relay.opts.Metrics.AudioDeltasSent.Inc()
}

func (s *Session) markAudioDone(itemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playback == nil || s.playback.ItemID != itemID {
		return
	}
	s.audioDone = true
	if s.pendingMarks == 0 {
		s.playback = nil
		s.audioDone = false
	}
}

func (s *Session) dispatchTool(item *realtime.ConversationItem) {
	s.mu.Lock()
	disp := s.dispatcher
	logger := s.logger
	s.mu.Unlock()

	if disp == nil {
		logger.Warn().Str("tool", item.Name).Msg("Function call without an open model leg")
		return
	}
	disp.Dispatch(tools.Call{Name: item.Name, CallID: item.CallID, Arguments: item.Arguments})
}

func (s *Session) logSessionReadBack(ev *realtime.ServerEvent) {
	if ev.Session == nil {
		return
	}
	e := s.logger.Info().
		Str("type", ev.Type).
		Str("voice", ev.Session.Voice).
		Str("inputAudioFormat", ev.Session.InputAudioFormat).
		Str("outputAudioFormat", ev.Session.OutputAudioFormat)
	if ev.Session.TurnDetection != nil {
		e = e.Str("turnDetection", ev.Session.TurnDetection.Type)
	}
	e.Msg("Model session read-back")
}

// modelClosed clears the model leg after a read error. The telephony leg is
// left untouched.
func (s *Session) modelClosed(conn ModelConn, err error) {
	s.mu.Lock()
	if s.model != conn {
		s.mu.Unlock()
		return
	}
	disp := s.dispatcher
	s.model = nil
	s.dispatcher = nil
	s.playback = nil
	s.pendingMarks = 0
	s.audioDone = false
	s.lifecycle.ModelClosed()
	streamID := s.streamID
	logger := s.logger
	s.mu.Unlock()

	logger.Info().Err(err).Msg("Model leg closed")
	s.releaseModel(conn, disp)
	s.publishStatus(models.StatusEvent{
		EventType: models.EventModelClosed,
		StreamID:  streamID,
		State:     call.StateIdle.String(),
		Reason:    "model closed",
	})
	s.discardIfEmpty()
}

// applyOverride stores an observer override and, when the model leg is
// configured, sends the re-merged session.update right away. configMu keeps
// session.update sends in arrival order.
func (s *Session) applyOverride(o *sessioncfg.Override) {
	s.configMu.Lock()
	defer s.configMu.Unlock()

	s.mu.Lock()
	s.override = o
	model := s.model
	if model == nil || !s.lifecycle.State().ModelOpen() {
		s.mu.Unlock()
		return
	}
	agent := agentconfig.Defaults()
	if s.agent != nil {
		agent = *s.agent
	}
	cfg := sessioncfg.Build(agent, o, s.legFormat, s.toolDefs)
	logger := s.logger
	s.mu.Unlock()

	if err := model.UpdateSession(cfg); err != nil {
		logger.Warn().Err(err).Msg("Failed to apply observer override")
		return
	}
	logger.Info().Msg("Applied observer session override")
}

// stillConnecting reports whether the dial started as generation gen is
// still wanted. Callers hold mu.
func (s *Session) stillConnecting(gen uint64) bool {
	return !s.torn && s.modelGen == gen && s.lifecycle.State() == call.StateConnecting
}

func (s *Session) releaseModel(conn ModelConn, disp *tools.Dispatcher) {
	if conn != nil {
		_ = conn.Close()
		s.relay.opts.Metrics.RecordModelClosed()
	}
	if disp != nil {
		disp.Close()
	}
}
