package relay

import (
	"errors"
	"time"

	"voice-call-relay/internal/models"
	"voice-call-relay/internal/observability/logging"
	"voice-call-relay/internal/service/call"
	"voice-call-relay/internal/telephony"
)

// ServeTelephony runs one telephony websocket until it closes or sends
// stop. The call is fully torn down before it returns.
func (r *Relay) ServeTelephony(conn WSConn) {
	s := newSession(r, conn)
	s.serve(conn)
}

func (s *Session) serve(conn WSConn) {
	s.logger.Info().Msg("Telephony connected")
	defer s.teardown("telephony closed")

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug().Err(err).Msg("Telephony read ended")
			return
		}

		env, err := telephony.Decode(msg)
		if err != nil {
			reason := "bad_frame"
			var de *telephony.DecodeError
			if errors.As(err, &de) {
				reason = de.Code
			}
			s.relay.opts.Metrics.RecordEnvelopeDropped("telephony", reason)
			s.logger.Warn().Err(err).Msg("Dropping telephony frame")
			continue
		}

		switch e := env.(type) {
		case telephony.Connected:
			s.logger.Debug().Msg("Telephony stream connected")
		case telephony.Start:
			s.handleStart(e)
		case telephony.Media:
			s.handleMedia(e)
		case telephony.Mark:
			s.handleMark(e)
		case telephony.Stop:
			s.logger.Info().Msg("Telephony stream stopped")
			return
		}
	}
}

func (s *Session) handleStart(st telephony.Start) {
	now := s.relay.opts.Now()

	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return
	}
	prevStream := s.streamID
	prevStarted := s.startedAt
	oldModel, oldDisp, oldTap := s.model, s.dispatcher, s.tap
	var oldObs *leg
	if prevStream != "" && prevStream != st.StreamID {
		oldObs = s.observer
		s.observer = nil
	}

	s.model, s.dispatcher, s.tap = nil, nil, nil
	s.modelGen++
	s.streamID = st.StreamID
	s.callSID = st.CallSID
	s.mediaFormat = st.MediaFormat
	s.legFormat = telephony.ModelAudioFormat(st.MediaFormat)
	s.playback = nil
	s.pendingMarks = 0
	s.audioDone = false
	s.latestMediaMs = 0
	s.lastCommit = time.Time{}
	s.agent = nil
	s.toolDefs = nil
	if s.override == nil {
		s.override = s.relay.currentLobbyOverride()
	}
	s.startedAt = now
	s.lifecycle.Reset()
	s.logger = logging.WithCall("relay", st.StreamID).With().Str("connId", s.connID).Logger()
	logger := s.logger
	legFormat := s.legFormat
	s.mu.Unlock()

	if prevStream != "" {
		logger.Warn().Str("previousStreamId", prevStream).Msg("Restarting stream on open connection")
		s.releaseModel(oldModel, oldDisp)
		if oldTap != nil {
			oldTap.Close()
		}
		if oldObs != nil {
			oldObs.close()
		}
		if s.relay.registry.Unregister(prevStream, s) {
			s.relay.opts.Metrics.RecordCallEnd(now.Sub(prevStarted).Seconds())
			s.publishStatus(models.StatusEvent{EventType: models.EventCallEnded, StreamID: prevStream, Reason: "restarted"})
		}
	}

	if displaced := s.relay.registry.Register(st.StreamID, s); displaced != nil {
		logger.Warn().Msg("Stream id taken over by a new connection")
		displaced.teardown("stream taken over")
	}
	s.relay.opts.Metrics.RecordCallStart()

	logger.Info().
		Str("callSid", st.CallSID).
		Str("encoding", st.MediaFormat.Encoding).
		Int("sampleRate", st.MediaFormat.SampleRate).
		Str("legFormat", legFormat).
		Msg("Call started")
	s.publishStatus(models.StatusEvent{
		EventType: models.EventCallStarted,
		StreamID:  st.StreamID,
		CallSID:   st.CallSID,
		State:     call.StateIdle.String(),
	})

	s.startTap(st.StreamID, st.MediaFormat)
	go s.openModel()
}

func (s *Session) handleMedia(m telephony.Media) {
	opts := s.relay.opts
	opts.Metrics.MediaFramesReceived.Inc()

	s.mu.Lock()
	if m.TimestampMs > s.latestMediaMs {
		s.latestMediaMs = m.TimestampMs
	}
	tap := s.tap
	model := s.model
	forward := model != nil && s.lifecycle.State().ModelOpen()
	commit := false
	if forward && opts.CommitInterval > 0 {
		now := opts.Now()
		switch {
		case s.lastCommit.IsZero():
			s.lastCommit = now
		case now.Sub(s.lastCommit) >= opts.CommitInterval:
			s.lastCommit = now
			commit = true
		}
	}
	logger := s.logger
	s.mu.Unlock()

	if tap != nil {
		tap.Feed(m.Payload)
	}
	if !forward {
		return
	}

	if first, _ := s.lifecycle.MarkStreaming(); first {
		logger.Info().Msg("Caller audio streaming to model")
	}
	if err := model.AppendAudio(m.Payload); err != nil {
		logger.Debug().Err(err).Msg("Failed to append caller audio")
		return
	}
	if commit {
		if err := model.CommitInput(); err != nil {
			logger.Debug().Err(err).Msg("Failed to commit input buffer")
			return
		}
		opts.Metrics.InputCommits.Inc()
	}
}

// handleMark counts played-out audio chunks. Once the model finished an item
// and every chunk was played, the caller can no longer talk over it.
func (s *Session) handleMark(m telephony.Mark) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.playback == nil || m.Name != s.playback.ItemID {
		s.logger.Debug().Str("mark", m.Name).Msg("Ignoring stale playback mark")
		return
	}
	if s.pendingMarks > 0 {
		s.pendingMarks--
	}
	if s.pendingMarks == 0 && s.audioDone {
		s.logger.Debug().Str("itemId", s.playback.ItemID).Msg("Assistant playback finished")
		s.playback = nil
		s.audioDone = false
	}
}

func (s *Session) startTap(streamID string, format telephony.MediaFormat) {
	factory := s.relay.opts.Taps
	if factory == nil {
		return
	}
	tap, err := factory(s.ctx, streamID, format, s.publishTranscript)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Transcription tap unavailable")
		return
	}

	s.mu.Lock()
	if s.torn || s.streamID != streamID {
		s.mu.Unlock()
		tap.Close()
		return
	}
	s.tap = tap
	s.mu.Unlock()
}

// teardown releases every leg of the call except the lobby observer.
func (s *Session) teardown(reason string) {
	s.mu.Lock()
	if s.torn {
		s.mu.Unlock()
		return
	}
	s.torn = true
	streamID := s.streamID
	started := s.startedAt
	s.mu.Unlock()

	s.lifecycle.Close()
	if streamID != "" {
		s.publishStatus(models.StatusEvent{
			EventType: models.EventCallEnded,
			StreamID:  streamID,
			State:     call.StateClosing.String(),
			Reason:    reason,
		})
	}

	s.mu.Lock()
	tel, model, disp, tap, obs := s.telephony, s.model, s.dispatcher, s.tap, s.observer
	s.telephony, s.model, s.dispatcher, s.tap, s.observer = nil, nil, nil, nil, nil
	s.modelGen++
	s.playback = nil
	s.pendingMarks = 0
	s.audioDone = false
	logger := s.logger
	s.mu.Unlock()

	s.cancel()
	s.releaseModel(model, disp)
	if tap != nil {
		tap.Close()
	}
	if obs != nil {
		obs.close()
	}
	if tel != nil {
		tel.close()
	}
	if streamID != "" {
		s.relay.registry.Unregister(streamID, s)
		s.relay.opts.Metrics.RecordCallEnd(s.relay.opts.Now().Sub(started).Seconds())
	}
	logger.Info().Str("reason", reason).Msg("Call torn down")
}
