package relay

import (
	"voice-call-relay/internal/models"
	"voice-call-relay/internal/telephony"
)

// bargeIn runs on the model reader when the caller starts speaking. If an
// assistant utterance is playing it truncates the model's copy at what the
// caller actually heard, then clears the audio still queued at the
// telephony provider. Both commands are sent before the next model event is
// read.
func (s *Session) bargeIn() {
	s.mu.Lock()
	p := s.playback
	if p == nil {
		s.mu.Unlock()
		return
	}
	model := s.model
	tel := s.telephony
	streamID := s.streamID
	latest := s.latestMediaMs
	s.playback = nil
	s.pendingMarks = 0
	s.audioDone = false
	logger := s.logger
	s.mu.Unlock()

	audioEndMs := p.ElapsedMs(latest)

	if model != nil {
		if err := model.TruncateItem(p.ItemID, 0, audioEndMs); err != nil {
			logger.Warn().Err(err).Str("itemId", p.ItemID).Msg("Failed to truncate assistant item")
		}
	}
	if tel != nil {
		if err := tel.writeJSON(telephony.ClearCommand(streamID)); err != nil {
			logger.Warn().Err(err).Msg("Failed to clear telephony playback")
		}
	}

	s.relay.opts.Metrics.RecordTruncation(audioEndMs)
	logger.Info().
		Str("itemId", p.ItemID).
		Int64("audioEndMs", audioEndMs).
		Msg("Caller barged in, assistant truncated")
	s.publishStatus(models.StatusEvent{
		EventType:  models.EventTruncated,
		StreamID:   streamID,
		ItemID:     p.ItemID,
		AudioEndMs: audioEndMs,
	})
}
