package call

// Playback identifies the assistant utterance being played to the caller and
// the telephony media time at which its first audio was relayed. A call has
// either a complete Playback or none.
type Playback struct {
	ItemID  string
	StartMs int64
}

// ElapsedMs returns how much of the utterance the caller has heard given the
// latest telephony media timestamp, floored at zero.
func (p Playback) ElapsedMs(latestMediaMs int64) int64 {
	elapsed := latestMediaMs - p.StartMs
	if elapsed < 0 {
		return 0
	}
	return elapsed
}
