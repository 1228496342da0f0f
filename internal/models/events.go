// Package models defines the call events published to external consumers.
package models

// Call status event types.
const (
	EventCallStarted    = "call.started"
	EventCallEnded      = "call.ended"
	EventModelConnected = "call.model_connected"
	EventModelClosed    = "call.model_closed"
	EventTruncated      = "call.truncated"
	EventToolStarted    = "tool_call.started"
	EventToolCompleted  = "tool_call.completed"
	EventToolFailed     = "tool_call.failed"
)

// Transcript event types.
const (
	EventTranscriptCaller    = "transcript.caller"
	EventTranscriptAssistant = "transcript.assistant"
	EventTranscriptPartial   = "transcript.caller.partial"
)

// Transcript sources.
const (
	SourceModel = "model"
	SourceSTT   = "stt"
)

// StatusEvent reports a change in a call's lifecycle or a tool call.
type StatusEvent struct {
	EventType string `json:"eventType"`
	EventID   string `json:"eventId"`
	StreamID  string `json:"streamId"`
	CallSID   string `json:"callSid,omitempty"`
	Timestamp int64  `json:"timestamp"`
	State     string `json:"state,omitempty"`
	Reason    string `json:"reason,omitempty"`
	// Tool call fields.
	Tool   string `json:"tool,omitempty"`
	CallID string `json:"callId,omitempty"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
	// Truncation fields.
	ItemID     string `json:"itemId,omitempty"`
	AudioEndMs int64  `json:"audioEndMs,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// TranscriptEvent carries one finished (or, from the STT tap, interim)
// utterance of either party.
type TranscriptEvent struct {
	EventType     string  `json:"eventType"`
	EventID       string  `json:"eventId"`
	StreamID      string  `json:"streamId"`
	Source        string  `json:"source"`
	ItemID        string  `json:"itemId,omitempty"`
	Timestamp     int64   `json:"timestamp"`
	Text          string  `json:"text"`
	Final         bool    `json:"final"`
	Confidence    float64 `json:"confidence,omitempty"`
	AudioOffsetMs int64   `json:"audioOffsetMs,omitempty"`
}
