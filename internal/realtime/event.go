package realtime

import (
	"encoding/json"
	"fmt"
)

// Client event types (sent from the relay to the model service).
const (
	EventTypeSessionUpdate            = "session.update"
	EventTypeInputAudioBufferAppend   = "input_audio_buffer.append"
	EventTypeInputAudioBufferCommit   = "input_audio_buffer.commit"
	EventTypeConversationItemCreate   = "conversation.item.create"
	EventTypeConversationItemTruncate = "conversation.item.truncate"
	EventTypeResponseCreate           = "response.create"
)

// Server event types (sent from the model service to the relay).
const (
	EventTypeError                                            = "error"
	EventTypeSessionCreated                                   = "session.created"
	EventTypeSessionUpdated                                   = "session.updated"
	EventTypeInputAudioBufferSpeechStarted                    = "input_audio_buffer.speech_started"
	EventTypeInputAudioBufferSpeechStopped                    = "input_audio_buffer.speech_stopped"
	EventTypeConversationItemInputAudioTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	EventTypeResponseAudioDelta                               = "response.audio.delta"
	EventTypeResponseAudioDone                                = "response.audio.done"
	EventTypeResponseAudioTranscriptDone                      = "response.audio_transcript.done"
	EventTypeResponseOutputItemDone                           = "response.output_item.done"
	EventTypeResponseDone                                     = "response.done"
)

// Conversation item types.
const (
	ItemTypeMessage            = "message"
	ItemTypeFunctionCall       = "function_call"
	ItemTypeFunctionCallOutput = "function_call_output"
)

// ServerEvent is an inbound model-leg event. Only the fields the relay
// interprets are decoded; Raw keeps the original frame for the observer.
type ServerEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`

	Session *SessionConfig `json:"session,omitempty"`

	ItemID       string `json:"item_id,omitempty"`
	ResponseID   string `json:"response_id,omitempty"`
	ContentIndex int    `json:"content_index,omitempty"`
	AudioStartMs int64  `json:"audio_start_ms,omitempty"`

	// Delta carries base64 audio for response.audio.delta.
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	Item  *ConversationItem `json:"item,omitempty"`
	Error *EventError       `json:"error,omitempty"`

	Raw []byte `json:"-"`
}

// ConversationItem is an item in the model conversation.
type ConversationItem struct {
	ID        string        `json:"id,omitempty"`
	Type      string        `json:"type,omitempty"`
	Status    string        `json:"status,omitempty"`
	Role      string        `json:"role,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Output    string        `json:"output,omitempty"`
}

// ContentPart is one part of a message item.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// EventError is the payload of an error event.
type EventError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

func (e *EventError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("realtime: %s", e.Message)
}

// ParseServerEvent decodes a raw model-leg frame.
func ParseServerEvent(message []byte) (*ServerEvent, error) {
	var event ServerEvent
	if err := json.Unmarshal(message, &event); err != nil {
		return nil, fmt.Errorf("parse server event: %w", err)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("parse server event: missing type")
	}
	event.Raw = message
	return &event, nil
}

// IsFunctionCall reports whether the event finalizes a function call item.
func (e *ServerEvent) IsFunctionCall() bool {
	return e.Type == EventTypeResponseOutputItemDone && e.Item != nil && e.Item.Type == ItemTypeFunctionCall
}
