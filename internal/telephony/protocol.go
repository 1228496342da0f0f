// Package telephony decodes and encodes the media-stream websocket protocol
// spoken by the telephony provider.
package telephony

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"voice-call-relay/internal/realtime"
)

// DecodeError describes a frame that could not be decoded.
type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("telephony: %s: %s", e.Code, e.Message)
}

func badFrame(message string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message}
}

// Envelope is one decoded inbound frame: Connected, Start, Media, Mark or Stop.
type Envelope interface {
	isEnvelope()
}

// Connected is the provider's greeting; it carries nothing the relay needs.
type Connected struct{}

// Start opens a stream.
type Start struct {
	StreamID    string
	CallSID     string
	MediaFormat MediaFormat
	Parameters  map[string]string
}

// MediaFormat describes the inbound audio.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Media carries one base64 audio chunk stamped on the telephony clock.
type Media struct {
	TimestampMs int64
	Payload     string
}

// Mark acknowledges that queued outbound audio up to a mark was played.
type Mark struct {
	Name string
}

// Stop ends the stream. Both "stop" and "close" decode to Stop.
type Stop struct{}

func (Connected) isEnvelope() {}
func (Start) isEnvelope()     {}
func (Media) isEnvelope()     {}
func (Mark) isEnvelope()      {}
func (Stop) isEnvelope()      {}

type wireEnvelope struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Start     *struct {
		StreamSID        string            `json:"streamSid"`
		CallSID          string            `json:"callSid"`
		MediaFormat      MediaFormat       `json:"mediaFormat"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start"`
	Media *struct {
		Timestamp flexInt `json:"timestamp"`
		Payload   string  `json:"payload"`
	} `json:"media"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark"`
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q", s)
	}
	*f = flexInt(n)
	return nil
}

// Decode parses one inbound frame into its variant.
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, badFrame("invalid json frame")
	}

	switch strings.TrimSpace(w.Event) {
	case "connected":
		return Connected{}, nil
	case "start":
		if w.Start == nil {
			return nil, badFrame("start without start body")
		}
		id := w.Start.StreamSID
		if id == "" {
			id = w.StreamSID
		}
		if id == "" {
			return nil, badFrame("start.streamSid is required")
		}
		return Start{
			StreamID:    id,
			CallSID:     w.Start.CallSID,
			MediaFormat: w.Start.MediaFormat,
			Parameters:  w.Start.CustomParameters,
		}, nil
	case "media":
		if w.Media == nil || w.Media.Payload == "" {
			return nil, badFrame("media.payload is required")
		}
		return Media{TimestampMs: int64(w.Media.Timestamp), Payload: w.Media.Payload}, nil
	case "mark":
		var name string
		if w.Mark != nil {
			name = w.Mark.Name
		}
		return Mark{Name: name}, nil
	case "stop", "close":
		return Stop{}, nil
	case "":
		return nil, badFrame("missing event")
	default:
		return nil, &DecodeError{Code: "unsupported", Message: fmt.Sprintf("unsupported event %q", w.Event)}
	}
}

// ModelAudioFormat maps the telephony media encoding to the model-leg audio
// format. The telephony leg's format is authoritative for both directions.
func ModelAudioFormat(f MediaFormat) string {
	switch strings.ToLower(strings.TrimSpace(f.Encoding)) {
	case "audio/x-alaw", "alaw", "pcma":
		return realtime.AudioFormatG711ALaw
	case "audio/l16", "pcm16", "linear16":
		return realtime.AudioFormatPCM16
	default:
		return realtime.AudioFormatG711ULaw
	}
}

// Outbound is a command sent to the telephony leg.
type Outbound struct {
	Event     string         `json:"event"`
	StreamSID string         `json:"streamSid"`
	Media     *OutboundMedia `json:"media,omitempty"`
	Mark      *OutboundMark  `json:"mark,omitempty"`
}

type OutboundMedia struct {
	Payload string `json:"payload"`
}

type OutboundMark struct {
	Name string `json:"name"`
}

// MediaCommand queues base64 audio for playback.
func MediaCommand(streamID, payload string) Outbound {
	return Outbound{Event: "media", StreamSID: streamID, Media: &OutboundMedia{Payload: payload}}
}

// MarkCommand asks the provider to report when playback reaches this point.
func MarkCommand(streamID, name string) Outbound {
	return Outbound{Event: "mark", StreamSID: streamID, Mark: &OutboundMark{Name: name}}
}

// ClearCommand discards any queued outbound audio.
func ClearCommand(streamID string) Outbound {
	return Outbound{Event: "clear", StreamSID: streamID}
}
