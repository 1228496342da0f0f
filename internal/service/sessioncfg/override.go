// Package sessioncfg merges the persisted agent configuration, a live
// observer override and the call's audio format into one session.update.
package sessioncfg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"voice-call-relay/internal/agentconfig"
)

// Override holds the keys an observer pushed in its last session.update.
// A nil field was absent and leaves the persisted value in place.
type Override struct {
	Instructions *string
	Voice        *string
	Temperature  *float64
	// MaxTokens of 0 means unlimited.
	MaxTokens     *int
	TurnDetection *agentconfig.TurnDetection
}

type wireOverride struct {
	Instructions  *string         `json:"instructions"`
	Voice         *string         `json:"voice"`
	Temperature   *float64        `json:"temperature"`
	MaxTokens     json.RawMessage `json:"max_response_output_tokens"`
	TurnDetection json.RawMessage `json:"turn_detection"`
}

// ParseOverride decodes the session object of an observer session.update.
// Audio format keys are accepted and ignored.
func ParseOverride(raw []byte) (*Override, error) {
	var w wireOverride
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("invalid session override: %w", err)
	}

	o := &Override{
		Instructions: w.Instructions,
		Voice:        w.Voice,
		Temperature:  w.Temperature,
	}

	if len(w.MaxTokens) > 0 {
		n, err := parseMaxTokens(w.MaxTokens)
		if err != nil {
			return nil, err
		}
		o.MaxTokens = &n
	}

	if len(w.TurnDetection) > 0 {
		td := agentconfig.TurnDetection{Type: TurnDetectionNone}
		if !bytes.Equal(bytes.TrimSpace(w.TurnDetection), []byte("null")) {
			if err := json.Unmarshal(w.TurnDetection, &td); err != nil {
				return nil, fmt.Errorf("invalid turn_detection override: %w", err)
			}
		}
		o.TurnDetection = &td
	}

	return o, nil
}

func parseMaxTokens(raw json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("max_response_output_tokens must be positive, got %d", n)
		}
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && strings.EqualFold(s, "inf") {
		return 0, nil
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return 0, nil
	}
	return 0, fmt.Errorf("invalid max_response_output_tokens %s", raw)
}
