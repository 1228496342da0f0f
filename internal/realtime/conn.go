// Package realtime is a websocket client for the realtime speech-model
// session protocol.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// DefaultURL is the default model service endpoint.
const DefaultURL = "wss://api.openai.com/v1/realtime"

// ErrClosed is returned when sending on a closed connection.
var ErrClosed = errors.New("realtime: connection closed")

// Dialer opens model-leg connections.
type Dialer struct {
	URL              string
	HandshakeTimeout time.Duration
}

// Dial connects to the model service for the given model using apiKey.
func (d *Dialer) Dial(ctx context.Context, model, apiKey string) (*Conn, error) {
	if apiKey == "" {
		return nil, errors.New("realtime: api key is required")
	}
	base := d.URL
	if base == "" {
		base = DefaultURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("realtime: invalid url %q: %w", base, err)
	}
	if model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+apiKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime: dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime: dial failed: %w", err)
	}
	return newConn(ws), nil
}

// Conn is one model-leg connection. Sends are safe for concurrent use;
// ReadEvent must be called from a single goroutine.
type Conn struct {
	ws        *websocket.Conn
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// generateEventID generates a unique client event ID.
func generateEventID() string {
	return "evt_" + uuid.New().String()[:12]
}

// ReadEvent blocks for the next server event.
func (c *Conn) ReadEvent() (*ServerEvent, error) {
	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		event, err := ParseServerEvent(message)
		if err != nil {
			log.Warn().Err(err).Int("len", len(message)).Msg("Dropping unparseable model event")
			continue
		}
		return event, nil
	}
}

// UpdateSession sends a session.update command.
func (c *Conn) UpdateSession(cfg *SessionConfig) error {
	return c.send(map[string]any{
		"event_id": generateEventID(),
		"type":     EventTypeSessionUpdate,
		"session":  cfg,
	})
}

// AppendAudio appends base64 audio to the input buffer.
func (c *Conn) AppendAudio(audioBase64 string) error {
	return c.send(map[string]any{
		"type":  EventTypeInputAudioBufferAppend,
		"audio": audioBase64,
	})
}

// CommitInput commits the input audio buffer.
func (c *Conn) CommitInput() error {
	return c.send(map[string]any{
		"event_id": generateEventID(),
		"type":     EventTypeInputAudioBufferCommit,
	})
}

// AddUserMessage adds a synthetic user text message to the conversation.
func (c *Conn) AddUserMessage(text string) error {
	return c.send(map[string]any{
		"event_id": generateEventID(),
		"type":     EventTypeConversationItemCreate,
		"item": ConversationItem{
			Type:    ItemTypeMessage,
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	})
}

// AddFunctionCallOutput adds a function_call_output item keyed by callID.
func (c *Conn) AddFunctionCallOutput(callID, output string) error {
	return c.send(map[string]any{
		"event_id": generateEventID(),
		"type":     EventTypeConversationItemCreate,
		"item": ConversationItem{
			Type:   ItemTypeFunctionCallOutput,
			CallID: callID,
			Output: output,
		},
	})
}

// CreateResponse asks the model to continue generating.
func (c *Conn) CreateResponse() error {
	return c.send(map[string]any{
		"event_id": generateEventID(),
		"type":     EventTypeResponseCreate,
	})
}

// TruncateItem truncates an assistant item's audio at audioEndMs.
func (c *Conn) TruncateItem(itemID string, contentIndex int, audioEndMs int64) error {
	return c.send(map[string]any{
		"event_id":      generateEventID(),
		"type":          EventTypeConversationItemTruncate,
		"item_id":       itemID,
		"content_index": contentIndex,
		"audio_end_ms":  audioEndMs,
	})
}

// Close closes the connection. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) send(event map[string]any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("realtime: marshal %v: %w", event["type"], err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}
