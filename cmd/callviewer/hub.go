package main

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// event is one call event read from Kafka, forwarded to browsers as is.
type event struct {
	Topic    string          `json:"topic"`
	StreamID string          `json:"streamId"`
	Payload  json.RawMessage `json:"payload"`
}

// client is a browser connection. WriteJSON is only called by the hub.
type client interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// hub fans events out to connected browsers, each optionally filtered to
// one stream.
type hub struct {
	mu           sync.Mutex
	clients      map[client]string
	writeTimeout time.Duration
}

func newHub(writeTimeout time.Duration) *hub {
	return &hub{clients: make(map[client]string), writeTimeout: writeTimeout}
}

func (h *hub) add(c client, stream string) {
	h.mu.Lock()
	h.clients[c] = stream
	n := len(h.clients)
	h.mu.Unlock()
	log.Info().Int("clients", n).Str("stream", stream).Msg("Viewer connected")
}

func (h *hub) remove(c client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		_ = c.Close()
		log.Info().Int("clients", n).Msg("Viewer disconnected")
	}
}

// broadcast writes ev to every matching client, dropping clients whose
// write fails.
func (h *hub) broadcast(ev event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c, stream := range h.clients {
		if stream != "" && stream != ev.StreamID {
			continue
		}
		_ = c.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := c.WriteJSON(ev); err != nil {
			log.Warn().Err(err).Msg("Viewer write failed")
			_ = c.Close()
			delete(h.clients, c)
		}
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// decodeEvent extracts the stream id from a published message.
func decodeEvent(topic string, key, value []byte) (event, error) {
	var probe struct {
		StreamID string `json:"streamId"`
	}
	if err := json.Unmarshal(value, &probe); err != nil {
		return event{}, err
	}
	if probe.StreamID == "" {
		probe.StreamID = string(key)
	}
	return event{Topic: topic, StreamID: probe.StreamID, Payload: value}, nil
}
