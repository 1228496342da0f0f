package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"voice-call-relay/internal/realtime"
)

// WSConn is a websocket connection as accepted by the HTTP surface.
// *websocket.Conn satisfies it.
type WSConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// textMessage matches websocket.TextMessage.
const textMessage = 1

// ModelConn is an open model leg. *realtime.Conn satisfies it.
type ModelConn interface {
	UpdateSession(cfg *realtime.SessionConfig) error
	AppendAudio(audioBase64 string) error
	CommitInput() error
	TruncateItem(itemID string, contentIndex int, audioEndMs int64) error
	AddFunctionCallOutput(callID, output string) error
	AddUserMessage(text string) error
	CreateResponse() error
	ReadEvent() (*realtime.ServerEvent, error)
	Close() error
}

// DialFunc opens a model leg for model using apiKey.
type DialFunc func(ctx context.Context, model, apiKey string) (ModelConn, error)

var errLegClosed = errors.New("leg closed")

// leg serializes writes to one websocket.
type leg struct {
	conn         WSConn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newLeg(conn WSConn, writeTimeout time.Duration) *leg {
	return &leg{conn: conn, writeTimeout: writeTimeout}
}

func (l *leg) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return l.write(b)
}

func (l *leg) write(b []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errLegClosed
	}
	if l.writeTimeout > 0 {
		if d, ok := l.conn.(writeDeadliner); ok {
			_ = d.SetWriteDeadline(time.Now().Add(l.writeTimeout))
		}
	}
	return l.conn.WriteMessage(textMessage, b)
}

func (l *leg) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	_ = l.conn.Close()
}
