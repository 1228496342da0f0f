package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"voice-call-relay/internal/realtime"
)

// recorder keeps one ordered log across every fake leg so tests can assert
// cross-leg ordering.
type recorder struct {
	mu      sync.Mutex
	entries []string
}

func (r *recorder) add(entry string) {
	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.entries...)
}

func (r *recorder) index(entry string) int {
	for i, e := range r.snapshot() {
		if e == entry {
			return i
		}
	}
	return -1
}

func (r *recorder) count(entry string) int {
	n := 0
	for _, e := range r.snapshot() {
		if e == entry {
			n++
		}
	}
	return n
}

type fakeWS struct {
	name string
	rec  *recorder

	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	frames     []map[string]any
	failWrites bool
}

func newFakeWS(name string, rec *recorder) *fakeWS {
	return &fakeWS{
		name:   name,
		rec:    rec,
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeWS) ReadMessage() (int, []byte, error) {
	select {
	case <-f.closed:
		return 0, nil, io.EOF
	default:
	}
	select {
	case b := <-f.in:
		return textMessage, b, nil
	case <-f.closed:
		return 0, nil, io.EOF
	}
}

func (f *fakeWS) WriteMessage(_ int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("closed")
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("write failed")
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	f.frames = append(f.frames, m)
	kind, _ := m["event"].(string)
	if kind == "" {
		kind, _ = m["type"].(string)
	}
	f.rec.add(f.name + ":" + kind)
	return nil
}

func (f *fakeWS) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeWS) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeWS) send(frame string) {
	f.in <- []byte(frame)
}

func (f *fakeWS) framesOf(kind string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, m := range f.frames {
		if m["event"] == kind || m["type"] == kind {
			out = append(out, m)
		}
	}
	return out
}

type truncateCall struct {
	itemID       string
	contentIndex int
	audioEndMs   int64
}

type outputCall struct {
	callID string
	output string
}

type fakeModel struct {
	rec *recorder

	events    chan *realtime.ServerEvent
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	updates   []*realtime.SessionConfig
	appends   int
	commits   int
	truncates []truncateCall
	outputs   []outputCall
	messages  []string
	responses int

	// updateGate, when set, blocks UpdateSession until it is closed.
	updateGate chan struct{}
	updating   chan struct{}
}

func newFakeModel(rec *recorder) *fakeModel {
	return &fakeModel{
		rec:    rec,
		events: make(chan *realtime.ServerEvent, 64),
		closed: make(chan struct{}),
	}
}

func (m *fakeModel) UpdateSession(cfg *realtime.SessionConfig) error {
	m.mu.Lock()
	gate, updating := m.updateGate, m.updating
	m.mu.Unlock()
	if gate != nil {
		if updating != nil {
			updating <- struct{}{}
		}
		<-gate
	}

	m.mu.Lock()
	m.updates = append(m.updates, cfg)
	m.mu.Unlock()
	m.rec.add("model:session.update")
	return nil
}

func (m *fakeModel) AppendAudio(string) error {
	m.mu.Lock()
	m.appends++
	m.mu.Unlock()
	return nil
}

func (m *fakeModel) CommitInput() error {
	m.mu.Lock()
	m.commits++
	m.mu.Unlock()
	return nil
}

func (m *fakeModel) TruncateItem(itemID string, contentIndex int, audioEndMs int64) error {
	m.mu.Lock()
	m.truncates = append(m.truncates, truncateCall{itemID, contentIndex, audioEndMs})
	m.mu.Unlock()
	m.rec.add(fmt.Sprintf("model:truncate %s %d", itemID, audioEndMs))
	return nil
}

func (m *fakeModel) AddFunctionCallOutput(callID, output string) error {
	m.mu.Lock()
	m.outputs = append(m.outputs, outputCall{callID, output})
	m.mu.Unlock()
	m.rec.add("model:function_call_output " + callID)
	return nil
}

func (m *fakeModel) AddUserMessage(text string) error {
	m.mu.Lock()
	m.messages = append(m.messages, text)
	m.mu.Unlock()
	m.rec.add("model:user_message " + text)
	return nil
}

func (m *fakeModel) CreateResponse() error {
	m.mu.Lock()
	m.responses++
	m.mu.Unlock()
	m.rec.add("model:response.create")
	return nil
}

func (m *fakeModel) ReadEvent() (*realtime.ServerEvent, error) {
	select {
	case ev := <-m.events:
		return ev, nil
	case <-m.closed:
		return nil, io.EOF
	}
}

func (m *fakeModel) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *fakeModel) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// emit queues a server event built from raw JSON.
func (m *fakeModel) emit(t *testing.T, raw string) {
	t.Helper()
	ev, err := realtime.ParseServerEvent([]byte(raw))
	if err != nil {
		t.Fatalf("bad test event %s: %v", raw, err)
	}
	m.events <- ev
}

func (m *fakeModel) stats() (updates, appends, commits, responses int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.updates), m.appends, m.commits, m.responses
}

type fakeDialer struct {
	rec *recorder

	mu     sync.Mutex
	count  int
	models []*fakeModel
	gate   chan struct{}
	err    error
}

func (d *fakeDialer) dial(ctx context.Context, model, apiKey string) (ModelConn, error) {
	d.mu.Lock()
	d.count++
	gate := d.gate
	err := d.err
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	m := newFakeModel(d.rec)
	d.mu.Lock()
	d.models = append(d.models, m)
	d.mu.Unlock()
	return m, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

func (d *fakeDialer) last() *fakeModel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.models) == 0 {
		return nil
	}
	return d.models[len(d.models)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
