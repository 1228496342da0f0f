package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"voice-call-relay/internal/agentconfig"
	"voice-call-relay/internal/models"
	"voice-call-relay/internal/realtime"
	"voice-call-relay/internal/service/call"
	"voice-call-relay/internal/service/tools"
	"voice-call-relay/internal/telephony"
)

const startS1 = `{"event":"start","start":{"streamSid":"S1","callSid":"CA1","mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}}}`

func mediaAt(ts string) string {
	return `{"event":"media","media":{"timestamp":"` + ts + `","payload":"AAAA"}}`
}

type harness struct {
	t      *testing.T
	rec    *recorder
	dialer *fakeDialer
	clock  *fakeClock
	relay  *Relay
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		rec:   &recorder{},
		clock: &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.dialer = &fakeDialer{rec: h.rec}

	registry, err := tools.NewDefaultRegistry(nil, "")
	if err != nil {
		t.Fatal(err)
	}
	opts := Options{
		Dial:           h.dialer.dial,
		APIKey:         "sk-test",
		Model:          "gpt-test",
		Agents:         agentconfig.NewStaticSource(),
		Tools:          registry,
		CommitInterval: DefaultCommitInterval,
		Now:            h.clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.relay = New(opts)
	t.Cleanup(h.relay.Close)
	return h
}

// call opens a telephony connection served on its own goroutine.
func (h *harness) call() (*Session, *fakeWS, chan struct{}) {
	ws := newFakeWS("telephony", h.rec)
	s := newSession(h.relay, ws)
	done := make(chan struct{})
	go func() {
		s.serve(ws)
		close(done)
	}()
	return s, ws, done
}

// startConfigured starts stream S1 and waits for the model leg.
func (h *harness) startConfigured() (*Session, *fakeWS, *fakeModel, chan struct{}) {
	h.t.Helper()
	s, ws, done := h.call()
	ws.send(startS1)
	eventually(h.t, "model leg configured", func() bool { return s.State() == call.StateConfigured })
	return s, ws, h.dialer.last(), done
}

func TestMediaBeforeStartNeverDials(t *testing.T) {
	h := newHarness(t, nil)
	s, ws, _ := h.call()

	for _, ts := range []string{"20", "40", "60"} {
		ws.send(mediaAt(ts))
	}
	eventually(t, "media processed", func() bool { return s.LatestMediaMs() == 60 })

	if h.dialer.dials() != 0 {
		t.Errorf("expected no dial before start, got %d", h.dialer.dials())
	}
	if s.State() != call.StateIdle {
		t.Errorf("expected IDLE, got %v", s.State())
	}

	s.openModel()
	if h.dialer.dials() != 0 {
		t.Error("expected open without stream id to be refused")
	}
}

func TestConcurrentOpenTriggersDialOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.gate = make(chan struct{})
	s, ws, _ := h.call()

	ws.send(startS1)
	eventually(t, "connecting", func() bool { return s.State() == call.StateConnecting })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.openModel()
		}()
	}
	wg.Wait()
	close(h.dialer.gate)

	eventually(t, "configured", func() bool { return s.State() == call.StateConfigured })
	if got := h.dialer.dials(); got != 1 {
		t.Errorf("expected exactly one dial, got %d", got)
	}
	if updates, _, _, _ := h.dialer.last().stats(); updates != 1 {
		t.Errorf("expected exactly one session.update, got %d", updates)
	}
}

func TestOpenSendsMergedSessionUpdate(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Agents = &agentconfig.StaticSource{Config: agentconfig.Config{
			Name:          "Front desk",
			Voice:         "verse",
			Temperature:   agentconfig.Float(0.3),
			TurnDetection: agentconfig.TurnDetection{Type: "semantic_vad"},
			Tools:         []string{"get_current_time"},
		}}
	})
	_, _, model, _ := h.startConfigured()

	model.mu.Lock()
	cfg := model.updates[0]
	model.mu.Unlock()

	if cfg.Voice != "verse" {
		t.Errorf("expected persisted voice, got %s", cfg.Voice)
	}
	if cfg.InputAudioFormat != realtime.AudioFormatG711ULaw || cfg.OutputAudioFormat != realtime.AudioFormatG711ULaw {
		t.Errorf("expected g711_ulaw both ways, got %s/%s", cfg.InputAudioFormat, cfg.OutputAudioFormat)
	}
	if *cfg.Temperature != 0.6 {
		t.Errorf("expected clamped temperature 0.6, got %v", *cfg.Temperature)
	}
	if cfg.TurnDetection.Type != realtime.TurnDetectionSemanticVAD {
		t.Errorf("expected semantic_vad, got %s", cfg.TurnDetection.Type)
	}
	if len(cfg.Tools) != 1 || cfg.Tools[0].Name != "get_current_time" {
		t.Errorf("expected enabled tool subset, got %+v", cfg.Tools)
	}
}

type failingAgents struct{}

func (failingAgents) ActiveConfiguration(ctx context.Context) (*agentconfig.Config, error) {
	return nil, errors.New("database unavailable")
}

func TestOpenFallsBackToDefaultAgent(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Agents = failingAgents{} })
	_, _, model, _ := h.startConfigured()

	model.mu.Lock()
	cfg := model.updates[0]
	model.mu.Unlock()

	if cfg.Voice != "alloy" || *cfg.Temperature != 0.7 {
		t.Errorf("expected default agent, got voice=%s temp=%v", cfg.Voice, *cfg.Temperature)
	}
	if len(cfg.Tools) != 2 {
		t.Errorf("expected every tool enabled by default, got %d", len(cfg.Tools))
	}
}

func TestDialFailureReturnsToIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.err = errors.New("handshake refused")
	s, ws, _ := h.call()

	ws.send(startS1)
	eventually(t, "dial attempted", func() bool { return h.dialer.dials() == 1 })
	eventually(t, "idle", func() bool { return s.State() == call.StateIdle })

	if ws.isClosed() {
		t.Error("expected telephony leg to survive a dial failure")
	}
}

func TestMissingCredentialNeverDials(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.APIKey = "" })
	s, ws, _ := h.call()

	ws.send(startS1)
	eventually(t, "registered", func() bool { _, ok := h.relay.Registry().Get("S1"); return ok })
	s.openModel()

	if h.dialer.dials() != 0 {
		t.Errorf("expected no dial without credential, got %d", h.dialer.dials())
	}
}

func TestBargeInArithmetic(t *testing.T) {
	tests := []struct {
		name     string
		startMs  int64
		latestMs int64
		want     int64
	}{
		{"caller heard 200ms", 800, 1000, 200},
		{"media clock behind playback start", 800, 700, 0},
		{"same instant", 800, 800, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			s, ws, model, _ := h.startConfigured()

			s.mu.Lock()
			s.playback = &call.Playback{ItemID: "A1", StartMs: tt.startMs}
			s.latestMediaMs = tt.latestMs
			s.mu.Unlock()

			s.bargeIn()

			model.mu.Lock()
			truncates := append([]truncateCall(nil), model.truncates...)
			model.mu.Unlock()
			if len(truncates) != 1 {
				t.Fatalf("expected one truncate, got %d", len(truncates))
			}
			if truncates[0] != (truncateCall{itemID: "A1", contentIndex: 0, audioEndMs: tt.want}) {
				t.Errorf("unexpected truncate: %+v", truncates[0])
			}

			clears := ws.framesOf("clear")
			if len(clears) != 1 || clears[0]["streamSid"] != "S1" {
				t.Errorf("expected one clear for S1, got %v", clears)
			}
			if h.rec.index("model:truncate A1 "+itoa(tt.want)) > h.rec.index("telephony:clear") {
				t.Error("expected truncate before clear")
			}
			if s.Playback() != nil {
				t.Error("expected playback cleared after barge-in")
			}
		})
	}
}

func TestSecondSpeechStartIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	s, ws, model, _ := h.startConfigured()

	s.mu.Lock()
	s.playback = &call.Playback{ItemID: "A1", StartMs: 100}
	s.latestMediaMs = 300
	s.mu.Unlock()

	s.bargeIn()
	s.bargeIn()

	model.mu.Lock()
	n := len(model.truncates)
	model.mu.Unlock()
	if n != 1 {
		t.Errorf("expected one truncate, got %d", n)
	}
	if got := len(ws.framesOf("clear")); got != 1 {
		t.Errorf("expected one clear, got %d", got)
	}
}

func TestScenario_BargeInBeforeBufferedDelta(t *testing.T) {
	h := newHarness(t, nil)
	s, ws, model, _ := h.startConfigured()

	ws.send(mediaAt("800"))
	eventually(t, "media 800", func() bool { return s.LatestMediaMs() == 800 })

	model.emit(t, `{"type":"response.audio.delta","item_id":"A1","delta":"AQID"}`)
	eventually(t, "playback started", func() bool { return s.Playback() != nil })
	if p := s.Playback(); p.ItemID != "A1" || p.StartMs != 800 {
		t.Fatalf("unexpected playback: %+v", p)
	}

	ws.send(mediaAt("1000"))
	eventually(t, "media 1000", func() bool { return s.LatestMediaMs() == 1000 })

	model.emit(t, `{"type":"input_audio_buffer.speech_started","audio_start_ms":1000,"item_id":"U1"}`)
	model.emit(t, `{"type":"response.audio.delta","item_id":"A1","delta":"BAUG"}`)
	eventually(t, "second delta relayed", func() bool { return len(ws.framesOf("media")) == 2 })

	truncate := h.rec.index("model:truncate A1 200")
	clear := h.rec.index("telephony:clear")
	if truncate < 0 || clear < 0 {
		t.Fatalf("expected truncate(200) and clear, got %v", h.rec.snapshot())
	}
	if truncate > clear {
		t.Error("expected truncate before clear")
	}

	entries := h.rec.snapshot()
	lastMedia := -1
	for i, e := range entries {
		if e == "telephony:media" {
			lastMedia = i
		}
	}
	if lastMedia < clear {
		t.Errorf("expected buffered delta after clear, got %v", entries)
	}

	clears := ws.framesOf("clear")
	if clears[0]["streamSid"] != "S1" {
		t.Errorf("expected clear for S1, got %v", clears[0])
	}
}

func TestAudioDeltaRelaysMediaAndMark(t *testing.T) {
	h := newHarness(t, nil)
	_, ws, model, _ := h.startConfigured()

	model.emit(t, `{"type":"response.audio.delta","item_id":"A7","delta":"AQID"}`)
	eventually(t, "mark", func() bool { return len(ws.framesOf("mark")) == 1 })

	media := ws.framesOf("media")
	payload, _ := media[0]["media"].(map[string]any)
	if media[0]["streamSid"] != "S1" || payload["payload"] != "AQID" {
		t.Errorf("unexpected media frame: %v", media[0])
	}
	mark, _ := ws.framesOf("mark")[0]["mark"].(map[string]any)
	if mark["name"] != "A7" {
		t.Errorf("expected mark named after item, got %v", mark)
	}
}

func TestPlaybackClearedOnceAllMarksPlayed(t *testing.T) {
	h := newHarness(t, nil)
	s, ws, model, _ := h.startConfigured()

	model.emit(t, `{"type":"response.audio.delta","item_id":"A1","delta":"AQID"}`)
	model.emit(t, `{"type":"response.audio.delta","item_id":"A1","delta":"AQID"}`)
	model.emit(t, `{"type":"response.audio.done","item_id":"A1"}`)
	eventually(t, "two marks", func() bool { return len(ws.framesOf("mark")) == 2 })

	ws.send(`{"event":"mark","mark":{"name":"A1"}}`)
	ws.send(`{"event":"mark","mark":{"name":"stale"}}`)
	ws.send(`{"event":"mark","mark":{"name":"A1"}}`)
	eventually(t, "playback finished", func() bool { return s.Playback() == nil })

	model.emit(t, `{"type":"input_audio_buffer.speech_started"}`)
	model.emit(t, `{"type":"response.done"}`)
	time.Sleep(20 * time.Millisecond)
	if got := len(ws.framesOf("clear")); got != 0 {
		t.Errorf("expected no clear after playback finished, got %d", got)
	}
}

func TestMediaForwardingAndCommitThrottle(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.CommitInterval = 100 * time.Millisecond })
	s, ws, model, _ := h.startConfigured()

	steps := []time.Duration{0, 50 * time.Millisecond, 50 * time.Millisecond, 50 * time.Millisecond, 50 * time.Millisecond, 10 * time.Millisecond}
	for i, step := range steps {
		h.clock.Advance(step)
		ws.send(mediaAt(itoa(int64(i * 20))))
		want := i + 1
		eventually(t, "append", func() bool { _, appends, _, _ := model.stats(); return appends == want })
	}

	_, _, commits, _ := model.stats()
	if commits != 2 {
		t.Errorf("expected 2 commits over 210ms at 100ms interval, got %d", commits)
	}
	if s.State() != call.StateStreaming {
		t.Errorf("expected STREAMING after first forwarded frame, got %v", s.State())
	}
}

func TestCommitsDisabled(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.CommitInterval = 0 })
	_, ws, model, _ := h.startConfigured()

	for i := 0; i < 5; i++ {
		h.clock.Advance(time.Second)
		ws.send(mediaAt(itoa(int64(i * 20))))
	}
	eventually(t, "appends", func() bool { _, appends, _, _ := model.stats(); return appends == 5 })
	if _, _, commits, _ := model.stats(); commits != 0 {
		t.Errorf("expected no commits, got %d", commits)
	}
}

func TestOutOfOrderMediaTimestampIgnored(t *testing.T) {
	h := newHarness(t, nil)
	s, ws, _ := h.call()

	ws.send(mediaAt("500"))
	ws.send(mediaAt("300"))
	ws.send(mediaAt("400"))
	ws.send(mediaAt("520"))
	eventually(t, "media 520", func() bool { return s.LatestMediaMs() == 520 })
}

func TestToolCallRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	_, _, model, _ := h.startConfigured()

	model.emit(t, `{"type":"response.output_item.done","item":{"type":"function_call","name":"get_current_time","call_id":"c1","arguments":"{\"timezone\":\"UTC\"}"}}`)
	eventually(t, "response.create", func() bool { _, _, _, responses := model.stats(); return responses == 1 })

	model.mu.Lock()
	outputs := append([]outputCall(nil), model.outputs...)
	model.mu.Unlock()
	if len(outputs) != 1 || outputs[0].callID != "c1" {
		t.Fatalf("expected one output for c1, got %+v", outputs)
	}
	if !strings.Contains(outputs[0].output, `"timezone":"UTC"`) {
		t.Errorf("unexpected output: %s", outputs[0].output)
	}
	if h.rec.index("model:function_call_output c1") > h.rec.index("model:response.create") {
		t.Error("expected output before response.create")
	}
}

func TestToolCallUnknownName(t *testing.T) {
	h := newHarness(t, nil)
	_, _, model, _ := h.startConfigured()

	model.emit(t, `{"type":"response.output_item.done","item":{"type":"function_call","name":"open_pod_bay_doors","call_id":"c9","arguments":"{}"}}`)
	eventually(t, "response.create", func() bool { _, _, _, responses := model.stats(); return responses == 1 })

	model.mu.Lock()
	out := model.outputs[0]
	model.mu.Unlock()

	var parsed map[string]string
	if err := json.Unmarshal([]byte(out.output), &parsed); err != nil {
		t.Fatalf("expected structured output, got %q", out.output)
	}
	if parsed["error"] != "no handler for open_pod_bay_doors" {
		t.Errorf("unexpected error: %q", parsed["error"])
	}
}

func TestTelephonyCloseReleasesEverything(t *testing.T) {
	h := newHarness(t, nil)
	s, ws, model, done := h.startConfigured()

	obsWS := newFakeWS("observer", h.rec)
	obsDone := make(chan error, 1)
	go func() { obsDone <- h.relay.ServeObserver(obsWS, "S1") }()
	eventually(t, "observer attached", s.HasObserver)

	ws.send(`{"event":"stop","streamSid":"S1"}`)
	<-done

	if !model.isClosed() {
		t.Error("expected model leg closed")
	}
	if !ws.isClosed() {
		t.Error("expected telephony leg closed")
	}
	if !obsWS.isClosed() {
		t.Error("expected call observer closed")
	}
	if _, ok := h.relay.Registry().Get("S1"); ok {
		t.Error("expected session removed from registry")
	}
	if s.State() != call.StateClosing {
		t.Errorf("expected CLOSING, got %v", s.State())
	}
	if err := <-obsDone; err != nil {
		t.Errorf("unexpected observer error: %v", err)
	}

	s2, _, model2, _ := h.startConfigured()
	if s2 == s || model2 == model {
		t.Fatal("expected a fresh session and model leg")
	}
	if h.dialer.dials() != 2 {
		t.Errorf("expected second call to dial again, got %d dials", h.dialer.dials())
	}
	if got, ok := h.relay.Registry().Get("S1"); !ok || got != s2 {
		t.Error("expected new session registered under S1")
	}
}

func TestTelephonySocketErrorTearsDown(t *testing.T) {
	h := newHarness(t, nil)
	_, ws, model, done := h.startConfigured()

	ws.Close()
	<-done

	if !model.isClosed() {
		t.Error("expected model leg closed after socket error")
	}
	if h.relay.Registry().Len() != 0 {
		t.Error("expected registry empty")
	}
}

func TestModelCloseKeepsTelephony(t *testing.T) {
	h := newHarness(t, nil)
	s, ws, model, _ := h.startConfigured()

	s.mu.Lock()
	s.playback = &call.Playback{ItemID: "A1", StartMs: 10}
	s.mu.Unlock()

	model.Close()
	eventually(t, "idle", func() bool { return s.State() == call.StateIdle })

	if s.HasModel() {
		t.Error("expected model handle cleared")
	}
	if s.Playback() != nil {
		t.Error("expected playback cleared with the model leg")
	}
	if ws.isClosed() {
		t.Error("expected telephony leg to stay open")
	}
	if _, ok := h.relay.Registry().Get("S1"); !ok {
		t.Error("expected session to stay registered")
	}

	ws.send(mediaAt("100"))
	eventually(t, "media", func() bool { return s.LatestMediaMs() == 100 })
	if h.dialer.dials() != 1 {
		t.Error("expected no automatic reconnect")
	}
}

func TestSecondStartOnSameConnection(t *testing.T) {
	h := newHarness(t, nil)
	s, ws, model, _ := h.startConfigured()

	ws.send(`{"event":"start","start":{"streamSid":"S2","mediaFormat":{"encoding":"audio/x-alaw"}}}`)
	eventually(t, "second model leg", func() bool { return h.dialer.dials() == 2 && s.State() == call.StateConfigured })

	if !model.isClosed() {
		t.Error("expected first model leg closed")
	}
	if _, ok := h.relay.Registry().Get("S1"); ok {
		t.Error("expected S1 unregistered")
	}
	if got, ok := h.relay.Registry().Get("S2"); !ok || got != s {
		t.Error("expected S2 registered to the same session")
	}

	m2 := h.dialer.last()
	m2.mu.Lock()
	format := m2.updates[0].InputAudioFormat
	m2.mu.Unlock()
	if format != realtime.AudioFormatG711ALaw {
		t.Errorf("expected alaw leg format, got %s", format)
	}
}

func TestMalformedTelephonyFramesDropped(t *testing.T) {
	h := newHarness(t, nil)
	s, ws, done := h.call()

	ws.send(`{not json`)
	ws.send(`{"event":"dtmf","dtmf":{"digit":"1"}}`)
	ws.send(`{"event":"media","media":{"timestamp":"20"}}`)
	ws.send(startS1)

	eventually(t, "configured", func() bool { return s.State() == call.StateConfigured })
	select {
	case <-done:
		t.Fatal("expected connection to survive malformed frames")
	default:
	}
}

func TestObserverReceivesEventsBeforeLocalEffects(t *testing.T) {
	h := newHarness(t, nil)
	s, _, model, _ := h.startConfigured()

	obsWS := newFakeWS("observer", h.rec)
	go h.relay.ServeObserver(obsWS, "S1")
	eventually(t, "observer attached", s.HasObserver)

	s.mu.Lock()
	s.playback = &call.Playback{ItemID: "A1", StartMs: 0}
	s.latestMediaMs = 50
	s.mu.Unlock()

	model.emit(t, `{"type":"session.updated","session":{"voice":"alloy"}}`)
	model.emit(t, `{"type":"input_audio_buffer.speech_started"}`)
	model.emit(t, `{"type":"response.audio.delta","item_id":"A2","delta":"AQID"}`)
	eventually(t, "relayed delta", func() bool { return h.rec.index("telephony:media") >= 0 })

	speech := h.rec.index("observer:input_audio_buffer.speech_started")
	truncate := h.rec.index("model:truncate A1 50")
	delta := h.rec.index("observer:response.audio.delta")
	media := h.rec.index("telephony:media")
	if speech < 0 || truncate < 0 || delta < 0 || media < 0 {
		t.Fatalf("missing entries: %v", h.rec.snapshot())
	}
	if h.rec.index("observer:session.updated") > speech {
		t.Error("expected observer events in receipt order")
	}
	if speech > truncate {
		t.Error("expected observer to see speech_started before truncation")
	}
	if delta > media {
		t.Error("expected observer to see the delta before it is relayed")
	}
	if len(obsWS.framesOf(models.EventTruncated)) != 1 {
		t.Error("expected synthesized truncation event on observer")
	}
}

func TestObserverOverrideResendsSessionUpdate(t *testing.T) {
	h := newHarness(t, nil)
	s, _, model, _ := h.startConfigured()

	obsWS := newFakeWS("observer", h.rec)
	go h.relay.ServeObserver(obsWS, "S1")
	eventually(t, "observer attached", s.HasObserver)

	obsWS.send(`{"type":"session.update","session":{"voice":"ash","input_audio_format":"pcm16","turn_detection":null}}`)
	eventually(t, "second update", func() bool { updates, _, _, _ := model.stats(); return updates == 2 })

	model.mu.Lock()
	cfg := model.updates[1]
	model.mu.Unlock()
	if cfg.Voice != "ash" {
		t.Errorf("expected override voice, got %s", cfg.Voice)
	}
	if cfg.InputAudioFormat != realtime.AudioFormatG711ULaw {
		t.Errorf("expected leg format kept, got %s", cfg.InputAudioFormat)
	}
	if cfg.TurnDetection.Type != realtime.TurnDetectionNone {
		t.Errorf("expected turn detection none, got %s", cfg.TurnDetection.Type)
	}
}

func TestLobbyOverrideSeedsNewCalls(t *testing.T) {
	h := newHarness(t, nil)

	lobby := newFakeWS("lobby", h.rec)
	go h.relay.ServeObserver(lobby, "")
	eventually(t, "lobby attached", func() bool { return h.relay.lobbyLeg() != nil })

	lobby.send(`{"type":"session.update","session":{"instructions":"Speak like a pirate."}}`)
	eventually(t, "lobby override stored", func() bool { return h.relay.currentLobbyOverride() != nil })

	_, _, model, _ := h.startConfigured()
	model.mu.Lock()
	cfg := model.updates[0]
	model.mu.Unlock()
	if cfg.Instructions != "Speak like a pirate." {
		t.Errorf("expected lobby override applied, got %q", cfg.Instructions)
	}

	model.emit(t, `{"type":"response.done"}`)
	eventually(t, "lobby receives call events", func() bool { return len(lobby.framesOf("response.done")) == 1 })
	if len(lobby.framesOf(models.EventCallStarted)) != 1 {
		t.Error("expected call.started on lobby")
	}
}

func TestUnknownObserverStream(t *testing.T) {
	h := newHarness(t, nil)
	ws := newFakeWS("observer", h.rec)

	if err := h.relay.ServeObserver(ws, "nope"); !errors.Is(err, ErrUnknownStream) {
		t.Errorf("expected ErrUnknownStream, got %v", err)
	}
	if !ws.isClosed() {
		t.Error("expected observer closed")
	}
}

func TestObserverWriteFailureDropsOnlyObserver(t *testing.T) {
	h := newHarness(t, nil)
	s, ws, model, _ := h.startConfigured()

	obsWS := newFakeWS("observer", h.rec)
	go h.relay.ServeObserver(obsWS, "S1")
	eventually(t, "observer attached", s.HasObserver)

	obsWS.mu.Lock()
	obsWS.failWrites = true
	obsWS.mu.Unlock()

	model.emit(t, `{"type":"response.audio.delta","item_id":"A1","delta":"AQID"}`)
	eventually(t, "observer dropped", func() bool { return !s.HasObserver() })
	eventually(t, "audio still relayed", func() bool { return len(ws.framesOf("media")) == 1 })

	if model.isClosed() || ws.isClosed() {
		t.Error("expected call legs unaffected by observer failure")
	}
}

type fakePublisher struct {
	mu          sync.Mutex
	statuses    []models.StatusEvent
	transcripts []models.TranscriptEvent
}

func (p *fakePublisher) PublishStatus(ctx context.Context, e models.StatusEvent) error {
	p.mu.Lock()
	p.statuses = append(p.statuses, e)
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) PublishTranscript(ctx context.Context, e models.TranscriptEvent) error {
	p.mu.Lock()
	p.transcripts = append(p.transcripts, e)
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, s := range p.statuses {
		out = append(out, s.EventType)
	}
	for _, t := range p.transcripts {
		out = append(out, t.EventType)
	}
	return out
}

func TestEventsPublished(t *testing.T) {
	pub := &fakePublisher{}
	h := newHarness(t, func(o *Options) { o.Publisher = pub })
	_, ws, model, done := h.startConfigured()

	model.emit(t, `{"type":"conversation.item.input_audio_transcription.completed","item_id":"U1","transcript":"what time is it"}`)
	model.emit(t, `{"type":"response.audio_transcript.done","item_id":"A1","transcript":"It is noon."}`)
	eventually(t, "transcripts", func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.transcripts) == 2
	})

	ws.send(`{"event":"stop"}`)
	<-done
	eventually(t, "call.ended", func() bool {
		for _, typ := range pub.types() {
			if typ == models.EventCallEnded {
				return true
			}
		}
		return false
	})

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if pub.statuses[0].EventType != models.EventCallStarted || pub.statuses[0].CallSID != "CA1" {
		t.Errorf("expected call.started first, got %+v", pub.statuses[0])
	}
	if pub.transcripts[0].Text != "what time is it" || pub.transcripts[0].EventType != models.EventTranscriptCaller {
		t.Errorf("unexpected caller transcript: %+v", pub.transcripts[0])
	}
	if pub.transcripts[1].EventType != models.EventTranscriptAssistant || pub.transcripts[1].StreamID != "S1" {
		t.Errorf("unexpected assistant transcript: %+v", pub.transcripts[1])
	}
	for _, s := range pub.statuses {
		if s.EventID == "" || s.Timestamp == 0 {
			t.Errorf("expected id and timestamp on %+v", s)
		}
	}
}

type fakeTap struct {
	mu     sync.Mutex
	fed    int
	closed bool
}

func (f *fakeTap) Feed(string) {
	f.mu.Lock()
	f.fed++
	f.mu.Unlock()
}

func (f *fakeTap) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func TestTranscriptionTapLifecycle(t *testing.T) {
	tap := &fakeTap{}
	var gotFormat telephony.MediaFormat
	h := newHarness(t, func(o *Options) {
		o.Taps = func(ctx context.Context, streamID string, format telephony.MediaFormat, emit func(models.TranscriptEvent)) (Tap, error) {
			gotFormat = format
			return tap, nil
		}
	})
	_, ws, _, done := h.startConfigured()

	ws.send(mediaAt("20"))
	ws.send(mediaAt("40"))
	eventually(t, "tap fed", func() bool { tap.mu.Lock(); defer tap.mu.Unlock(); return tap.fed == 2 })

	ws.send(`{"event":"stop"}`)
	<-done

	tap.mu.Lock()
	defer tap.mu.Unlock()
	if !tap.closed {
		t.Error("expected tap closed on teardown")
	}
	if gotFormat.SampleRate != 8000 {
		t.Errorf("expected media format passed to tap, got %+v", gotFormat)
	}
}

func TestRelayCloseTearsDownCalls(t *testing.T) {
	h := newHarness(t, nil)
	_, ws, model, done := h.startConfigured()

	h.relay.Close()
	<-done

	if !ws.isClosed() || !model.isClosed() {
		t.Error("expected all legs closed on relay close")
	}
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestObserverConversationCommandsReachModel(t *testing.T) {
	h := newHarness(t, nil)
	s, _, model, _ := h.startConfigured()

	obsWS := newFakeWS("observer", h.rec)
	go h.relay.ServeObserver(obsWS, "S1")
	eventually(t, "observer attached", s.HasObserver)

	obsWS.send(`{"type":"conversation.item.create","item":{"type":"message","role":"user","content":[{"type":"input_text","text":"Say goodbye."}]}}`)
	obsWS.send(`{"type":"response.create"}`)
	eventually(t, "response requested", func() bool { _, _, _, responses := model.stats(); return responses == 1 })

	msg := h.rec.index("model:user_message Say goodbye.")
	resp := h.rec.index("model:response.create")
	if msg < 0 || resp < msg {
		t.Errorf("expected user message then response.create, got %v", h.rec.snapshot())
	}
}

func TestObserverConversationCommandsDropped(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"assistant role", `{"type":"conversation.item.create","item":{"type":"message","role":"assistant","content":[{"type":"text","text":"hi"}]}}`},
		{"no text", `{"type":"conversation.item.create","item":{"type":"message","role":"user","content":[]}}`},
		{"function output", `{"type":"conversation.item.create","item":{"type":"function_call_output","call_id":"c1","output":"{}"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			s, _, model, _ := h.startConfigured()

			obsWS := newFakeWS("observer", h.rec)
			go h.relay.ServeObserver(obsWS, "S1")
			eventually(t, "observer attached", s.HasObserver)

			obsWS.send(tt.frame)
			obsWS.send(`{"type":"session.update","session":{"voice":"ash"}}`)
			eventually(t, "later frame handled", func() bool { updates, _, _, _ := model.stats(); return updates == 2 })

			model.mu.Lock()
			n := len(model.messages)
			model.mu.Unlock()
			if n != 0 {
				t.Errorf("expected item dropped, got %d user messages", n)
			}
		})
	}
}

func TestObserverCommandBeforeModelOpenDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.gate = make(chan struct{})
	s, ws, _ := h.call()
	ws.send(startS1)
	eventually(t, "connecting", func() bool { return s.State() == call.StateConnecting })

	obsWS := newFakeWS("observer", h.rec)
	go h.relay.ServeObserver(obsWS, "S1")
	eventually(t, "observer attached", s.HasObserver)

	obsWS.send(`{"type":"response.create"}`)
	obsWS.send(`{"type":"session.update","session":{"voice":"ash"}}`)
	eventually(t, "override stored", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.override != nil
	})

	close(h.dialer.gate)
	eventually(t, "configured", func() bool { return s.State() == call.StateConfigured })
	if _, _, _, responses := h.dialer.last().stats(); responses != 0 {
		t.Errorf("expected response.create dropped while connecting, got %d", responses)
	}
}

func TestObserverCannotAttachToEndedCall(t *testing.T) {
	h := newHarness(t, nil)
	s, ws, _, done := h.startConfigured()

	ws.send(`{"event":"stop"}`)
	<-done

	l := newLeg(newFakeWS("late", h.rec), 0)
	if err := s.attachObserver(l); !errors.Is(err, ErrUnknownStream) {
		t.Errorf("expected ErrUnknownStream, got %v", err)
	}
	if s.HasObserver() {
		t.Error("expected no observer on an ended call")
	}

	// The lookup can still return the session if teardown races it.
	h.relay.registry.Register("S1", s)
	obsWS := newFakeWS("observer", h.rec)
	if err := h.relay.ServeObserver(obsWS, "S1"); !errors.Is(err, ErrUnknownStream) {
		t.Errorf("expected ErrUnknownStream, got %v", err)
	}
	if !obsWS.isClosed() {
		t.Error("expected observer closed")
	}
	if frames := obsWS.framesOf("error"); len(frames) != 1 {
		t.Errorf("expected one error event, got %d", len(frames))
	}
	if s.HasObserver() {
		t.Error("expected no observer on an ended call")
	}
}

func TestStalledSessionUpdateDoesNotBlockMedia(t *testing.T) {
	h := newHarness(t, nil)
	s, ws, model, _ := h.startConfigured()

	gate := make(chan struct{})
	model.mu.Lock()
	model.updateGate = gate
	model.updating = make(chan struct{}, 1)
	updating := model.updating
	model.mu.Unlock()

	obsWS := newFakeWS("observer", h.rec)
	go h.relay.ServeObserver(obsWS, "S1")
	eventually(t, "observer attached", s.HasObserver)
	obsWS.send(`{"type":"session.update","session":{"voice":"ash"}}`)

	select {
	case <-updating:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for override send")
	}

	ws.send(mediaAt("20"))
	eventually(t, "media forwarded while update stalled", func() bool { _, appends, _, _ := model.stats(); return appends == 1 })

	close(gate)
	eventually(t, "override applied", func() bool { updates, _, _, _ := model.stats(); return updates == 2 })
}
