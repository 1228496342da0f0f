// Package mock provides a scripted STT adapter for running the relay
// without cloud credentials. It emits progressive partials and one final per
// utterance as caller audio arrives, cycling through a fixed script.
package mock

import (
	"context"
	"sync"

	"voice-call-relay/internal/service/stt"
)

// Utterance is one scripted caller turn.
type Utterance struct {
	Partials   []string
	Final      string
	Confidence float64
}

// DefaultUtterances is the script used by New.
var DefaultUtterances = []Utterance{
	{
		Partials:   []string{"Hi", "Hi I'd like", "Hi I'd like to book"},
		Final:      "Hi, I'd like to book a table for two",
		Confidence: 0.94,
	},
	{
		Partials:   []string{"What's the", "What's the weather"},
		Final:      "What's the weather like in Berlin right now?",
		Confidence: 0.92,
	},
	{
		Partials:   []string{"Sorry", "Sorry wait"},
		Final:      "Sorry, wait, can you repeat that?",
		Confidence: 0.88,
	},
	{
		Partials:   []string{"Thanks"},
		Final:      "Thanks, that's all",
		Confidence: 0.97,
	},
}

// DefaultFramesPerStep is 200ms of 20ms telephony frames.
const DefaultFramesPerStep = 10

// Adapter implements stt.Adapter with scripted responses.
type Adapter struct {
	script        []Utterance
	framesPerStep int

	mu        sync.Mutex
	cb        stt.Callback
	frames    int
	utterance int
	partial   int
	closed    bool
}

// New creates a mock adapter using DefaultUtterances.
func New() *Adapter {
	return NewWithScript(DefaultUtterances, DefaultFramesPerStep)
}

// NewWithScript creates a mock adapter that advances one step every
// framesPerStep audio frames.
func NewWithScript(script []Utterance, framesPerStep int) *Adapter {
	if framesPerStep <= 0 {
		framesPerStep = DefaultFramesPerStep
	}
	return &Adapter{script: script, framesPerStep: framesPerStep}
}

func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	a.mu.Lock()
	a.cb = cb
	a.mu.Unlock()
	return nil
}

// SendAudio counts frames and emits the next scripted step when due.
// Callbacks run on the caller's goroutine after the lock is released.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	if a.closed || a.cb == nil || len(a.script) == 0 {
		a.mu.Unlock()
		return nil
	}
	a.frames++
	if a.frames%a.framesPerStep != 0 {
		a.mu.Unlock()
		return nil
	}

	cb := a.cb
	utt := a.script[a.utterance%len(a.script)]
	var partial string
	final := false
	if a.partial < len(utt.Partials) {
		partial = utt.Partials[a.partial]
		a.partial++
	} else {
		final = true
		a.partial = 0
		a.utterance++
	}
	a.mu.Unlock()

	if final {
		cb.OnFinal(utt.Final, utt.Confidence)
	} else {
		cb.OnPartial(partial)
	}
	return nil
}

// Close ends the session. A partially spoken utterance is finalized.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cb := a.cb
	pending := a.partial > 0 && len(a.script) > 0
	utt := Utterance{}
	if pending {
		utt = a.script[a.utterance%len(a.script)]
	}
	a.mu.Unlock()

	if pending && cb != nil {
		cb.OnFinal(utt.Final, utt.Confidence)
	}
	return nil
}
