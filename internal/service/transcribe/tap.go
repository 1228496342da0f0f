// Package transcribe feeds caller audio to an STT adapter beside the model
// leg and turns its results into transcript events.
package transcribe

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voice-call-relay/internal/models"
	"voice-call-relay/internal/observability/logging"
	"voice-call-relay/internal/observability/metrics"
	"voice-call-relay/internal/realtime"
	"voice-call-relay/internal/service/stt"
	"voice-call-relay/internal/telephony"
)

const audioQueueSize = 100

// NewAdapterFunc creates one STT adapter for a call.
type NewAdapterFunc func(ctx context.Context, format telephony.MediaFormat) (stt.Adapter, error)

// Limits bound how much audio one call streams to the provider. A zero
// field is unlimited.
type Limits struct {
	MaxAudioBytes int64
	MaxDuration   time.Duration
}

// DefaultLimits stays under the provider's streaming session cap.
func DefaultLimits() Limits {
	return Limits{
		MaxAudioBytes: 5 * 1024 * 1024,
		MaxDuration:   5 * time.Minute,
	}
}

// Factory opens a Tap per call.
type Factory struct {
	Provider   string
	NewAdapter NewAdapterFunc
	Metrics    *metrics.Metrics
	// Limits defaults to DefaultLimits when zero.
	Limits Limits
}

// Tap transcribes one call's caller audio. Feed never blocks; audio arriving
// while the queue is full is dropped.
type Tap struct {
	streamID string
	provider string
	adapter  stt.Adapter
	emit     func(models.TranscriptEvent)
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	ctx      context.Context

	bytesPerMs int64
	limits     Limits
	startedAt  time.Time
	sent       int64
	limited    bool

	mu      sync.Mutex
	offset  int64
	closed  bool
	audio   chan []byte
	done    chan struct{}
	dropped int
}

// Open starts transcription for a call.
func (f *Factory) Open(ctx context.Context, streamID string, format telephony.MediaFormat, emit func(models.TranscriptEvent)) (*Tap, error) {
	m := f.Metrics
	if m == nil {
		m = metrics.DefaultMetrics
	}
	adapter, err := f.NewAdapter(ctx, format)
	if err != nil {
		m.RecordSTTError(f.Provider, "create")
		return nil, err
	}

	limits := f.Limits
	if limits == (Limits{}) {
		limits = DefaultLimits()
	}

	t := &Tap{
		streamID:   streamID,
		provider:   f.Provider,
		adapter:    adapter,
		emit:       emit,
		metrics:    m,
		logger:     logging.WithCall("transcribe", streamID),
		ctx:        ctx,
		bytesPerMs: bytesPerMs(format),
		limits:     limits,
		startedAt:  time.Now(),
		audio:      make(chan []byte, audioQueueSize),
		done:       make(chan struct{}),
	}
	if err := adapter.Start(ctx, t); err != nil {
		m.RecordSTTError(f.Provider, "start")
		_ = adapter.Close()
		return nil, err
	}
	go t.pump()
	return t, nil
}

// bytesPerMs is the byte rate of the telephony audio, 8 for 8kHz G.711.
func bytesPerMs(f telephony.MediaFormat) int64 {
	rate := f.SampleRate
	if rate <= 0 {
		rate = 8000
	}
	channels := f.Channels
	if channels <= 0 {
		channels = 1
	}
	width := 1
	if telephony.ModelAudioFormat(f) == realtime.AudioFormatPCM16 {
		width = 2
	}
	n := int64(rate*channels*width) / 1000
	if n <= 0 {
		n = 1
	}
	return n
}

// Feed queues one base64 payload for transcription.
func (t *Tap) Feed(payloadBase64 string) {
	audio, err := base64.StdEncoding.DecodeString(payloadBase64)
	if err != nil {
		t.metrics.RecordSTTError(t.provider, "decode")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.audio <- audio:
	default:
		t.dropped++
		if t.dropped == 1 || t.dropped%100 == 0 {
			t.logger.Warn().Int("dropped", t.dropped).Msg("Transcription queue full, dropping audio")
		}
	}
}

func (t *Tap) pump() {
	defer close(t.done)
	for audio := range t.audio {
		if t.overLimit(len(audio)) {
			continue
		}
		if err := t.adapter.SendAudio(t.ctx, audio); err != nil {
			t.metrics.RecordSTTError(t.provider, "send")
			t.logger.Debug().Err(err).Msg("Failed to send audio to STT")
			continue
		}
		t.mu.Lock()
		t.offset += int64(len(audio)) / t.bytesPerMs
		t.mu.Unlock()
	}
}

// overLimit reports whether audio must stop reaching the provider. Only the
// pump goroutine calls it.
func (t *Tap) overLimit(n int) bool {
	if t.limited {
		return true
	}
	l := t.limits
	if (l.MaxAudioBytes > 0 && t.sent+int64(n) > l.MaxAudioBytes) ||
		(l.MaxDuration > 0 && time.Since(t.startedAt) > l.MaxDuration) {
		t.limited = true
		t.metrics.RecordSTTError(t.provider, "limit")
		t.logger.Warn().
			Int64("sentBytes", t.sent).
			Dur("elapsed", time.Since(t.startedAt)).
			Msg("Transcription limit reached, no longer streaming caller audio")
		return true
	}
	t.sent += int64(n)
	return false
}

// Close drains queued audio and ends the STT session.
func (t *Tap) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.audio)
	t.mu.Unlock()

	<-t.done
	if err := t.adapter.Close(); err != nil {
		t.logger.Debug().Err(err).Msg("STT close failed")
	}
}

func (t *Tap) offsetMs() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset
}

// OnPartial implements stt.Callback.
func (t *Tap) OnPartial(text string) {
	t.emit(models.TranscriptEvent{
		EventType:     models.EventTranscriptPartial,
		StreamID:      t.streamID,
		Source:        models.SourceSTT,
		Text:          text,
		AudioOffsetMs: t.offsetMs(),
	})
}

// OnFinal implements stt.Callback.
func (t *Tap) OnFinal(text string, confidence float64) {
	t.emit(models.TranscriptEvent{
		EventType:     models.EventTranscriptCaller,
		StreamID:      t.streamID,
		Source:        models.SourceSTT,
		Text:          text,
		Final:         true,
		Confidence:    confidence,
		AudioOffsetMs: t.offsetMs(),
	})
}

// OnError implements stt.Callback.
func (t *Tap) OnError(err error) {
	t.metrics.RecordSTTError(t.provider, "stream")
	t.logger.Warn().Err(err).Msg("STT stream failed")
}
