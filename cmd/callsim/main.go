// Command callsim plays a WAV file into the relay as a telephony media
// stream. It acknowledges playback marks the way the provider does and
// reports the assistant audio and clear commands it receives.
package main

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"voice-call-relay/internal/observability/logging"
)

const (
	wavHeaderSize = 44
	// 20ms of 8kHz mu-law.
	frameBytes = 160
	frameMs    = 20
)

type wavFormat struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
}

// readWAV returns 8kHz mono mu-law audio from a PCM16 or mu-law WAV file.
func readWAV(r io.Reader) ([]byte, wavFormat, error) {
	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, wavFormat{}, fmt.Errorf("read wav header: %w", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return nil, wavFormat{}, errors.New("not a WAV file")
	}
	f := wavFormat{
		AudioFormat:   binary.LittleEndian.Uint16(header[20:22]),
		Channels:      binary.LittleEndian.Uint16(header[22:24]),
		SampleRate:    binary.LittleEndian.Uint32(header[24:28]),
		BitsPerSample: binary.LittleEndian.Uint16(header[34:36]),
	}
	if f.Channels != 1 || f.SampleRate != 8000 {
		return nil, f, fmt.Errorf("need 8kHz mono audio, got %d channels at %dHz", f.Channels, f.SampleRate)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, f, fmt.Errorf("read wav data: %w", err)
	}
	switch {
	case f.AudioFormat == 7 && f.BitsPerSample == 8:
		return data, f, nil
	case f.AudioFormat == 1 && f.BitsPerSample == 16:
		return encodeMulaw(data), f, nil
	default:
		return nil, f, fmt.Errorf("unsupported WAV encoding format=%d bits=%d", f.AudioFormat, f.BitsPerSample)
	}
}

type outbound struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     *struct {
		Payload string `json:"payload"`
	} `json:"media"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark"`
}

func startFrame(streamSID, callSID string) map[string]any {
	return map[string]any{
		"event":     "start",
		"streamSid": streamSID,
		"start": map[string]any{
			"streamSid": streamSID,
			"callSid":   callSID,
			"mediaFormat": map[string]any{
				"encoding":   "audio/x-mulaw",
				"sampleRate": 8000,
				"channels":   1,
			},
		},
	}
}

func mediaFrame(streamSID string, timestampMs int64, chunk []byte) map[string]any {
	return map[string]any{
		"event":     "media",
		"streamSid": streamSID,
		"media": map[string]any{
			"track":     "inbound",
			"timestamp": strconv.FormatInt(timestampMs, 10),
			"payload":   base64.StdEncoding.EncodeToString(chunk),
		},
	}
}

func main() {
	url := flag.String("url", "ws://localhost:8081/call", "Relay telephony websocket URL")
	audioFile := flag.String("audio", "testdata/sample-8khz.wav", "WAV file, 8kHz mono PCM16 or mu-law")
	outFile := flag.String("out", "", "Write received assistant audio (raw mu-law) to this file")
	streamSID := flag.String("stream", "MZ"+uuid.NewString()[:8], "Stream SID to announce")
	tail := flag.Duration("tail", 10*time.Second, "Keep the call open this long after the audio ends")
	flag.Parse()

	logging.Init(logging.Config{Level: "info", Format: "console"})

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open audio file")
	}
	audio, format, err := readWAV(f)
	f.Close()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read audio")
	}
	log.Info().
		Uint16("format", format.AudioFormat).
		Uint32("sampleRate", format.SampleRate).
		Int("frames", len(audio)/frameBytes).
		Msg("Loaded audio")

	var out io.Writer = io.Discard
	if *outFile != "" {
		of, err := os.Create(*outFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create output file")
		}
		defer of.Close()
		out = of
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		log.Fatal().Err(err).Str("url", *url).Msg("Failed to connect")
	}
	defer conn.Close()
	log.Info().Str("url", *url).Str("streamSid", *streamSID).Msg("Connected")

	var writeMu sync.Mutex
	send := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	var received, marks, clears atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var msg outbound
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Event {
			case "media":
				if msg.Media == nil {
					continue
				}
				b, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
				if err == nil {
					received.Add(int64(len(b)))
					_, _ = out.Write(b)
				}
			case "mark":
				marks.Add(1)
				// Played-out acknowledgement, as the provider sends it.
				if msg.Mark != nil {
					_ = send(map[string]any{"event": "mark", "streamSid": *streamSID, "mark": map[string]string{"name": msg.Mark.Name}})
				}
			case "clear":
				clears.Add(1)
				log.Info().Msg("Relay cleared queued assistant audio (barge-in)")
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	if err := send(map[string]any{"event": "connected", "protocol": "Call", "version": "1.0.0"}); err != nil {
		log.Fatal().Err(err).Msg("Failed to send connected")
	}
	if err := send(startFrame(*streamSID, "CA"+uuid.NewString()[:8])); err != nil {
		log.Fatal().Err(err).Msg("Failed to send start")
	}

	ticker := time.NewTicker(frameMs * time.Millisecond)
	defer ticker.Stop()
	var ts int64
stream:
	for off := 0; off < len(audio); off += frameBytes {
		end := min(off+frameBytes, len(audio))
		select {
		case <-sig:
			break stream
		case <-done:
			log.Warn().Msg("Relay closed the connection")
			return
		case <-ticker.C:
		}
		if err := send(mediaFrame(*streamSID, ts, audio[off:end])); err != nil {
			log.Error().Err(err).Msg("Failed to send media")
			break
		}
		ts += frameMs
		if ts%2000 == 0 {
			log.Info().Int64("timestampMs", ts).Int64("assistantBytes", received.Load()).Msg("Streaming")
		}
	}

	select {
	case <-sig:
	case <-done:
	case <-time.After(*tail):
	}

	_ = send(map[string]any{"event": "stop", "streamSid": *streamSID})
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	log.Info().
		Int64("sentMs", ts).
		Int64("assistantMs", received.Load()/8).
		Int64("marks", marks.Load()).
		Int64("clears", clears.Load()).
		Msg("Call finished")
}
