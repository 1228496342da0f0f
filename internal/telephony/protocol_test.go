package telephony

import (
	"encoding/json"
	"errors"
	"testing"

	"voice-call-relay/internal/realtime"
)

func TestDecode_Variants(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Envelope
	}{
		{"connected", `{"event":"connected","protocol":"Call"}`, Connected{}},
		{
			"start",
			`{"event":"start","start":{"streamSid":"S1","callSid":"CA1","mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}}}`,
			Start{StreamID: "S1", CallSID: "CA1", MediaFormat: MediaFormat{Encoding: "audio/x-mulaw", SampleRate: 8000, Channels: 1}},
		},
		{"media string timestamp", `{"event":"media","media":{"timestamp":"1000","payload":"AAA="}}`, Media{TimestampMs: 1000, Payload: "AAA="}},
		{"media number timestamp", `{"event":"media","media":{"timestamp":1000,"payload":"AAA="}}`, Media{TimestampMs: 1000, Payload: "AAA="}},
		{"mark", `{"event":"mark","mark":{"name":"responsePart"}}`, Mark{Name: "responsePart"}},
		{"stop", `{"event":"stop","streamSid":"S1"}`, Stop{}},
		{"close", `{"event":"close"}`, Stop{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.frame))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if start, ok := got.(Start); ok {
				want := tt.want.(Start)
				if start.StreamID != want.StreamID || start.CallSID != want.CallSID || start.MediaFormat != want.MediaFormat {
					t.Errorf("got %+v, want %+v", start, want)
				}
				return
			}
			if got != tt.want {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecode_StartFallsBackToTopLevelStreamSid(t *testing.T) {
	got, err := Decode([]byte(`{"event":"start","streamSid":"S9","start":{}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.(Start).StreamID != "S9" {
		t.Errorf("expected S9, got %+v", got)
	}
}

func TestDecode_Errors(t *testing.T) {
	frames := []string{
		`{not json`,
		`{"event":""}`,
		`{"event":"start"}`,
		`{"event":"start","start":{}}`,
		`{"event":"media","media":{"timestamp":"5"}}`,
		`{"event":"media","media":{"timestamp":"abc","payload":"x"}}`,
		`{"event":"dtmf"}`,
	}
	for _, f := range frames {
		_, err := Decode([]byte(f))
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Errorf("Decode(%s): expected DecodeError, got %v", f, err)
		}
	}
}

func TestModelAudioFormat(t *testing.T) {
	tests := []struct {
		encoding string
		want     string
	}{
		{"audio/x-mulaw", realtime.AudioFormatG711ULaw},
		{"audio/x-alaw", realtime.AudioFormatG711ALaw},
		{"audio/l16", realtime.AudioFormatPCM16},
		{"", realtime.AudioFormatG711ULaw},
	}
	for _, tt := range tests {
		if got := ModelAudioFormat(MediaFormat{Encoding: tt.encoding}); got != tt.want {
			t.Errorf("ModelAudioFormat(%q) = %s, want %s", tt.encoding, got, tt.want)
		}
	}
}

func TestOutboundCommands(t *testing.T) {
	b, _ := json.Marshal(ClearCommand("S1"))
	if string(b) != `{"event":"clear","streamSid":"S1"}` {
		t.Errorf("unexpected clear: %s", b)
	}

	b, _ = json.Marshal(MediaCommand("S1", "AAA="))
	if string(b) != `{"event":"media","streamSid":"S1","media":{"payload":"AAA="}}` {
		t.Errorf("unexpected media: %s", b)
	}

	b, _ = json.Marshal(MarkCommand("S1", "responsePart"))
	if string(b) != `{"event":"mark","streamSid":"S1","mark":{"name":"responsePart"}}` {
		t.Errorf("unexpected mark: %s", b)
	}
}
