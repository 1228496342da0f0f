package google

import (
	"testing"

	"cloud.google.com/go/speech/apiv1/speechpb"
)

type recordingCallback struct {
	partials []string
	finals   []string
	conf     []float64
}

func (c *recordingCallback) OnPartial(text string) { c.partials = append(c.partials, text) }
func (c *recordingCallback) OnFinal(text string, confidence float64) {
	c.finals = append(c.finals, text)
	c.conf = append(c.conf, confidence)
}
func (c *recordingCallback) OnError(error) {}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LanguageCode != "en-US" {
		t.Errorf("expected default language 'en-US', got %s", cfg.LanguageCode)
	}
	if cfg.SampleRateHz != 8000 {
		t.Errorf("expected default sample rate 8000, got %d", cfg.SampleRateHz)
	}
	if !cfg.InterimResults {
		t.Error("expected interim results on by default")
	}
	if cfg.AudioEncoding != "MULAW" {
		t.Errorf("expected default encoding 'MULAW', got %s", cfg.AudioEncoding)
	}
}

func TestParseAudioEncoding(t *testing.T) {
	tests := []struct {
		input    string
		expected speechpb.RecognitionConfig_AudioEncoding
	}{
		{"LINEAR16", speechpb.RecognitionConfig_LINEAR16},
		{"MULAW", speechpb.RecognitionConfig_MULAW},
		{"FLAC", speechpb.RecognitionConfig_FLAC},
		{"AMR_WB", speechpb.RecognitionConfig_AMR_WB},
		{"WEBM_OPUS", speechpb.RecognitionConfig_WEBM_OPUS},
		{"mulaw", speechpb.RecognitionConfig_LINEAR16},
		{"", speechpb.RecognitionConfig_LINEAR16},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseAudioEncoding(tt.input); got != tt.expected {
				t.Errorf("parseAudioEncoding(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestStreamingConfig(t *testing.T) {
	sc := streamingConfig(Config{LanguageCode: "de-DE", SampleRateHz: 8000, InterimResults: false, AudioEncoding: "MULAW"})

	if sc.Config.Encoding != speechpb.RecognitionConfig_MULAW {
		t.Errorf("expected MULAW, got %v", sc.Config.Encoding)
	}
	if sc.Config.LanguageCode != "de-DE" || sc.Config.SampleRateHertz != 8000 {
		t.Errorf("unexpected recognition config: %+v", sc.Config)
	}
	if sc.InterimResults {
		t.Error("expected interim results off")
	}
}

func TestDeliver(t *testing.T) {
	cb := &recordingCallback{}
	deliver([]*speechpb.StreamingRecognitionResult{
		{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "book a"}}},
		{},
		{IsFinal: true, Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "book a table", Confidence: 0.9}}},
	}, cb)

	if len(cb.partials) != 1 || cb.partials[0] != "book a" {
		t.Errorf("unexpected partials: %v", cb.partials)
	}
	if len(cb.finals) != 1 || cb.finals[0] != "book a table" {
		t.Errorf("unexpected finals: %v", cb.finals)
	}
	if cb.conf[0] < 0.89 || cb.conf[0] > 0.91 {
		t.Errorf("unexpected confidence: %v", cb.conf[0])
	}
}

func TestEncodingFor(t *testing.T) {
	tests := map[string]string{
		"audio/x-mulaw": "MULAW",
		"audio/l16":     "LINEAR16",
		"audio/x-alaw":  "",
	}
	for in, want := range tests {
		if got := EncodingFor(in); got != want {
			t.Errorf("EncodingFor(%q) = %q, want %q", in, got, want)
		}
	}
}
