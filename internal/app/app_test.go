package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"voice-call-relay/internal/config"
	"voice-call-relay/internal/models"
	"voice-call-relay/internal/observability/metrics"
	"voice-call-relay/internal/telephony"
)

func TestNewAgentSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	if err := os.WriteFile(path, []byte("agents:\n  - name: Concierge\n    voice: sage\n    active: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		cfg      config.AgentConfig
		wantName string
		wantErr  bool
	}{
		{"default static", config.AgentConfig{}, "Assistant", false},
		{"static", config.AgentConfig{Source: "static"}, "Assistant", false},
		{"file", config.AgentConfig{Source: "file", FilePath: path}, "Concierge", false},
		{"postgres without url", config.AgentConfig{Source: "postgres"}, "", true},
		{"unknown", config.AgentConfig{Source: "redis"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, closeFn, err := newAgentSource(context.Background(), tt.cfg)
			defer closeFn()
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			cfg, err := src.ActiveConfiguration(context.Background())
			if err != nil {
				t.Fatalf("fetch: %v", err)
			}
			if cfg.Name != tt.wantName {
				t.Errorf("expected %s, got %s", tt.wantName, cfg.Name)
			}
		})
	}
}

func TestNewTapFactory(t *testing.T) {
	f, err := newTapFactory(config.STTConfig{Provider: "none"}, metrics.DefaultMetrics)
	if err != nil || f != nil {
		t.Errorf("expected no tap for provider none, got %v %v", f, err)
	}

	if _, err := newTapFactory(config.STTConfig{Provider: "azure"}, metrics.DefaultMetrics); err == nil {
		t.Error("expected error for unknown provider")
	}

	f, err = newTapFactory(config.STTConfig{Provider: "mock"}, metrics.DefaultMetrics)
	if err != nil || f == nil {
		t.Fatalf("expected mock tap factory, got %v", err)
	}
	tap, err := f(context.Background(), "S1", telephony.MediaFormat{Encoding: "audio/x-mulaw"}, func(models.TranscriptEvent) {})
	if err != nil {
		t.Fatalf("open tap: %v", err)
	}
	tap.Feed("AAAA")
	tap.Close()
}

func TestGoogleTapRejectsALaw(t *testing.T) {
	f, err := newTapFactory(config.STTConfig{Provider: "google", SampleRateHz: 8000}, metrics.DefaultMetrics)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f(context.Background(), "S1", telephony.MediaFormat{Encoding: "audio/x-alaw"}, nil); err == nil {
		t.Error("expected unsupported encoding error")
	}
}

func TestNew_WiresRelay(t *testing.T) {
	cfg := config.Load()
	cfg.Agent.Source = "static"
	cfg.STT.Provider = "mock"

	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer a.Relay.Close()

	if a.Relay == nil || a.Tools == nil || a.Publisher == nil {
		t.Fatal("expected relay, tools and publisher wired")
	}
	if got := len(a.Tools.Names()); got != 2 {
		t.Errorf("expected 2 built-in tools, got %d", got)
	}
	if a.ready.Load() {
		t.Error("expected not ready before Start")
	}
}
