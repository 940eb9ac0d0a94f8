package companion

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
backend:
  url: wss://api.example.com/ai/ws
  user_id: u-1
recognizer:
  provider: mock
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Wake.DebounceMS != 2000 {
		t.Fatalf("debounce default %d", cfg.Wake.DebounceMS)
	}
	if len(cfg.Wake.Phrases) != 2 || cfg.Wake.Phrases[0] != "hey lyo" {
		t.Fatalf("phrase defaults %v", cfg.Wake.Phrases)
	}
	if cfg.Capture.SampleRate != 16000 {
		t.Fatalf("sample rate default %d", cfg.Capture.SampleRate)
	}
	if cfg.Backend.PingIntervalMS != 30000 {
		t.Fatalf("ping interval default %d", cfg.Backend.PingIntervalMS)
	}
	if cfg.Backend.Reconnect.MaxMS != 30000 || cfg.Backend.Reconnect.MaxAttempts != 0 {
		t.Fatalf("reconnect defaults %+v", cfg.Backend.Reconnect)
	}
	if cfg.Conversation.MaxMessages != 100 || cfg.Conversation.ContextSize != 10 {
		t.Fatalf("conversation defaults %+v", cfg.Conversation)
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("BACKEND_TOKEN", "secret-tok")
	t.Setenv("DG_KEY", "dg-tok")
	path := writeConfig(t, `
backend:
  url: wss://api.example.com/ai/ws
  user_id: u-1
  token: ${BACKEND_TOKEN}
recognizer:
  provider: deepgram
  settings:
    api_key: ${DG_KEY}
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.Token != "secret-tok" {
		t.Fatalf("token not expanded: %q", cfg.Backend.Token)
	}
	if cfg.Recognizer.Settings["api_key"] != "dg-tok" {
		t.Fatalf("settings not expanded: %v", cfg.Recognizer.Settings)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	path := writeConfig(t, `
recognizer:
  provider: mock
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation error without backend.url")
	}
}
