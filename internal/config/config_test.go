package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Transcription.MinRMS8k != 50 || cfg.Transcription.MinRMS16k != 150 {
		t.Fatalf("unexpected default rms thresholds: %+v", cfg.Transcription)
	}
	if cfg.Backends.TimeoutMS != 30000 {
		t.Fatalf("expected 30s backend timeout, got %d", cfg.Backends.TimeoutMS)
	}
	if cfg.Streaming.KeepaliveIntervalMS != 3000 {
		t.Fatalf("expected 3s keepalive, got %d", cfg.Streaming.KeepaliveIntervalMS)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callscribe.yaml")
	body := `
runtime_name: test-scribe
transcription:
  transcription_backend: deepgram
  min_rms_16k: 200
  bypass_vad: false
backends:
  deepgram:
    api_key: dg-key
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "test-scribe" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Transcription.Backend != BackendDeepgram || cfg.Transcription.MinRMS16k != 200 || cfg.Transcription.BypassVAD {
		t.Fatalf("transcription section not applied: %+v", cfg.Transcription)
	}
	if cfg.Transcription.MinRMS8k != 50 {
		t.Fatalf("expected untouched default to survive, got %v", cfg.Transcription.MinRMS8k)
	}
	if cfg.Backends.Deepgram.APIKey != "dg-key" || cfg.Backends.Deepgram.Endpoint == "" {
		t.Fatalf("deepgram backend not merged: %+v", cfg.Backends.Deepgram)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CALLSCRIBE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("CALLSCRIBE_BUS_USERNAME", "alice")
	t.Setenv("CALLSCRIBE_BUS_PASSWORD", "secret")
	t.Setenv("CALLSCRIBE_BUS_TLS_INSECURE", "true")
	t.Setenv("CALLSCRIBE_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("CALLSCRIBE_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("CALLSCRIBE_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("CALLSCRIBE_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("CALLSCRIBE_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("CALLSCRIBE_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("CALLSCRIBE_TRANSCRIPTION_BACKEND", "mock")
	t.Setenv("CALLSCRIBE_TRANSCRIPTION_LANGUAGE", "en")
	t.Setenv("CALLSCRIBE_TRANSCRIPTION_BYPASS_VAD", "false")
	t.Setenv("CALLSCRIBE_DEEPGRAM_API_KEY", "dg")
	t.Setenv("CALLSCRIBE_SPEAKERS_OPERATOR_MIN_SECONDS", "0.75")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.Transcription.Backend != BackendMock || cfg.Transcription.Language != "en" {
		t.Fatalf("expected transcription overrides, got %+v", cfg.Transcription)
	}
	if cfg.Transcription.BypassVAD {
		t.Fatalf("expected bypass_vad override false")
	}
	if cfg.Backends.Deepgram.APIKey != "dg" {
		t.Fatalf("expected deepgram key override")
	}
	if cfg.Speakers.OperatorMinSeconds != 0.75 {
		t.Fatalf("expected operator min seconds override, got %v", cfg.Speakers.OperatorMinSeconds)
	}
}

func TestValidateRejectsBadBackend(t *testing.T) {
	t.Setenv("CALLSCRIBE_TRANSCRIPTION_BACKEND", "carrier-pigeon")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for unknown backend")
	}
}

func TestValidateExecNeedsCommand(t *testing.T) {
	t.Setenv("CALLSCRIBE_TRANSCRIPTION_BACKEND", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for exec backend without command")
	}
	t.Setenv("CALLSCRIBE_EXEC_COMMAND", "whisper-cli --json")
	if _, err := Load(""); err != nil {
		t.Fatalf("unexpected error with command set: %v", err)
	}
}
