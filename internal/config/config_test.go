package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CX-Karim/teams-recording-bot/internal/media"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recorder.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.CallID == "" || cfg.CallID == Default().CallID {
		t.Fatalf("expected a fresh call id per Default, got %q", cfg.CallID)
	}
	if cfg.SubscribeResolution() != media.ResolutionHD1080p {
		t.Fatalf("resolution = %s", cfg.SubscribeResolution())
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("RECORDER_CALL_ID", "call-42")
	t.Setenv("RECORDER_RUNTIME", "RTC")
	t.Setenv("RECORDER_ICE_SERVERS", "stun:a.example:3478, ,turn:b.example")
	t.Setenv("RECORDER_VIDEO_SOCKETS", "8")
	t.Setenv("RECORDER_SCREEN_SHARE", "false")
	t.Setenv("RECORDER_RESOLUTION", "720p")
	t.Setenv("RECORDER_FORCE_SUBSCRIBE_ON_DOMINANT_SPEAKER", "true")
	t.Setenv("RECORDER_PAYLOAD_ENCODING", "msgpack")
	t.Setenv("RECORDER_SHUTDOWN_TIMEOUT", "5s")
	t.Setenv("RECORDER_LOG_LEVEL", "DEBUG")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CallID != "call-42" || cfg.Runtime != "rtc" || cfg.VideoSockets != 8 {
		t.Fatalf("cfg = %s", cfg)
	}
	if len(cfg.ICEServers) != 2 || cfg.ICEServers[1] != "turn:b.example" {
		t.Fatalf("ice servers = %v", cfg.ICEServers)
	}
	if cfg.ScreenShare || !cfg.ForceSubscribeOnDominantSpeaker {
		t.Fatalf("bools not applied: %s", cfg)
	}
	if cfg.SubscribeResolution() != media.ResolutionHD720p || cfg.PayloadEncoding != "msgpack" {
		t.Fatalf("cfg = %s", cfg)
	}
	if cfg.ShutdownTimeout != 5*time.Second || !cfg.IsDebug() {
		t.Fatalf("cfg = %s", cfg)
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	tests := []struct {
		key, val string
	}{
		{"RECORDER_VIDEO_SOCKETS", "four"},
		{"RECORDER_VIDEO_SOCKETS", "0"},
		{"RECORDER_VIDEO_SOCKETS", "17"},
		{"RECORDER_FLUSH_CONCURRENCY", "x"},
		{"RECORDER_MAX_FRAME_BYTES", "-1"},
		{"RECORDER_SHUTDOWN_TIMEOUT", "soon"},
		{"RECORDER_RUNTIME", "sip"},
		{"RECORDER_RESOLUTION", "4k"},
		{"RECORDER_PAYLOAD_ENCODING", "xml"},
		{"RECORDER_LOG_LEVEL", "trace"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.val, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if _, err := Load(""); err == nil {
				t.Fatalf("expected error for %s=%s", tt.key, tt.val)
			}
		})
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeFile(t, `
call_id: from-file
video_sockets: 6
output_dir: /var/recordings
payload_encoding: msgpack
shutdown_timeout: 1m
ice_servers:
  - stun:stun.example:3478
`)
	t.Setenv("RECORDER_VIDEO_SOCKETS", "2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CallID != "from-file" || cfg.OutputDir != "/var/recordings" || cfg.PayloadEncoding != "msgpack" {
		t.Fatalf("file values not applied: %s", cfg)
	}
	if cfg.VideoSockets != 2 {
		t.Fatalf("VideoSockets = %d, env should win over file", cfg.VideoSockets)
	}
	if cfg.ShutdownTimeout != time.Minute || len(cfg.ICEServers) != 1 {
		t.Fatalf("cfg = %s", cfg)
	}
	if !cfg.ScreenShare || cfg.Runtime != "ipc" {
		t.Fatalf("defaults lost: %s", cfg)
	}
}

func TestLoadFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := Load(writeFile(t, "video_socket: 3\n")); err == nil {
		t.Fatal("expected error for unknown field")
	}
	if _, err := Load(writeFile(t, "")); err != nil {
		t.Fatalf("empty file: %v", err)
	}
}

func TestValidateIPCNeedsSocket(t *testing.T) {
	cfg := Default()
	cfg.IPCSocketPath = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty socket path")
	}
	cfg.Runtime = "rtc"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("rtc runtime without socket: %v", err)
	}
}

func TestString(t *testing.T) {
	cfg := Default()
	cfg.CallID = "abc"
	s := cfg.String()
	for _, want := range []string{"CallID: abc", "VideoSockets: 4", "PayloadEncoding: json", "ShutdownTimeout: 30s"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() missing %q: %s", want, s)
		}
	}
}
