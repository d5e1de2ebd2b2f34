package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewLogger_FileOutputJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	log, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", OutputPath: path})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	log.WithAgentID("a-1").WithRuntime("picoclaw").Info("started", zap.Int("pid", 42))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, data)
	}
	for _, key := range []string{"timestamp", "agent_id", "runtime", "pid"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("missing key %q in %v", key, entry)
		}
	}
	if entry["msg"] != "started" {
		t.Errorf("msg = %v, want started", entry["msg"])
	}
}

func TestNewLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	log, err := NewLogger(LoggingConfig{Level: "verbose", Format: "json", OutputPath: path})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	log.Debug("hidden")
	log.Info("shown")
	_ = log.Sync()

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "hidden") {
		t.Error("debug line written at fallback info level")
	}
	if !strings.Contains(string(data), "shown") {
		t.Error("info line missing")
	}
}

func TestDetectFormat(t *testing.T) {
	t.Setenv("KUBERNETES_SERVICE_HOST", "")
	t.Setenv("CLAWDEN_ENV", "production")
	if got := DetectFormat(); got != "json" {
		t.Errorf("DetectFormat() = %q, want json", got)
	}
	t.Setenv("CLAWDEN_ENV", "")
	if got := DetectFormat(); got != "text" {
		t.Errorf("DetectFormat() = %q, want text", got)
	}
}
