package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithPath_Defaults(t *testing.T) {
	root := t.TempDir()
	t.Setenv("CLAWDEN_HOME", root)

	cfg, err := LoadWithPath(t.TempDir())
	if err != nil {
		t.Fatalf("LoadWithPath: %v", err)
	}
	if cfg.Paths.Root != root {
		t.Errorf("Paths.Root = %q, want %q", cfg.Paths.Root, root)
	}
	if got := cfg.Health.Interval(); got != 5*time.Second {
		t.Errorf("Health.Interval() = %v, want 5s", got)
	}
	if got := cfg.Recovery.BaseBackoff(); got != time.Second {
		t.Errorf("Recovery.BaseBackoff() = %v, want 1s", got)
	}
	if got := cfg.Recovery.MaxBackoff(); got != 30*time.Second {
		t.Errorf("Recovery.MaxBackoff() = %v, want 30s", got)
	}
	if cfg.Recovery.DegradedServesTraffic {
		t.Error("DegradedServesTraffic should default to false")
	}
	if want := filepath.Join(root, "clawden.db"); cfg.Database.Path != want {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, want)
	}
	if want := filepath.Join(root, "logs", "audit.jsonl"); cfg.Audit.Path != want {
		t.Errorf("Audit.Path = %q, want %q", cfg.Audit.Path, want)
	}
}

func TestLoadWithPath_EnvOverrides(t *testing.T) {
	t.Setenv("CLAWDEN_HOME", t.TempDir())
	t.Setenv("CLAWDEN_HEALTH_INTERVAL_MS", "250")
	t.Setenv("CLAWDEN_RECOVERY_BASE_BACKOFF_MS", "50")

	cfg, err := LoadWithPath(t.TempDir())
	if err != nil {
		t.Fatalf("LoadWithPath: %v", err)
	}
	if cfg.Health.IntervalMs != 250 {
		t.Errorf("Health.IntervalMs = %d, want 250", cfg.Health.IntervalMs)
	}
	if cfg.Recovery.BaseBackoffMs != 50 {
		t.Errorf("Recovery.BaseBackoffMs = %d, want 50", cfg.Recovery.BaseBackoffMs)
	}
	// Timeout never exceeds the interval.
	if got := cfg.Health.Timeout(); got != 250*time.Millisecond {
		t.Errorf("Health.Timeout() = %v, want 250ms", got)
	}
}

func TestLoadWithPath_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CLAWDEN_HOME", t.TempDir())
	yaml := `
runtimes:
  enabled: [picoclaw, zeroclaw]
recovery:
  threshold: 4
  degradedServesTraffic: true
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadWithPath(dir)
	if err != nil {
		t.Fatalf("LoadWithPath: %v", err)
	}
	if len(cfg.Runtimes.Enabled) != 2 || cfg.Runtimes.Enabled[0] != "picoclaw" {
		t.Errorf("Runtimes.Enabled = %v", cfg.Runtimes.Enabled)
	}
	if cfg.Recovery.Threshold != 4 || !cfg.Recovery.DegradedServesTraffic {
		t.Errorf("Recovery = %+v", cfg.Recovery)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := &Config{}
	cfg.Database.Driver = "mysql"
	cfg.Process.DefaultMode = "vm"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"server.port", "paths.root", "database.driver", "process.defaultMode", "recovery.threshold"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
