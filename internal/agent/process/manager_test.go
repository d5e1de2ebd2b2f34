package process

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/codervisor/clawden/internal/agent/agenterr"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

func TestHealthURL(t *testing.T) {
	if got := HealthURL("zeroclaw", 42617, "/health"); got != "http://127.0.0.1:42617/health" {
		t.Errorf("default: got %q", got)
	}
	if got := HealthURL("zeroclaw", 0, "/health"); got != "" {
		t.Errorf("no port: got %q", got)
	}

	t.Setenv("CLAWDEN_HEALTH_PORT_ZEROCLAW", "9000")
	if got := HealthURL("zeroclaw", 42617, "/health"); got != "http://127.0.0.1:9000/health" {
		t.Errorf("port override: got %q", got)
	}

	t.Setenv("CLAWDEN_HEALTH_URL_ZEROCLAW", "http://example.internal/ready")
	if got := HealthURL("zeroclaw", 42617, "/health"); got != "http://example.internal/ready" {
		t.Errorf("url override: got %q", got)
	}
}

func TestBackendsFor(t *testing.T) {
	native := &NativeManager{}
	b := Backends{v1.ModeNative: native}
	m, err := b.For(v1.ModeNative)
	if err != nil || m != native {
		t.Fatalf("expected native backend, got %v %v", m, err)
	}
	if _, err := b.For(v1.ModeContainer); !errors.Is(err, agenterr.ErrResourceUnavailable) {
		t.Fatalf("expected ErrResourceUnavailable, got %v", err)
	}
}

func TestTail(t *testing.T) {
	lines, err := tail(strings.NewReader("1\n2\n3\n4\n5\n"), 3)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(lines, ",") != "3,4,5" {
		t.Fatalf("got %v", lines)
	}
	lines, _ = tail(strings.NewReader("1\n"), 3)
	if len(lines) != 1 {
		t.Fatalf("got %v", lines)
	}
}

func TestLogRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inst.log")
	big := make([]byte, 1024*1024+1)
	if err := os.WriteFile(path, big, 0o644); err != nil {
		t.Fatal(err)
	}
	r := newLogRotator(1, 2, false)
	if err := r.rotateIfNeeded(path); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("active log missing: %v", err)
	}
	if st.Size() != 0 {
		t.Fatalf("expected fresh log, size %d", st.Size())
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) < 2 {
		t.Fatalf("expected a backup file, got %d entries", len(entries))
	}

	// Below the limit nothing happens.
	if err := r.rotateIfNeeded(path); err != nil {
		t.Fatal(err)
	}
}
