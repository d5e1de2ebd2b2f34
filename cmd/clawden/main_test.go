package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codervisor/clawden/internal/agent/install"
	"github.com/codervisor/clawden/internal/audit"
	"github.com/codervisor/clawden/internal/common/logger"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

func setupHome(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	t.Setenv("CLAWDEN_HOME", root)
	t.Setenv("CLAWDEN_LOGGING_LEVEL", "error")
	return root
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestInstallListUninstall(t *testing.T) {
	root := setupHome(t)
	artifact := filepath.Join(root, "picoclaw-bin")
	require.NoError(t, os.WriteFile(artifact, []byte("#!/bin/sh\necho picoclaw\n"), 0o755))
	sum, err := install.FileChecksum(artifact)
	require.NoError(t, err)

	out, err := run(t, "install", "picoclaw", "--version", "1.2.0", "--source", artifact, "--checksum", sum)
	require.NoError(t, err, out)
	assert.Contains(t, out, "installed picoclaw v1.2.0")

	out, err = run(t, "installed", "--json")
	require.NoError(t, err, out)
	var recs []v1.InstallRecord
	require.NoError(t, json.Unmarshal([]byte(out), &recs), out)
	require.Len(t, recs, 1)
	assert.Equal(t, "picoclaw", recs[0].Runtime)
	assert.Equal(t, sum, recs[0].Checksum)

	out, err = run(t, "runtimes", "--json")
	require.NoError(t, err, out)
	var rts []runtimeRow
	require.NoError(t, json.Unmarshal([]byte(out), &rts), out)
	installed := map[string]string{}
	for _, r := range rts {
		installed[string(r.Name)] = r.Installed
	}
	assert.Equal(t, "v1.2.0", installed["picoclaw"])
	assert.Empty(t, installed["openclaw"])

	out, err = run(t, "install", "picoclaw", "--version", "1.3.0", "--source", artifact, "--checksum", "deadbeef")
	assert.Error(t, err, out)

	out, err = run(t, "uninstall", "picoclaw")
	require.NoError(t, err, out)
	out, err = run(t, "installed")
	require.NoError(t, err)
	assert.Contains(t, out, "(none)")
}

func TestInstallCommandsAreAudited(t *testing.T) {
	root := setupHome(t)
	artifact := filepath.Join(root, "picoclaw-bin")
	require.NoError(t, os.WriteFile(artifact, []byte("#!/bin/sh\necho picoclaw\n"), 0o755))
	sum, err := install.FileChecksum(artifact)
	require.NoError(t, err)

	out, err := run(t, "install", "picoclaw", "--version", "1.2.0", "--source", artifact, "--checksum", sum)
	require.NoError(t, err, out)
	out, err = run(t, "install", "picoclaw", "--version", "1.3.0", "--source", artifact, "--checksum", "deadbeef")
	require.Error(t, err, out)
	out, err = run(t, "uninstall", "picoclaw")
	require.NoError(t, err, out)

	evs, err := audit.QueryFile(filepath.Join(root, "logs", "audit.jsonl"), audit.Filter{Target: "picoclaw"})
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, "runtime.install", evs[0].Action)
	assert.Equal(t, v1.OutcomeSuccess, evs[0].Outcome)
	assert.Equal(t, "runtime.install", evs[1].Action)
	assert.Equal(t, v1.OutcomeFailure, evs[1].Outcome)
	assert.Equal(t, "runtime.uninstall", evs[2].Action)
	assert.Equal(t, v1.OutcomeSuccess, evs[2].Outcome)
}

func TestAuditCommand(t *testing.T) {
	root := setupHome(t)
	auditLog, err := audit.Open(filepath.Join(root, "logs", "audit.jsonl"), logger.NewNop())
	require.NoError(t, err)
	ctx := audit.WithActor(context.Background(), "alice")
	require.NoError(t, auditLog.Record(ctx, audit.Event("agent.start", "a1", nil)))
	require.NoError(t, auditLog.Record(ctx, audit.Event("agent.stop", "a1", errors.New("boom"))))
	require.NoError(t, auditLog.Record(context.Background(), audit.Event("recovery.scheduled", "a1", nil)))
	require.NoError(t, auditLog.Close())

	out, err := run(t, "audit", "--actor", "alice", "--json")
	require.NoError(t, err, out)
	var evs []v1.AuditEvent
	require.NoError(t, json.Unmarshal([]byte(out), &evs), out)
	require.Len(t, evs, 2)
	assert.Equal(t, "agent.start", evs[0].Action)

	out, err = run(t, "audit", "--outcome", "failure")
	require.NoError(t, err)
	assert.Contains(t, out, "agent.stop")
	assert.Contains(t, out, "boom")
	assert.NotContains(t, out, "agent.start")

	out, err = run(t, "audit", "-n", "1", "--json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &evs))
	require.Len(t, evs, 1)
	assert.Equal(t, audit.SystemActor, evs[0].Actor)
}

func TestPsAndLogsOnEmptyHome(t *testing.T) {
	setupHome(t)

	out, err := run(t, "ps")
	require.NoError(t, err, out)
	assert.Contains(t, out, "(none)")

	_, err = run(t, "logs", "nobody")
	assert.ErrorContains(t, err, `no instance named "nobody"`)
}
