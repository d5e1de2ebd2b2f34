package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/codervisor/clawden/internal/agent/agenterr"
	"github.com/codervisor/clawden/internal/common/config"
	"github.com/codervisor/clawden/internal/common/logger"
	"github.com/codervisor/clawden/internal/common/procutil"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

const (
	stopPollInterval = 100 * time.Millisecond
	killWait         = 2 * time.Second
)

// NativeConfig configures the native process backend.
type NativeConfig struct {
	RunDir        string
	LogsDir       string
	EnvAllowlist  []string
	GracePeriod   time.Duration
	LogMaxSizeMB  int
	LogMaxBackups int
	LogCompress   bool
}

// NativeConfigFrom derives the backend configuration from the daemon config.
func NativeConfigFrom(cfg *config.Config) NativeConfig {
	return NativeConfig{
		RunDir:        cfg.Paths.RunDir(),
		LogsDir:       cfg.Paths.LogsDir(),
		EnvAllowlist:  cfg.Process.EnvAllowlist,
		GracePeriod:   cfg.Process.StopGracePeriod(),
		LogMaxSizeMB:  cfg.Process.LogMaxSizeMB,
		LogMaxBackups: cfg.Process.LogMaxBackups,
		LogCompress:   cfg.Process.LogCompress,
	}
}

// NativeManager runs instances as direct child processes. Each child gets its
// own process group so stop signals reach everything it spawned, and a JSON
// PID file so a restarted daemon can find it again.
type NativeManager struct {
	cfg     NativeConfig
	pids    pidFiles
	rotator *logRotator
	logger  *logger.Logger
}

// NewNativeManager creates the native backend.
func NewNativeManager(cfg NativeConfig, log *logger.Logger) *NativeManager {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 2 * time.Second
	}
	return &NativeManager{
		cfg:     cfg,
		pids:    pidFiles{dir: cfg.RunDir},
		rotator: newLogRotator(cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogCompress),
		logger:  log.WithFields(zap.String("component", "native-process")),
	}
}

func (m *NativeManager) Mode() v1.ExecutionMode { return v1.ModeNative }

// Spawn starts the binary in spec and records its PID file.
func (m *NativeManager) Spawn(ctx context.Context, spec SpawnSpec) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.InstanceID == "" {
		return nil, errors.New("instance id is required")
	}
	if err := checkExecutable(spec.Binary); err != nil {
		return nil, err
	}

	existing, err := m.pids.read(spec.InstanceID)
	if err != nil {
		m.logger.Warn("discarding unreadable pid file", zap.String("instance_id", spec.InstanceID), zap.Error(err))
	}
	if existing != nil {
		if procutil.SameProcess(existing.PID, existing.StartTicks) {
			return nil, fmt.Errorf("%w: pid %d", agenterr.ErrAlreadyRunning, existing.PID)
		}
		_ = m.pids.remove(spec.InstanceID)
	}

	port := spec.Port
	if port > 0 {
		if err := procutil.PortAvailable("127.0.0.1", port); err != nil {
			return nil, fmt.Errorf("%w: port %d: %v", agenterr.ErrPortConflict, port, err)
		}
	}

	if spec.WorkDir != "" {
		if err := os.MkdirAll(spec.WorkDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create work dir: %w", err)
		}
	}
	if err := os.MkdirAll(m.cfg.LogsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create logs dir: %w", err)
	}
	logPath := filepath.Join(m.cfg.LogsDir, spec.InstanceID+".log")
	if err := m.rotator.rotateIfNeeded(logPath); err != nil {
		m.logger.Warn("log rotation failed", zap.String("path", logPath), zap.Error(err))
	}
	logFile, err := openAppend(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = m.buildEnv(spec, port)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start %s: %v", agenterr.ErrResourceUnavailable, spec.Binary, err)
	}
	pid := cmd.Process.Pid
	// Reap the child so a stopped instance does not linger as a zombie.
	go func() { _ = cmd.Wait() }()

	ticks, err := procutil.StartTicks(pid)
	if err != nil {
		m.logger.Debug("start ticks unavailable", zap.Int("pid", pid), zap.Error(err))
	}

	proc := &Process{
		InstanceID: spec.InstanceID,
		Runtime:    spec.Runtime,
		Mode:       v1.ModeNative,
		PID:        pid,
		Executable: spec.Binary,
		StartTicks: ticks,
		LogPath:    logPath,
		Endpoint:   endpointFor(port),
		HealthURL:  HealthURL(spec.Runtime, port, spec.HealthPath),
		StartedAt:  time.Now().UTC(),
	}
	if err := m.pids.write(*proc); err != nil {
		_ = m.signalGroup(pid, unix.SIGKILL)
		return nil, err
	}

	m.logger.Info("native process started",
		zap.String("instance_id", spec.InstanceID),
		zap.String("runtime", string(spec.Runtime)),
		zap.Int("pid", pid),
		zap.Int("port", port))
	return proc, nil
}

// Stop sends SIGTERM to the instance's process group, waits up to the grace
// period, then sends SIGKILL.
func (m *NativeManager) Stop(ctx context.Context, p Process) error {
	pid, ticks := p.PID, p.StartTicks
	if rec, err := m.pids.read(p.InstanceID); err == nil && rec != nil {
		pid, ticks = rec.PID, rec.StartTicks
	}
	if pid <= 0 || !procutil.SameProcess(pid, ticks) {
		return m.pids.remove(p.InstanceID)
	}

	log := m.logger.WithFields(zap.String("instance_id", p.InstanceID), zap.Int("pid", pid))
	if err := m.signalGroup(pid, unix.SIGTERM); err != nil {
		log.Debug("SIGTERM failed", zap.Error(err))
	}
	if !m.waitExit(ctx, pid, m.cfg.GracePeriod) {
		log.Warn("process did not exit after SIGTERM, sending SIGKILL")
		_ = m.signalGroup(pid, unix.SIGKILL)
		if !m.waitExit(context.Background(), pid, killWait) {
			return fmt.Errorf("%w: pid %d survived SIGKILL", agenterr.ErrResourceUnavailable, pid)
		}
	}
	log.Info("native process stopped")
	return m.pids.remove(p.InstanceID)
}

func (m *NativeManager) signalGroup(pid int, sig unix.Signal) error {
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	err := unix.Kill(pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// waitExit polls until pid is gone, d elapses, or ctx is done.
func (m *NativeManager) waitExit(ctx context.Context, pid int, d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(stopPollInterval)
	defer tick.Stop()
	for {
		if !procutil.Alive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !procutil.Alive(pid)
		case <-deadline.C:
			return !procutil.Alive(pid)
		case <-tick.C:
		}
	}
}

// Alive reports whether the recorded process still exists.
func (m *NativeManager) Alive(_ context.Context, p Process) (bool, error) {
	pid, ticks := p.PID, p.StartTicks
	if rec, err := m.pids.read(p.InstanceID); err == nil && rec != nil {
		pid, ticks = rec.PID, rec.StartTicks
	}
	if pid <= 0 {
		return false, nil
	}
	return procutil.SameProcess(pid, ticks), nil
}

// Logs returns the last lines of the instance's log file.
func (m *NativeManager) Logs(_ context.Context, p Process, lines int) ([]string, error) {
	path := p.LogPath
	if path == "" {
		path = filepath.Join(m.cfg.LogsDir, p.InstanceID+".log")
	}
	return tailFile(path, lines)
}

// Stats reports resident memory from /proc. CPU is left at zero.
func (m *NativeManager) Stats(_ context.Context, p Process) (*v1.AgentMetrics, error) {
	if p.PID <= 0 || !procutil.Alive(p.PID) {
		return nil, fmt.Errorf("%w: process %d not running", agenterr.ErrResourceUnavailable, p.PID)
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", p.PID))
	if err != nil {
		return &v1.AgentMetrics{}, nil
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return &v1.AgentMetrics{}, nil
	}
	pages, _ := strconv.ParseInt(fields[1], 10, 64)
	rss := float64(pages*int64(os.Getpagesize())) / (1024 * 1024)
	return &v1.AgentMetrics{MemoryMB: rss}, nil
}

// Status is a PID file record with its liveness.
type Status struct {
	Process
	Running bool `json:"running"`
}

// List returns every recorded native instance.
func (m *NativeManager) List() ([]Status, error) {
	procs, err := m.pids.list()
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(procs))
	for _, p := range procs {
		out = append(out, Status{Process: p, Running: procutil.SameProcess(p.PID, p.StartTicks)})
	}
	return out, nil
}

// ExecutablesInUse maps each live native instance to the binary it runs.
func (m *NativeManager) ExecutablesInUse() (map[string]string, error) {
	statuses, err := m.List()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, st := range statuses {
		if st.Running && st.Executable != "" {
			out[st.InstanceID] = st.Executable
		}
	}
	return out, nil
}

// Recorded returns the PID file record for instanceID, or nil.
func (m *NativeManager) Recorded(instanceID string) (*Process, error) {
	return m.pids.read(instanceID)
}

// buildEnv passes through only allowlisted variables from the daemon's
// environment, then adds the spec's own.
func (m *NativeManager) buildEnv(spec SpawnSpec, port int) []string {
	vars := map[string]string{}
	for _, key := range m.cfg.EnvAllowlist {
		if v, ok := os.LookupEnv(key); ok {
			vars[key] = v
		}
	}
	for k, v := range spec.Env {
		vars[k] = v
	}
	vars["CLAWDEN_INSTANCE_ID"] = spec.InstanceID
	if port > 0 {
		vars["CLAWDEN_PORT"] = strconv.Itoa(port)
	}
	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

func checkExecutable(path string) error {
	if path == "" {
		return fmt.Errorf("%w: no executable configured", agenterr.ErrNotInstalled)
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("binary path %q must be absolute", path)
	}
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s not found", agenterr.ErrNotInstalled, path)
		}
		return err
	}
	if !st.Mode().IsRegular() || st.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%w: %s is not an executable file", agenterr.ErrNotInstalled, path)
	}
	return nil
}
