// Package install places runtime binaries under the clawden root. Installs
// are serialized by an advisory file lock, staged in a temp directory,
// validated, then swapped into place with renames so a crash never leaves a
// half-written version behind the current pointer.
package install

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/mod/semver"
	"golang.org/x/sync/errgroup"

	"github.com/codervisor/clawden/internal/agent/agenterr"
	"github.com/codervisor/clawden/internal/audit"
	"github.com/codervisor/clawden/internal/common/config"
	"github.com/codervisor/clawden/internal/common/logger"
	"github.com/codervisor/clawden/internal/events"
	"github.com/codervisor/clawden/internal/events/bus"
	"github.com/codervisor/clawden/internal/runtime"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

const (
	// Latest is the version alias that always refetches.
	Latest      = "latest"
	currentLink = "current"
	lockFile    = ".install.lock"
	tmpMarker   = ".tmp-"
)

// Config locates the install tree.
type Config struct {
	// Root holds one directory per runtime.
	Root            string
	DownloadsDir    string
	LockWait        time.Duration
	LockPoll        time.Duration
	DownloadTimeout time.Duration
}

// ConfigFrom derives the installer configuration from the daemon config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Root:            cfg.Paths.RuntimesDir(),
		DownloadsDir:    cfg.Paths.DownloadsDir(),
		LockWait:        cfg.Install.LockWait(),
		LockPoll:        cfg.Install.LockPoll(),
		DownloadTimeout: cfg.Install.DownloadTimeout(),
	}
}

// Spec requests one install.
type Spec struct {
	Runtime runtime.Name
	Version string
	// Source overrides the catalog's source template: an https URL, a
	// file:// URL or a local path.
	Source string
	// Checksum is the expected BLAKE3 hex digest of the artifact.
	Checksum string
}

// UsageReporter lists the executables live instances are running, keyed by
// instance id.
type UsageReporter interface {
	ExecutablesInUse() (map[string]string, error)
}

// Installer manages the runtimes directory.
type Installer struct {
	cfg      Config
	catalog  *runtime.Catalog
	client   *http.Client
	eventBus bus.EventBus
	recorder audit.Recorder
	usage    UsageReporter
	logger   *logger.Logger
}

// Option customizes an Installer.
type Option func(*Installer)

// WithHTTPClient replaces the download client.
func WithHTTPClient(c *http.Client) Option {
	return func(i *Installer) { i.client = c }
}

// WithEventBus publishes install events on b.
func WithEventBus(b bus.EventBus) Option {
	return func(i *Installer) { i.eventBus = b }
}

// WithRecorder audits installs and uninstalls to r.
func WithRecorder(r audit.Recorder) Option {
	return func(i *Installer) { i.recorder = r }
}

// WithUsage makes Uninstall refuse to remove a version u reports in use.
func WithUsage(u UsageReporter) Option {
	return func(i *Installer) { i.usage = u }
}

// NewInstaller creates an Installer rooted at cfg.Root.
func NewInstaller(cfg Config, catalog *runtime.Catalog, log *logger.Logger, opts ...Option) *Installer {
	if cfg.LockWait <= 0 {
		cfg.LockWait = 30 * time.Second
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 5 * time.Minute
	}
	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = filepath.Join(filepath.Dir(cfg.Root), "cache", "downloads")
	}
	i := &Installer{
		cfg:     cfg,
		catalog: catalog,
		client:  &http.Client{Timeout: cfg.DownloadTimeout},
		logger:  log.WithFields(zap.String("component", "installer")),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Root returns the runtimes directory.
func (i *Installer) Root() string { return i.cfg.Root }

// NormalizeVersion canonicalizes a semantic version ("1.2" becomes "v1.2.0").
// An empty version means Latest.
func NormalizeVersion(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" || strings.EqualFold(v, Latest) {
		return Latest, nil
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", fmt.Errorf("invalid version %q", v)
	}
	return semver.Canonical(v), nil
}

func (i *Installer) runtimeDir(rt runtime.Name) string {
	return filepath.Join(i.cfg.Root, string(rt))
}

// Install fetches, validates and activates one runtime version. Installing a
// version that is already present with the same checksum is a no-op.
func (i *Installer) Install(ctx context.Context, spec Spec) (*v1.InstallRecord, error) {
	rec, err := i.install(ctx, spec)
	reason := ""
	if rec != nil {
		reason = "installed " + rec.Version
	}
	i.audit(ctx, "runtime.install", string(spec.Runtime), err, reason)
	return rec, err
}

func (i *Installer) install(ctx context.Context, spec Spec) (*v1.InstallRecord, error) {
	version, err := NormalizeVersion(spec.Version)
	if err != nil {
		return nil, err
	}
	source := spec.Source
	if source == "" && i.catalog != nil {
		if d, ok := i.catalog.Get(spec.Runtime); ok {
			source = d.SourceURL(version)
		} else {
			return nil, fmt.Errorf("%w: %s", agenterr.ErrUnknownRuntime, spec.Runtime)
		}
	}
	if source == "" {
		return nil, fmt.Errorf("no install source for runtime %s", spec.Runtime)
	}

	log := i.logger.WithRuntime(string(spec.Runtime)).WithFields(zap.String("version", version))
	rtDir := i.runtimeDir(spec.Runtime)
	if err := os.MkdirAll(rtDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create runtime dir: %w", err)
	}

	lock, err := acquireLock(ctx, filepath.Join(i.cfg.Root, lockFile), i.cfg.LockWait, i.cfg.LockPoll)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.release() }()

	i.cleanOrphans(rtDir)

	finalDir := filepath.Join(rtDir, version)
	existing, _ := readRecord(finalDir)
	if existing != nil && version != Latest && (spec.Checksum == "" || checksumEqual(existing.Checksum, spec.Checksum)) {
		log.Info("runtime already installed")
		if err := swapCurrent(rtDir, version); err != nil {
			return nil, err
		}
		return existing, nil
	}

	artifact, err := i.fetch(ctx, source, version == Latest)
	if err != nil {
		return nil, err
	}
	sum, err := FileChecksum(artifact)
	if err != nil {
		return nil, fmt.Errorf("failed to checksum artifact: %w", err)
	}
	if spec.Checksum != "" && !checksumEqual(sum, spec.Checksum) {
		return nil, fmt.Errorf("%w: checksum mismatch: expected %s, got %s", agenterr.ErrInstallValidationFailed, spec.Checksum, sum)
	}
	if existing != nil && checksumEqual(existing.Checksum, sum) {
		log.Info("runtime unchanged")
		if err := swapCurrent(rtDir, version); err != nil {
			return nil, err
		}
		return existing, nil
	}

	staging, err := os.MkdirTemp(rtDir, "."+version+tmpMarker)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()

	rel, err := unpack(artifact, kindOf(source), staging, string(spec.Runtime))
	if err != nil {
		return nil, err
	}
	if err := validateExecutable(filepath.Join(staging, rel)); err != nil {
		return nil, err
	}

	rec := &v1.InstallRecord{
		Runtime:     string(spec.Runtime),
		Version:     version,
		Path:        finalDir,
		Executable:  filepath.Join(finalDir, rel),
		Checksum:    sum,
		InstalledAt: time.Now().UTC(),
	}
	if err := writeRecord(staging, rec); err != nil {
		return nil, err
	}

	// Past this point the install is committed; cancellation is ignored.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := commitDir(staging, finalDir); err != nil {
		return nil, err
	}
	committed = true
	if err := swapCurrent(rtDir, version); err != nil {
		return nil, err
	}

	log.Info("runtime installed", zap.String("checksum", sum), zap.String("executable", rec.Executable))
	i.publish(context.WithoutCancel(ctx), events.RuntimeInstalled, rec)
	return rec, nil
}

// InstallAll installs specs concurrently. The file lock still serializes the
// critical section, so parallelism only overlaps downloads waiting on the lock.
func (i *Installer) InstallAll(ctx context.Context, specs []Spec) ([]*v1.InstallRecord, error) {
	out := make([]*v1.InstallRecord, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for idx, spec := range specs {
		g.Go(func() error {
			rec, err := i.Install(gctx, spec)
			if err != nil {
				return fmt.Errorf("install %s: %w", spec.Runtime, err)
			}
			out[idx] = rec
			return nil
		})
	}
	return out, g.Wait()
}

// Uninstall removes one version, or every version when version is empty. A
// version that a live instance is executing from is kept.
func (i *Installer) Uninstall(ctx context.Context, rt runtime.Name, version string) error {
	err := i.uninstall(ctx, rt, version)
	reason := "removed all versions"
	if version != "" {
		reason = "removed " + version
	}
	i.audit(ctx, "runtime.uninstall", string(rt), err, reason)
	return err
}

func (i *Installer) uninstall(ctx context.Context, rt runtime.Name, version string) error {
	rtDir := i.runtimeDir(rt)
	if _, err := os.Stat(rtDir); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", agenterr.ErrNotInstalled, rt)
	}

	lock, err := acquireLock(ctx, filepath.Join(i.cfg.Root, lockFile), i.cfg.LockWait, i.cfg.LockPoll)
	if err != nil {
		return err
	}
	defer func() { _ = lock.release() }()

	dir := rtDir
	if version != "" {
		v, err := NormalizeVersion(version)
		if err != nil {
			return err
		}
		dir = filepath.Join(rtDir, v)
		if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s %s", agenterr.ErrNotInstalled, rt, v)
		}
		version = v
	}
	if err := i.checkUnused(dir); err != nil {
		return fmt.Errorf("uninstall %s: %w", rt, err)
	}

	if version != "" {
		if target, _ := os.Readlink(filepath.Join(rtDir, currentLink)); target == version {
			_ = os.Remove(filepath.Join(rtDir, currentLink))
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}

	i.logger.Info("runtime uninstalled", zap.String("runtime", string(rt)), zap.String("version", version))
	i.publish(context.WithoutCancel(ctx), events.RuntimeUninstalled, &v1.InstallRecord{Runtime: string(rt), Version: version})
	return nil
}

// checkUnused fails with ErrAlreadyRunning when a live instance executes a
// binary under dir.
func (i *Installer) checkUnused(dir string) error {
	if i.usage == nil {
		return nil
	}
	inUse, err := i.usage.ExecutablesInUse()
	if err != nil {
		return fmt.Errorf("failed to list running instances: %w", err)
	}
	prefix := filepath.Clean(dir) + string(filepath.Separator)
	for id, exe := range inUse {
		if strings.HasPrefix(filepath.Clean(exe), prefix) {
			return fmt.Errorf("%w: instance %s executes %s", agenterr.ErrAlreadyRunning, id, exe)
		}
	}
	return nil
}

// List returns every installed version, sorted by runtime then version.
func (i *Installer) List() ([]v1.InstallRecord, error) {
	rtDirs, err := os.ReadDir(i.cfg.Root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []v1.InstallRecord
	for _, rd := range rtDirs {
		if !rd.IsDir() || strings.HasPrefix(rd.Name(), ".") {
			continue
		}
		versions, err := os.ReadDir(filepath.Join(i.cfg.Root, rd.Name()))
		if err != nil {
			continue
		}
		for _, vd := range versions {
			if !vd.IsDir() || strings.HasPrefix(vd.Name(), ".") {
				continue
			}
			rec, err := readRecord(filepath.Join(i.cfg.Root, rd.Name(), vd.Name()))
			if err != nil {
				continue
			}
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Runtime != out[b].Runtime {
			return out[a].Runtime < out[b].Runtime
		}
		return compareVersions(out[a].Version, out[b].Version) < 0
	})
	return out, nil
}

// Current returns the record the current pointer of rt resolves to.
func (i *Installer) Current(rt runtime.Name) (*v1.InstallRecord, error) {
	rtDir := i.runtimeDir(rt)
	target, err := os.Readlink(filepath.Join(rtDir, currentLink))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", agenterr.ErrNotInstalled, rt)
	}
	rec, err := readRecord(filepath.Join(rtDir, target))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", agenterr.ErrNotInstalled, rt, err)
	}
	return rec, nil
}

// Executable returns the absolute path of rt's current executable.
func (i *Installer) Executable(rt runtime.Name) (string, error) {
	rec, err := i.Current(rt)
	if err != nil {
		return "", err
	}
	if err := validateExecutable(rec.Executable); err != nil {
		return "", fmt.Errorf("%w: %v", agenterr.ErrNotInstalled, err)
	}
	return rec.Executable, nil
}

// cleanOrphans removes staging dirs left by an interrupted install.
func (i *Installer) cleanOrphans(rtDir string) {
	entries, err := os.ReadDir(rtDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") && (strings.Contains(name, tmpMarker) || strings.Contains(name, ".old-")) {
			i.logger.Info("removing orphaned install dir", zap.String("path", filepath.Join(rtDir, name)))
			_ = os.RemoveAll(filepath.Join(rtDir, name))
		}
	}
}

func (i *Installer) audit(ctx context.Context, action, target string, err error, reason string) {
	if i.recorder == nil {
		return
	}
	ev := audit.Event(action, target, err)
	if err == nil {
		ev.Reason = reason
	}
	if recErr := i.recorder.Record(ctx, ev); recErr != nil {
		i.logger.Error("failed to record audit event", zap.String("action", action), zap.Error(recErr))
	}
}

func (i *Installer) publish(ctx context.Context, eventType string, rec *v1.InstallRecord) {
	if i.eventBus == nil {
		return
	}
	evt := bus.NewEvent(eventType, "installer", map[string]any{
		"runtime":  rec.Runtime,
		"version":  rec.Version,
		"checksum": rec.Checksum,
	})
	if err := i.eventBus.Publish(ctx, events.RuntimeSubject(rec.Runtime), evt); err != nil {
		i.logger.Warn("failed to publish install event", zap.Error(err))
	}
}

// commitDir renames staging to final. An existing final dir is moved aside
// first and removed once the new one is in place.
func commitDir(staging, final string) error {
	if _, err := os.Stat(final); err == nil {
		old := filepath.Join(filepath.Dir(final), "."+filepath.Base(final)+".old-"+fmt.Sprint(time.Now().UnixNano()))
		if err := os.Rename(final, old); err != nil {
			return fmt.Errorf("failed to move previous install aside: %w", err)
		}
		if err := os.Rename(staging, final); err != nil {
			_ = os.Rename(old, final)
			return fmt.Errorf("failed to activate install: %w", err)
		}
		_ = os.RemoveAll(old)
		return nil
	}
	if err := os.Rename(staging, final); err != nil {
		return fmt.Errorf("failed to activate install: %w", err)
	}
	return nil
}

// swapCurrent points rtDir/current at version by renaming a fresh symlink over it.
func swapCurrent(rtDir, version string) error {
	link := filepath.Join(rtDir, currentLink)
	if target, err := os.Readlink(link); err == nil && target == version {
		return nil
	}
	tmp := filepath.Join(rtDir, fmt.Sprintf(".%s%s%d", currentLink, tmpMarker, time.Now().UnixNano()))
	if err := os.Symlink(version, tmp); err != nil {
		return fmt.Errorf("failed to create current link: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to swap current link: %w", err)
	}
	return nil
}

func compareVersions(a, b string) int {
	switch {
	case a == b:
		return 0
	case a == Latest:
		return 1
	case b == Latest:
		return -1
	}
	return semver.Compare(a, b)
}
