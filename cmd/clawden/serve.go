package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/codervisor/clawden/internal/agent/adapter"
	"github.com/codervisor/clawden/internal/agent/api"
	"github.com/codervisor/clawden/internal/agent/docker"
	"github.com/codervisor/clawden/internal/agent/health"
	"github.com/codervisor/clawden/internal/agent/install"
	"github.com/codervisor/clawden/internal/agent/lifecycle"
	"github.com/codervisor/clawden/internal/agent/process"
	"github.com/codervisor/clawden/internal/agent/recovery"
	"github.com/codervisor/clawden/internal/audit"
	"github.com/codervisor/clawden/internal/common/httpmw"
	"github.com/codervisor/clawden/internal/common/logger"
	"github.com/codervisor/clawden/internal/common/tracing"
	"github.com/codervisor/clawden/internal/db"
	"github.com/codervisor/clawden/internal/events"
	"github.com/codervisor/clawden/internal/events/bus"
	"github.com/codervisor/clawden/internal/metrics"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

const serverName = "clawden-api"

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane: API, health monitor and recovery engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg, log := a.cfg, a.log
	log.Info("Starting clawden...", zap.String("root", cfg.Paths.Root))

	// 1. Fleet store
	pool, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = pool.Close() }()
	repo, err := lifecycle.NewSQLRepository(pool)
	if err != nil {
		return err
	}
	log.Info("Opened fleet store", zap.String("driver", cfg.Database.Driver))

	// 2. Event bus: NATS when configured, in-process otherwise
	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = closeBus() }()
	eventBus := provided.Bus
	if provided.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	}

	// 3. Process backends; Docker is optional
	native := process.NewNativeManager(process.NativeConfigFrom(cfg), log)
	backends := process.Backends{v1.ModeNative: native}
	var images adapter.ImageStore
	if cfg.Docker.Enabled {
		cli, err := docker.NewClient(cfg.Docker, log)
		if err != nil {
			log.Warn("Docker unavailable, container mode disabled", zap.Error(err))
		} else {
			defer func() { _ = cli.Close() }()
			images = cli
			backends[v1.ModeContainer] = process.NewContainerManager(cli, cfg.Docker.Network, cfg.Process.StopGracePeriod(), log)
		}
	}

	// 4. Audit log, installer and runtime adapters
	auditLog, err := audit.Open(cfg.Audit.Path, log)
	if err != nil {
		return err
	}
	defer func() { _ = auditLog.Close() }()
	installer := install.NewInstaller(install.ConfigFrom(cfg), a.catalog, log,
		install.WithEventBus(eventBus),
		install.WithRecorder(auditLog),
		install.WithUsage(native))
	reg, err := adapter.NewBuiltinRegistry(cfg.Runtimes.Enabled, a.catalog, adapter.Deps{
		Backends:  backends,
		Installer: installer,
		Images:    images,
		Bus:       eventBus,
	}, log)
	if err != nil {
		return err
	}

	// 5. Metrics
	mt := metrics.New(nil)

	// 6. Lifecycle manager
	lm := lifecycle.NewManager(reg, repo, auditLog, eventBus, lifecycle.Options{
		DefaultMode:           v1.ExecutionMode(cfg.Process.DefaultMode),
		DegradedServesTraffic: cfg.Recovery.DegradedServesTraffic,
		InstancesDir:          filepath.Join(cfg.Paths.Root, "instances"),
		DockerProbe:           adapter.DockerProbe(images),
	}, log)
	lm.SetMetrics(mt)

	// 7. Health monitor and recovery engine
	table := health.NewTable()
	monitor := health.NewMonitor(lm, table, eventBus, health.ConfigFrom(cfg), log)
	monitor.SetMetrics(mt)
	engine := recovery.NewEngine(lm, table, eventBus, auditLog, recovery.ConfigFrom(cfg), log)
	engine.SetMetrics(mt)
	lm.SetHealthSource(table)
	lm.AddObserver(monitor)
	lm.AddObserver(engine)
	if err := engine.Start(); err != nil {
		return err
	}
	defer monitor.Stop()
	defer engine.Stop()

	// 8. Restore the fleet
	restored, err := lm.Load(ctx)
	if err != nil {
		return err
	}
	log.Info("Restored fleet", zap.Int("agents", restored))

	// 9. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), httpmw.OtelTracing(serverName), httpmw.RequestLogger(log, serverName))
	handler := api.SetupRoutes(router.Group("/api/v1"), lm, reg, auditLog, mt, log)
	router.GET("/health", handler.HealthCheck)

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 10. Run until signalled
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down clawden...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if watcher, err := install.NewWatcher(installer.Root(), log); err != nil {
		log.Warn("install watcher disabled", zap.Error(err))
	} else {
		g.Go(func() error { return watcher.Run(gctx) })
		g.Go(func() error {
			relayInstallChanges(gctx, watcher.Changes(), eventBus, log)
			return nil
		})
	}

	err = g.Wait()
	if terr := tracing.Shutdown(context.Background()); terr != nil {
		log.Warn("tracer shutdown failed", zap.Error(terr))
	}
	log.Info("clawden stopped")
	return err
}

// relayInstallChanges republishes current pointer moves made outside this
// process, such as `clawden install` run from another shell.
func relayInstallChanges(ctx context.Context, changes <-chan install.Change, eventBus bus.EventBus, log *logger.Logger) {
	for ch := range changes {
		eventType := events.RuntimeInstalled
		if ch.Version == "" {
			eventType = events.RuntimeUninstalled
		}
		log.Info("runtime changed on disk", zap.String("runtime", string(ch.Runtime)), zap.String("version", ch.Version))
		ev := bus.NewEvent(eventType, "install-watcher", map[string]any{
			"runtime": string(ch.Runtime),
			"version": ch.Version,
		})
		if err := eventBus.Publish(ctx, events.RuntimeSubject(string(ch.Runtime)), ev); err != nil {
			log.Warn("failed to publish runtime change", zap.Error(err))
		}
	}
}
