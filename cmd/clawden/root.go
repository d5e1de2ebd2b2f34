package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codervisor/clawden/internal/common/config"
	"github.com/codervisor/clawden/internal/common/logger"
	"github.com/codervisor/clawden/internal/runtime"
)

// app carries what every command needs once flags are parsed.
type app struct {
	configPath string
	jsonOutput bool

	cfg     *config.Config
	log     *logger.Logger
	catalog *runtime.Catalog
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "clawden",
		Short:         "Run and supervise claw agent runtimes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "directory holding config.yaml")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "print JSON instead of tables")

	root.AddCommand(
		newServeCmd(a),
		newInstallCmd(a),
		newUninstallCmd(a),
		newInstalledCmd(a),
		newRuntimesCmd(a),
		newPsCmd(a),
		newLogsCmd(a),
		newAuditCmd(a),
	)
	return root
}

func (a *app) init() error {
	cfg, err := config.LoadWithPath(a.configPath)
	if err != nil {
		return err
	}
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)

	catalog, err := runtime.Builtin()
	if err != nil {
		return fmt.Errorf("failed to load runtime catalog: %w", err)
	}
	a.cfg, a.log, a.catalog = cfg, log, catalog
	return nil
}
