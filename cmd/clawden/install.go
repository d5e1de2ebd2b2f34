package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codervisor/clawden/internal/agent/install"
	"github.com/codervisor/clawden/internal/agent/process"
	"github.com/codervisor/clawden/internal/audit"
	"github.com/codervisor/clawden/internal/runtime"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

func (a *app) installer(opts ...install.Option) *install.Installer {
	return install.NewInstaller(install.ConfigFrom(a.cfg), a.catalog, a.log, opts...)
}

// auditedInstaller is the installer for commands that change the install
// tree. It audits to the shared log and refuses to remove versions that
// native instances are running.
func (a *app) auditedInstaller() (*install.Installer, func(), error) {
	auditLog, err := audit.Open(a.cfg.Audit.Path, a.log)
	if err != nil {
		return nil, nil, err
	}
	native := process.NewNativeManager(process.NativeConfigFrom(a.cfg), a.log)
	inst := a.installer(install.WithRecorder(auditLog), install.WithUsage(native))
	return inst, func() { _ = auditLog.Close() }, nil
}

func newInstallCmd(a *app) *cobra.Command {
	var spec install.Spec
	cmd := &cobra.Command{
		Use:   "install <runtime>",
		Short: "Install a runtime version into the local runtimes directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Runtime = runtime.Name(args[0])
			inst, done, err := a.auditedInstaller()
			if err != nil {
				return err
			}
			defer done()
			rec, err := inst.Install(cmd.Context(), spec)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.render(cmd.OutOrStdout(), rec, nil, nil)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s %s at %s\n", rec.Runtime, rec.Version, rec.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&spec.Version, "version", "", "version to install (default latest)")
	cmd.Flags().StringVar(&spec.Source, "source", "", "artifact URL or local path overriding the catalog")
	cmd.Flags().StringVar(&spec.Checksum, "checksum", "", "expected BLAKE3 hex digest of the artifact")
	return cmd
}

func newUninstallCmd(a *app) *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "uninstall <runtime>",
		Short: "Remove an installed runtime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, done, err := a.auditedInstaller()
			if err != nil {
				return err
			}
			defer done()
			if err := inst.Uninstall(cmd.Context(), runtime.Name(args[0]), version); err != nil {
				return err
			}
			if !a.jsonOutput {
				fmt.Fprintf(cmd.OutOrStdout(), "uninstalled %s\n", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "remove only this version")
	return cmd
}

func newInstalledCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "installed",
		Short: "List installed runtime versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			recs, err := a.installer().List()
			if err != nil {
				return err
			}
			if recs == nil {
				recs = []v1.InstallRecord{}
			}
			rows := make([][]string, 0, len(recs))
			for _, r := range recs {
				rows = append(rows, []string{r.Runtime, r.Version, shortSum(r.Checksum), r.InstalledAt.Format("2006-01-02 15:04:05"), r.Path})
			}
			return a.render(cmd.OutOrStdout(), recs, []string{"RUNTIME", "VERSION", "CHECKSUM", "INSTALLED", "PATH"}, rows)
		},
	}
}

// runtimeRow is one line of `clawden runtimes`.
type runtimeRow struct {
	runtime.Descriptor
	Installed string `json:"installed,omitempty"`
}

func newRuntimesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "runtimes",
		Short: "List the runtimes clawden knows how to manage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			inst := a.installer()
			var out []runtimeRow
			var rows [][]string
			for _, d := range a.catalog.List() {
				r := runtimeRow{Descriptor: d}
				if cur, err := inst.Current(d.Name); err == nil && cur != nil {
					r.Installed = cur.Version
				}
				out = append(out, r)

				modes := make([]string, len(d.Modes))
				for i, m := range d.Modes {
					modes[i] = string(m)
				}
				rows = append(rows, []string{
					string(d.Name), d.Language, string(d.Method), strings.Join(modes, ","),
					strings.Join(d.Capabilities, ","), fmt.Sprint(d.CostTier), orDash(r.Installed),
				})
			}
			return a.render(cmd.OutOrStdout(), out, []string{"NAME", "LANGUAGE", "METHOD", "MODES", "CAPABILITIES", "COST", "INSTALLED"}, rows)
		},
	}
}

func shortSum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return orDash(sum)
}
