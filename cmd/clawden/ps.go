package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/codervisor/clawden/internal/agent/docker"
	"github.com/codervisor/clawden/internal/agent/lifecycle"
	"github.com/codervisor/clawden/internal/agent/process"
	"github.com/codervisor/clawden/internal/db"
	"github.com/codervisor/clawden/internal/runtime"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

// psRow is one line of `clawden ps`.
type psRow struct {
	ID       string           `json:"id"`
	Name     string           `json:"name,omitempty"`
	Runtime  string           `json:"runtime"`
	Mode     v1.ExecutionMode `json:"mode"`
	State    v1.AgentState    `json:"state,omitempty"`
	PID      int              `json:"pid,omitempty"`
	Alive    *bool            `json:"alive,omitempty"`
	Endpoint string           `json:"endpoint,omitempty"`
}

// records reads the fleet store without running migrations against a missing database.
func (a *app) records(ctx context.Context) ([]lifecycle.Persisted, error) {
	if a.cfg.Database.Driver == "sqlite" {
		if _, err := os.Stat(a.cfg.Database.Path); errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
	}
	pool, err := db.Open(a.cfg.Database)
	if err != nil {
		return nil, err
	}
	defer pool.Close()
	repo, err := lifecycle.NewSQLRepository(pool)
	if err != nil {
		return nil, err
	}
	return repo.List(ctx)
}

func (a *app) nativeManager() *process.NativeManager {
	return process.NewNativeManager(process.NativeConfigFrom(a.cfg), a.log)
}

func newPsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List managed instances and native process liveness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			persisted, err := a.records(cmd.Context())
			if err != nil {
				return err
			}
			statuses, err := a.nativeManager().List()
			if err != nil {
				return err
			}
			native := make(map[string]process.Status, len(statuses))
			for _, s := range statuses {
				native[s.InstanceID] = s
			}

			out := make([]psRow, 0, len(persisted)+len(statuses))
			for _, p := range persisted {
				r := psRow{
					ID:       p.Record.ID,
					Name:     p.Record.Name,
					Runtime:  p.Record.Runtime,
					Mode:     p.Record.Mode,
					State:    p.Record.State,
					PID:      p.Record.Locator.PID,
					Endpoint: p.Record.Locator.Endpoint,
				}
				if s, ok := native[r.ID]; ok {
					alive := s.Running
					r.Alive, r.PID = &alive, s.PID
					delete(native, r.ID)
				}
				out = append(out, r)
			}
			// PID files nobody owns any more.
			for _, s := range statuses {
				if _, ok := native[s.InstanceID]; !ok {
					continue
				}
				alive := s.Running
				out = append(out, psRow{
					ID:       s.InstanceID,
					Runtime:  string(s.Runtime),
					Mode:     s.Mode,
					PID:      s.PID,
					Alive:    &alive,
					Endpoint: s.Endpoint,
				})
			}

			rows := make([][]string, 0, len(out))
			for _, r := range out {
				pid, alive := "-", "-"
				if r.PID > 0 {
					pid = strconv.Itoa(r.PID)
				}
				if r.Alive != nil {
					alive = strconv.FormatBool(*r.Alive)
				}
				rows = append(rows, []string{r.ID, orDash(r.Name), r.Runtime, string(r.Mode), orDash(string(r.State)), pid, alive, orDash(r.Endpoint)})
			}
			return a.render(cmd.OutOrStdout(), out, []string{"ID", "NAME", "RUNTIME", "MODE", "STATE", "PID", "ALIVE", "ENDPOINT"}, rows)
		},
	}
}

func newLogsCmd(a *app) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs <instance>",
		Short: "Print the last lines of an instance's output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := a.locate(ctx, args[0])
			if err != nil {
				return err
			}

			var out []string
			switch p.Mode {
			case v1.ModeContainer:
				cli, err := docker.NewClient(a.cfg.Docker, a.log)
				if err != nil {
					return err
				}
				defer cli.Close()
				out, err = process.NewContainerManager(cli, a.cfg.Docker.Network, a.cfg.Process.StopGracePeriod(), a.log).Logs(ctx, p, lines)
				if err != nil {
					return err
				}
			case v1.ModeRemote:
				return fmt.Errorf("instance %s runs remotely at %s and keeps its own logs", p.InstanceID, p.Endpoint)
			default:
				if out, err = a.nativeManager().Logs(ctx, p, lines); err != nil {
					return err
				}
			}
			w := cmd.OutOrStdout()
			for _, l := range out {
				fmt.Fprintln(w, l)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 100, "number of lines to show")
	return cmd
}

// locate resolves an instance id or name to its process locator, falling back
// to the native PID file when the fleet store has no record.
func (a *app) locate(ctx context.Context, ref string) (process.Process, error) {
	persisted, err := a.records(ctx)
	if err != nil {
		return process.Process{}, err
	}
	for _, p := range persisted {
		if p.Record.ID == ref || p.Record.Name == ref {
			rec := p.Record
			return process.FromLocator(rec.ID, runtime.Name(rec.Runtime), rec.Mode, rec.Locator), nil
		}
	}
	if p, err := a.nativeManager().Recorded(ref); err == nil && p != nil {
		return *p, nil
	}
	return process.Process{}, fmt.Errorf("no instance named %q", ref)
}
