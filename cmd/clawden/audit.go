package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/codervisor/clawden/internal/audit"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

func newAuditCmd(a *app) *cobra.Command {
	var (
		filter  audit.Filter
		outcome string
		since   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Outcome = v1.Outcome(outcome)
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			evs, err := audit.QueryFile(a.cfg.Audit.Path, filter)
			if err != nil {
				return err
			}
			if evs == nil {
				evs = []v1.AuditEvent{}
			}
			rows := make([][]string, 0, len(evs))
			for _, ev := range evs {
				rows = append(rows, []string{
					ev.Timestamp.Local().Format(time.RFC3339), ev.Actor, ev.Action, ev.Target,
					string(ev.Outcome), orDash(ev.Reason),
				})
			}
			return a.render(cmd.OutOrStdout(), evs, []string{"TIME", "ACTOR", "ACTION", "TARGET", "OUTCOME", "REASON"}, rows)
		},
	}
	cmd.Flags().StringVar(&filter.Actor, "actor", "", "only events by this actor")
	cmd.Flags().StringVar(&filter.Action, "action", "", "only this action, e.g. agent.start")
	cmd.Flags().StringVar(&filter.Target, "target", "", "only events on this target")
	cmd.Flags().StringVar(&outcome, "outcome", "", "success or failure")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this, e.g. 1h")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 50, "keep the most recent n events, 0 for all")
	return cmd
}
