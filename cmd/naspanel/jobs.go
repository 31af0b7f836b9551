package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"naspanel/internal/config"
	"naspanel/internal/cronspec"
	"naspanel/internal/jobstore"
	logx "naspanel/pkg/logx"
)

func newJobsCommand(cfgPath *string) *cobra.Command {
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect persisted jobs",
	}
	jobs.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List persisted jobs with their next run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(*cfgPath).Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			loc, err := cronspec.LoadLocation(cfg.Scheduler.Timezone)
			if err != nil {
				return fmt.Errorf("scheduler.timezone: %w", err)
			}
			list, err := jobstore.Open(cfg.Paths.WithDefaults().JobsFile, logx.Nop()).Load()
			if err != nil {
				return err
			}

			now := time.Now()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tSCHEDULE\tNEXT RUN\tLAST RUN")
			for _, j := range list {
				next := "invalid"
				if t, err := cronspec.Next(j.Schedule, loc, now); err == nil {
					next = t.Format(time.RFC3339)
				}
				last := "-"
				if j.LastRun != nil {
					last = j.LastRun.In(loc).Format(time.RFC3339)
				}
				kind := j.Kind
				if kind == "" {
					kind = "command"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", j.ID, j.Name, kind, j.Schedule, next, last)
			}
			return w.Flush()
		},
	})
	return jobs
}
