package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"naspanel/internal/cronspec"
)

func newCronCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "cron <daily|weekly|monthly> <HH:MM> [day]",
		Short:   "Print the cron expression for a schedule descriptor",
		Example: "  naspanel cron weekly 02:00 monday\n  naspanel cron monthly 03:30 15",
		Args:    cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := cronspec.Descriptor{Frequency: cronspec.Frequency(args[0]), Time: args[1]}
			if len(args) == 3 {
				d.Day = args[2]
			}
			expr, err := d.Cron()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), expr)
			return nil
		},
	}
}
