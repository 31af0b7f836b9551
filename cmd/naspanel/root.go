package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "/etc/nas-panel/naspanel.yaml"

func newRootCommand() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:          "naspanel",
		Short:        "Scheduled jobs and process orchestration for the NAS panel",
		SilenceUsage: true,
		// serve is the default command
		RunE: func(cmd *cobra.Command, _ []string) error { return runServe(cmd.Context(), cfgPath) },
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath, "path to the config file (json or yaml)")

	root.AddCommand(newServeCommand(&cfgPath))
	root.AddCommand(newJobsCommand(&cfgPath))
	root.AddCommand(newCronCommand())
	return root
}
