package main

import (
	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Attach to an existing study and evaluate trials",
	Long: `Like run, but fails if the study does not exist instead of creating it.
The stored parameter space is used; the space in the config is ignored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTuning(cmd, true)
	},
}

func init() {
	addWorkFlags(resumeCmd)
	rootCmd.AddCommand(resumeCmd)
}
