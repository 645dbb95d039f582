package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "overseer",
	Short: "Supervise coding agents on behalf of remote users",
	Long: `overseer accepts natural-language instructions, runs a coding agent CLI
(claude or codex) for each one, watches its output for truncation and
holds sensitive actions such as force pushes for human approval.

Running 'overseer' without a subcommand is equivalent to 'overseer serve'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(initCmd)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to overseer.json config file (default: search up directory tree)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (default: from config)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
