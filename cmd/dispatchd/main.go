package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/AltairaLabs/DispatchKit/logger"
	"github.com/AltairaLabs/DispatchKit/version"
)

var rootCmd = &cobra.Command{
	Use:           "dispatchd",
	Short:         "DispatchKit - chat-fronted sandbox task orchestrator",
	Version:       version.GetVersion(),
	SilenceUsage:  true,
	SilenceErrors: false,
	Long: `dispatchd bridges a Slack workspace and Azure Container Instances:
mentions and /claude slash commands become sandboxed assistant tasks, with
progress, clarifying questions, and results flowing back into the
originating thread over Redis pub/sub.

Running dispatchd without a subcommand starts the orchestrator.`,
	// The verbose flag takes effect before any subcommand runs; serve
	// later folds it into the full logging configuration.
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		if cmd.Flags().Changed("verbose") {
			verbose, _ := cmd.Flags().GetBool("verbose")
			logger.SetVerbose(verbose)
		}
	},
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose debug logging")
	rootCmd.SetVersionTemplate(version.GetVersionInfo() + "\n")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// cobra already printed the error
		os.Exit(1)
	}
}
