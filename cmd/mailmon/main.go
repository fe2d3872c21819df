package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	verboseFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "mailmon",
	Short: "mailmon - email delivery monitor",
	Long: `mailmon sends a uniquely tagged probe through an SMTP relay to every
configured mailbox, waits until the probe arrives (or lands in spam) and
reports the delivery time to Uptime Kuma.

The configuration file is given as an argument or through MAILMON_CONFIG.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mailmon %s\n", rootCmd.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(secretCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fatal("%v", err)
	}
}
