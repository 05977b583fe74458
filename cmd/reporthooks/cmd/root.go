// Package cmd provides the CLI commands for the reporthooks service.
package cmd

import (
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "reporthooks",
	Short: "Report completion webhook service",
	Long: `reporthooks receives signed completion callbacks from the research
job runner, applies them to report records, and replays failed
deliveries.`,
	SilenceUsage: true,
}

// Execute runs the root command. It is called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

// NewRootCmd creates a fresh command tree, for tests.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "reporthooks",
		Short:        rootCmd.Short,
		Long:         rootCmd.Long,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSweepCmd())
	cmd.AddCommand(newSecretCmd())

	return cmd
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSweepCmd())
	rootCmd.AddCommand(newSecretCmd())
}
