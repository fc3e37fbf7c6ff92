// Package main provides nttctl, the operator CLI for the NTT orchestrator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "nttctl",
		Short:        "Operate the NTT deployment orchestrator",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("api", "", "orchestrator API base URL")
	root.PersistentFlags().Duration("timeout", 0, "request timeout")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	updateLimits := &cobra.Command{
		Use:   "update-limits <in> [out]",
		Short: "Set the flat transfer limits on a deployment file",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runUpdateLimits,
	}

	notifyFrontend := &cobra.Command{
		Use:   "notify-frontend <projectFile> <network> <tokenAddress>",
		Short: "Post a project file to the frontend API",
		Args:  cobra.ExactArgs(3),
		RunE:  runNotifyFrontend,
	}

	setMinter := &cobra.Command{
		Use:   "set-minter <projectFile>",
		Short: "Make each EVM chain's NTT manager the minter of its token",
		Args:  cobra.ExactArgs(1),
		RunE:  runSetMinter,
	}

	startTask := &cobra.Command{
		Use:   "start-task <taskName>",
		Short: "Submit a task through the API",
		Args:  cobra.ExactArgs(1),
		RunE:  runStartTask,
	}
	startTask.Flags().String("params", "", "task params as JSON")

	taskStatus := &cobra.Command{
		Use:   "task-status <callId>",
		Short: "Show the status of a call",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskStatus,
	}

	exportJobs := &cobra.Command{
		Use:   "export-jobs",
		Short: "Export completed and failed jobs of every queue",
		Args:  cobra.NoArgs,
		RunE:  runExportJobs,
	}
	exportJobs.Flags().String("format", "", "json or csv")

	root.AddCommand(updateLimits, notifyFrontend, setMinter, startTask, taskStatus, exportJobs)
	return root
}

func commandSettings(cmd *cobra.Command) (settings, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	return loadSettings(cfgFile, cmd.Flags())
}

func printf(cmd *cobra.Command, format string, args ...interface{}) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
