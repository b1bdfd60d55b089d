package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/planrun/planrun/internal/orchestrator"
	"github.com/planrun/planrun/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status <state-file>",
	Short: "Show the report for a persisted run",
	Long: `Render the per-group, per-step status report for a run's state
file. Works on both finished and in-flight runs; the state is read
without taking the run lock.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := state.Read(args[0])
	if err != nil {
		return err
	}
	orchestrator.NewReport(st).Render(cmd.OutOrStdout(), isTTY(os.Stdout))
	return nil
}
