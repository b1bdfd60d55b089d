package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	enginerr "github.com/planrun/planrun/internal/errors"
	"github.com/planrun/planrun/internal/plan"
)

var validateCmd = &cobra.Command{
	Use:   "validate <plan-source>",
	Short: "Parse and validate a plan without executing it",
	Long: `Parse a plan source and report structural problems: dependency
cycles, references to undefined groups, and malformed annotations.
Exits non-zero if the plan is invalid.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	p, err := plan.ParseFile(args[0])
	if err != nil {
		var parseErr *enginerr.ParseError
		if enginerr.As(err, &parseErr) {
			return fmt.Errorf("invalid plan: %w", parseErr)
		}
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "plan %s is valid: %d groups, %d steps, %d waves\n",
		args[0], p.GroupCount(), p.StepCount(), len(p.Waves()))
	return nil
}
