package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/planrun/planrun/internal/config"
	"github.com/planrun/planrun/internal/executor"
	"github.com/planrun/planrun/internal/isolation"
	"github.com/planrun/planrun/internal/logging"
	"github.com/planrun/planrun/internal/orchestrator"
	"github.com/planrun/planrun/internal/plan"
	"github.com/planrun/planrun/internal/runner"
	"github.com/planrun/planrun/internal/state"
)

var runCmd = &cobra.Command{
	Use:   "run <plan-source>",
	Short: "Execute a plan",
	Long: `Execute a work plan from a YAML or JSON source file.

Progress is persisted to a state file next to the plan source (override
with --state). A run interrupted by a crash or signal can be picked up
again with --resume <state-file>; steps found in progress are re-evaluated
per the configured resume policy, never assumed successful.

The process exits 0 only if every non-best-effort group completed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("resume", "", "resume from a persisted state file")
	runCmd.Flags().String("state", "", "state file path (default <plan-source>.state.json)")
	runCmd.Flags().Int("max-concurrency", 3, "bound on concurrently executing steps")
	runCmd.Flags().Bool("dry-run", false, "print the scheduling order without executing anything")
	_ = viper.BindPFlag("engine.max_concurrency", runCmd.Flags().Lookup("max-concurrency"))
}

// errPlanFailed signals a completed run whose plan did not succeed; the
// report has already been printed.
var errPlanFailed = errors.New("plan failed")

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	resumePath, _ := cmd.Flags().GetString("resume")
	statePath, _ := cmd.Flags().GetString("state")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	// Dry runs never touch persisted state: the schedule comes from a
	// lock-free read of the state file or a fresh parse of the source.
	if dryRun {
		var p *plan.ExecutionPlan
		switch {
		case resumePath != "":
			st, rerr := state.Read(resumePath)
			if rerr != nil {
				return fmt.Errorf("reading state file: %w", rerr)
			}
			p = st.Plan
		case len(args) == 1:
			p, err = plan.ParseFile(args[0])
			if err != nil {
				return err
			}
		default:
			return errors.New("a plan source is required unless --resume is given")
		}
		printSchedule(cmd.OutOrStdout(), p)
		return nil
	}

	var store *state.Store
	switch {
	case resumePath != "":
		store, err = state.Open(resumePath)
		if err != nil {
			return fmt.Errorf("opening state for resume: %w", err)
		}
		retry := cfg.Engine.ResumePolicy != config.ResumeFail
		affected, rerr := store.ResetInProgress(retry)
		if rerr != nil {
			store.Close()
			return fmt.Errorf("applying resume policy: %w", rerr)
		}
		if len(affected) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "resume: re-evaluated %d in-progress step(s): %s\n",
				len(affected), strings.Join(affected, ", "))
		}
	case len(args) == 1:
		p, perr := plan.ParseFile(args[0])
		if perr != nil {
			return perr
		}
		if statePath == "" {
			statePath = args[0] + ".state.json"
		}
		store, err = state.Create(p, statePath)
		if err != nil {
			return fmt.Errorf("creating state file: %w", err)
		}
	default:
		return errors.New("a plan source is required unless --resume is given")
	}
	defer store.Close()

	logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Close()

	iso, err := isolation.NewManager(isolation.Config{
		Root:           filepath.Join(cfg.Isolation.WorkspaceRoot, store.Plan().ID),
		TemplateDir:    cfg.Isolation.TemplateDir,
		Slots:          cfg.Isolation.WorkspaceSlots,
		PortRangeStart: cfg.Isolation.PortRangeStart,
		PortRangeEnd:   cfg.Isolation.PortRangeEnd,
		PortsPerLease:  cfg.Isolation.PortsPerLease,
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exec := executor.NewSubprocess(cfg.Executor.Command, cfg.Executor.UseMarker, logger)
	orch := orchestrator.New(store, iso, exec, orchestrator.Options{
		MaxConcurrency: cfg.Engine.MaxConcurrency,
		StepTimeout:    cfg.Engine.StepTimeout,
		Policy: runner.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Backoff:     cfg.Retry.Backoff,
		},
		Events: &progressEvents{out: cmd.OutOrStdout()},
		Logger: logger,
	})

	report, err := orch.Execute(ctx)
	if err != nil {
		return err
	}

	report.Render(cmd.OutOrStdout(), isTTY(os.Stdout))
	if !report.Success {
		report.RenderFailures(os.Stderr, isTTY(os.Stderr))
		return errPlanFailed
	}
	return nil
}

// printSchedule writes the dependency-ordered scheduling waves for a
// dry run. No leases are acquired and no executor is invoked.
func printSchedule(w io.Writer, p *plan.ExecutionPlan) {
	name := p.Name
	if name == "" {
		name = p.ID
	}
	fmt.Fprintf(w, "Plan %s: %d groups, %d steps\n", name, p.GroupCount(), p.StepCount())
	for i, wave := range p.Waves() {
		fmt.Fprintf(w, "  wave %d:\n", i+1)
		for _, id := range wave {
			g := p.Group(id)
			mode := "sequential"
			if g.Parallel {
				mode = "parallel"
			}
			fmt.Fprintf(w, "    %s (%s, %d steps)\n", id, mode, len(g.Steps))
		}
	}
}

func isTTY(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// progressEvents prints one line per lifecycle event. Step callbacks fire
// from worker goroutines, so writes are serialized.
type progressEvents struct {
	orchestrator.NopEvents
	mu  sync.Mutex
	out io.Writer
}

func (e *progressEvents) OnGroupStarted(g *plan.StepGroup) {
	e.printf("group %s started\n", g.ID)
}

func (e *progressEvents) OnGroupFinished(g *plan.StepGroup, status plan.GroupStatus) {
	e.printf("group %s %s\n", g.ID, status)
}

func (e *progressEvents) OnStepFinished(step *plan.StepDefinition, res runner.StepResult) {
	if res.Status == plan.StepCompleted {
		e.printf("  step %s completed (%d attempt(s))\n", step.ID, res.Attempts)
		return
	}
	e.printf("  step %s %s: %s\n", step.ID, res.Status, res.Message)
}

func (e *progressEvents) printf(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintf(e.out, format, args...)
}
