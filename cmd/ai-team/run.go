package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/RickZee/ai-team/internal/flow"
	"github.com/RickZee/ai-team/internal/state"
)

var descriptionFile string

const timeRound = time.Second

var runCmd = &cobra.Command{
	Use:   "run [description]",
	Short: "Start a delivery run from a project description",
	Long: `Start a new delivery run. The description comes from the argument,
from --file, or from stdin when the argument is "-".

Exit codes: 0 run complete, 2 suspended awaiting human feedback (answer
with "ai-team respond"), 3 fatal error, 4 cancelled, 5 configuration
error.

Examples:
  ai-team run "Build a REST API for a todo list with tests"
  ai-team run --file brief.md
  cat brief.md | ai-team run -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&descriptionFile, "file", "", "read the project description from a file")
}

func runRun(cmd *cobra.Command, args []string) error {
	description, err := readDescription(args)
	if err != nil {
		return configError(err)
	}

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := rt.flow.Run(ctx, description)
	if err != nil {
		return &exitError{code: exitFatal, err: err}
	}
	return reportOutcome(out)
}

var resumeCmd = &cobra.Command{
	Use:   "resume <project-id>",
	Short: "Resume an interrupted run from its last snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out, err := rt.flow.Resume(ctx, args[0])
		if err != nil {
			return &exitError{code: exitFatal, err: err}
		}
		return reportOutcome(out)
	},
}

var respondCmd = &cobra.Command{
	Use:   "respond <project-id> <response...>",
	Short: "Answer a suspended run's feedback request and continue it",
	Long: `Answer the feedback request of a run parked in AWAITING_HUMAN and
drive it onward. The response may pick one of the offered options
(e.g. "retry", "abort"), approve with "proceed", or be a free-form
clarification that refines the project brief.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out, err := rt.flow.Respond(ctx, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return &exitError{code: exitFatal, err: err}
		}
		return reportOutcome(out)
	},
}

func readDescription(args []string) (string, error) {
	if descriptionFile != "" {
		data, err := os.ReadFile(descriptionFile)
		if err != nil {
			return "", fmt.Errorf("read description file: %w", err)
		}
		return string(data), nil
	}
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read description from stdin: %w", err)
		}
		return string(data), nil
	}
	return args[0], nil
}

// reportOutcome prints the terminal result and maps it to the exit
// code contract.
func reportOutcome(out *flow.RunOutcome) error {
	fmt.Printf("Project:  %s\n", out.ProjectID)
	fmt.Printf("Phase:    %s\n", out.Phase)
	fmt.Printf("Files:    %d\n", out.Files)
	fmt.Printf("Duration: %s\n", out.Duration.Round(timeRound))

	switch out.Phase {
	case state.PhaseComplete:
		fmt.Println("Run complete.")
		return nil
	case state.PhaseAwaitingHuman:
		fmt.Println("\nRun suspended awaiting human feedback:")
		if out.Request != nil {
			data, err := json.MarshalIndent(out.Request, "", "  ")
			if err == nil {
				fmt.Println(string(data))
			}
			fmt.Printf("\nAnswer with: ai-team respond %s <response>\n", out.ProjectID)
		}
		return &exitError{code: exitAwaitingHuman}
	}

	if out.Cancelled {
		fmt.Println("Run cancelled.")
		return &exitError{code: exitCancelled}
	}
	code := exitFatal
	if out.Kind == flow.KindConfiguration {
		code = exitConfig
	}
	fmt.Printf("Run failed: %s (see failure_report.json in the run directory)\n", out.Kind)
	return &exitError{code: code}
}
