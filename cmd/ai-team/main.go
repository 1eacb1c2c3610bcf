// Package main implements the ai-team CLI: an autonomous delivery
// pipeline that takes a project description through intake, planning,
// development, testing and deployment with LLM-backed workers.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath overrides the default config file location.
	configPath string
	version    = "dev"
)

// Exit codes form the CLI contract: 0 complete, 2 awaiting human
// feedback, 3 fatal error, 4 cancelled, 5 configuration error.
const (
	exitOK            = 0
	exitAwaitingHuman = 2
	exitFatal         = 3
	exitCancelled     = 4
	exitConfig        = 5
)

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit %d", e.code)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", ee.err)
			}
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ai-team",
	Short: "Autonomous software delivery with an LLM-backed team",
	Long: `ai-team drives a project description through a five-phase delivery
pipeline: intake, planning, development, testing and deployment. Each
phase is executed by role-bound workers (product owner, architect,
developers, devops, QA) behind guardrails, with run state persisted so
interrupted runs can be resumed.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/ai-team/config.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(respondCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(healthCmd)
}
