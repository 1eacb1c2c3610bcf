package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/RickZee/ai-team/internal/config"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status [project-id]",
	Short: "Show run status",
	Long: `Without arguments, list all known runs. With a project id, print
that run's summary: phase, file and error counts, retry counters, and
the open feedback request when suspended.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit machine-readable JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if len(args) == 0 {
		ids, err := rt.store.List()
		if err != nil {
			return &exitError{code: exitFatal, err: err}
		}
		if statusJSON {
			data, _ := json.MarshalIndent(ids, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		if len(ids) == 0 {
			fmt.Println("No runs found.")
			return nil
		}
		for _, id := range ids {
			st, err := rt.store.Load(id)
			if err != nil {
				fmt.Printf("%s  (unreadable: %v)\n", id, err)
				continue
			}
			fmt.Printf("%s  %-14s  files=%d errors=%d\n", id, st.Phase, len(st.Files), len(st.Errors))
		}
		return nil
	}

	st, err := rt.store.Load(args[0])
	if err != nil {
		return &exitError{code: exitFatal, err: err}
	}
	summary := st.Summary()
	if statusJSON {
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return &exitError{code: exitFatal, err: err}
		}
		fmt.Println(string(data))
		return nil
	}
	fmt.Printf("Project:     %s\n", st.ProjectID)
	fmt.Printf("Phase:       %s\n", st.Phase)
	fmt.Printf("Started:     %s\n", st.StartedAt.Format(time.RFC3339))
	if st.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", st.CompletedAt.Format(time.RFC3339))
	}
	fmt.Printf("Files:       %d\n", len(st.Files))
	fmt.Printf("Errors:      %d\n", len(st.Errors))
	fmt.Printf("Transitions: %d\n", len(st.Transitions))
	for phase, n := range st.Retries {
		fmt.Printf("Retries:     %s=%d\n", phase, n)
	}
	if sf, ok := summary["suspended_from"]; ok {
		fmt.Printf("Suspended:   from %v\n", sf)
	}
	return nil
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the Ollama server and the configured role models",
	Long: `Verify the Ollama server is reachable and that every model bound to
a delivery role is actually served. A missing model is a configuration
error (exit 5): the run would fail as soon as that role is invoked.`,
	RunE: runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	served, err := rt.client.ListModels(ctx)
	if err != nil {
		return &exitError{code: exitConfig, err: fmt.Errorf("ollama unreachable: %w", err)}
	}
	available := map[string]bool{}
	for _, m := range served {
		available[m] = true
	}

	var missing []string
	for _, role := range config.DeliveryRoles() {
		model := rt.cfg.RoleModel(role)
		mark := "ok"
		if !available[model] {
			mark = "MISSING"
			missing = append(missing, fmt.Sprintf("%s (%s)", model, role))
		}
		fmt.Printf("%-20s %-24s %s\n", role, model, mark)
	}
	if len(missing) > 0 {
		return &exitError{code: exitConfig,
			err: fmt.Errorf("models not served by ollama: %v", missing)}
	}
	fmt.Println("All role models are served.")
	return nil
}
