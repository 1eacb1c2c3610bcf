package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ToolCall is one directed tool invocation parsed from model output.
type ToolCall struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

var toolBlock = regexp.MustCompile("(?s)```tool\\s*\\n(.*?)```")

// extractToolCall finds the first tool block in text. It returns the
// parsed call and the text with the block removed, or nil when the
// model produced a plain answer.
func extractToolCall(text string) (*ToolCall, string) {
	m := toolBlock.FindStringSubmatchIndex(text)
	if m == nil {
		return nil, text
	}
	var call ToolCall
	if err := json.Unmarshal([]byte(text[m[2]:m[3]]), &call); err != nil || call.Tool == "" {
		// Malformed block: treat as prose.
		return nil, text
	}
	rest := text[:m[0]] + text[m[1]:]
	return &call, rest
}

func (w *Worker) toolNames() []string {
	var names []string
	if w.tools.Files != nil {
		names = append(names, "read_file", "write_file", "list_files")
	}
	if w.tools.Sandbox != nil {
		names = append(names, "run_code")
	}
	if w.tools.Tests != nil {
		names = append(names, "run_tests")
	}
	if w.tools.Vcs != nil {
		names = append(names, "git_status")
	}
	return names
}

// runTool dispatches a parsed call. Failures come back as text so the
// model can adjust; only the orchestration layers see typed errors.
func (w *Worker) runTool(ctx context.Context, call *ToolCall) string {
	switch call.Tool {
	case "read_file":
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil || w.tools.Files == nil {
			return toolError(call.Tool, err)
		}
		data, err := w.tools.Files.Read(ctx, args.Path)
		if err != nil {
			return toolError(call.Tool, err)
		}
		return string(data)

	case "write_file":
		var args struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil || w.tools.Files == nil {
			return toolError(call.Tool, err)
		}
		if err := w.tools.Files.Write(ctx, args.Path, []byte(args.Content)); err != nil {
			return toolError(call.Tool, err)
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path)

	case "list_files":
		var args struct {
			Dir string `json:"dir"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil || w.tools.Files == nil {
			return toolError(call.Tool, err)
		}
		paths, err := w.tools.Files.List(ctx, args.Dir)
		if err != nil {
			return toolError(call.Tool, err)
		}
		return strings.Join(paths, "\n")

	case "run_code":
		var args struct {
			Lang   string `json:"lang"`
			Source string `json:"source"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil || w.tools.Sandbox == nil {
			return toolError(call.Tool, err)
		}
		res, err := w.tools.Sandbox.Execute(ctx, args.Lang, args.Source, 30*time.Second, nil)
		if err != nil {
			return toolError(call.Tool, err)
		}
		return fmt.Sprintf("exit %d\nstdout:\n%s\nstderr:\n%s", res.ExitCode, res.Stdout, res.Stderr)

	case "run_tests":
		var args struct {
			Tests  string `json:"tests"`
			Source string `json:"source"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil || w.tools.Tests == nil {
			return toolError(call.Tool, err)
		}
		run, err := w.tools.Tests.Run(ctx, args.Tests, args.Source)
		if err != nil {
			return toolError(call.Tool, err)
		}
		return fmt.Sprintf("passed=%d failed=%d errors=%d coverage=%.2f",
			run.Passed, run.Failed, run.Errors, run.Coverage)

	case "git_status":
		if w.tools.Vcs == nil {
			return toolError(call.Tool, nil)
		}
		status, err := w.tools.Vcs.Status(ctx)
		if err != nil {
			return toolError(call.Tool, err)
		}
		return status

	default:
		return fmt.Sprintf("error: unknown tool %q", call.Tool)
	}
}

func toolError(tool string, err error) string {
	if err == nil {
		return fmt.Sprintf("error: tool %s is not available to this role", tool)
	}
	return fmt.Sprintf("error: %s: %v", tool, err)
}
