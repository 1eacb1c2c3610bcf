package crew

import (
	"context"
	"fmt"
	"time"

	"github.com/RickZee/ai-team/internal/guardrail"
	"github.com/RickZee/ai-team/internal/llm"
	"github.com/RickZee/ai-team/internal/state"
)

const (
	// DefaultTaskRetries is the per-task attempt budget.
	DefaultTaskRetries = 3
	defaultTaskTimeout = 10 * time.Minute
)

// Task is one unit of work inside a crew.
type Task struct {
	ID             string
	Description    string
	Role           string
	ExpectedOutput string
	SchemaHint     string
	// DependsOn lists task ids whose committed outputs are inlined into
	// this task's context.
	DependsOn []string
	// Chain is the guardrail chain run over every attempt.
	Chain *guardrail.Chain
	// Decode coerces worker text into the declared artifact. Nil keeps
	// the raw text as the artifact.
	Decode func(text string) (any, error)
	// Execute replaces the worker invocation for tool-backed tasks
	// (e.g. running the test suite). It receives the committed results
	// of the dependencies.
	Execute func(ctx context.Context, deps map[string]*TaskResult) (artifact any, text string, err error)
	// MaxRetries caps attempts for this task; zero uses the crew
	// default.
	MaxRetries int
	Timeout    time.Duration
}

func (t *Task) retries(crewDefault int) int {
	if t.MaxRetries > 0 {
		return t.MaxRetries
	}
	if crewDefault > 0 {
		return crewDefault
	}
	return DefaultTaskRetries
}

func (t *Task) timeout() time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return defaultTaskTimeout
}

// TaskResult is one committed task output.
type TaskResult struct {
	TaskID   string
	Role     string
	Text     string
	Artifact any
	Attempts int
	Warnings []guardrail.Verdict
	Tokens   llm.TokenCounts
}

// Output is the merged result of a crew run.
type Output struct {
	Results  map[string]*TaskResult
	Warnings []guardrail.Verdict
	Tokens   llm.TokenCounts
}

// Artifact returns the typed artifact of a task, or nil.
func (o *Output) Artifact(taskID string) any {
	if r, ok := o.Results[taskID]; ok {
		return r.Artifact
	}
	return nil
}

// Files collects every []state.CodeFile artifact across the results in
// task order.
func (o *Output) Files(order []string) []state.CodeFile {
	var files []state.CodeFile
	for _, id := range order {
		r, ok := o.Results[id]
		if !ok {
			continue
		}
		switch a := r.Artifact.(type) {
		case []state.CodeFile:
			files = append(files, a...)
		case *state.CodeFile:
			if a != nil {
				files = append(files, *a)
			}
		case state.CodeFile:
			files = append(files, a)
		}
	}
	return files
}

// Error is a structured crew failure identifying the offending task
// and, when a guardrail caused it, the verdict.
type Error struct {
	Crew    string
	TaskID  string
	Verdict *guardrail.Verdict
	Err     error
}

func (e *Error) Error() string {
	if e.Verdict != nil {
		return fmt.Sprintf("crew %s task %s: guardrail %s: %s", e.Crew, e.TaskID, e.Verdict.Category, e.Verdict.Message)
	}
	return fmt.Sprintf("crew %s task %s: %v", e.Crew, e.TaskID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Critical reports whether the failure was a critical guardrail
// verdict.
func (e *Error) Critical() bool {
	return e.Verdict != nil && e.Verdict.Severity == guardrail.SeverityCritical
}

// BudgetExhausted reports whether the task ran out of retry budget.
func (e *Error) BudgetExhausted() bool {
	return e.Verdict != nil && e.Verdict.RetryAllowed
}
