// Package worker implements the role-bound LLM invoker. A worker
// assembles its context from the role template, the task, dependency
// outputs, memory recall and prior guardrail feedback, calls the model
// with retry on transient failures, runs directed tool calls, and
// coerces the final text into the task's declared artifact.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/RickZee/ai-team/internal/llm"
	"github.com/RickZee/ai-team/internal/logging"
	"github.com/RickZee/ai-team/internal/memory"
	"github.com/RickZee/ai-team/internal/tools"
)

const (
	defaultMaxIterations = 5
	defaultMaxLLMRetries = 4
	defaultTemperature   = 0.7
	recallK              = 3

	backoffInitial = 1 * time.Second
	backoffCap     = 8 * time.Second
)

// Config wires one worker.
type Config struct {
	Role          Role
	ModelID       string
	Temperature   float64
	MaxIterations int
	MaxLLMRetries int
	// RetryBaseDelay is the first backoff interval; zero means 1s.
	// Tests shrink it.
	RetryBaseDelay time.Duration
	// MemoryScope prefixes recall/remember scope paths, normally the
	// project id.
	MemoryScope string
}

// Toolset is the capability subset a worker may use. Nil members are
// simply unavailable to the role.
type Toolset struct {
	Files   tools.FileStore
	Sandbox tools.Sandbox
	Tests   tools.TestRunner
	Vcs     tools.Vcs
}

// Invocation is one task attempt handed to the worker.
type Invocation struct {
	TaskID         string
	Description    string
	ExpectedOutput string
	// SchemaHint is the JSON shape the artifact must parse as.
	SchemaHint string
	// Context carries the outputs of dependency tasks, in order.
	Context []string
	// Feedback accumulates guardrail verdicts from failed attempts.
	Feedback []string
	// MemoryQuery overrides the recall query; empty uses the task
	// description.
	MemoryQuery string
}

// Output is the worker's raw product for one attempt.
type Output struct {
	Text       string
	Iterations int
	Tokens     llm.TokenCounts
}

// Worker is a role-bound invoker. Safe for use by one crew goroutine at
// a time per invocation; token accounting is internally synchronized.
type Worker struct {
	cfg    Config
	client llm.Client
	tools  Toolset
	mem    *memory.Service
	logger *logging.Logger

	mu     sync.Mutex
	tokens llm.TokenCounts
	fails  int
	calls  int
}

// New builds a worker. client is required; tools and memory may be
// zero-valued for roles that need neither.
func New(cfg Config, client llm.Client, ts Toolset, mem *memory.Service, logger *logging.Logger) (*Worker, error) {
	if client == nil {
		return nil, fmt.Errorf("worker %s: llm client is required", cfg.Role.Name)
	}
	if cfg.Role.Name == "" {
		return nil, fmt.Errorf("worker role name is empty")
	}
	if cfg.ModelID == "" {
		return nil, fmt.Errorf("worker %s: no model id bound", cfg.Role.Name)
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.MaxLLMRetries <= 0 {
		cfg.MaxLLMRetries = defaultMaxLLMRetries
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	if mem == nil {
		mem = memory.Noop()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Worker{
		cfg:    cfg,
		client: client,
		tools:  ts,
		mem:    mem,
		logger: logger.Named("worker").With(zap.String("role", cfg.Role.Name)),
	}, nil
}

// Role returns the worker's role descriptor.
func (w *Worker) Role() Role { return w.cfg.Role }

// ModelID returns the bound model.
func (w *Worker) ModelID() string { return w.cfg.ModelID }

// MaxIterations returns the inner tool-loop cap.
func (w *Worker) MaxIterations() int { return w.cfg.MaxIterations }

// SetMemoryScope rebinds the recall/remember scope, normally to the
// project id once a run starts. Call before any crew executes.
func (w *Worker) SetMemoryScope(scope string) { w.cfg.MemoryScope = scope }

// Usage returns accumulated token counts, invocation and failure
// totals for metrics flushing.
func (w *Worker) Usage() (tokens llm.TokenCounts, invocations, failures int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tokens, w.calls, w.fails
}

// Invoke runs one attempt: assemble messages, call the model with
// backoff on transient errors, execute directed tool calls, and return
// the final text. Shape coercion happens in the crew layer, which owns
// the expected artifact type.
func (w *Worker) Invoke(ctx context.Context, inv Invocation) (*Output, error) {
	messages, err := w.assemble(ctx, inv)
	if err != nil {
		return nil, err
	}

	out := &Output{}
	for out.Iterations = 1; out.Iterations <= w.cfg.MaxIterations; out.Iterations++ {
		resp, err := w.completeWithRetry(ctx, messages)
		if err != nil {
			w.mu.Lock()
			w.fails++
			w.mu.Unlock()
			return nil, err
		}
		w.mu.Lock()
		w.calls++
		w.tokens.In += resp.Tokens.In
		w.tokens.Out += resp.Tokens.Out
		w.mu.Unlock()
		out.Tokens.In += resp.Tokens.In
		out.Tokens.Out += resp.Tokens.Out

		call, rest := extractToolCall(resp.Text)
		if call == nil {
			out.Text = resp.Text
			return out, nil
		}

		result := w.runTool(ctx, call)
		w.logger.Debug(ctx, "tool call",
			zap.String("tool", call.Tool),
			zap.String("task_id", inv.TaskID),
			zap.Int("iteration", out.Iterations),
		)
		messages = append(messages,
			llm.Message{Role: "assistant", Content: resp.Text},
			llm.Message{Role: "user", Content: "Tool result for " + call.Tool + ":\n" + result},
		)
		// Text around the tool call is kept as the provisional answer
		// in case the cap cuts the loop.
		if strings.TrimSpace(rest) != "" {
			out.Text = rest
		}
	}
	w.logger.Warn(ctx, "iteration cap reached", zap.String("task_id", inv.TaskID))
	return out, nil
}

// assemble builds the message list from the role template, memory
// recall, dependency context, the task, and accumulated feedback.
func (w *Worker) assemble(ctx context.Context, inv Invocation) ([]llm.Message, error) {
	var system strings.Builder
	fmt.Fprintf(&system, "You are the %s.\nGoal: %s\n%s\n", w.cfg.Role.Name, w.cfg.Role.Goal, w.cfg.Role.Persona)
	if len(w.toolNames()) > 0 {
		fmt.Fprintf(&system, "\nYou may call tools by replying with a fenced block:\n```tool\n{\"tool\": \"<name>\", \"args\": {...}}\n```\nAvailable tools: %s.\nReply without a tool block when you are done.\n",
			strings.Join(w.toolNames(), ", "))
	}

	var user strings.Builder
	if w.mem.Enabled() {
		query := inv.MemoryQuery
		if query == "" {
			query = inv.Description
		}
		scope := w.cfg.MemoryScope + "/" + w.cfg.Role.Name
		records, err := w.mem.Recall(ctx, scope, query, recallK)
		if err != nil {
			// Memory failures degrade context, never the attempt.
			w.logger.Warn(ctx, "memory recall failed", zap.Error(err))
		}
		if len(records) > 0 {
			user.WriteString("Relevant context from earlier work:\n")
			for _, r := range records {
				fmt.Fprintf(&user, "- %s\n", r.Content)
			}
			user.WriteString("\n")
		}
	}
	for i, dep := range inv.Context {
		fmt.Fprintf(&user, "Input %d:\n%s\n\n", i+1, dep)
	}
	fmt.Fprintf(&user, "Task: %s\n", inv.Description)
	if inv.ExpectedOutput != "" {
		fmt.Fprintf(&user, "\nExpected output: %s\n", inv.ExpectedOutput)
	}
	if inv.SchemaHint != "" {
		fmt.Fprintf(&user, "\nRespond with JSON matching:\n%s\n", inv.SchemaHint)
	}
	for _, fb := range inv.Feedback {
		fmt.Fprintf(&user, "\nFeedback on your previous attempt, fix it:\n%s\n", fb)
	}

	return []llm.Message{
		{Role: "system", Content: system.String()},
		{Role: "user", Content: user.String()},
	}, nil
}

// completeWithRetry calls the model, retrying transient failures with
// exponential backoff (1s, 2s, 4s, 8s, capped).
func (w *Worker) completeWithRetry(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
	req := llm.Request{
		Role:        w.cfg.Role.Name,
		Messages:    messages,
		ModelID:     w.cfg.ModelID,
		Temperature: w.cfg.Temperature,
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.cfg.RetryBaseDelay
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = backoffInitial
	}
	policy.MaxInterval = backoffCap
	policy.Multiplier = 2
	policy.RandomizationFactor = 0

	var resp *llm.Response
	operation := func() error {
		r, err := w.client.Complete(ctx, req)
		if err != nil {
			if llm.IsTransient(err) {
				w.logger.Warn(ctx, "transient llm error, retrying", zap.Error(err))
				return err
			}
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}
	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(w.cfg.MaxLLMRetries)), ctx))
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", w.cfg.Role.Name, err)
	}
	return resp, nil
}

// Remember stores a produced artifact summary for later recall.
func (w *Worker) Remember(ctx context.Context, content string, importance float64) {
	if !w.mem.Enabled() || content == "" {
		return
	}
	scope := w.cfg.MemoryScope + "/" + w.cfg.Role.Name
	err := w.mem.Remember(ctx, scope, content, map[string]string{
		"importance": fmt.Sprintf("%.2f", importance),
	})
	if err != nil {
		w.logger.Warn(ctx, "memory write failed", zap.Error(err))
	}
}
