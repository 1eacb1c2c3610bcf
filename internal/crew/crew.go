// Package crew executes an ordered DAG of tasks through role-bound
// workers under one of two policies: strictly sequential, or
// coordinated with bounded concurrency for independent tasks. Each
// task's guardrail chain gates its output; failing verdicts with retry
// budget left re-invoke the worker with the verdict as feedback.
package crew

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/RickZee/ai-team/internal/guardrail"
	"github.com/RickZee/ai-team/internal/logging"
	"github.com/RickZee/ai-team/internal/state"
	"github.com/RickZee/ai-team/internal/worker"
)

// Policy selects how the crew schedules its tasks.
type Policy int

const (
	// Sequential executes tasks one at a time in topological order.
	Sequential Policy = iota
	// Coordinated lets independent tasks run concurrently under the
	// coordinator's assignment, bounded by MaxConcurrent.
	Coordinated
)

// Config wires a crew.
type Config struct {
	Name    string
	Policy  Policy
	Workers []*worker.Worker
	// Coordinator is required for the Coordinated policy.
	Coordinator *worker.Worker
	// MaxConcurrent bounds parallel worker invocations; zero means 2.
	MaxConcurrent int
	// MaxRetries is the default per-task attempt budget.
	MaxRetries int
	Logger     *logging.Logger
}

// Crew owns its tasks and worker handles. Workers hold no reference
// back.
type Crew struct {
	name        string
	policy      Policy
	workers     map[string]*worker.Worker
	coordinator *worker.Worker
	tasks       []Task
	maxParallel int
	maxRetries  int
	logger      *logging.Logger

	// busy serializes each worker: one active task per worker.
	busy map[string]*sync.Mutex
}

// New validates the task DAG and builds a crew.
func New(cfg Config, tasks []Task) (*Crew, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("crew name is empty")
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("crew %s: no tasks", cfg.Name)
	}
	if cfg.Policy == Coordinated && cfg.Coordinator == nil {
		return nil, fmt.Errorf("crew %s: coordinated policy needs a coordinator", cfg.Name)
	}
	workers := map[string]*worker.Worker{}
	busy := map[string]*sync.Mutex{}
	for _, w := range cfg.Workers {
		workers[w.Role().Name] = w
		busy[w.Role().Name] = &sync.Mutex{}
	}
	ids := map[string]int{}
	for i, t := range tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("crew %s: task %d has no id", cfg.Name, i)
		}
		if _, dup := ids[t.ID]; dup {
			return nil, fmt.Errorf("crew %s: duplicate task id %s", cfg.Name, t.ID)
		}
		ids[t.ID] = i
		if t.Execute == nil {
			if _, ok := workers[t.Role]; !ok {
				return nil, fmt.Errorf("crew %s: task %s needs role %s, not in crew", cfg.Name, t.ID, t.Role)
			}
		}
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := ids[dep]; !ok {
				return nil, fmt.Errorf("crew %s: task %s depends on unknown task %s", cfg.Name, t.ID, dep)
			}
		}
	}
	if _, err := topoSort(tasks); err != nil {
		return nil, fmt.Errorf("crew %s: %w", cfg.Name, err)
	}
	maxParallel := cfg.MaxConcurrent
	if maxParallel <= 0 {
		maxParallel = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Crew{
		name:        cfg.Name,
		policy:      cfg.Policy,
		workers:     workers,
		coordinator: cfg.Coordinator,
		tasks:       tasks,
		maxParallel: maxParallel,
		maxRetries:  cfg.MaxRetries,
		logger:      logger.Named("crew").With(zap.String("crew", cfg.Name)),
		busy:        busy,
	}, nil
}

// Name returns the crew name.
func (c *Crew) Name() string { return c.name }

// TaskOrder returns task ids in declaration order.
func (c *Crew) TaskOrder() []string {
	order := make([]string, len(c.tasks))
	for i, t := range c.tasks {
		order[i] = t.ID
	}
	return order
}

// topoSort orders tasks so dependencies come first, refusing cycles.
func topoSort(tasks []Task) ([]*Task, error) {
	byID := map[string]*Task{}
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	mark := map[string]int{}
	var order []*Task
	var visit func(id string) error
	visit = func(id string) error {
		switch mark[id] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle through task %s", id)
		}
		mark[id] = visiting
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		mark[id] = done
		order = append(order, byID[id])
		return nil
	}
	// Stable order: declaration order drives traversal.
	for i := range tasks {
		if err := visit(tasks[i].ID); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Kickoff executes the crew over a read-only state snapshot. It
// fails fast on the first critical verdict or exhausted budget.
func (c *Crew) Kickoff(ctx context.Context, snapshot *state.ProjectState) (*Output, error) {
	ordered, err := topoSort(c.tasks)
	if err != nil {
		return nil, &Error{Crew: c.name, Err: err}
	}
	switch c.policy {
	case Coordinated:
		return c.runCoordinated(ctx, snapshot, ordered)
	default:
		return c.runSequential(ctx, snapshot, ordered)
	}
}

func (c *Crew) runSequential(ctx context.Context, snapshot *state.ProjectState, ordered []*Task) (*Output, error) {
	out := &Output{Results: map[string]*TaskResult{}}
	for _, t := range ordered {
		result, err := c.runTask(ctx, snapshot, t, out.Results)
		if err != nil {
			return nil, err
		}
		c.commit(out, result)
	}
	return out, nil
}

// runCoordinated schedules independent tasks concurrently. The
// coordinator's assignment decision is logged per task; results are
// committed under a lock so dependents observe fully committed
// dependencies only.
func (c *Crew) runCoordinated(ctx context.Context, snapshot *state.ProjectState, ordered []*Task) (*Output, error) {
	out := &Output{Results: map[string]*TaskResult{}}
	var mu sync.Mutex

	completed := map[string]chan struct{}{}
	for _, t := range ordered {
		completed[t.ID] = make(chan struct{})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxParallel)

	for _, t := range ordered {
		t := t
		c.logger.Info(ctx, "coordinator assignment",
			zap.String("task_id", t.ID),
			zap.String("assigned_role", t.Role),
			zap.String("coordinator", c.coordinator.Role().Name),
			zap.Strings("depends_on", t.DependsOn),
		)
		g.Go(func() error {
			for _, dep := range t.DependsOn {
				select {
				case <-completed[dep]:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			mu.Lock()
			deps := make(map[string]*TaskResult, len(out.Results))
			for k, v := range out.Results {
				deps[k] = v
			}
			mu.Unlock()

			result, err := c.runTask(gctx, snapshot, t, deps)
			if err != nil {
				return err
			}
			mu.Lock()
			c.commit(out, result)
			mu.Unlock()
			close(completed[t.ID])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Crew) commit(out *Output, r *TaskResult) {
	out.Results[r.TaskID] = r
	out.Warnings = append(out.Warnings, r.Warnings...)
	out.Tokens.In += r.Tokens.In
	out.Tokens.Out += r.Tokens.Out
}

// runTask drives one task to commit or structured failure, consuming
// its retry budget on recoverable guardrail verdicts.
func (c *Crew) runTask(ctx context.Context, snapshot *state.ProjectState, t *Task, deps map[string]*TaskResult) (*TaskResult, error) {
	taskCtx, cancel := context.WithTimeout(ctx, t.timeout())
	defer cancel()

	if t.Execute != nil {
		return c.runToolTask(taskCtx, t, deps)
	}

	w := c.workers[t.Role]
	lock := c.busy[t.Role]

	budget := t.retries(c.maxRetries)
	var feedback []string
	var lastVerdict *guardrail.Verdict

	for attempt := 1; attempt <= budget; attempt++ {
		inv := worker.Invocation{
			TaskID:         t.ID,
			Description:    t.Description,
			ExpectedOutput: t.ExpectedOutput,
			SchemaHint:     t.SchemaHint,
			Context:        dependencyContext(t, deps),
			Feedback:       feedback,
		}

		lock.Lock()
		wout, err := w.Invoke(taskCtx, inv)
		lock.Unlock()
		if err != nil {
			return nil, &Error{Crew: c.name, TaskID: t.ID, Err: err}
		}

		var artifact any = wout.Text
		var shapeErr error
		if t.Decode != nil {
			artifact, shapeErr = t.Decode(wout.Text)
		}

		verdictInput := &guardrail.Input{
			Role:          t.Role,
			Text:          wout.Text,
			Artifact:      artifact,
			ShapeErr:      shapeErr,
			State:         snapshot,
			Attempt:       attempt,
			Iteration:     wout.Iterations,
			MaxIterations: w.MaxIterations(),
		}
		var chainResult guardrail.ChainResult
		if t.Chain != nil {
			chainResult = t.Chain.Run(taskCtx, verdictInput)
		} else if shapeErr != nil {
			v := guardrail.Failf("shape", guardrail.SeverityWarning, true,
				"output does not parse: %v", shapeErr)
			chainResult.Failure = &v
		}

		if chainResult.OK() {
			c.logger.Info(taskCtx, "task committed",
				zap.String("task_id", t.ID),
				zap.Int("attempt", attempt),
				zap.Int("warnings", len(chainResult.Warnings)),
			)
			return &TaskResult{
				TaskID:   t.ID,
				Role:     t.Role,
				Text:     wout.Text,
				Artifact: artifact,
				Attempts: attempt,
				Warnings: chainResult.Warnings,
				Tokens:   wout.Tokens,
			}, nil
		}

		lastVerdict = chainResult.Failure
		c.logger.Warn(taskCtx, "task attempt rejected",
			zap.String("task_id", t.ID),
			zap.Int("attempt", attempt),
			zap.String("guardrail", chainResult.FailedBy),
			zap.String("category", lastVerdict.Category),
			zap.String("message", lastVerdict.Message),
		)
		if !chainResult.Retryable() || lastVerdict.Severity == guardrail.SeverityCritical && !lastVerdict.RetryAllowed {
			return nil, &Error{Crew: c.name, TaskID: t.ID, Verdict: lastVerdict}
		}
		feedback = append(feedback, lastVerdict.Message)
	}
	return nil, &Error{Crew: c.name, TaskID: t.ID, Verdict: lastVerdict}
}

// runToolTask executes a non-LLM task; tool failures are not retried
// here, the flow classifies them.
func (c *Crew) runToolTask(ctx context.Context, t *Task, deps map[string]*TaskResult) (*TaskResult, error) {
	artifact, text, err := t.Execute(ctx, deps)
	if err != nil {
		return nil, &Error{Crew: c.name, TaskID: t.ID, Err: err}
	}
	result := &TaskResult{TaskID: t.ID, Role: t.Role, Text: text, Artifact: artifact, Attempts: 1}
	if t.Chain != nil {
		chainResult := t.Chain.Run(ctx, &guardrail.Input{
			Role:     t.Role,
			Text:     text,
			Artifact: artifact,
		})
		if !chainResult.OK() {
			return nil, &Error{Crew: c.name, TaskID: t.ID, Verdict: chainResult.Failure}
		}
		result.Warnings = chainResult.Warnings
	}
	return result, nil
}

// dependencyContext inlines committed dependency outputs, task text
// first, in declared order.
func dependencyContext(t *Task, deps map[string]*TaskResult) []string {
	var ctx []string
	for _, dep := range t.DependsOn {
		if r, ok := deps[dep]; ok {
			ctx = append(ctx, r.Text)
		}
	}
	return ctx
}

// Roles returns the crew's worker role names, sorted.
func (c *Crew) Roles() []string {
	roles := make([]string, 0, len(c.workers))
	for r := range c.workers {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

// Workers exposes the worker handles for metrics flushing.
func (c *Crew) Workers() []*worker.Worker {
	out := make([]*worker.Worker, 0, len(c.workers))
	for _, r := range c.Roles() {
		out = append(out, c.workers[r])
	}
	return out
}
