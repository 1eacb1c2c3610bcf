package crew

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/RickZee/ai-team/internal/guardrail"
	"github.com/RickZee/ai-team/internal/logging"
	"github.com/RickZee/ai-team/internal/state"
	"github.com/RickZee/ai-team/internal/tools"
	"github.com/RickZee/ai-team/internal/worker"
)

// Builder assembles the per-phase crews from a shared worker roster
// and guardrail options.
type Builder struct {
	Workers map[string]*worker.Worker
	// DangerousPatterns overrides the built-in code-safety rules.
	DangerousPatterns []guardrail.DangerousPattern
	CoverageThreshold float64
	QualityThreshold  float64
	DependencyBlock   []string
	MaxRetries        int
	MaxConcurrent     int
	TestRunner        tools.TestRunner
	Logger            *logging.Logger
}

func (b *Builder) worker(role string) *worker.Worker {
	return b.Workers[role]
}

func (b *Builder) roster(roles ...string) []*worker.Worker {
	var out []*worker.Worker
	for _, r := range roles {
		if w := b.worker(r); w != nil {
			out = append(out, w)
		}
	}
	return out
}

// securityChain is the guardrail prefix every code-producing task gets.
func (b *Builder) securityChain(name string) *guardrail.Chain {
	return guardrail.NewChain(name,
		guardrail.OutputShape{},
		guardrail.PathSecurity{},
		guardrail.NewCodeSafety(b.DangerousPatterns),
		guardrail.SecretDetection{},
	)
}

const requirementsSchema = `{"project_name": "...", "description": "...", "target_users": ["..."],
 "user_stories": [{"story_id": "US-1", "as_a": "...", "i_want": "...", "so_that": "...",
   "acceptance_criteria": [{"description": "...", "testable": true}], "priority": "Must have"}],
 "non_functional_requirements": [{"category": "...", "description": "...", "measurable": true}],
 "assumptions": ["..."], "constraints": ["..."], "confidence": 0.0}`

const architectureSchema = `{"system_overview": "...", "components": [{"name": "...", "responsibility": "..."}],
 "technology_stack": [{"name": "...", "category": "...", "justification": "..."}],
 "interfaces": [{"provider": "...", "consumer": "...", "contract_type": "...", "description": "..."}],
 "data_entities": ["..."], "deployment_topology": "...",
 "decisions": [{"title": "...", "status": "accepted", "context": "...", "decision": "...", "consequences": "..."}]}`

const fileSetSchema = `{"files": [{"path": "...", "content": "...", "language": "...", "kind": "source|test|config|doc", "deps": ["..."]}]}`

const reviewSchema = `{"score": 0.0, "summary": "...",
 "findings": [{"severity": "critical|high|medium|low", "path": "...", "line": 0, "message": "...", "suggestion": "..."}]}`

// Planning builds the planning crew: requirements, then architecture.
func (b *Builder) Planning() (*Crew, error) {
	tasks := []Task{
		{
			ID:   "requirements",
			Role: worker.RoleProductOwner.Name,
			Description: "Analyze the project description and produce the full requirements document: " +
				"project name, target users, at least 3 prioritized user stories with testable acceptance criteria, " +
				"non-functional requirements, assumptions and constraints. Report your confidence in [0,1]; " +
				"set needs_clarification and clarifying_note when the description is too vague to plan.",
			ExpectedOutput: "a Requirements JSON document",
			SchemaHint:     requirementsSchema,
			Decode:         decodeRequirements,
			Chain: guardrail.NewChain("requirements",
				guardrail.OutputShape{},
				guardrail.MinUserStories{Min: 3},
				guardrail.RoleAdherence{},
				guardrail.ScopeControl{MinRelevance: 0.2},
			),
		},
		{
			ID:   "architecture",
			Role: worker.RoleArchitect.Name,
			Description: "Design the system architecture for the requirements: components with responsibilities, " +
				"technology choices with justification, interfaces between components, data entities, " +
				"deployment topology, and decision records.",
			ExpectedOutput: "an Architecture JSON document",
			SchemaHint:     architectureSchema,
			DependsOn:      []string{"requirements"},
			Decode:         decodeArchitecture,
			Chain: guardrail.NewChain("architecture",
				guardrail.OutputShape{},
				guardrail.RoleAdherence{},
				guardrail.ScopeControl{MinRelevance: 0.2},
			),
		},
	}
	return New(Config{
		Name:       "planning",
		Policy:     Sequential,
		Workers:    b.roster(worker.RoleProductOwner.Name, worker.RoleArchitect.Name),
		MaxRetries: b.MaxRetries,
		Logger:     b.Logger,
	}, tasks)
}

// Development builds the development crew from the architecture:
// backend always, frontend only when the architecture declares one,
// devops always. Independent tasks run concurrently under the manager.
func (b *Builder) Development(snapshot *state.ProjectState, feedback string) (*Crew, error) {
	codeChain := b.securityChain("development").Append(
		guardrail.FileLength{},
		guardrail.FunctionLength{},
		guardrail.Docstrings{},
		guardrail.DependencyPolicy{Blocklist: b.DependencyBlock},
		guardrail.ArchitectureCompliance{},
		guardrail.RoleAdherence{},
	)

	describe := func(base string) string {
		if feedback != "" {
			return base + "\n\nThe previous iteration failed testing. Address this feedback precisely:\n" + feedback
		}
		return base
	}

	tasks := []Task{
		{
			ID:   "backend",
			Role: worker.RoleBackendDeveloper.Name,
			Description: describe("Implement the backend exactly as the architecture specifies: " +
				"source files, a dependency manifest, and configuration. Paths are relative to the project root."),
			ExpectedOutput: "a JSON file set with backend sources and manifest",
			SchemaHint:     fileSetSchema,
			Decode:         decodeFiles,
			Chain:          codeChain,
		},
	}
	if snapshot != nil && snapshot.Architecture.HasComponent("frontend") {
		tasks = append(tasks, Task{
			ID:   "frontend",
			Role: worker.RoleFrontendDeveloper.Name,
			Description: describe("Implement the user interface declared by the architecture, " +
				"wired to the backend API contract."),
			ExpectedOutput: "a JSON file set with frontend sources",
			SchemaHint:     fileSetSchema,
			Decode:         decodeFiles,
			Chain:          codeChain,
		})
	}
	tasks = append(tasks, Task{
		ID:   "devops",
		Role: worker.RoleDevops.Name,
		Description: describe("Produce development-time operations files for the system: " +
			"a Dockerfile, a compose file when more than one service exists, and an environment example."),
		ExpectedOutput: "a JSON file set with operations files",
		SchemaHint:     fileSetSchema,
		DependsOn:      []string{"backend"},
		Decode:         decodeFiles,
		Chain:          b.securityChain("devops").Append(guardrail.DependencyPolicy{Blocklist: b.DependencyBlock}),
	})

	return New(Config{
		Name:          "development",
		Policy:        Coordinated,
		Workers:       b.roster(worker.RoleBackendDeveloper.Name, worker.RoleFrontendDeveloper.Name, worker.RoleDevops.Name),
		Coordinator:   b.worker(worker.RoleManager.Name),
		MaxConcurrent: b.MaxConcurrent,
		MaxRetries:    b.MaxRetries,
		Logger:        b.Logger,
	}, tasks)
}

// Testing builds the sequential testing crew: generate tests, execute
// them, review the code.
func (b *Builder) Testing(snapshot *state.ProjectState) (*Crew, error) {
	sources := sourceListing(snapshot)

	tasks := []Task{
		{
			ID:   "generate_tests",
			Role: worker.RoleQAEngineer.Name,
			Description: "Write a test suite for the generated code below. Cover every route and edge case; " +
				"aim above the coverage threshold.\n\n" + sources,
			ExpectedOutput: "a JSON file set with test files",
			SchemaHint:     fileSetSchema,
			Decode:         decodeFiles,
			Chain:          b.securityChain("generate_tests").Append(guardrail.RoleAdherence{}),
		},
		{
			ID:        "execute_tests",
			DependsOn: []string{"generate_tests"},
			Execute:   b.executeTests(snapshot),
			Chain: guardrail.NewChain("execute_tests",
				guardrail.Coverage{Threshold: b.CoverageThreshold},
			),
		},
		{
			ID:        "review",
			Role:      worker.RoleQAEngineer.Name,
			DependsOn: []string{"generate_tests", "execute_tests"},
			Description: "Review the generated code for defects, style and security issues. " +
				"Score it 0-10 and list findings with severity.\n\n" + sources,
			ExpectedOutput: "a CodeReview JSON document",
			SchemaHint:     reviewSchema,
			Decode:         decodeReview,
			Chain: guardrail.NewChain("review",
				guardrail.OutputShape{},
				guardrail.QualityScore{Minimum: b.QualityThreshold},
			),
		},
	}
	return New(Config{
		Name:       "testing",
		Policy:     Sequential,
		Workers:    b.roster(worker.RoleQAEngineer.Name),
		MaxRetries: b.MaxRetries,
		Logger:     b.Logger,
	}, tasks)
}

// executeTests runs the generated suite through the configured runner.
// Without a runner the tests are statically accepted with the failure
// modes the flow can still catch in review.
func (b *Builder) executeTests(snapshot *state.ProjectState) func(context.Context, map[string]*TaskResult) (any, string, error) {
	return func(ctx context.Context, deps map[string]*TaskResult) (any, string, error) {
		if b.TestRunner == nil {
			return nil, "", fmt.Errorf("no test runner configured")
		}
		run, err := b.TestRunner.Run(ctx, "tests", ".")
		if err != nil {
			return nil, "", fmt.Errorf("execute tests: %w", err)
		}
		summary, _ := json.Marshal(run)
		return run, string(summary), nil
	}
}

// Deployment builds the sequential deployment crew: infrastructure
// design, packaging, documentation.
func (b *Builder) Deployment(snapshot *state.ProjectState) (*Crew, error) {
	tasks := []Task{
		{
			ID:   "infrastructure",
			Role: worker.RoleDevops.Name,
			Description: "Design the deployment for the system: container image, orchestration, " +
				"environment variables with safe defaults, and a CI pipeline outline.",
			ExpectedOutput: "a DeploymentBundle JSON document with dockerfile, docker_compose, ci_config and environment_variables",
			SchemaHint: `{"dockerfile": "...", "docker_compose": "...", "ci_config": "...",
 "environment_variables": {"KEY": "value"}, "documentation": "..."}`,
			Decode: decodeBundle,
			Chain:  b.securityChain("infrastructure"),
		},
		{
			ID:        "packaging",
			Role:      worker.RoleDevops.Name,
			DependsOn: []string{"infrastructure"},
			Description: "Materialize the deployment design as files: Dockerfile, compose file, " +
				"CI configuration, and .env.example.",
			ExpectedOutput: "a JSON file set with deployment files",
			SchemaHint:     fileSetSchema,
			Decode:         decodeFiles,
			Chain:          b.securityChain("packaging"),
		},
		{
			ID:        "documentation",
			Role:      worker.RoleDevops.Name,
			DependsOn: []string{"infrastructure", "packaging"},
			Description: "Write the operator documentation: how to build, configure, run and deploy the system, " +
				"as a README file set.",
			ExpectedOutput: "a JSON file set with documentation files",
			SchemaHint:     fileSetSchema,
			Decode:         decodeFiles,
			Chain: guardrail.NewChain("documentation",
				guardrail.OutputShape{},
				guardrail.PathSecurity{},
				guardrail.SecretDetection{},
			),
		},
	}
	return New(Config{
		Name:       "deployment",
		Policy:     Sequential,
		Workers:    b.roster(worker.RoleDevops.Name),
		MaxRetries: b.MaxRetries,
		Logger:     b.Logger,
	}, tasks)
}

// sourceListing renders the current files for prompt context, contents
// truncated per file.
func sourceListing(snapshot *state.ProjectState) string {
	if snapshot == nil || len(snapshot.Files) == 0 {
		return "(no files generated yet)"
	}
	var sb strings.Builder
	for _, f := range snapshot.Files {
		content := f.Content
		if len(content) > 4000 {
			content = content[:4000] + "\n... (truncated)"
		}
		fmt.Fprintf(&sb, "--- %s (%s) ---\n%s\n", f.Path, f.Language, content)
	}
	return sb.String()
}
