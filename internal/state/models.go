package state

import "time"

// MoSCoW priority for user stories.
type Priority string

const (
	PriorityMust   Priority = "Must have"
	PriorityShould Priority = "Should have"
	PriorityCould  Priority = "Could have"
	PriorityWont   Priority = "Won't have (this time)"
)

// AcceptanceCriterion is a single testable condition on a user story.
type AcceptanceCriterion struct {
	Description string `json:"description"`
	Testable    bool   `json:"testable"`
}

// UserStory in "as a / I want / so that" form.
type UserStory struct {
	StoryID            string                `json:"story_id"`
	AsA                string                `json:"as_a"`
	IWant              string                `json:"i_want"`
	SoThat             string                `json:"so_that"`
	AcceptanceCriteria []AcceptanceCriterion `json:"acceptance_criteria"`
	Priority           Priority              `json:"priority"`
}

// NonFunctionalRequirement covers performance, security, and similar
// qualities with a measurable target where possible.
type NonFunctionalRequirement struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Measurable  bool   `json:"measurable"`
}

// Requirements is the Planning crew's first artifact.
type Requirements struct {
	ProjectName    string                     `json:"project_name"`
	Description    string                     `json:"description"`
	TargetUsers    []string                   `json:"target_users"`
	UserStories    []UserStory                `json:"user_stories"`
	NonFunctional  []NonFunctionalRequirement `json:"non_functional_requirements,omitempty"`
	Assumptions    []string                   `json:"assumptions,omitempty"`
	Constraints    []string                   `json:"constraints,omitempty"`
	Confidence     float64                    `json:"confidence"`
	NeedsClarity   bool                       `json:"needs_clarification,omitempty"`
	ClarifyingNote string                     `json:"clarifying_note,omitempty"`
}

// Component of the designed system.
type Component struct {
	Name           string `json:"name"`
	Responsibility string `json:"responsibility"`
}

// TechChoice records a technology pick with its justification.
type TechChoice struct {
	Name          string `json:"name"`
	Category      string `json:"category"`
	Justification string `json:"justification"`
}

// InterfaceContract describes an interaction between two components.
type InterfaceContract struct {
	Provider     string `json:"provider"`
	Consumer     string `json:"consumer"`
	ContractType string `json:"contract_type"`
	Description  string `json:"description"`
}

// DecisionRecord is a lightweight ADR.
type DecisionRecord struct {
	Title        string `json:"title"`
	Status       string `json:"status"`
	Context      string `json:"context"`
	Decision     string `json:"decision"`
	Consequences string `json:"consequences"`
}

// Architecture is the Planning crew's second artifact.
type Architecture struct {
	SystemOverview     string              `json:"system_overview"`
	Components         []Component         `json:"components"`
	TechnologyStack    []TechChoice        `json:"technology_stack"`
	Interfaces         []InterfaceContract `json:"interfaces,omitempty"`
	DataEntities       []string            `json:"data_entities,omitempty"`
	DeploymentTopology string              `json:"deployment_topology,omitempty"`
	Decisions          []DecisionRecord    `json:"decisions,omitempty"`
}

// HasComponent reports whether a component with the given name exists
// (case-sensitive prefix match is deliberate: "frontend" matches
// "frontend-web").
func (a *Architecture) HasComponent(name string) bool {
	if a == nil {
		return false
	}
	for _, c := range a.Components {
		if c.Name == name || hasFold(c.Name, name) {
			return true
		}
	}
	return false
}

// FileKind categorizes a generated file.
type FileKind string

const (
	FileKindSource FileKind = "source"
	FileKindTest   FileKind = "test"
	FileKindConfig FileKind = "config"
	FileKindDoc    FileKind = "doc"
)

// CodeFile is a single generated file.
type CodeFile struct {
	Path     string   `json:"path"`
	Content  string   `json:"content"`
	Language string   `json:"language"`
	Kind     FileKind `json:"kind"`
	Deps     []string `json:"deps,omitempty"`
}

// FailedCase is one failing test with its trace.
type FailedCase struct {
	Name  string `json:"name"`
	Trace string `json:"trace,omitempty"`
}

// FileCoverage is per-file coverage from a test run.
type FileCoverage struct {
	Path         string  `json:"path"`
	LineCoverage float64 `json:"line_coverage"`
}

// TestRun is the Testing crew's execution artifact.
type TestRun struct {
	Passed      int            `json:"passed"`
	Failed      int            `json:"failed"`
	Errors      int            `json:"errors"`
	Skipped     int            `json:"skipped"`
	Total       int            `json:"total"`
	Coverage    float64        `json:"coverage"`
	PerFile     []FileCoverage `json:"per_file,omitempty"`
	FailedCases []FailedCase   `json:"failed_cases,omitempty"`
	Output      string         `json:"output,omitempty"`
}

// Success reports whether the run had no failures or errors.
func (t *TestRun) Success() bool {
	return t != nil && t.Failed == 0 && t.Errors == 0
}

// DeploymentBundle is the Deployment crew's artifact.
type DeploymentBundle struct {
	Dockerfile    string            `json:"dockerfile,omitempty"`
	Compose       string            `json:"docker_compose,omitempty"`
	CIConfig      string            `json:"ci_config,omitempty"`
	EnvVars       map[string]string `json:"environment_variables,omitempty"`
	Documentation string            `json:"documentation,omitempty"`
}

// Transition is one edge taken by the run.
type Transition struct {
	From      Phase     `json:"from"`
	To        Phase     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// ErrorRecord is one classified error appended to the run.
type ErrorRecord struct {
	Phase       Phase     `json:"phase"`
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	Recoverable bool      `json:"recoverable"`
}
