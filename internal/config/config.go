// Package config provides configuration loading for ai-team.
package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/RickZee/ai-team/internal/flow"
	"github.com/RickZee/ai-team/internal/guardrail"
	"github.com/RickZee/ai-team/internal/llm"
	"github.com/RickZee/ai-team/internal/logging"
	"github.com/RickZee/ai-team/internal/worker"
)

// Config is the full ai-team configuration tree. Field values come
// from, in order of increasing precedence: built-in defaults, the YAML
// config file, environment variables.
type Config struct {
	Logging    logging.Config   `koanf:"logging"`
	Ollama     llm.OllamaConfig `koanf:"ollama"`
	Models     ModelsConfig     `koanf:"models"`
	Memory     MemoryConfig     `koanf:"memory"`
	Run        RunConfig        `koanf:"run"`
	Workspace  WorkspaceConfig  `koanf:"workspace"`
	Guardrails GuardrailsConfig `koanf:"guardrails"`
}

// ModelsConfig binds delivery roles to model ids. A role without an
// explicit entry uses Default.
type ModelsConfig struct {
	Default string            `koanf:"default"`
	Roles   map[string]string `koanf:"roles"`
}

// MemoryConfig controls the associative and relational memory stores.
type MemoryConfig struct {
	Enabled bool `koanf:"enabled"`
	// EmbedModel is the Ollama embedding model for associative recall.
	EmbedModel string `koanf:"embed_model"`
	// MetricsPath is the sqlite file for cross-run metrics; empty
	// disables relational memory.
	MetricsPath string `koanf:"metrics_path"`
	// HalfLife controls recency decay in recall ranking.
	HalfLife time.Duration `koanf:"half_life"`
}

// RunConfig carries the per-run thresholds and budgets.
type RunConfig struct {
	MaxRetries          int           `koanf:"max_retries"`
	CoverageThreshold   float64       `koanf:"coverage_threshold"`
	QualityThreshold    float64       `koanf:"quality_threshold"`
	ConfidenceThreshold float64       `koanf:"confidence_threshold"`
	DescriptionMaxLen   int           `koanf:"description_max_len"`
	MaxConcurrent       int           `koanf:"max_concurrent"`
	BreakerThreshold    int           `koanf:"breaker_threshold"`
	FeedbackTimeout     time.Duration `koanf:"feedback_timeout"`
	FeedbackDefault     string        `koanf:"feedback_default"`
}

// WorkspaceConfig locates run state and generated files on disk.
type WorkspaceConfig struct {
	// PersistDir holds run snapshots, transition logs and failure
	// reports.
	PersistDir string `koanf:"persist_dir"`
	// OutputDir is where generated project files are materialized;
	// empty keeps them in state only.
	OutputDir string `koanf:"output_dir"`
	// ExtraRoots are additional directories tools may touch.
	ExtraRoots []string `koanf:"extra_roots"`
}

// PatternConfig is one configured code-safety rule.
type PatternConfig struct {
	ID          string `koanf:"id"`
	Description string `koanf:"description"`
	Pattern     string `koanf:"pattern"`
	Critical    bool   `koanf:"critical"`
}

// GuardrailsConfig tunes the guardrail chains.
type GuardrailsConfig struct {
	// DependencyBlocklist names packages generated manifests must not
	// pull in.
	DependencyBlocklist []string `koanf:"dependency_blocklist"`
	// DangerousPatterns replaces the built-in code-safety table when
	// non-empty.
	DangerousPatterns []PatternConfig `koanf:"dangerous_patterns"`
}

// deliveryRoles are the role names model bindings are validated
// against.
var deliveryRoles = []string{
	worker.RoleManager.Name,
	worker.RoleProductOwner.Name,
	worker.RoleArchitect.Name,
	worker.RoleBackendDeveloper.Name,
	worker.RoleFrontendDeveloper.Name,
	worker.RoleDevops.Name,
	worker.RoleQAEngineer.Name,
}

// DeliveryRoles returns the role names a complete run needs models for.
func DeliveryRoles() []string {
	out := make([]string, len(deliveryRoles))
	copy(out, deliveryRoles)
	return out
}

// RoleModel resolves the model id for a role, falling back to the
// default binding.
func (c *Config) RoleModel(role string) string {
	if id, ok := c.Models.Roles[role]; ok && id != "" {
		return id
	}
	return c.Models.Default
}

// RoleModels returns the fully resolved role to model table.
func (c *Config) RoleModels() map[string]string {
	out := make(map[string]string, len(deliveryRoles))
	for _, role := range deliveryRoles {
		out[role] = c.RoleModel(role)
	}
	return out
}

// DangerousPatterns compiles the configured code-safety rules. Empty
// config keeps the built-in table.
func (c *Config) DangerousPatterns() ([]guardrail.DangerousPattern, error) {
	if len(c.Guardrails.DangerousPatterns) == 0 {
		return nil, nil
	}
	out := make([]guardrail.DangerousPattern, 0, len(c.Guardrails.DangerousPatterns))
	for _, p := range c.Guardrails.DangerousPatterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("dangerous pattern %q: %w", p.ID, err)
		}
		severity := guardrail.SeverityWarning
		if p.Critical {
			severity = guardrail.SeverityCritical
		}
		out = append(out, guardrail.DangerousPattern{
			ID:          p.ID,
			Description: p.Description,
			Pattern:     re,
			Severity:    severity,
		})
	}
	return out, nil
}

// FlowOptions converts the configuration into run options.
func (c *Config) FlowOptions() (flow.Options, error) {
	patterns, err := c.DangerousPatterns()
	if err != nil {
		return flow.Options{}, err
	}
	return flow.Options{
		MaxRetries:          c.Run.MaxRetries,
		MemoryEnabled:       c.Memory.Enabled,
		PersistDir:          c.Workspace.PersistDir,
		CoverageThreshold:   c.Run.CoverageThreshold,
		QualityThreshold:    c.Run.QualityThreshold,
		ConfidenceThreshold: c.Run.ConfidenceThreshold,
		DescriptionMaxLen:   c.Run.DescriptionMaxLen,
		WorkspaceRoots:      c.Workspace.ExtraRoots,
		RoleModels:          c.RoleModels(),
		DangerousPatterns:   patterns,
		DependencyBlocklist: c.Guardrails.DependencyBlocklist,
		FeedbackTimeout:     c.Run.FeedbackTimeout,
		FeedbackDefault:     c.Run.FeedbackDefault,
		MaxConcurrent:       c.Run.MaxConcurrent,
		BreakerThreshold:    c.Run.BreakerThreshold,
	}, nil
}

// Validate rejects configurations no run could work with.
func (c *Config) Validate() error {
	if c.Models.Default == "" {
		for _, role := range deliveryRoles {
			if c.Models.Roles[role] == "" {
				return fmt.Errorf("no model bound for role %q and no default model set", role)
			}
		}
	}
	if c.Workspace.PersistDir == "" {
		return fmt.Errorf("workspace.persist_dir is required")
	}
	if c.Run.CoverageThreshold < 0 || c.Run.CoverageThreshold > 1 {
		return fmt.Errorf("run.coverage_threshold %v outside [0,1]", c.Run.CoverageThreshold)
	}
	if c.Run.QualityThreshold < 0 || c.Run.QualityThreshold > 10 {
		return fmt.Errorf("run.quality_threshold %v outside [0,10]", c.Run.QualityThreshold)
	}
	if c.Run.ConfidenceThreshold < 0 || c.Run.ConfidenceThreshold > 1 {
		return fmt.Errorf("run.confidence_threshold %v outside [0,1]", c.Run.ConfidenceThreshold)
	}
	switch c.Run.FeedbackDefault {
	case "", "abort", "proceed", "retry":
	default:
		return fmt.Errorf("run.feedback_default %q is not one of abort, proceed, retry", c.Run.FeedbackDefault)
	}
	if _, err := c.DangerousPatterns(); err != nil {
		return err
	}
	return nil
}
