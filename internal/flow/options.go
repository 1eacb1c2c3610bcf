package flow

import (
	"fmt"
	"time"

	"github.com/RickZee/ai-team/internal/guardrail"
)

// Default thresholds. Coverage and confidence are fractions; quality is
// on a 0-10 scale.
const (
	DefaultMaxRetries          = 3
	DefaultCoverageThreshold   = 0.8
	DefaultQualityThreshold    = 7.0
	DefaultConfidenceThreshold = 0.7
	DefaultDescriptionMaxLen   = 10000
	DefaultMaxConcurrent       = 2
)

// Options is the explicit record of everything a run needs. The config
// layer builds one from file and environment; tests build them inline.
type Options struct {
	// MaxRetries is the per-phase retry budget.
	MaxRetries int
	// MemoryEnabled turns the associative store on.
	MemoryEnabled bool
	// PersistDir is the base directory for run state.
	PersistDir string
	// CoverageThreshold in [0,1]; test runs at or above it pass.
	CoverageThreshold float64
	// QualityThreshold on the review's 0-10 scale.
	QualityThreshold float64
	// ConfidenceThreshold: planning below it suspends for clarification.
	ConfidenceThreshold float64
	// DescriptionMaxLen caps the intake description.
	DescriptionMaxLen int
	// WorkspaceRoots are extra directories tools may touch beyond the
	// per-project workspace.
	WorkspaceRoots []string
	// RoleModels maps role name to model id.
	RoleModels map[string]string
	// DangerousPatterns overrides the built-in code-safety table.
	DangerousPatterns []guardrail.DangerousPattern
	// DependencyBlocklist names packages generated manifests must not use.
	DependencyBlocklist []string
	// FeedbackTimeout bounds a human-feedback wait; zero waits forever
	// (interactive) or terminates the run as awaiting-human when no
	// broker is attached.
	FeedbackTimeout time.Duration
	// FeedbackDefault is the action taken when the timeout expires.
	FeedbackDefault string
	// MaxConcurrent bounds parallel worker invocations in coordinated
	// crews.
	MaxConcurrent int
	// BreakerThreshold is the consecutive-failure trip point per phase.
	BreakerThreshold int
}

func (o *Options) applyDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.CoverageThreshold <= 0 {
		o.CoverageThreshold = DefaultCoverageThreshold
	}
	if o.QualityThreshold <= 0 {
		o.QualityThreshold = DefaultQualityThreshold
	}
	if o.ConfidenceThreshold <= 0 {
		o.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if o.DescriptionMaxLen <= 0 {
		o.DescriptionMaxLen = DefaultDescriptionMaxLen
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
	if o.BreakerThreshold <= 0 {
		o.BreakerThreshold = DefaultBreakerThreshold
	}
	if o.FeedbackDefault == "" {
		o.FeedbackDefault = "abort"
	}
}

// Validate rejects out-of-range options before any state is created.
func (o *Options) Validate() error {
	if o.PersistDir == "" {
		return fmt.Errorf("persist dir is required")
	}
	if o.CoverageThreshold < 0 || o.CoverageThreshold > 1 {
		return fmt.Errorf("coverage threshold %v outside [0,1]", o.CoverageThreshold)
	}
	if o.QualityThreshold < 0 || o.QualityThreshold > 10 {
		return fmt.Errorf("quality threshold %v outside [0,10]", o.QualityThreshold)
	}
	if o.ConfidenceThreshold < 0 || o.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold %v outside [0,1]", o.ConfidenceThreshold)
	}
	return nil
}
