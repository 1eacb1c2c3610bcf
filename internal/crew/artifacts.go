package crew

import (
	"fmt"

	"github.com/RickZee/ai-team/internal/state"
	"github.com/RickZee/ai-team/internal/worker"
)

// FileSet is the JSON wrapper developers reply with.
type FileSet struct {
	Files []state.CodeFile `json:"files"`
}

// ReviewFinding is one issue raised by the code review.
type ReviewFinding struct {
	Severity   string `json:"severity"`
	Path       string `json:"path"`
	Line       int    `json:"line,omitempty"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// CodeReview is the QA review artifact with a 0-10 score.
type CodeReview struct {
	Score    float64         `json:"score"`
	Summary  string          `json:"summary"`
	Findings []ReviewFinding `json:"findings,omitempty"`
}

// QualityScore implements guardrail.Scored.
func (r *CodeReview) QualityScore() float64 { return r.Score }

// CriticalFindings returns findings marked critical or high.
func (r *CodeReview) CriticalFindings() []ReviewFinding {
	var out []ReviewFinding
	for _, f := range r.Findings {
		if f.Severity == "critical" || f.Severity == "high" {
			out = append(out, f)
		}
	}
	return out
}

// decodeRequirements coerces worker text to Requirements.
func decodeRequirements(text string) (any, error) {
	var req state.Requirements
	if err := worker.Coerce(text, &req); err != nil {
		return nil, err
	}
	if req.ProjectName == "" {
		return nil, fmt.Errorf("requirements missing project_name")
	}
	return &req, nil
}

func decodeArchitecture(text string) (any, error) {
	var arch state.Architecture
	if err := worker.Coerce(text, &arch); err != nil {
		return nil, err
	}
	if len(arch.Components) == 0 {
		return nil, fmt.Errorf("architecture declares no components")
	}
	return &arch, nil
}

// decodeFiles unwraps a FileSet into the file list guardrails scan.
func decodeFiles(text string) (any, error) {
	var set FileSet
	if err := worker.Coerce(text, &set); err != nil {
		return nil, err
	}
	if len(set.Files) == 0 {
		return nil, fmt.Errorf("no files produced")
	}
	for i, f := range set.Files {
		if f.Path == "" {
			return nil, fmt.Errorf("file %d has no path", i)
		}
		if f.Kind == "" {
			set.Files[i].Kind = state.FileKindSource
		}
	}
	return set.Files, nil
}

func decodeReview(text string) (any, error) {
	var rev CodeReview
	if err := worker.Coerce(text, &rev); err != nil {
		return nil, err
	}
	return &rev, nil
}

func decodeBundle(text string) (any, error) {
	var b state.DeploymentBundle
	if err := worker.Coerce(text, &b); err != nil {
		return nil, err
	}
	return &b, nil
}
