// Package guardrail validates crew task outputs. A guardrail is a pure
// check over the produced artifact and run snapshot; a chain composes
// guardrails per task and decides whether the output commits, retries
// with feedback, or fails the task.
package guardrail

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/RickZee/ai-team/internal/state"
)

// Status of a single verdict.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Severity of a verdict.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Verdict is the result of one guardrail check.
type Verdict struct {
	Status       Status         `json:"status"`
	Category     string         `json:"category"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
	RetryAllowed bool           `json:"retry_allowed"`
	Severity     Severity       `json:"severity"`
}

// Pass builds a passing verdict.
func Pass(category string) Verdict {
	return Verdict{Status: StatusPass, Category: category, Severity: SeverityInfo}
}

// Warnf builds a warning verdict.
func Warnf(category, format string, args ...any) Verdict {
	return Verdict{
		Status:       StatusWarn,
		Category:     category,
		Message:      fmt.Sprintf(format, args...),
		RetryAllowed: true,
		Severity:     SeverityWarning,
	}
}

// Failf builds a failing verdict.
func Failf(category string, severity Severity, retryAllowed bool, format string, args ...any) Verdict {
	return Verdict{
		Status:       StatusFail,
		Category:     category,
		Message:      fmt.Sprintf(format, args...),
		RetryAllowed: retryAllowed,
		Severity:     severity,
	}
}

// WithDetail attaches a detail entry and returns the verdict.
func (v Verdict) WithDetail(key string, value any) Verdict {
	if v.Details == nil {
		v.Details = map[string]any{}
	}
	v.Details[key] = value
	return v
}

// Blocking reports whether the verdict must stop the task: a fail, or
// any non-pass verdict marked critical.
func (v Verdict) Blocking() bool {
	if v.Status == StatusFail {
		return true
	}
	return v.Status != StatusPass && v.Severity == SeverityCritical
}

// Input is the read-only context a guardrail checks against.
type Input struct {
	Role            string
	Text            string
	Artifact        any
	ShapeErr        error
	State           *state.ProjectState
	Attempt         int
	Iteration       int
	MaxIterations   int
	DelegationChain []string
}

// Guardrail is a single named check.
type Guardrail interface {
	Name() string
	Check(ctx context.Context, in *Input) Verdict
}

// Chain runs guardrails in declared order, short-circuiting on the
// first critical failure.
type Chain struct {
	name       string
	guardrails []Guardrail
}

// NewChain builds a chain. Order matters: cheaper and harder checks
// usually go first.
func NewChain(name string, guardrails ...Guardrail) *Chain {
	return &Chain{name: name, guardrails: guardrails}
}

// Name returns the chain's name.
func (c *Chain) Name() string { return c.name }

// Append returns a new chain with extra guardrails at the end.
func (c *Chain) Append(guardrails ...Guardrail) *Chain {
	combined := make([]Guardrail, 0, len(c.guardrails)+len(guardrails))
	combined = append(combined, c.guardrails...)
	combined = append(combined, guardrails...)
	return &Chain{name: c.name, guardrails: combined}
}

// ChainResult is the outcome of running a chain over one task attempt.
type ChainResult struct {
	Warnings []Verdict
	Failure  *Verdict
	FailedBy string
}

// OK reports whether the output may commit.
func (r ChainResult) OK() bool { return r.Failure == nil }

// Retryable reports whether the crew may re-invoke the worker with the
// failure message as feedback.
func (r ChainResult) Retryable() bool {
	return r.Failure != nil && r.Failure.RetryAllowed
}

// WarningsError folds accumulated warnings into a single error, or nil.
func (r ChainResult) WarningsError() error {
	var merr *multierror.Error
	for _, w := range r.Warnings {
		merr = multierror.Append(merr, fmt.Errorf("%s: %s", w.Category, w.Message))
	}
	return merr.ErrorOrNil()
}

// Run executes the chain. Passes continue, warnings accumulate, the
// first blocking verdict short-circuits. A critical verdict blocks even
// when its status is warn.
func (c *Chain) Run(ctx context.Context, in *Input) ChainResult {
	var result ChainResult
	for _, g := range c.guardrails {
		if ctx.Err() != nil {
			v := Failf("cancelled", SeverityWarning, false, "guardrail chain cancelled: %v", ctx.Err())
			result.Failure = &v
			result.FailedBy = g.Name()
			return result
		}
		v := g.Check(ctx, in)
		if v.Blocking() {
			result.Failure = &v
			result.FailedBy = g.Name()
			return result
		}
		if v.Status == StatusWarn {
			result.Warnings = append(result.Warnings, v)
		}
	}
	return result
}
