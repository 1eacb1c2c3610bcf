package flow

import (
	"errors"

	"github.com/RickZee/ai-team/internal/crew"
	"github.com/RickZee/ai-team/internal/guardrail"
	"github.com/RickZee/ai-team/internal/llm"
	"github.com/RickZee/ai-team/internal/state"
	"github.com/RickZee/ai-team/internal/worker"
)

// Kind classifies a run failure and drives the routing decision.
type Kind string

const (
	// KindConfiguration covers missing models, bad workspace roots and
	// similar startup faults. Fatal.
	KindConfiguration Kind = "configuration"
	// KindTransient covers LLM timeouts, rate limits and brief tool
	// unavailability. Retried with backoff up to the phase budget.
	KindTransient Kind = "transient"
	// KindShape marks output that did not parse as the declared
	// artifact. Recoverable, counts against the task budget.
	KindShape Kind = "shape"
	// KindGuardrailSoft is a failing verdict with retry allowed.
	KindGuardrailSoft Kind = "guardrail_soft"
	// KindGuardrailHard is a critical or non-retryable verdict. Fatal
	// for the phase.
	KindGuardrailHard Kind = "guardrail_hard"
	// KindBudgetExhausted means retries ran out.
	KindBudgetExhausted Kind = "budget_exhausted"
	// KindInvariant marks an illegal state mutation. A bug, immediate
	// ERROR.
	KindInvariant Kind = "invariant_violation"
)

// Recoverable reports whether the flow may keep the run alive after an
// error of this kind without human help.
func (k Kind) Recoverable() bool {
	switch k {
	case KindTransient, KindShape, KindGuardrailSoft:
		return true
	}
	return false
}

// Classify maps an error surfaced by a crew, worker or store into the
// taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	if errors.Is(err, state.ErrInvalidTransition) ||
		errors.Is(err, state.ErrDuplicateFilePath) ||
		errors.Is(err, state.ErrRunTerminated) ||
		errors.Is(err, state.ErrNotSuspended) {
		return KindInvariant
	}
	if errors.Is(err, state.ErrRetryBudgetExhausted) {
		return KindBudgetExhausted
	}

	var crewErr *crew.Error
	if errors.As(err, &crewErr) && crewErr.Verdict != nil {
		v := crewErr.Verdict
		if v.Severity == guardrail.SeverityCritical || !v.RetryAllowed {
			return KindGuardrailHard
		}
		if crewErr.BudgetExhausted() {
			return KindBudgetExhausted
		}
		return KindGuardrailSoft
	}

	var shapeErr *worker.ShapeError
	if errors.As(err, &shapeErr) {
		return KindShape
	}

	if llm.IsPermanent(err) {
		return KindConfiguration
	}
	if llm.IsTransient(err) {
		return KindTransient
	}

	// Tool and sandbox faults without a sharper signal are treated as
	// transient; the circuit breaker stops endless loops.
	return KindTransient
}
