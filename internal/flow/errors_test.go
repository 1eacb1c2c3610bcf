package flow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/RickZee/ai-team/internal/crew"
	"github.com/RickZee/ai-team/internal/guardrail"
	"github.com/RickZee/ai-team/internal/llm"
	"github.com/RickZee/ai-team/internal/state"
	"github.com/RickZee/ai-team/internal/worker"
)

func TestClassify(t *testing.T) {
	softVerdict := guardrail.Failf("quality", guardrail.SeverityWarning, true, "too long")
	criticalVerdict := guardrail.Failf("security", guardrail.SeverityCritical, false, "injection")
	noRetryVerdict := guardrail.Failf("behavioral", guardrail.SeverityWarning, false, "iteration cap")

	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Kind("")},
		{"invalid transition", fmt.Errorf("wrap: %w", state.ErrInvalidTransition), KindInvariant},
		{"duplicate path", state.ErrDuplicateFilePath, KindInvariant},
		{"retry budget sentinel", state.ErrRetryBudgetExhausted, KindBudgetExhausted},
		{"critical verdict", &crew.Error{Crew: "dev", TaskID: "backend", Verdict: &criticalVerdict}, KindGuardrailHard},
		{"non-retryable verdict", &crew.Error{Crew: "dev", TaskID: "backend", Verdict: &noRetryVerdict}, KindGuardrailHard},
		{"retryable verdict after budget", &crew.Error{Crew: "test", TaskID: "review", Verdict: &softVerdict}, KindBudgetExhausted},
		{"shape error", &worker.ShapeError{Diagnostic: "not json"}, KindShape},
		{"permanent llm", llm.Permanent("complete", errors.New("model not found")), KindConfiguration},
		{"transient llm", llm.Transient("complete", errors.New("timeout")), KindTransient},
		{"unknown", errors.New("sandbox hiccup"), KindTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestClassifyUnwrapsCrewErrors(t *testing.T) {
	inner := llm.Permanent("complete", errors.New("model missing"))
	err := fmt.Errorf("kickoff: %w", &crew.Error{Crew: "planning", TaskID: "requirements", Err: inner})
	assert.Equal(t, KindConfiguration, Classify(err))
}

func TestKindRecoverable(t *testing.T) {
	assert.True(t, KindTransient.Recoverable())
	assert.True(t, KindShape.Recoverable())
	assert.True(t, KindGuardrailSoft.Recoverable())
	assert.False(t, KindGuardrailHard.Recoverable())
	assert.False(t, KindConfiguration.Recoverable())
	assert.False(t, KindBudgetExhausted.Recoverable())
	assert.False(t, KindInvariant.Recoverable())
}
