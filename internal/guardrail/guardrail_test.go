package guardrail

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGuardrail struct {
	name    string
	verdict Verdict
	called  *bool
}

func (s stubGuardrail) Name() string { return s.name }
func (s stubGuardrail) Check(context.Context, *Input) Verdict {
	if s.called != nil {
		*s.called = true
	}
	return s.verdict
}

func TestChainPassAndWarnAccumulate(t *testing.T) {
	chain := NewChain("test",
		stubGuardrail{name: "a", verdict: Pass("x")},
		stubGuardrail{name: "b", verdict: Warnf("x", "minor issue")},
		stubGuardrail{name: "c", verdict: Warnf("y", "another issue")},
	)

	result := chain.Run(context.Background(), &Input{})
	require.True(t, result.OK())
	assert.Len(t, result.Warnings, 2)
	assert.Error(t, result.WarningsError())
}

func TestChainShortCircuitsOnFail(t *testing.T) {
	var reached bool
	chain := NewChain("test",
		stubGuardrail{name: "a", verdict: Failf("x", SeverityWarning, true, "nope")},
		stubGuardrail{name: "b", verdict: Pass("x"), called: &reached},
	)

	result := chain.Run(context.Background(), &Input{})
	require.False(t, result.OK())
	assert.True(t, result.Retryable())
	assert.Equal(t, "a", result.FailedBy)
	assert.False(t, reached, "guardrails after a failure must not run")
}

func TestChainCriticalWarnBlocks(t *testing.T) {
	v := Verdict{Status: StatusWarn, Category: "security", Severity: SeverityCritical}
	chain := NewChain("test", stubGuardrail{name: "a", verdict: v})

	result := chain.Run(context.Background(), &Input{})
	require.False(t, result.OK())
	assert.False(t, result.Retryable())
}

func TestChainCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	chain := NewChain("test", stubGuardrail{name: "a", verdict: Pass("x")})
	result := chain.Run(ctx, &Input{})
	require.False(t, result.OK())
	assert.Equal(t, "cancelled", result.Failure.Category)
}

func TestChainAppend(t *testing.T) {
	base := NewChain("test", stubGuardrail{name: "a", verdict: Pass("x")})
	extended := base.Append(stubGuardrail{name: "b", verdict: Failf("x", SeverityWarning, false, "no")})

	require.True(t, base.Run(context.Background(), &Input{}).OK())
	result := extended.Run(context.Background(), &Input{})
	require.False(t, result.OK())
	assert.Equal(t, "b", result.FailedBy)
}

func TestVerdictBlocking(t *testing.T) {
	tests := []struct {
		name     string
		verdict  Verdict
		blocking bool
	}{
		{"pass", Pass("x"), false},
		{"warn", Warnf("x", "m"), false},
		{"fail", Failf("x", SeverityWarning, true, "m"), true},
		{"critical warn", Verdict{Status: StatusWarn, Severity: SeverityCritical}, true},
		{"critical pass", Verdict{Status: StatusPass, Severity: SeverityCritical}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.blocking, tt.verdict.Blocking())
		})
	}
}
