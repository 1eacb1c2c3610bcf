package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStartsInIntake(t *testing.T) {
	s := New("build a thing")
	assert.Equal(t, PhaseIntake, s.Phase)
	assert.NotEmpty(t, s.ProjectID)
	assert.Equal(t, DefaultMaxRetries, s.MaxRetries)
	assert.Nil(t, s.CompletedAt)
}

func TestTransitionValidEdges(t *testing.T) {
	s := New("demo")
	require.NoError(t, s.Transition(PhasePlanning, "intake ok"))
	require.NoError(t, s.Transition(PhaseDevelopment, "plan ok"))
	require.NoError(t, s.Transition(PhaseTesting, "code ok"))
	require.NoError(t, s.Transition(PhaseDevelopment, "tests failed"))
	require.NoError(t, s.Transition(PhaseTesting, "fixed"))
	require.NoError(t, s.Transition(PhaseDeployment, "tests pass"))
	require.NoError(t, s.Transition(PhaseComplete, "deployed"))

	assert.True(t, s.Phase.Terminal())
	require.NotNil(t, s.CompletedAt)

	// Every recorded edge is in the machine.
	for _, tr := range s.Transitions {
		assert.True(t, CanTransition(tr.From, tr.To) || tr.From == PhaseAwaitingHuman,
			"edge %s -> %s", tr.From, tr.To)
	}
}

func TestTransitionRejectsInvalidEdges(t *testing.T) {
	tests := []struct {
		name string
		from Phase
		to   Phase
	}{
		{"skip planning", PhaseIntake, PhaseDevelopment},
		{"backwards", PhasePlanning, PhaseIntake},
		{"development to human", PhaseDevelopment, PhaseAwaitingHuman},
		{"deployment back to testing", PhaseDeployment, PhaseTesting},
		{"intake to complete", PhaseIntake, PhaseComplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New("demo")
			s.Phase = tt.from
			err := s.Transition(tt.to, "nope")
			assert.ErrorIs(t, err, ErrInvalidTransition)
		})
	}
}

func TestTransitionOutOfTerminalFails(t *testing.T) {
	s := New("demo")
	s.Phase = PhaseError
	err := s.Transition(PhasePlanning, "revive")
	assert.ErrorIs(t, err, ErrRunTerminated)
}

func TestSuspendResume(t *testing.T) {
	s := New("demo")
	require.NoError(t, s.Transition(PhasePlanning, "intake ok"))
	require.NoError(t, s.Transition(PhaseAwaitingHuman, "low confidence"))
	assert.Equal(t, PhasePlanning, s.SuspendedFrom)

	// May only resume to the suspended-from phase.
	err := s.Transition(PhaseDevelopment, "skip ahead")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, s.Transition(PhasePlanning, "human responded"))
	assert.Equal(t, Phase(""), s.SuspendedFrom)
}

func TestRetryBudget(t *testing.T) {
	s := New("demo")
	for i := 0; i < DefaultMaxRetries; i++ {
		assert.True(t, s.CanRetry(PhaseTesting))
		require.NoError(t, s.IncrementRetry(PhaseTesting))
	}
	assert.False(t, s.CanRetry(PhaseTesting))
	assert.ErrorIs(t, s.IncrementRetry(PhaseTesting), ErrRetryBudgetExhausted)
	assert.Equal(t, DefaultMaxRetries, s.RetryCount(PhaseTesting))
	assert.LessOrEqual(t, s.Retries[string(PhaseTesting)], s.MaxRetries)
}

func TestAddFile(t *testing.T) {
	s := New("demo")
	require.NoError(t, s.AddFile(CodeFile{Path: "src/main.go", Kind: FileKindSource}))

	err := s.AddFile(CodeFile{Path: "src/main.go", Kind: FileKindSource})
	assert.ErrorIs(t, err, ErrDuplicateFilePath)

	assert.Error(t, s.AddFile(CodeFile{Path: "../escape.go"}))
	assert.Error(t, s.AddFile(CodeFile{Path: "/abs/path.go"}))
	assert.Error(t, s.AddFile(CodeFile{Path: ""}))

	assert.Len(t, s.Files, 1)
}

func TestReplaceFilesValidates(t *testing.T) {
	s := New("demo")
	require.NoError(t, s.AddFile(CodeFile{Path: "old.go"}))

	err := s.ReplaceFiles([]CodeFile{{Path: "a.go"}, {Path: "a.go"}})
	assert.ErrorIs(t, err, ErrDuplicateFilePath)

	require.NoError(t, s.ReplaceFiles([]CodeFile{{Path: "new.go"}}))
	assert.Len(t, s.Files, 1)
	assert.Equal(t, "new.go", s.Files[0].Path)
}

func TestTransitionsTimeOrdered(t *testing.T) {
	s := New("demo")
	require.NoError(t, s.Transition(PhasePlanning, "a"))
	require.NoError(t, s.Transition(PhaseDevelopment, "b"))
	require.NoError(t, s.Transition(PhaseTesting, "c"))

	for i := 1; i < len(s.Transitions); i++ {
		assert.False(t, s.Transitions[i].Timestamp.Before(s.Transitions[i-1].Timestamp))
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := New("round trip")
	require.NoError(t, s.Transition(PhasePlanning, "ok"))
	s.Requirements = &Requirements{
		ProjectName: "demo",
		UserStories: []UserStory{{StoryID: "US-1", AsA: "user", IWant: "health checks", SoThat: "I can monitor"}},
		Confidence:  0.92,
	}
	require.NoError(t, s.AddFile(CodeFile{Path: "main.go", Content: "package main", Language: "go", Kind: FileKindSource}))
	s.AddError(PhasePlanning, "shape", "bad json", true)
	s.SetMeta("note", "hello")

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var got ProjectState
	require.NoError(t, json.Unmarshal(data, &got))

	again, err := json.Marshal(&got)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))
	assert.Equal(t, s.ProjectID, got.ProjectID)
	assert.Equal(t, s.Phase, got.Phase)
	assert.Len(t, got.Files, 1)
	assert.Len(t, got.Errors, 1)
}

func TestSnapshotPreservesUnknownFields(t *testing.T) {
	raw := `{
		"project_id": "p-1",
		"description": "demo",
		"phase": "PLANNING",
		"transitions": [],
		"retries": {},
		"max_retries": 3,
		"started_at": "2026-01-02T03:04:05Z",
		"future_field": {"nested": [1, 2, 3]},
		"another_new_thing": "keep me"
	}`
	var s ProjectState
	require.NoError(t, json.Unmarshal([]byte(raw), &s))
	require.Len(t, s.Unknown, 2)

	out, err := json.Marshal(&s)
	require.NoError(t, err)
	assert.Contains(t, string(out), "future_field")
	assert.Contains(t, string(out), "keep me")
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := New("demo")
	require.NoError(t, s.AddFile(CodeFile{Path: "a.go"}))

	snap := s.Snapshot()
	snap.Files[0].Path = "mutated.go"
	snap.Phase = PhaseError

	assert.Equal(t, "a.go", s.Files[0].Path)
	assert.Equal(t, PhaseIntake, s.Phase)
}

func TestCompletedAtOnlyWhenTerminal(t *testing.T) {
	s := New("demo")
	require.NoError(t, s.Transition(PhasePlanning, "ok"))
	assert.Nil(t, s.CompletedAt)

	s2 := New("demo")
	require.NoError(t, s2.Transition(PhaseError, "boom"))
	require.NotNil(t, s2.CompletedAt)
	assert.WithinDuration(t, time.Now().UTC(), *s2.CompletedAt, time.Minute)
}
