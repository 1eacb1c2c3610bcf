package store

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RickZee/ai-team/internal/state"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	return st
}

func TestSaveAndLoadSnapshot(t *testing.T) {
	st := newTestStore(t)

	s := state.New("persist me")
	require.NoError(t, s.Transition(state.PhasePlanning, "intake ok"))
	require.NoError(t, s.AddFile(state.CodeFile{Path: "main.go", Content: "package main"}))

	require.NoError(t, st.SaveSnapshot(s))

	got, err := st.Load(s.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, s.ProjectID, got.ProjectID)
	assert.Equal(t, state.PhasePlanning, got.Phase)
	assert.Len(t, got.Files, 1)
	assert.Len(t, got.Transitions, 1)
}

func TestLoadUnknownProject(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Load("no-such-project")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadRejectsBadIdentifier(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Load("../../etc")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestAppendLogsAreJSONLines(t *testing.T) {
	st := newTestStore(t)
	s := state.New("logs")

	require.NoError(t, st.AppendTransition(s.ProjectID, state.Transition{
		From: state.PhaseIntake, To: state.PhasePlanning, Reason: "ok",
	}))
	require.NoError(t, st.AppendTransition(s.ProjectID, state.Transition{
		From: state.PhasePlanning, To: state.PhaseDevelopment, Reason: "ok",
	}))
	require.NoError(t, st.AppendError(s.ProjectID, state.ErrorRecord{
		Phase: state.PhasePlanning, Kind: "shape", Message: "bad json", Recoverable: true,
	}))

	dir, err := st.ProjectDir(s.ProjectID)
	require.NoError(t, err)

	f, err := os.Open(filepath.Join(dir, transitionsFile))
	require.NoError(t, err)
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var tr state.Transition
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &tr))
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestSnapshotOverwriteKeepsLatest(t *testing.T) {
	st := newTestStore(t)
	s := state.New("evolving")
	require.NoError(t, st.SaveSnapshot(s))

	require.NoError(t, s.Transition(state.PhasePlanning, "ok"))
	require.NoError(t, st.SaveSnapshot(s))

	got, err := st.Load(s.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, state.PhasePlanning, got.Phase)
}

func TestCrashResumeRoundTrip(t *testing.T) {
	dir := t.TempDir()

	st, err := New(dir, nil)
	require.NoError(t, err)

	s := state.New("resume me")
	require.NoError(t, s.Transition(state.PhasePlanning, "a"))
	require.NoError(t, s.Transition(state.PhaseDevelopment, "b"))
	s.AddError(state.PhasePlanning, "transient", "timeout", true)
	require.NoError(t, st.SaveSnapshot(s))

	// Simulate a fresh process: new store over the same directory.
	st2, err := New(dir, nil)
	require.NoError(t, err)

	got, err := st2.Load(s.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, state.PhaseDevelopment, got.Phase)
	assert.Len(t, got.Transitions, 2)
	assert.Len(t, got.Errors, 1)

	// The resumed state keeps transitioning.
	require.NoError(t, got.Transition(state.PhaseTesting, "resumed"))
}

func TestWorkspaceRootCreated(t *testing.T) {
	st := newTestStore(t)
	root, err := st.WorkspaceRoot("proj-1")
	require.NoError(t, err)
	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestWriteFailureReport(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.WriteFailureReport(FailureReport{
		ProjectID: "proj-2",
		Phase:     state.PhaseTesting,
		Kind:      "guardrail-hard",
		Message:   "critical security verdict",
	}))

	dir, err := st.ProjectDir("proj-2")
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, failureFile))
	require.NoError(t, err)

	var rep FailureReport
	require.NoError(t, json.Unmarshal(data, &rep))
	assert.Equal(t, state.PhaseTesting, rep.Phase)
}

func TestList(t *testing.T) {
	st := newTestStore(t)
	for _, id := range []string{"b-proj", "a-proj"} {
		s := state.New("x")
		s.ProjectID = id
		require.NoError(t, st.SaveSnapshot(s))
	}
	ids, err := st.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a-proj", "b-proj"}, ids)
}
