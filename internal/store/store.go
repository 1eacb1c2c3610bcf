// Package store persists run state to disk. Each project gets one
// directory holding the last full snapshot, append-only transition and
// error logs, and the workspace subtree for generated files. Snapshots
// are written atomically (temp file + rename) so a crash never leaves a
// torn state.json behind.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/RickZee/ai-team/internal/logging"
	"github.com/RickZee/ai-team/internal/sanitize"
	"github.com/RickZee/ai-team/internal/state"
)

const (
	snapshotFile    = "state.json"
	transitionsFile = "transitions.log"
	errorsFile      = "errors.log"
	failureFile     = "failure_report.json"
	workspaceDir    = "workspace"

	dirPerm  = 0o700
	filePerm = 0o600
)

var ErrNotFound = errors.New("project not found")

// Store manages per-project persistence under a base directory.
type Store struct {
	dir    string
	logger *logging.Logger
}

// New creates the base directory if needed and returns a Store.
func New(dir string, logger *logging.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("persist dir is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve persist dir: %w", err)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("create persist dir: %w", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Store{dir: abs, logger: logger}, nil
}

// ProjectDir returns the directory for a project, creating it and its
// workspace subtree on first use.
func (st *Store) ProjectDir(projectID string) (string, error) {
	if err := sanitize.ValidateIdentifier(projectID); err != nil {
		return "", err
	}
	dir := filepath.Join(st.dir, projectID)
	if err := os.MkdirAll(filepath.Join(dir, workspaceDir), dirPerm); err != nil {
		return "", fmt.Errorf("create project dir: %w", err)
	}
	return dir, nil
}

// WorkspaceRoot returns the workspace subtree for generated files.
func (st *Store) WorkspaceRoot(projectID string) (string, error) {
	dir, err := st.ProjectDir(projectID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, workspaceDir), nil
}

// SaveSnapshot writes the full state atomically.
func (st *Store) SaveSnapshot(s *state.ProjectState) error {
	dir, err := st.ProjectDir(s.ProjectID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return writeAtomic(filepath.Join(dir, snapshotFile), data)
}

// Load reads the last snapshot for a project.
func (st *Store) Load(projectID string) (*state.ProjectState, error) {
	if err := sanitize.ValidateIdentifier(projectID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(st.dir, projectID, snapshotFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, projectID)
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var s state.ProjectState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

// AppendTransition appends one transition record as a JSON line.
func (st *Store) AppendTransition(projectID string, tr state.Transition) error {
	return st.appendLine(projectID, transitionsFile, tr)
}

// AppendError appends one error record as a JSON line.
func (st *Store) AppendError(projectID string, rec state.ErrorRecord) error {
	return st.appendLine(projectID, errorsFile, rec)
}

// FailureReport captures what killed a run: the last guardrail verdicts
// and the worker output that triggered them.
type FailureReport struct {
	ProjectID    string         `json:"project_id"`
	Phase        state.Phase    `json:"phase"`
	Kind         string         `json:"kind"`
	Message      string         `json:"message"`
	LastVerdicts []any          `json:"last_verdicts,omitempty"`
	LastOutput   string         `json:"last_output,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// WriteFailureReport persists a structured failure report next to the
// snapshot.
func (st *Store) WriteFailureReport(report FailureReport) error {
	dir, err := st.ProjectDir(report.ProjectID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal failure report: %w", err)
	}
	return writeAtomic(filepath.Join(dir, failureFile), data)
}

// List returns known project IDs, sorted.
func (st *Store) List() ([]string, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("read persist dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(st.dir, e.Name(), snapshotFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (st *Store) appendLine(projectID, name string, record any) error {
	dir, err := st.ProjectDir(projectID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", name, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", name, err)
	}
	return f.Sync()
}

// writeAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// LogSaved emits a debug entry after a snapshot write.
func (st *Store) LogSaved(projectID string, phase state.Phase) {
	st.logger.Debug(context.Background(), "snapshot saved",
		zap.String("project_id", projectID),
		zap.String("phase", string(phase)),
	)
}
